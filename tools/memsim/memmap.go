package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/T-O-R-U-S/sprinkles-os/kernel/boot"
	"github.com/T-O-R-U-S/sprinkles-os/kernel/hal/sim"
	"github.com/T-O-R-U-S/sprinkles-os/kernel/kfmt"
	"github.com/T-O-R-U-S/sprinkles-os/kernel/mem"
	"github.com/google/subcommands"
	"github.com/samber/lo"
)

// memmapCmd implements subcommands.Command for the "memmap" command.
type memmapCmd struct{}

// Name implements subcommands.Command.
func (*memmapCmd) Name() string {
	return "memmap"
}

// Synopsis implements subcommands.Command.
func (*memmapCmd) Synopsis() string {
	return "prints the physical memory map of a machine config"
}

// Usage implements subcommands.Command.
func (*memmapCmd) Usage() string {
	return "memmap <config>\n"
}

// SetFlags implements subcommands.Command.
func (*memmapCmd) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (c *memmapCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	if err := c.run(os.Stdout, f.Arg(0)); err != nil {
		return fatalf("%v", err)
	}
	return subcommands.ExitSuccess
}

func (c *memmapCmd) run(w io.Writer, path string) error {
	cfg, err := sim.LoadConfig(path)
	if err != nil {
		return err
	}

	var (
		info = cfg.BootInfo()
		out  = &kfmt.PrefixWriter{Sink: w, Prefix: []byte("[memmap] ")}
	)

	fmt.Fprintf(out, "machine memory: %s\n", mem.Size(cfg.Memory))
	for _, r := range info.Regions {
		fmt.Fprintf(out, "0x%012x - 0x%012x %10s %s\n", uintptr(r.Start), uintptr(r.End()), r.Length, r.Kind)
	}

	kinds := lo.Uniq(lo.Map(info.Regions, func(r boot.Region, _ int) boot.RegionKind { return r.Kind }))
	for _, kind := range kinds {
		fmt.Fprintf(out, "total %s: %s\n", kind, info.TotalSize(kind))
	}

	fmt.Fprintf(out, "kernel image: 0x%x - 0x%x at 0x%x\n", uintptr(info.KernelStart), uintptr(info.KernelEnd), uintptr(info.KernelVirtBase))
	return nil
}
