package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/T-O-R-U-S/sprinkles-os/kernel/kfmt"
	"github.com/T-O-R-U-S/sprinkles-os/kernel/mem"
	"github.com/google/subcommands"
	"github.com/pkg/errors"
)

// bootCmd implements subcommands.Command for the "boot" command.
type bootCmd struct {
	selfTest bool
}

// Name implements subcommands.Command.
func (*bootCmd) Name() string {
	return "boot"
}

// Synopsis implements subcommands.Command.
func (*bootCmd) Synopsis() string {
	return "boots a simulated machine and reports the memory manager state"
}

// Usage implements subcommands.Command.
func (*bootCmd) Usage() string {
	return "boot [flags] <config>\n"
}

// SetFlags implements subcommands.Command.
func (c *bootCmd) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&c.selfTest, "self-test", true, "write and read back every heap page through the simulated MMU.")
}

// Execute implements subcommands.Command.Execute.
func (c *bootCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	if err := c.run(os.Stdout, f.Arg(0)); err != nil {
		return fatalf("%v", err)
	}
	return subcommands.ExitSuccess
}

func (c *bootCmd) run(w io.Writer, path string) error {
	s, err := bootSimulation(path)
	if err != nil {
		return err
	}
	defer s.Close()

	var (
		out    = &kfmt.PrefixWriter{Sink: w, Prefix: []byte("[boot] ")}
		frames = s.memory.Frames
		info   = s.handoff.Info
	)

	fmt.Fprintf(out, "top-level table: 0x%x\n", uintptr(info.TopLevelTable))
	fmt.Fprintf(out, "boot table frames: %d\n", s.handoff.BootAlloc.AllocCount())
	fmt.Fprintf(out, "heap: 0x%x - 0x%x (%s)\n", uintptr(s.heap.start), uintptr(s.heap.start)+uintptr(s.heap.size), s.heap.size)
	fmt.Fprintf(out, "frames: %d total, %d free (%s free)\n", frames.TotalFrames(), frames.FreeFrames(), mem.Size(frames.FreeFrames()<<mem.PageShift))

	if c.selfTest {
		if err = heapSelfTest(s); err != nil {
			return err
		}
		fmt.Fprintf(out, "heap self-test: ok\n")
	}

	fmt.Fprintf(out, "mmu: %s\n", s.machine.Stats())
	return nil
}

// heapSelfTest fills each heap page with a distinct pattern and verifies it
// through virtual reads.
func heapSelfTest(s *simulation) error {
	pattern := make([]byte, mem.PageSize)
	got := make([]byte, mem.PageSize)

	for page := s.heap.start; page < s.heap.start+mem.VirtAddr(s.heap.size); page += mem.VirtAddr(mem.PageSize) {
		for i := range pattern {
			pattern[i] = byte(uintptr(page)>>mem.PageShift) ^ byte(i)
		}

		if err := s.machine.Write(page, pattern); err != nil {
			return errors.Wrap(err, "heap self-test")
		}
		if err := s.machine.Read(page, got); err != nil {
			return errors.Wrap(err, "heap self-test")
		}
		if !bytes.Equal(got, pattern) {
			return errors.Errorf("heap self-test: page 0x%x does not hold the written pattern", uintptr(page))
		}
	}

	return nil
}
