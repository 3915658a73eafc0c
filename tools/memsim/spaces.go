package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"

	"github.com/T-O-R-U-S/sprinkles-os/kernel/kfmt"
	"github.com/T-O-R-U-S/sprinkles-os/kernel/mem"
	"github.com/T-O-R-U-S/sprinkles-os/kernel/mem/vmm"
	"github.com/google/subcommands"
	"github.com/pkg/errors"
)

// userSpaceTop bounds the addresses picked for random mappings to the lower
// canonical half.
const userSpaceTop = 1 << 47

// spacesCmd implements subcommands.Command for the "spaces" command.
type spacesCmd struct {
	count int
	pages int
	seed  int64
}

// Name implements subcommands.Command.
func (*spacesCmd) Name() string {
	return "spaces"
}

// Synopsis implements subcommands.Command.
func (*spacesCmd) Synopsis() string {
	return "creates, exercises and destroys address spaces, checking that no frames leak"
}

// Usage implements subcommands.Command.
func (*spacesCmd) Usage() string {
	return "spaces [flags] <config>\n"
}

// SetFlags implements subcommands.Command.
func (c *spacesCmd) SetFlags(f *flag.FlagSet) {
	f.IntVar(&c.count, "count", 4, "number of address spaces to create.")
	f.IntVar(&c.pages, "pages", 32, "number of random pages to map in each space.")
	f.Int64Var(&c.seed, "seed", 1, "seed for picking page addresses.")
}

// Execute implements subcommands.Command.Execute.
func (c *spacesCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	if err := c.run(os.Stdout, f.Arg(0)); err != nil {
		return fatalf("%v", err)
	}
	return subcommands.ExitSuccess
}

func (c *spacesCmd) run(w io.Writer, path string) error {
	s, err := bootSimulation(path)
	if err != nil {
		return err
	}
	defer s.Close()

	var (
		out        = &kfmt.PrefixWriter{Sink: w, Prefix: []byte("[spaces] ")}
		memory     = s.memory
		rng        = rand.New(rand.NewSource(c.seed))
		freeBefore = memory.Frames.FreeFrames()
		spaces     = make([]*vmm.AddressSpace, 0, c.count)
	)

	for i := 0; i < c.count; i++ {
		space, kerr := memory.NewSpace()
		if kerr != nil {
			return errors.Wrapf(kerr, "creating space %d", i)
		}
		spaces = append(spaces, space)

		if err = c.populate(s, space, rng, i); err != nil {
			return errors.Wrapf(err, "space %d", i)
		}

		fmt.Fprintf(out, "space %d: root 0x%x, %d pages, %d free frames\n", i, uintptr(space.Root().Address()), c.pages, memory.Frames.FreeFrames())
	}

	if kerr := memory.KernelSpace.Activate(memory.MMU); kerr != nil {
		return errors.Wrap(kerr, "re-activating kernel space")
	}

	for i, space := range spaces {
		if kerr := memory.DestroySpace(space); kerr != nil {
			return errors.Wrapf(kerr, "destroying space %d", i)
		}
	}

	freeAfter := memory.Frames.FreeFrames()
	fmt.Fprintf(out, "free frames: %d before, %d after\n", freeBefore, freeAfter)
	if freeAfter != freeBefore {
		return errors.Errorf("%d frames leaked", int64(freeBefore)-int64(freeAfter))
	}

	fmt.Fprintf(out, "mmu: %s\n", s.machine.Stats())
	return nil
}

// populate maps c.pages random pages in space, activates it and checks that
// each page is backed by its own frame through virtual accesses.
func (c *spacesCmd) populate(s *simulation, space *vmm.AddressSpace, rng *rand.Rand, tag int) error {
	memory := s.memory
	pages := make([]mem.VirtAddr, 0, c.pages)

	for len(pages) < c.pages {
		page := mem.VirtAddr(rng.Int63n(userSpaceTop)).AlignDown(mem.PageSize)

		frame, kerr := memory.Frames.AllocFrame()
		if kerr != nil {
			return errors.Wrap(kerr, "allocating page frame")
		}

		switch kerr = memory.Mapper.Map(space, page, frame, vmm.FlagRW|vmm.FlagUserAccessible); kerr {
		case nil:
			pages = append(pages, page)
		case vmm.ErrAlreadyMapped:
			if kerr = memory.Frames.FreeFrame(frame); kerr != nil {
				return errors.Wrapf(kerr, "releasing frame 0x%x", uintptr(frame))
			}
		default:
			return errors.Wrapf(kerr, "mapping page 0x%x", uintptr(page))
		}
	}

	if kerr := space.Activate(memory.MMU); kerr != nil {
		return errors.Wrap(kerr, "activating")
	}

	for i, page := range pages {
		if err := s.machine.Write(page, []byte{byte(tag), byte(i)}); err != nil {
			return err
		}
	}

	got := make([]byte, 2)
	for i, page := range pages {
		if err := s.machine.Read(page, got); err != nil {
			return err
		}
		if got[0] != byte(tag) || got[1] != byte(i) {
			return errors.Errorf("page 0x%x holds unexpected data", uintptr(page))
		}
	}

	return nil
}
