package main

import (
	"github.com/T-O-R-U-S/sprinkles-os/kernel/hal/sim"
	"github.com/T-O-R-U-S/sprinkles-os/kernel/kmain"
	"github.com/T-O-R-U-S/sprinkles-os/kernel/mem"
	"github.com/pkg/errors"
)

// heapRegion records the region passed to the heap initializer.
type heapRegion struct {
	start mem.VirtAddr
	size  mem.Size
}

func (h *heapRegion) Init(start mem.VirtAddr, size mem.Size) {
	h.start, h.size = start, size
}

// simulation is a booted simulated machine with memory management
// initialized.
type simulation struct {
	cfg     *sim.Config
	machine *sim.Machine
	handoff *sim.Handoff
	memory  *kmain.Memory
	heap    heapRegion
}

// bootSimulation loads the config at path, runs the simulated bootloader and
// then the kernel memory initialization sequence. The caller must close the
// returned simulation.
func bootSimulation(path string) (*simulation, error) {
	cfg, err := sim.LoadConfig(path)
	if err != nil {
		return nil, err
	}

	machine, err := sim.NewMachine(mem.Size(cfg.Memory))
	if err != nil {
		return nil, err
	}

	s := &simulation{cfg: cfg, machine: machine}
	if s.handoff, err = sim.Boot(machine, cfg); err != nil {
		_ = machine.Close()
		return nil, errors.Wrap(err, "simulated bootloader")
	}

	memory, kerr := kmain.InitMemory(s.handoff.Info, machine, s.handoff.BootAlloc, cfg.HeapRange(), &s.heap)
	if kerr != nil {
		_ = machine.Close()
		return nil, errors.Wrap(kerr, "initializing memory management")
	}
	s.memory = memory

	return s, nil
}

func (s *simulation) Close() error {
	return s.machine.Close()
}
