package vmm

import (
	"github.com/T-O-R-U-S/sprinkles-os/kernel"
	"github.com/T-O-R-U-S/sprinkles-os/kernel/irq"
	"github.com/T-O-R-U-S/sprinkles-os/kernel/mem/pmm"
	"github.com/sirupsen/logrus"
)

// AddressSpace owns a page table hierarchy rooted at a top-level table. Every
// table reachable from the root is owned exclusively by the space.
type AddressSpace struct {
	root pmm.Frame
}

// NewKernelSpace wraps the page tables that the bootloader set up, rooted at
// the given frame. The tables are used in place; ownership passes to the
// returned AddressSpace.
func NewKernelSpace(root pmm.Frame) *AddressSpace {
	return &AddressSpace{root: root}
}

// NewEmptySpace allocates a top-level table from frames and returns an
// address space with no mappings.
func NewEmptySpace(mmu MMU, frames FrameAllocator) (*AddressSpace, *kernel.Error) {
	defer irq.Disable(mmu).Restore()

	root, err := frames.AllocFrame()
	if err != nil {
		return nil, err
	}

	mmu.Table(root).Clear()
	return &AddressSpace{root: root}, nil
}

// Root returns the frame holding the top-level table. It returns
// pmm.InvalidFrame once the space has been destroyed.
func (as *AddressSpace) Root() pmm.Frame {
	return as.root
}

func (as *AddressSpace) alive() bool {
	return as != nil && as.root.Valid()
}

// IsActive returns true if mmu currently translates addresses using this
// space.
func (as *AddressSpace) IsActive(mmu MMU) bool {
	return as.alive() && mmu.ActiveTable() == as.root
}

// Activate installs the space as the one used for all subsequent address
// translation. Switching flushes every cached translation. The caller must
// keep the space alive while it is active.
func (as *AddressSpace) Activate(mmu MMU) *kernel.Error {
	if !as.alive() {
		return ErrSpaceDestroyed
	}

	defer irq.Disable(mmu).Restore()

	mmu.SwitchTable(as.root)
	log.WithField("root", uintptr(as.root.Address())).Debug("activated address space")
	return nil
}

// destroyItem is a table that still needs to be visited by Destroy.
type destroyItem struct {
	frame pmm.Frame
	level uint8
}

// Destroy returns every frame owned by the space to frames: all intermediate
// tables, every leaf frame not flagged with FlagBorrowed and finally the
// top-level table. The space cannot be used afterwards.
//
// Freeing continues past individual failures; the first failure is returned.
// Destroying the active space fails with ErrSpaceActive.
func (as *AddressSpace) Destroy(mmu MMU, frames FrameAllocator) *kernel.Error {
	if !as.alive() {
		return ErrSpaceDestroyed
	}

	if as.IsActive(mmu) {
		return ErrSpaceActive
	}

	defer irq.Disable(mmu).Restore()

	var (
		firstErr    *kernel.Error
		tablesFreed int
		leavesFreed int
		stack       = make([]destroyItem, 1, pageLevels*entriesPerTable)
		free        = func(frame pmm.Frame) {
			if err := frames.FreeFrame(frame); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	)

	stack[0] = destroyItem{frame: as.root, level: 0}
	for len(stack) != 0 {
		item := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		table := mmu.Table(item.frame)
		for index := range table {
			pte := table[index]
			if !pte.HasFlags(FlagPresent) {
				continue
			}

			if !pte.IsLeaf(item.level) {
				stack = append(stack, destroyItem{frame: pte.Frame(), level: item.level + 1})
				continue
			}

			if pte.HasFlags(FlagBorrowed) {
				continue
			}

			size := PageSize(pageLevels - 1 - item.level)
			for frame, last := pte.Frame(), pte.Frame()+pmm.Frame(size.Frames()); frame < last; frame++ {
				free(frame)
				leavesFreed++
			}
		}

		free(item.frame)
		tablesFreed++
	}

	log.WithFields(logrus.Fields{
		"root":   uintptr(as.root.Address()),
		"tables": tablesFreed,
		"leaves": leavesFreed,
	}).Debug("destroyed address space")

	as.root = pmm.InvalidFrame
	return firstErr
}
