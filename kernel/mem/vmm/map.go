package vmm

import (
	"github.com/T-O-R-U-S/sprinkles-os/kernel"
	"github.com/T-O-R-U-S/sprinkles-os/kernel/irq"
	"github.com/T-O-R-U-S/sprinkles-os/kernel/mem"
	"github.com/T-O-R-U-S/sprinkles-os/kernel/mem/pmm"
)

// intermediateFlags are applied to entries that link to a next-level table.
// Access restrictions are enforced by the leaf entries.
const intermediateFlags = FlagPresent | FlagRW | FlagUserAccessible

// Mapper creates, removes and queries virtual to physical mappings inside
// address spaces. Intermediate tables are allocated on demand from frames.
type Mapper struct {
	mmu    MMU
	frames FrameAllocator
}

// NewMapper returns a Mapper that accesses tables through mmu and allocates
// intermediate tables from frames.
func NewMapper(mmu MMU, frames FrameAllocator) *Mapper {
	return &Mapper{mmu: mmu, frames: frames}
}

// Map establishes a mapping between a 4K page and a physical frame. The page
// must be page-aligned. Mapping a page that is already mapped fails with
// ErrAlreadyMapped; callers must Unmap it first.
func (m *Mapper) Map(space *AddressSpace, page mem.VirtAddr, frame pmm.Frame, flags PageTableEntryFlag) *kernel.Error {
	return m.MapHuge(space, page, frame, Size4K, flags)
}

// MapHuge establishes a mapping of the given size. Both page and the physical
// address of frame must be aligned to the page size. A huge mapping cannot be
// installed over a range that already contains finer-grained mappings.
func (m *Mapper) MapHuge(space *AddressSpace, page mem.VirtAddr, frame pmm.Frame, size PageSize, flags PageTableEntryFlag) *kernel.Error {
	if !space.alive() {
		return ErrSpaceDestroyed
	}

	if !page.IsCanonical() || !page.IsAligned(size.Bytes()) || !frame.Valid() || !frame.Address().IsAligned(size.Bytes()) {
		return mem.ErrInvalidAddress
	}

	defer irq.Disable(m.mmu).Restore()

	var (
		err       *kernel.Error
		leafLevel = size.leafLevel()
	)

	walk(m.mmu, space.root, page, func(pteLevel uint8, pte *PageTableEntry) bool {
		present := pte.HasFlags(FlagPresent)

		if pteLevel == leafLevel {
			switch {
			case present && !pte.IsLeaf(pteLevel):
				err = ErrGranularityConflict
			case present:
				err = ErrAlreadyMapped
			default:
				*pte = 0
				pte.SetFrame(frame)
				pte.SetFlags(FlagPresent | flags&^PageTableEntryFlag(ptePhysPageMask))
				if size != Size4K {
					pte.SetFlags(FlagHugePage)
				}
			}
			return false
		}

		if present {
			if pte.IsLeaf(pteLevel) {
				err = ErrGranularityConflict
				return false
			}
			return true
		}

		// The next table level is missing; allocate a frame for it,
		// clear its contents and link it.
		var newTableFrame pmm.Frame
		if newTableFrame, err = m.frames.AllocFrame(); err != nil {
			return false
		}

		m.mmu.Table(newTableFrame).Clear()
		*pte = 0
		pte.SetFrame(newTableFrame)
		pte.SetFlags(intermediateFlags)
		return true
	})

	if err == nil {
		m.flush(space, page)
	}

	return err
}

// Unmap removes the mapping for a 4K page and returns the frame that backed
// it. The frame is not freed; the caller decides whether to release it.
func (m *Mapper) Unmap(space *AddressSpace, page mem.VirtAddr) (pmm.Frame, *kernel.Error) {
	return m.UnmapHuge(space, page, Size4K)
}

// UnmapHuge removes a mapping of the given size and returns the first frame
// that backed it.
func (m *Mapper) UnmapHuge(space *AddressSpace, page mem.VirtAddr, size PageSize) (pmm.Frame, *kernel.Error) {
	if !space.alive() {
		return pmm.InvalidFrame, ErrSpaceDestroyed
	}

	if !page.IsCanonical() || !page.IsAligned(size.Bytes()) {
		return pmm.InvalidFrame, mem.ErrInvalidAddress
	}

	defer irq.Disable(m.mmu).Restore()

	var (
		err       = ErrNotMapped
		frame     = pmm.InvalidFrame
		leafLevel = size.leafLevel()
	)

	walk(m.mmu, space.root, page, func(pteLevel uint8, pte *PageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			return false
		}

		if pteLevel == leafLevel {
			if !pte.IsLeaf(pteLevel) {
				err = ErrGranularityConflict
				return false
			}

			frame, err = pte.Frame(), nil
			*pte = 0
			return false
		}

		if pte.IsLeaf(pteLevel) {
			err = ErrGranularityConflict
			return false
		}
		return true
	})

	if err != nil {
		return pmm.InvalidFrame, err
	}

	m.flush(space, page)
	return frame, nil
}

// flush invalidates the cached translation for page if space is the one the
// MMU currently translates with.
func (m *Mapper) flush(space *AddressSpace, page mem.VirtAddr) {
	if space.IsActive(m.mmu) {
		m.mmu.FlushTLBEntry(page)
	}
}
