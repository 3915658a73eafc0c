package vmm

import (
	"github.com/T-O-R-U-S/sprinkles-os/kernel"
	"github.com/T-O-R-U-S/sprinkles-os/kernel/mem"
	"github.com/T-O-R-U-S/sprinkles-os/kernel/mem/pmm"
)

// Translate returns the frame that backs page in space. The second return
// value is false if any level on the path is not present. For pages covered
// by a huge mapping, the 4K frame inside the huge page is returned.
func (m *Mapper) Translate(space *AddressSpace, page mem.VirtAddr) (pmm.Frame, bool) {
	pte, level, ok := m.lookup(space, page)
	if !ok {
		return pmm.InvalidFrame, false
	}

	frame := pte.Frame()
	if level != pageLevels-1 {
		offsetMask := uintptr(1)<<(pageLevelShifts[level]-pageLevelShifts[pageLevels-1]) - 1
		frame += pmm.Frame((uintptr(page) >> mem.PageShift) & offsetMask)
	}

	return frame, true
}

// TranslateAddr returns the physical address that virtAddr maps to in space.
func (m *Mapper) TranslateAddr(space *AddressSpace, virtAddr mem.VirtAddr) (mem.PhysAddr, *kernel.Error) {
	frame, ok := m.Translate(space, virtAddr.AlignDown(mem.PageSize))
	if !ok {
		return 0, ErrNotMapped
	}

	return frame.Address() + mem.PhysAddr(virtAddr.PageOffset()), nil
}

// LeafEntry returns a copy of the leaf entry that translates page, together
// with the size of the mapping it belongs to.
func (m *Mapper) LeafEntry(space *AddressSpace, page mem.VirtAddr) (PageTableEntry, PageSize, bool) {
	pte, level, ok := m.lookup(space, page)
	if !ok {
		return 0, Size4K, false
	}

	return pte, PageSize(pageLevels - 1 - level), true
}

// lookup walks the tables of space and returns the leaf entry for page and
// the level it was found at.
func (m *Mapper) lookup(space *AddressSpace, page mem.VirtAddr) (PageTableEntry, uint8, bool) {
	if !space.alive() || !page.IsCanonical() {
		return 0, 0, false
	}

	var (
		leaf  PageTableEntry
		level uint8
		found bool
	)

	walk(m.mmu, space.root, page, func(pteLevel uint8, pte *PageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			return false
		}

		if pte.IsLeaf(pteLevel) {
			leaf, level, found = *pte, pteLevel, true
			return false
		}
		return true
	})

	return leaf, level, found
}
