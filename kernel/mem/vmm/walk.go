package vmm

import (
	"github.com/T-O-R-U-S/sprinkles-os/kernel/mem"
	"github.com/T-O-R-U-S/sprinkles-os/kernel/mem/pmm"
)

// pageTableWalker is a function that can be passed to the walk method. The
// function receives the current page level and page table entry as its
// arguments. If the function returns false, then the page walk is aborted.
type pageTableWalker func(pteLevel uint8, pte *PageTableEntry) bool

// walk performs a page table walk for the given virtual address starting at
// the table stored in root. It calls the supplied walkFn with the entry that
// corresponds to each page level. The walk descends into the next level only
// if walkFn returns true and the entry points to a present, non-huge table.
func walk(mmu MMU, root pmm.Frame, virtAddr mem.VirtAddr, walkFn pageTableWalker) {
	table := mmu.Table(root)
	for level := uint8(0); level < pageLevels; level++ {
		pte := &table[pteIndex(virtAddr, level)]
		if !walkFn(level, pte) || pte.IsLeaf(level) || !pte.HasFlags(FlagPresent) {
			return
		}

		table = mmu.Table(pte.Frame())
	}
}
