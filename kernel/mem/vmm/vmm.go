// Package vmm builds and mutates the amd64 page table hierarchy.
//
// Page tables are never dereferenced through raw pointers stored in entries.
// Instead, the platform supplies an MMU that returns a temporary view of the
// table held in any physical frame.
package vmm

import (
	"github.com/T-O-R-U-S/sprinkles-os/kernel"
	"github.com/T-O-R-U-S/sprinkles-os/kernel/irq"
	"github.com/T-O-R-U-S/sprinkles-os/kernel/kfmt"
	"github.com/T-O-R-U-S/sprinkles-os/kernel/mem"
	"github.com/T-O-R-U-S/sprinkles-os/kernel/mem/pmm"
)

var (
	// ErrAlreadyMapped is returned when mapping a page that already has a
	// leaf entry.
	ErrAlreadyMapped = &kernel.Error{Module: "vmm", Message: "page is already mapped"}

	// ErrNotMapped is returned when unmapping or translating a page that
	// has no leaf entry.
	ErrNotMapped = &kernel.Error{Module: "vmm", Message: "page is not mapped"}

	// ErrGranularityConflict is returned when a request clashes with an
	// existing mapping of a different page size.
	ErrGranularityConflict = &kernel.Error{Module: "vmm", Message: "mapping conflicts with a mapping of a different page size"}

	// ErrSpaceDestroyed is returned when operating on a destroyed address
	// space.
	ErrSpaceDestroyed = &kernel.Error{Module: "vmm", Message: "address space has been destroyed"}

	// ErrSpaceActive is returned when destroying the active address space.
	ErrSpaceActive = &kernel.Error{Module: "vmm", Message: "cannot destroy the active address space"}

	log = kfmt.Logger("vmm")
)

// MMU is implemented by the platform layer. It provides access to the memory
// of page table frames and to the translation hardware.
type MMU interface {
	irq.Controller

	// Table returns a view of the page table stored in frame. The view
	// remains valid until the frame is freed.
	Table(frame pmm.Frame) *PageTable

	// FlushTLBEntry invalidates the cached translation for a single page
	// of the active address space.
	FlushTLBEntry(page mem.VirtAddr)

	// SwitchTable loads frame as the top-level table used for address
	// translation and invalidates all cached translations.
	SwitchTable(frame pmm.Frame)

	// ActiveTable returns the top-level table currently used for address
	// translation.
	ActiveTable() pmm.Frame
}

// FrameAllocator hands out and reclaims physical frames.
type FrameAllocator interface {
	AllocFrame() (pmm.Frame, *kernel.Error)
	FreeFrame(pmm.Frame) *kernel.Error
}

// PageSize selects the granularity of a leaf mapping.
type PageSize uint8

const (
	// Size4K is the base page size.
	Size4K PageSize = iota

	// Size2M is a huge page installed in a level 2 table.
	Size2M

	// Size1G is a huge page installed in a level 1 table.
	Size1G
)

// leafLevel returns the level of the table that holds leaves of this size.
func (s PageSize) leafLevel() uint8 {
	return pageLevels - 1 - uint8(s)
}

// Bytes returns the number of bytes covered by a page of this size.
func (s PageSize) Bytes() mem.Size {
	return mem.Size(1) << pageLevelShifts[s.leafLevel()]
}

// Frames returns the number of base frames covered by a page of this size.
func (s PageSize) Frames() uint64 {
	return uint64(s.Bytes() >> mem.PageShift)
}

// pteIndex returns the index of the entry that translates virtAddr in a
// table at the given level.
func pteIndex(virtAddr mem.VirtAddr, level uint8) int {
	return int((uintptr(virtAddr) >> pageLevelShifts[level]) & (entriesPerTable - 1))
}
