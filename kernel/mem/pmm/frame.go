// Package pmm contains code that manages physical memory frame allocations.
package pmm

import (
	"math"

	"github.com/T-O-R-U-S/sprinkles-os/kernel/boot"
	"github.com/T-O-R-U-S/sprinkles-os/kernel/mem"
)

// Frame describes a physical memory page index.
type Frame uintptr

const (
	// InvalidFrame is returned by page allocators when
	// they fail to reserve the requested frame.
	InvalidFrame = Frame(math.MaxUint64)
)

// Valid returns true if this is a valid frame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns the physical address of the first byte in this frame.
func (f Frame) Address() mem.PhysAddr {
	return mem.PhysAddr(f << mem.PageShift)
}

// FrameFromAddress returns the frame that contains the given physical address.
func FrameFromAddress(physAddr mem.PhysAddr) Frame {
	return Frame(physAddr >> mem.PageShift)
}

// regionFrames returns the half-open span of whole frames [start, end) that
// fit inside r. Reported regions need not be page-aligned, so the start is
// rounded up and the end rounded down. ok is false when no whole frame fits.
func regionFrames(r boot.Region) (start, end Frame, ok bool) {
	startAddr := r.Start.AlignUp(mem.PageSize)
	endAddr := r.End().AlignDown(mem.PageSize)
	if endAddr <= startAddr || startAddr < r.Start {
		return 0, 0, false
	}

	return FrameFromAddress(startAddr), FrameFromAddress(endAddr), true
}
