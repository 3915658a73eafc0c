package pmm

import (
	"fmt"
	"sort"

	"github.com/T-O-R-U-S/sprinkles-os/kernel"
	"github.com/T-O-R-U-S/sprinkles-os/kernel/boot"
	"github.com/T-O-R-U-S/sprinkles-os/kernel/mem"
	"github.com/sirupsen/logrus"
)

var (
	errBootAllocCannotFree = &kernel.Error{Module: "boot_mem_alloc", Message: "boot allocator does not support freeing frames"}
)

// BootMemAllocator implements a rudimentary physical memory allocator which is
// used to bootstrap the kernel.
//
// The allocator walks the usable regions reported by the bootloader in
// ascending address order and hands out the frame that follows the last one
// it returned, skipping the frames occupied by the kernel image. Frames can
// never be freed; once the BitmapAllocator is initialized every frame handed
// out by this allocator is marked as reserved.
type BootMemAllocator struct {
	regions []boot.Region

	kernelStart, kernelEnd Frame

	// allocCount tracks the total number of allocated frames.
	allocCount uint64

	// lastAllocFrame tracks the last allocated frame number.
	lastAllocFrame Frame
}

// NewBootMemAllocator returns a boot allocator for the usable regions listed
// in info.
func NewBootMemAllocator(info *boot.Info) *BootMemAllocator {
	alloc := &BootMemAllocator{
		kernelStart: FrameFromAddress(info.KernelStart),
		kernelEnd:   FrameFromAddress(info.KernelEnd.AlignUp(mem.PageSize)),
	}

	info.VisitRegions(boot.Usable, func(r boot.Region) bool {
		alloc.regions = append(alloc.regions, r)
		return true
	})
	sort.Slice(alloc.regions, func(i, j int) bool {
		return alloc.regions[i].Start < alloc.regions[j].Start
	})

	return alloc
}

// AllocFrame reserves the next available free frame. It returns
// ErrOutOfMemory once every usable frame has been handed out.
func (alloc *BootMemAllocator) AllocFrame() (Frame, *kernel.Error) {
	for _, region := range alloc.regions {
		start, end, ok := regionFrames(region)
		if !ok {
			continue
		}

		next := start
		if alloc.allocCount != 0 && alloc.lastAllocFrame >= start {
			next = alloc.lastAllocFrame + 1
		}

		if next >= alloc.kernelStart && next < alloc.kernelEnd {
			next = alloc.kernelEnd
		}

		if next >= end {
			continue
		}

		alloc.allocCount++
		alloc.lastAllocFrame = next
		return next, nil
	}

	return InvalidFrame, ErrOutOfMemory
}

// FreeFrame always fails; the boot allocator never reclaims frames.
func (alloc *BootMemAllocator) FreeFrame(_ Frame) *kernel.Error {
	return errBootAllocCannotFree
}

// AllocCount returns the number of frames handed out so far.
func (alloc *BootMemAllocator) AllocCount() uint64 {
	return alloc.allocCount
}

// HighWaterMark returns the last frame handed out. ok is false if no frame
// has been allocated yet. Every usable frame at or below the mark, except the
// ones holding the kernel image, has been consumed.
func (alloc *BootMemAllocator) HighWaterMark() (frame Frame, ok bool) {
	if alloc.allocCount == 0 {
		return InvalidFrame, false
	}
	return alloc.lastAllocFrame, true
}

// logMemoryMap emits the system memory map and the total usable memory.
func logMemoryMap(log *logrus.Entry, info *boot.Info) {
	for _, r := range info.Regions {
		log.WithFields(logrus.Fields{
			"start": fmt.Sprintf("0x%010x", uintptr(r.Start)),
			"end":   fmt.Sprintf("0x%010x", uintptr(r.End())),
			"size":  r.Length.String(),
			"kind":  r.Kind.String(),
		}).Info("memory region")
	}

	log.WithField("usable", info.TotalSize(boot.Usable).String()).Info("system memory map")
}
