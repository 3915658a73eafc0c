// Package heap installs the virtual region that backs the kernel heap.
//
// The allocation algorithm that manages the region is supplied by the caller
// through the Initializer interface; this package only maps backing frames.
package heap

import (
	"github.com/T-O-R-U-S/sprinkles-os/kernel"
	"github.com/T-O-R-U-S/sprinkles-os/kernel/kfmt"
	"github.com/T-O-R-U-S/sprinkles-os/kernel/mem"
	"github.com/T-O-R-U-S/sprinkles-os/kernel/mem/vmm"
	"github.com/sirupsen/logrus"
)

const (
	// Start is the virtual address where the kernel heap begins.
	Start = mem.VirtAddr(0x_4444_4444_0000)

	// Size is the default size of the kernel heap.
	Size = 100 * mem.Kb

	// pageFlags are applied to every heap page: writable, not executable and
	// only accessible from the kernel.
	pageFlags = vmm.FlagRW | vmm.FlagNoExecute
)

var log = kfmt.Logger("heap")

// Initializer is implemented by heap allocation algorithms. Init hands the
// algorithm a mapped region it may manage exclusively.
type Initializer interface {
	Init(start mem.VirtAddr, size mem.Size)
}

// DefaultRange returns the virtual range described by Start and Size.
func DefaultRange() mem.VirtRange {
	return mem.VirtRange{Start: Start, End: Start + mem.VirtAddr(Size)}
}

// Init maps every page in r to a freshly allocated frame and then passes the
// region to algo. If any page cannot be mapped, all pages mapped so far are
// unmapped, their frames are returned to frames and the error is returned;
// algo is not invoked in that case.
func Init(m *vmm.Mapper, space *vmm.AddressSpace, r mem.VirtRange, frames vmm.FrameAllocator, algo Initializer) *kernel.Error {
	if r.IsEmpty() || !r.IsPageAligned() || !r.Start.IsCanonical() {
		return mem.ErrInvalidAddress
	}

	var mapped mem.VirtRange
	mapped.Start, mapped.End = r.Start, r.Start

	for page := r.Start; page < r.End; page += mem.VirtAddr(mem.PageSize) {
		frame, err := frames.AllocFrame()
		if err != nil {
			rollback(m, space, mapped, frames)
			return err
		}

		if err = m.Map(space, page, frame, pageFlags); err != nil {
			if freeErr := frames.FreeFrame(frame); freeErr != nil {
				log.WithField("frame", uintptr(frame)).Warn("rollback: " + freeErr.Error())
			}
			rollback(m, space, mapped, frames)
			return err
		}

		mapped.End = page + mem.VirtAddr(mem.PageSize)
	}

	log.WithFields(logrus.Fields{
		"start": uintptr(r.Start),
		"size":  r.Size().String(),
	}).Info("mapped kernel heap")

	algo.Init(r.Start, r.Size())
	return nil
}

// rollback unmaps every page in r and frees its backing frame.
func rollback(m *vmm.Mapper, space *vmm.AddressSpace, r mem.VirtRange, frames vmm.FrameAllocator) {
	for page := r.Start; page < r.End; page += mem.VirtAddr(mem.PageSize) {
		frame, err := m.Unmap(space, page)
		if err != nil {
			log.WithField("page", uintptr(page)).Warn("rollback: page was not mapped")
			continue
		}

		if err = frames.FreeFrame(frame); err != nil {
			log.WithField("frame", uintptr(frame)).Warn("rollback: " + err.Error())
		}
	}
}
