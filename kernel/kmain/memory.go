package kmain

import (
	"github.com/T-O-R-U-S/sprinkles-os/kernel"
	"github.com/T-O-R-U-S/sprinkles-os/kernel/boot"
	"github.com/T-O-R-U-S/sprinkles-os/kernel/kfmt"
	"github.com/T-O-R-U-S/sprinkles-os/kernel/mem"
	"github.com/T-O-R-U-S/sprinkles-os/kernel/mem/heap"
	"github.com/T-O-R-U-S/sprinkles-os/kernel/mem/pmm"
	"github.com/T-O-R-U-S/sprinkles-os/kernel/mem/vmm"
	"github.com/sirupsen/logrus"
)

var log = kfmt.Logger("kmain")

// Memory bundles the initialized memory management subsystems.
type Memory struct {
	MMU         vmm.MMU
	Frames      *pmm.BitmapAllocator
	Mapper      *vmm.Mapper
	KernelSpace *vmm.AddressSpace
	Heap        mem.VirtRange
}

// InitMemory brings up memory management in boot order:
//  1. the boot allocator (created from info if bootAlloc is nil)
//  2. the bitmap frame allocator, reserving everything handed out in step 1
//  3. the kernel address space, wrapping the active page tables
//  4. the mapper
//  5. the kernel heap, mapped over heapRange and handed to algo
//  6. reclaiming bootloader memory
func InitMemory(info *boot.Info, mmu vmm.MMU, bootAlloc *pmm.BootMemAllocator, heapRange mem.VirtRange, algo heap.Initializer) (*Memory, *kernel.Error) {
	if bootAlloc == nil {
		bootAlloc = pmm.NewBootMemAllocator(info)
	}

	frames := pmm.NewBitmapAllocator(mmu)
	if err := frames.Init(info, bootAlloc); err != nil {
		return nil, err
	}

	var (
		space  = vmm.NewKernelSpace(mmu.ActiveTable())
		mapper = vmm.NewMapper(mmu, frames)
	)

	if err := heap.Init(mapper, space, heapRange, frames, algo); err != nil {
		return nil, err
	}

	frames.ReclaimBootloaderMemory(info)

	log.WithFields(logrus.Fields{
		"total": mem.Size(frames.TotalFrames() << mem.PageShift).String(),
		"free":  mem.Size(frames.FreeFrames() << mem.PageShift).String(),
	}).Info("memory management initialized")

	return &Memory{
		MMU:         mmu,
		Frames:      frames,
		Mapper:      mapper,
		KernelSpace: space,
		Heap:        heapRange,
	}, nil
}

// NewSpace returns an empty address space whose tables are allocated from
// the frame allocator.
func (m *Memory) NewSpace() (*vmm.AddressSpace, *kernel.Error) {
	return vmm.NewEmptySpace(m.MMU, m.Frames)
}

// DestroySpace returns every frame owned by space to the frame allocator.
func (m *Memory) DestroySpace(space *vmm.AddressSpace) *kernel.Error {
	return space.Destroy(m.MMU, m.Frames)
}
