package kmain

import (
	"github.com/T-O-R-U-S/sprinkles-os/kernel"
	"github.com/T-O-R-U-S/sprinkles-os/kernel/boot"
	"github.com/T-O-R-U-S/sprinkles-os/kernel/boot/multiboot"
	"github.com/T-O-R-U-S/sprinkles-os/kernel/hal/metal"
	"github.com/T-O-R-U-S/sprinkles-os/kernel/kfmt"
	"github.com/T-O-R-U-S/sprinkles-os/kernel/mem"
	"github.com/T-O-R-U-S/sprinkles-os/kernel/mem/heap"
)

var (
	errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}

	kernelHeap heapRegion
)

// heapRegion records the region handed over by heap.Init until an allocator
// claims it.
type heapRegion struct {
	start mem.VirtAddr
	size  mem.Size
}

func (h *heapRegion) Init(start mem.VirtAddr, size mem.Size) {
	h.start, h.size = start, size
}

// Kmain is the only Go symbol that is visible (exported) from the rt0 initialization
// code. This function is invoked by the rt0 assembly code after setting up the GDT
// and setting up a a minimal g0 struct that allows Go code using the 4K stack
// allocated by the assembly code.
//
// The rt0 code passes the address of the multiboot info payload provided by the
// bootloader, the physical addresses for the kernel start/end and the virtual
// address at which all physical memory is mapped.
//
// pmm.Init, the logrus logger and the btree all allocate from the Go runtime
// heap, so the rt0 code must bootstrap a working runtime heap before calling
// Kmain.
//
// Kmain is not expected to return. If it does, the rt0 code will halt the CPU.
//
//go:noinline
func Kmain(multibootInfoPtr, kernelStart, kernelEnd, physOffset uintptr) {
	var (
		platform = metal.NewPlatform(mem.VirtAddr(physOffset))
		info     = &boot.Info{
			Regions:       multiboot.NewInfo(multibootInfoPtr).Regions(),
			TopLevelTable: platform.ActiveTable().Address(),
			PhysOffset:    mem.VirtAddr(physOffset),
			KernelStart:   mem.PhysAddr(kernelStart),
			KernelEnd:     mem.PhysAddr(kernelEnd),
		}
	)

	if _, err := InitMemory(info, platform, nil, heap.DefaultRange(), &kernelHeap); err != nil {
		kfmt.Panic(err)
	}

	// Use kfmt.Panic instead of panic to prevent the compiler from
	// treating kfmt.Panic as dead-code and eliminating it.
	kfmt.Panic(errKmainReturned)
}
