package sim

import (
	"github.com/T-O-R-U-S/sprinkles-os/kernel/boot"
	"github.com/T-O-R-U-S/sprinkles-os/kernel/mem"
	"github.com/T-O-R-U-S/sprinkles-os/kernel/mem/pmm"
	"github.com/T-O-R-U-S/sprinkles-os/kernel/mem/vmm"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	physMapFlags   = vmm.FlagRW | vmm.FlagNoExecute | vmm.FlagGlobal | vmm.FlagBorrowed
	kernelMapFlags = vmm.FlagRW | vmm.FlagGlobal | vmm.FlagBorrowed
)

// Handoff is the state the simulated bootloader passes to the kernel.
type Handoff struct {
	Info *boot.Info

	// BootAlloc handed out the frames of the initial page tables.
	BootAlloc *pmm.BootMemAllocator
}

// Boot plays the role of the bootloader: it builds the initial page tables
// in the machine memory and activates them. The tables map all physical
// memory at cfg.PhysOffset, using 2M pages where possible, and the kernel
// image at its virtual base. Table frames are taken from a boot allocator
// that is returned to the caller so the kernel can account for them.
func Boot(m *Machine, cfg *Config) (*Handoff, error) {
	if mem.Size(cfg.Memory) > m.MemorySize() {
		return nil, errors.Errorf("config requires %s of memory; machine has %s", mem.Size(cfg.Memory), m.MemorySize())
	}

	info := cfg.BootInfo()
	bootAlloc := pmm.NewBootMemAllocator(info)

	root, kerr := bootAlloc.AllocFrame()
	if kerr != nil {
		return nil, errors.Wrap(kerr, "allocating top-level table")
	}
	m.Table(root).Clear()

	var (
		space  = vmm.NewKernelSpace(root)
		mapper = vmm.NewMapper(m, bootAlloc)
	)

	if err := mapPhysMemory(mapper, space, info.PhysOffset, m.MemorySize()); err != nil {
		return nil, err
	}

	kernelPages := mem.Size(info.KernelEnd.AlignUp(mem.PageSize) - info.KernelStart.AlignDown(mem.PageSize)).Pages()
	for i := uint64(0); i < kernelPages; i++ {
		var (
			offset = mem.VirtAddr(i << mem.PageShift)
			frame  = pmm.FrameFromAddress(info.KernelStart) + pmm.Frame(i)
		)
		if kerr = mapper.Map(space, info.KernelVirtBase+offset, frame, kernelMapFlags); kerr != nil {
			return nil, errors.Wrapf(kerr, "mapping kernel page 0x%x", uintptr(info.KernelVirtBase+offset))
		}
	}

	m.SwitchTable(root)
	info.TopLevelTable = root.Address()

	log.WithFields(logrus.Fields{
		"root":         uintptr(info.TopLevelTable),
		"table_pages":  bootAlloc.AllocCount(),
		"kernel_pages": kernelPages,
	}).Info("simulated bootloader handoff")

	return &Handoff{Info: info, BootAlloc: bootAlloc}, nil
}

// mapPhysMemory maps [0, size) at offset.
func mapPhysMemory(mapper *vmm.Mapper, space *vmm.AddressSpace, offset mem.VirtAddr, size mem.Size) error {
	hugeSize := vmm.Size2M.Bytes()

	for phys := mem.PhysAddr(0); phys < mem.PhysAddr(size); {
		var (
			pageSize = vmm.Size4K
			virt     = offset + mem.VirtAddr(phys)
		)
		if virt.IsAligned(hugeSize) && phys.IsAligned(hugeSize) && phys+mem.PhysAddr(hugeSize) <= mem.PhysAddr(size) {
			pageSize = vmm.Size2M
		}

		if err := mapper.MapHuge(space, virt, pmm.FrameFromAddress(phys), pageSize, physMapFlags); err != nil {
			return errors.Wrapf(err, "mapping physical memory at 0x%x", uintptr(phys))
		}
		phys += mem.PhysAddr(pageSize.Bytes())
	}

	return nil
}
