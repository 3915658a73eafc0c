// Package boot describes the information handed over by the bootloader to
// the memory manager.
package boot

import "github.com/T-O-R-U-S/sprinkles-os/kernel/mem"

// RegionKind classifies a physical memory region reported by the bootloader.
type RegionKind uint8

const (
	// Usable memory is free for the kernel to allocate.
	Usable RegionKind = iota

	// Reserved memory must never be touched by the allocator.
	Reserved

	// BootloaderReclaimable memory holds bootloader data that may be
	// reused once the handoff has completed.
	BootloaderReclaimable

	// BadMemory marks a region with defective RAM.
	BadMemory
)

var regionKindNames = [...]string{
	Usable:                "usable",
	Reserved:              "reserved",
	BootloaderReclaimable: "bootloader-reclaimable",
	BadMemory:             "bad-memory",
}

// String implements fmt.Stringer.
func (k RegionKind) String() string {
	if int(k) < len(regionKindNames) {
		return regionKindNames[k]
	}
	return "unknown"
}

// ParseRegionKind maps a region kind name, as returned by String, back to its
// RegionKind value.
func ParseRegionKind(name string) (RegionKind, bool) {
	for kind, kindName := range regionKindNames {
		if kindName == name {
			return RegionKind(kind), true
		}
	}
	return Reserved, false
}

// Region describes a contiguous span of physical memory.
type Region struct {
	Start  mem.PhysAddr
	Length mem.Size
	Kind   RegionKind
}

// End returns the address right after the last byte of the region.
func (r Region) End() mem.PhysAddr {
	return r.Start + mem.PhysAddr(r.Length)
}

// Info collects everything the bootloader hands over to the memory manager.
type Info struct {
	// Regions is the physical memory map in no particular order.
	Regions []Region

	// TopLevelTable is the physical address of the page table that is
	// active when the kernel gains control.
	TopLevelTable mem.PhysAddr

	// PhysOffset is the virtual address at which the bootloader mapped
	// all of physical memory.
	PhysOffset mem.VirtAddr

	// KernelStart and KernelEnd delimit the physical span occupied by
	// the loaded kernel image.
	KernelStart, KernelEnd mem.PhysAddr

	// KernelVirtBase is the virtual address the image at KernelStart is
	// linked to run from.
	KernelVirtBase mem.VirtAddr
}

// VisitRegions invokes visitor for each region of the given kind. The
// visitor returns false to stop the scan.
func (i *Info) VisitRegions(kind RegionKind, visitor func(Region) bool) {
	for _, r := range i.Regions {
		if r.Kind != kind {
			continue
		}

		if !visitor(r) {
			return
		}
	}
}

// TotalSize returns the combined length of all regions of the given kind.
func (i *Info) TotalSize(kind RegionKind) mem.Size {
	var total mem.Size
	i.VisitRegions(kind, func(r Region) bool {
		total += r.Length
		return true
	})
	return total
}
