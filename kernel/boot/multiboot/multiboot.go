// Package multiboot extracts the physical memory map from a multiboot2 boot
// information block.
package multiboot

import (
	"unsafe"

	"github.com/T-O-R-U-S/sprinkles-os/kernel/boot"
	"github.com/T-O-R-U-S/sprinkles-os/kernel/mem"
)

type tagType uint32

// nolint
const (
	tagMbSectionEnd tagType = iota
	tagBootCmdLine
	tagBootLoaderName
	tagModules
	tagBasicMemoryInfo
	tagBiosBootDevice
	tagMemoryMap
)

// tagHeader describes the header the precedes each tag.
type tagHeader struct {
	// The type of the tag
	tagType tagType

	// The size of the tag including the header but *not* including any
	// padding. Each tag starts at a 8-byte aligned address.
	size uint32
}

// mmapHeader describes the header of the memory map tag.
type mmapHeader struct {
	// The size of each entry.
	entrySize uint32

	// The version of the entries that follow.
	entryVersion uint32
}

// MemoryEntryType defines the type of a MemoryMapEntry.
type MemoryEntryType uint32

const (
	// MemAvailable indicates that the memory region is available for use.
	MemAvailable MemoryEntryType = iota + 1

	// MemReserved indicates that the memory region is not available for use.
	MemReserved

	// MemAcpiReclaimable indicates a memory region that holds ACPI info that
	// can be reused by the OS.
	MemAcpiReclaimable

	// MemNvs indicates memory that must be preserved when hibernating.
	MemNvs

	// MemBadRAM indicates defective memory.
	MemBadRAM
)

// MemoryMapEntry describes a memory region entry, namely its physical address,
// its length and its type.
type MemoryMapEntry struct {
	// The physical address for this memory region.
	PhysAddress uint64

	// The length of the memory region.
	Length uint64

	// The type of this entry.
	Type MemoryEntryType
}

// Kind maps the multiboot entry type to the boot region kind understood by
// the memory manager. Unknown types are treated as reserved.
func (e *MemoryMapEntry) Kind() boot.RegionKind {
	switch e.Type {
	case MemAvailable:
		return boot.Usable
	case MemAcpiReclaimable:
		return boot.BootloaderReclaimable
	case MemBadRAM:
		return boot.BadMemory
	default:
		return boot.Reserved
	}
}

// Info wraps a pointer to a multiboot2 information block.
type Info struct {
	ptr uintptr
}

// NewInfo returns an Info for the block that starts at ptr.
func NewInfo(ptr uintptr) *Info {
	return &Info{ptr: ptr}
}

// VisitMemRegions invokes visitor for each memory map entry. The visitor
// returns false to abort the scan.
func (i *Info) VisitMemRegions(visitor func(*MemoryMapEntry) bool) {
	curPtr, size := i.findTagByType(tagMemoryMap)
	if size == 0 {
		return
	}

	// curPtr points to the memory map header (2 dwords long)
	hdr := (*mmapHeader)(unsafe.Pointer(curPtr))
	if hdr.entrySize == 0 {
		return
	}

	endPtr := curPtr + uintptr(size)
	for curPtr += 8; curPtr+uintptr(hdr.entrySize) <= endPtr; curPtr += uintptr(hdr.entrySize) {
		if !visitor((*MemoryMapEntry)(unsafe.Pointer(curPtr))) {
			return
		}
	}
}

// Regions converts the memory map into boot regions.
func (i *Info) Regions() []boot.Region {
	var regions []boot.Region
	i.VisitMemRegions(func(entry *MemoryMapEntry) bool {
		regions = append(regions, boot.Region{
			Start:  mem.PhysAddr(entry.PhysAddress),
			Length: mem.Size(entry.Length),
			Kind:   entry.Kind(),
		})
		return true
	})
	return regions
}

// findTagByType scans the multiboot info data looking for the start of the
// specified tag. It returns a pointer to the tag contents and the content
// length excluding the tag header, or (0, 0) if the tag is missing.
func (i *Info) findTagByType(tagType tagType) (uintptr, uint32) {
	var hdr *tagHeader

	curPtr := i.ptr + 8
	for hdr = (*tagHeader)(unsafe.Pointer(curPtr)); hdr.tagType != tagMbSectionEnd; hdr = (*tagHeader)(unsafe.Pointer(curPtr)) {
		if hdr.tagType == tagType {
			return curPtr + 8, hdr.size - 8
		}

		// Tags are aligned at 8-byte aligned addresses
		curPtr += uintptr(int32(hdr.size+7) & ^7)
	}

	return 0, 0
}
