// Package mem defines the address, size and page geometry types shared by the
// physical and virtual memory managers.
package mem

import units "github.com/docker/go-units"

// Size represents a memory block size in bytes.
type Size uint64

// Common memory block sizes.
const (
	Byte Size = 1
	Kb        = 1024 * Byte
	Mb        = 1024 * Kb
	Gb        = 1024 * Mb
)

// Pages returns the number of pages that are required for storing this size.
func (s Size) Pages() uint64 {
	pageSizeMinus1 := PageSize - 1
	return uint64((s+pageSizeMinus1)&^pageSizeMinus1) >> PageShift
}

// IsPageAligned returns true if this size is a multiple of PageSize.
func (s Size) IsPageAligned() bool {
	return s&(PageSize-1) == 0
}

// String returns a human-readable representation of the size using binary
// units (e.g. "100KiB").
func (s Size) String() string {
	return units.BytesSize(float64(s))
}
