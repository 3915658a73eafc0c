package mem

import "github.com/T-O-R-U-S/sprinkles-os/kernel"

// VirtRange describes the half-open virtual address span [Start, End).
type VirtRange struct {
	Start VirtAddr
	End   VirtAddr
}

// NewVirtRange returns the range that starts at start and spans size bytes.
// It fails with ErrInvalidAddress if the end of the range is not canonical.
func NewVirtRange(start VirtAddr, size Size) (VirtRange, *kernel.Error) {
	if !start.IsCanonical() {
		return VirtRange{}, ErrInvalidAddress
	}

	end, err := start.Add(size)
	if err != nil {
		return VirtRange{}, err
	}

	return VirtRange{Start: start, End: end}, nil
}

// Size returns the range length in bytes.
func (r VirtRange) Size() Size {
	if r.End <= r.Start {
		return 0
	}
	return Size(r.End - r.Start)
}

// IsEmpty returns true if the range spans no bytes.
func (r VirtRange) IsEmpty() bool {
	return r.End <= r.Start
}

// IsPageAligned returns true if both range boundaries are page-aligned.
func (r VirtRange) IsPageAligned() bool {
	return r.Start.IsAligned(PageSize) && r.End.IsAligned(PageSize)
}

// Pages returns the number of pages touched by the range.
func (r VirtRange) Pages() uint64 {
	if r.IsEmpty() {
		return 0
	}

	first := uintptr(r.Start) >> PageShift
	last := (uintptr(r.End) - 1) >> PageShift
	return uint64(last-first) + 1
}

// Contains returns true if addr falls inside the range.
func (r VirtRange) Contains(addr VirtAddr) bool {
	return addr >= r.Start && addr < r.End
}

// Overlaps returns true if the two ranges share at least one byte.
func (r VirtRange) Overlaps(other VirtRange) bool {
	return !r.IsEmpty() && !other.IsEmpty() && r.Start < other.End && other.Start < r.End
}
