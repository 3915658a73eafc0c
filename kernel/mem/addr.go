package mem

import "github.com/T-O-R-U-S/sprinkles-os/kernel"

var (
	// ErrInvalidAddress is returned when an address is misaligned, is not in
	// canonical form or when address arithmetic leaves the valid range.
	ErrInvalidAddress = &kernel.Error{Module: "mem", Message: "invalid address"}
)

const (
	maxPhysAddr   = PhysAddr(1)<<physAddrBits - 1
	canonicalMask = ^uintptr(1<<(virtAddrBits-1) - 1)
)

// PhysAddr is an address in the physical address space.
type PhysAddr uintptr

// NewPhysAddr returns a PhysAddr for the given raw value or ErrInvalidAddress
// if the value exceeds the physical address width.
func NewPhysAddr(raw uintptr) (PhysAddr, *kernel.Error) {
	if PhysAddr(raw) > maxPhysAddr {
		return 0, ErrInvalidAddress
	}

	return PhysAddr(raw), nil
}

// IsAligned returns true if the address is a multiple of align. The alignment
// must be a power of two.
func (a PhysAddr) IsAligned(align Size) bool {
	return uintptr(a)&uintptr(align-1) == 0
}

// AlignDown rounds the address down to the given power-of-two alignment.
func (a PhysAddr) AlignDown(align Size) PhysAddr {
	return a &^ PhysAddr(align-1)
}

// AlignUp rounds the address up to the given power-of-two alignment.
func (a PhysAddr) AlignUp(align Size) PhysAddr {
	return (a + PhysAddr(align-1)) &^ PhysAddr(align-1)
}

// Add returns the address offset by the given number of bytes. It fails with
// ErrInvalidAddress if the result overflows or exceeds the physical address
// width.
func (a PhysAddr) Add(offset Size) (PhysAddr, *kernel.Error) {
	res := a + PhysAddr(offset)
	if res < a || res > maxPhysAddr {
		return 0, ErrInvalidAddress
	}

	return res, nil
}

// VirtAddr is an address in a virtual address space. Values of this type are
// always kept in canonical form.
type VirtAddr uintptr

// NewVirtAddr returns a VirtAddr for the given raw value or ErrInvalidAddress
// if the value is not canonical.
func NewVirtAddr(raw uintptr) (VirtAddr, *kernel.Error) {
	if !isCanonical(raw) {
		return 0, ErrInvalidAddress
	}

	return VirtAddr(raw), nil
}

// isCanonical returns true if all bits above the highest implemented address
// bit are equal to it.
func isCanonical(raw uintptr) bool {
	top := raw & canonicalMask
	return top == 0 || top == canonicalMask
}

// IsCanonical returns true if the address is in canonical form.
func (a VirtAddr) IsCanonical() bool {
	return isCanonical(uintptr(a))
}

// IsAligned returns true if the address is a multiple of align. The alignment
// must be a power of two.
func (a VirtAddr) IsAligned(align Size) bool {
	return uintptr(a)&uintptr(align-1) == 0
}

// AlignDown rounds the address down to the given power-of-two alignment.
func (a VirtAddr) AlignDown(align Size) VirtAddr {
	return a &^ VirtAddr(align-1)
}

// AlignUp rounds the address up to the given power-of-two alignment. It fails
// with ErrInvalidAddress if rounding leaves the canonical range.
func (a VirtAddr) AlignUp(align Size) (VirtAddr, *kernel.Error) {
	res := (a + VirtAddr(align-1)) &^ VirtAddr(align-1)
	if res < a || !res.IsCanonical() {
		return 0, ErrInvalidAddress
	}

	return res, nil
}

// Add returns the address offset by the given number of bytes. It fails with
// ErrInvalidAddress if the result overflows or crosses into the
// non-canonical hole.
func (a VirtAddr) Add(offset Size) (VirtAddr, *kernel.Error) {
	res := a + VirtAddr(offset)
	if res < a || !res.IsCanonical() {
		return 0, ErrInvalidAddress
	}

	return res, nil
}

// PageOffset returns the offset of the address within its page.
func (a VirtAddr) PageOffset() uintptr {
	return uintptr(a) & uintptr(PageSize-1)
}
