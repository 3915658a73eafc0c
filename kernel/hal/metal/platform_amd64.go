// Package metal implements the memory management platform hooks for bare
// amd64 hardware.
package metal

import (
	"unsafe"

	"github.com/T-O-R-U-S/sprinkles-os/kernel/cpu"
	"github.com/T-O-R-U-S/sprinkles-os/kernel/mem"
	"github.com/T-O-R-U-S/sprinkles-os/kernel/mem/pmm"
	"github.com/T-O-R-U-S/sprinkles-os/kernel/mem/vmm"
)

var (
	// The following functions are mocked by tests and are automatically
	// inlined by the compiler.
	flushTLBEntryFn     = cpu.FlushTLBEntry
	switchPDTFn         = cpu.SwitchPDT
	activePDTFn         = cpu.ActivePDT
	interruptsEnabledFn = cpu.InterruptsEnabled
	disableInterruptsFn = cpu.DisableInterrupts
	enableInterruptsFn  = cpu.EnableInterrupts
)

// Platform provides page table access on hardware where the bootloader maps
// the whole physical address space at a fixed virtual offset.
type Platform struct {
	physOffset mem.VirtAddr
}

// NewPlatform returns a Platform that reaches physical memory through the
// mapping that starts at physOffset.
func NewPlatform(physOffset mem.VirtAddr) *Platform {
	return &Platform{physOffset: physOffset}
}

// Table returns the page table stored in frame, accessed through the
// physical memory offset mapping.
func (p *Platform) Table(frame pmm.Frame) *vmm.PageTable {
	return (*vmm.PageTable)(unsafe.Pointer(uintptr(p.physOffset) + uintptr(frame.Address())))
}

// FlushTLBEntry invalidates the TLB entry for page.
func (p *Platform) FlushTLBEntry(page mem.VirtAddr) {
	flushTLBEntryFn(uintptr(page))
}

// SwitchTable loads CR3 with the address of frame.
func (p *Platform) SwitchTable(frame pmm.Frame) {
	switchPDTFn(uintptr(frame.Address()))
}

// ActiveTable returns the frame referenced by CR3.
func (p *Platform) ActiveTable() pmm.Frame {
	return pmm.FrameFromAddress(mem.PhysAddr(activePDTFn()))
}

// DisableInterrupts clears RFLAGS.IF and reports whether it was set.
func (p *Platform) DisableInterrupts() bool {
	enabled := interruptsEnabledFn()
	disableInterruptsFn()
	return enabled
}

// EnableInterrupts sets RFLAGS.IF.
func (p *Platform) EnableInterrupts() {
	enableInterruptsFn()
}
