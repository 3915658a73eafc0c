// Package sim implements a hosted amd64 machine model that the memory manager
// can run on. Physical memory is an anonymous host mapping; virtual accesses
// are translated by walking the active page tables, with translations cached
// in a modelled TLB so that missing invalidations are observable.
package sim

import (
	"fmt"
	"unsafe"

	"github.com/T-O-R-U-S/sprinkles-os/kernel/kfmt"
	"github.com/T-O-R-U-S/sprinkles-os/kernel/mem"
	"github.com/T-O-R-U-S/sprinkles-os/kernel/mem/pmm"
	"github.com/T-O-R-U-S/sprinkles-os/kernel/mem/vmm"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

var (
	// ErrPageFault is the cause of errors returned by Read and Write when
	// an address has no valid translation.
	ErrPageFault = errors.New("page fault")

	// ErrProtectionFault is the cause of errors returned by Write when the
	// target page is not writable.
	ErrProtectionFault = errors.New("protection fault")

	log = kfmt.Logger("sim")
)

// Stats counts the translation events observed by a Machine.
type Stats struct {
	TableSwitches uint64
	TLBFlushes    uint64
	TLBHits       uint64
	TLBMisses     uint64
}

// tlbEntry caches the translation of a single page of any size.
type tlbEntry struct {
	phys     mem.PhysAddr
	size     vmm.PageSize
	writable bool
}

// Machine is a simulated single-core amd64 machine. It implements vmm.MMU.
type Machine struct {
	arena []byte

	active     pmm.Frame
	tlb        map[mem.VirtAddr]tlbEntry
	irqEnabled bool
	stats      Stats
}

// NewMachine returns a machine backed by size bytes of zeroed physical
// memory. The caller must Close the machine to release the memory.
func NewMachine(size mem.Size) (*Machine, error) {
	if size == 0 || !size.IsPageAligned() {
		return nil, errors.Errorf("invalid machine memory size %s", size)
	}

	arena, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, errors.Wrapf(err, "allocating %s of physical memory", size)
	}

	return &Machine{
		arena:      arena,
		active:     pmm.InvalidFrame,
		tlb:        make(map[mem.VirtAddr]tlbEntry),
		irqEnabled: true,
	}, nil
}

// Close releases the physical memory of the machine.
func (m *Machine) Close() error {
	if m.arena == nil {
		return nil
	}

	err := unix.Munmap(m.arena)
	m.arena = nil
	return errors.Wrap(err, "releasing physical memory")
}

// MemorySize returns the amount of physical memory.
func (m *Machine) MemorySize() mem.Size {
	return mem.Size(len(m.arena))
}

// Stats returns a snapshot of the translation counters.
func (m *Machine) Stats() Stats {
	return m.stats
}

// FrameBytes returns the physical memory backing frame.
func (m *Machine) FrameBytes(frame pmm.Frame) []byte {
	start := uintptr(frame.Address())
	if !frame.Valid() || start+uintptr(mem.PageSize) > uintptr(len(m.arena)) {
		panic(fmt.Sprintf("sim: frame 0x%x is outside physical memory", uintptr(frame)))
	}

	return m.arena[start : start+uintptr(mem.PageSize)]
}

// Table implements vmm.MMU.
func (m *Machine) Table(frame pmm.Frame) *vmm.PageTable {
	return (*vmm.PageTable)(unsafe.Pointer(&m.FrameBytes(frame)[0]))
}

// FlushTLBEntry implements vmm.MMU. Like INVLPG, it drops the cached
// translation covering page regardless of the size of the mapping.
func (m *Machine) FlushTLBEntry(page mem.VirtAddr) {
	m.stats.TLBFlushes++
	for _, size := range []vmm.PageSize{vmm.Size4K, vmm.Size2M, vmm.Size1G} {
		base := page.AlignDown(size.Bytes())
		if entry, ok := m.tlb[base]; ok && entry.size == size {
			delete(m.tlb, base)
		}
	}

	log.WithField("page", fmt.Sprintf("0x%x", uintptr(page))).Debug("flushed TLB entry")
}

// SwitchTable implements vmm.MMU. It flushes the whole TLB.
func (m *Machine) SwitchTable(frame pmm.Frame) {
	m.active = frame
	m.tlb = make(map[mem.VirtAddr]tlbEntry)
	m.stats.TableSwitches++

	log.WithField("root", fmt.Sprintf("0x%x", uintptr(frame.Address()))).Debug("switched page tables")
}

// ActiveTable implements vmm.MMU.
func (m *Machine) ActiveTable() pmm.Frame {
	return m.active
}

// DisableInterrupts implements irq.Controller.
func (m *Machine) DisableInterrupts() bool {
	enabled := m.irqEnabled
	m.irqEnabled = false
	return enabled
}

// EnableInterrupts implements irq.Controller.
func (m *Machine) EnableInterrupts() {
	m.irqEnabled = true
}

// InterruptsEnabled reports whether interrupts are currently unmasked.
func (m *Machine) InterruptsEnabled() bool {
	return m.irqEnabled
}

// Read copies len(buf) bytes starting at the virtual address addr into buf.
func (m *Machine) Read(addr mem.VirtAddr, buf []byte) error {
	return m.access(addr, buf, false)
}

// Write copies buf to the virtual address addr.
func (m *Machine) Write(addr mem.VirtAddr, buf []byte) error {
	return m.access(addr, buf, true)
}

func (m *Machine) access(addr mem.VirtAddr, buf []byte, write bool) error {
	for len(buf) != 0 {
		phys, err := m.translate(addr, write)
		if err != nil {
			return err
		}

		n := int(mem.PageSize) - int(addr.PageOffset())
		if n > len(buf) {
			n = len(buf)
		}

		if uintptr(phys)+uintptr(n) > uintptr(len(m.arena)) {
			return errors.Wrapf(ErrPageFault, "0x%x translates beyond physical memory", uintptr(addr))
		}

		chunk := m.arena[uintptr(phys) : uintptr(phys)+uintptr(n)]
		if write {
			copy(chunk, buf[:n])
		} else {
			copy(buf[:n], chunk)
		}

		buf = buf[n:]
		addr += mem.VirtAddr(n)
	}

	return nil
}

// translate maps addr to a physical address, consulting the TLB first and
// walking the active tables on a miss.
func (m *Machine) translate(addr mem.VirtAddr, write bool) (mem.PhysAddr, error) {
	entry, base, ok := m.lookupTLB(addr)
	if ok {
		m.stats.TLBHits++
	} else {
		m.stats.TLBMisses++
		if entry, base, ok = m.walk(addr); !ok {
			return 0, errors.Wrapf(ErrPageFault, "no translation for 0x%x", uintptr(addr))
		}
		m.tlb[base] = entry
	}

	if write && !entry.writable {
		return 0, errors.Wrapf(ErrProtectionFault, "write to read-only page 0x%x", uintptr(base))
	}

	return entry.phys + mem.PhysAddr(addr-base), nil
}

func (m *Machine) lookupTLB(addr mem.VirtAddr) (tlbEntry, mem.VirtAddr, bool) {
	for _, size := range []vmm.PageSize{vmm.Size4K, vmm.Size2M, vmm.Size1G} {
		base := addr.AlignDown(size.Bytes())
		if entry, ok := m.tlb[base]; ok && entry.size == size {
			return entry, base, true
		}
	}
	return tlbEntry{}, 0, false
}

// walk performs a hardware page walk for addr in the active tables. An entry
// is writable only if every level on the path allows writes.
func (m *Machine) walk(addr mem.VirtAddr) (tlbEntry, mem.VirtAddr, bool) {
	if !m.active.Valid() || !addr.IsCanonical() {
		return tlbEntry{}, 0, false
	}

	var (
		shifts   = [...]uint{39, 30, 21, 12}
		table    = m.active
		writable = true
	)

	for level, shift := range shifts {
		pte := m.Table(table)[(uintptr(addr)>>shift)&511]
		if !pte.HasFlags(vmm.FlagPresent) {
			return tlbEntry{}, 0, false
		}
		writable = writable && pte.HasFlags(vmm.FlagRW)

		if pte.IsLeaf(uint8(level)) {
			size := vmm.PageSize(len(shifts) - 1 - level)
			return tlbEntry{
				phys:     pte.Frame().Address(),
				size:     size,
				writable: writable,
			}, addr.AlignDown(size.Bytes()), true
		}

		table = pte.Frame()
	}

	return tlbEntry{}, 0, false
}

// String implements fmt.Stringer.
func (s Stats) String() string {
	return fmt.Sprintf("switches=%d flushes=%d tlb-hits=%d tlb-misses=%d", s.TableSwitches, s.TLBFlushes, s.TLBHits, s.TLBMisses)
}

// Fields returns the counters as logrus fields.
func (s Stats) Fields() logrus.Fields {
	return logrus.Fields{
		"switches":   s.TableSwitches,
		"flushes":    s.TLBFlushes,
		"tlb_hits":   s.TLBHits,
		"tlb_misses": s.TLBMisses,
	}
}
