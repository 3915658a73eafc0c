package vmm

import (
	"github.com/T-O-R-U-S/sprinkles-os/kernel"
	"github.com/T-O-R-U-S/sprinkles-os/kernel/mem"
	"github.com/T-O-R-U-S/sprinkles-os/kernel/mem/pmm"
)

// fakeMMU keeps page tables in Go memory. Tables for frames that were never
// touched before are filled with garbage so that tests notice missing
// initialization.
type fakeMMU struct {
	tables   map[pmm.Frame]*PageTable
	active   pmm.Frame
	flushed  []mem.VirtAddr
	switches int

	irqEnabled  bool
	irqDisables int
}

func newFakeMMU() *fakeMMU {
	return &fakeMMU{
		tables:     make(map[pmm.Frame]*PageTable),
		active:     pmm.InvalidFrame,
		irqEnabled: true,
	}
}

func (m *fakeMMU) Table(frame pmm.Frame) *PageTable {
	table, ok := m.tables[frame]
	if !ok {
		table = new(PageTable)
		for i := range table {
			table[i] = PageTableEntry(0xdead000 | uintptr(FlagPresent|FlagRW))
		}
		m.tables[frame] = table
	}
	return table
}

func (m *fakeMMU) FlushTLBEntry(page mem.VirtAddr) { m.flushed = append(m.flushed, page) }

func (m *fakeMMU) SwitchTable(frame pmm.Frame) {
	m.active = frame
	m.switches++
}

func (m *fakeMMU) ActiveTable() pmm.Frame { return m.active }

func (m *fakeMMU) DisableInterrupts() bool {
	m.irqDisables++
	prev := m.irqEnabled
	m.irqEnabled = false
	return prev
}

func (m *fakeMMU) EnableInterrupts() { m.irqEnabled = true }

// fakeFrames hands out sequential frames and tracks the outstanding ones.
// After failAfter successful allocations every request fails; a negative
// value disables the failure injection.
type fakeFrames struct {
	next        pmm.Frame
	outstanding map[pmm.Frame]struct{}
	allocs      int
	failAfter   int
}

func newFakeFrames() *fakeFrames {
	return &fakeFrames{
		next:        0x100,
		outstanding: make(map[pmm.Frame]struct{}),
		failAfter:   -1,
	}
}

func (f *fakeFrames) AllocFrame() (pmm.Frame, *kernel.Error) {
	if f.failAfter >= 0 && f.allocs >= f.failAfter {
		return pmm.InvalidFrame, pmm.ErrOutOfMemory
	}

	f.allocs++
	frame := f.next
	f.next++
	f.outstanding[frame] = struct{}{}
	return frame, nil
}

func (f *fakeFrames) FreeFrame(frame pmm.Frame) *kernel.Error {
	if _, ok := f.outstanding[frame]; !ok {
		return pmm.ErrDoubleFree
	}
	delete(f.outstanding, frame)
	return nil
}

// markOutstanding registers frames that were not handed out by AllocFrame
// (e.g. the backing frames of a huge page) so they can be freed.
func (f *fakeFrames) markOutstanding(first pmm.Frame, count uint64) {
	for i := uint64(0); i < count; i++ {
		f.outstanding[first+pmm.Frame(i)] = struct{}{}
	}
}
