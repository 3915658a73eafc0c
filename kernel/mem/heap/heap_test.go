package heap

import (
	"testing"

	"github.com/T-O-R-U-S/sprinkles-os/kernel"
	"github.com/T-O-R-U-S/sprinkles-os/kernel/mem"
	"github.com/T-O-R-U-S/sprinkles-os/kernel/mem/pmm"
	"github.com/T-O-R-U-S/sprinkles-os/kernel/mem/vmm"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
)

type tableMMU struct {
	tables map[pmm.Frame]*vmm.PageTable
	active pmm.Frame
}

func (m *tableMMU) Table(frame pmm.Frame) *vmm.PageTable {
	if m.tables[frame] == nil {
		m.tables[frame] = new(vmm.PageTable)
	}
	return m.tables[frame]
}

func (m *tableMMU) FlushTLBEntry(mem.VirtAddr)  {}
func (m *tableMMU) SwitchTable(frame pmm.Frame) { m.active = frame }
func (m *tableMMU) ActiveTable() pmm.Frame      { return m.active }
func (m *tableMMU) DisableInterrupts() bool     { return false }
func (m *tableMMU) EnableInterrupts()           {}

// countingFrames hands out sequential frames. The allocation with index
// failAt (1-based) fails; zero disables failure injection.
type countingFrames struct {
	next        pmm.Frame
	allocs      int
	failAt      int
	outstanding map[pmm.Frame]struct{}

	// freeErr, when set, is returned by every FreeFrame call.
	freeErr *kernel.Error
}

func (f *countingFrames) AllocFrame() (pmm.Frame, *kernel.Error) {
	f.allocs++
	if f.allocs == f.failAt {
		return pmm.InvalidFrame, pmm.ErrOutOfMemory
	}

	frame := f.next
	f.next++
	f.outstanding[frame] = struct{}{}
	return frame, nil
}

func (f *countingFrames) FreeFrame(frame pmm.Frame) *kernel.Error {
	if f.freeErr != nil {
		return f.freeErr
	}
	if _, ok := f.outstanding[frame]; !ok {
		return pmm.ErrDoubleFree
	}
	delete(f.outstanding, frame)
	return nil
}

type recordingInitializer struct {
	calls int
	start mem.VirtAddr
	size  mem.Size
}

func (r *recordingInitializer) Init(start mem.VirtAddr, size mem.Size) {
	r.calls++
	r.start, r.size = start, size
}

func setup(t *testing.T) (*vmm.Mapper, *vmm.AddressSpace, *countingFrames) {
	t.Helper()

	mmu := &tableMMU{tables: make(map[pmm.Frame]*vmm.PageTable), active: pmm.InvalidFrame}
	frames := &countingFrames{next: 0x1000, outstanding: make(map[pmm.Frame]struct{})}

	space, err := vmm.NewEmptySpace(mmu, frames)
	if err != nil {
		t.Fatal(err)
	}

	return vmm.NewMapper(mmu, frames), space, frames
}

func TestDefaultRange(t *testing.T) {
	r := DefaultRange()
	if r.Start != Start || r.Size() != Size {
		t.Fatalf("expected range [0x%x, +%d); got [0x%x, 0x%x)", Start, Size, r.Start, r.End)
	}

	if !r.IsPageAligned() {
		t.Fatal("expected the default heap range to be page-aligned")
	}

	if exp := uint64(25); r.Pages() != exp {
		t.Fatalf("expected the default heap to span %d pages; got %d", exp, r.Pages())
	}
}

func TestInit(t *testing.T) {
	m, space, frames := setup(t)

	var algo recordingInitializer
	r := DefaultRange()
	if err := Init(m, space, r, frames, &algo); err != nil {
		t.Fatal(err)
	}

	if algo.calls != 1 || algo.start != r.Start || algo.size != r.Size() {
		t.Fatalf("expected a single Init(0x%x, %d) call; got %d calls with (0x%x, %d)", r.Start, r.Size(), algo.calls, algo.start, algo.size)
	}

	seen := make(map[pmm.Frame]struct{})
	for page := r.Start; page < r.End; page += mem.VirtAddr(mem.PageSize) {
		pte, size, ok := m.LeafEntry(space, page)
		if !ok || size != vmm.Size4K {
			t.Fatalf("expected page 0x%x to be mapped with a 4K page", page)
		}

		if !pte.HasFlags(vmm.FlagPresent|vmm.FlagRW|vmm.FlagNoExecute) || pte.HasAnyFlag(vmm.FlagUserAccessible) {
			t.Errorf("unexpected flags for page 0x%x: 0x%x", page, uintptr(pte.Flags()))
		}

		if _, dup := seen[pte.Frame()]; dup {
			t.Errorf("frame 0x%x backs more than one heap page", pte.Frame())
		}
		seen[pte.Frame()] = struct{}{}
	}
}

func TestInitRollback(t *testing.T) {
	m, space, frames := setup(t)
	r := mem.VirtRange{Start: Start, End: Start + mem.VirtAddr(4*mem.PageSize)}

	// Allocation 1 was the root table. The first page consumes its own frame
	// and three intermediate tables (2-5), the second page allocation 6, so
	// the third page's frame is allocation 7.
	frames.failAt = 7
	outstandingBefore := len(frames.outstanding)

	var algo recordingInitializer
	if err := Init(m, space, r, frames, &algo); err != pmm.ErrOutOfMemory {
		t.Fatalf("expected pmm.ErrOutOfMemory; got %v", err)
	}

	if algo.calls != 0 {
		t.Fatal("expected the heap initializer not to be invoked")
	}

	for page := r.Start; page < r.End; page += mem.VirtAddr(mem.PageSize) {
		if _, ok := m.Translate(space, page); ok {
			t.Errorf("expected page 0x%x to be unmapped after rollback", page)
		}
	}

	// Only the intermediate tables created for the first page remain.
	if exp := outstandingBefore + 3; len(frames.outstanding) != exp {
		t.Fatalf("expected %d outstanding frames after rollback; got %d", exp, len(frames.outstanding))
	}
}

func TestInitErrors(t *testing.T) {
	specs := []struct {
		descr  string
		r      mem.VirtRange
		expErr *kernel.Error
	}{
		{"empty range", mem.VirtRange{Start: Start, End: Start}, mem.ErrInvalidAddress},
		{"unaligned start", mem.VirtRange{Start: Start + 1, End: Start + mem.VirtAddr(mem.PageSize)}, mem.ErrInvalidAddress},
		{"unaligned end", mem.VirtRange{Start: Start, End: Start + 10}, mem.ErrInvalidAddress},
		{"non-canonical", mem.VirtRange{Start: 0x8000_0000_0000, End: 0x8000_0000_1000}, mem.ErrInvalidAddress},
	}

	for specIndex, spec := range specs {
		m, space, frames := setup(t)
		allocs := frames.allocs

		var algo recordingInitializer
		if err := Init(m, space, spec.r, frames, &algo); err != spec.expErr {
			t.Errorf("[spec %d] %s: expected error %v; got %v", specIndex, spec.descr, spec.expErr, err)
		}

		if frames.allocs != allocs || algo.calls != 0 {
			t.Errorf("[spec %d] %s: expected no side effects", specIndex, spec.descr)
		}
	}

	t.Run("overlapping mapping", func(t *testing.T) {
		m, space, frames := setup(t)
		r := mem.VirtRange{Start: Start, End: Start + mem.VirtAddr(3*mem.PageSize)}

		// Occupy the last page of the range.
		existing := pmm.Frame(0x42)
		if err := m.Map(space, Start+mem.VirtAddr(2*mem.PageSize), existing, vmm.FlagRW|vmm.FlagBorrowed); err != nil {
			t.Fatal(err)
		}
		outstandingBefore := len(frames.outstanding)

		var algo recordingInitializer
		if err := Init(m, space, r, frames, &algo); err != vmm.ErrAlreadyMapped {
			t.Fatalf("expected vmm.ErrAlreadyMapped; got %v", err)
		}

		if len(frames.outstanding) != outstandingBefore {
			t.Fatalf("expected every heap frame to be returned; %d leaked", len(frames.outstanding)-outstandingBefore)
		}

		if frame, ok := m.Translate(space, Start+mem.VirtAddr(2*mem.PageSize)); !ok || frame != existing {
			t.Fatal("expected the pre-existing mapping to survive")
		}

		for _, page := range []mem.VirtAddr{Start, Start + mem.VirtAddr(mem.PageSize)} {
			if _, ok := m.Translate(space, page); ok {
				t.Errorf("expected page 0x%x to be unmapped after rollback", page)
			}
		}
	})
	t.Run("free failure during rollback", func(t *testing.T) {
		m, space, frames := setup(t)
		r := mem.VirtRange{Start: Start, End: Start + mem.VirtAddr(3*mem.PageSize)}

		if err := m.Map(space, Start+mem.VirtAddr(2*mem.PageSize), 0x42, vmm.FlagRW|vmm.FlagBorrowed); err != nil {
			t.Fatal(err)
		}

		origHooks := log.Logger.ReplaceHooks(make(logrus.LevelHooks))
		defer log.Logger.ReplaceHooks(origHooks)
		hook := logtest.NewLocal(log.Logger)

		frames.freeErr = pmm.ErrDoubleFree

		var algo recordingInitializer
		if err := Init(m, space, r, frames, &algo); err != vmm.ErrAlreadyMapped {
			t.Fatalf("expected the mapping error to be returned; got %v", err)
		}

		// One entry for the frame that failed to map, one per rolled back page.
		entries := hook.AllEntries()
		if len(entries) != 3 {
			t.Fatalf("expected 3 logged free failures; got %d", len(entries))
		}

		if exp := uintptr(frames.next - 1); entries[0].Data["frame"] != exp {
			t.Errorf("expected the first warning to name frame 0x%x; got %v", exp, entries[0].Data["frame"])
		}

		for i, entry := range entries {
			if entry.Level != logrus.WarnLevel || entry.Message != "rollback: "+pmm.ErrDoubleFree.Error() {
				t.Errorf("[entry %d] unexpected log entry: %s %q", i, entry.Level, entry.Message)
			}
		}
	})
}
