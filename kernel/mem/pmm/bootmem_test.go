package pmm

import (
	"testing"

	"github.com/T-O-R-U-S/sprinkles-os/kernel/boot"
	"github.com/T-O-R-U-S/sprinkles-os/kernel/mem"
)

// qemuMemoryMap mirrors the memory map reported by qemu for a VM with 128M
// of RAM.
func qemuMemoryMap() *boot.Info {
	return &boot.Info{
		Regions: []boot.Region{
			{Start: 0x100000, Length: 0x7ee0000, Kind: boot.Usable},
			{Start: 0, Length: 0x9fc00, Kind: boot.Usable},
			{Start: 0x9fc00, Length: 0x400, Kind: boot.Reserved},
			{Start: 0xf0000, Length: 0x10000, Kind: boot.Reserved},
			{Start: 0x7fe0000, Length: 0x20000, Kind: boot.BootloaderReclaimable},
			{Start: 0xfffc0000, Length: 0x40000, Kind: boot.Reserved},
		},
		KernelStart: 0x100000,
		KernelEnd:   0x1a8123,
	}
}

func TestBootMemoryAllocator(t *testing.T) {
	info := qemuMemoryMap()

	// region 1 extents get rounded to [0, 9f000) and provide 159 frames
	// region 2 spans [100000, 7fe0000) and provides 32480 frames minus
	// the 169 frames occupied by the kernel image.
	var (
		totalFreeFrames = uint64(159 + 32480 - 169)
		alloc           = NewBootMemAllocator(info)
		allocFrameCount uint64
		prevFrame       = InvalidFrame
	)

	if _, ok := alloc.HighWaterMark(); ok {
		t.Fatal("expected HighWaterMark to report no allocations")
	}

	for {
		frame, err := alloc.AllocFrame()
		if err != nil {
			if err == ErrOutOfMemory {
				break
			}
			t.Fatalf("[frame %d] unexpected allocator error: %v", allocFrameCount, err)
		}
		allocFrameCount++

		if !frame.Valid() {
			t.Errorf("[frame %d] expected IsValid() to return true", allocFrameCount)
		}

		if prevFrame.Valid() && frame <= prevFrame {
			t.Fatalf("[frame %d] expected frames to be handed out in ascending order; got %d after %d", allocFrameCount, frame, prevFrame)
		}

		if frame >= 0x100 && frame < 0x1a9 {
			t.Fatalf("[frame %d] allocator returned frame %d which belongs to the kernel image", allocFrameCount, frame)
		}

		if frame >= 0x9f && frame < 0x100 {
			t.Fatalf("[frame %d] allocator returned frame %d which is not usable", allocFrameCount, frame)
		}
		prevFrame = frame
	}

	if allocFrameCount != totalFreeFrames {
		t.Fatalf("expected allocator to allocate %d frames; allocated %d", totalFreeFrames, allocFrameCount)
	}

	if alloc.AllocCount() != totalFreeFrames {
		t.Errorf("expected AllocCount to return %d; got %d", totalFreeFrames, alloc.AllocCount())
	}

	if last, ok := alloc.HighWaterMark(); !ok || last != 0x7fdf {
		t.Errorf("expected high water mark to be frame 0x7fdf; got (0x%x, %t)", last, ok)
	}

	if err := alloc.FreeFrame(prevFrame); err != errBootAllocCannotFree {
		t.Errorf("expected FreeFrame to fail with errBootAllocCannotFree; got %v", err)
	}
}

func TestBootMemoryAllocatorTinyRegions(t *testing.T) {
	info := &boot.Info{
		Regions: []boot.Region{
			{Start: 0x1800, Length: mem.PageSize, Kind: boot.Usable},
			{Start: 0x4000, Length: mem.PageSize, Kind: boot.Usable},
		},
	}

	alloc := NewBootMemAllocator(info)
	frame, err := alloc.AllocFrame()
	if err != nil || frame != 4 {
		t.Fatalf("expected to allocate frame 4; got (%d, %v)", frame, err)
	}

	if _, err = alloc.AllocFrame(); err != ErrOutOfMemory {
		t.Fatalf("expected ErrOutOfMemory; got %v", err)
	}
}
