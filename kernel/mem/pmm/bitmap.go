package pmm

import (
	"math"
	"math/bits"
	"sort"

	"github.com/T-O-R-U-S/sprinkles-os/kernel"
	"github.com/T-O-R-U-S/sprinkles-os/kernel/boot"
	"github.com/T-O-R-U-S/sprinkles-os/kernel/irq"
	"github.com/T-O-R-U-S/sprinkles-os/kernel/kfmt"
	"github.com/T-O-R-U-S/sprinkles-os/kernel/mem"
	"github.com/T-O-R-U-S/sprinkles-os/kernel/sync"
	"github.com/google/btree"
	"github.com/sirupsen/logrus"
)

var (
	// ErrOutOfMemory is returned when no free frame (or no contiguous run
	// of free frames) is available.
	ErrOutOfMemory = &kernel.Error{Module: "pmm", Message: "out of memory"}

	// ErrDoubleFree is returned when freeing a frame that is not currently
	// allocated or that is not managed by the allocator.
	ErrDoubleFree = &kernel.Error{Module: "pmm", Message: "frame is not allocated"}

	// ErrDoubleAllocate is returned when marking as used a frame that is
	// already in use.
	ErrDoubleAllocate = &kernel.Error{Module: "pmm", Message: "frame is already allocated"}

	// ErrInvalidRegionRequest is returned by AllocRegion for a zero-sized
	// request.
	ErrInvalidRegionRequest = &kernel.Error{Module: "pmm", Message: "region allocation requires at least one frame"}

	log = kfmt.Logger("pmm")
)

const (
	markFree = iota
	markUsed
)

type framePool struct {
	// startFrame is the frame number for the first page in this pool.
	// each free bitmap entry i corresponds to frame (startFrame + i).
	startFrame Frame

	// endFrame is the frame right after the last frame in the pool.
	endFrame Frame

	// freeCount tracks the available frames in this pool. The allocator
	// uses it to skip fully allocated pools without scanning the bitmap.
	freeCount uint64

	// freeBitmap tracks used/free frames in the pool. A set bit marks a
	// frame as used. Frame i lives in block i/64 at bit 63-(i%64). The
	// padding bits of the last block are permanently set.
	freeBitmap []uint64

	// reservedBitmap uses the same layout as freeBitmap and flags used
	// frames that were never handed out by the allocator (kernel image,
	// boot allocator frames, ReserveFrame). Such frames cannot be freed.
	reservedBitmap []uint64
}

func newFramePool(start, end Frame) *framePool {
	count := uint64(end - start)
	pool := &framePool{
		startFrame:     start,
		endFrame:       end,
		freeCount:      count,
		freeBitmap:     make([]uint64, (count+63)>>6),
		reservedBitmap: make([]uint64, (count+63)>>6),
	}

	if tail := count & 63; tail != 0 {
		pool.freeBitmap[len(pool.freeBitmap)-1] = math.MaxUint64 >> tail
	}

	return pool
}

func (p *framePool) contains(frame Frame) bool {
	return frame >= p.startFrame && frame < p.endFrame
}

func (p *framePool) bitFor(frame Frame) (block int, mask uint64) {
	offset := uint64(frame - p.startFrame)
	return int(offset >> 6), 1 << (63 - (offset & 63))
}

func (p *framePool) isUsed(frame Frame) bool {
	block, mask := p.bitFor(frame)
	return p.freeBitmap[block]&mask != 0
}

func (p *framePool) isReserved(frame Frame) bool {
	block, mask := p.bitFor(frame)
	return p.reservedBitmap[block]&mask != 0
}

// reserve marks a free frame as used and pins it so it can never be freed.
// It reports false if the frame was already in use.
func (p *framePool) reserve(frame Frame) bool {
	if !p.mark(frame, markUsed) {
		return false
	}

	block, mask := p.bitFor(frame)
	p.reservedBitmap[block] |= mask
	return true
}

// mark flags frame as used or free. It reports false if the frame already
// was in the requested state.
func (p *framePool) mark(frame Frame, flag int) bool {
	block, mask := p.bitFor(frame)
	used := p.freeBitmap[block]&mask != 0

	switch {
	case flag == markUsed && !used:
		p.freeBitmap[block] |= mask
		p.freeCount--
		return true
	case flag == markFree && used:
		p.freeBitmap[block] &^= mask
		p.freeCount++
		return true
	default:
		return false
	}
}

// BitmapAllocator implements a physical frame allocator that tracks frame
// reservations across the available memory pools using bitmaps. Each usable
// region becomes a pool; pools are kept in a btree ordered by start frame.
type BitmapAllocator struct {
	lock sync.Spinlock
	irq  irq.Controller

	// totalFrames tracks the total number of frames across all pools.
	totalFrames uint64

	// reservedFrames tracks the number of used frames across all pools.
	reservedFrames uint64

	pools *btree.BTreeG[*framePool]
}

// NewBitmapAllocator returns an empty allocator. Every mutating call runs with
// interrupts masked through ctrl, which may be nil.
func NewBitmapAllocator(ctrl irq.Controller) *BitmapAllocator {
	return &BitmapAllocator{
		irq:   ctrl,
		pools: newPoolIndex(),
	}
}

func newPoolIndex() *btree.BTreeG[*framePool] {
	return btree.NewG[*framePool](2, func(a, b *framePool) bool {
		return a.startFrame < b.startFrame
	})
}

// Init builds one pool per usable region in info and then reserves the frames
// occupied by the kernel image as well as every frame that bootAlloc (which
// may be nil) has already handed out.
func (alloc *BitmapAllocator) Init(info *boot.Info, bootAlloc *BootMemAllocator) *kernel.Error {
	defer irq.Disable(alloc.irq).Restore()
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	logMemoryMap(log, info)

	alloc.pools = newPoolIndex()
	alloc.totalFrames, alloc.reservedFrames = 0, 0

	var usable []boot.Region
	info.VisitRegions(boot.Usable, func(r boot.Region) bool {
		usable = append(usable, r)
		return true
	})
	sort.Slice(usable, func(i, j int) bool { return usable[i].Start < usable[j].Start })

	for _, r := range usable {
		alloc.addPool(r)
	}

	kernelStart := FrameFromAddress(info.KernelStart)
	kernelEnd := FrameFromAddress(info.KernelEnd.AlignUp(mem.PageSize))
	alloc.reserveRange(kernelStart, kernelEnd)

	if bootAlloc != nil {
		if last, ok := bootAlloc.HighWaterMark(); ok {
			alloc.reserveRange(0, last+1)
		}
	}

	log.WithFields(logrus.Fields{
		"pools":    alloc.pools.Len(),
		"frames":   alloc.totalFrames,
		"reserved": alloc.reservedFrames,
	}).Info("frame allocator initialized")

	return nil
}

// ReclaimBootloaderMemory hands the bootloader-reclaimable regions of info to
// the allocator. It must only be called once the kernel no longer needs any
// data placed there by the bootloader. It returns the number of frames added.
func (alloc *BitmapAllocator) ReclaimBootloaderMemory(info *boot.Info) uint64 {
	defer irq.Disable(alloc.irq).Restore()
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	before := alloc.totalFrames
	info.VisitRegions(boot.BootloaderReclaimable, func(r boot.Region) bool {
		alloc.addPool(r)
		return true
	})

	added := alloc.totalFrames - before
	log.WithField("frames", added).Info("reclaimed bootloader memory")
	return added
}

// addPool registers the whole frames in r as a new pool. Regions overlapping
// an existing pool are skipped.
func (alloc *BitmapAllocator) addPool(r boot.Region) {
	start, end, ok := regionFrames(r)
	if !ok {
		return
	}

	var overlaps bool
	alloc.pools.DescendLessOrEqual(&framePool{startFrame: end - 1}, func(p *framePool) bool {
		overlaps = p.endFrame > start
		return false
	})
	if overlaps {
		log.WithFields(logrus.Fields{
			"start": r.Start,
			"size":  r.Length,
		}).Warn("skipping region that overlaps an existing pool")
		return
	}

	alloc.pools.ReplaceOrInsert(newFramePool(start, end))
	alloc.totalFrames += uint64(end - start)
}

// reserveRange marks every managed frame in [start, end) as used and pins it.
// Frames that are already used are left untouched.
func (alloc *BitmapAllocator) reserveRange(start, end Frame) {
	alloc.pools.Ascend(func(p *framePool) bool {
		if p.startFrame >= end {
			return false
		}

		for frame := maxFrame(start, p.startFrame); frame < end && frame < p.endFrame; frame++ {
			if p.reserve(frame) {
				alloc.reservedFrames++
			}
		}
		return true
	})
}

// poolForFrame returns the pool that contains frame or nil if the frame is
// not managed by this allocator.
func (alloc *BitmapAllocator) poolForFrame(frame Frame) *framePool {
	var pool *framePool
	alloc.pools.DescendLessOrEqual(&framePool{startFrame: frame}, func(p *framePool) bool {
		if p.contains(frame) {
			pool = p
		}
		return false
	})
	return pool
}

// AllocFrame reserves and returns the lowest free frame.
func (alloc *BitmapAllocator) AllocFrame() (Frame, *kernel.Error) {
	defer irq.Disable(alloc.irq).Restore()
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	frame := InvalidFrame
	alloc.pools.Ascend(func(p *framePool) bool {
		if p.freeCount == 0 {
			return true
		}

		for blockIndex, block := range p.freeBitmap {
			if block == math.MaxUint64 {
				continue
			}

			frame = p.startFrame + Frame(blockIndex<<6+bits.LeadingZeros64(^block))
			p.mark(frame, markUsed)
			return false
		}
		return true
	})

	if frame == InvalidFrame {
		return InvalidFrame, ErrOutOfMemory
	}

	alloc.reservedFrames++
	return frame, nil
}

// AllocRegion reserves count contiguous frames and returns the first one. The
// first frame index is a multiple of alignment (in frames); an alignment of
// 0 is treated as 1.
func (alloc *BitmapAllocator) AllocRegion(count, alignment uint32) (Frame, *kernel.Error) {
	if count == 0 {
		return InvalidFrame, ErrInvalidRegionRequest
	}
	if alignment == 0 {
		alignment = 1
	}

	defer irq.Disable(alloc.irq).Restore()
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	first := InvalidFrame
	alloc.pools.Ascend(func(p *framePool) bool {
		if p.freeCount < uint64(count) {
			return true
		}

		candidate := alignFrame(p.startFrame, alignment)
		for candidate+Frame(count) <= p.endFrame {
			used := InvalidFrame
			for frame := candidate; frame < candidate+Frame(count); frame++ {
				if p.isUsed(frame) {
					used = frame
					break
				}
			}

			if used == InvalidFrame {
				first = candidate
				for frame := candidate; frame < candidate+Frame(count); frame++ {
					p.mark(frame, markUsed)
				}
				return false
			}

			candidate = alignFrame(used+1, alignment)
		}
		return true
	})

	if first == InvalidFrame {
		return InvalidFrame, ErrOutOfMemory
	}

	alloc.reservedFrames += uint64(count)
	return first, nil
}

// FreeFrame releases a frame previously returned by AllocFrame or
// AllocRegion. Freeing a frame that is free, unmanaged or reserved (and thus
// never handed out) fails with ErrDoubleFree.
func (alloc *BitmapAllocator) FreeFrame(frame Frame) *kernel.Error {
	defer irq.Disable(alloc.irq).Restore()
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	pool := alloc.poolForFrame(frame)
	if pool == nil || pool.isReserved(frame) || !pool.mark(frame, markFree) {
		return misuse(ErrDoubleFree, frame)
	}

	alloc.reservedFrames--
	return nil
}

// ReserveFrame marks a free managed frame as used so that it is never handed
// out. Frames outside the managed pools are never handed out either, so
// reserving them is a no-op.
func (alloc *BitmapAllocator) ReserveFrame(frame Frame) *kernel.Error {
	defer irq.Disable(alloc.irq).Restore()
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	pool := alloc.poolForFrame(frame)
	if pool == nil {
		return nil
	}

	if !pool.reserve(frame) {
		return misuse(ErrDoubleAllocate, frame)
	}

	alloc.reservedFrames++
	return nil
}

// IsAllocated returns true if frame is managed by the allocator and is in use.
func (alloc *BitmapAllocator) IsAllocated(frame Frame) bool {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	pool := alloc.poolForFrame(frame)
	return pool != nil && pool.isUsed(frame)
}

// TotalFrames returns the number of frames managed by the allocator.
func (alloc *BitmapAllocator) TotalFrames() uint64 {
	return alloc.totalFrames
}

// FreeFrames returns the number of frames available for allocation.
func (alloc *BitmapAllocator) FreeFrames() uint64 {
	return alloc.totalFrames - alloc.reservedFrames
}

// misuse reports a consistency violation. Debug kernels stop right away.
func misuse(err *kernel.Error, frame Frame) *kernel.Error {
	if debugChecks {
		panic(err)
	}

	log.WithField("frame", uintptr(frame)).Warn(err.Message)
	return err
}

func alignFrame(frame Frame, alignment uint32) Frame {
	a := Frame(alignment)
	return (frame + a - 1) / a * a
}

func maxFrame(a, b Frame) Frame {
	if a > b {
		return a
	}
	return b
}
