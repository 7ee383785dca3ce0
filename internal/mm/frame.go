package mm

import (
	"sync/atomic"

	"github.com/mazarin-os/kernelcore/internal/kerrno"
	"github.com/mazarin-os/kernelcore/internal/klog"
	"github.com/mazarin-os/kernelcore/internal/kmetrics"
	"github.com/mazarin-os/kernelcore/internal/ksync"
)

var log = klog.Named("mm")

// Frame is a physical frame number; frame N covers bytes
// [N*PageSize, (N+1)*PageSize) of the RAM backing store. Frame 0 is never
// returned by the allocator (spec.md §4.1), so FrameNone == 0 doubles as
// the allocator's distinguished "no frame" / ENOMEM sentinel.
type Frame uint32

const FrameNone Frame = 0

// PageSize is the frame allocator's unit of allocation.
const PageSize = 4096

// FrameAllocator owns physical memory: a bitmap of free/used frames plus a
// parallel refcount array, guarded by a single spinlock (spec.md §4.1).
// RAM is a simulated backing store standing in for physical memory, since
// this is a hosted kernel (SPEC_FULL.md §0/§1) rather than a bare-metal one.
type FrameAllocator struct {
	lock     ksync.SpinLock
	RAM      []byte
	bitmap   []uint64 // bit set => frame in use
	refcount []uint32
	cursor   uint32
	numFrame uint32
}

// NewFrameAllocator allocates a RAM backing store of physBytes bytes and
// initializes the bitmap/refcount arrays. Frame 0 is marked used up front
// so it is never handed out.
func NewFrameAllocator(physBytes int) *FrameAllocator {
	n := uint32(physBytes / PageSize)
	fa := &FrameAllocator{
		RAM:      make([]byte, int(n)*PageSize),
		bitmap:   make([]uint64, (n+63)/64),
		refcount: make([]uint32, n),
		numFrame: n,
	}
	fa.markUsedLocked(0)
	kmetrics.FramesTotal.Set(float64(n))
	kmetrics.FramesUsed.Set(1)
	log.Infow("frame allocator initialized", "frames", n, "bytes", len(fa.RAM))
	return fa
}

// MarkReserved marks frames covering [start, end) (given as byte offsets)
// as used without granting them a refcount holder, for kernel-image/initrd
// ranges the boot handoff (spec.md §6) reports as already occupied.
func (fa *FrameAllocator) MarkReserved(startByte, endByte uintptr) {
	fa.lock.LockIRQSave()
	defer fa.lock.UnlockIRQRestore()
	for f := Frame(startByte / PageSize); f < Frame((endByte+PageSize-1)/PageSize); f++ {
		fa.markUsedLocked(f)
	}
}

func (fa *FrameAllocator) markUsedLocked(f Frame) {
	fa.bitmap[f/64] |= 1 << (f % 64)
}

func (fa *FrameAllocator) markFreeLocked(f Frame) {
	fa.bitmap[f/64] &^= 1 << (f % 64)
}

func (fa *FrameAllocator) isUsedLocked(f Frame) bool {
	return fa.bitmap[f/64]&(1<<(f%64)) != 0
}

// AllocPage returns one free frame with refcount 1, or FrameNone/ENOMEM.
// Scanning starts from a rotating cursor to spread placement (spec.md
// §4.1), which also keeps repeated alloc/free cycles from always reusing
// the same low frame number.
func (fa *FrameAllocator) AllocPage() (Frame, kerrno.Errno) {
	fa.lock.LockIRQSave()
	defer fa.lock.UnlockIRQRestore()

	for i := uint32(0); i < fa.numFrame; i++ {
		f := Frame((fa.cursor + i) % fa.numFrame)
		if !fa.isUsedLocked(f) {
			fa.markUsedLocked(f)
			fa.refcount[f] = 1
			fa.cursor = uint32(f) + 1
			kmetrics.FramesUsed.Inc()
			return f, 0
		}
	}
	return FrameNone, kerrno.ENOMEM
}

// AllocContiguous scans for n consecutive free frames and returns the base
// frame with each frame's refcount set to 1.
func (fa *FrameAllocator) AllocContiguous(n uint32) (Frame, kerrno.Errno) {
	if n == 0 {
		return FrameNone, kerrno.EINVAL
	}
	fa.lock.LockIRQSave()
	defer fa.lock.UnlockIRQRestore()

	run := uint32(0)
	for f := Frame(1); f < Frame(fa.numFrame); f++ {
		if fa.isUsedLocked(f) {
			run = 0
			continue
		}
		run++
		if run == n {
			base := f - Frame(n-1)
			for k := base; k <= f; k++ {
				fa.markUsedLocked(k)
				fa.refcount[k] = 1
			}
			kmetrics.FramesUsed.Add(float64(n))
			return base, 0
		}
	}
	return FrameNone, kerrno.ENOMEM
}

// Free drops a frame back to the pool unconditionally (refcount forced to
// zero). Callers that track refcounts should prefer Decref.
func (fa *FrameAllocator) Free(f Frame) {
	if f == FrameNone {
		return
	}
	fa.lock.LockIRQSave()
	defer fa.lock.UnlockIRQRestore()
	fa.markFreeLocked(f)
	fa.refcount[f] = 0
	kmetrics.FramesUsed.Dec()
}

// Incref/Decref/Refcount implement spec.md §4.1's lock-free-capable
// refcount path: increments and small decrements are atomic; a decrement
// that reaches zero re-takes the allocator lock to clear the bitmap bit.
func (fa *FrameAllocator) Incref(f Frame) {
	atomic.AddUint32(fa.ref32(f), 1)
}

// Decref decrements the frame's refcount and returns the new value. When
// it reaches zero the frame is returned to the free pool.
func (fa *FrameAllocator) Decref(f Frame) uint32 {
	new := atomic.AddUint32(fa.ref32(f), ^uint32(0)) // -1
	if int32(new) < 0 {
		kerrno.Panic("mm", "refcount underflow on frame %d", f)
	}
	if new == 0 {
		fa.lock.LockIRQSave()
		fa.markFreeLocked(f)
		fa.lock.UnlockIRQRestore()
		kmetrics.FramesUsed.Dec()
	}
	return new
}

func (fa *FrameAllocator) Refcount(f Frame) uint32 {
	return atomic.LoadUint32(fa.ref32(f))
}

func (fa *FrameAllocator) ref32(f Frame) *uint32 {
	return &fa.refcount[f]
}

func (fa *FrameAllocator) NumFrames() uint32 { return fa.numFrame }

// UsedFrames counts frames currently marked occupied, for /proc/meminfo-
// style reporting (procfs.Source) without exposing the bitmap itself.
func (fa *FrameAllocator) UsedFrames() uint32 {
	fa.lock.LockIRQSave()
	defer fa.lock.UnlockIRQRestore()
	var n uint32
	for f := uint32(0); f < fa.numFrame; f++ {
		if fa.isUsedLocked(Frame(f)) {
			n++
		}
	}
	return n
}

// ReadAt / WriteAt give address-space code and copy_from/to_user byte access
// into the frame's backing bytes without leaking the RAM slice itself.
func (fa *FrameAllocator) ReadAt(f Frame, off int, buf []byte) {
	copy(buf, fa.RAM[int(f)*PageSize+off:])
}

func (fa *FrameAllocator) WriteAt(f Frame, off int, buf []byte) {
	copy(fa.RAM[int(f)*PageSize+off:], buf)
}
