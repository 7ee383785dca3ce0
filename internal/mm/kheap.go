package mm

import (
	"unsafe"

	"github.com/mazarin-os/kernelcore/internal/kerrno"
	"github.com/mazarin-os/kernelcore/internal/ksync"
)

// heapMagic guards every live block header against corruption, catching
// double-frees and header-adjacent overruns (spec.md §4.3; the teacher's
// src/mazboot/golang/main/heap.go trusted an unmagicked header because it
// only ever ran against its own allocations — a hosted kernel that takes
// syscalls from arbitrary "user" code cannot assume that).
const heapMagic = uint32(0x4b48454d) // "KHEM"

// blockHeader precedes every block, free or allocated, in the heap arena.
// size is the usable payload size, excluding this header.
type blockHeader struct {
	magic uint32
	size  uint32
	used  bool
	prev  *blockHeader
	next  *blockHeader
	prevFree *blockHeader
	nextFree *blockHeader
}

const headerSize = int(unsafe.Sizeof(blockHeader{}))

// minSplitRemainder is the smallest remainder worth splitting off as its
// own free block; below this, the whole block is handed out instead of
// leaving an unusably small fragment behind (spec.md §4.3).
const minSplitRemainder = headerSize + 16

// Heap is a first-fit, coalescing kernel allocator over a fixed backing
// arena, guarded by one spinlock (spec.md §4.3).
type Heap struct {
	lock     ksync.SpinLock
	arena    []byte
	first    *blockHeader
	freeHead *blockHeader
}

// NewHeap carves a single free block spanning the whole arena.
func NewHeap(arena []byte) *Heap {
	if len(arena) < headerSize+16 {
		kerrno.Panic("mm", "heap arena too small: %d bytes", len(arena))
	}
	h := &Heap{arena: arena}
	root := h.headerAt(0)
	*root = blockHeader{magic: heapMagic, size: uint32(len(arena) - headerSize)}
	h.first = root
	h.freeHead = root
	return h
}

func (h *Heap) headerAt(off int) *blockHeader {
	return (*blockHeader)(unsafe.Pointer(&h.arena[off]))
}

func (h *Heap) offsetOf(b *blockHeader) int {
	return int(uintptr(unsafe.Pointer(b)) - uintptr(unsafe.Pointer(&h.arena[0])))
}

func (h *Heap) payload(b *blockHeader) []byte {
	off := h.offsetOf(b) + headerSize
	return h.arena[off : off+int(b.size)]
}

func (h *Heap) checkMagic(b *blockHeader) {
	if b.magic != heapMagic {
		kerrno.Panic("mm", "heap corruption: bad magic at block offset %d", h.offsetOf(b))
	}
}

func (h *Heap) unlinkFree(b *blockHeader) {
	if b.prevFree != nil {
		b.prevFree.nextFree = b.nextFree
	} else {
		h.freeHead = b.nextFree
	}
	if b.nextFree != nil {
		b.nextFree.prevFree = b.prevFree
	}
	b.prevFree, b.nextFree = nil, nil
}

func (h *Heap) pushFree(b *blockHeader) {
	b.prevFree = nil
	b.nextFree = h.freeHead
	if h.freeHead != nil {
		h.freeHead.prevFree = b
	}
	h.freeHead = b
}

// Alloc returns size bytes of zeroed storage, splitting the first
// sufficiently large free block (first-fit, spec.md §4.3). Returns nil on
// exhaustion rather than an Errno: heap callers are kernel-internal code,
// not syscalls, so there is no user-facing errno to hand back.
func (h *Heap) Alloc(size int) []byte {
	if size <= 0 {
		return nil
	}
	aligned := (size + 7) &^ 7

	h.lock.LockIRQSave()
	defer h.lock.UnlockIRQRestore()

	for b := h.freeHead; b != nil; b = b.nextFree {
		h.checkMagic(b)
		if int(b.size) < aligned {
			continue
		}
		h.unlinkFree(b)
		if int(b.size)-aligned >= minSplitRemainder {
			h.split(b, aligned)
		}
		b.used = true
		buf := h.payload(b)
		for i := range buf {
			buf[i] = 0
		}
		return buf[:size]
	}
	return nil
}

// split carves a free remainder off the tail of b once b is large enough
// to donate headerSize+payload without leaving an unusable sliver.
func (h *Heap) split(b *blockHeader, want int) {
	remainderOff := h.offsetOf(b) + headerSize + want
	remainder := h.headerAt(remainderOff)
	*remainder = blockHeader{
		magic: heapMagic,
		size:  b.size - uint32(want) - uint32(headerSize),
		prev:  b,
		next:  b.next,
	}
	if b.next != nil {
		b.next.prev = remainder
	}
	b.next = remainder
	b.size = uint32(want)
	h.pushFree(remainder)
}

// Free returns a block to the pool and coalesces with free neighbors.
func (h *Heap) Free(buf []byte) {
	if buf == nil {
		return
	}
	off := int(uintptr(unsafe.Pointer(&buf[0]))-uintptr(unsafe.Pointer(&h.arena[0]))) - headerSize
	b := h.headerAt(off)

	h.lock.LockIRQSave()
	defer h.lock.UnlockIRQRestore()

	h.checkMagic(b)
	if !b.used {
		kerrno.Panic("mm", "double free at heap offset %d", off)
	}
	b.used = false

	if next := b.next; next != nil && !next.used {
		h.checkMagic(next)
		h.unlinkFree(next)
		b.size += uint32(headerSize) + next.size
		b.next = next.next
		if next.next != nil {
			next.next.prev = b
		}
	}
	if prev := b.prev; prev != nil && !prev.used {
		h.checkMagic(prev)
		h.unlinkFree(prev)
		prev.size += uint32(headerSize) + b.size
		prev.next = b.next
		if b.next != nil {
			b.next.prev = prev
		}
		b = prev
	}
	h.pushFree(b)
}

// FreeBytes sums the size of every free block, for /proc/meminfo.
func (h *Heap) FreeBytes() int {
	h.lock.LockIRQSave()
	defer h.lock.UnlockIRQRestore()
	total := 0
	for b := h.freeHead; b != nil; b = b.nextFree {
		total += int(b.size)
	}
	return total
}
