// Package shm implements POSIX-style shared memory segments (spec.md §3
// "Shared memory segment"; supplementing the distilled spec, which names
// mmap'd anonymous/file-backed memory but not the System V-style shmget
// family original_source/ also exercises). A segment is a set of frames
// multiple address spaces can each map, with a creation key, an attach
// count, and a removal flag so `shmctl(IPC_RMID)` can mark a segment for
// deletion without invalidating processes still attached to it — deletion
// only actually happens once the attach count drops to zero.
package shm

import (
	"github.com/mazarin-os/kernelcore/internal/kerrno"
	"github.com/mazarin-os/kernelcore/internal/ksync"
	"github.com/mazarin-os/kernelcore/internal/mm"
)

// Key identifies a segment for shmget's "attach by key" lookup.
type Key int32

// Segment is one shared-memory region: a fixed run of frames, a
// reference count of live attachments, and a removal flag.
type Segment struct {
	Key     Key
	Frames  []mm.Frame
	attach  int
	removed bool
}

// Registry owns every live segment, keyed by Key, plus the frame
// allocator new segments draw pages from.
type Registry struct {
	lock     ksync.SpinLock
	byKey    map[Key]*Segment
	alloc    *mm.FrameAllocator
}

func NewRegistry(alloc *mm.FrameAllocator) *Registry {
	return &Registry{byKey: map[Key]*Segment{}, alloc: alloc}
}

// Get creates a segment of the given size (rounded up to whole pages) if
// none exists for key, or returns the existing one. IPC_EXCL-style
// creation-only semantics are left to the syscall layer, which can check
// for EEXIST itself by calling Lookup first.
func (r *Registry) Get(key Key, size int) (*Segment, kerrno.Errno) {
	r.lock.LockIRQSave()
	defer r.lock.UnlockIRQRestore()
	if seg, ok := r.byKey[key]; ok {
		return seg, 0
	}
	numPages := (size + mm.PageSize - 1) / mm.PageSize
	frames := make([]mm.Frame, 0, numPages)
	for i := 0; i < numPages; i++ {
		f, errno := r.alloc.AllocPage()
		if errno != 0 {
			for _, done := range frames {
				r.alloc.Decref(done)
			}
			return nil, errno
		}
		frames = append(frames, f)
	}
	seg := &Segment{Key: key, Frames: frames}
	r.byKey[key] = seg
	return seg, 0
}

// Lookup returns an existing segment without creating one.
func (r *Registry) Lookup(key Key) (*Segment, bool) {
	r.lock.LockIRQSave()
	defer r.lock.UnlockIRQRestore()
	seg, ok := r.byKey[key]
	return seg, ok
}

// Attach maps every frame of seg into as starting at baseVPN, incrementing
// seg's attach count and the refcount of each underlying frame (so a
// segment's frames outlive any one attacher, matching COW's refcounting
// discipline in internal/mm).
func (r *Registry) Attach(seg *Segment, as *mm.AddressSpace, baseVPN mm.VPN, flags mm.Flags) {
	r.lock.LockIRQSave()
	seg.attach++
	r.lock.UnlockIRQRestore()

	for i, f := range seg.Frames {
		r.alloc.Incref(f)
		as.MapPage(baseVPN+mm.VPN(i), f, flags)
	}
}

// Detach unmaps seg's frames from as and drops its attach count.
// UnmapPage removes the attachment's own reference on each frame; the
// segment's creation reference (left by Get's AllocPage) keeps them
// alive across detach/reattach cycles. If the segment was previously
// marked removed and this was the last attacher, the segment is deleted
// and that creation reference is dropped too, returning the frames to
// the free pool (spec.md §3: "freed when attach count reaches zero AND
// the removal flag is set").
func (r *Registry) Detach(seg *Segment, as *mm.AddressSpace, baseVPN mm.VPN) {
	for i := range seg.Frames {
		as.UnmapPage(baseVPN + mm.VPN(i))
	}

	r.lock.LockIRQSave()
	seg.attach--
	shouldDelete := seg.removed && seg.attach <= 0
	if shouldDelete {
		delete(r.byKey, seg.Key)
	}
	r.lock.UnlockIRQRestore()

	if shouldDelete {
		for _, f := range seg.Frames {
			r.alloc.Decref(f)
		}
	}
}

// Remove implements shmctl(IPC_RMID): marks the segment for deletion.
// With nothing attached the segment is deleted immediately and its
// frames' creation references dropped, freeing them; otherwise deletion
// (and the frame release) is deferred to the last Detach.
func (r *Registry) Remove(key Key) kerrno.Errno {
	r.lock.LockIRQSave()
	seg, ok := r.byKey[key]
	if !ok {
		r.lock.UnlockIRQRestore()
		return kerrno.EINVAL
	}
	seg.removed = true
	deleteNow := seg.attach <= 0
	if deleteNow {
		delete(r.byKey, key)
	}
	r.lock.UnlockIRQRestore()

	if deleteNow {
		for _, f := range seg.Frames {
			r.alloc.Decref(f)
		}
	}
	return 0
}
