package vfs

import (
	"context"
	"sync/atomic"

	"github.com/mazarin-os/kernelcore/internal/kerrno"
	"github.com/mazarin-os/kernelcore/internal/ksync"
)

// OpenFile is the kernel-wide "open file description" POSIX distinguishes
// from a process's fd slot: offset and refcount live here so dup()'d and
// fork()'d descriptors share one cursor, exactly like a real kernel's
// struct file (spec.md §3 "Open file description").
type OpenFile struct {
	lock   ksync.SpinLock
	Node   Node
	Path   string
	Flags  int
	offset int64
	refs   int32
	dirPos int
}

func NewOpenFile(n Node, path string, flags int) *OpenFile {
	return &OpenFile{Node: n, Path: path, Flags: flags, refs: 1}
}

func (f *OpenFile) Incref() { atomic.AddInt32(&f.refs, 1) }

// Close drops one reference; the underlying Node is only released when
// the last reference is gone. Nodes that need release hooks (pipes,
// devices) implement Releaser.
func (f *OpenFile) Close() {
	if atomic.AddInt32(&f.refs, -1) > 0 {
		return
	}
	if rel, ok := f.Node.(Releaser); ok {
		rel.Release(context.Background())
	}
}

// Releaser is implemented by Nodes that need to run cleanup when their
// last open-file reference is closed (pipefs's write end, for instance).
type Releaser interface {
	Release(ctx context.Context)
}

// Read performs a read at the file's current offset, advancing it,
// requiring the Node implement Reader.
func (f *OpenFile) Read(ctx context.Context, buf []byte) (int, kerrno.Errno) {
	r, ok := f.Node.(Reader)
	if !ok {
		return 0, kerrno.EINVAL
	}
	if f.Flags&FlagNonblock != 0 {
		if p, ok := f.Node.(Poller); ok && p.PollReady(ctx, PollIn)&PollIn == 0 {
			return 0, kerrno.EAGAIN
		}
	}
	f.lock.LockIRQSave()
	off := f.offset
	f.lock.UnlockIRQRestore()

	n, errno := r.ReadAt(ctx, buf, off)
	if errno != 0 {
		return 0, errno
	}
	f.lock.LockIRQSave()
	f.offset += int64(n)
	f.lock.UnlockIRQRestore()
	return n, 0
}

// Write performs a write at the file's current offset, advancing it,
// requiring the Node implement Writer.
func (f *OpenFile) Write(ctx context.Context, buf []byte) (int, kerrno.Errno) {
	w, ok := f.Node.(Writer)
	if !ok {
		return 0, kerrno.EINVAL
	}
	if f.Flags&FlagNonblock != 0 {
		if p, ok := f.Node.(Poller); ok && p.PollReady(ctx, PollOut)&PollOut == 0 {
			return 0, kerrno.EAGAIN
		}
	}
	f.lock.LockIRQSave()
	off := f.offset
	if f.Flags&FlagAppend != 0 {
		if a, ok := f.Node.(Attrer); ok {
			if attr, errno := a.Attr(ctx); errno == 0 {
				off = attr.Size
			}
		}
	}
	f.lock.UnlockIRQRestore()

	n, errno := w.WriteAt(ctx, buf, off)
	if errno != 0 {
		return 0, errno
	}
	f.lock.LockIRQSave()
	f.offset = off + int64(n)
	f.lock.UnlockIRQRestore()
	return n, 0
}

// DirCursor returns this open file description's current getdents(2)
// entry index — separate from the byte offset(Seek advances), since
// directory nodes have no byte-addressable content (spec.md §4.8
// getdents).
func (f *OpenFile) DirCursor() int {
	f.lock.LockIRQSave()
	defer f.lock.UnlockIRQRestore()
	return f.dirPos
}

// AdvanceDirCursor moves the getdents(2) entry index forward by n so a
// follow-up call resumes after the entries already returned.
func (f *OpenFile) AdvanceDirCursor(n int) {
	f.lock.LockIRQSave()
	f.dirPos += n
	f.lock.UnlockIRQRestore()
}

// Attrer is Node.Attr lifted to an interface so Write's O_APPEND path can
// type-assert for it explicitly (Node already requires Attr, but keeping
// a distinct name documents why this particular assertion exists).
type Attrer interface {
	Attr(ctx context.Context) (Attr, kerrno.Errno)
}

// Seek implements lseek(2) whence semantics (SEEK_SET/CUR/END).
func (f *OpenFile) Seek(ctx context.Context, off int64, whence int) (int64, kerrno.Errno) {
	f.lock.LockIRQSave()
	defer f.lock.UnlockIRQRestore()
	switch whence {
	case SeekSet:
		f.offset = off
	case SeekCur:
		f.offset += off
	case SeekEnd:
		a, ok := f.Node.(Attrer)
		if !ok {
			return 0, kerrno.EINVAL
		}
		attr, errno := a.Attr(ctx)
		if errno != 0 {
			return 0, errno
		}
		f.offset = attr.Size + off
	default:
		return 0, kerrno.EINVAL
	}
	if f.offset < 0 {
		f.offset = 0
		return 0, kerrno.EINVAL
	}
	return f.offset, 0
}

const (
	SeekSet = 0
	SeekCur = 1
	SeekEnd = 2
)

// Open flag bits (spec.md §4.8 open/openat).
const (
	FlagRDOnly = 0
	FlagWROnly = 1
	FlagRDWR   = 2
	FlagCreat  = 1 << 6
	FlagExcl   = 1 << 7
	FlagTrunc    = 1 << 9
	FlagAppend   = 1 << 10
	FlagNonblock = 1 << 11
	FlagCloexec  = 1 << 19
)
