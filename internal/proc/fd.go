package proc

import (
	"sync/atomic"

	"github.com/mazarin-os/kernelcore/internal/kbitfield"
	"github.com/mazarin-os/kernelcore/internal/kerrno"
	"github.com/mazarin-os/kernelcore/internal/ksync"
	"github.com/mazarin-os/kernelcore/internal/vfs"
)

// FD is a per-process file descriptor number.
type FD int32

// FDTable is a process's open-file table (spec.md §3 "File descriptor
// table"): a sparse array of *vfs.OpenFile plus a close-on-exec bitset,
// guarded by one spinlock so concurrent dup2/close/exec from signal
// handlers can't race the table itself.
type FDTable struct {
	lock    ksync.SpinLock
	files   map[FD]*vfs.OpenFile
	cloexec map[FD]bool
	next    FD
	refs    int32 // sharers beyond the creator, e.g. CLONE_FILES threads
}

// Incref records another thread sharing this table (CLONE_FILES), so
// CloseAll leaves it open until every sharer has exited.
func (t *FDTable) Incref() { atomic.AddInt32(&t.refs, 1) }

func NewFDTable() *FDTable {
	return &FDTable{files: map[FD]*vfs.OpenFile{}, cloexec: map[FD]bool{}}
}

// Install assigns the lowest unused FD to f (POSIX dup/open semantics).
func (t *FDTable) Install(f *vfs.OpenFile) FD {
	t.lock.LockIRQSave()
	defer t.lock.UnlockIRQRestore()
	fd := t.lowestFreeLocked()
	t.files[fd] = f
	return fd
}

// InstallAt installs f at exactly fd, closing whatever was there (dup2).
func (t *FDTable) InstallAt(fd FD, f *vfs.OpenFile) {
	t.lock.LockIRQSave()
	old := t.files[fd]
	t.files[fd] = f
	delete(t.cloexec, fd)
	t.lock.UnlockIRQRestore()
	if old != nil && old != f {
		old.Close()
	}
}

// lowestFreeLocked walks from index 3: slots 0/1/2 are reserved for the
// controlling terminal (spec.md §3 "File descriptor table") and are only
// ever filled explicitly via InstallAt/dup2.
func (t *FDTable) lowestFreeLocked() FD {
	for fd := FD(3); ; fd++ {
		if _, used := t.files[fd]; !used {
			return fd
		}
	}
}

// Get returns the file installed at fd, or EBADF.
func (t *FDTable) Get(fd FD) (*vfs.OpenFile, kerrno.Errno) {
	t.lock.LockIRQSave()
	defer t.lock.UnlockIRQRestore()
	f, ok := t.files[fd]
	if !ok {
		return nil, kerrno.EBADF
	}
	return f, 0
}

// Close removes fd from the table and releases the underlying file.
func (t *FDTable) Close(fd FD) kerrno.Errno {
	t.lock.LockIRQSave()
	f, ok := t.files[fd]
	if !ok {
		t.lock.UnlockIRQRestore()
		return kerrno.EBADF
	}
	delete(t.files, fd)
	delete(t.cloexec, fd)
	t.lock.UnlockIRQRestore()
	f.Close()
	return 0
}

// SetCloexec marks fd to be closed across exec.
func (t *FDTable) SetCloexec(fd FD, set bool) kerrno.Errno {
	t.lock.LockIRQSave()
	defer t.lock.UnlockIRQRestore()
	if _, ok := t.files[fd]; !ok {
		return kerrno.EBADF
	}
	if set {
		t.cloexec[fd] = true
	} else {
		delete(t.cloexec, fd)
	}
	return 0
}

// Fork returns a copy of the table sharing every *vfs.OpenFile (POSIX fork
// semantics: fds are duplicated, not the underlying open-file state).
func (t *FDTable) Fork() *FDTable {
	t.lock.LockIRQSave()
	defer t.lock.UnlockIRQRestore()
	clone := NewFDTable()
	for fd, f := range t.files {
		f.Incref()
		clone.files[fd] = f
	}
	for fd := range t.cloexec {
		clone.cloexec[fd] = true
	}
	return clone
}

// Exec drops every close-on-exec descriptor, per POSIX execve semantics.
func (t *FDTable) Exec() {
	t.lock.LockIRQSave()
	toClose := make([]*vfs.OpenFile, 0, len(t.cloexec))
	for fd := range t.cloexec {
		toClose = append(toClose, t.files[fd])
		delete(t.files, fd)
		delete(t.cloexec, fd)
	}
	t.lock.UnlockIRQRestore()
	for _, f := range toClose {
		f.Close()
	}
}

// fdFlagBits is the per-descriptor flag word packed by kbitfield for
// /proc/<pid>/status's FDFlags line (spec.md §3 "per-descriptor
// close-on-exec flag" plus the open-mode bits fcntl(F_GETFL) reports).
type fdFlagBits struct {
	CloseOnExec bool   `bitfield:",1"`
	Mode        uint32 `bitfield:",3"`
}

// FlagsSnapshot packs each open descriptor's close-on-exec bit and open
// mode into one word via kbitfield.Pack, for procfs to render without
// reaching into FDTable internals.
func (t *FDTable) FlagsSnapshot() map[FD]uint64 {
	t.lock.LockIRQSave()
	defer t.lock.UnlockIRQRestore()
	out := make(map[FD]uint64, len(t.files))
	for fd, f := range t.files {
		bits := fdFlagBits{CloseOnExec: t.cloexec[fd], Mode: uint32(f.Flags) & 0x7}
		packed, err := kbitfield.Pack(bits, &kbitfield.Config{NumBits: 4})
		if err != nil {
			continue
		}
		out[fd] = packed
	}
	return out
}

// CloseAll releases every descriptor, for process exit. If other threads
// still share this table (CLONE_FILES), it only records one fewer sharer
// and leaves the descriptors open for the rest.
func (t *FDTable) CloseAll() {
	if atomic.AddInt32(&t.refs, -1) >= 0 {
		return
	}
	t.lock.LockIRQSave()
	files := make([]*vfs.OpenFile, 0, len(t.files))
	for _, f := range t.files {
		files = append(files, f)
	}
	t.files = map[FD]*vfs.OpenFile{}
	t.cloexec = map[FD]bool{}
	t.lock.UnlockIRQRestore()
	for _, f := range files {
		f.Close()
	}
}
