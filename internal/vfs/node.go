// Package vfs implements the kernel's virtual filesystem layer (spec.md
// §4.9): a mount table over a tree of Nodes, path resolution, and
// pluggable backends. The Node/optional-interface split is grounded on
// hanwen-go-fuse's fs package (fs/api.go): a filesystem backend only
// implements the operations it actually supports (Reader, Writer,
// DirLookuper, ...), and the VFS core type-asserts for each one instead of
// forcing every backend to implement a single enormous interface.
package vfs

import (
	"context"

	"github.com/mazarin-os/kernelcore/internal/kerrno"
)

// NodeKind classifies what a Node is, independent of which optional
// operation interfaces it implements.
type NodeKind int

const (
	KindFile NodeKind = iota
	KindDir
	KindCharDevice
	KindBlockDevice
	KindFIFO
	KindSymlink
)

// Attr is the subset of stat(2) fields the kernel tracks for a Node
// (spec.md §4.9 "Node attributes").
type Attr struct {
	Kind  NodeKind
	Size  int64
	Mode  uint32
	Nlink uint32
	Inode uint64
	Uid   uint32
	Gid   uint32
}

// Node is the minimal VFS object: something with identity and attributes.
// Everything else (read, write, directory listing, ...) is an optional
// interface a backend implements only when it applies, per the
// go-fuse-derived pattern described at the package level.
type Node interface {
	Attr(ctx context.Context) (Attr, kerrno.Errno)
}

// Reader is implemented by Nodes that support pread-style access.
type Reader interface {
	ReadAt(ctx context.Context, buf []byte, off int64) (int, kerrno.Errno)
}

// Writer is implemented by Nodes that support pwrite-style access.
type Writer interface {
	WriteAt(ctx context.Context, buf []byte, off int64) (int, kerrno.Errno)
}

// Truncater is implemented by Nodes supporting ftruncate.
type Truncater interface {
	Truncate(ctx context.Context, size int64) kerrno.Errno
}

// DirLookuper is implemented by directory Nodes: resolve one path
// component to a child Node.
type DirLookuper interface {
	Lookup(ctx context.Context, name string) (Node, kerrno.Errno)
}

// DirReader is implemented by directory Nodes that support getdents.
type DirReader interface {
	Readdir(ctx context.Context) ([]DirEntry, kerrno.Errno)
}

// DirEntry is one entry returned by Readdir.
type DirEntry struct {
	Name  string
	Kind  NodeKind
	Inode uint64
}

// DirCreater is implemented by directory Nodes that support create/mkdir.
type DirCreater interface {
	Create(ctx context.Context, name string, kind NodeKind, mode uint32) (Node, kerrno.Errno)
}

// DirUnlinker is implemented by directory Nodes that support
// unlink/rmdir.
type DirUnlinker interface {
	Unlink(ctx context.Context, name string) kerrno.Errno
}

// Poller is implemented by Nodes supporting poll/select readiness
// queries (spec.md §4.8 poll/select syscalls) — pipes, char devices,
// sockets.
type Poller interface {
	PollReady(ctx context.Context, mask PollMask) PollMask
}

// PollMask mirrors the POLLIN/POLLOUT bit vocabulary.
type PollMask uint32

const (
	PollIn  PollMask = 1 << 0
	PollOut PollMask = 1 << 1
	PollErr PollMask = 1 << 2
	PollHup PollMask = 1 << 3
)

// Ioctler is implemented by device Nodes that answer ioctl requests —
// the only way to set terminal parameters, read the window size, or set
// the foreground process group (spec.md §4.9). buf is the kernel-side
// copy of the request payload: filled in by the node for a get request,
// pre-populated from user space for a set request.
type Ioctler interface {
	Ioctl(ctx context.Context, req uint32, buf []byte) kerrno.Errno
}

// ioctl request numbers, matching the traditional termios vocabulary.
const (
	IoctlGetPgrp    uint32 = 0x540F // TIOCGPGRP
	IoctlSetPgrp    uint32 = 0x5410 // TIOCSPGRP
	IoctlGetWinsize uint32 = 0x5413 // TIOCGWINSZ
	IoctlSetWinsize uint32 = 0x5414 // TIOCSWINSZ
)

// Symlinker is implemented by Nodes representing symbolic links.
type Symlinker interface {
	Readlink(ctx context.Context) (string, kerrno.Errno)
}

// Owner is implemented by Nodes that track a creator uid/gid, letting
// DirCreater.Create's result be stamped with the caller's credentials
// without widening Create's own signature (spec.md §4.9 owner/group/other
// permission bits).
type Owner interface {
	SetOwner(uid, gid uint32)
}
