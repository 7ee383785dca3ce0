// Package memfs is an in-memory filesystem backend: regular files backed
// by a byte slice, directories backed by a name map. Grounded on
// hanwen-go-fuse's fs.MemRegularFile/fs.Inode (fs/mem.go, fs/inode.go),
// adapted from a read-only, fixed-attribute FUSE node into a writable,
// growable vfs.Node that also satisfies vfs.DirCreater/DirUnlinker so it
// can serve as the kernel's root filesystem (spec.md §4.9).
package memfs

import (
	"context"
	"sort"
	"sync"

	"github.com/mazarin-os/kernelcore/internal/kerrno"
	"github.com/mazarin-os/kernelcore/internal/vfs"
)

var nextInode uint64 = 1

func allocInode() uint64 {
	nextInode++
	return nextInode
}

// File is a regular file whose contents live entirely in a Go slice.
type File struct {
	mu       sync.RWMutex
	data     []byte
	mode     uint32
	ino      uint64
	uid, gid uint32
}

func NewFile(mode uint32) *File {
	return &File{mode: mode, ino: allocInode()}
}

var (
	_ vfs.Node      = (*File)(nil)
	_ vfs.Reader    = (*File)(nil)
	_ vfs.Writer    = (*File)(nil)
	_ vfs.Truncater = (*File)(nil)
	_ vfs.Owner     = (*File)(nil)
)

func (f *File) Attr(ctx context.Context) (vfs.Attr, kerrno.Errno) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return vfs.Attr{Kind: vfs.KindFile, Size: int64(len(f.data)), Mode: f.mode, Nlink: 1, Inode: f.ino, Uid: f.uid, Gid: f.gid}, 0
}

func (f *File) SetOwner(uid, gid uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uid, f.gid = uid, gid
}

func (f *File) ReadAt(ctx context.Context, buf []byte, off int64) (int, kerrno.Errno) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if off >= int64(len(f.data)) {
		return 0, 0
	}
	n := copy(buf, f.data[off:])
	return n, 0
}

func (f *File) WriteAt(ctx context.Context, buf []byte, off int64) (int, kerrno.Errno) {
	f.mu.Lock()
	defer f.mu.Unlock()
	end := off + int64(len(buf))
	if end > int64(len(f.data)) {
		grown := make([]byte, end)
		copy(grown, f.data)
		f.data = grown
	}
	copy(f.data[off:end], buf)
	return len(buf), 0
}

func (f *File) Truncate(ctx context.Context, size int64) kerrno.Errno {
	f.mu.Lock()
	defer f.mu.Unlock()
	if size <= int64(len(f.data)) {
		f.data = f.data[:size]
		return 0
	}
	grown := make([]byte, size)
	copy(grown, f.data)
	f.data = grown
	return 0
}

// Dir is an in-memory directory: a name-to-Node map. parent is a
// non-owning back-reference used only to answer ".." in Readdir (the
// child->parent cyclic link resolved the way spec.md §9 prescribes for
// cyclic structures: an index-like reference, not shared ownership); a
// root directory is its own parent.
type Dir struct {
	mu       sync.RWMutex
	children map[string]vfs.Node
	mode     uint32
	ino      uint64
	parent   *Dir
	uid, gid uint32
}

func NewDir(mode uint32) *Dir {
	d := &Dir{children: map[string]vfs.Node{}, mode: mode, ino: allocInode()}
	d.parent = d
	return d
}

var (
	_ vfs.Node        = (*Dir)(nil)
	_ vfs.DirLookuper = (*Dir)(nil)
	_ vfs.DirReader   = (*Dir)(nil)
	_ vfs.DirCreater  = (*Dir)(nil)
	_ vfs.DirUnlinker = (*Dir)(nil)
	_ vfs.Owner       = (*Dir)(nil)
)

func (d *Dir) Attr(ctx context.Context) (vfs.Attr, kerrno.Errno) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return vfs.Attr{Kind: vfs.KindDir, Mode: d.mode, Nlink: 2, Inode: d.ino, Uid: d.uid, Gid: d.gid}, 0
}

func (d *Dir) SetOwner(uid, gid uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.uid, d.gid = uid, gid
}

func (d *Dir) Lookup(ctx context.Context, name string) (vfs.Node, kerrno.Errno) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	n, ok := d.children[name]
	if !ok {
		return nil, kerrno.ENOENT
	}
	return n, 0
}

func (d *Dir) Readdir(ctx context.Context) ([]vfs.DirEntry, kerrno.Errno) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]vfs.DirEntry, 0, len(d.children)+2)
	out = append(out, vfs.DirEntry{Name: ".", Kind: vfs.KindDir, Inode: d.ino})
	out = append(out, vfs.DirEntry{Name: "..", Kind: vfs.KindDir, Inode: d.parent.ino})
	names := make([]string, 0, len(d.children))
	for name := range d.children {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		attr, _ := d.children[name].Attr(ctx)
		out = append(out, vfs.DirEntry{Name: name, Kind: attr.Kind, Inode: attr.Inode})
	}
	return out, 0
}

func (d *Dir) Create(ctx context.Context, name string, kind vfs.NodeKind, mode uint32) (vfs.Node, kerrno.Errno) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.children[name]; exists {
		return nil, kerrno.EEXIST
	}
	var n vfs.Node
	switch kind {
	case vfs.KindDir:
		child := NewDir(mode)
		child.parent = d
		n = child
	default:
		n = NewFile(mode)
	}
	d.children[name] = n
	return n, 0
}

// Link grafts an already-constructed node (a device, pipe, or symlink)
// into the directory, for backends composing memfs directories with
// non-memfs leaf nodes (devfs, pipefs).
func (d *Dir) Link(name string, n vfs.Node) kerrno.Errno {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.children[name]; exists {
		return kerrno.EEXIST
	}
	if child, ok := n.(*Dir); ok {
		child.parent = d
	}
	d.children[name] = n
	return 0
}

func (d *Dir) Unlink(ctx context.Context, name string) kerrno.Errno {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.children[name]; !ok {
		return kerrno.ENOENT
	}
	delete(d.children, name)
	return 0
}

// Symlink is an in-memory symbolic link.
type Symlink struct {
	target string
	ino    uint64
}

func NewSymlink(target string) *Symlink {
	return &Symlink{target: target, ino: allocInode()}
}

var (
	_ vfs.Node      = (*Symlink)(nil)
	_ vfs.Symlinker = (*Symlink)(nil)
)

func (s *Symlink) Attr(ctx context.Context) (vfs.Attr, kerrno.Errno) {
	return vfs.Attr{Kind: vfs.KindSymlink, Size: int64(len(s.target)), Mode: 0777, Nlink: 1, Inode: s.ino}, 0
}

func (s *Symlink) Readlink(ctx context.Context) (string, kerrno.Errno) {
	return s.target, 0
}
