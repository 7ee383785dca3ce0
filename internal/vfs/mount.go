package vfs

import (
	"context"
	"strings"

	"github.com/mazarin-os/kernelcore/internal/kerrno"
	"github.com/mazarin-os/kernelcore/internal/klog"
	"github.com/mazarin-os/kernelcore/internal/ksync"
)

var log = klog.Named("vfs")

// mount records one filesystem's root Node grafted onto a path in the
// global namespace (spec.md §4.9 "Mount table").
type mount struct {
	path string // normalized, no trailing slash except root ("/")
	root Node
}

// MountTable is the kernel's single global namespace: an ordered list of
// mounts, longest-prefix-wins, matching Linux's mount stacking (spec.md
// §4.9).
type MountTable struct {
	lock   ksync.SpinLock
	mounts []mount
}

func NewMountTable(root Node) *MountTable {
	return &MountTable{mounts: []mount{{path: "/", root: root}}}
}

// Mount grafts root at path, shadowing whatever was previously visible
// there. Returns EEXIST if something is already mounted at exactly path.
func (mt *MountTable) Mount(path string, root Node) kerrno.Errno {
	path = normalize(path)
	mt.lock.LockIRQSave()
	defer mt.lock.UnlockIRQRestore()
	for _, m := range mt.mounts {
		if m.path == path {
			return kerrno.EEXIST
		}
	}
	mt.mounts = append(mt.mounts, mount{path: path, root: root})
	log.Infow("mounted", "path", path)
	return 0
}

// Unmount removes the mount at exactly path.
func (mt *MountTable) Unmount(path string) kerrno.Errno {
	path = normalize(path)
	mt.lock.LockIRQSave()
	defer mt.lock.UnlockIRQRestore()
	for i, m := range mt.mounts {
		if m.path == path {
			if path == "/" {
				return kerrno.EBUSY
			}
			mt.mounts = append(mt.mounts[:i], mt.mounts[i+1:]...)
			return 0
		}
	}
	return kerrno.ENOENT
}

// resolveMount finds the mount with the longest path prefix matching
// path, and the remainder path relative to that mount's root.
func (mt *MountTable) resolveMount(path string) (mount, string) {
	mt.lock.LockIRQSave()
	defer mt.lock.UnlockIRQRestore()
	best := mt.mounts[0]
	for _, m := range mt.mounts {
		if m.path == "/" {
			continue
		}
		if path == m.path || strings.HasPrefix(path, m.path+"/") {
			if len(m.path) > len(best.path) {
				best = m
			}
		}
	}
	rel := strings.TrimPrefix(path, best.path)
	rel = strings.TrimPrefix(rel, "/")
	return best, rel
}

// Resolve walks path component-by-component from the owning mount's root,
// per spec.md §4.9's path resolution algorithm. Symlinks are followed up
// to maxSymlinkDepth to guard against loops.
func (mt *MountTable) Resolve(ctx context.Context, path string) (Node, kerrno.Errno) {
	return mt.resolveDepth(ctx, path, 0)
}

const maxSymlinkDepth = 16

func (mt *MountTable) resolveDepth(ctx context.Context, path string, depth int) (Node, kerrno.Errno) {
	if depth > maxSymlinkDepth {
		return nil, kerrno.ELOOP
	}
	path = normalize(path)
	m, rel := mt.resolveMount(path)
	cur := m.root
	if rel == "" {
		return cur, 0
	}
	for _, comp := range strings.Split(rel, "/") {
		if comp == "" {
			continue
		}
		lk, ok := cur.(DirLookuper)
		if !ok {
			return nil, kerrno.ENOTDIR
		}
		next, errno := lk.Lookup(ctx, comp)
		if errno != 0 {
			return nil, errno
		}
		if sl, ok := next.(Symlinker); ok {
			target, errno := sl.Readlink(ctx)
			if errno != 0 {
				return nil, errno
			}
			if !strings.HasPrefix(target, "/") {
				target = path + "/" + target
			}
			resolved, errno := mt.resolveDepth(ctx, target, depth+1)
			if errno != 0 {
				return nil, errno
			}
			next = resolved
		}
		cur = next
	}
	return cur, 0
}

// ResolveParent resolves every component but the last, returning the
// parent directory Node and the final component name — used by create,
// unlink, and rename.
func (mt *MountTable) ResolveParent(ctx context.Context, path string) (Node, string, kerrno.Errno) {
	path = normalize(path)
	idx := strings.LastIndex(path, "/")
	parentPath := path[:idx]
	if parentPath == "" {
		parentPath = "/"
	}
	name := path[idx+1:]
	if name == "" {
		return nil, "", kerrno.EINVAL
	}
	parent, errno := mt.Resolve(ctx, parentPath)
	return parent, name, errno
}

func normalize(path string) string {
	if path == "" {
		return "/"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	parts := strings.Split(path, "/")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		switch p {
		case "", ".":
		case "..":
			if len(out) > 0 {
				out = out[:len(out)-1]
			}
		default:
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return "/"
	}
	return "/" + strings.Join(out, "/")
}
