// Package overlayfs unions a writable upper directory over a read-only
// lower directory (spec.md §4.9 "pluggable backends"). Grounded on
// hanwen-go-fuse's unionfs package (unionfs/unionfs.go): branch 0 is
// writable, everything else is read-only, and a deletion in the upper
// branch is recorded as a whiteout rather than mutating the lower branch.
package overlayfs

import (
	"context"
	"sync"

	"github.com/mazarin-os/kernelcore/internal/kerrno"
	"github.com/mazarin-os/kernelcore/internal/vfs"
)

// Dir overlays one writable upper vfs.Node directory over one read-only
// lower directory. Only a single lower branch is modeled (spec.md scope);
// unionfs's N-branch stacking collapses to upper+lower here because the
// kernel only ever needs "container root over read-only image".
type Dir struct {
	mu       sync.RWMutex
	upper    upperDir
	lower    vfs.Node
	whiteout map[string]bool
}

// upperDir is the subset of memfs.Dir's surface overlayfs needs; kept as
// an interface so overlayfs doesn't import the memfs package directly and
// can sit over any writable DirLookuper/DirCreater/DirUnlinker backend.
type upperDir interface {
	vfs.Node
	vfs.DirLookuper
	vfs.DirReader
	vfs.DirCreater
	vfs.DirUnlinker
}

func New(upper upperDir, lower vfs.Node) *Dir {
	return &Dir{upper: upper, lower: lower, whiteout: map[string]bool{}}
}

var (
	_ vfs.Node        = (*Dir)(nil)
	_ vfs.DirLookuper = (*Dir)(nil)
	_ vfs.DirReader   = (*Dir)(nil)
	_ vfs.DirCreater  = (*Dir)(nil)
	_ vfs.DirUnlinker = (*Dir)(nil)
)

func (d *Dir) Attr(ctx context.Context) (vfs.Attr, kerrno.Errno) {
	return d.upper.Attr(ctx)
}

func (d *Dir) Lookup(ctx context.Context, name string) (vfs.Node, kerrno.Errno) {
	d.mu.RLock()
	whited := d.whiteout[name]
	d.mu.RUnlock()

	if n, errno := d.upper.Lookup(ctx, name); errno == 0 {
		return n, 0
	}
	if whited {
		return nil, kerrno.ENOENT
	}
	lk, ok := d.lower.(vfs.DirLookuper)
	if !ok {
		return nil, kerrno.ENOENT
	}
	return lk.Lookup(ctx, name)
}

func (d *Dir) Readdir(ctx context.Context) ([]vfs.DirEntry, kerrno.Errno) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	seen := map[string]bool{}
	var out []vfs.DirEntry

	upperEntries, _ := d.upper.Readdir(ctx)
	for _, e := range upperEntries {
		seen[e.Name] = true
		out = append(out, e)
	}
	if lr, ok := d.lower.(vfs.DirReader); ok {
		lowerEntries, _ := lr.Readdir(ctx)
		for _, e := range lowerEntries {
			if seen[e.Name] || d.whiteout[e.Name] {
				continue
			}
			out = append(out, e)
		}
	}
	return out, 0
}

func (d *Dir) Create(ctx context.Context, name string, kind vfs.NodeKind, mode uint32) (vfs.Node, kerrno.Errno) {
	n, errno := d.upper.Create(ctx, name, kind, mode)
	if errno != 0 {
		return nil, errno
	}
	d.mu.Lock()
	delete(d.whiteout, name)
	d.mu.Unlock()
	return n, 0
}

// Unlink always records a whiteout, even if the file only ever existed in
// the lower branch, so the lower branch itself is never written to
// (spec.md §4.9, grounded on unionfs's deletion-list approach).
func (d *Dir) Unlink(ctx context.Context, name string) kerrno.Errno {
	if _, errno := d.upper.Lookup(ctx, name); errno == 0 {
		_ = d.upper.Unlink(ctx, name)
	}
	d.mu.Lock()
	d.whiteout[name] = true
	d.mu.Unlock()
	return 0
}
