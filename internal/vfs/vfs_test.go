package vfs_test

import (
	"context"
	"testing"

	"github.com/mazarin-os/kernelcore/internal/vfs"
	"github.com/mazarin-os/kernelcore/internal/vfs/memfs"
	"github.com/stretchr/testify/require"
)

func TestResolveNestedPath(t *testing.T) {
	ctx := context.Background()
	root := memfs.NewDir(0755)
	sub, errno := root.Create(ctx, "etc", vfs.KindDir, 0755)
	require.Zero(t, errno)
	subDir := sub.(*memfs.Dir)
	_, errno = subDir.Create(ctx, "hostname", vfs.KindFile, 0644)
	require.Zero(t, errno)

	mt := vfs.NewMountTable(root)
	n, errno := mt.Resolve(ctx, "/etc/hostname")
	require.Zero(t, errno)
	require.NotNil(t, n)
}

func TestMountShadowsUnderlyingPath(t *testing.T) {
	ctx := context.Background()
	root := memfs.NewDir(0755)
	_, errno := root.Create(ctx, "mnt", vfs.KindDir, 0755)
	require.Zero(t, errno)

	mt := vfs.NewMountTable(root)
	overlay := memfs.NewDir(0755)
	_, errno = overlay.Create(ctx, "marker", vfs.KindFile, 0644)
	require.Zero(t, errno)

	errno = mt.Mount("/mnt", overlay)
	require.Zero(t, errno)

	n, errno := mt.Resolve(ctx, "/mnt/marker")
	require.Zero(t, errno)
	require.NotNil(t, n)

	_, errno = mt.Resolve(ctx, "/mnt")
	require.Zero(t, errno)
}

func TestSymlinkFollowedDuringResolve(t *testing.T) {
	ctx := context.Background()
	root := memfs.NewDir(0755)
	_, errno := root.Create(ctx, "real.txt", vfs.KindFile, 0644)
	require.Zero(t, errno)
	require.Zero(t, root.Link("link.txt", memfs.NewSymlink("/real.txt")))

	mt := vfs.NewMountTable(root)
	n, errno := mt.Resolve(ctx, "/link.txt")
	require.Zero(t, errno)
	attr, errno := n.(vfs.Node).Attr(ctx)
	require.Zero(t, errno)
	require.Equal(t, vfs.KindFile, attr.Kind)
}

func TestOpenFileReadWriteAdvancesOffset(t *testing.T) {
	ctx := context.Background()
	f := memfs.NewFile(0644)
	of := vfs.NewOpenFile(f, "/x", vfs.FlagRDWR)

	n, errno := of.Write(ctx, []byte("abcdef"))
	require.Zero(t, errno)
	require.Equal(t, 6, n)

	_, errno = of.Seek(ctx, 0, vfs.SeekSet)
	require.Zero(t, errno)

	buf := make([]byte, 3)
	n, errno = of.Read(ctx, buf)
	require.Zero(t, errno)
	require.Equal(t, 3, n)
	require.Equal(t, "abc", string(buf))

	n, errno = of.Read(ctx, buf)
	require.Zero(t, errno)
	require.Equal(t, "def", string(buf[:n]))
}
