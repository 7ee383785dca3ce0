package overlayfs_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mazarin-os/kernelcore/internal/kerrno"
	"github.com/mazarin-os/kernelcore/internal/vfs"
	"github.com/mazarin-os/kernelcore/internal/vfs/memfs"
	"github.com/mazarin-os/kernelcore/internal/vfs/overlayfs"
)

func TestOverlayReadsThroughToLowerUntilShadowed(t *testing.T) {
	ctx := context.Background()
	lower := memfs.NewDir(0755)
	_, errno := lower.Create(ctx, "base.txt", vfs.KindFile, 0644)
	require.Zero(t, errno)

	upper := memfs.NewDir(0755)
	ov := overlayfs.New(upper, lower)

	n, errno := ov.Lookup(ctx, "base.txt")
	require.Zero(t, errno)
	require.NotNil(t, n)

	_, errno = upper.Create(ctx, "base.txt", vfs.KindFile, 0644)
	require.Zero(t, errno)
	shadowed, errno := ov.Lookup(ctx, "base.txt")
	require.Zero(t, errno)
	require.NotSame(t, n, shadowed)
}

func TestOverlayUnlinkWhiteoutsLowerWithoutMutatingIt(t *testing.T) {
	ctx := context.Background()
	lower := memfs.NewDir(0755)
	_, errno := lower.Create(ctx, "gone.txt", vfs.KindFile, 0644)
	require.Zero(t, errno)

	upper := memfs.NewDir(0755)
	ov := overlayfs.New(upper, lower)

	require.Zero(t, ov.Unlink(ctx, "gone.txt"))

	_, errno = ov.Lookup(ctx, "gone.txt")
	require.Equal(t, kerrno.ENOENT, errno)

	_, errno = lower.Lookup(ctx, "gone.txt")
	require.Zero(t, errno) // lower branch itself is untouched
}

func TestOverlayReaddirMergesBranchesWithoutDuplicates(t *testing.T) {
	ctx := context.Background()
	lower := memfs.NewDir(0755)
	_, errno := lower.Create(ctx, "shared.txt", vfs.KindFile, 0644)
	require.Zero(t, errno)
	_, errno = lower.Create(ctx, "lower-only.txt", vfs.KindFile, 0644)
	require.Zero(t, errno)

	upper := memfs.NewDir(0755)
	_, errno = upper.Create(ctx, "shared.txt", vfs.KindFile, 0644)
	require.Zero(t, errno)
	_, errno = upper.Create(ctx, "upper-only.txt", vfs.KindFile, 0644)
	require.Zero(t, errno)

	ov := overlayfs.New(upper, lower)
	entries, errno := ov.Readdir(ctx)
	require.Zero(t, errno)

	names := map[string]int{}
	for _, e := range entries {
		names[e.Name]++
	}
	require.Equal(t, 1, names["shared.txt"])
	require.Equal(t, 1, names["lower-only.txt"])
	require.Equal(t, 1, names["upper-only.txt"])
}
