package devfs_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mazarin-os/kernelcore/internal/driver"
	"github.com/mazarin-os/kernelcore/internal/kerrno"
	"github.com/mazarin-os/kernelcore/internal/vfs"
	"github.com/mazarin-os/kernelcore/internal/vfs/devfs"
)

func TestCharNodeWriteFeedsDeviceAndReadDrainsIt(t *testing.T) {
	ctx := context.Background()
	fake := driver.NewFakeChar()
	node := devfs.NewCharNode(fake, 7)

	n, errno := node.WriteAt(ctx, []byte("hello"), 0)
	require.Zero(t, errno)
	require.Equal(t, 5, n)
	require.Equal(t, []byte("hello"), fake.Written)

	fake.Feed([]byte("world"))
	buf := make([]byte, 5)
	n, errno = node.ReadAt(ctx, buf, 0)
	require.Zero(t, errno)
	require.Equal(t, 5, n)
	require.Equal(t, "world", string(buf))
}

func TestBlockNodeReadWriteAtOffset(t *testing.T) {
	ctx := context.Background()
	fake := driver.NewFakeBlock(4096)
	node := devfs.NewBlockNode(fake, 3)

	n, errno := node.WriteAt(ctx, []byte("abc"), 512)
	require.Zero(t, errno)
	require.Equal(t, 3, n)

	buf := make([]byte, 3)
	n, errno = node.ReadAt(ctx, buf, 512)
	require.Zero(t, errno)
	require.Equal(t, "abc", string(buf[:n]))

	attr, errno := node.Attr(ctx)
	require.Zero(t, errno)
	require.Equal(t, vfs.KindBlockDevice, attr.Kind)
	require.EqualValues(t, 4096, attr.Size)
}

func TestCharNodeIoctlWinsizeRoundTrip(t *testing.T) {
	ctx := context.Background()
	fake := driver.NewFakeChar()
	node := devfs.NewCharNode(fake, 7)

	set := []byte{24, 0, 80, 0} // rows=24, cols=80
	require.Zero(t, node.Ioctl(ctx, vfs.IoctlSetWinsize, set))
	require.Equal(t, driver.Winsize{Rows: 24, Cols: 80}, fake.Winsize())

	got := make([]byte, 4)
	require.Zero(t, node.Ioctl(ctx, vfs.IoctlGetWinsize, got))
	require.Equal(t, set, got)
}

func TestCharNodeIoctlForegroundPgrp(t *testing.T) {
	ctx := context.Background()
	fake := driver.NewFakeChar()
	node := devfs.NewCharNode(fake, 7)

	require.Zero(t, node.Ioctl(ctx, vfs.IoctlSetPgrp, []byte{42, 0, 0, 0}))
	require.EqualValues(t, 42, fake.ForegroundPgrp())

	got := make([]byte, 4)
	require.Zero(t, node.Ioctl(ctx, vfs.IoctlGetPgrp, got))
	require.Equal(t, []byte{42, 0, 0, 0}, got)
}

// A char device that is not a terminal has nothing for ioctl to control.
type rawChar struct{ driver.CharDevice }

func TestCharNodeIoctlOnNonTerminalReportsENOTTY(t *testing.T) {
	node := devfs.NewCharNode(rawChar{driver.NewFakeChar()}, 7)
	errno := node.Ioctl(context.Background(), vfs.IoctlGetWinsize, make([]byte, 4))
	require.Equal(t, kerrno.ENOTTY, errno)
}
