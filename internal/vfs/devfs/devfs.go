// Package devfs exposes driver-backed character and block devices as VFS
// nodes under /dev (spec.md §4.9, §6 "Driver interfaces"). Grounded on the
// teacher's src/mazboot/golang/main/mmu.go and kernel.go, which drove a
// real UART/property-channel device directly; here the device is any
// implementation of the driver interfaces in internal/driver, so the same
// node code serves a real backend or the in-memory fakes SPEC_FULL.md §6
// specifies for testing.
package devfs

import (
	"context"

	"github.com/mazarin-os/kernelcore/internal/driver"
	"github.com/mazarin-os/kernelcore/internal/kerrno"
	"github.com/mazarin-os/kernelcore/internal/vfs"
)

// CharNode adapts a driver.CharDevice to a vfs.Node.
type CharNode struct {
	dev driver.CharDevice
	ino uint64
}

func NewCharNode(dev driver.CharDevice, ino uint64) *CharNode {
	return &CharNode{dev: dev, ino: ino}
}

var (
	_ vfs.Node    = (*CharNode)(nil)
	_ vfs.Reader  = (*CharNode)(nil)
	_ vfs.Writer  = (*CharNode)(nil)
	_ vfs.Poller  = (*CharNode)(nil)
	_ vfs.Ioctler = (*CharNode)(nil)
)

func (c *CharNode) Attr(ctx context.Context) (vfs.Attr, kerrno.Errno) {
	return vfs.Attr{Kind: vfs.KindCharDevice, Mode: 0666, Nlink: 1, Inode: c.ino}, 0
}

// ReadAt ignores off: character devices are not seekable (spec.md §4.9).
func (c *CharNode) ReadAt(ctx context.Context, buf []byte, off int64) (int, kerrno.Errno) {
	n, errno := c.dev.Read(ctx, buf)
	return n, kerrno.Errno(errno)
}

func (c *CharNode) WriteAt(ctx context.Context, buf []byte, off int64) (int, kerrno.Errno) {
	n, errno := c.dev.Write(ctx, buf)
	return n, kerrno.Errno(errno)
}

// Ioctl answers the terminal control requests spec.md §4.9 routes
// exclusively through ioctl. A CharDevice that is not a driver.Terminal
// (a bare serial line, /dev/null) has no terminal state to expose and
// reports ENOTTY.
func (c *CharNode) Ioctl(ctx context.Context, req uint32, buf []byte) kerrno.Errno {
	term, ok := c.dev.(driver.Terminal)
	if !ok {
		return kerrno.ENOTTY
	}
	if len(buf) < 4 {
		return kerrno.EINVAL
	}
	switch req {
	case vfs.IoctlGetWinsize:
		ws := term.Winsize()
		putLE16(buf[0:2], ws.Rows)
		putLE16(buf[2:4], ws.Cols)
	case vfs.IoctlSetWinsize:
		term.SetWinsize(driver.Winsize{Rows: getLE16(buf[0:2]), Cols: getLE16(buf[2:4])})
	case vfs.IoctlGetPgrp:
		putLE32(buf[0:4], uint32(term.ForegroundPgrp()))
	case vfs.IoctlSetPgrp:
		term.SetForegroundPgrp(int32(getLE32(buf[0:4])))
	default:
		return kerrno.EINVAL
	}
	return 0
}

func putLE16(b []byte, v uint16) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
}

func getLE16(b []byte) uint16 {
	return uint16(b[0]) | uint16(b[1])<<8
}

func putLE32(b []byte, v uint32) {
	putLE16(b[0:2], uint16(v))
	putLE16(b[2:4], uint16(v>>16))
}

func getLE32(b []byte) uint32 {
	return uint32(getLE16(b[0:2])) | uint32(getLE16(b[2:4]))<<16
}

func (c *CharNode) PollReady(ctx context.Context, mask vfs.PollMask) vfs.PollMask {
	var out vfs.PollMask
	if mask&vfs.PollIn != 0 && c.dev.ReadReady() {
		out |= vfs.PollIn
	}
	if mask&vfs.PollOut != 0 && c.dev.WriteReady() {
		out |= vfs.PollOut
	}
	return out
}

// BlockNode adapts a driver.BlockDevice to a vfs.Node.
type BlockNode struct {
	dev driver.BlockDevice
	ino uint64
}

func NewBlockNode(dev driver.BlockDevice, ino uint64) *BlockNode {
	return &BlockNode{dev: dev, ino: ino}
}

var (
	_ vfs.Node      = (*BlockNode)(nil)
	_ vfs.Reader    = (*BlockNode)(nil)
	_ vfs.Writer    = (*BlockNode)(nil)
	_ vfs.Truncater = (*BlockNode)(nil)
)

func (b *BlockNode) Attr(ctx context.Context) (vfs.Attr, kerrno.Errno) {
	return vfs.Attr{Kind: vfs.KindBlockDevice, Size: b.dev.Size(), Mode: 0660, Nlink: 1, Inode: b.ino}, 0
}

func (b *BlockNode) ReadAt(ctx context.Context, buf []byte, off int64) (int, kerrno.Errno) {
	n, errno := b.dev.ReadAt(buf, off)
	return n, kerrno.Errno(errno)
}

func (b *BlockNode) WriteAt(ctx context.Context, buf []byte, off int64) (int, kerrno.Errno) {
	n, errno := b.dev.WriteAt(buf, off)
	return n, kerrno.Errno(errno)
}

// Truncate changes nothing on a fixed-geometry block device: a size equal
// to the device's own succeeds, any other size returns EINVAL.
func (b *BlockNode) Truncate(ctx context.Context, size int64) kerrno.Errno {
	if size != b.dev.Size() {
		return kerrno.EINVAL
	}
	return 0
}
