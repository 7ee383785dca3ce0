// Package driver defines the kernel's external hardware-facing
// interfaces (spec.md §6 "Driver interfaces") and in-memory fakes for
// each, standing in for real hardware the way a hosted kernel must
// (SPEC_FULL.md §0/§1). Grounded on the teacher's src/mazboot/golang's
// direct MMIO/property-channel device access: the operations are the
// same (read/write bytes, block I/O, a monotonic tick source, a console),
// generalized behind interfaces so the rest of the kernel never knows
// whether it's talking to real silicon or a fake.
package driver

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)


// CharDevice is a byte-stream device: a serial console, a tty, /dev/null.
type CharDevice interface {
	Read(ctx context.Context, buf []byte) (int, int32)
	Write(ctx context.Context, buf []byte) (int, int32)
	ReadReady() bool
	WriteReady() bool
}

// BlockDevice is a fixed-geometry random-access byte store: a disk image.
type BlockDevice interface {
	Size() int64
	ReadAt(buf []byte, off int64) (int, int32)
	WriteAt(buf []byte, off int64) (int, int32)
}

// TimerSource is the monotonic tick source internal/ktime drives the
// kernel clock from (spec.md §4.10).
type TimerSource interface {
	// Ticks returns a monotonically increasing counter. Real hardware
	// would drive this from a timer interrupt; the fake advances it
	// explicitly so scheduler/sleep tests are deterministic.
	Ticks() uint64
}

// Console is the boot-time/panic output path, independent of any mounted
// devfs node, the way early boot code writes before the VFS exists.
type Console interface {
	WriteString(s string)
}

// Winsize is a terminal's reported geometry.
type Winsize struct {
	Rows uint16
	Cols uint16
}

// Terminal extends CharDevice with the controlling-terminal controls
// reachable only through ioctl (spec.md §4.9): window size and the
// foreground process group the TTY signals on Ctrl-C/Ctrl-Z/Ctrl-\.
type Terminal interface {
	CharDevice
	Winsize() Winsize
	SetWinsize(Winsize)
	ForegroundPgrp() int32
	SetForegroundPgrp(int32)
}

// FakeChar is an in-memory CharDevice: writes accumulate in Written,
// reads drain a caller-seeded Buffered queue. Grounded on SPEC_FULL.md §6
// "in-memory fakes for every driver interface, so the full syscall
// surface is testable without real hardware."
type FakeChar struct {
	mu       sync.Mutex
	Written  []byte
	buffered []byte
	winsize  Winsize
	fgPgrp   int32
}

func NewFakeChar() *FakeChar { return &FakeChar{} }

// Feed appends bytes a test wants a subsequent Read to return, simulating
// input arriving from a real console.
func (f *FakeChar) Feed(b []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buffered = append(f.buffered, b...)
}

func (f *FakeChar) Read(ctx context.Context, buf []byte) (int, int32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := copy(buf, f.buffered)
	f.buffered = f.buffered[n:]
	return n, 0
}

func (f *FakeChar) Write(ctx context.Context, buf []byte) (int, int32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Written = append(f.Written, buf...)
	return len(buf), 0
}

func (f *FakeChar) ReadReady() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.buffered) > 0
}

func (f *FakeChar) WriteReady() bool { return true }

var _ CharDevice = (*FakeChar)(nil)
var _ Console = (*FakeChar)(nil)
var _ Terminal = (*FakeChar)(nil)

func (f *FakeChar) WriteString(s string) {
	_, _ = f.Write(context.Background(), []byte(s))
}

func (f *FakeChar) Winsize() Winsize {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.winsize
}

func (f *FakeChar) SetWinsize(ws Winsize) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.winsize = ws
}

func (f *FakeChar) ForegroundPgrp() int32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fgPgrp
}

func (f *FakeChar) SetForegroundPgrp(pgrp int32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fgPgrp = pgrp
}

// FakeBlock is an in-memory BlockDevice backed by a byte slice.
type FakeBlock struct {
	mu   sync.Mutex
	data []byte
}

func NewFakeBlock(size int64) *FakeBlock {
	return &FakeBlock{data: make([]byte, size)}
}

func (b *FakeBlock) Size() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(len(b.data))
}

func (b *FakeBlock) ReadAt(buf []byte, off int64) (int, int32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if off >= int64(len(b.data)) {
		return 0, 0
	}
	return copy(buf, b.data[off:]), 0
}

func (b *FakeBlock) WriteAt(buf []byte, off int64) (int, int32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	end := off + int64(len(buf))
	if end > int64(len(b.data)) {
		return 0, 28 // ENOSPC, kept numeric to avoid importing kerrno into a driver-only fake
	}
	return copy(b.data[off:end], buf), 0
}

var _ BlockDevice = (*FakeBlock)(nil)

// FakeTimer is a TimerSource a test advances explicitly.
type FakeTimer struct {
	mu    sync.Mutex
	ticks uint64
}

func (t *FakeTimer) Ticks() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ticks
}

// Advance moves the fake clock forward by n ticks, simulating n timer
// interrupts firing.
func (t *FakeTimer) Advance(n uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ticks += n
}

var _ TimerSource = (*FakeTimer)(nil)

// WallTimer is a TimerSource that advances itself once per period, driven
// by a real time.Ticker, standing in for the hardware timer interrupt the
// teacher's src/mazboot/golang/main/kernel.go (timerInit/timerListenerLoop)
// fielded from real silicon. Run must be started once, in its own
// goroutine, before anything reads Ticks expecting it to move.
type WallTimer struct {
	ticks uint64 // atomic
}

func NewWallTimer() *WallTimer { return &WallTimer{} }

func (w *WallTimer) Ticks() uint64 {
	return atomic.LoadUint64(&w.ticks)
}

// Run advances the tick counter by one every period until ctx is canceled.
func (w *WallTimer) Run(ctx context.Context, period time.Duration) {
	t := time.NewTicker(period)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			atomic.AddUint64(&w.ticks, 1)
		}
	}
}

var _ TimerSource = (*WallTimer)(nil)
