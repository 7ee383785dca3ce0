// Package pipefs implements anonymous pipes as a pair of vfs.Nodes
// sharing one bounded ring buffer (spec.md §4.8 pipe(2), §4.9 "pluggable
// backends"). Grounded on the synchronization discipline of
// internal/ksync.Mailbox (itself adapted from the teacher's
// src/mazboot/golang/main/mailbox.go not-empty/not-full handshake):
// a pipe is a byte ring buffer paired with not-empty/not-full semaphores,
// with read/write ends that each close independently.
package pipefs

import (
	"context"

	"github.com/mazarin-os/kernelcore/internal/kerrno"
	"github.com/mazarin-os/kernelcore/internal/ksync"
	"github.com/mazarin-os/kernelcore/internal/vfs"
)

const capacity = 64 * 1024

// pipe is the shared state between a pipe's two ends.
type pipe struct {
	lock       ksync.SpinLock
	buf        []byte
	head       int
	count      int
	readOpen   bool
	writeOpen  bool
	notEmpty   *ksync.Sem
	notFull    *ksync.Sem
}

// New creates a connected read end and write end, per spec.md's pipe(2).
func New(sched ksync.Scheduler) (*ReadEnd, *WriteEnd) {
	p := &pipe{
		buf:       make([]byte, capacity),
		readOpen:  true,
		writeOpen: true,
		notEmpty:  ksync.NewSem(sched, 0),
		notFull:   ksync.NewSem(sched, capacity),
	}
	return &ReadEnd{p: p}, &WriteEnd{p: p}
}

// ReadEnd is the readable half of a pipe.
type ReadEnd struct{ p *pipe }

var (
	_ vfs.Node     = (*ReadEnd)(nil)
	_ vfs.Reader   = (*ReadEnd)(nil)
	_ vfs.Poller   = (*ReadEnd)(nil)
	_ vfs.Releaser = (*ReadEnd)(nil)
)

func (r *ReadEnd) Attr(ctx context.Context) (vfs.Attr, kerrno.Errno) {
	return vfs.Attr{Kind: vfs.KindFIFO, Mode: 0600}, 0
}

// ReadAt ignores off: pipes have no concept of a seekable position
// (spec.md §4.9, same rule as char devices).
func (r *ReadEnd) ReadAt(ctx context.Context, buf []byte, off int64) (int, kerrno.Errno) {
	p := r.p
	for {
		p.lock.LockIRQSave()
		if p.count > 0 {
			n := copy(buf, wrap(p.buf, p.head, p.count))
			p.head = (p.head + n) % len(p.buf)
			p.count -= n
			p.lock.UnlockIRQRestore()
			p.notFull.Signal()
			return n, 0
		}
		writerGone := !p.writeOpen
		p.lock.UnlockIRQRestore()
		if writerGone {
			return 0, 0 // EOF
		}
		if err := p.notEmpty.Wait(); err != nil {
			return 0, kerrno.EINTR
		}
	}
}

func (r *ReadEnd) PollReady(ctx context.Context, mask vfs.PollMask) vfs.PollMask {
	p := r.p
	p.lock.LockIRQSave()
	defer p.lock.UnlockIRQRestore()
	var out vfs.PollMask
	if mask&vfs.PollIn != 0 && (p.count > 0 || !p.writeOpen) {
		out |= vfs.PollIn
	}
	return out
}

func (r *ReadEnd) Release(ctx context.Context) {
	p := r.p
	p.lock.LockIRQSave()
	p.readOpen = false
	p.lock.UnlockIRQRestore()
	p.notFull.Signal()
}

// WriteEnd is the writable half of a pipe.
type WriteEnd struct{ p *pipe }

var (
	_ vfs.Node     = (*WriteEnd)(nil)
	_ vfs.Writer   = (*WriteEnd)(nil)
	_ vfs.Poller   = (*WriteEnd)(nil)
	_ vfs.Releaser = (*WriteEnd)(nil)
)

func (w *WriteEnd) Attr(ctx context.Context) (vfs.Attr, kerrno.Errno) {
	return vfs.Attr{Kind: vfs.KindFIFO, Mode: 0600}, 0
}

func (w *WriteEnd) WriteAt(ctx context.Context, buf []byte, off int64) (int, kerrno.Errno) {
	p := w.p
	written := 0
	for written < len(buf) {
		p.lock.LockIRQSave()
		if !p.readOpen {
			p.lock.UnlockIRQRestore()
			return written, kerrno.EPIPE
		}
		free := len(p.buf) - p.count
		if free == 0 {
			p.lock.UnlockIRQRestore()
			if err := p.notFull.Wait(); err != nil {
				return written, kerrno.EINTR
			}
			continue
		}
		n := copy(wrap(p.buf, (p.head+p.count)%len(p.buf), free), buf[written:])
		p.count += n
		written += n
		p.lock.UnlockIRQRestore()
		p.notEmpty.Signal()
	}
	return written, 0
}

func (w *WriteEnd) PollReady(ctx context.Context, mask vfs.PollMask) vfs.PollMask {
	p := w.p
	p.lock.LockIRQSave()
	defer p.lock.UnlockIRQRestore()
	var out vfs.PollMask
	if mask&vfs.PollOut != 0 && (p.count < len(p.buf) || !p.readOpen) {
		out |= vfs.PollOut
	}
	return out
}

func (w *WriteEnd) Release(ctx context.Context) {
	p := w.p
	p.lock.LockIRQSave()
	p.writeOpen = false
	p.lock.UnlockIRQRestore()
	p.notEmpty.Signal()
}

// wrap returns a view starting at start, of at most maxLen bytes, not
// crossing the ring's end; callers loop if the logical span wraps.
func wrap(buf []byte, start, maxLen int) []byte {
	end := start + maxLen
	if end > len(buf) {
		end = len(buf)
	}
	return buf[start:end]
}
