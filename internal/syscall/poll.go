package syscall

import (
	"context"

	"github.com/mazarin-os/kernelcore/internal/kerrno"
	"github.com/mazarin-os/kernelcore/internal/ksync"
	"github.com/mazarin-os/kernelcore/internal/proc"
	"github.com/mazarin-os/kernelcore/internal/vfs"
)

func init() {
	register(SysPoll, sysPoll)
	register(SysSelect, sysSelect)
}

const pollfdWireSize = 8 // fd int32, events int16, revents int16

// pollReady reports which of the requested bits in want are currently set
// for fd's node, per spec.md §4.8 poll/select. A Node that doesn't
// implement vfs.Poller (a plain file, say) is always ready for whichever
// of PollIn/PollOut was requested — regular files never block.
func pollReady(of *vfs.OpenFile, want vfs.PollMask) vfs.PollMask {
	if p, ok := of.Node.(vfs.Poller); ok {
		return p.PollReady(context.Background(), want)
	}
	return want &^ (vfs.PollErr | vfs.PollHup)
}

// sysPoll implements poll(2): args = {fds, nfds, timeoutTicks}. This
// kernel has no generic per-Node wait-queue registration (only pipefs
// wires its own condition variables internally), so poll is implemented
// as a coarse retry loop: check every fd, and if none are ready yet,
// sleep one tick and check again until the timeout elapses. timeoutTicks
// < 0 waits indefinitely, matching poll(2)'s negative-timeout contract.
func sysPoll(ctx *Context, args Args) (int64, kerrno.Errno) {
	fdsAddr := args[0]
	nfds := int(args[1])
	timeoutTicks := args[2]
	if nfds < 0 {
		return 0, kerrno.EINVAL
	}

	buf := make([]byte, nfds*pollfdWireSize)
	if nfds > 0 {
		if errno := ctx.Cp.CopyFromUser(buf, uintptr(fdsAddr)); errno != 0 {
			return 0, errno
		}
	}

	type entry struct {
		fd     proc.FD
		events vfs.PollMask
	}
	entries := make([]entry, nfds)
	for i := 0; i < nfds; i++ {
		rec := buf[i*pollfdWireSize:]
		entries[i] = entry{
			fd:     proc.FD(int32(getU32(rec[0:4]))),
			events: vfs.PollMask(uint16(rec[4]) | uint16(rec[5])<<8),
		}
	}

	elapsed := int64(0)
	for {
		ready := 0
		for i, e := range entries {
			of, errno := ctx.P.FDTable.Get(e.fd)
			rec := buf[i*pollfdWireSize:]
			var revents vfs.PollMask
			if errno != 0 {
				revents = vfs.PollErr
			} else {
				revents = pollReady(of, e.events) & e.events
			}
			rec[6] = byte(revents)
			rec[7] = byte(revents >> 8)
			if revents != 0 {
				ready++
			}
		}
		if ready > 0 || (timeoutTicks >= 0 && elapsed >= timeoutTicks) {
			if nfds > 0 {
				if errno := ctx.Cp.CopyToUser(uintptr(fdsAddr), buf); errno != 0 {
					return 0, errno
				}
			}
			return int64(ready), 0
		}
		reason := ctx.K.Sched.Suspend(ksync.ThreadID(ctx.P.PID), 1)
		if reason == ksync.WokeInterrupted {
			return 0, kerrno.EINTR
		}
		elapsed++
	}
}

// sysSelect implements select(2) over the same readiness check as poll,
// args = {nfds, readfds, writefds, exceptfds, timeoutTicks}: each fd_set
// is a bitmap of nfds bits packed into bytes, per the traditional select
// ABI. exceptfds reports PollErr only.
func sysSelect(ctx *Context, args Args) (int64, kerrno.Errno) {
	nfds := int(args[0])
	if nfds < 0 {
		return 0, kerrno.EINVAL
	}
	setBytes := (nfds + 7) / 8

	readSet, errno := readFDSet(ctx, args[1], setBytes)
	if errno != 0 {
		return 0, errno
	}
	writeSet, errno := readFDSet(ctx, args[2], setBytes)
	if errno != 0 {
		return 0, errno
	}
	exceptSet, errno := readFDSet(ctx, args[3], setBytes)
	if errno != 0 {
		return 0, errno
	}
	timeoutTicks := args[4]

	elapsed := int64(0)
	for {
		ready := 0
		outRead := make([]byte, setBytes)
		outWrite := make([]byte, setBytes)
		outExcept := make([]byte, setBytes)
		for fd := 0; fd < nfds; fd++ {
			of, errno := ctx.P.FDTable.Get(proc.FD(fd))
			if errno != 0 {
				continue
			}
			if bitSet(readSet, fd) {
				if pollReady(of, vfs.PollIn)&vfs.PollIn != 0 {
					setBit(outRead, fd)
					ready++
				}
			}
			if bitSet(writeSet, fd) {
				if pollReady(of, vfs.PollOut)&vfs.PollOut != 0 {
					setBit(outWrite, fd)
					ready++
				}
			}
			if bitSet(exceptSet, fd) {
				if pollReady(of, vfs.PollErr)&vfs.PollErr != 0 {
					setBit(outExcept, fd)
					ready++
				}
			}
		}
		if ready > 0 || (timeoutTicks >= 0 && elapsed >= timeoutTicks) {
			if args[1] != 0 {
				if errno := ctx.Cp.CopyToUser(uintptr(args[1]), outRead); errno != 0 {
					return 0, errno
				}
			}
			if args[2] != 0 {
				if errno := ctx.Cp.CopyToUser(uintptr(args[2]), outWrite); errno != 0 {
					return 0, errno
				}
			}
			if args[3] != 0 {
				if errno := ctx.Cp.CopyToUser(uintptr(args[3]), outExcept); errno != 0 {
					return 0, errno
				}
			}
			return int64(ready), 0
		}
		reason := ctx.K.Sched.Suspend(ksync.ThreadID(ctx.P.PID), 1)
		if reason == ksync.WokeInterrupted {
			return 0, kerrno.EINTR
		}
		elapsed++
	}
}

func readFDSet(ctx *Context, addr int64, n int) ([]byte, kerrno.Errno) {
	if addr == 0 {
		return make([]byte, n), 0
	}
	buf := make([]byte, n)
	if errno := ctx.Cp.CopyFromUser(buf, uintptr(addr)); errno != 0 {
		return nil, errno
	}
	return buf, 0
}

func bitSet(set []byte, fd int) bool {
	return set[fd/8]&(1<<uint(fd%8)) != 0
}

func setBit(set []byte, fd int) {
	set[fd/8] |= 1 << uint(fd%8)
}
