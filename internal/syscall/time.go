package syscall

import (
	"time"

	"github.com/mazarin-os/kernelcore/internal/kerrno"
	"github.com/mazarin-os/kernelcore/internal/ksync"
)

func init() {
	register(SysNanosleep, sysNanosleep)
	register(SysClockGettime, sysClockGettime)
}

// timespecWire is the {seconds, nanoseconds} pair crossing copy_from/
// copy_to_user for nanosleep(2) and clock_gettime(2), matching the
// struct timespec layout spec.md §4.8 assumes for time syscalls.
type timespecWire struct {
	Sec  int64
	Nsec int64
}

func (t timespecWire) bytes() []byte {
	buf := make([]byte, 16)
	putU64(buf[0:], uint64(t.Sec))
	putU64(buf[8:], uint64(t.Nsec))
	return buf
}

func timespecFrom(buf []byte) timespecWire {
	return timespecWire{Sec: int64(getU64(buf[0:])), Nsec: int64(getU64(buf[8:]))}
}

func getU64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}

// sysNanosleep implements nanosleep(2): args = {req, rem}. The requested
// duration is rounded up to whole ticks and handed to the scheduler's
// sleep-list mechanism (proc.Scheduler.Suspend with timeoutMS>0 — see
// scheduler.go, where that parameter already counts ticks rather than
// wall-clock milliseconds). A signal delivered while sleeping returns
// EINTR, leaving *rem unset, matching real nanosleep's "remaining time"
// contract loosely: this kernel doesn't track partial sleep remainders,
// since CheckPreempt-based delivery has no mid-sleep interruption point
// other than the scheduler's own wake path.
func sysNanosleep(ctx *Context, args Args) (int64, kerrno.Errno) {
	reqBuf := make([]byte, 16)
	if errno := ctx.Cp.CopyFromUser(reqBuf, uintptr(args[0])); errno != 0 {
		return 0, errno
	}
	req := timespecFrom(reqBuf)
	if req.Sec < 0 || req.Nsec < 0 || req.Nsec >= 1e9 {
		return 0, kerrno.EINVAL
	}

	totalNs := req.Sec*1e9 + req.Nsec
	ticks := int((totalNs + nsPerTick - 1) / nsPerTick)
	if ticks <= 0 {
		ticks = 1
	}

	reason := ctx.K.Sched.Suspend(ksync.ThreadID(ctx.P.PID), ticks)
	if reason == ksync.WokeInterrupted {
		return 0, kerrno.EINTR
	}
	return 0, 0
}

// nsPerTick is ktime.TickDuration (1ms) expressed in nanoseconds.
const nsPerTick = int64(1_000_000)

const (
	clockRealtime  = 0
	clockMonotonic = 1
)

// sysClockGettime implements clock_gettime(2): args = {clockid, ts}. Both
// REALTIME and MONOTONIC read the same tick-derived clock (spec.md §4.10
// doesn't model wall-clock-vs-boot-time skew), since this kernel has no
// wall-clock source distinct from its own tick counter.
func sysClockGettime(ctx *Context, args Args) (int64, kerrno.Errno) {
	switch args[0] {
	case clockRealtime, clockMonotonic:
	default:
		return 0, kerrno.EINVAL
	}
	now := ctx.K.Clock.Now()
	wire := timespecWire{Sec: int64(now / time.Second), Nsec: int64(now % time.Second)}
	return 0, ctx.Cp.CopyToUser(uintptr(args[1]), wire.bytes())
}
