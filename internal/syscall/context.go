package syscall

import (
	"github.com/mazarin-os/kernelcore/internal/kerrno"
	"github.com/mazarin-os/kernelcore/internal/klog"
	"github.com/mazarin-os/kernelcore/internal/kmetrics"
	"github.com/mazarin-os/kernelcore/internal/ktime"
	"github.com/mazarin-os/kernelcore/internal/mm"
	"github.com/mazarin-os/kernelcore/internal/proc"
	"github.com/mazarin-os/kernelcore/internal/shm"
	"github.com/mazarin-os/kernelcore/internal/ucopy"
	"github.com/mazarin-os/kernelcore/internal/vfs"
)

var log = klog.Named("syscall")

// Args is the fixed six-argument register frame a handler receives
// (spec.md §6 "up to six arguments in B, C, D, S, D2, F").
type Args [6]int64

// Kernel bundles every subsystem a syscall handler might need. One
// Kernel is shared by every process; per-call state (which process is
// calling) is threaded through Context.
type Kernel struct {
	Sched    *proc.Scheduler
	Mount    *vfs.MountTable
	Alloc    *mm.FrameAllocator
	AS       *mm.Manager
	Shm      *shm.Registry
	Clock    *ktime.Clock
	Programs *ProgramTable
}

// Context is the per-call state a handler operates on: the calling
// process and a ucopy.Copier bound to that process's own address space.
type Context struct {
	K   *Kernel
	P   *proc.Process
	Cp  *ucopy.Copier
}

func newContext(k *Kernel, p *proc.Process) *Context {
	return &Context{
		K:  k,
		P:  p,
		Cp: &ucopy.Copier{AS: p.AS, Alloc: k.Alloc},
	}
}

// handler is the signature every syscall implementation matches.
type handler func(ctx *Context, args Args) (int64, kerrno.Errno)

var table [numSyscalls]handler

func register(nr Nr, h handler) {
	table[nr] = h
}

// Dispatch runs the syscall numbered nr on behalf of p, returning the
// spec.md §4.8 return-convention value: non-negative on success, negative
// errno on failure.
func (k *Kernel) Dispatch(p *proc.Process, nr Nr, args Args) int64 {
	kmetrics.Syscalls.WithLabelValues(nr.String()).Inc()
	if nr < 0 || nr >= numSyscalls || table[nr] == nil {
		return kerrno.ENOSYS.Negated()
	}
	ctx := newContext(k, p)
	ret, errno := table[nr](ctx, args)
	if errno != 0 {
		log.Debugw("syscall failed", "nr", nr.String(), "pid", p.PID, "errno", errno)
		return errno.Negated()
	}
	return ret
}
