package syscall

import (
	"github.com/mazarin-os/kernelcore/internal/kerrno"
	"github.com/mazarin-os/kernelcore/internal/proc"
)

func init() {
	register(SysGetpid, sysGetpid)
	register(SysGetppid, sysGetppid)
	register(SysExit, sysExit)
	register(SysWaitpid, sysWaitpid)
	register(SysSetsid, sysSetsid)
	register(SysSetpgid, sysSetpgid)
	register(SysGetpgrp, sysGetpgrp)
	register(SysKill, sysKill)
	register(SysSigaction, sysSigaction)
	register(SysSigprocmask, sysSigprocmask)
	register(SysSigreturn, sysSigreturn)
	register(SysFork, sysFork)
	register(SysClone, sysClone)
	register(SysExecve, sysExecve)
}

func sysGetpid(ctx *Context, args Args) (int64, kerrno.Errno) {
	return int64(ctx.P.PID), 0
}

func sysGetppid(ctx *Context, args Args) (int64, kerrno.Errno) {
	return int64(ctx.P.PPID), 0
}

// sysExit implements exit(2). Exit never returns to its caller (the
// calling thread body stops running), so there is no success value to
// hand back; Dispatch's caller observes the process become a ZOMBIE
// instead of a return from this call.
func sysExit(ctx *Context, args Args) (int64, kerrno.Errno) {
	ctx.K.Sched.Exit(ctx.P, int(args[0]))
	return 0, 0
}

// sysWaitpid implements waitpid(2): args = {pid, *status, options}. pid
// == 0 means "any child"; options carries proc.WaitNoHang. The reaped
// child's exit code is written to *status if status != 0.
func sysWaitpid(ctx *Context, args Args) (int64, kerrno.Errno) {
	pid := proc.PID(args[0])
	statusAddr := args[1]
	options := int(args[2])

	reaped, code, errno := ctx.K.Sched.Wait(ctx.P, pid, options)
	if errno != 0 {
		return 0, errno
	}
	if reaped == 0 {
		return 0, 0 // WNOHANG, nothing reaped yet
	}
	if statusAddr != 0 {
		buf := make([]byte, 4)
		putU32(buf, uint32(code))
		if errno := ctx.Cp.CopyToUser(uintptr(statusAddr), buf); errno != 0 {
			return 0, errno
		}
	}
	return int64(reaped), 0
}

func sysSetsid(ctx *Context, args Args) (int64, kerrno.Errno) {
	sid, errno := ctx.K.Sched.Setsid(ctx.P)
	return int64(sid), errno
}

func sysSetpgid(ctx *Context, args Args) (int64, kerrno.Errno) {
	return 0, ctx.K.Sched.Setpgid(ctx.P, proc.PID(args[0]), proc.PID(args[1]))
}

func sysGetpgrp(ctx *Context, args Args) (int64, kerrno.Errno) {
	return int64(ctx.K.Sched.Getpgrp(ctx.P)), 0
}

// sysKill implements kill(2): args = {pid, sig}. A negative pid targets
// every member of process group -pid (spec.md §4.6's kill_pgrp), matching
// POSIX kill(2)'s sign convention.
func sysKill(ctx *Context, args Args) (int64, kerrno.Errno) {
	pid := int64(args[0])
	sig := int(args[1])
	if pid < 0 {
		return 0, ctx.K.Sched.KillGroup(proc.PID(-pid), sig)
	}
	return 0, ctx.K.Sched.Kill(proc.PID(pid), sig)
}

// sigActionWire is the fixed-layout payload copied to/from user space for
// sigaction(2). It carries only a disposition, blocked-mask, and flags —
// no handler address. Handler is a real Go func in this hosted kernel
// (signal.go's Handler type doc comment: "the thread Body IS the user
// program"), and no Go closure can be encoded as bits crossing a register
// ABI. There is no emulated user instruction stream for a raw handler
// address to point into either, so ActionHandler can only be installed
// the way internal/proc's own tests do it: by calling
// Process.Signals.SetAction directly from the same goroutine that is the
// process, before or between syscalls. sysSigaction is therefore faithful
// for ActionDefault/ActionIgnore, and rejects an attempt to install
// ActionHandler through the numbered ABI with EINVAL rather than silently
// doing nothing.
type sigActionWire struct {
	Disposition int32
	Mask        uint32
	Flags       uint32
}

func (w sigActionWire) bytes() []byte {
	buf := make([]byte, 12)
	putU32(buf[0:], uint32(w.Disposition))
	putU32(buf[4:], w.Mask)
	putU32(buf[8:], w.Flags)
	return buf
}

func sigActionWireFrom(buf []byte) sigActionWire {
	return sigActionWire{
		Disposition: int32(getU32(buf[0:])),
		Mask:        getU32(buf[4:]),
		Flags:       getU32(buf[8:]),
	}
}

func sysSigaction(ctx *Context, args Args) (int64, kerrno.Errno) {
	sig := int(args[0])
	actAddr := args[1]
	oldActAddr := args[2]

	var act proc.SigAction
	haveNew := actAddr != 0
	if haveNew {
		buf := make([]byte, 12)
		if errno := ctx.Cp.CopyFromUser(buf, uintptr(actAddr)); errno != 0 {
			return 0, errno
		}
		wire := sigActionWireFrom(buf)
		if proc.Disposition(wire.Disposition) == proc.ActionHandler {
			return 0, kerrno.EINVAL
		}
		act = proc.SigAction{Disposition: proc.Disposition(wire.Disposition), Mask: wire.Mask, Flags: wire.Flags}
	}

	if !haveNew {
		old, errno := ctx.P.Signals.GetAction(sig)
		if errno != 0 {
			return 0, errno
		}
		if oldActAddr != 0 {
			wire := sigActionWire{Disposition: int32(old.Disposition), Mask: old.Mask, Flags: old.Flags}
			return 0, ctx.Cp.CopyToUser(uintptr(oldActAddr), wire.bytes())
		}
		return 0, 0
	}

	old, errno := ctx.P.Signals.SetAction(sig, act)
	if errno != 0 {
		return 0, errno
	}
	if oldActAddr != 0 {
		wire := sigActionWire{Disposition: int32(old.Disposition), Mask: old.Mask, Flags: old.Flags}
		return 0, ctx.Cp.CopyToUser(uintptr(oldActAddr), wire.bytes())
	}
	return 0, 0
}

func sysSigprocmask(ctx *Context, args Args) (int64, kerrno.Errno) {
	how := int(args[0])
	setAddr := args[1]
	oldSetAddr := args[2]

	var mask uint32
	if setAddr != 0 {
		buf := make([]byte, 4)
		if errno := ctx.Cp.CopyFromUser(buf, uintptr(setAddr)); errno != 0 {
			return 0, errno
		}
		mask = getU32(buf)
	} else {
		how = proc.SigBlock
		mask = 0
	}

	old, errno := ctx.P.Signals.ProcMask(how, mask)
	if errno != 0 {
		return 0, errno
	}
	if oldSetAddr != 0 {
		buf := make([]byte, 4)
		putU32(buf, old)
		return 0, ctx.Cp.CopyToUser(uintptr(oldSetAddr), buf)
	}
	return 0, 0
}

// sysSigreturn implements sigreturn(2): validates the signal frame left
// on the user stack (spec.md §4.6 step 5). There is no real register set
// to restore into — the handler already ran as a direct Go call
// (scheduler.go's deliverSignal), which also restores the blocked mask
// Consume saved once the handler returns — so the only observable effect
// here is frame validation; a forged or missing frame returns EFAULT.
func sysSigreturn(ctx *Context, args Args) (int64, kerrno.Errno) {
	frameAddr := args[0]
	buf := make([]byte, 4)
	if errno := ctx.Cp.CopyFromUser(buf, uintptr(frameAddr)); errno != 0 {
		return 0, errno
	}
	if getU32(buf) != 0x5347464d {
		return 0, kerrno.EFAULT
	}
	return 0, 0
}

func getU32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// Fork is the Go-native entry point fork(2) reduces to in this hosted
// kernel. A real fork() places the child at the instruction right after
// the trap return, with return value 0; that "instruction after the
// trap" has no counterpart here, since a thread Body is an ordinary Go
// function running on its own goroutine rather than a decoded instruction
// stream the kernel can resume at an arbitrary offset. So instead of
// taking only register arguments, Fork takes the child's continuation
// directly as a proc.Body, the same contract proc.Scheduler.Fork already
// has (internal/proc/clone.go) and the same one internal/proc's own
// tests use. This is the direct, kernel-internal counterpart to the
// sysFork/sysClone/sysExecve handlers below, which reach the same
// machinery through Kernel.Dispatch's numbered (Nr, Args) frame via a
// ProgramTable-registered body (programs.go).
func (k *Kernel) Fork(p *proc.Process, childBody proc.Body) *proc.Process {
	return k.Sched.Fork(p, childBody)
}

// Clone is the Go-native entry point clone(2) reduces to: see Fork's doc
// comment for why it takes childBody directly, and proc.Scheduler.Clone
// for the CLONE_VM/FS/FILES/SIGHAND/THREAD/SETTLS/PARENT_SETTID/
// CHILD_CLEARTID sharing matrix (spec.md §4.5) flags selects between.
func (k *Kernel) Clone(p *proc.Process, flags proc.CloneFlags, priority int, childBody proc.Body, opts proc.CloneOptions) *proc.Process {
	return k.Sched.Clone(p, flags, priority, childBody, opts)
}

// Execve replaces p's program the way execve(2) replaces a process image:
// see proc.Scheduler.Execve and Fork's doc comment above for why this
// takes a proc.Body rather than a path to an executable this kernel does
// not have a loader for (spec.md §1 Non-goals: no ELF loading).
func (k *Kernel) Execve(p *proc.Process, newBody proc.Body) {
	k.Sched.Execve(p, newBody)
}

// sysFork implements fork(2) through the numbered dispatch table: args[0]
// is a program id previously handed out by ctx.K.Programs.Register (see
// programs.go for why a numbered syscall needs one at all). Returns the
// child's pid to the parent, the same as a real fork()'s parent-side
// return value.
func sysFork(ctx *Context, args Args) (int64, kerrno.Errno) {
	body, ok := ctx.K.Programs.Lookup(args[0])
	if !ok {
		return 0, kerrno.EINVAL
	}
	child := ctx.K.Sched.Fork(ctx.P, body)
	return int64(child.PID), 0
}

// sysClone implements clone(2): args = {flags, program id, priority (0
// keeps the parent's), tls, parent_tidptr, child_tidptr}. parent_tidptr,
// when CLONE_PARENT_SETTID is set, is written with the child's pid in the
// parent's own address space, crossing the user boundary through ctx.Cp
// the same as every other pointer argument (spec.md §4.7).
func sysClone(ctx *Context, args Args) (int64, kerrno.Errno) {
	flags := proc.CloneFlags(args[0])
	body, ok := ctx.K.Programs.Lookup(args[1])
	if !ok {
		return 0, kerrno.EINVAL
	}
	priority := int(args[2])
	if priority == 0 {
		priority = ctx.P.Priority
	}
	opts := proc.CloneOptions{
		TLS:           uintptr(args[3]),
		ParentTidAddr: uintptr(args[4]),
		ChildTidAddr:  uintptr(args[5]),
	}

	child := ctx.K.Sched.Clone(ctx.P, flags, priority, body, opts)
	return int64(child.PID), 0
}

// sysExecve implements execve(2): args[0] is a program id, substituted
// for the calling process's Body (see Execve's doc comment for why there
// is no path argument). Never returns to its caller, matching a real
// execve() that only returns on failure.
func sysExecve(ctx *Context, args Args) (int64, kerrno.Errno) {
	body, ok := ctx.K.Programs.Lookup(args[0])
	if !ok {
		return 0, kerrno.EINVAL
	}
	ctx.K.Sched.Execve(ctx.P, body)
	return 0, 0
}
