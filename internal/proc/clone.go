package proc

import (
	"github.com/mazarin-os/kernelcore/internal/kerrno"
	"github.com/mazarin-os/kernelcore/internal/ksync"
	"github.com/mazarin-os/kernelcore/internal/mm"
	"github.com/mazarin-os/kernelcore/internal/shm"
	"github.com/mazarin-os/kernelcore/internal/ucopy"
)

// CloneFlags selects which resources a new thread/process shares with its
// parent instead of copying, matching the clone(2) flag bits spec.md §4.5
// names: CLONE_VM, CLONE_FS, CLONE_FILES, CLONE_SIGHAND, CLONE_THREAD,
// CLONE_SETTLS, CLONE_PARENT_SETTID and CLONE_CHILD_CLEARTID. fork(2) is
// the degenerate case with every bit clear (ForkFlags below): "copy
// everything" is what "no flags" already means here.
type CloneFlags uint32

const (
	CloneVM CloneFlags = 1 << iota
	CloneFS
	CloneFiles
	CloneSighand
	CloneThread
	CloneSettls
	CloneParentSettid
	CloneChildCleartid
)

// ForkFlags is the flag set fork(2) maps to: every CLONE_* bit clear, so
// Clone copies the address space, fd table, signal table and cwd instead
// of sharing any of them (spec.md §4.5: "fork = clone(VM clear, FS copy,
// FILES copy, SIGHAND copy)").
const ForkFlags CloneFlags = 0

// CloneOptions carries the clone(2) arguments that aren't a flag bit:
// the TLS pointer CLONE_SETTLS installs, and the two user addresses
// CLONE_PARENT_SETTID/CLONE_CHILD_CLEARTID name.
type CloneOptions struct {
	TLS           uintptr
	ParentTidAddr uintptr // written with the child's pid if CloneParentSettid is set
	ChildTidAddr  uintptr // recorded on the child if CloneChildCleartid is set
}

// Fork implements fork(2): a new Process with a copy-on-write address
// space (spec.md §4.2's clone_user_cow) and a duplicated fd table,
// inheriting the parent's priority and running childBody (standing in
// for "resume at the instruction after fork() with return value 0" —
// there is no single shared instruction stream to fork in this hosted
// model, so the caller supplies the child's continuation explicitly).
func (s *Scheduler) Fork(parent *Process, childBody Body) *Process {
	return s.Clone(parent, ForkFlags, parent.Priority, childBody, CloneOptions{})
}

// Clone implements clone(2)'s sharing matrix (spec.md §4.5). Every
// resource named by a clear flag bit is copied the way Fork always used
// to copy it unconditionally; a set bit instead hands the child the same
// pointer the parent holds, so later mutation through either Process is
// visible to both — CLONE_THREAD additionally folds the child into the
// parent's thread group (same Tgid, Pgid, Sid) instead of starting a new
// one.
func (s *Scheduler) Clone(parent *Process, flags CloneFlags, priority int, childBody Body, opts CloneOptions) *Process {
	var childAS *mm.AddressSpace
	if flags&CloneVM != 0 {
		childAS = parent.AS
		childAS.Incref()
	} else {
		childAS = s.asMgr.CloneUserCOW(parent.AS)
	}

	child := s.Spawn(parent.PID, priority, childAS, childBody)

	child.Uid = parent.Uid
	child.Gid = parent.Gid

	if flags&CloneFiles != 0 {
		child.FDTable = parent.FDTable
		child.FDTable.Incref()
	} else {
		child.FDTable = parent.FDTable.Fork()
	}

	if flags&CloneSighand != 0 {
		child.Signals = parent.Signals
	} else {
		child.Signals = parent.Signals.Clone()
	}

	if flags&CloneFS != 0 {
		child.Cwd = parent.Cwd
	} else {
		child.Cwd = NewCwdCell(parent.Cwd.Get())
	}

	if flags&CloneThread != 0 {
		child.Tgid = parent.Tgid
		child.Pgid = parent.Pgid
		child.Sid = parent.Sid
	}
	// else: child keeps the new-group defaults newProcess already set
	// (Tgid == Pgid == Sid == its own pid), matching a fork()ed child
	// becoming the leader of its own, brand-new thread group.

	if flags&CloneSettls != 0 {
		child.TLSBase = opts.TLS
	}
	if flags&CloneChildCleartid != 0 {
		child.ChildTidClear = opts.ChildTidAddr
	}
	if flags&CloneParentSettid != 0 && opts.ParentTidAddr != 0 {
		cp := &ucopy.Copier{AS: parent.AS, Alloc: s.asMgr.Allocator()}
		buf := []byte{byte(child.PID), byte(child.PID >> 8), byte(child.PID >> 16), byte(child.PID >> 24)}
		_ = cp.CopyToUser(opts.ParentTidAddr, buf)
	}

	return child
}

// Exit implements exit(2): the calling process becomes a ZOMBIE holding
// its exit code until reaped by Wait, matching spec.md §4.5's "wait"
// semantics. Exit itself doesn't return: the caller's thread body must
// stop running, so Exit panics a killSignal the same way a fatal default
// signal does (see scheduler.go).
func (s *Scheduler) Exit(p *Process, code int) {
	panic(killSignal{code: code})
}

func (s *Scheduler) exitLocked(p *Process, code int) {
	s.lock.LockIRQSave()
	p.State = StateZombie
	p.ExitCode = code
	parent, hasParent := s.table[p.PPID]
	waiters := p.waiters.Snapshot()

	// Reparent surviving children to init (spec.md §4.5 "exit": "reparent
	// children to pid 1"), so a later waitpid(-1) on pid 1 can still reap
	// them instead of leaving them permanently unreapable.
	orphans := p.Children
	p.Children = nil
	initProc, hasInit := s.table[InitPID]
	if hasInit && p.PID != InitPID {
		for _, cpid := range orphans {
			if child, ok := s.table[cpid]; ok {
				child.PPID = InitPID
				initProc.Children = append(initProc.Children, cpid)
			}
		}
	}
	s.lock.UnlockIRQRestore()

	if hasParent {
		s.Wake(ksync.ThreadID(parent.PID))
	}
	for _, w := range waiters {
		s.Wake(ksync.ThreadID(w))
	}

	// Detach every shm segment p is still attached to before tearing down
	// its address space, so the registry's attach count (and therefore
	// IPC_RMID-deferred deletion) stays accurate (spec.md §4.5 "exit":
	// "detach all shm attachments").
	if s.shmReg != nil {
		for _, m := range p.Mmaps {
			if m.Shmid == 0 {
				continue
			}
			if seg, ok := s.shmReg.Lookup(shm.Key(m.Shmid)); ok {
				s.shmReg.Detach(seg, p.AS, m.Base)
			}
		}
	}

	// CLONE_CHILD_CLEARTID: zero the word the parent asked to watch before
	// tearing the mapping down, so a thread joiner polling that address
	// observes the exit (spec.md §4.5). This kernel has no futex, so there
	// is no accompanying wake beyond the memory write itself.
	if p.ChildTidClear != 0 && p.AS != nil {
		cp := &ucopy.Copier{AS: p.AS, Alloc: s.asMgr.Allocator()}
		_ = cp.CopyToUser(p.ChildTidClear, []byte{0, 0, 0, 0})
	}

	if p.AS != nil {
		p.AS.Destroy()
	}
	p.FDTable.CloseAll()
}

// WaitNoHang is waitpid(2)'s WNOHANG option: return immediately with
// pid 0 rather than blocking when no matching child is already a ZOMBIE.
const WaitNoHang = 1

// Wait implements waitpid(2) for the single-child/any-child case used by
// this kernel's Non-goal-trimmed process groups (spec.md §4.5): block
// until the named child (or, if pid == 0, any child) is a ZOMBIE, then
// reap it (remove from the table, return its exit code). options is a
// WaitNoHang bitmask.
func (s *Scheduler) Wait(parent *Process, pid PID, options int) (PID, int, kerrno.Errno) {
	for {
		s.lock.LockIRQSave()
		reaped, code, found := s.findZombieChildLocked(parent, pid)
		if found {
			delete(s.table, reaped)
			parent.Children = removePID(parent.Children, reaped)
			s.lock.UnlockIRQRestore()
			return reaped, code, 0
		}
		if len(parent.Children) == 0 {
			s.lock.UnlockIRQRestore()
			return 0, 0, kerrno.ECHILD
		}
		if options&WaitNoHang != 0 {
			s.lock.UnlockIRQRestore()
			return 0, 0, 0
		}
		parent.waiters.Push(PID(parent.PID))
		s.lock.UnlockIRQRestore()

		reason := s.Suspend(ksync.ThreadID(parent.PID), 0)
		if reason == ksync.WokeInterrupted {
			s.lock.LockIRQSave()
			parent.waiters.Remove(PID(parent.PID))
			s.lock.UnlockIRQRestore()
			return 0, 0, kerrno.EINTR
		}
	}
}

func (s *Scheduler) findZombieChildLocked(parent *Process, pid PID) (PID, int, bool) {
	for _, cpid := range parent.Children {
		if pid != 0 && cpid != pid {
			continue
		}
		child, ok := s.table[cpid]
		if ok && child.State == StateZombie {
			return cpid, child.ExitCode, true
		}
	}
	return 0, 0, false
}

func removePID(list []PID, target PID) []PID {
	for i, v := range list {
		if v == target {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

// Kill implements kill(2): raise sig in target's signal table, and if
// target is blocked in an interruptible wait, pull it off that wait
// immediately rather than leaving it parked until the next voluntary
// CheckPreempt (spec.md §4.6 "a blocked thread is woken when an
// unblocked, non-ignored signal becomes pending").
func (s *Scheduler) Kill(targetPID PID, sig int) kerrno.Errno {
	if sig < 0 || sig >= NumSignals {
		return kerrno.EINVAL
	}
	target, ok := s.Lookup(targetPID)
	if !ok {
		return kerrno.ESRCH
	}
	if sig == 0 {
		return 0 // existence probe only
	}
	target.Signals.Raise(sig)
	s.Interrupt(targetPID)
	return 0
}

// Execve implements execve(2): replaces the calling process's address
// space and resets its signal dispositions to default (POSIX semantics:
// pending signals and the blocked mask survive exec; handler addresses do
// not, since the old code image is gone). The new program's entry point
// is newBody, substituted for the process's Body going forward — again,
// standing in for "load a new ELF image and jump to its entry point"
// since there is no separate image to load in this hosted model.
func (s *Scheduler) Execve(p *Process, newBody Body) {
	p.AS.Destroy()
	p.AS = s.asMgr.CloneKernel()
	p.FDTable.Exec()
	for sig := 0; sig < NumSignals; sig++ {
		p.Signals.actions[sig] = SigAction{}
	}
	p.body = newBody
	panic(execResume{body: newBody})
}

// execResume unwinds the calling goroutine's stack back to runBody, which
// restarts execution at the new Body — modeling execve's "the old
// instruction stream never resumes" contract.
type execResume struct{ body Body }
