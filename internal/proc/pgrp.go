package proc

import "github.com/mazarin-os/kernelcore/internal/kerrno"

// Setsid implements setsid(2): p becomes the leader of a new session and
// a new process group, both named after its own pid (spec.md §3 "session
// id, process-group id"). POSIX forbids a process that is already a
// process-group leader from doing this; this kernel's single-thread-per-
// process model (spec.md §4.5 Non-goals) means "group leader" here simply
// means p.Pgid == p.PID.
func (s *Scheduler) Setsid(p *Process) (PID, kerrno.Errno) {
	s.lock.LockIRQSave()
	defer s.lock.UnlockIRQRestore()
	if p.Pgid == p.PID {
		return 0, kerrno.EPERM
	}
	p.Sid = p.PID
	p.Pgid = p.PID
	return p.PID, 0
}

// Setpgid implements setpgid(2): places process pid into group pgid (or
// pid's own pid if pgid==0), matching the convention spec.md §4.5 uses
// for clone: "otherwise it becomes a new process with a new pgid equal
// to its pid (unless explicitly placed)".
func (s *Scheduler) Setpgid(caller *Process, pid, pgid PID) kerrno.Errno {
	s.lock.LockIRQSave()
	defer s.lock.UnlockIRQRestore()

	target := caller
	if pid != 0 && pid != caller.PID {
		t, ok := s.table[pid]
		if !ok {
			return kerrno.ESRCH
		}
		target = t
	}
	if pgid == 0 {
		pgid = target.PID
	}
	target.Pgid = pgid
	return 0
}

// Getpgrp implements getpgrp(2): the caller's own process-group id.
func (s *Scheduler) Getpgrp(p *Process) PID {
	s.lock.LockIRQSave()
	defer s.lock.UnlockIRQRestore()
	return p.Pgid
}

// KillGroup implements kill_pgrp (spec.md §4.6): raises sig in every
// process whose Pgid matches pgid, waking any that are interruptibly
// blocked, the way a TTY signals every member of a foreground group on
// Ctrl-C.
func (s *Scheduler) KillGroup(pgid PID, sig int) kerrno.Errno {
	if sig < 0 || sig >= NumSignals {
		return kerrno.EINVAL
	}
	s.lock.LockIRQSave()
	var members []PID
	for pid, p := range s.table {
		if p.Pgid == pgid {
			members = append(members, pid)
		}
	}
	s.lock.UnlockIRQRestore()
	if len(members) == 0 {
		return kerrno.ESRCH
	}
	for _, pid := range members {
		s.Kill(pid, sig)
	}
	return 0
}
