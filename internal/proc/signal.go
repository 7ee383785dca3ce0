package proc

import (
	"github.com/mazarin-os/kernelcore/internal/kerrno"
	"github.com/mazarin-os/kernelcore/internal/ksync"
)

// NumSignals is the size of the signal number space (spec.md §4.6).
const NumSignals = 32

// Signal numbers, the traditional Unix assignment. Signal 0 is never
// delivered; kill(pid, 0) is an existence probe.
const (
	SIGHUP   = 1
	SIGINT   = 2
	SIGQUIT  = 3
	SIGILL   = 4
	SIGTRAP  = 5
	SIGABRT  = 6
	SIGBUS   = 7
	SIGFPE   = 8
	SIGKILL  = 9
	SIGUSR1  = 10
	SIGSEGV  = 11
	SIGUSR2  = 12
	SIGPIPE  = 13
	SIGALRM  = 14
	SIGTERM  = 15
	SIGCHLD  = 17
	SIGCONT  = 18
	SIGSTOP  = 19
	SIGTSTP  = 20
	SIGTTIN  = 21
	SIGTTOU  = 22
	SIGURG   = 23
	SIGWINCH = 28
)

// DefaultAction is what an ActionDefault disposition does for a given
// signal (spec.md §4.6 "Default actions: TERM for most fatal signals;
// IGNORE for CHLD and similar; STOP/CONT handled as state transitions").
type DefaultAction int

const (
	DefaultTerm DefaultAction = iota
	DefaultIgnore
	DefaultStop
	DefaultCont
)

// DefaultFor returns sig's default action.
func DefaultFor(sig int) DefaultAction {
	switch sig {
	case SIGCHLD, SIGURG, SIGWINCH:
		return DefaultIgnore
	case SIGSTOP, SIGTSTP, SIGTTIN, SIGTTOU:
		return DefaultStop
	case SIGCONT:
		return DefaultCont
	default:
		return DefaultTerm
	}
}

// Disposition is what happens when a signal arrives and isn't blocked.
type Disposition int

const (
	ActionDefault Disposition = iota
	ActionIgnore
	ActionHandler
)

// Handler is a user signal handler. In this hosted kernel it is an
// ordinary Go function rather than a user-mode instruction address: the
// thread Body IS the "user program" (SPEC_FULL.md §0), so "jump to
// handler" is a direct call instead of a simulated instruction-pointer
// rewrite.
type Handler func(sig int, saved RegisterFrame)

// RegisterFrame is the saved-context payload a real kernel would push
// onto the user stack before invoking a handler (spec.md §4.6 "signal
// frame layout"). It is kept as real, inspectable data — rather than
// collapsing away entirely — so tests can assert that the context
// observed by a handler matches what was running at delivery time.
type RegisterFrame struct {
	PC    uint64
	SP    uint64
	Flags uint64
	GP    [16]uint64
}

// signalFrameMagic guards SignalFrame the same way heapMagic guards a
// kernel heap block header: a cheap way to catch a corrupted/forged frame
// before trusting it (spec.md §4.6 step 5).
const signalFrameMagic = uint32(0x5347464d) // "SGFM"

// SignalFrame is what sigreturn validates and restores from.
type SignalFrame struct {
	Magic uint32
	Saved RegisterFrame
}

// SigAction is one signal's disposition, per spec.md §3 "Signals".
type SigAction struct {
	Disposition Disposition
	Handler     Handler
	Mask        uint32 // additional signals blocked while this handler runs
	Flags       uint32
}

// SignalState is a process's signal table: per-signal actions, the
// blocked mask, and the pending mask (spec.md §3 "Signals", §4.6).
type SignalState struct {
	lock    ksync.SpinLock
	actions [NumSignals]SigAction
	blocked uint32
	pending uint32
}

func NewSignalState() *SignalState {
	return &SignalState{}
}

// Clone returns an independent copy of s's dispositions and blocked mask
// for a child that does not share CLONE_SIGHAND: POSIX fork(2) says "the
// child inherits copies of the parent's signal dispositions and signal
// mask", but pending signals are not inherited.
func (s *SignalState) Clone() *SignalState {
	s.lock.LockIRQSave()
	defer s.lock.UnlockIRQRestore()
	clone := &SignalState{blocked: s.blocked}
	clone.actions = s.actions
	return clone
}

// SigProcMask how values, per spec.md §4.8 sigprocmask.
const (
	SigSet = iota
	SigBlock
	SigUnblock
)

// SetAction installs act for sig, returning the previous action.
func (s *SignalState) SetAction(sig int, act SigAction) (SigAction, kerrno.Errno) {
	if sig < 0 || sig >= NumSignals {
		return SigAction{}, kerrno.EINVAL
	}
	s.lock.LockIRQSave()
	defer s.lock.UnlockIRQRestore()
	prev := s.actions[sig]
	s.actions[sig] = act
	return prev, 0
}

// GetAction reads sig's current action without installing anything, for
// sigaction(2)'s query-only form (act == NULL, oldact != NULL).
func (s *SignalState) GetAction(sig int) (SigAction, kerrno.Errno) {
	if sig < 0 || sig >= NumSignals {
		return SigAction{}, kerrno.EINVAL
	}
	s.lock.LockIRQSave()
	defer s.lock.UnlockIRQRestore()
	return s.actions[sig], 0
}

// ProcMask applies a sigprocmask(2) operation and returns the prior mask.
func (s *SignalState) ProcMask(how int, mask uint32) (old uint32, errno kerrno.Errno) {
	s.lock.LockIRQSave()
	defer s.lock.UnlockIRQRestore()
	old = s.blocked
	switch how {
	case SigSet:
		s.blocked = mask
	case SigBlock:
		s.blocked |= mask
	case SigUnblock:
		s.blocked &^= mask
	default:
		return old, kerrno.EINVAL
	}
	return old, 0
}

// Masks reports the current pending and blocked signal bitmaps, for
// /proc/<pid>/status's SigPnd/SigBlk lines (spec.md §6 "/proc surface").
func (s *SignalState) Masks() (pending, blocked uint32) {
	s.lock.LockIRQSave()
	defer s.lock.UnlockIRQRestore()
	return s.pending, s.blocked
}

// Raise marks sig pending, returning whether it was already pending
// (idempotent: POSIX signals, unlike realtime signals, don't queue).
func (s *SignalState) Raise(sig int) bool {
	s.lock.LockIRQSave()
	defer s.lock.UnlockIRQRestore()
	bit := uint32(1) << uint(sig)
	already := s.pending&bit != 0
	s.pending |= bit
	return already
}

// NextDeliverable returns the lowest-numbered pending, unblocked signal
// whose effective action is not ignore (spec.md §9: "lowest-numbered
// first") — an explicit ActionIgnore and an ActionDefault whose default
// is ignore (CHLD and similar) are both discarded here, clearing their
// pending bits. For everything else the caller decides what the
// disposition means: handler call, terminate, or stop/continue.
func (s *SignalState) NextDeliverable() (int, SigAction, bool) {
	s.lock.LockIRQSave()
	defer s.lock.UnlockIRQRestore()
	deliverable := s.pending &^ s.blocked
	for sig := 0; sig < NumSignals; sig++ {
		bit := uint32(1) << uint(sig)
		if deliverable&bit == 0 {
			continue
		}
		act := s.actions[sig]
		if act.Disposition == ActionIgnore ||
			(act.Disposition == ActionDefault && DefaultFor(sig) == DefaultIgnore) {
			s.pending &^= bit
			continue
		}
		return sig, act, true
	}
	return 0, SigAction{}, false
}

// ConsumeContinue reports whether SIGCONT is pending, clearing it. A
// stopped process resumes on CONT regardless of CONT's disposition or
// the blocked mask, so this check ignores both.
func (s *SignalState) ConsumeContinue() bool {
	s.lock.LockIRQSave()
	defer s.lock.UnlockIRQRestore()
	bit := uint32(1) << SIGCONT
	if s.pending&bit == 0 {
		return false
	}
	s.pending &^= bit
	return true
}

// Consume clears sig's pending bit, and while a handler runs, blocks the
// handler's own signal plus act.Mask (spec.md §4.6 step 4's "set the
// first argument to the signal number" implies the handler is now
// running with those additional signals blocked until it returns).
func (s *SignalState) Consume(sig int, act SigAction) (savedBlocked uint32) {
	s.lock.LockIRQSave()
	defer s.lock.UnlockIRQRestore()
	bit := uint32(1) << uint(sig)
	s.pending &^= bit
	saved := s.blocked
	s.blocked |= bit | act.Mask
	return saved
}

// Restore undoes Consume's blocked-mask change, for sigreturn.
func (s *SignalState) Restore(savedBlocked uint32) {
	s.lock.LockIRQSave()
	defer s.lock.UnlockIRQRestore()
	s.blocked = savedBlocked
}

// SigReturn validates frame's magic before the caller restores from it
// (spec.md §4.6 step 5). A bad magic means the user stack was corrupted
// or a forged frame pointer was passed, and is reported as EFAULT rather
// than trusted.
func SigReturn(frame *SignalFrame) (RegisterFrame, kerrno.Errno) {
	if frame == nil || frame.Magic != signalFrameMagic {
		return RegisterFrame{}, kerrno.EFAULT
	}
	return frame.Saved, 0
}

// BuildFrame constructs the signal frame a real kernel would push onto
// the user stack before transferring control to the handler.
func BuildFrame(saved RegisterFrame) *SignalFrame {
	return &SignalFrame{Magic: signalFrameMagic, Saved: saved}
}
