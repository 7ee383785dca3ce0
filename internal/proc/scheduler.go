package proc

import (
	"context"
	"strconv"
	"time"

	"github.com/mazarin-os/kernelcore/internal/kmetrics"
	"github.com/mazarin-os/kernelcore/internal/ksync"
	"github.com/mazarin-os/kernelcore/internal/mm"
	"github.com/mazarin-os/kernelcore/internal/shm"
)

// InitPID is pid 1, the reparenting target for orphaned children
// (spec.md §4.5 "exit": "reparent children to pid 1").
const InitPID PID = 1

type cpuState struct {
	rq      RunQueue
	current *Process
}

// Scheduler is the kernel-wide O(1) multilevel-priority scheduler
// (spec.md §4.5): one RunQueue per CPU, a process table, and a sleep
// list the timer tick scans for expired SLEEPING threads.
//
// It implements ksync.Scheduler, so every ksync primitive (Sem, Mutex,
// CondVar, Mailbox, WaitQueue-based code) suspends and wakes threads
// through this type without ksync ever importing this package.
type Scheduler struct {
	lock     ksync.SpinLock
	registry *goroutineRegistry
	cpus     []cpuState
	table    map[PID]*Process
	nextPID  PID
	sleeping []*Process
	tick     uint64
	doorbell chan struct{}
	asMgr    *mm.Manager
	shmReg   *shm.Registry
}

// SetShmRegistry wires the shared-memory registry the scheduler consults
// on exit to detach a dying process's remaining attachments (spec.md
// §4.5 "exit": "detach all shm attachments"). Called once during boot
// after both the scheduler and the registry exist, since the registry's
// own constructor needs the frame allocator the scheduler doesn't own.
func (s *Scheduler) SetShmRegistry(reg *shm.Registry) { s.shmReg = reg }

var _ ksync.Scheduler = (*Scheduler)(nil)

// NewScheduler constructs a scheduler with numCPU run queues.
func NewScheduler(numCPU int, asMgr *mm.Manager) *Scheduler {
	if numCPU < 1 {
		numCPU = 1
	}
	return &Scheduler{
		registry: newGoroutineRegistry(),
		cpus:     make([]cpuState, numCPU),
		table:    map[PID]*Process{},
		nextPID:  1,
		doorbell: make(chan struct{}, 1),
		asMgr:    asMgr,
	}
}

func (s *Scheduler) ring() {
	select {
	case s.doorbell <- struct{}{}:
	default:
	}
}

// Spawn creates a new Process with its own address space and dedicated
// goroutine, enqueues it READY on the least-loaded CPU (spec.md §4.5 SMP:
// "at thread creation the least-loaded CPU is chosen"), and returns it.
// The goroutine blocks on runTok until some CPU's schedule loop actually
// dispatches it — matching spec.md §4.5's "enqueue, don't run" discipline
// for process creation. Migration after creation is not performed (spec.md
// §1 Non-goals), so Home is fixed for the process's lifetime: every later
// Wake/Interrupt/Tick-expiry enqueues back onto this same CPU.
func (s *Scheduler) Spawn(ppid PID, priority int, as *mm.AddressSpace, body Body) *Process {
	s.lock.LockIRQSave()
	pid := s.nextPID
	s.nextPID++
	p := newProcess(pid, ppid, priority, as, body)
	p.Home = s.leastLoadedCPULocked()
	s.table[pid] = p
	if ppid != 0 {
		if parent, ok := s.table[ppid]; ok {
			parent.Children = append(parent.Children, pid)
		}
	}
	s.lock.UnlockIRQRestore()

	go s.runBody(p)

	s.lock.LockIRQSave()
	s.cpus[p.Home].rq.Enqueue(p)
	s.lock.UnlockIRQRestore()
	kmetrics.RunQueueDepth.WithLabelValues(cpuLabel(p.Home)).Inc()
	s.ring()
	return p
}

// leastLoadedCPULocked picks the CPU with the fewest runnable threads
// queued, ties broken toward the lowest CPU id. Caller holds s.lock.
func (s *Scheduler) leastLoadedCPULocked() int {
	best := 0
	bestLen := s.cpus[0].rq.Len()
	for i := 1; i < len(s.cpus); i++ {
		if n := s.cpus[i].rq.Len(); n < bestLen {
			best, bestLen = i, n
		}
	}
	return best
}

func cpuLabel(cpu int) string { return strconv.Itoa(cpu) }

// killSignal is panicked by CheckPreempt when a fatal, default-disposition
// signal is delivered: the thread Body is arbitrary caller code running
// deep in its own call stack, so there is no "return" that reaches it the
// way a real kernel's terminate_process just stops scheduling the thread.
// Unwinding via panic/recover is the idiomatic Go analogue (the same
// technique net/http uses to abort a handler mid-flight).
type killSignal struct{ code int }

func (s *Scheduler) runBody(p *Process) {
	<-p.runTok
	s.registry.bind(p)

	body := p.body
	for {
		next, terminated := s.runOneBody(p, body)
		if terminated {
			break
		}
		body = next
	}

	s.registry.unbind()
	s.exitLocked(p, p.ExitCode)
	close(p.done)
}

// runOneBody runs body to completion or until it panics a killSignal
// (terminated=true) or execResume (terminated=false, next is the new
// body to run immediately in its place — execve never returns to its
// caller's instruction stream).
func (s *Scheduler) runOneBody(p *Process, body Body) (next Body, terminated bool) {
	terminated = true
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		switch v := r.(type) {
		case killSignal:
			p.ExitCode = v.code
		case execResume:
			next = v.body
			terminated = false
		default:
			panic(r)
		}
	}()
	body(p)
	return nil, true
}

// Lookup returns the process table entry for pid, if any.
func (s *Scheduler) Lookup(pid PID) (*Process, bool) {
	s.lock.LockIRQSave()
	defer s.lock.UnlockIRQRestore()
	p, ok := s.table[pid]
	return p, ok
}

// Current implements ksync.Scheduler: it identifies the calling
// goroutine's Process via the goroutine registry bound in runBody/RunCPU.
func (s *Scheduler) Current() ksync.ThreadID {
	p := s.registry.current()
	if p == nil {
		kpanic("Current() called from a goroutine with no bound Process")
	}
	return ksync.ThreadID(p.PID)
}

// CurrentProcess is the typed equivalent of Current, for kernel code
// (syscall dispatch) that wants the full Process, not just its id.
func (s *Scheduler) CurrentProcess() *Process {
	return s.registry.current()
}

// Suspend implements ksync.Scheduler: it parks the calling goroutine on
// its own runTok channel until woken, recording why.
func (s *Scheduler) Suspend(id ksync.ThreadID, timeoutMS int) ksync.WakeReason {
	p, ok := s.Lookup(PID(id))
	if !ok {
		return ksync.WokeInterrupted
	}

	s.lock.LockIRQSave()
	if timeoutMS > 0 {
		p.State = StateSleeping
		p.WakeAt = s.tick + uint64(timeoutMS)
		p.wakeRsn = ksync.WokeTimeout
		s.sleeping = append(s.sleeping, p)
	} else {
		p.State = StateBlocked
		p.wakeRsn = ksync.WokeInterrupted // overwritten by Wake() to WokeNormally
	}
	s.lock.UnlockIRQRestore()

	p.yieldTok <- struct{}{}
	<-p.runTok
	return p.wakeRsn
}

// Wake implements ksync.Scheduler: marks a BLOCKED/SLEEPING process READY
// and enqueues it on its Home CPU. It does not resume the goroutine directly —
// that only happens once some CPU's schedule loop dispatches it, exactly
// matching a real run queue's semantics.
func (s *Scheduler) Wake(id ksync.ThreadID) {
	s.lock.LockIRQSave()
	p, ok := s.table[PID(id)]
	if !ok || (p.State != StateBlocked && p.State != StateSleeping) {
		s.lock.UnlockIRQRestore()
		return
	}
	p.State = StateReady
	p.wakeRsn = ksync.WokeNormally
	s.removeSleepingLocked(p)
	s.cpus[p.Home].rq.Enqueue(p)
	s.lock.UnlockIRQRestore()
	kmetrics.RunQueueDepth.WithLabelValues(cpuLabel(p.Home)).Inc()
	s.ring()
}

// Interrupt wakes a BLOCKED/SLEEPING process the same way Wake does, but
// records WokeInterrupted so the blocking call it was parked in returns
// EINTR (spec.md §4.6's signal-delivery-while-blocked path).
func (s *Scheduler) Interrupt(pid PID) {
	s.lock.LockIRQSave()
	p, ok := s.table[pid]
	if !ok || (p.State != StateBlocked && p.State != StateSleeping) {
		s.lock.UnlockIRQRestore()
		return
	}
	p.State = StateReady
	p.wakeRsn = ksync.WokeInterrupted
	s.removeSleepingLocked(p)
	s.cpus[p.Home].rq.Enqueue(p)
	s.lock.UnlockIRQRestore()
	kmetrics.RunQueueDepth.WithLabelValues(cpuLabel(p.Home)).Inc()
	s.ring()
}

func (s *Scheduler) removeSleepingLocked(p *Process) {
	for i, sp := range s.sleeping {
		if sp == p {
			s.sleeping = append(s.sleeping[:i], s.sleeping[i+1:]...)
			return
		}
	}
}

// Tick advances the simulated clock by one and wakes any SLEEPING
// processes whose timeout has expired (spec.md §4.10's integration point
// with the scheduler).
func (s *Scheduler) Tick() {
	s.lock.LockIRQSave()
	s.tick++
	now := s.tick
	var expired []*Process
	remaining := s.sleeping[:0]
	for _, p := range s.sleeping {
		if p.WakeAt <= now {
			expired = append(expired, p)
		} else {
			remaining = append(remaining, p)
		}
	}
	s.sleeping = remaining
	for _, p := range expired {
		p.State = StateReady
		p.wakeRsn = ksync.WokeTimeout
		s.cpus[p.Home].rq.Enqueue(p)
	}
	s.lock.UnlockIRQRestore()
	if len(expired) > 0 {
		s.ring()
	}
}

// schedule implements the O(1) dispatch decision for one CPU: requeue the
// currently-running process (if still runnable) and pick the next
// highest-priority READY process.
func (s *Scheduler) schedule(cpuID int) *Process {
	s.lock.LockIRQSave()
	defer s.lock.UnlockIRQRestore()

	cpu := &s.cpus[cpuID]
	if cur := cpu.current; cur != nil && cur.State == StateRunning {
		cur.State = StateReady
		cpu.rq.Enqueue(cur)
	}
	next := cpu.rq.Dequeue()
	if next != nil {
		next.State = StateRunning
		next.CPU = cpuID
	}
	cpu.current = next
	kmetrics.ContextSwitches.Inc()
	return next
}

// RunCPU is the per-CPU driver loop (spec.md §4.5's "CPU" abstraction):
// repeatedly schedule, hand the chosen thread its run token, and block
// until it yields control back. When nothing is runnable, the loop parks
// on the doorbell channel instead of busy-spinning, simulating HLT. The
// doorbell is shared by every CPU and holds one ring, so a ring can wake
// a different idle CPU than the one whose queue gained work; the park
// therefore also ends after one millisecond and the loop re-checks its
// own run queue.
func (s *Scheduler) RunCPU(ctx context.Context, cpuID int) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		p := s.schedule(cpuID)
		if p == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-s.doorbell:
			case <-time.After(time.Millisecond):
			}
			continue
		}

		p.runTok <- struct{}{}
		select {
		case <-p.yieldTok:
		case <-p.done:
		}
	}
}

// Yield voluntarily hands control back to the scheduler, re-entering the
// run queue at its own priority (spec.md §4.5 round-robin-within-level).
// The process stays RUNNING here; schedule() demotes it to READY and
// requeues it at the tail.
func (p *Process) Yield(s *Scheduler) {
	p.yieldTok <- struct{}{}
	<-p.runTok
}

// CheckPreempt is the cooperative preemption checkpoint thread bodies
// call periodically (SPEC_FULL.md §9's "preemption model" resolution: no
// asynchronous mid-instruction halt is possible on a hosted goroutine, so
// preemption is only ever observed at a checkpoint). It also delivers any
// pending, unblocked, non-ignored signal before returning.
func (p *Process) CheckPreempt(s *Scheduler) {
	if sig, act, ok := p.Signals.NextDeliverable(); ok {
		deliverSignal(s, p, sig, act)
	}
	p.Yield(s)
}

func deliverSignal(s *Scheduler, p *Process, sig int, act SigAction) {
	saved := p.Signals.Consume(sig, act)
	kmetrics.SignalsDelivered.Inc()
	if act.Disposition == ActionHandler {
		frame := BuildFrame(RegisterFrame{})
		act.Handler(sig, frame.Saved)
		p.Signals.Restore(saved)
		return
	}
	// ActionDefault: the per-signal default table decides (spec.md §4.6).
	p.Signals.Restore(saved)
	switch DefaultFor(sig) {
	case DefaultStop:
		// Job-control stop: park until SIGCONT arrives. Any other
		// deliverable signal (a terminating one, say) also ends the
		// stop and is picked up at the next delivery check.
		for {
			s.Suspend(ksync.ThreadID(p.PID), 0)
			if p.Signals.ConsumeContinue() {
				return
			}
			if _, _, ok := p.Signals.NextDeliverable(); ok {
				return
			}
		}
	case DefaultCont, DefaultIgnore:
		// CONT's real work happens at Kill time (waking a stopped
		// process); delivered to a running process it is a no-op.
		// DefaultIgnore signals are normally filtered out before
		// delivery and never reach here.
		return
	default:
		panic(killSignal{code: 128 + sig})
	}
}

// Snapshot implements procfs.Source's process listing.
func (s *Scheduler) Snapshot() []ProcSnapshot {
	s.lock.LockIRQSave()
	defer s.lock.UnlockIRQRestore()
	out := make([]ProcSnapshot, 0, len(s.table))
	for _, p := range s.table {
		pending, blocked := p.Signals.Masks()
		maps := make([]MapSnapshot, len(p.Mmaps))
		for i, m := range p.Mmaps {
			maps[i] = MapSnapshot{Base: uint64(m.Base) * mm.PageSize, Length: uint64(m.Pages) * mm.PageSize, Shmid: m.Shmid}
		}
		fdFlags := make(map[uint32]uint64)
		for fd, packed := range p.FDTable.FlagsSnapshot() {
			fdFlags[uint32(fd)] = packed
		}
		out = append(out, ProcSnapshot{
			PID:        uint64(p.PID),
			PPID:       uint64(p.PPID),
			Pgrp:       uint64(p.Pgid),
			Session:    uint64(p.Sid),
			State:      p.State.String(),
			Priority:   p.Priority,
			SigPending: pending,
			SigBlocked: blocked,
			HeapStart:  uint64(userHeapBase) * mm.PageSize,
			HeapBreak:  uint64(p.Brk) * mm.PageSize,
			Maps:       maps,
			FDFlags:    fdFlags,
		})
	}
	return out
}

// ProcSnapshot is the read-only view of a Process exposed outside proc
// (procfs, /proc rendering) without leaking scheduling internals. Field
// names mirror the "Key:\tvalue" lines of /proc/<pid>/status (spec.md §6).
type ProcSnapshot struct {
	PID        uint64
	PPID       uint64
	Pgrp       uint64
	Session    uint64
	State      string
	Priority   int
	SigPending uint32
	SigBlocked uint32
	HeapStart  uint64
	HeapBreak  uint64
	Maps       []MapSnapshot
	FDFlags    map[uint32]uint64
}

// MapSnapshot is one line of /proc/<pid>/maps.
type MapSnapshot struct {
	Base   uint64
	Length uint64
	Shmid  int32
}

func kpanic(msg string) {
	panic("proc: " + msg)
}
