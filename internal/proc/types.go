// Package proc implements the process/thread descriptor table and the
// O(1) multilevel-priority scheduler (spec.md §4.5), grounded on the
// teacher's src/mazboot/golang/main/{scheduler_bootstrap,goroutine}.go —
// which already modeled kernel threads as long-lived goroutines
// coordinated through channel handshakes rather than raw OS threads.
//
// This is a hosted simulation (SPEC_FULL.md §0/§1): there is no way to
// suspend an arbitrary goroutine mid-instruction from the outside, so
// preemption here is cooperative — every thread body must periodically
// call CheckPreempt (SPEC_FULL.md §9, "preemption model" resolution).
// Voluntary blocking (Suspend, via ksync primitives) works exactly like a
// real kernel's: the calling goroutine parks until the scheduler resumes
// it.
package proc

import (
	"github.com/mazarin-os/kernelcore/internal/ksync"
	"github.com/mazarin-os/kernelcore/internal/mm"
)

// NumPriorities is the number of distinct run-queue priority levels
// (spec.md §4.5: "32 run queues, one per priority level").
const NumPriorities = 32

// DefaultPriority is assigned to newly created processes absent a nice
// value adjustment.
const DefaultPriority = 16

// userHeapBase and userMmapBase divide a process's 32-bit user range
// (spec.md §1 Non-goals: "a single 32-bit flat-segment model") into a
// growable brk heap starting low and an anonymous-mmap region starting
// well above it, so the two never collide without either needing to
// consult the other.
const (
	userHeapBase mm.VPN = 0x1000
	userMmapBase mm.VPN = 0x40000
)

// State is a thread/process's scheduling state (spec.md §3 "Process
// states").
type State int

const (
	StateReady State = iota
	StateRunning
	StateBlocked
	StateSleeping
	StateZombie
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "READY"
	case StateRunning:
		return "RUNNING"
	case StateBlocked:
		return "BLOCKED"
	case StateSleeping:
		return "SLEEPING"
	case StateZombie:
		return "ZOMBIE"
	default:
		return "UNKNOWN"
	}
}

// PID identifies a process. Thread IDs (ksync.ThreadID) are PIDs widened;
// this kernel does not model a separate TID namespace (Non-goal, spec.md
// §4.5) — every schedulable thread is a Process.
type PID uint64

// Body is the code a thread runs, simulating the user/kernel program that
// would otherwise live at an ELF entry point. It receives the Process so
// it can call back into Suspend/Yield/CheckPreempt and read its own
// descriptor.
type Body func(p *Process)

// Process is both the process and (for this kernel's single-threaded-only
// process model, spec.md §4.5 Non-goals) the one thread inside it, except
// where CLONE_THREAD (clone.go) creates several Processes that share one
// Tgid: those form a thread group the way a real kernel's task_struct.tgid
// does, even though each still schedules as its own Process.
type Process struct {
	PID      PID
	Tgid     PID // thread-group id: PID of the group leader (spec.md §3)
	PPID     PID
	Priority int
	State    State
	ExitCode int
	CPU      int
	Home     int // CPU chosen at creation time; fixed for the process's life (spec.md §4.5 SMP)
	WakeAt   uint64 // tick at which a SLEEPING process becomes READY

	// Uid/Gid are the credentials checked against a vfs.Attr's owner bits
	// by the syscall layer's access checks (spec.md §3). A fresh process
	// fork()s them from its parent; only execve of a set-id image would
	// change them, and this kernel has no such image (Non-goal), so they
	// are otherwise immutable after creation.
	Uid uint32
	Gid uint32

	AS      *mm.AddressSpace
	FDTable *FDTable
	Signals *SignalState

	// TLSBase is the thread-local-storage pointer installed by
	// CLONE_SETTLS; this kernel never dereferences it itself, it is
	// purely a value a thread body can read back off its own Process.
	TLSBase uintptr

	// ChildTidClear is the user address CLONE_CHILD_CLEARTID asked to be
	// zeroed at this process's exit (see exitLocked). Zero means "none
	// requested". This kernel does not implement the futex wake that a
	// real set_tid_address/CLONE_CHILD_CLEARTID also performs (Non-goal:
	// no futex subsystem) — only the memory write.
	ChildTidClear uintptr

	Cwd      *CwdCell
	Pgid     PID
	Sid      PID
	Brk      mm.VPN // first unmapped VPN above the heap break
	MmapNext mm.VPN // next VPN handed out by anonymous mmap
	Mmaps    []MmapRegion

	Children []PID
	waiters  ksync.WaitQueue[PID] // threads blocked in Wait(p.PID)

	runTok   chan struct{}
	yieldTok chan struct{}
	wakeRsn  ksync.WakeReason
	done     chan struct{}

	body Body
}

// MmapRegion records one mapped range of a process's address space
// (spec.md §3 "up to N mmap regions"), so munmap/shmdt know how many
// pages to unmap and shmdt can find which shared segment backs a given
// base address.
type MmapRegion struct {
	Base  mm.VPN
	Pages int
	Shmid int32 // 0 for an anonymous mapping, else the shm.Key that backs it
}

func newProcess(pid, ppid PID, priority int, as *mm.AddressSpace, body Body) *Process {
	return &Process{
		PID:      pid,
		Tgid:     pid,
		PPID:     ppid,
		Priority: priority,
		State:    StateReady,
		CPU:      -1,
		AS:       as,
		FDTable:  NewFDTable(),
		Signals:  NewSignalState(),
		Cwd:      NewCwdCell("/"),
		Pgid:     pid,
		Sid:      pid,
		Brk:      userHeapBase,
		MmapNext: userMmapBase,
		runTok:   make(chan struct{}),
		yieldTok: make(chan struct{}),
		done:     make(chan struct{}),
		body:     body,
	}
}
