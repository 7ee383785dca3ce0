package proc

import (
	"context"
	"testing"
	"time"

	"github.com/mazarin-os/kernelcore/internal/kerrno"
	"github.com/mazarin-os/kernelcore/internal/mm"
	"github.com/mazarin-os/kernelcore/internal/shm"
	"github.com/mazarin-os/kernelcore/internal/vfs"
	"github.com/mazarin-os/kernelcore/internal/vfs/memfs"
	"github.com/stretchr/testify/require"
)

func newTestScheduler(t *testing.T, numCPU int) (*Scheduler, func()) {
	fa := mm.NewFrameAllocator(64 * mm.PageSize)
	mgr := mm.NewManager(fa)
	sched := NewScheduler(numCPU, mgr)
	ctx, cancel := context.WithCancel(context.Background())
	for i := 0; i < numCPU; i++ {
		go sched.RunCPU(ctx, i)
	}
	return sched, cancel
}

func TestForkExitWaitRoundTrip(t *testing.T) {
	sched, cancel := newTestScheduler(t, 1)
	defer cancel()

	result := make(chan struct {
		pid  PID
		code int
	}, 1)

	sched.Spawn(0, DefaultPriority, sched.asMgr.CloneKernel(), func(p *Process) {
		child := sched.Fork(p, func(c *Process) {
			sched.Exit(c, 7)
		})
		pid, code, errno := sched.Wait(p, child.PID, 0)
		require.Zero(t, errno)
		result <- struct {
			pid  PID
			code int
		}{pid, code}
		sched.Exit(p, 0)
	})

	select {
	case r := <-result:
		require.Equal(t, 7, r.code)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for fork/exit/wait round trip")
	}
}

func TestWaitReturnsECHILDWithNoChildren(t *testing.T) {
	sched, cancel := newTestScheduler(t, 1)
	defer cancel()

	errCh := make(chan int32, 1)
	sched.Spawn(0, DefaultPriority, sched.asMgr.CloneKernel(), func(p *Process) {
		_, _, errno := sched.Wait(p, 0, 0)
		errCh <- int32(errno)
		sched.Exit(p, 0)
	})

	select {
	case e := <-errCh:
		require.NotZero(t, e)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}
}

func TestKillInterruptsBlockedWaiter(t *testing.T) {
	sched, cancel := newTestScheduler(t, 1)
	defer cancel()

	childSpawned := make(chan PID, 1)
	result := make(chan int32, 1)

	parent := sched.Spawn(0, DefaultPriority, sched.asMgr.CloneKernel(), func(p *Process) {
		child := sched.Fork(p, func(c *Process) {
			for {
				c.CheckPreempt(sched) // never exits on its own
			}
		})
		childSpawned <- child.PID
		_, _, errno := sched.Wait(p, child.PID, 0)
		result <- int32(errno)
	})

	<-childSpawned
	time.Sleep(20 * time.Millisecond) // let the parent actually block in Wait
	sched.Kill(parent.PID, 15)

	select {
	case errno := <-result:
		require.NotZero(t, errno)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for interrupted wait")
	}
}

func TestExitReparentsOrphansToInit(t *testing.T) {
	sched, cancel := newTestScheduler(t, 1)
	defer cancel()

	// The first process ever spawned is always pid 1 (nextPID starts at
	// 1), so it doubles as init for reparenting purposes.
	initP := sched.Spawn(0, DefaultPriority, sched.asMgr.CloneKernel(), func(p *Process) {
		for {
			p.CheckPreempt(sched)
		}
	})
	require.Equal(t, InitPID, initP.PID)

	var grandchild *Process
	mid := sched.Spawn(initP.PID, DefaultPriority, sched.asMgr.CloneKernel(), func(p *Process) {
		grandchild = sched.Fork(p, func(c *Process) {
			for {
				c.CheckPreempt(sched)
			}
		})
		sched.Exit(p, 0)
	})

	select {
	case <-mid.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for mid to exit")
	}

	require.Equal(t, InitPID, grandchild.PPID)
	require.Contains(t, initP.Children, grandchild.PID)
}

func TestExitDetachesRemainingShmAttachments(t *testing.T) {
	fa := mm.NewFrameAllocator(64 * mm.PageSize)
	mgr := mm.NewManager(fa)
	sched := NewScheduler(1, mgr)
	reg := shm.NewRegistry(fa)
	sched.SetShmRegistry(reg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sched.RunCPU(ctx, 0)

	seg, errno := reg.Get(99, mm.PageSize)
	require.Zero(t, errno)

	const baseVPN = mm.VPN(500)
	p := sched.Spawn(0, DefaultPriority, mgr.CloneKernel(), func(p *Process) {
		reg.Attach(seg, p.AS, baseVPN, mm.WRITABLE)
		p.Mmaps = append(p.Mmaps, MmapRegion{Base: baseVPN, Pages: 1, Shmid: int32(seg.Key)})
		// IPC_RMID while attached: deletion deferred to the exit-time detach.
		reg.Remove(99)
		sched.Exit(p, 0)
	})

	select {
	case <-p.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for process to exit")
	}

	_, stillThere := reg.Lookup(99)
	require.False(t, stillThere, "segment must be deleted once its sole attacher exits without an explicit shmdt")
	for _, f := range seg.Frames {
		require.EqualValues(t, 0, fa.Refcount(f),
			"exit-time detach of a removed segment must free its frames")
	}
}

func TestSchedulerPriorityOrdering(t *testing.T) {
	var rq RunQueue
	low := &Process{PID: 1, Priority: 20}
	high := &Process{PID: 2, Priority: 5}
	mid := &Process{PID: 3, Priority: 10}

	rq.Enqueue(low)
	rq.Enqueue(high)
	rq.Enqueue(mid)

	require.Equal(t, high, rq.Dequeue())
	require.Equal(t, mid, rq.Dequeue())
	require.Equal(t, low, rq.Dequeue())
	require.Nil(t, rq.Dequeue())
}

func TestSignalHandlerInvokedAndPendingCleared(t *testing.T) {
	sched, cancel := newTestScheduler(t, 1)
	defer cancel()

	handled := make(chan int, 1)
	sched.Spawn(0, DefaultPriority, sched.asMgr.CloneKernel(), func(p *Process) {
		p.Signals.SetAction(2, SigAction{
			Disposition: ActionHandler,
			Handler: func(sig int, saved RegisterFrame) {
				handled <- sig
			},
		})
		sched.Kill(p.PID, 2)
		p.CheckPreempt(sched)
		sched.Exit(p, 0)
	})

	select {
	case sig := <-handled:
		require.Equal(t, 2, sig)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for signal handler")
	}
}

func TestCloneVMSharesAddressSpace(t *testing.T) {
	sched, cancel := newTestScheduler(t, 1)
	defer cancel()

	seen := make(chan bool, 1)
	sched.Spawn(0, DefaultPriority, sched.asMgr.CloneKernel(), func(p *Process) {
		const vpn = mm.VPN(42)
		p.AS.MapPage(vpn, mm.Frame(1), mm.WRITABLE)

		child := sched.Clone(p, CloneVM, p.Priority, func(c *Process) {
			_, ok := c.AS.Translate(vpn)
			seen <- ok && c.AS == p.AS
			sched.Exit(c, 0)
		}, CloneOptions{})
		_, _, errno := sched.Wait(p, child.PID, 0)
		require.Zero(t, errno)
		sched.Exit(p, 0)
	})

	select {
	case ok := <-seen:
		require.True(t, ok, "CLONE_VM child must see the parent's mapping through the same AddressSpace")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for CLONE_VM child")
	}
}

func TestForkGivesIndependentAddressSpace(t *testing.T) {
	sched, cancel := newTestScheduler(t, 1)
	defer cancel()

	sched.Spawn(0, DefaultPriority, sched.asMgr.CloneKernel(), func(p *Process) {
		child := sched.Fork(p, func(c *Process) { sched.Exit(c, 0) })
		require.NotSame(t, p.AS, child.AS, "fork (CLONE_VM clear) must copy the address space, not share it")
		_, _, _ = sched.Wait(p, child.PID, 0)
		sched.Exit(p, 0)
	})
}

func TestCloneFilesSharesFDTable(t *testing.T) {
	sched, cancel := newTestScheduler(t, 1)
	defer cancel()

	result := make(chan bool, 1)
	sched.Spawn(0, DefaultPriority, sched.asMgr.CloneKernel(), func(p *Process) {
		of := vfs.NewOpenFile(memfs.NewFile(0644), "/x", vfs.FlagRDWR)
		fd := p.FDTable.Install(of)

		child := sched.Clone(p, CloneFiles, p.Priority, func(c *Process) {
			_, errno := c.FDTable.Get(fd)
			result <- errno == 0 && c.FDTable == p.FDTable
			sched.Exit(c, 0)
		}, CloneOptions{})
		_, _, _ = sched.Wait(p, child.PID, 0)
		sched.Exit(p, 0)
	})

	select {
	case ok := <-result:
		require.True(t, ok, "CLONE_FILES child must see the parent's fd through the same FDTable")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for CLONE_FILES child")
	}
}

func TestCloneSighandSharesSignalState(t *testing.T) {
	sched, cancel := newTestScheduler(t, 1)
	defer cancel()

	result := make(chan bool, 1)
	sched.Spawn(0, DefaultPriority, sched.asMgr.CloneKernel(), func(p *Process) {
		child := sched.Clone(p, CloneSighand, p.Priority, func(c *Process) {
			result <- c.Signals == p.Signals
			sched.Exit(c, 0)
		}, CloneOptions{})
		_, _, _ = sched.Wait(p, child.PID, 0)
		sched.Exit(p, 0)
	})

	select {
	case ok := <-result:
		require.True(t, ok, "CLONE_SIGHAND child must share the parent's SignalState pointer")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for CLONE_SIGHAND child")
	}
}

func TestForkCopiesSignalState(t *testing.T) {
	sched, cancel := newTestScheduler(t, 1)
	defer cancel()

	sched.Spawn(0, DefaultPriority, sched.asMgr.CloneKernel(), func(p *Process) {
		child := sched.Fork(p, func(c *Process) { sched.Exit(c, 0) })
		require.NotSame(t, p.Signals, child.Signals, "fork (CLONE_SIGHAND clear) must copy signal dispositions, not share them")
		_, _, _ = sched.Wait(p, child.PID, 0)
		sched.Exit(p, 0)
	})
}

func TestCloneThreadSharesThreadGroup(t *testing.T) {
	sched, cancel := newTestScheduler(t, 1)
	defer cancel()

	result := make(chan bool, 1)
	sched.Spawn(0, DefaultPriority, sched.asMgr.CloneKernel(), func(p *Process) {
		child := sched.Clone(p, CloneThread, p.Priority, func(c *Process) {
			result <- c.Tgid == p.Tgid && c.Pgid == p.Pgid && c.Sid == p.Sid
			sched.Exit(c, 0)
		}, CloneOptions{})
		_, _, _ = sched.Wait(p, child.PID, 0)
		sched.Exit(p, 0)
	})

	select {
	case ok := <-result:
		require.True(t, ok, "CLONE_THREAD child must join the parent's thread group")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for CLONE_THREAD child")
	}

	forkResult := make(chan bool, 1)
	sched.Spawn(0, DefaultPriority, sched.asMgr.CloneKernel(), func(p *Process) {
		child := sched.Fork(p, func(c *Process) {
			forkResult <- c.Tgid == c.PID && c.Tgid != p.Tgid
			sched.Exit(c, 0)
		})
		_, _, _ = sched.Wait(p, child.PID, 0)
		sched.Exit(p, 0)
	})

	select {
	case ok := <-forkResult:
		require.True(t, ok, "fork (CLONE_THREAD clear) must start a new thread group rooted at the child's own pid")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for forked child")
	}
}

// Within one priority level the queue is strictly FIFO: with N ready
// processes, each runs once before any runs twice.
func TestRunQueueRoundRobinWithinPriority(t *testing.T) {
	var rq RunQueue
	a := &Process{PID: 1, Priority: 5}
	b := &Process{PID: 2, Priority: 5}
	c := &Process{PID: 3, Priority: 5}
	rq.Enqueue(a)
	rq.Enqueue(b)
	rq.Enqueue(c)

	for round := 0; round < 3; round++ {
		for _, want := range []*Process{a, b, c} {
			got := rq.Dequeue()
			require.Same(t, want, got)
			rq.Enqueue(got)
		}
	}
}

func TestRunQueueHighestPriorityWins(t *testing.T) {
	var rq RunQueue
	low := &Process{PID: 1, Priority: 20}
	high := &Process{PID: 2, Priority: 0}
	rq.Enqueue(low)
	rq.Enqueue(high)
	require.Same(t, high, rq.Dequeue())
	require.Same(t, low, rq.Dequeue())
	require.Nil(t, rq.Dequeue())
}

func TestDefaultActionTable(t *testing.T) {
	require.Equal(t, DefaultTerm, DefaultFor(SIGTERM))
	require.Equal(t, DefaultTerm, DefaultFor(SIGSEGV))
	require.Equal(t, DefaultIgnore, DefaultFor(SIGCHLD))
	require.Equal(t, DefaultIgnore, DefaultFor(SIGWINCH))
	require.Equal(t, DefaultStop, DefaultFor(SIGSTOP))
	require.Equal(t, DefaultStop, DefaultFor(SIGTSTP))
	require.Equal(t, DefaultCont, DefaultFor(SIGCONT))
}

// A default-disposition SIGCHLD is discarded at the delivery check, not
// reported as deliverable and not left pending.
func TestChildSignalDefaultsToIgnore(t *testing.T) {
	st := NewSignalState()
	st.Raise(SIGCHLD)
	_, _, ok := st.NextDeliverable()
	require.False(t, ok)
	pending, _ := st.Masks()
	require.Zero(t, pending&(1<<SIGCHLD))
}

// SIGSTOP parks the process until SIGCONT arrives; neither terminates it.
func TestStopSignalParksProcessUntilCont(t *testing.T) {
	sched, cancel := newTestScheduler(t, 1)
	defer cancel()

	started := make(chan PID, 1)
	sched.Spawn(0, DefaultPriority, sched.asMgr.CloneKernel(), func(p *Process) {
		started <- p.PID
		for {
			p.CheckPreempt(sched)
		}
	})
	pid := <-started

	require.Zero(t, sched.Kill(pid, SIGSTOP))
	require.Eventually(t, func() bool {
		p, ok := sched.Lookup(pid)
		return ok && p.State == StateBlocked
	}, 2*time.Second, time.Millisecond, "SIGSTOP must park the process")

	require.Zero(t, sched.Kill(pid, SIGCONT))
	require.Eventually(t, func() bool {
		p, ok := sched.Lookup(pid)
		return ok && p.State != StateBlocked && p.State != StateZombie
	}, 2*time.Second, time.Millisecond, "SIGCONT must resume the stopped process")
}

// A terminating signal also ends a stop: the stopped process wakes and
// the termination is delivered at the next checkpoint.
func TestTermSignalEndsStop(t *testing.T) {
	sched, cancel := newTestScheduler(t, 1)
	defer cancel()

	started := make(chan PID, 1)
	sched.Spawn(0, DefaultPriority, sched.asMgr.CloneKernel(), func(p *Process) {
		started <- p.PID
		for {
			p.CheckPreempt(sched)
		}
	})
	pid := <-started

	require.Zero(t, sched.Kill(pid, SIGTSTP))
	require.Eventually(t, func() bool {
		p, ok := sched.Lookup(pid)
		return ok && p.State == StateBlocked
	}, 2*time.Second, time.Millisecond)

	require.Zero(t, sched.Kill(pid, SIGTERM))
	require.Eventually(t, func() bool {
		p, ok := sched.Lookup(pid)
		return ok && p.State == StateZombie && p.ExitCode == 128+SIGTERM
	}, 2*time.Second, time.Millisecond, "SIGTERM must end the stop and terminate")
}

func TestKillValidatesSignalNumber(t *testing.T) {
	sched, cancel := newTestScheduler(t, 1)
	defer cancel()

	started := make(chan PID, 1)
	sched.Spawn(0, DefaultPriority, sched.asMgr.CloneKernel(), func(p *Process) {
		started <- p.PID
		for {
			p.CheckPreempt(sched)
		}
	})
	pid := <-started

	require.Equal(t, kerrno.EINVAL, sched.Kill(pid, NumSignals))
	require.Equal(t, kerrno.EINVAL, sched.Kill(pid, -1))
	require.Zero(t, sched.Kill(pid, 0), "signal 0 probes for existence without delivering")
}
