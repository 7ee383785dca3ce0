package ksync_test

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mazarin-os/kernelcore/internal/ksync"
	"github.com/mazarin-os/kernelcore/internal/mm"
	"github.com/mazarin-os/kernelcore/internal/proc"
)

// newTestScheduler mirrors internal/proc's own test harness: a real
// scheduler with live per-CPU run loops, since ksync.Sem/Mailbox/CondVar
// need an actual ksync.Scheduler to suspend and wake their callers.
func newTestScheduler(t *testing.T, numCPU int) (*proc.Scheduler, *mm.Manager) {
	t.Helper()
	fa := mm.NewFrameAllocator(64 * mm.PageSize)
	mgr := mm.NewManager(fa)
	sched := proc.NewScheduler(numCPU, mgr)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	for i := 0; i < numCPU; i++ {
		go sched.RunCPU(ctx, i)
	}
	return sched, mgr
}

// TestMailboxNoMessageLostOrDuplicated exercises spec.md §8's "Under N
// producers and 1 consumer on a mailbox of capacity C, no message is
// lost or duplicated" property.
func TestMailboxNoMessageLostOrDuplicated(t *testing.T) {
	sched, mgr := newTestScheduler(t, 4)
	mbox := ksync.NewMailbox[int](sched, 4)

	const producers = 6
	const perProducer = 20
	const total = producers * perProducer

	var wg sync.WaitGroup
	wg.Add(producers)
	for p := 0; p < producers; p++ {
		p := p
		sched.Spawn(0, proc.DefaultPriority, mgr.CloneKernel(), func(*proc.Process) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				require.NoError(t, mbox.Post(p*perProducer+i, 0))
			}
		})
	}

	received := make([]int, 0, total)
	var recvMu sync.Mutex
	done := make(chan struct{})
	sched.Spawn(0, proc.DefaultPriority, mgr.CloneKernel(), func(*proc.Process) {
		for i := 0; i < total; i++ {
			v, err := mbox.Fetch(0)
			require.NoError(t, err)
			recvMu.Lock()
			received = append(received, v)
			recvMu.Unlock()
		}
		close(done)
	})

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("consumer never received all messages")
	}
	wg.Wait()

	require.Len(t, received, total)
	sort.Ints(received)
	want := make([]int, total)
	for i := range want {
		want[i] = i
	}
	require.Equal(t, want, received)
}
