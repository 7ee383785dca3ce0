package ksync

// CondVar is a bounded-waiter condition variable (spec.md §4.4). Wait
// atomically releases mtx, joins the waiter list, and yields; it
// re-acquires mtx before returning, whether woken normally or abnormally.
type CondVar struct {
	lock    SpinLock
	waiters WaitQueue[ThreadID]
	sched   Scheduler
}

func NewCondVar(sched Scheduler) *CondVar {
	return &CondVar{sched: sched}
}

// Wait releases mtx, blocks until Signal/Broadcast (or timeoutMS elapses),
// then re-acquires mtx before returning.
func (c *CondVar) Wait(mtx *Mutex, timeoutMS int) error {
	id := c.sched.Current()
	c.lock.LockIRQSave()
	c.waiters.Push(id)
	c.lock.UnlockIRQRestore()

	mtx.Unlock()
	reason := c.sched.Suspend(id, timeoutMS)

	if reason != WokeNormally {
		c.lock.LockIRQSave()
		c.waiters.Remove(id)
		c.lock.UnlockIRQRestore()
	}

	if lockErr := mtx.Lock(); lockErr != nil {
		return lockErr
	}
	return AsTimeoutOrInterrupt(reason)
}

// Signal wakes one waiter, if any.
func (c *CondVar) Signal() {
	c.lock.LockIRQSave()
	id, ok := c.waiters.PopFront()
	c.lock.UnlockIRQRestore()
	if ok {
		c.sched.Wake(id)
	}
}

// Broadcast wakes every current waiter.
func (c *CondVar) Broadcast() {
	c.lock.LockIRQSave()
	all := c.waiters.Snapshot()
	c.waiters = WaitQueue[ThreadID]{}
	c.lock.UnlockIRQRestore()
	for _, id := range all {
		c.sched.Wake(id)
	}
}
