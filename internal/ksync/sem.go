package ksync

// Sem is a counting semaphore: {count, waiters, inner spinlock} per
// spec.md §4.4. Wait/Signal follow the spec's wording exactly, including
// enqueuing the woken thread outside the semaphore's own lock to avoid
// lock-order inversion with the scheduler lock.
type Sem struct {
	lock    SpinLock
	count   int32
	waiters WaitQueue[ThreadID]
	sched   Scheduler
}

// NewSem constructs a semaphore with the given initial count.
func NewSem(sched Scheduler, initial int32) *Sem {
	return &Sem{count: initial, sched: sched}
}

// Wait blocks forever until a unit is available.
func (s *Sem) Wait() error {
	return s.WaitTimeout(0)
}

// WaitTimeout blocks until a unit is available or timeoutMS elapses
// (0 = forever). Returns ErrTimeout or ErrInterrupted on abnormal wake.
func (s *Sem) WaitTimeout(timeoutMS int) error {
	s.lock.LockIRQSave()
	if s.count > 0 {
		s.count--
		s.lock.UnlockIRQRestore()
		return nil
	}
	id := s.sched.Current()
	s.waiters.Push(id)
	s.lock.UnlockIRQRestore()

	reason := s.sched.Suspend(id, timeoutMS)
	if reason == WokeNormally {
		return nil
	}

	// Abnormal wake: if we're still in the waiter list, Signal never
	// reached us, so remove ourselves (spec.md §4.4 wait_timeout: "checks
	// whether the thread is still in the waiter list").
	s.lock.LockIRQSave()
	s.waiters.Remove(id)
	s.lock.UnlockIRQRestore()
	return AsTimeoutOrInterrupt(reason)
}

// Signal releases one unit, waking the first still-waiting thread if any.
func (s *Sem) Signal() {
	s.lock.LockIRQSave()
	id, ok := s.waiters.PopFront()
	if !ok {
		s.count++
		s.lock.UnlockIRQRestore()
		return
	}
	s.lock.UnlockIRQRestore()
	s.sched.Wake(id)
}

// Count returns the current available count (diagnostic use only).
func (s *Sem) Count() int32 {
	s.lock.LockIRQSave()
	defer s.lock.UnlockIRQRestore()
	return s.count
}
