package ksync

// Mailbox is a fixed-capacity circular buffer of opaque values guarded by
// two semaphores (not_empty, not_full), per spec.md §4.4. Generalized from
// the teacher's src/mazboot/golang/main/mailbox.go, which wired the same
// not-empty/not-full handshake directly to a single hardware MMIO
// property-channel register instead of a generic ring buffer.
type Mailbox[T any] struct {
	lock     SpinLock
	buf      []T
	head     int
	count    int
	notEmpty *Sem
	notFull  *Sem
}

func NewMailbox[T any](sched Scheduler, capacity int) *Mailbox[T] {
	return &Mailbox[T]{
		buf:      make([]T, capacity),
		notEmpty: NewSem(sched, 0),
		notFull:  NewSem(sched, int32(capacity)),
	}
}

// Post enqueues a message, blocking (up to timeoutMS) while the mailbox is
// full.
func (m *Mailbox[T]) Post(v T, timeoutMS int) error {
	if err := m.notFull.WaitTimeout(timeoutMS); err != nil {
		return err
	}
	m.lock.LockIRQSave()
	idx := (m.head + m.count) % len(m.buf)
	m.buf[idx] = v
	m.count++
	m.lock.UnlockIRQRestore()
	m.notEmpty.Signal()
	return nil
}

// Fetch dequeues a message, blocking (up to timeoutMS) while empty.
func (m *Mailbox[T]) Fetch(timeoutMS int) (T, error) {
	var zero T
	if err := m.notEmpty.WaitTimeout(timeoutMS); err != nil {
		return zero, err
	}
	m.lock.LockIRQSave()
	v := m.buf[m.head]
	m.buf[m.head] = zero
	m.head = (m.head + 1) % len(m.buf)
	m.count--
	m.lock.UnlockIRQRestore()
	m.notFull.Signal()
	return v, nil
}

func (m *Mailbox[T]) Len() int {
	m.lock.LockIRQSave()
	defer m.lock.UnlockIRQRestore()
	return m.count
}
