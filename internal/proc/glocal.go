package proc

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"
)

// goroutineID extracts the runtime's own per-goroutine identifier by
// parsing the header line of runtime.Stack's output ("goroutine 123
// [running]:"). The runtime deliberately doesn't expose this any other
// way; since every thread Body in this kernel runs on its own dedicated
// goroutine for its entire lifetime (SPEC_FULL.md §0), this is how
// Scheduler.Current() recovers "which Process is the calling goroutine"
// without threading an explicit parameter through every ksync primitive.
func goroutineID() uint64 {
	buf := make([]byte, 64)
	buf = buf[:runtime.Stack(buf, false)]
	buf = bytes.TrimPrefix(buf, []byte("goroutine "))
	i := bytes.IndexByte(buf, ' ')
	id, _ := strconv.ParseUint(string(buf[:i]), 10, 64)
	return id
}

// goroutineRegistry maps a running goroutine to the Process it is
// executing, so Scheduler.Current() can answer from inside whatever
// ksync call triggered it.
type goroutineRegistry struct {
	mu  sync.RWMutex
	idx map[uint64]*Process
}

func newGoroutineRegistry() *goroutineRegistry {
	return &goroutineRegistry{idx: map[uint64]*Process{}}
}

func (r *goroutineRegistry) bind(p *Process) {
	gid := goroutineID()
	r.mu.Lock()
	r.idx[gid] = p
	r.mu.Unlock()
}

func (r *goroutineRegistry) unbind() {
	gid := goroutineID()
	r.mu.Lock()
	delete(r.idx, gid)
	r.mu.Unlock()
}

func (r *goroutineRegistry) current() *Process {
	gid := goroutineID()
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.idx[gid]
}
