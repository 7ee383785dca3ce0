package syscall

import (
	"sync"

	"github.com/mazarin-os/kernelcore/internal/proc"
)

// ProgramTable maps a small integer id to the proc.Body a hosted
// fork/clone/execve will run as the child's (or the exec'ing process's
// new) continuation.
//
// A real kernel's fork/clone/execve register frame carries either
// nothing (fork just resumes the same instruction stream in both
// processes) or a path to an ELF image (execve) — neither of which this
// kernel has, since there is no decoded user instruction stream and no
// loader (spec.md §1 Non-goals). Registering a Body ahead of time under a
// small integer id is the closest stand-in that still lets these three
// syscalls travel through the same numbered (Nr, Args) register frame as
// every other syscall (spec.md §4.8) instead of being permanently
// unreachable through Kernel.Dispatch: the id is exactly the kind of
// six-register-compatible value Args already carries for every other
// call.
type ProgramTable struct {
	mu    sync.Mutex
	progs map[int64]proc.Body
	next  int64
}

// NewProgramTable returns an empty table. id 0 is never issued, so a
// zeroed Args slot reads as "no program" rather than a valid id.
func NewProgramTable() *ProgramTable {
	return &ProgramTable{progs: map[int64]proc.Body{}, next: 1}
}

// Register assigns body a fresh id and returns it.
func (t *ProgramTable) Register(body proc.Body) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.next
	t.next++
	t.progs[id] = body
	return id
}

// Lookup resolves an id registered by Register.
func (t *ProgramTable) Lookup(id int64) (proc.Body, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	body, ok := t.progs[id]
	return body, ok
}
