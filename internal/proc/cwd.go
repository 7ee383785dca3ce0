package proc

import "github.com/mazarin-os/kernelcore/internal/ksync"

// CwdCell holds a process's current working directory behind a lock, so
// CLONE_FS (clone.go) can make two Processes share one cwd the same way
// real threads in one process share struct fs_struct: a chdir(2) in
// either is visible to both. A process that doesn't share FS with anyone
// gets its own CwdCell seeded with a copy of its parent's path.
type CwdCell struct {
	lock ksync.SpinLock
	path string
}

// NewCwdCell returns a CwdCell holding path, unshared with anything.
func NewCwdCell(path string) *CwdCell {
	return &CwdCell{path: path}
}

func (c *CwdCell) Get() string {
	c.lock.LockIRQSave()
	defer c.lock.UnlockIRQRestore()
	return c.path
}

func (c *CwdCell) Set(path string) {
	c.lock.LockIRQSave()
	c.path = path
	c.lock.UnlockIRQRestore()
}
