package mm

import (
	"sync/atomic"

	"github.com/mazarin-os/kernelcore/internal/kerrno"
	"github.com/mazarin-os/kernelcore/internal/kmetrics"
	"github.com/mazarin-os/kernelcore/internal/ksync"
)

// VPN is a virtual page number (virtual address / PageSize).
type VPN uint32

// PTE is one page-table entry: the frame a virtual page maps to plus its
// permission/marker flags.
type PTE struct {
	Frame Frame
	Flags Flags
}

// KernelHalf is the page-table half shared, byte-for-byte, across every
// address space (spec.md §4.2: "allocate a fresh address space with the
// kernel half identical (shared)"). There is exactly one KernelHalf per
// running kernel; every AddressSpace holds a reference to it instead of
// copying it.
type KernelHalf struct {
	lock  ksync.SpinLock
	table map[VPN]PTE
}

func NewKernelHalf() *KernelHalf {
	return &KernelHalf{table: map[VPN]PTE{}}
}

func (k *KernelHalf) Map(virt VPN, frame Frame, flags Flags) {
	k.lock.LockIRQSave()
	defer k.lock.UnlockIRQRestore()
	k.table[virt] = PTE{Frame: frame, Flags: flags | PRESENT}
}

func (k *KernelHalf) lookup(virt VPN) (PTE, bool) {
	k.lock.LockIRQSave()
	defer k.lock.UnlockIRQRestore()
	pte, ok := k.table[virt]
	return pte, ok
}

// AddressSpace is one process's virtual memory: a user-mapped page table
// plus a shared reference to the kernel half (spec.md §3 "Address space").
type AddressSpace struct {
	lock   ksync.SpinLock
	kernel *KernelHalf
	user   map[VPN]PTE
	alloc  *FrameAllocator
	refs   int32 // sharers beyond the creator, e.g. CLONE_VM threads (proc.Clone)
}

// Manager is the kernel-wide address-space manager (spec.md §4.2).
type Manager struct {
	kernel *KernelHalf
	alloc  *FrameAllocator
}

func NewManager(alloc *FrameAllocator) *Manager {
	return &Manager{kernel: NewKernelHalf(), alloc: alloc}
}

func (m *Manager) Kernel() *KernelHalf { return m.kernel }

// Allocator returns the frame allocator backing this manager's address
// spaces, so a caller that only holds a *Manager (proc.Scheduler) can
// still build a ucopy.Copier for a process whose AS it already knows.
func (m *Manager) Allocator() *FrameAllocator { return m.alloc }

// CloneKernel produces a fresh address space with no user mappings, sharing
// the kernel half. Used for kernel-only threads (pid 0, kernel workers).
func (m *Manager) CloneKernel() *AddressSpace {
	return &AddressSpace{kernel: m.kernel, user: map[VPN]PTE{}, alloc: m.alloc}
}

// CloneUserCOW implements spec.md §4.2's clone_user_cow: every user-mapped
// page in src is mapped into the clone at the same frame, WRITABLE is
// cleared in both, COW is set in both, and the frame's refcount is
// incremented once per clone.
func (m *Manager) CloneUserCOW(src *AddressSpace) *AddressSpace {
	src.lock.LockIRQSave()
	defer src.lock.UnlockIRQRestore()

	dst := &AddressSpace{kernel: m.kernel, user: make(map[VPN]PTE, len(src.user)), alloc: m.alloc}
	for virt, pte := range src.user {
		newFlags := (pte.Flags &^ WRITABLE) | COW
		src.user[virt] = PTE{Frame: pte.Frame, Flags: newFlags}
		dst.user[virt] = PTE{Frame: pte.Frame, Flags: newFlags}
		m.alloc.Incref(pte.Frame)
	}
	return dst
}

// MapPage installs a user mapping. Flags implicitly gains PRESENT and USER.
func (as *AddressSpace) MapPage(virt VPN, frame Frame, flags Flags) {
	as.lock.LockIRQSave()
	defer as.lock.UnlockIRQRestore()
	as.user[virt] = PTE{Frame: frame, Flags: flags | PRESENT | USER}
}

// UnmapPage removes a user mapping and decrefs its frame. Returns ENOENT if
// nothing was mapped there.
func (as *AddressSpace) UnmapPage(virt VPN) kerrno.Errno {
	as.lock.LockIRQSave()
	pte, ok := as.user[virt]
	if !ok {
		as.lock.UnlockIRQRestore()
		return kerrno.ENOENT
	}
	delete(as.user, virt)
	as.lock.UnlockIRQRestore()
	as.alloc.Decref(pte.Frame)
	return 0
}

// SetFlags overwrites the flags of an existing user mapping, preserving
// its frame.
func (as *AddressSpace) SetFlags(virt VPN, flags Flags) kerrno.Errno {
	as.lock.LockIRQSave()
	defer as.lock.UnlockIRQRestore()
	pte, ok := as.user[virt]
	if !ok {
		return kerrno.ENOENT
	}
	as.user[virt] = PTE{Frame: pte.Frame, Flags: flags}
	return 0
}

// Translate resolves a virtual page, consulting user mappings first, then
// the shared kernel half.
func (as *AddressSpace) Translate(virt VPN) (PTE, bool) {
	as.lock.LockIRQSave()
	pte, ok := as.user[virt]
	as.lock.UnlockIRQRestore()
	if ok {
		return pte, true
	}
	return as.kernel.lookup(virt)
}

// HandleCOWFault implements spec.md §4.2's handle_cow_fault: if the
// faulting page is COW and the fault was a write, either reclaim it (sole
// owner) or copy it (shared), returning whether the fault was resolved.
func (as *AddressSpace) HandleCOWFault(virt VPN) bool {
	as.lock.LockIRQSave()
	pte, ok := as.user[virt]
	if !ok || !pte.Flags.Has(COW) {
		as.lock.UnlockIRQRestore()
		kmetrics.PageFaults.WithLabelValues("unhandled").Inc()
		return false
	}

	if as.alloc.Refcount(pte.Frame) == 1 {
		as.user[virt] = PTE{Frame: pte.Frame, Flags: (pte.Flags &^ COW) | WRITABLE}
		as.lock.UnlockIRQRestore()
		kmetrics.PageFaults.WithLabelValues("cow-reclaim").Inc()
		return true
	}

	newFrame, errno := as.alloc.AllocPage()
	if errno != 0 {
		as.lock.UnlockIRQRestore()
		kmetrics.PageFaults.WithLabelValues("enomem").Inc()
		return false
	}
	as.alloc.ReadAt(pte.Frame, 0, as.alloc.RAM[int(newFrame)*PageSize:int(newFrame+1)*PageSize])
	as.user[virt] = PTE{Frame: newFrame, Flags: (pte.Flags &^ COW) | WRITABLE}
	as.lock.UnlockIRQRestore()
	as.alloc.Decref(pte.Frame)
	kmetrics.PageFaults.WithLabelValues("cow-copy").Inc()
	return true
}

// Incref records another thread sharing this address space (CLONE_VM),
// so Destroy leaves the mappings alone until every sharer has exited.
func (as *AddressSpace) Incref() { atomic.AddInt32(&as.refs, 1) }

// Destroy walks user mappings, decrefs every leaf frame, per spec.md §4.2.
// Page-table intermediate nodes have no separate representation in the
// map-based form (Open Question resolution, SPEC_FULL.md §9), so there is
// nothing further to free there. If other threads still share this
// AddressSpace (CLONE_VM), this call only records that one fewer thread
// holds it and leaves the mappings intact for the rest.
func (as *AddressSpace) Destroy() {
	if atomic.AddInt32(&as.refs, -1) >= 0 {
		return
	}
	as.lock.LockIRQSave()
	defer as.lock.UnlockIRQRestore()
	for virt, pte := range as.user {
		as.alloc.Decref(pte.Frame)
		delete(as.user, virt)
	}
}

// UserMappingCount reports the number of user-mapped pages, for /proc/maps
// and tests.
func (as *AddressSpace) UserMappingCount() int {
	as.lock.LockIRQSave()
	defer as.lock.UnlockIRQRestore()
	return len(as.user)
}

// Snapshot returns a copy of the current user mappings sorted by caller,
// for /proc/<pid>/maps rendering.
func (as *AddressSpace) Snapshot() map[VPN]PTE {
	as.lock.LockIRQSave()
	defer as.lock.UnlockIRQRestore()
	out := make(map[VPN]PTE, len(as.user))
	for k, v := range as.user {
		out[k] = v
	}
	return out
}
