package ktime

import (
	"time"

	"github.com/mazarin-os/kernelcore/internal/kerrno"
	"github.com/mazarin-os/kernelcore/internal/mm"
)

// VDSOBase is the fixed virtual address the vDSO page is mapped at in
// every address space (spec.md §6 "Shared vDSO page"), one page below a
// conventional 3 GiB kernel split.
const VDSOBase = uintptr(0xBFFFF000)

// VDSOHz is the tick frequency published alongside the tick count so
// user space can scale ticks to wall time without a syscall.
const VDSOHz = uint32(time.Second / TickDuration)

// vDSO page layout: tick_count u64 at offset 0, tick_hz u32 at offset 8,
// both little-endian.
const vdsoBytes = 12

// VDSO owns the shared page published to user space: one frame, mapped
// read-only into the kernel half (and therefore visible, USER-readable
// and never writable, in every address space), carrying {tick_count,
// tick_hz}. The timer handler refreshes it once per tick.
type VDSO struct {
	alloc *mm.FrameAllocator
	frame mm.Frame
}

// MapVDSO allocates the vDSO frame and installs it at VDSOBase in m's
// shared kernel half. USER without WRITABLE makes it readable from user
// space through the normal boundary checks while any copy_to_user aimed
// at it fails with EFAULT.
func MapVDSO(m *mm.Manager) (*VDSO, kerrno.Errno) {
	frame, errno := m.Allocator().AllocPage()
	if errno != 0 {
		return nil, errno
	}
	m.Kernel().Map(mm.VPN(VDSOBase/mm.PageSize), frame, mm.PRESENT|mm.USER)
	v := &VDSO{alloc: m.Allocator(), frame: frame}
	v.Update(0)
	return v, 0
}

// Update publishes the current tick count. Called from the timer handler
// once per tick (spec.md §6: "updated by the timer handler").
func (v *VDSO) Update(ticks uint64) {
	buf := make([]byte, vdsoBytes)
	for i := 0; i < 8; i++ {
		buf[i] = byte(ticks >> (8 * i))
	}
	for i := 0; i < 4; i++ {
		buf[8+i] = byte(VDSOHz >> (8 * i))
	}
	v.alloc.WriteAt(v.frame, 0, buf)
}
