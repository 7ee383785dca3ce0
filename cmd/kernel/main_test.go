package main

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mazarin-os/kernelcore/internal/bootcfg"
	"github.com/mazarin-os/kernelcore/internal/driver"
	"github.com/mazarin-os/kernelcore/internal/ktime"
	"github.com/mazarin-os/kernelcore/internal/mm"
	"github.com/mazarin-os/kernelcore/internal/proc"
	"github.com/mazarin-os/kernelcore/internal/shm"
	"github.com/mazarin-os/kernelcore/internal/syscall"
)

func testKernel(t *testing.T) (*syscall.Kernel, *driver.FakeChar) {
	t.Helper()
	alloc := mm.NewFrameAllocator(4 * 1024 * 1024)
	heap := mm.NewHeap(make([]byte, 64*1024))
	asMgr := mm.NewManager(alloc)
	sched := proc.NewScheduler(1, asMgr)
	console := driver.NewFakeChar()
	clock := ktime.NewClock(&driver.FakeTimer{})
	cmdline := bootcfg.Parse([]string{"kernel.img", "init=/sbin/init"})
	mount := buildMountTable(console, sched, alloc, heap, clock, cmdline)
	kern := &syscall.Kernel{
		Sched:    sched,
		Mount:    mount,
		Alloc:    alloc,
		AS:       asMgr,
		Shm:      shm.NewRegistry(alloc),
		Programs: syscall.NewProgramTable(),
	}
	return kern, console
}

func TestBuildMountTableExposesDevAndProc(t *testing.T) {
	kern, _ := testKernel(t)
	ctx := newTestContext(t, kern)

	fd := kern.Dispatch(ctx.p, syscall.SysOpen, syscall.Args{int64(seedPath(t, kern, ctx.p, "/dev/console")), 0, 0})
	require.GreaterOrEqual(t, fd, int64(0), "opening /dev/console should succeed")

	fd2 := kern.Dispatch(ctx.p, syscall.SysOpen, syscall.Args{int64(seedPath(t, kern, ctx.p, "/proc/meminfo")), 0, 0})
	require.GreaterOrEqual(t, fd2, int64(0), "opening /proc/meminfo should succeed")
}

func TestWriteBannerReachesConsole(t *testing.T) {
	kern, console := testKernel(t)
	ctx := newTestContext(t, kern)

	writeBanner(kern, ctx.p, "hello from init\n")

	require.Contains(t, string(console.Written), "hello from init")
}

// testContext bundles a throwaway process spawned purely so handler tests
// have something to pass to Dispatch; it never runs its body (the test
// goroutine drives syscalls directly against it, the way proc_test.go
// drives Scheduler methods directly without a live CPU loop).
type testContext struct {
	p *proc.Process
}

func newTestContext(t *testing.T, kern *syscall.Kernel) testContext {
	t.Helper()
	p := kern.Sched.Spawn(0, proc.DefaultPriority, kern.AS.CloneKernel(), func(p *proc.Process) {})
	return testContext{p: p}
}

// seedPath writes a NUL-terminated path into a freshly mapped page of p's
// address space and returns the virtual address it was written at, so
// syscall tests have a valid user pointer to pass without a running body.
func seedPath(t *testing.T, kern *syscall.Kernel, p *proc.Process, path string) int {
	t.Helper()
	frame, errno := kern.Alloc.AllocPage()
	require.Zero(t, errno)
	const va = 0x3000 * mm.PageSize
	p.AS.MapPage(mm.VPN(va/mm.PageSize), frame, mm.PRESENT|mm.USER|mm.WRITABLE)
	kern.Alloc.WriteAt(frame, 0, append([]byte(path), 0))
	return va
}
