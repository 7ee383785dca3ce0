package syscall

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/mazarin-os/kernelcore/internal/driver"
	"github.com/mazarin-os/kernelcore/internal/kerrno"
	"github.com/mazarin-os/kernelcore/internal/ktime"
	"github.com/mazarin-os/kernelcore/internal/mm"
	"github.com/mazarin-os/kernelcore/internal/proc"
	"github.com/mazarin-os/kernelcore/internal/shm"
	"github.com/mazarin-os/kernelcore/internal/vfs"
	"github.com/mazarin-os/kernelcore/internal/vfs/devfs"
	"github.com/mazarin-os/kernelcore/internal/vfs/memfs"
)

// newTestKernel wires every subsystem a handler might touch, with numCPU
// RunCPU loops actually running so Suspend-based syscalls (waitpid,
// nanosleep, poll/select) resolve the way they would under cmd/kernel
// instead of blocking forever — mirroring internal/proc's own
// newTestScheduler harness in proc_test.go.
func newTestKernel(t *testing.T, numCPU int) *Kernel {
	t.Helper()
	alloc := mm.NewFrameAllocator(256 * mm.PageSize)
	asMgr := mm.NewManager(alloc)
	sched := proc.NewScheduler(numCPU, asMgr)

	root := memfs.NewDir(0755)
	mt := vfs.NewMountTable(root)

	timer := &driver.FakeTimer{}
	clock := ktime.NewClock(timer)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	for i := 0; i < numCPU; i++ {
		go sched.RunCPU(ctx, i)
	}

	return &Kernel{
		Sched:    sched,
		Mount:    mt,
		Alloc:    alloc,
		AS:       asMgr,
		Shm:      shm.NewRegistry(alloc),
		Clock:    clock,
		Programs: NewProgramTable(),
	}
}

// seedBytes writes buf into a freshly mapped page of p's address space at
// va and returns va, giving a syscall test a valid user pointer to pass
// through Args without an emulated instruction stream to produce one.
func seedBytes(t *testing.T, k *Kernel, p *proc.Process, va int64, buf []byte) int64 {
	t.Helper()
	require.LessOrEqual(t, len(buf), mm.PageSize)
	frame, errno := k.Alloc.AllocPage()
	require.Zero(t, errno)
	p.AS.MapPage(mm.VPN(va/mm.PageSize), frame, mm.PRESENT|mm.USER|mm.WRITABLE)
	k.Alloc.WriteAt(frame, 0, buf)
	return va
}

const scratchVA = int64(0x5000 * mm.PageSize)

// runInProcess spawns a process whose body runs fn and waits for it to
// return. Handlers that call Suspend must run on the process's own
// goroutine under a live CPU loop, exactly as a real syscall would
// execute on the calling thread.
func runInProcess(t *testing.T, k *Kernel, fn func(p *proc.Process)) {
	t.Helper()
	done := make(chan struct{})
	k.Sched.Spawn(0, proc.DefaultPriority, k.AS.CloneKernel(), func(p *proc.Process) {
		defer close(done)
		fn(p)
	})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for process body")
	}
}

func TestFileOpenWriteReadRoundTrip(t *testing.T) {
	k := newTestKernel(t, 1)

	runInProcess(t, k, func(p *proc.Process) {
		pathVA := seedBytes(t, k, p, scratchVA, []byte("/greeting\x00"))
		fd := k.Dispatch(p, SysOpen, Args{pathVA, int64(vfs.FlagCreat | vfs.FlagWROnly), 0644})
		require.GreaterOrEqual(t, fd, int64(0))

		msgVA := seedBytes(t, k, p, scratchVA+int64(mm.PageSize), []byte("hello"))
		n := k.Dispatch(p, SysWrite, Args{fd, msgVA, 5})
		require.EqualValues(t, 5, n)
		require.Zero(t, k.Dispatch(p, SysClose, Args{fd}))

		fd2 := k.Dispatch(p, SysOpen, Args{pathVA, int64(vfs.FlagRDOnly), 0})
		require.GreaterOrEqual(t, fd2, int64(0))
		readVA := seedBytes(t, k, p, scratchVA+int64(2*mm.PageSize), make([]byte, 8))
		n2 := k.Dispatch(p, SysRead, Args{fd2, readVA, 5})
		require.EqualValues(t, 5, n2)
	})
}

func TestMmapMunmapRoundTrip(t *testing.T) {
	k := newTestKernel(t, 1)

	runInProcess(t, k, func(p *proc.Process) {
		ret := k.Dispatch(p, SysMmap, Args{0, int64(mm.PageSize * 2), unix.PROT_READ | unix.PROT_WRITE, unix.MAP_ANON | unix.MAP_PRIVATE, -1, 0})
		require.GreaterOrEqual(t, ret, int64(0))
		require.Len(t, p.Mmaps, 1)
		require.Equal(t, 2, p.Mmaps[0].Pages)

		unmapRet := k.Dispatch(p, SysMunmap, Args{ret, int64(mm.PageSize * 2)})
		require.Zero(t, unmapRet)
		require.Empty(t, p.Mmaps)
	})
}

func TestBrkGrowAndShrink(t *testing.T) {
	k := newTestKernel(t, 1)

	runInProcess(t, k, func(p *proc.Process) {
		start := k.Dispatch(p, SysBrk, Args{0})
		require.GreaterOrEqual(t, start, int64(0))

		grown := k.Dispatch(p, SysBrk, Args{start + int64(mm.PageSize)})
		require.Equal(t, start+int64(mm.PageSize), grown)

		shrunk := k.Dispatch(p, SysBrk, Args{start})
		require.Equal(t, start, shrunk)
	})
}

func TestWaitpidReapsChildAndReportsExitCode(t *testing.T) {
	k := newTestKernel(t, 2)

	runInProcess(t, k, func(p *proc.Process) {
		child := k.Fork(p, func(c *proc.Process) {
			k.Dispatch(c, SysExit, Args{42})
		})

		statusVA := seedBytes(t, k, p, scratchVA, make([]byte, 4))
		reaped := k.Dispatch(p, SysWaitpid, Args{int64(child.PID), statusVA, 0})
		require.Equal(t, int64(child.PID), reaped)

		cp := newContext(k, p).Cp
		buf := make([]byte, 4)
		require.Zero(t, cp.CopyFromUser(buf, uintptr(statusVA)))
		require.EqualValues(t, 42, getU32(buf))
	})
}

func TestWaitpidNoHangReturnsZeroWithoutAZombie(t *testing.T) {
	k := newTestKernel(t, 2)

	runInProcess(t, k, func(p *proc.Process) {
		k.Fork(p, func(c *proc.Process) {
			for {
				c.CheckPreempt(k.Sched)
			}
		})
		ret := k.Dispatch(p, SysWaitpid, Args{0, 0, proc.WaitNoHang})
		require.Zero(t, ret)
	})
}

func TestKillSignalZeroProbesTarget(t *testing.T) {
	k := newTestKernel(t, 2)

	runInProcess(t, k, func(p *proc.Process) {
		ret := k.Dispatch(p, SysKill, Args{int64(p.PID), 0})
		require.Zero(t, ret)
	})
}

func TestSigactionInstallsIgnoreDisposition(t *testing.T) {
	k := newTestKernel(t, 1)

	runInProcess(t, k, func(p *proc.Process) {
		wire := sigActionWire{Disposition: int32(proc.ActionIgnore)}
		actVA := seedBytes(t, k, p, scratchVA, wire.bytes())
		ret := k.Dispatch(p, SysSigaction, Args{2, actVA, 0})
		require.Zero(t, ret)

		old, errno := p.Signals.GetAction(2)
		require.Zero(t, errno)
		require.Equal(t, proc.ActionIgnore, old.Disposition)
	})
}

func TestSigactionRejectsHandlerDisposition(t *testing.T) {
	k := newTestKernel(t, 1)

	runInProcess(t, k, func(p *proc.Process) {
		wire := sigActionWire{Disposition: int32(proc.ActionHandler)}
		actVA := seedBytes(t, k, p, scratchVA, wire.bytes())
		ret := k.Dispatch(p, SysSigaction, Args{2, actVA, 0})
		require.Negative(t, ret)
	})
}

func TestShmgetAttachDetach(t *testing.T) {
	k := newTestKernel(t, 1)

	runInProcess(t, k, func(p *proc.Process) {
		id := k.Dispatch(p, SysShmget, Args{99, int64(mm.PageSize), ipcCreat})
		require.GreaterOrEqual(t, id, int64(0))

		addr := k.Dispatch(p, SysShmat, Args{id, 0, 0})
		require.GreaterOrEqual(t, addr, int64(0))
		require.Len(t, p.Mmaps, 1)

		ret := k.Dispatch(p, SysShmdt, Args{addr})
		require.Zero(t, ret)
		require.Empty(t, p.Mmaps)
	})
}

func TestNanosleepBlocksUntilTicksElapse(t *testing.T) {
	k := newTestKernel(t, 2)

	runInProcess(t, k, func(p *proc.Process) {
		reqVA := seedBytes(t, k, p, scratchVA, timespecWire{Sec: 0, Nsec: 2_000_000}.bytes())

		done := make(chan int64, 1)
		go func() { done <- k.Dispatch(p, SysNanosleep, Args{reqVA, 0}) }()

		for i := 0; i < 5; i++ {
			k.Sched.Tick()
			time.Sleep(2 * time.Millisecond)
		}
		select {
		case ret := <-done:
			require.Zero(t, ret)
		case <-time.After(2 * time.Second):
			t.Fatal("nanosleep never returned")
		}
	})
}

func TestClockGettimeReportsElapsedTicks(t *testing.T) {
	k := newTestKernel(t, 1)

	runInProcess(t, k, func(p *proc.Process) {
		tsVA := seedBytes(t, k, p, scratchVA, make([]byte, 16))
		ret := k.Dispatch(p, SysClockGettime, Args{clockMonotonic, tsVA})
		require.Zero(t, ret)
	})
}

func TestPollReportsFileAlwaysReady(t *testing.T) {
	k := newTestKernel(t, 1)

	runInProcess(t, k, func(p *proc.Process) {
		pathVA := seedBytes(t, k, p, scratchVA, []byte("/pollable\x00"))
		fd := k.Dispatch(p, SysOpen, Args{pathVA, int64(vfs.FlagCreat | vfs.FlagWROnly), 0644})
		require.GreaterOrEqual(t, fd, int64(0))

		pollfd := make([]byte, pollfdWireSize)
		putU32(pollfd[0:4], uint32(fd))
		pollfd[4] = byte(vfs.PollOut)
		pollfd[5] = byte(vfs.PollOut >> 8)
		fdsVA := seedBytes(t, k, p, scratchVA+int64(mm.PageSize), pollfd)

		ready := k.Dispatch(p, SysPoll, Args{fdsVA, 1, 0})
		require.EqualValues(t, 1, ready)
	})
}

func TestResolvePathSubstitutesProcSelfWithCallingPid(t *testing.T) {
	k := newTestKernel(t, 1)
	runInProcess(t, k, func(p *proc.Process) {
		want := fmt.Sprintf("/proc/%d", p.PID)
		require.Equal(t, want, resolvePath(p, "/proc/self"))
		require.Equal(t, want+"/status", resolvePath(p, "/proc/self/status"))
	})
}

func TestMkdirRmdirRoundTrip(t *testing.T) {
	k := newTestKernel(t, 1)

	runInProcess(t, k, func(p *proc.Process) {
		pathVA := seedBytes(t, k, p, scratchVA, []byte("/sub\x00"))
		require.Zero(t, k.Dispatch(p, SysMkdir, Args{pathVA, 0755}))

		fd := k.Dispatch(p, SysOpen, Args{pathVA, int64(vfs.FlagRDOnly), 0})
		require.GreaterOrEqual(t, fd, int64(0))
		require.Zero(t, k.Dispatch(p, SysClose, Args{fd}))

		require.Zero(t, k.Dispatch(p, SysRmdir, Args{pathVA}))

		// The directory is gone: opening it again fails.
		fd2 := k.Dispatch(p, SysOpen, Args{pathVA, int64(vfs.FlagRDOnly), 0})
		require.Negative(t, fd2)
	})
}

func TestRenamePreservesInode(t *testing.T) {
	k := newTestKernel(t, 1)

	runInProcess(t, k, func(p *proc.Process) {
		oldVA := seedBytes(t, k, p, scratchVA, []byte("/old\x00"))
		fd := k.Dispatch(p, SysOpen, Args{oldVA, int64(vfs.FlagCreat | vfs.FlagWROnly), 0644})
		require.GreaterOrEqual(t, fd, int64(0))
		require.Zero(t, k.Dispatch(p, SysClose, Args{fd}))

		statVA := seedBytes(t, k, p, scratchVA+int64(mm.PageSize), make([]byte, 24))
		require.Zero(t, k.Dispatch(p, SysStat, Args{oldVA, statVA}))
		cp := newContext(k, p).Cp
		before := make([]byte, 24)
		require.Zero(t, cp.CopyFromUser(before, uintptr(statVA)))
		inoBefore := getU64(before[0:8])

		newVA := seedBytes(t, k, p, scratchVA+int64(2*mm.PageSize), []byte("/new\x00"))
		require.Zero(t, k.Dispatch(p, SysRename, Args{oldVA, newVA}))

		require.Zero(t, k.Dispatch(p, SysStat, Args{newVA, statVA}))
		after := make([]byte, 24)
		require.Zero(t, cp.CopyFromUser(after, uintptr(statVA)))
		inoAfter := getU64(after[0:8])

		require.Equal(t, inoBefore, inoAfter)

		// The old name no longer resolves.
		fd2 := k.Dispatch(p, SysOpen, Args{oldVA, int64(vfs.FlagRDOnly), 0})
		require.Negative(t, fd2)
	})
}

// TestGetdentsPaginatesAcrossSmallBuffers exercises spec.md §8's
// "getdents on a directory with K entries returns each entry exactly
// once across however many calls are needed".
func TestGetdentsPaginatesAcrossSmallBuffers(t *testing.T) {
	k := newTestKernel(t, 1)

	runInProcess(t, k, func(p *proc.Process) {
		dirVA := seedBytes(t, k, p, scratchVA, []byte("/listing\x00"))
		require.Zero(t, k.Dispatch(p, SysMkdir, Args{dirVA, 0755}))

		const numFiles = 5
		for i := 0; i < numFiles; i++ {
			nameVA := seedBytes(t, k, p, scratchVA+int64((i+1)*mm.PageSize), []byte(fmt.Sprintf("/listing/f%d\x00", i)))
			fd := k.Dispatch(p, SysOpen, Args{nameVA, int64(vfs.FlagCreat | vfs.FlagWROnly), 0644})
			require.GreaterOrEqual(t, fd, int64(0))
			require.Zero(t, k.Dispatch(p, SysClose, Args{fd}))
		}

		dfd := k.Dispatch(p, SysOpen, Args{dirVA, int64(vfs.FlagRDOnly), 0})
		require.GreaterOrEqual(t, dfd, int64(0))

		// ".", "..", and numFiles entries; a buffer far too small to hold
		// them all forces repeated calls, each returning a disjoint
		// prefix until the sequence is exhausted.
		bufVA := scratchVA + int64((numFiles+2)*mm.PageSize)
		seen := map[string]bool{}
		const smallBuf = 20
		for calls := 0; calls < 3*(numFiles+2); calls++ {
			_ = seedBytes(t, k, p, bufVA, make([]byte, smallBuf))
			n := k.Dispatch(p, SysGetdents, Args{dfd, bufVA, smallBuf})
			if n == 0 {
				break
			}
			require.Greater(t, n, int64(0))

			cp := newContext(k, p).Cp
			raw := make([]byte, n)
			require.Zero(t, cp.CopyFromUser(raw, uintptr(bufVA)))
			for off := 0; off < len(raw); {
				reclen := int(raw[off+8]) | int(raw[off+9])<<8
				nameEnd := off + 11
				for raw[nameEnd] != 0 {
					nameEnd++
				}
				name := string(raw[off+11 : nameEnd])
				require.False(t, seen[name], "entry %q returned twice", name)
				seen[name] = true
				off += reclen
			}
		}

		require.True(t, seen["."])
		require.True(t, seen[".."])
		for i := 0; i < numFiles; i++ {
			require.True(t, seen[fmt.Sprintf("f%d", i)], "missing entry f%d", i)
		}
		require.Len(t, seen, numFiles+2)
	})
}

// Parent writes into a pipe, the forked child reads it and then observes
// EOF once both write-end descriptors are closed.
func TestPipeForkParentWritesChildReadsThenEOF(t *testing.T) {
	k := newTestKernel(t, 2)

	runInProcess(t, k, func(p *proc.Process) {
		fdsVA := seedBytes(t, k, p, scratchVA, make([]byte, 8))
		require.Zero(t, k.Dispatch(p, SysPipe, Args{fdsVA}))

		cp := newContext(k, p).Cp
		fds := make([]byte, 8)
		require.Zero(t, cp.CopyFromUser(fds, uintptr(fdsVA)))
		rfd := int64(getU32(fds[0:4]))
		wfd := int64(getU32(fds[4:8]))

		readVA := seedBytes(t, k, p, scratchVA+int64(mm.PageSize), make([]byte, 16))

		type result struct {
			first  int64
			data   string
			second int64
		}
		got := make(chan result, 1)
		child := k.Fork(p, func(c *proc.Process) {
			k.Dispatch(c, SysClose, Args{wfd})
			n1 := k.Dispatch(c, SysRead, Args{rfd, readVA, 10})
			buf := make([]byte, 6)
			ccp := newContext(k, c).Cp
			require.Zero(t, ccp.CopyFromUser(buf, uintptr(readVA)))
			n2 := k.Dispatch(c, SysRead, Args{rfd, readVA, 10})
			got <- result{first: n1, data: string(buf), second: n2}
			k.Dispatch(c, SysExit, Args{0})
		})

		msgVA := seedBytes(t, k, p, scratchVA+int64(2*mm.PageSize), []byte("abcdef"))
		require.EqualValues(t, 6, k.Dispatch(p, SysWrite, Args{wfd, msgVA, 6}))
		require.Zero(t, k.Dispatch(p, SysClose, Args{wfd}))

		select {
		case r := <-got:
			require.EqualValues(t, 6, r.first)
			require.Equal(t, "abcdef", r.data)
			require.Zero(t, r.second)
		case <-time.After(2 * time.Second):
			t.Fatal("child never finished reading")
		}
		require.Equal(t, int64(child.PID), k.Dispatch(p, SysWaitpid, Args{int64(child.PID), 0, 0}))
	})
}

// Poll on an empty pipe times out with no ready descriptors, then
// reports POLLIN once a writer delivers a byte.
func TestPollPipeTimesOutThenReportsReadable(t *testing.T) {
	k := newTestKernel(t, 2)

	// poll sleeps one tick between readiness sweeps; drive the tick the
	// way cmd/kernel's timer loop would.
	tickCtx, stopTicks := context.WithCancel(context.Background())
	defer stopTicks()
	go func() {
		for {
			select {
			case <-tickCtx.Done():
				return
			default:
				k.Sched.Tick()
				time.Sleep(time.Millisecond)
			}
		}
	}()

	runInProcess(t, k, func(p *proc.Process) {
		fdsVA := seedBytes(t, k, p, scratchVA, make([]byte, 8))
		require.Zero(t, k.Dispatch(p, SysPipe, Args{fdsVA}))
		cp := newContext(k, p).Cp
		fds := make([]byte, 8)
		require.Zero(t, cp.CopyFromUser(fds, uintptr(fdsVA)))
		rfd := int64(getU32(fds[0:4]))
		wfd := int64(getU32(fds[4:8]))

		pollfd := make([]byte, pollfdWireSize)
		putU32(pollfd[0:4], uint32(rfd))
		pollfd[4] = byte(vfs.PollIn)
		pollVA := seedBytes(t, k, p, scratchVA+int64(mm.PageSize), pollfd)

		// No writer yet: the timeout elapses with nothing ready.
		require.Zero(t, k.Dispatch(p, SysPoll, Args{pollVA, 1, 5}))

		msgVA := seedBytes(t, k, p, scratchVA+int64(2*mm.PageSize), []byte("x"))
		require.EqualValues(t, 1, k.Dispatch(p, SysWrite, Args{wfd, msgVA, 1}))

		require.EqualValues(t, 1, k.Dispatch(p, SysPoll, Args{pollVA, 1, 50}))
		out := make([]byte, pollfdWireSize)
		require.Zero(t, cp.CopyFromUser(out, uintptr(pollVA)))
		revents := vfs.PollMask(uint16(out[6]) | uint16(out[7])<<8)
		require.Equal(t, vfs.PollIn, revents&vfs.PollIn)
	})
}

func TestPipe2CloexecMarksBothDescriptors(t *testing.T) {
	k := newTestKernel(t, 1)

	runInProcess(t, k, func(p *proc.Process) {
		fdsVA := seedBytes(t, k, p, scratchVA, make([]byte, 8))
		require.Zero(t, k.Dispatch(p, SysPipe2, Args{fdsVA, int64(vfs.FlagCloexec)}))
		cp := newContext(k, p).Cp
		fds := make([]byte, 8)
		require.Zero(t, cp.CopyFromUser(fds, uintptr(fdsVA)))
		rfd := proc.FD(getU32(fds[0:4]))
		wfd := proc.FD(getU32(fds[4:8]))

		p.FDTable.Exec()
		_, errno := p.FDTable.Get(rfd)
		require.Equal(t, kerrno.EBADF, errno)
		_, errno = p.FDTable.Get(wfd)
		require.Equal(t, kerrno.EBADF, errno)
	})
}

func TestLseekOnPipeReturnsESPIPE(t *testing.T) {
	k := newTestKernel(t, 1)

	runInProcess(t, k, func(p *proc.Process) {
		fdsVA := seedBytes(t, k, p, scratchVA, make([]byte, 8))
		require.Zero(t, k.Dispatch(p, SysPipe, Args{fdsVA}))
		cp := newContext(k, p).Cp
		fds := make([]byte, 8)
		require.Zero(t, cp.CopyFromUser(fds, uintptr(fdsVA)))
		rfd := int64(getU32(fds[0:4]))
		require.Equal(t, kerrno.ESPIPE.Negated(), k.Dispatch(p, SysLseek, Args{rfd, 0, int64(vfs.SeekSet)}))
	})
}

func TestIoctlWinsizeRoundTripThroughSyscall(t *testing.T) {
	k := newTestKernel(t, 1)
	console := driver.NewFakeChar()
	dev := memfs.NewDir(0755)
	require.Zero(t, dev.Link("console", devfs.NewCharNode(console, 1)))
	require.Zero(t, k.Mount.Mount("/dev", dev))

	runInProcess(t, k, func(p *proc.Process) {
		pathVA := seedBytes(t, k, p, scratchVA, []byte("/dev/console\x00"))
		fd := k.Dispatch(p, SysOpen, Args{pathVA, int64(vfs.FlagRDWR), 0})
		require.GreaterOrEqual(t, fd, int64(0))

		wsVA := seedBytes(t, k, p, scratchVA+int64(mm.PageSize), []byte{24, 0, 80, 0})
		require.Zero(t, k.Dispatch(p, SysIoctl, Args{fd, int64(vfs.IoctlSetWinsize), wsVA}))
		require.Equal(t, driver.Winsize{Rows: 24, Cols: 80}, console.Winsize())

		outVA := seedBytes(t, k, p, scratchVA+int64(2*mm.PageSize), make([]byte, 4))
		require.Zero(t, k.Dispatch(p, SysIoctl, Args{fd, int64(vfs.IoctlGetWinsize), outVA}))
		cp := newContext(k, p).Cp
		out := make([]byte, 4)
		require.Zero(t, cp.CopyFromUser(out, uintptr(outVA)))
		require.Equal(t, []byte{24, 0, 80, 0}, out)
	})
}

func TestIoctlOnRegularFileReturnsENOTTY(t *testing.T) {
	k := newTestKernel(t, 1)

	runInProcess(t, k, func(p *proc.Process) {
		pathVA := seedBytes(t, k, p, scratchVA, []byte("/plain\x00"))
		fd := k.Dispatch(p, SysOpen, Args{pathVA, int64(vfs.FlagCreat | vfs.FlagRDWR), 0644})
		require.GreaterOrEqual(t, fd, int64(0))
		require.Equal(t, kerrno.ENOTTY.Negated(), k.Dispatch(p, SysIoctl, Args{fd, int64(vfs.IoctlGetWinsize), 0}))
	})
}
