// Command kernel assembles every internal/ subsystem into a running
// kernel process: it parses the boot command line, wires the frame
// allocator, address-space manager, scheduler, VFS, and syscall
// dispatcher together, spawns pid 1, and drives the per-CPU run loops
// and timer tick until interrupted. Grounded on the teacher's
// src/mazboot/golang/main/kernel.go KernelMain/kernelMainBody staged
// bring-up (UART -> MMU -> heap -> scheduler -> monitors -> user
// goroutine), generalized from bare-metal stage gates into a hosted
// boot sequence over Go's own runtime.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/mazarin-os/kernelcore/internal/bootcfg"
	"github.com/mazarin-os/kernelcore/internal/driver"
	"github.com/mazarin-os/kernelcore/internal/kconfig"
	"github.com/mazarin-os/kernelcore/internal/klog"
	"github.com/mazarin-os/kernelcore/internal/kmetrics"
	"github.com/mazarin-os/kernelcore/internal/ktime"
	"github.com/mazarin-os/kernelcore/internal/mm"
	"github.com/mazarin-os/kernelcore/internal/proc"
	"github.com/mazarin-os/kernelcore/internal/shm"
	"github.com/mazarin-os/kernelcore/internal/syscall"
	"github.com/mazarin-os/kernelcore/internal/ucopy"
	"github.com/mazarin-os/kernelcore/internal/vfs"
	"github.com/mazarin-os/kernelcore/internal/vfs/devfs"
	"github.com/mazarin-os/kernelcore/internal/vfs/memfs"
	"github.com/mazarin-os/kernelcore/internal/vfs/procfs"
)

var log = klog.Named("boot")

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "kernel: fatal:", err)
		os.Exit(1)
	}
}

func run() error {
	cmdline := bootcfg.Parse(os.Args)
	if lvl, ok := cmdline.Keys[bootcfg.KeyLogLevel]; ok {
		var n int
		fmt.Sscanf(lvl, "%d", &n)
		klog.SetLevel(n)
	}
	log.Infow("boot command line parsed",
		"init", cmdline.Keys[bootcfg.KeyInit],
		"root", cmdline.Keys[bootcfg.KeyRoot],
		"console", cmdline.Keys[bootcfg.KeyConsole],
		"quiet", cmdline.Flags[bootcfg.FlagQuiet])

	cfg, err := kconfig.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	numCPU := 4
	if cmdline.Flags[bootcfg.FlagNoSMP] {
		numCPU = 1
	}

	// Physical memory and the kernel heap: two independent backing
	// stores, the way the teacher's kernel.go kept RAM (the frame
	// allocator's domain) separate from its own KERNEL_HEAP_SIZE arena
	// (heap.go).
	alloc := mm.NewFrameAllocator(cfg.PhysMemBytes)
	heap := mm.NewHeap(make([]byte, cfg.KernelHeap))

	asMgr := mm.NewManager(alloc)
	sched := proc.NewScheduler(numCPU, asMgr)
	shmReg := shm.NewRegistry(alloc)
	sched.SetShmRegistry(shmReg)

	timer := driver.NewWallTimer()
	clock := ktime.NewClock(timer)
	vdso, errno := ktime.MapVDSO(asMgr)
	if errno != 0 {
		return fmt.Errorf("mapping vDSO page: errno %d", errno)
	}
	ticker := ktime.NewTicker(timer, func() {
		sched.Tick()
		vdso.Update(timer.Ticks())
	})

	console := driver.NewFakeChar()
	mount := buildMountTable(console, sched, alloc, heap, clock, cmdline)

	kern := &syscall.Kernel{
		Sched:    sched,
		Mount:    mount,
		Alloc:    alloc,
		AS:       asMgr,
		Shm:      shmReg,
		Clock:    clock,
		Programs: syscall.NewProgramTable(),
	}

	spawnInit(kern, cmdline)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		timer.Run(gctx, ktime.TickDuration)
		return nil
	})
	group.Go(func() error {
		return ticker.Run(gctx)
	})
	for cpu := 0; cpu < numCPU; cpu++ {
		cpu := cpu
		group.Go(func() error {
			return sched.RunCPU(gctx, cpu)
		})
	}
	group.Go(func() error {
		return serveMetrics(gctx, cmdline)
	})

	log.Infow("kernel boot complete", "cpus", numCPU, "phys_mem_bytes", cfg.PhysMemBytes)
	if err := group.Wait(); err != nil && err != context.Canceled {
		return err
	}
	klog.Sync()
	return nil
}

// buildMountTable assembles the single global namespace (spec.md §4.9):
// an in-memory root with /dev (the console device node) and /proc (the
// live kernel-state views) grafted on, the way the teacher's boot code
// brought up UART and the framebuffer as the first two devices available
// to later stages.
func buildMountTable(console *driver.FakeChar, sched *proc.Scheduler, alloc *mm.FrameAllocator, heap *mm.Heap, clock *ktime.Clock, cmdline bootcfg.CmdLine) *vfs.MountTable {
	root := memfs.NewDir(0755)
	mt := vfs.NewMountTable(root)

	devRoot := memfs.NewDir(0755)
	_ = devRoot.Link("console", devfs.NewCharNode(console, 1))
	mt.Mount("/dev", devRoot)

	mt.Mount("/proc", procfs.New(procSource{sched: sched, alloc: alloc, heap: heap, clock: clock, cmdline: cmdline}))
	return mt
}

// procSource adapts the scheduler/allocator/heap/clock to procfs.Source
// without procfs importing any of them directly.
type procSource struct {
	sched   *proc.Scheduler
	alloc   *mm.FrameAllocator
	heap    *mm.Heap
	clock   *ktime.Clock
	cmdline bootcfg.CmdLine
}

func (s procSource) Snapshot() []procfs.ProcessSnapshot {
	raw := s.sched.Snapshot()
	out := make([]procfs.ProcessSnapshot, len(raw))
	for i, p := range raw {
		maps := make([]procfs.MapSnapshot, len(p.Maps))
		for j, m := range p.Maps {
			maps[j] = procfs.MapSnapshot{Base: m.Base, Length: m.Length, Shmid: m.Shmid}
		}
		out[i] = procfs.ProcessSnapshot{
			PID: p.PID, PPID: p.PPID, Pgrp: p.Pgrp, Session: p.Session,
			State: p.State, Priority: p.Priority,
			SigPending: p.SigPending, SigBlocked: p.SigBlocked,
			HeapStart: p.HeapStart, HeapBreak: p.HeapBreak, Maps: maps,
			FDFlags: p.FDFlags,
		}
	}
	return out
}

func (s procSource) Uptime() time.Duration { return s.clock.Now() }

func (s procSource) Cmdline() string { return strings.Join(s.cmdline.Raw, " ") }

func (s procSource) FreeHeapBytes() int  { return s.heap.FreeBytes() }
func (s procSource) FramesUsed() uint32  { return s.alloc.UsedFrames() }
func (s procSource) FramesTotal() uint32 { return s.alloc.NumFrames() }

// spawnInit creates pid 1 (spec.md §4.5 "pid 1, the init process"): a
// thread body that opens the console device and writes a boot banner,
// then idles, periodically checking for preemption, standing in for a
// real init's "fork off getty, reap orphans" loop (out of scope here,
// spec.md §1 Non-goals: no process images to exec).
func spawnInit(kern *syscall.Kernel, cmdline bootcfg.CmdLine) {
	body := func(p *proc.Process) {
		writeBanner(kern, p, "mazarin kernelcore: init (pid 1) started\n")
		for {
			p.CheckPreempt(kern.Sched)
		}
	}
	kern.Sched.Spawn(0, proc.DefaultPriority, kern.AS.CloneKernel(), body)
}

// writeBanner seeds a page in p's own address space with msg and issues
// the same open/write syscalls a real init process would, round-tripping
// through ctx.Cp the way user code must, rather than writing console.Written
// directly.
func writeBanner(kern *syscall.Kernel, p *proc.Process, msg string) {
	const bannerVA = 0x2000 * mm.PageSize
	frame, errno := kern.Alloc.AllocPage()
	if errno != 0 {
		log.Warnw("init: could not allocate banner page", "errno", errno)
		return
	}
	p.AS.MapPage(mm.VPN(bannerVA/mm.PageSize), frame, mm.PRESENT|mm.USER|mm.WRITABLE)
	cp := &ucopy.Copier{AS: p.AS, Alloc: kern.Alloc}

	pathVA := bannerVA
	path := "/dev/console\x00"
	if errno := cp.CopyToUser(uintptr(pathVA), []byte(path)); errno != 0 {
		log.Warnw("init: copy path failed", "errno", errno)
		return
	}
	msgVA := bannerVA + len(path)
	if errno := cp.CopyToUser(uintptr(msgVA), []byte(msg)); errno != 0 {
		log.Warnw("init: copy message failed", "errno", errno)
		return
	}

	fd := kern.Dispatch(p, syscall.SysOpen, syscall.Args{int64(pathVA), vfs.FlagWROnly, 0})
	if fd < 0 {
		log.Warnw("init: open console failed", "errno", -fd)
		return
	}
	kern.Dispatch(p, syscall.SysWrite, syscall.Args{fd, int64(msgVA), int64(len(msg))})
	kern.Dispatch(p, syscall.SysClose, syscall.Args{fd})
}

// serveMetrics exposes the kmetrics.Registry over HTTP so an operator can
// scrape kernel-internal state the way any other Prometheus-instrumented
// service is scraped; suppressed entirely under the "quiet" boot flag.
func serveMetrics(ctx context.Context, cmdline bootcfg.CmdLine) error {
	if cmdline.Flags[bootcfg.FlagQuiet] {
		<-ctx.Done()
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(kmetrics.Registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: ":9100", Handler: mux}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
