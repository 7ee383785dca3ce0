package procfs_test

import (
	"context"
	"testing"
	"time"

	"github.com/kylelemons/godebug/pretty"
	"github.com/stretchr/testify/require"

	"github.com/mazarin-os/kernelcore/internal/vfs"
	"github.com/mazarin-os/kernelcore/internal/vfs/procfs"
)

type fakeSource struct {
	procs   []procfs.ProcessSnapshot
	uptime  time.Duration
	cmdline string
}

func (f fakeSource) Snapshot() []procfs.ProcessSnapshot { return f.procs }
func (f fakeSource) FreeHeapBytes() int                 { return 4096 }
func (f fakeSource) FramesUsed() uint32                 { return 2 }
func (f fakeSource) FramesTotal() uint32                { return 16 }
func (f fakeSource) Uptime() time.Duration              { return f.uptime }
func (f fakeSource) Cmdline() string                    { return f.cmdline }

func TestRootReaddirListsGlobalFilesAndPerPidDirs(t *testing.T) {
	ctx := context.Background()
	src := fakeSource{
		procs:   []procfs.ProcessSnapshot{{PID: 1, PPID: 0, State: "RUNNING"}},
		cmdline: "kernel.img init=/sbin/init",
	}
	root := procfs.New(src)

	entries, errno := root.Readdir(ctx)
	require.Zero(t, errno)

	want := []vfs.DirEntry{
		{Name: ".", Kind: vfs.KindDir},
		{Name: "..", Kind: vfs.KindDir},
		{Name: "cmdline", Kind: vfs.KindFile},
		{Name: "uptime", Kind: vfs.KindFile},
		{Name: "meminfo", Kind: vfs.KindFile},
		{Name: "1", Kind: vfs.KindDir, Inode: 1},
	}
	if diff := pretty.Compare(want, entries); diff != "" {
		t.Fatalf("unexpected /proc listing (-want +got):\n%s", diff)
	}
}

func TestPidStatusReportsExpectedFields(t *testing.T) {
	ctx := context.Background()
	src := fakeSource{procs: []procfs.ProcessSnapshot{
		{PID: 7, PPID: 1, Pgrp: 7, Session: 7, State: "SLEEPING", SigPending: 0x2, SigBlocked: 0x4, HeapStart: 0x1000000, HeapBreak: 0x1002000},
	}}
	root := procfs.New(src)

	dir, errno := root.Lookup(ctx, "7")
	require.Zero(t, errno)

	status, errno := dir.(vfs.DirLookuper).Lookup(ctx, "status")
	require.Zero(t, errno)

	buf := make([]byte, 4096)
	n, errno := status.(vfs.Reader).ReadAt(ctx, buf, 0)
	require.Zero(t, errno)

	got := string(buf[:n])
	require.Contains(t, got, "Pid:\t7\n")
	require.Contains(t, got, "PPid:\t1\n")
	require.Contains(t, got, "State:\tSLEEPING\n")
	require.Contains(t, got, "SigPnd:\t00000002\n")
	require.Contains(t, got, "SigBlk:\t00000004\n")
}

// "self" is resolved to the caller's pid by the syscall layer before it
// ever reaches procfs (see syscall.substituteProcSelf) since a bare
// vfs.Node.Lookup has no notion of which process is calling; procfs
// itself has no "self" entry.
func TestProcSelfNotHandledByProcfsDirectly(t *testing.T) {
	ctx := context.Background()
	src := fakeSource{procs: []procfs.ProcessSnapshot{{PID: 3, State: "RUNNING"}}}
	root := procfs.New(src)

	_, errno := root.Lookup(ctx, "3")
	require.Zero(t, errno)

	_, errno = root.Lookup(ctx, "self")
	require.NotZero(t, errno)
}
