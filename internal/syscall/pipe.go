package syscall

import (
	"github.com/mazarin-os/kernelcore/internal/kerrno"
	"github.com/mazarin-os/kernelcore/internal/vfs"
	"github.com/mazarin-os/kernelcore/internal/vfs/pipefs"
)

// sysPipe implements pipe(2): args = {fds}. The read end and write end
// are installed as two fresh descriptors — read end first — and handed
// back through *fds as two little-endian u32s.
func sysPipe(ctx *Context, args Args) (int64, kerrno.Errno) {
	return pipeImpl(ctx, args[0], 0)
}

// sysPipe2 implements pipe2(2): args = {fds, flags}, accepting CLOEXEC
// and NONBLOCK (spec.md §4.8).
func sysPipe2(ctx *Context, args Args) (int64, kerrno.Errno) {
	flags := int(args[1])
	if flags&^(vfs.FlagCloexec|vfs.FlagNonblock) != 0 {
		return 0, kerrno.EINVAL
	}
	return pipeImpl(ctx, args[0], flags)
}

func pipeImpl(ctx *Context, fdsAddr int64, flags int) (int64, kerrno.Errno) {
	rd, wr := pipefs.New(ctx.K.Sched)
	status := flags &^ vfs.FlagCloexec // close-on-exec is per-slot, not per-description
	rof := vfs.NewOpenFile(rd, "pipe:[read]", vfs.FlagRDOnly|status)
	wof := vfs.NewOpenFile(wr, "pipe:[write]", vfs.FlagWROnly|status)

	rfd := ctx.P.FDTable.Install(rof)
	wfd := ctx.P.FDTable.Install(wof)
	if flags&vfs.FlagCloexec != 0 {
		ctx.P.FDTable.SetCloexec(rfd, true)
		ctx.P.FDTable.SetCloexec(wfd, true)
	}

	buf := make([]byte, 8)
	putU32(buf[0:4], uint32(rfd))
	putU32(buf[4:8], uint32(wfd))
	if errno := ctx.Cp.CopyToUser(uintptr(fdsAddr), buf); errno != 0 {
		ctx.P.FDTable.Close(rfd)
		ctx.P.FDTable.Close(wfd)
		return 0, errno
	}
	return 0, 0
}
