package syscall

import (
	"github.com/mazarin-os/kernelcore/internal/kerrno"
	"github.com/mazarin-os/kernelcore/internal/mm"
	"github.com/mazarin-os/kernelcore/internal/proc"
	"github.com/mazarin-os/kernelcore/internal/shm"
)

func init() {
	register(SysShmget, sysShmget)
	register(SysShmat, sysShmat)
	register(SysShmdt, sysShmdt)
	register(SysShmctl, sysShmctl)
}

const (
	ipcCreat   = 0x200
	ipcExcl    = 0x400
	ipcPrivate = 0
)

const (
	shmRMID = 0
	shmSTAT = 1
)

// sysShmget implements shmget(2): args = {key, size, flags}. This kernel
// equates a segment's id with its key (internal/shm.Registry has no
// separate id namespace) rather than fabricating one, since nothing here
// ever needs them to differ.
func sysShmget(ctx *Context, args Args) (int64, kerrno.Errno) {
	key := shm.Key(args[0])
	size := int(args[1])
	flags := int32(args[2])

	existing, ok := ctx.K.Shm.Lookup(key)
	if ok {
		if flags&ipcCreat != 0 && flags&ipcExcl != 0 {
			return 0, kerrno.EEXIST
		}
		return int64(existing.Key), 0
	}
	if key != ipcPrivate && flags&ipcCreat == 0 {
		return 0, kerrno.ENOENT
	}
	if size <= 0 {
		return 0, kerrno.EINVAL
	}
	seg, errno := ctx.K.Shm.Get(key, size)
	if errno != 0 {
		return 0, errno
	}
	return int64(seg.Key), 0
}

// sysShmat implements shmat(2): args = {id, addr, flags}. addr == 0 lets
// the kernel pick a base the way anonymous mmap does; otherwise addr must
// be page-aligned and is used exactly.
func sysShmat(ctx *Context, args Args) (int64, kerrno.Errno) {
	id := shm.Key(args[0])
	addr := args[1]

	seg, ok := ctx.K.Shm.Lookup(id)
	if !ok {
		return 0, kerrno.EINVAL
	}

	var base mm.VPN
	if addr != 0 {
		if addr%mm.PageSize != 0 {
			return 0, kerrno.EINVAL
		}
		base = mm.VPN(addr / mm.PageSize)
	} else {
		base = ctx.P.MmapNext
		ctx.P.MmapNext += mm.VPN(len(seg.Frames))
	}

	ctx.K.Shm.Attach(seg, ctx.P.AS, base, mm.PRESENT|mm.USER|mm.WRITABLE)
	ctx.P.Mmaps = append(ctx.P.Mmaps, proc.MmapRegion{Base: base, Pages: len(seg.Frames), Shmid: int32(id)})
	return int64(base) * mm.PageSize, 0
}

// sysShmdt implements shmdt(2): args = {addr}, detaching the segment
// previously attached at that exact base address.
func sysShmdt(ctx *Context, args Args) (int64, kerrno.Errno) {
	addr := args[0]
	if addr%mm.PageSize != 0 {
		return 0, kerrno.EINVAL
	}
	base := mm.VPN(addr / mm.PageSize)

	idx := -1
	for i, r := range ctx.P.Mmaps {
		if r.Base == base && r.Shmid != 0 {
			idx = i
			break
		}
	}
	if idx < 0 {
		return 0, kerrno.EINVAL
	}
	region := ctx.P.Mmaps[idx]
	seg, ok := ctx.K.Shm.Lookup(shm.Key(region.Shmid))
	if !ok {
		return 0, kerrno.EINVAL
	}
	ctx.K.Shm.Detach(seg, ctx.P.AS, base)
	ctx.P.Mmaps = append(ctx.P.Mmaps[:idx], ctx.P.Mmaps[idx+1:]...)
	return 0, 0
}

// sysShmctl implements shmctl(2): args = {id, cmd, buf}. Only IPC_RMID
// (deferred removal) and IPC_STAT (segment size in pages) are supported;
// this kernel tracks nothing else shmctl(2) normally reports (owner uid,
// timestamps), matching Stat's minimal fstat payload in file.go.
func sysShmctl(ctx *Context, args Args) (int64, kerrno.Errno) {
	id := shm.Key(args[0])
	cmd := int32(args[1])

	switch cmd {
	case shmRMID:
		return 0, ctx.K.Shm.Remove(id)
	case shmSTAT:
		seg, ok := ctx.K.Shm.Lookup(id)
		if !ok {
			return 0, kerrno.EINVAL
		}
		buf := make([]byte, 8)
		putU32(buf[0:], uint32(len(seg.Frames)))
		putU32(buf[4:], uint32(seg.Key))
		return 0, ctx.Cp.CopyToUser(uintptr(args[2]), buf)
	default:
		return 0, kerrno.EINVAL
	}
}
