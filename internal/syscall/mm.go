package syscall

import (
	"golang.org/x/sys/unix"

	"github.com/mazarin-os/kernelcore/internal/kerrno"
	"github.com/mazarin-os/kernelcore/internal/mm"
	"github.com/mazarin-os/kernelcore/internal/proc"
)

func init() {
	register(SysMmap, sysMmap)
	register(SysMunmap, sysMunmap)
	register(SysBrk, sysBrk)
}

func pagesFor(length int64) int {
	return int((length + mm.PageSize - 1) / mm.PageSize)
}

// sysMmap implements mmap(2): args = {addr, length, prot, flags, fd, off}.
// Only the anonymous-private mapping spec.md calls out as required is
// supported (MAP_ANONYMOUS|MAP_PRIVATE); MAP_FIXED additionally honors
// addr as an exact placement instead of letting the kernel choose one.
// fd/off are ignored, since file-backed mmap is out of scope.
func sysMmap(ctx *Context, args Args) (int64, kerrno.Errno) {
	addr := args[0]
	length := args[1]
	prot := int32(args[2])
	flags := int32(args[3])

	if length <= 0 {
		return 0, kerrno.EINVAL
	}
	if flags&unix.MAP_ANON == 0 || flags&unix.MAP_PRIVATE == 0 {
		return 0, kerrno.ENOSYS
	}

	numPages := pagesFor(length)
	var base mm.VPN
	fixed := flags&unix.MAP_FIXED != 0
	if fixed {
		if addr%mm.PageSize != 0 {
			return 0, kerrno.EINVAL
		}
		base = mm.VPN(addr / mm.PageSize)
	} else {
		base = ctx.P.MmapNext
	}

	pageFlags := mm.PRESENT | mm.USER
	if prot&unix.PROT_WRITE != 0 {
		pageFlags |= mm.WRITABLE
	}
	if prot&unix.PROT_EXEC == 0 {
		pageFlags |= mm.NX
	}

	mapped := make([]mm.VPN, 0, numPages)
	for i := 0; i < numPages; i++ {
		frame, errno := ctx.K.Alloc.AllocPage()
		if errno != 0 {
			for _, v := range mapped {
				ctx.P.AS.UnmapPage(v)
			}
			return 0, errno
		}
		v := base + mm.VPN(i)
		ctx.P.AS.MapPage(v, frame, pageFlags)
		mapped = append(mapped, v)
	}

	if !fixed {
		ctx.P.MmapNext = base + mm.VPN(numPages)
	}
	ctx.P.Mmaps = append(ctx.P.Mmaps, proc.MmapRegion{Base: base, Pages: numPages})
	return int64(base) * mm.PageSize, 0
}

// sysMunmap implements munmap(2): args = {addr, length}. addr must match
// the base of a previously mmap'd region recorded in ctx.P.Mmaps —
// partial unmapping of a region is not supported.
func sysMunmap(ctx *Context, args Args) (int64, kerrno.Errno) {
	addr := args[0]
	length := args[1]
	if addr%mm.PageSize != 0 || length <= 0 {
		return 0, kerrno.EINVAL
	}
	base := mm.VPN(addr / mm.PageSize)
	numPages := pagesFor(length)

	idx := -1
	for i, r := range ctx.P.Mmaps {
		if r.Base == base {
			idx = i
			break
		}
	}
	if idx < 0 {
		return 0, kerrno.EINVAL
	}
	for i := 0; i < numPages; i++ {
		ctx.P.AS.UnmapPage(base + mm.VPN(i))
	}
	ctx.P.Mmaps = append(ctx.P.Mmaps[:idx], ctx.P.Mmaps[idx+1:]...)
	return 0, 0
}

// sysBrk implements brk(2): args = {addr}. addr == 0 queries the current
// break without changing it; growing the break maps and zeroes fresh
// pages, shrinking it unmaps them (spec.md §4.2's heap-growth path).
func sysBrk(ctx *Context, args Args) (int64, kerrno.Errno) {
	addr := args[0]
	if addr == 0 {
		return int64(ctx.P.Brk) * mm.PageSize, 0
	}

	newBrk := mm.VPN((addr + mm.PageSize - 1) / mm.PageSize)
	cur := ctx.P.Brk

	if newBrk > cur {
		mapped := make([]mm.VPN, 0, newBrk-cur)
		for v := cur; v < newBrk; v++ {
			frame, errno := ctx.K.Alloc.AllocPage()
			if errno != 0 {
				for _, m := range mapped {
					ctx.P.AS.UnmapPage(m)
				}
				return int64(ctx.P.Brk) * mm.PageSize, errno
			}
			ctx.P.AS.MapPage(v, frame, mm.PRESENT|mm.USER|mm.WRITABLE)
			ctx.K.Alloc.WriteAt(frame, 0, make([]byte, mm.PageSize))
			mapped = append(mapped, v)
		}
	} else if newBrk < cur {
		for v := newBrk; v < cur; v++ {
			ctx.P.AS.UnmapPage(v)
		}
	}
	ctx.P.Brk = newBrk
	return int64(ctx.P.Brk) * mm.PageSize, 0
}
