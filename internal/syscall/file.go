package syscall

import (
	"context"
	"path"
	"strconv"
	"strings"

	"github.com/mazarin-os/kernelcore/internal/kerrno"
	"github.com/mazarin-os/kernelcore/internal/proc"
	"github.com/mazarin-os/kernelcore/internal/vfs"
)

const maxPathLen = 4096

func init() {
	register(SysOpen, sysOpen)
	register(SysOpenat, sysOpenat)
	register(SysClose, sysClose)
	register(SysRead, sysRead)
	register(SysWrite, sysWrite)
	register(SysLseek, sysLseek)
	register(SysFstat, sysFstat)
	register(SysStat, sysStat)
	register(SysFstatat, sysFstatat)
	register(SysGetdents, sysGetdents)
	register(SysMkdir, sysMkdir)
	register(SysRmdir, sysRmdir)
	register(SysUnlink, sysUnlink)
	register(SysUnlinkat, sysUnlinkat)
	register(SysRename, sysRename)
	register(SysChdir, sysChdir)
	register(SysGetcwd, sysGetcwd)
	register(SysDup, sysDup)
	register(SysDup2, sysDup2)
	register(SysDup3, sysDup3)
	register(SysPipe, sysPipe)
	register(SysPipe2, sysPipe2)
	register(SysFcntl, sysFcntl)
	register(SysIoctl, sysIoctl)
}

// resolvePath joins a relative path against the caller's cwd, per
// spec.md §4.9 ("relative to ... the process cwd (relative path)").
func resolvePath(p *proc.Process, rel string) string {
	full := rel
	if !strings.HasPrefix(rel, "/") {
		full = path.Join(p.Cwd.Get(), rel)
	}
	return substituteProcSelf(full, p.PID)
}

// checkAccess applies the owner/group/other rwx bits of attr.Mode against
// p's credentials (spec.md §4.9 "permission bits"), want being an
// rwx-style mask (4 read, 2 write, 1 execute/search). uid 0 always
// passes, matching every other Unix-alike's root bypass.
func checkAccess(attr vfs.Attr, p *proc.Process, want uint32) kerrno.Errno {
	if p.Uid == 0 {
		return 0
	}
	shift := uint(0)
	switch {
	case p.Uid == attr.Uid:
		shift = 6
	case p.Gid == attr.Gid:
		shift = 3
	}
	if (attr.Mode>>shift)&want != want {
		return kerrno.EACCES
	}
	return 0
}

// substituteProcSelf rewrites "/proc/self" to "/proc/<pid>" before
// resolution, since procfs.Root has no way to learn the calling process
// from a bare vfs.Node.Lookup (spec.md §6: "/proc/self -> /proc/<pid>/").
func substituteProcSelf(full string, pid proc.PID) string {
	const prefix = "/proc/self"
	if full == prefix {
		return "/proc/" + strconv.FormatUint(uint64(pid), 10)
	}
	if strings.HasPrefix(full, prefix+"/") {
		return "/proc/" + strconv.FormatUint(uint64(pid), 10) + full[len(prefix):]
	}
	return full
}

func readPathArg(ctx *Context, addr int64) (string, kerrno.Errno) {
	return ctx.Cp.CopyStringFromUser(uintptr(addr), maxPathLen)
}

func sysOpen(ctx *Context, args Args) (int64, kerrno.Errno) {
	return doOpen(ctx, args[0], int(args[1]), uint32(args[2]))
}

// sysOpenat only supports AT_FDCWD (spec.md §4.8's explicit scope note).
func sysOpenat(ctx *Context, args Args) (int64, kerrno.Errno) {
	const atFDCWD = -100
	if args[0] != atFDCWD {
		return 0, kerrno.ENOSYS
	}
	return doOpen(ctx, args[1], int(args[2]), uint32(args[3]))
}

func doOpen(ctx *Context, pathAddr int64, flags int, mode uint32) (int64, kerrno.Errno) {
	rel, errno := readPathArg(ctx, pathAddr)
	if errno != 0 {
		return 0, errno
	}
	full := resolvePath(ctx.P, rel)
	bg := context.Background()

	node, errno := ctx.K.Mount.Resolve(bg, full)
	if errno == kerrno.ENOENT && flags&vfs.FlagCreat != 0 {
		parent, name, perrno := ctx.K.Mount.ResolveParent(bg, full)
		if perrno != 0 {
			return 0, perrno
		}
		creater, ok := parent.(vfs.DirCreater)
		if !ok {
			return 0, kerrno.EACCES
		}
		parentAttr, perrno := parent.Attr(bg)
		if perrno != 0 {
			return 0, perrno
		}
		if errno := checkAccess(parentAttr, ctx.P, 2); errno != 0 {
			return 0, errno
		}
		node, errno = creater.Create(bg, name, vfs.KindFile, mode)
		if errno != 0 {
			return 0, errno
		}
		if owner, ok := node.(vfs.Owner); ok {
			owner.SetOwner(ctx.P.Uid, ctx.P.Gid)
		}
	} else if errno != 0 {
		return 0, errno
	} else if flags&vfs.FlagCreat != 0 && flags&vfs.FlagExcl != 0 {
		return 0, kerrno.EEXIST
	} else {
		attr, aerrno := node.Attr(bg)
		if aerrno != 0 {
			return 0, aerrno
		}
		var want uint32
		switch flags & 3 {
		case vfs.FlagRDWR:
			want = 6
		case vfs.FlagWROnly:
			want = 2
		default:
			want = 4
		}
		if errno := checkAccess(attr, ctx.P, want); errno != 0 {
			return 0, errno
		}
	}

	if flags&vfs.FlagTrunc != 0 {
		if t, ok := node.(vfs.Truncater); ok {
			_ = t.Truncate(bg, 0)
		}
	}

	of := vfs.NewOpenFile(node, full, flags)
	fd := ctx.P.FDTable.Install(of)
	return int64(fd), 0
}

func sysClose(ctx *Context, args Args) (int64, kerrno.Errno) {
	return 0, ctx.P.FDTable.Close(proc.FD(args[0]))
}

func sysRead(ctx *Context, args Args) (int64, kerrno.Errno) {
	of, errno := ctx.P.FDTable.Get(proc.FD(args[0]))
	if errno != 0 {
		return 0, errno
	}
	n := int(args[2])
	if n < 0 {
		return 0, kerrno.EINVAL
	}
	buf := make([]byte, n)
	read, errno := of.Read(context.Background(), buf)
	if errno != 0 {
		return 0, errno
	}
	if errno := ctx.Cp.CopyToUser(uintptr(args[1]), buf[:read]); errno != 0 {
		return 0, errno
	}
	return int64(read), 0
}

func sysWrite(ctx *Context, args Args) (int64, kerrno.Errno) {
	of, errno := ctx.P.FDTable.Get(proc.FD(args[0]))
	if errno != 0 {
		return 0, errno
	}
	n := int(args[2])
	if n < 0 {
		return 0, kerrno.EINVAL
	}
	buf := make([]byte, n)
	if errno := ctx.Cp.CopyFromUser(buf, uintptr(args[1])); errno != 0 {
		return 0, errno
	}
	written, errno := of.Write(context.Background(), buf)
	return int64(written), errno
}

func sysLseek(ctx *Context, args Args) (int64, kerrno.Errno) {
	of, errno := ctx.P.FDTable.Get(proc.FD(args[0]))
	if errno != 0 {
		return 0, errno
	}
	attr, errno := of.Node.Attr(context.Background())
	if errno != 0 {
		return 0, errno
	}
	if attr.Kind == vfs.KindFIFO {
		return 0, kerrno.ESPIPE
	}
	off, errno := of.Seek(context.Background(), args[1], int(args[2]))
	return off, errno
}

func statInto(ctx *Context, node vfs.Node, outAddr int64) kerrno.Errno {
	attr, errno := node.Attr(context.Background())
	if errno != 0 {
		return errno
	}
	s := Stat{Ino: attr.Inode, Size: attr.Size, Mode: attr.Mode, Nlink: attr.Nlink, Kind: int32(attr.Kind)}
	return ctx.Cp.CopyToUser(uintptr(outAddr), s.Bytes())
}

func sysFstat(ctx *Context, args Args) (int64, kerrno.Errno) {
	of, errno := ctx.P.FDTable.Get(proc.FD(args[0]))
	if errno != 0 {
		return 0, errno
	}
	return 0, statInto(ctx, of.Node, args[1])
}

func sysStat(ctx *Context, args Args) (int64, kerrno.Errno) {
	rel, errno := readPathArg(ctx, args[0])
	if errno != 0 {
		return 0, errno
	}
	node, errno := ctx.K.Mount.Resolve(context.Background(), resolvePath(ctx.P, rel))
	if errno != 0 {
		return 0, errno
	}
	return 0, statInto(ctx, node, args[1])
}

func sysFstatat(ctx *Context, args Args) (int64, kerrno.Errno) {
	const atFDCWD = -100
	if args[0] != atFDCWD {
		return 0, kerrno.ENOSYS
	}
	return sysStat(ctx, Args{args[1], args[2]})
}

func sysGetdents(ctx *Context, args Args) (int64, kerrno.Errno) {
	of, errno := ctx.P.FDTable.Get(proc.FD(args[0]))
	if errno != 0 {
		return 0, errno
	}
	dr, ok := of.Node.(vfs.DirReader)
	if !ok {
		return 0, kerrno.ENOTDIR
	}
	entries, errno := dr.Readdir(context.Background())
	if errno != 0 {
		return 0, errno
	}
	start := of.DirCursor()
	if start >= len(entries) {
		return 0, 0 // exhausted, like a read() at EOF
	}
	cap := int(args[2])
	n := 0
	var buf []byte
	for _, e := range entries[start:] {
		rec := encodeDirents([]vfs.DirEntry{e})
		if len(buf)+len(rec) > cap {
			break
		}
		buf = append(buf, rec...)
		n++
	}
	if n == 0 {
		return 0, kerrno.EINVAL // caller's buffer is too small for even one entry
	}
	of.AdvanceDirCursor(n)
	if errno := ctx.Cp.CopyToUser(uintptr(args[1]), buf); errno != 0 {
		return 0, errno
	}
	return int64(len(buf)), 0
}

func sysMkdir(ctx *Context, args Args) (int64, kerrno.Errno) {
	rel, errno := readPathArg(ctx, args[0])
	if errno != 0 {
		return 0, errno
	}
	parent, name, errno := ctx.K.Mount.ResolveParent(context.Background(), resolvePath(ctx.P, rel))
	if errno != 0 {
		return 0, errno
	}
	creater, ok := parent.(vfs.DirCreater)
	if !ok {
		return 0, kerrno.EACCES
	}
	parentAttr, perrno := parent.Attr(context.Background())
	if perrno != 0 {
		return 0, perrno
	}
	if errno := checkAccess(parentAttr, ctx.P, 2); errno != 0 {
		return 0, errno
	}
	node, errno := creater.Create(context.Background(), name, vfs.KindDir, uint32(args[1]))
	if errno != 0 {
		return 0, errno
	}
	if owner, ok := node.(vfs.Owner); ok {
		owner.SetOwner(ctx.P.Uid, ctx.P.Gid)
	}
	return 0, 0
}

func sysRmdir(ctx *Context, args Args) (int64, kerrno.Errno) {
	return unlinkAt(ctx, args[0])
}

func sysUnlink(ctx *Context, args Args) (int64, kerrno.Errno) {
	return unlinkAt(ctx, args[0])
}

func sysUnlinkat(ctx *Context, args Args) (int64, kerrno.Errno) {
	const atFDCWD = -100
	if args[0] != atFDCWD {
		return 0, kerrno.ENOSYS
	}
	return unlinkAt(ctx, args[1])
}

func unlinkAt(ctx *Context, pathAddr int64) (int64, kerrno.Errno) {
	rel, errno := readPathArg(ctx, pathAddr)
	if errno != 0 {
		return 0, errno
	}
	parent, name, errno := ctx.K.Mount.ResolveParent(context.Background(), resolvePath(ctx.P, rel))
	if errno != 0 {
		return 0, errno
	}
	unlinker, ok := parent.(vfs.DirUnlinker)
	if !ok {
		return 0, kerrno.EACCES
	}
	parentAttr, perrno := parent.Attr(context.Background())
	if perrno != 0 {
		return 0, perrno
	}
	if errno := checkAccess(parentAttr, ctx.P, 2); errno != 0 {
		return 0, errno
	}
	return 0, unlinker.Unlink(context.Background(), name)
}

func sysRename(ctx *Context, args Args) (int64, kerrno.Errno) {
	oldRel, errno := readPathArg(ctx, args[0])
	if errno != 0 {
		return 0, errno
	}
	newRel, errno := readPathArg(ctx, args[1])
	if errno != 0 {
		return 0, errno
	}
	bg := context.Background()
	oldParent, oldName, errno := ctx.K.Mount.ResolveParent(bg, resolvePath(ctx.P, oldRel))
	if errno != 0 {
		return 0, errno
	}
	node, errno := ctx.K.Mount.Resolve(bg, resolvePath(ctx.P, oldRel))
	if errno != 0 {
		return 0, errno
	}
	newParent, newName, errno := ctx.K.Mount.ResolveParent(bg, resolvePath(ctx.P, newRel))
	if errno != 0 {
		return 0, errno
	}
	creater, ok := newParent.(vfs.DirCreater)
	if !ok {
		return 0, kerrno.EACCES
	}
	attr, errno := node.Attr(bg)
	if errno != 0 {
		return 0, errno
	}
	if linker, ok := newParent.(interface {
		Link(name string, n vfs.Node) kerrno.Errno
	}); ok {
		if errno := linker.Link(newName, node); errno != 0 && errno != kerrno.EEXIST {
			return 0, errno
		}
	} else {
		if _, errno := creater.Create(bg, newName, attr.Kind, attr.Mode); errno != 0 {
			return 0, errno
		}
	}
	unlinker, ok := oldParent.(vfs.DirUnlinker)
	if !ok {
		return 0, kerrno.EACCES
	}
	return 0, unlinker.Unlink(bg, oldName)
}

func sysChdir(ctx *Context, args Args) (int64, kerrno.Errno) {
	rel, errno := readPathArg(ctx, args[0])
	if errno != 0 {
		return 0, errno
	}
	full := resolvePath(ctx.P, rel)
	node, errno := ctx.K.Mount.Resolve(context.Background(), full)
	if errno != 0 {
		return 0, errno
	}
	attr, errno := node.Attr(context.Background())
	if errno != 0 {
		return 0, errno
	}
	if attr.Kind != vfs.KindDir {
		return 0, kerrno.ENOTDIR
	}
	if errno := checkAccess(attr, ctx.P, 1); errno != 0 {
		return 0, errno
	}
	ctx.P.Cwd.Set(full)
	return 0, 0
}

func sysGetcwd(ctx *Context, args Args) (int64, kerrno.Errno) {
	buf := append([]byte(ctx.P.Cwd.Get()), 0)
	if len(buf) > int(args[1]) {
		return 0, kerrno.ERANGE
	}
	return int64(len(buf)), ctx.Cp.CopyToUser(uintptr(args[0]), buf)
}

func sysDup(ctx *Context, args Args) (int64, kerrno.Errno) {
	of, errno := ctx.P.FDTable.Get(proc.FD(args[0]))
	if errno != 0 {
		return 0, errno
	}
	of.Incref()
	return int64(ctx.P.FDTable.Install(of)), 0
}

func sysDup2(ctx *Context, args Args) (int64, kerrno.Errno) {
	return dup2Impl(ctx, args[0], args[1])
}

func sysDup3(ctx *Context, args Args) (int64, kerrno.Errno) {
	return dup2Impl(ctx, args[0], args[1])
}

func dup2Impl(ctx *Context, oldFD, newFD int64) (int64, kerrno.Errno) {
	of, errno := ctx.P.FDTable.Get(proc.FD(oldFD))
	if errno != 0 {
		return 0, errno
	}
	if oldFD == newFD {
		return newFD, 0
	}
	of.Incref()
	ctx.P.FDTable.InstallAt(proc.FD(newFD), of)
	return newFD, 0
}

func sysFcntl(ctx *Context, args Args) (int64, kerrno.Errno) {
	const (
		fDupFD = 0
		fGetFD = 1
		fSetFD = 2
		fGetFL = 3
		fSetFL = 4
	)
	fd := proc.FD(args[0])
	of, errno := ctx.P.FDTable.Get(fd)
	if errno != 0 {
		return 0, errno
	}
	switch args[1] {
	case fDupFD:
		of.Incref()
		return int64(ctx.P.FDTable.Install(of)), 0
	case fGetFD, fGetFL:
		return int64(of.Flags), 0
	case fSetFD:
		return 0, ctx.P.FDTable.SetCloexec(fd, args[2] != 0)
	case fSetFL:
		of.Flags = int(args[2])
		return 0, 0
	default:
		return 0, kerrno.EINVAL
	}
}

// sysIoctl implements ioctl(2): args = {fd, request, argp}. The request
// payload crosses the boundary as a fixed four-byte record (winsize:
// rows u16 + cols u16; pgrp: int32) — copied in for a set request,
// copied back out for a get request. Nodes that are not devices report
// ENOTTY (spec.md §4.9: ioctl is meaningful only on device nodes).
func sysIoctl(ctx *Context, args Args) (int64, kerrno.Errno) {
	of, errno := ctx.P.FDTable.Get(proc.FD(args[0]))
	if errno != 0 {
		return 0, errno
	}
	ic, ok := of.Node.(vfs.Ioctler)
	if !ok {
		return 0, kerrno.ENOTTY
	}
	req := uint32(args[1])
	buf := make([]byte, 4)
	switch req {
	case vfs.IoctlSetWinsize, vfs.IoctlSetPgrp:
		if errno := ctx.Cp.CopyFromUser(buf, uintptr(args[2])); errno != 0 {
			return 0, errno
		}
	}
	if errno := ic.Ioctl(context.Background(), req, buf); errno != 0 {
		return 0, errno
	}
	switch req {
	case vfs.IoctlGetWinsize, vfs.IoctlGetPgrp:
		if errno := ctx.Cp.CopyToUser(uintptr(args[2]), buf); errno != 0 {
			return 0, errno
		}
	}
	return 0, 0
}

// Stat is the kernel's minimal fstat(2) payload. Real systems encode far
// more fields (timestamps, device id, block count); spec.md §6's
// "/proc/<pid>/status" line list names what this kernel actually tracks,
// and fstat mirrors that same minimal set rather than a fabricated full
// struct stat.
type Stat struct {
	Ino   uint64
	Size  int64
	Mode  uint32
	Nlink uint32
	Kind  int32
}

// Bytes serializes Stat as fixed-width little-endian fields, the wire
// format copy_to_user hands back to user space.
func (s Stat) Bytes() []byte {
	buf := make([]byte, 8+8+4+4+4)
	putU64(buf[0:], s.Ino)
	putU64(buf[8:], uint64(s.Size))
	putU32(buf[16:], s.Mode)
	putU32(buf[20:], s.Nlink)
	putU32(buf[24:], uint32(s.Kind))
	return buf
}

func putU64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func putU32(b []byte, v uint32) {
	for i := 0; i < 4; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

// encodeDirents packs {ino,reclen,type,name[]} entries per spec.md
// §4.8's getdents description.
func encodeDirents(entries []vfs.DirEntry) []byte {
	var out []byte
	for _, e := range entries {
		name := append([]byte(e.Name), 0)
		reclen := 8 + 2 + 1 + len(name)
		rec := make([]byte, reclen)
		putU64(rec[0:], e.Inode)
		rec[8] = byte(reclen)
		rec[9] = byte(reclen >> 8)
		rec[10] = byte(e.Kind)
		copy(rec[11:], name)
		out = append(out, rec...)
	}
	return out
}
