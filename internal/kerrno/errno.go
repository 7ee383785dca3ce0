// Package kerrno is the kernel's errno taxonomy (spec.md §6 "errno set",
// §7 error handling design). Values alias golang.org/x/sys/unix so that the
// numeric values returned across the user/kernel boundary match the real
// POSIX errno numbers a libc expects, instead of inventing our own numbering.
package kerrno

import (
	"golang.org/x/sys/unix"
)

// Errno is a negatable POSIX error number. A zero Errno means success.
type Errno int32

func (e Errno) Error() string {
	if e == 0 {
		return "success"
	}
	return unix.Errno(e).Error()
}

// Negated returns the value placed in the syscall return register on
// failure: a negative errno, per spec.md §4.8's return convention.
func (e Errno) Negated() int64 {
	return -int64(e)
}

// OK reports whether e represents success.
func (e Errno) OK() bool { return e == 0 }

var (
	EPERM           = Errno(unix.EPERM)
	ENOENT          = Errno(unix.ENOENT)
	ESRCH           = Errno(unix.ESRCH)
	EINTR           = Errno(unix.EINTR)
	EIO             = Errno(unix.EIO)
	EBADF           = Errno(unix.EBADF)
	ECHILD          = Errno(unix.ECHILD)
	EAGAIN          = Errno(unix.EAGAIN)
	ENOMEM          = Errno(unix.ENOMEM)
	EACCES          = Errno(unix.EACCES)
	EFAULT          = Errno(unix.EFAULT)
	EBUSY           = Errno(unix.EBUSY)
	EEXIST          = Errno(unix.EEXIST)
	ENODEV          = Errno(unix.ENODEV)
	ENOTDIR         = Errno(unix.ENOTDIR)
	EISDIR          = Errno(unix.EISDIR)
	EINVAL          = Errno(unix.EINVAL)
	EMFILE          = Errno(unix.EMFILE)
	ENOTTY          = Errno(unix.ENOTTY)
	ESPIPE          = Errno(unix.ESPIPE)
	ENOSYS          = Errno(unix.ENOSYS)
	ENOTEMPTY       = Errno(unix.ENOTEMPTY)
	ELOOP           = Errno(unix.ELOOP)
	ERANGE          = Errno(unix.ERANGE)
	ENAMETOOLONG    = Errno(unix.ENAMETOOLONG)
	EAFNOSUPPORT    = Errno(unix.EAFNOSUPPORT)
	EPROTONOSUPPORT = Errno(unix.EPROTONOSUPPORT)
	EADDRINUSE      = Errno(unix.EADDRINUSE)
	ENOTCONN        = Errno(unix.ENOTCONN)
	ECONNREFUSED    = Errno(unix.ECONNREFUSED)
	EPIPE           = Errno(unix.EPIPE)
	E2BIG           = Errno(unix.E2BIG)
	ENOSPC          = Errno(unix.ENOSPC)
	ENXIO           = Errno(unix.ENXIO)
)
