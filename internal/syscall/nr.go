// Package syscall implements the kernel's numbered syscall dispatch table
// (spec.md §4.8). Grounded on the teacher's src/mazboot/golang/main/
// syscall.go, which already used a number → handler map keyed by a
// typed constant instead of a raw switch; this package keeps that shape
// and fills it with the full surface spec.md §4.8 names.
//
// Handlers receive a *Context (the calling process plus the kernel
// subsystem handles it needs) and a fixed six-argument register frame,
// matching "up to six arguments in B, C, D, S, D2, F" (spec.md §6 "User
// ABI"). A pointer argument is a uintptr into the caller's address space;
// handlers cross it via internal/ucopy rather than dereferencing it
// directly, per spec.md §4.7.
package syscall

// Nr identifies one syscall number.
type Nr int

const (
	SysRead Nr = iota
	SysWrite
	SysOpen
	SysOpenat
	SysClose
	SysLseek
	SysFstat
	SysStat
	SysFstatat
	SysGetdents
	SysMkdir
	SysRmdir
	SysUnlink
	SysUnlinkat
	SysRename
	SysChdir
	SysGetcwd
	SysDup
	SysDup2
	SysDup3
	SysPipe
	SysPipe2
	SysFcntl
	SysIoctl

	SysGetpid
	SysGetppid
	SysFork
	SysClone
	SysExecve
	SysExit
	SysWaitpid
	SysSetsid
	SysSetpgid
	SysGetpgrp
	SysKill
	SysSigaction
	SysSigprocmask
	SysSigreturn

	SysMmap
	SysMunmap
	SysBrk

	SysNanosleep
	SysClockGettime

	SysShmget
	SysShmat
	SysShmdt
	SysShmctl

	SysPoll
	SysSelect

	numSyscalls
)

// String names a syscall number for logging/metrics labels.
func (n Nr) String() string {
	if name, ok := names[n]; ok {
		return name
	}
	return "unknown"
}

var names = map[Nr]string{
	SysRead: "read", SysWrite: "write", SysOpen: "open", SysOpenat: "openat",
	SysClose: "close", SysLseek: "lseek", SysFstat: "fstat", SysStat: "stat",
	SysFstatat: "fstatat", SysGetdents: "getdents", SysMkdir: "mkdir",
	SysRmdir: "rmdir", SysUnlink: "unlink", SysUnlinkat: "unlinkat",
	SysRename: "rename", SysChdir: "chdir", SysGetcwd: "getcwd", SysDup: "dup",
	SysDup2: "dup2", SysDup3: "dup3", SysPipe: "pipe", SysPipe2: "pipe2",
	SysFcntl: "fcntl", SysIoctl: "ioctl",
	SysGetpid: "getpid", SysGetppid: "getppid", SysFork: "fork", SysClone: "clone",
	SysExecve: "execve", SysExit: "exit", SysWaitpid: "waitpid",
	SysSetsid: "setsid", SysSetpgid: "setpgid", SysGetpgrp: "getpgrp",
	SysKill: "kill", SysSigaction: "sigaction", SysSigprocmask: "sigprocmask",
	SysSigreturn: "sigreturn",
	SysMmap:      "mmap", SysMunmap: "munmap", SysBrk: "brk",
	SysNanosleep: "nanosleep", SysClockGettime: "clock_gettime",
	SysShmget: "shmget", SysShmat: "shmat", SysShmdt: "shmdt", SysShmctl: "shmctl",
	SysPoll: "poll", SysSelect: "select",
}
