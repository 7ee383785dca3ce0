// Package ucopy implements the user/kernel memory boundary (spec.md
// §4.7): copy_from_user/copy_to_user with page-table-driven fault
// recovery instead of trusting a raw pointer, plus user_range_ok for
// syscall argument validation. Grounded on the teacher's
// src/mazboot/golang/main/mmu.go translation walk, generalized from a
// fixed kernel/user split check into a full per-page permission and
// present-bit walk against internal/mm.AddressSpace.
package ucopy

import (
	"github.com/mazarin-os/kernelcore/internal/kerrno"
	"github.com/mazarin-os/kernelcore/internal/mm"
)

// Copier binds one address space and the frame allocator backing its
// physical pages, so copy_from_user/copy_to_user can translate a virtual
// range and touch the underlying bytes.
type Copier struct {
	AS    *mm.AddressSpace
	Alloc *mm.FrameAllocator
}

// UserRangeOK reports whether every page in [addr, addr+n) is present,
// USER-accessible, and — for a write check — WRITABLE, without copying
// anything (spec.md §4.7 user_range_ok, used to validate syscall pointer
// arguments up front).
func (c *Copier) UserRangeOK(addr uintptr, n int, write bool) bool {
	if n == 0 {
		return true
	}
	startPage := mm.VPN(addr / mm.PageSize)
	endPage := mm.VPN((addr + uintptr(n) - 1) / mm.PageSize)
	for vpn := startPage; vpn <= endPage; vpn++ {
		pte, ok := c.AS.Translate(vpn)
		if !ok || !pte.Flags.Has(mm.PRESENT) || !pte.Flags.Has(mm.USER) {
			return false
		}
		if write && !pte.Flags.Has(mm.WRITABLE) {
			// A kernel write to a COW page takes the same fault path a
			// user write would: resolve it here, then re-check. Anything
			// else is a genuine permission failure.
			if !pte.Flags.Has(mm.COW) || !c.AS.HandleCOWFault(vpn) {
				return false
			}
		}
	}
	return true
}

// CopyFromUser copies len(dst) bytes starting at user virtual address
// addr into dst, failing with EFAULT if any touched page is not
// present/user-readable (spec.md §4.7).
func (c *Copier) CopyFromUser(dst []byte, addr uintptr) kerrno.Errno {
	if !c.UserRangeOK(addr, len(dst), false) {
		return kerrno.EFAULT
	}
	return c.walk(addr, len(dst), func(frame mm.Frame, off, n int, dstOff int) {
		c.Alloc.ReadAt(frame, off, dst[dstOff:dstOff+n])
	})
}

// CopyToUser copies src into user virtual address addr, failing with
// EFAULT if any touched page is not present/user-writable.
func (c *Copier) CopyToUser(addr uintptr, src []byte) kerrno.Errno {
	if !c.UserRangeOK(addr, len(src), true) {
		return kerrno.EFAULT
	}
	return c.walk(addr, len(src), func(frame mm.Frame, off, n int, srcOff int) {
		c.Alloc.WriteAt(frame, off, src[srcOff:srcOff+n])
	})
}

// walk splits [addr, addr+length) into per-page spans and invokes fn once
// per span with the backing frame, the in-page byte offset, the span
// length, and the matching offset into the caller's buffer.
func (c *Copier) walk(addr uintptr, length int, fn func(frame mm.Frame, off, n int, bufOff int)) kerrno.Errno {
	remaining := length
	bufOff := 0
	for remaining > 0 {
		vpn := mm.VPN(addr / mm.PageSize)
		pageOff := int(addr % mm.PageSize)
		pte, ok := c.AS.Translate(vpn)
		if !ok {
			return kerrno.EFAULT
		}
		n := mm.PageSize - pageOff
		if n > remaining {
			n = remaining
		}
		fn(pte.Frame, pageOff, n, bufOff)
		addr += uintptr(n)
		bufOff += n
		remaining -= n
	}
	return 0
}

// CopyStringFromUser reads a NUL-terminated string of at most maxLen
// bytes starting at addr, for syscalls like execve's argv.
func (c *Copier) CopyStringFromUser(addr uintptr, maxLen int) (string, kerrno.Errno) {
	buf := make([]byte, maxLen)
	if errno := c.CopyFromUser(buf, addr); errno != 0 {
		return "", errno
	}
	for i, b := range buf {
		if b == 0 {
			return string(buf[:i]), 0
		}
	}
	return "", kerrno.ENAMETOOLONG
}
