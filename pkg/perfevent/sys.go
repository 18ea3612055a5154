package perfevent

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// Syscalls is the set of kernel entry points the backend uses. The default
// implementation calls straight into the kernel; tests substitute a fake to
// inject failures at any point of a group operation.
type Syscalls interface {
	PerfEventOpen(attr *unix.PerfEventAttr, pid, cpu, groupFd int) (int, error)
	Close(fd int) error
	Ioctl(fd int, req uint) error
	Read(fd int, p []byte) (int, error)
	Fcntl(fd int, cmd int, arg int) error
	// SetOwner directs overflow signals on fd to thread tid. When perThread
	// is false only the legacy per-process ownership is available.
	SetOwner(fd int, tid int, perThread bool) error
	Mmap(fd int, length int) ([]byte, error)
	Munmap(b []byte) error
	Gettid() int
}

type unixSyscalls struct{}

// UnixSyscalls returns the Syscalls implementation backed by golang.org/x/sys/unix
func UnixSyscalls() Syscalls { return unixSyscalls{} }

func (unixSyscalls) PerfEventOpen(attr *unix.PerfEventAttr, pid, cpu, groupFd int) (int, error) {
	return unix.PerfEventOpen(attr, pid, cpu, groupFd, 0)
}

func (unixSyscalls) Close(fd int) error { return unix.Close(fd) }

func (unixSyscalls) Ioctl(fd int, req uint) error { return unix.IoctlSetInt(fd, req, 0) }

func (unixSyscalls) Read(fd int, p []byte) (int, error) { return unix.Read(fd, p) }

func (unixSyscalls) Fcntl(fd int, cmd int, arg int) error {
	_, err := unix.FcntlInt(uintptr(fd), cmd, arg)
	return err
}

// fOwnerTID is F_OWNER_TID from <linux/fcntl.h>
const fOwnerTID = 0

// fOwnerEx mirrors struct f_owner_ex
type fOwnerEx struct {
	typ int32
	pid int32
}

func (unixSyscalls) SetOwner(fd int, tid int, perThread bool) error {
	if !perThread {
		_, err := unix.FcntlInt(uintptr(fd), unix.F_SETOWN, tid)
		return err
	}
	owner := fOwnerEx{typ: fOwnerTID, pid: int32(tid)}
	_, _, errno := unix.Syscall(unix.SYS_FCNTL, uintptr(fd), unix.F_SETOWN_EX, uintptr(unsafe.Pointer(&owner)))
	if errno != 0 {
		return errno
	}
	return nil
}

func (unixSyscalls) Mmap(fd int, length int) ([]byte, error) {
	return unix.Mmap(fd, 0, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
}

func (unixSyscalls) Munmap(b []byte) error { return unix.Munmap(b) }

func (unixSyscalls) Gettid() int { return unix.Gettid() }
