package perfevent

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Error classes. Every error returned by this package matches exactly one of
// these with errors.Is, except read-format failures which match both
// ErrBug and ErrReadFormat.
var (
	ErrPermission    = errors.New("permission denied")
	ErrUnsupported   = errors.New("unsupported configuration")
	ErrNotComparable = errors.New("not comparable")
	ErrUnknownEvent  = errors.New("unknown event")
	ErrSystem        = errors.New("system call failed")
	ErrNoMemory      = errors.New("out of memory")
	ErrInvalid       = errors.New("invalid argument")
	ErrConflict      = errors.New("counter conflict")
	ErrBug           = errors.New("internal consistency error")

	// ErrReadFormat marks a grouped read whose header disagrees with the group size
	ErrReadFormat = errors.New("unexpected read format")
	// ErrEventTable marks a failure to encode an event's counter selector
	ErrEventTable = errors.New("event table error")
)

// SyscallError records a failed system call together with the error class it
// was translated to.
type SyscallError struct {
	Op    string
	Fd    int
	Errno unix.Errno
	Kind  error
}

func (e *SyscallError) Error() string {
	if e.Fd >= 0 {
		return fmt.Sprintf("%s(fd %d): %v: %v", e.Op, e.Fd, e.Kind, e.Errno)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Errno)
}

func (e *SyscallError) Unwrap() []error {
	return []error{e.Kind, e.Errno}
}

// TranslateErrno maps an errno from perf_event_open or a control call to an
// error class. The mapping is approximate: the kernel reuses EINVAL for many
// unrelated failures.
func TranslateErrno(errno unix.Errno) error {
	switch errno {
	case unix.EPERM, unix.EACCES:
		return ErrPermission
	case unix.ENODEV, unix.EOPNOTSUPP:
		return ErrUnsupported
	case unix.ENOENT:
		return ErrUnknownEvent
	case unix.ENOSYS, unix.EAGAIN, unix.EBUSY, unix.E2BIG:
		return ErrSystem
	case unix.ENOMEM:
		return ErrNoMemory
	default:
		return ErrInvalid
	}
}

// openError wraps a failed perf_event_open with its translated class
func openError(err error) error {
	var errno unix.Errno
	if !errors.As(err, &errno) {
		return fmt.Errorf("perf_event_open: %w: %w", ErrSystem, err)
	}
	return &SyscallError{Op: "perf_event_open", Fd: -1, Errno: errno, Kind: TranslateErrno(errno)}
}

// sysError wraps a failed control call. These are never translated: any
// failure after a successful open is a generic system error.
func sysError(op string, fd int, err error) error {
	var errno unix.Errno
	if !errors.As(err, &errno) {
		return fmt.Errorf("%s(fd %d): %w: %w", op, fd, ErrSystem, err)
	}
	return &SyscallError{Op: op, Fd: fd, Errno: errno, Kind: ErrSystem}
}
