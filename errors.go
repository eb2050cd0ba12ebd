package kevent

import (
	"errors"
	"fmt"
	"syscall"
)

// Errors are reported as errno values, both as Go errors (match them using
// errors.Is) and as the Data of FlagError events.
const (
	ENOENT      = syscall.ENOENT
	ESRCH       = syscall.ESRCH
	EINTR       = syscall.EINTR
	EBADF       = syscall.EBADF
	ENOMEM      = syscall.ENOMEM
	EFAULT      = syscall.EFAULT
	EBUSY       = syscall.EBUSY
	EEXIST      = syscall.EEXIST
	EINVAL      = syscall.EINVAL
	EINPROGRESS = syscall.EINPROGRESS
	ENOTSUP     = syscall.ENOTSUP
	ELOOP       = syscall.ELOOP
	ETIMEDOUT   = syscall.ETIMEDOUT
	ESTALE      = syscall.ESTALE
	ECANCELED   = syscall.ECANCELED
	EOWNERDEAD  = syscall.EOWNERDEAD
	EAGAIN      = syscall.EAGAIN
	EPIPE       = syscall.EPIPE
	ERANGE      = syscall.ERANGE
)

var (
	// ErrProcExited is returned by operations on a Proc after Close.
	ErrProcExited = errors.New("kevent: process has exited")

	// ErrNotSupported is returned where the platform lacks a capability,
	// e.g. an OS poller.
	ErrNotSupported = errors.New("kevent: not supported on this platform")

	// ErrThreadBusy is returned by ThreadRequest.Bind when the thread is
	// already servicing another request.
	ErrThreadBusy = errors.New("kevent: thread already bound to a request")
)

// errnoOf maps err to the errno reported in FlagError events.
func errnoOf(err error) syscall.Errno {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}
	return EINVAL
}

// changeError describes the failure of a single change in a batch.
type changeError struct {
	err   error
	index int
	kev   Kevent
}

func (e *changeError) Error() string {
	return fmt.Sprintf("kevent: change %d %s: %v", e.index, e.kev, e.err)
}

func (e *changeError) Unwrap() error { return e.err }
