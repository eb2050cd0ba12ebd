//go:build darwin

package kevent

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// createWakeFD creates a non-blocking, close-on-exec self-pipe, returning
// the read end and the write end.
func createWakeFD() (int, int, error) {
	var fds [2]int
	if err := syscall.Pipe(fds[:]); err != nil {
		return 0, 0, err
	}
	syscall.CloseOnExec(fds[0])
	syscall.CloseOnExec(fds[1])
	for _, fd := range fds {
		if err := syscall.SetNonblock(fd, true); err != nil {
			closeWakeFD(fds[0], fds[1])
			return 0, 0, err
		}
	}
	return fds[0], fds[1], nil
}

func closeWakeFD(r, w int) {
	_ = unix.Close(r)
	_ = unix.Close(w)
}
