//go:build linux || darwin

package kevent

import (
	"encoding/binary"

	"golang.org/x/sys/unix"
)

// signalWakeFD makes a wake descriptor readable. Works for both an eventfd
// and the write end of a pipe.
func signalWakeFD(fd int) error {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(fd, buf[:])
	if err == unix.EAGAIN {
		// already signaled
		return nil
	}
	return err
}

// drainWakeFD consumes all pending signals.
func drainWakeFD(fd int) {
	var buf [64]byte
	for {
		n, err := unix.Read(fd, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

func readFD(fd int, b []byte) (int, error) {
	n, err := unix.Read(fd, b)
	if n < 0 {
		n = 0
	}
	return n, err
}

func writeFD(fd int, b []byte) (int, error) {
	n, err := unix.Write(fd, b)
	if n < 0 {
		n = 0
	}
	return n, err
}
