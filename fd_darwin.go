package kevent

import (
	"golang.org/x/sys/unix"
)

// fionread returns the number of bytes readable from fd.
func fionread(fd int) (int, error) {
	return unix.IoctlGetInt(fd, unix.FIONREAD)
}
