package kevent

import (
	"errors"
)

// IOEvents represents the OS readiness conditions of a descriptor.
type IOEvents uint32

const (
	// EventRead indicates the descriptor is ready for reading.
	EventRead IOEvents = 1 << iota
	// EventWrite indicates the descriptor is ready for writing.
	EventWrite
	// EventError indicates an error condition on the descriptor.
	EventError
	// EventHangup indicates the peer closed its end.
	EventHangup
)

// maxOSFD bounds the OS descriptors the poller will index.
const maxOSFD = 1 << 20

var (
	errOSFDOutOfRange        = errors.New("kevent: os fd out of range")
	errOSFDAlreadyRegistered = errors.New("kevent: os fd already registered")
	errOSFDNotRegistered     = errors.New("kevent: os fd not registered")
	errPollerClosed          = errors.New("kevent: poller closed")
)

// ioCallback receives readiness transitions for a registered descriptor.
type ioCallback func(IOEvents)

// osFDInfo stores per-descriptor callback information.
type osFDInfo struct {
	callback ioCallback
	active   bool
}

// growOSFDs returns fds with room for fd.
func growOSFDs(fds []osFDInfo, fd int) []osFDInfo {
	if fd < len(fds) {
		return fds
	}
	size := fd*2 + 1
	if size > maxOSFD {
		size = maxOSFD
	}
	grown := make([]osFDInfo, size)
	copy(grown, fds)
	return grown
}

// run polls until the poller is closed, logging unexpected failures.
func (p *osPoller) run(proc *Proc) {
	for {
		if _, err := p.pollIO(-1); err != nil {
			if errors.Is(err, errPollerClosed) {
				return
			}
			proc.logger.Err().Err(err).Log("os poller failed")
			return
		}
	}
}
