//go:build darwin

package kevent

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// osPoller delivers edge-triggered readiness of OS descriptors, using the
// host kqueue.
type osPoller struct {
	eventBuf [128]unix.Kevent_t
	fds      []osFDInfo
	fdMu     sync.RWMutex
	kq       int
	wakeR    int
	wakeW    int
	closed   atomic.Bool
}

func newOSPoller() (*osPoller, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	unix.CloseOnExec(kq)
	wakeR, wakeW, err := createWakeFD()
	if err != nil {
		_ = unix.Close(kq)
		return nil, err
	}
	changes := []unix.Kevent_t{{
		Ident:  uint64(wakeR),
		Filter: unix.EVFILT_READ,
		Flags:  unix.EV_ADD | unix.EV_ENABLE,
	}}
	if _, err := unix.Kevent(kq, changes, nil, nil); err != nil {
		_ = unix.Close(kq)
		closeWakeFD(wakeR, wakeW)
		return nil, err
	}
	return &osPoller{kq: kq, wakeR: wakeR, wakeW: wakeW}, nil
}

func (p *osPoller) close() error {
	if p.closed.Swap(true) {
		return nil
	}
	p.fdMu.RLock()
	defer p.fdMu.RUnlock()
	if p.wakeW >= 0 {
		_ = signalWakeFD(p.wakeW)
	}
	return nil
}

func (p *osPoller) register(fd int, cb ioCallback) error {
	if p.closed.Load() {
		return errPollerClosed
	}
	if fd < 0 || fd >= maxOSFD {
		return errOSFDOutOfRange
	}

	p.fdMu.Lock()
	defer p.fdMu.Unlock()
	if p.kq < 0 {
		return errPollerClosed
	}
	p.fds = growOSFDs(p.fds, fd)
	if p.fds[fd].active {
		return errOSFDAlreadyRegistered
	}
	p.fds[fd] = osFDInfo{callback: cb, active: true}
	if _, err := unix.Kevent(p.kq, fdKevents(fd, unix.EV_ADD|unix.EV_ENABLE|unix.EV_CLEAR), nil, nil); err != nil {
		p.fds[fd] = osFDInfo{}
		return err
	}
	return nil
}

func (p *osPoller) unregister(fd int) error {
	if fd < 0 {
		return errOSFDOutOfRange
	}
	p.fdMu.Lock()
	defer p.fdMu.Unlock()
	if fd >= len(p.fds) || !p.fds[fd].active {
		return errOSFDNotRegistered
	}
	if p.kq >= 0 {
		_, _ = unix.Kevent(p.kq, fdKevents(fd, unix.EV_DELETE), nil, nil)
	}
	p.fds[fd] = osFDInfo{}
	return nil
}

func (p *osPoller) pollIO(timeoutMs int) (int, error) {
	if p.closed.Load() {
		p.release()
		return 0, errPollerClosed
	}
	var ts *unix.Timespec
	if timeoutMs >= 0 {
		ts = &unix.Timespec{
			Sec:  int64(timeoutMs / 1000),
			Nsec: int64((timeoutMs % 1000) * 1000000),
		}
	}
	n, err := unix.Kevent(p.kq, nil, p.eventBuf[:], ts)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}
	p.dispatch(n)
	return n, nil
}

func (p *osPoller) dispatch(n int) {
	for i := 0; i < n; i++ {
		fd := int(p.eventBuf[i].Ident)
		if fd == p.wakeR {
			drainWakeFD(fd)
			continue
		}
		p.fdMu.RLock()
		var info osFDInfo
		if fd >= 0 && fd < len(p.fds) {
			info = p.fds[fd]
		}
		p.fdMu.RUnlock()
		if info.active && info.callback != nil {
			info.callback(keventToEvents(&p.eventBuf[i]))
		}
	}
}

func (p *osPoller) release() {
	p.fdMu.Lock()
	defer p.fdMu.Unlock()
	if p.kq >= 0 {
		_ = unix.Close(p.kq)
		closeWakeFD(p.wakeR, p.wakeW)
		p.kq, p.wakeR, p.wakeW = -1, -1, -1
	}
}

func fdKevents(fd int, flags uint16) []unix.Kevent_t {
	return []unix.Kevent_t{
		{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: flags},
		{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: flags},
	}
}

// keventToEvents converts a host kqueue event to IOEvents.
func keventToEvents(kev *unix.Kevent_t) IOEvents {
	var events IOEvents
	switch kev.Filter {
	case unix.EVFILT_READ:
		events |= EventRead
	case unix.EVFILT_WRITE:
		events |= EventWrite
	}
	if kev.Flags&unix.EV_ERROR != 0 {
		events |= EventError
	}
	if kev.Flags&unix.EV_EOF != 0 {
		events |= EventHangup
	}
	return events
}
