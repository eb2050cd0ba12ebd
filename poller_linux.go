//go:build linux

package kevent

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// osPoller delivers edge-triggered readiness of OS descriptors, using epoll.
type osPoller struct {
	eventBuf [128]unix.EpollEvent
	fds      []osFDInfo
	fdMu     sync.RWMutex
	epfd     int
	wakeFD   int
	closed   atomic.Bool
}

func newOSPoller() (*osPoller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	wakeFD, _, err := createWakeFD()
	if err != nil {
		_ = unix.Close(epfd)
		return nil, err
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakeFD)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeFD, &ev); err != nil {
		_ = unix.Close(epfd)
		_ = unix.Close(wakeFD)
		return nil, err
	}
	return &osPoller{epfd: epfd, wakeFD: wakeFD}, nil
}

func (p *osPoller) close() error {
	if p.closed.Swap(true) {
		return nil
	}
	p.fdMu.RLock()
	defer p.fdMu.RUnlock()
	if p.wakeFD >= 0 {
		_ = signalWakeFD(p.wakeFD)
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
	if p.epfd < 0 {
		return errPollerClosed
	}
	p.fds = growOSFDs(p.fds, fd)
	if p.fds[fd].active {
		return errOSFDAlreadyRegistered
	}
	ev := unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLOUT | unix.EPOLLRDHUP | unix.EPOLLET,
		Fd:     int32(fd),
	}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return err
	}
	p.fds[fd] = osFDInfo{callback: cb, active: true}
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
	p.fds[fd] = osFDInfo{}
	if p.epfd < 0 {
		return nil
	}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

func (p *osPoller) pollIO(timeoutMs int) (int, error) {
	if p.closed.Load() {
		p.release()
		return 0, errPollerClosed
	}
	n, err := unix.EpollWait(p.epfd, p.eventBuf[:], timeoutMs)
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
		fd := int(p.eventBuf[i].Fd)
		if fd == p.wakeFD {
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
			info.callback(epollToEvents(p.eventBuf[i].Events))
		}
	}
}

// release closes the OS resources, from the polling goroutine.
func (p *osPoller) release() {
	p.fdMu.Lock()
	defer p.fdMu.Unlock()
	if p.epfd >= 0 {
		_ = unix.Close(p.epfd)
		_ = unix.Close(p.wakeFD)
		p.epfd, p.wakeFD = -1, -1
	}
}

// epollToEvents converts epoll event flags to IOEvents.
func epollToEvents(epollEvents uint32) IOEvents {
	var events IOEvents
	if epollEvents&unix.EPOLLIN != 0 {
		events |= EventRead
	}
	if epollEvents&unix.EPOLLOUT != 0 {
		events |= EventWrite
	}
	if epollEvents&unix.EPOLLERR != 0 {
		events |= EventError
	}
	if epollEvents&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0 {
		events |= EventHangup
	}
	return events
}
