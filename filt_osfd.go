package kevent

import (
	"errors"
	"fmt"
	"sync"
)

type (
	// osFile is a descriptor wrapping an OS descriptor, whose readiness is
	// fed by the OS poller. The OS descriptor remains owned by the caller.
	//
	// Readiness is edge-triggered: a descriptor with no queued bytes
	// (e.g. a listening socket) reports once per edge.
	osFile struct {
		poller   *osPoller
		readers  klist
		writers  klist
		mu       sync.Mutex
		fd       int
		readable bool
		writable bool
		hup      bool
	}

	osFileOps struct {
		f     *osFile
		write bool
	}
)

var (
	_ fileObject = (*osFile)(nil)
	_ ioFile     = (*osFile)(nil)
	_ filterOps  = (*osFileOps)(nil)
)

// OpenFD wraps the OS descriptor osfd (which should be non-blocking) as a
// descriptor of the Proc, observable with FilterRead and FilterWrite. The
// OS descriptor is not closed by CloseFD.
func (p *Proc) OpenFD(osfd int) (int, error) {
	poller, err := p.osPoller()
	if err != nil {
		return -1, fmt.Errorf("kevent: open fd %d: %w", osfd, err)
	}
	f := &osFile{poller: poller, fd: osfd}
	if err := poller.register(osfd, f.ready); err != nil {
		return -1, fmt.Errorf("kevent: open fd %d: %w", osfd, err)
	}
	fd, err := p.allocFD(f)
	if err != nil {
		_ = poller.unregister(osfd)
		return -1, err
	}
	return fd, nil
}

// ready receives readiness transitions from the poller goroutine.
func (f *osFile) ready(events IOEvents) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if events&(EventHangup|EventError) != 0 {
		f.hup = true
	}
	if events&(EventRead|EventHangup|EventError) != 0 {
		f.readable = true
		f.readers.post(0)
	}
	if events&(EventWrite|EventHangup|EventError) != 0 {
		f.writable = true
		f.writers.post(0)
	}
}

func (f *osFile) kqfilter(_ *kqueue, filter Filter) (filterOps, error) {
	switch filter {
	case FilterRead:
		return &osFileOps{f: f}, nil
	case FilterWrite:
		return &osFileOps{f: f, write: true}, nil
	default:
		return nil, EINVAL
	}
}

func (f *osFile) closeFile() {
	// the poller may already be closed, with the Proc
	_ = f.poller.unregister(f.fd)
}

func (f *osFile) read(b []byte) (int, error) {
	n, err := readFD(f.fd, b)
	if errors.Is(err, EAGAIN) {
		f.mu.Lock()
		f.readable = false
		f.mu.Unlock()
	}
	return n, err
}

func (f *osFile) write(b []byte) (int, error) {
	n, err := writeFD(f.fd, b)
	if errors.Is(err, EAGAIN) {
		f.mu.Lock()
		f.writable = false
		f.mu.Unlock()
	}
	return n, err
}

func (x *osFileOps) list() *klist {
	if x.write {
		return &x.f.writers
	}
	return &x.f.readers
}

func (x *osFileOps) stateLocked(kn *knote) (data int64, ok bool) {
	f := x.f
	if x.write {
		return 0, f.writable || f.hup
	}
	if !f.readable && !f.hup {
		return 0, false
	}
	if n, err := fionread(f.fd); err == nil {
		data = int64(n)
	}
	lowat := int64(1)
	if kn.sfflags&NoteLowat != 0 && kn.sdata > 0 {
		lowat = kn.sdata
	}
	return data, f.hup || data == 0 || data >= lowat
}

func (x *osFileOps) attach(kn *knote, _ *Kevent) (filterResult, error) {
	x.f.mu.Lock()
	defer x.f.mu.Unlock()
	x.list().add(kn)
	_, ok := x.stateLocked(kn)
	return boolResult(ok), nil
}

func (x *osFileOps) detach(kn *knote) {
	x.f.mu.Lock()
	defer x.f.mu.Unlock()
	x.list().remove(kn)
}

func (x *osFileOps) event(kn *knote, _ int64) filterResult {
	_, ok := x.stateLocked(kn)
	return boolResult(ok)
}

func (x *osFileOps) touch(kn *knote, kev *Kevent) (filterResult, error) {
	x.f.mu.Lock()
	defer x.f.mu.Unlock()
	kn.sfflags = kev.Fflags
	kn.sdata = kev.Data
	_, ok := x.stateLocked(kn)
	return boolResult(ok), nil
}

func (x *osFileOps) process(kn *knote, kev *Kevent) filterResult {
	f := x.f
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := x.stateLocked(kn)
	if !ok {
		return 0
	}
	kev.Data = data
	if f.hup {
		kev.Flags |= FlagEOF
	}
	switch {
	case x.write:
		f.writable = false
	case data == 0:
		f.readable = false
	}
	return resultActive
}

func (x *osFileOps) info() filterInfo { return filterInfo{fdBased: true} }
