package kevent

import (
	"sync"
)

// klist is the notification list of an event source, guarded by the
// source's own lock.
type klist struct {
	knotes map[*knote]struct{}
}

func (l *klist) add(kn *knote) {
	if l.knotes == nil {
		l.knotes = make(map[*knote]struct{})
	}
	l.knotes[kn] = struct{}{}
}

func (l *klist) remove(kn *knote) {
	delete(l.knotes, kn)
}

func (l *klist) len() int { return len(l.knotes) }

// post notifies every registration on the list. The source's lock must be
// held.
func (l *klist) post(hint int64) {
	for kn := range l.knotes {
		kn.kq.knotePost(kn, hint)
	}
}

// pipeBufSize is the capacity of a pipe, in bytes.
const pipeBufSize = 16 << 10

type (
	// pipe is an in-process, non-blocking byte channel, observable with
	// FilterRead (read end) and FilterWrite (write end).
	pipe struct {
		buf     []byte
		readers klist
		writers klist
		mu      sync.Mutex
		rclosed bool
		wclosed bool
	}

	pipeEnd struct {
		p      *pipe
		writer bool
	}

	pipeFilterOps struct {
		p     *pipe
		write bool
	}

	// ioFile is implemented by descriptors that support Proc.Read and
	// Proc.Write.
	ioFile interface {
		read(b []byte) (int, error)
		write(b []byte) (int, error)
	}
)

var (
	_ fileObject = (*pipeEnd)(nil)
	_ ioFile     = (*pipeEnd)(nil)
	_ filterOps  = (*pipeFilterOps)(nil)
)

// Pipe creates a pipe, returning the read and write descriptors.
func (p *Proc) Pipe() (r, w int, err error) {
	pp := &pipe{}
	if r, err = p.allocFD(&pipeEnd{p: pp}); err != nil {
		return -1, -1, err
	}
	if w, err = p.allocFD(&pipeEnd{p: pp, writer: true}); err != nil {
		_ = p.closeFD(r)
		return -1, -1, err
	}
	return r, w, nil
}

// Read reads from a descriptor without blocking, returning EAGAIN if no
// data is available, or 0 bytes at EOF.
func (p *Proc) Read(fd int, b []byte) (int, error) {
	fe, err := p.getFile(fd)
	if err != nil {
		return 0, err
	}
	defer p.releaseFile(fe)
	f, ok := fe.obj.(ioFile)
	if !ok {
		return 0, EINVAL
	}
	return f.read(b)
}

// Write writes to a descriptor without blocking, returning EAGAIN if there
// is no space.
func (p *Proc) Write(fd int, b []byte) (int, error) {
	fe, err := p.getFile(fd)
	if err != nil {
		return 0, err
	}
	defer p.releaseFile(fe)
	f, ok := fe.obj.(ioFile)
	if !ok {
		return 0, EINVAL
	}
	return f.write(b)
}

func (x *pipeEnd) kqfilter(_ *kqueue, filter Filter) (filterOps, error) {
	if (filter == FilterRead && !x.writer) || (filter == FilterWrite && x.writer) {
		return &pipeFilterOps{p: x.p, write: x.writer}, nil
	}
	return nil, EINVAL
}

func (x *pipeEnd) closeFile() {
	x.p.mu.Lock()
	defer x.p.mu.Unlock()
	if x.writer {
		x.p.wclosed = true
		x.p.readers.post(0)
	} else {
		x.p.rclosed = true
		x.p.buf = nil
		x.p.writers.post(0)
	}
}

func (x *pipeEnd) read(b []byte) (int, error) {
	if x.writer {
		return 0, EBADF
	}
	x.p.mu.Lock()
	defer x.p.mu.Unlock()
	if len(x.p.buf) == 0 {
		if x.p.wclosed {
			return 0, nil
		}
		return 0, EAGAIN
	}
	n := copy(b, x.p.buf)
	x.p.buf = x.p.buf[n:]
	if n != 0 {
		x.p.writers.post(0)
	}
	return n, nil
}

func (x *pipeEnd) write(b []byte) (int, error) {
	if !x.writer {
		return 0, EBADF
	}
	x.p.mu.Lock()
	defer x.p.mu.Unlock()
	if x.p.rclosed {
		return 0, EPIPE
	}
	n := min(pipeBufSize-len(x.p.buf), len(b))
	if n == 0 && len(b) != 0 {
		return 0, EAGAIN
	}
	x.p.buf = append(x.p.buf, b[:n]...)
	if n != 0 {
		x.p.readers.post(0)
	}
	return n, nil
}

func (x *pipeFilterOps) list() *klist {
	if x.write {
		return &x.p.writers
	}
	return &x.p.readers
}

// stateLocked reports the data (bytes readable or writable) and EOF state,
// and whether the low water mark is met.
func (x *pipeFilterOps) stateLocked(kn *knote) (data int64, eof, ok bool) {
	if x.write {
		data, eof = int64(pipeBufSize-len(x.p.buf)), x.p.rclosed
	} else {
		data, eof = int64(len(x.p.buf)), x.p.wclosed
	}
	lowat := int64(1)
	if kn.sfflags&NoteLowat != 0 && kn.sdata > 0 {
		lowat = kn.sdata
	}
	return data, eof, eof || data >= lowat
}

func (x *pipeFilterOps) attach(kn *knote, _ *Kevent) (filterResult, error) {
	x.p.mu.Lock()
	defer x.p.mu.Unlock()
	x.list().add(kn)
	_, _, ok := x.stateLocked(kn)
	return boolResult(ok), nil
}

func (x *pipeFilterOps) detach(kn *knote) {
	x.p.mu.Lock()
	defer x.p.mu.Unlock()
	x.list().remove(kn)
}

func (x *pipeFilterOps) event(kn *knote, _ int64) filterResult {
	_, _, ok := x.stateLocked(kn)
	return boolResult(ok)
}

func (x *pipeFilterOps) touch(kn *knote, kev *Kevent) (filterResult, error) {
	x.p.mu.Lock()
	defer x.p.mu.Unlock()
	kn.sfflags = kev.Fflags
	kn.sdata = kev.Data
	_, _, ok := x.stateLocked(kn)
	return boolResult(ok), nil
}

func (x *pipeFilterOps) process(kn *knote, kev *Kevent) filterResult {
	x.p.mu.Lock()
	defer x.p.mu.Unlock()
	data, eof, ok := x.stateLocked(kn)
	if !ok {
		return 0
	}
	kev.Data = data
	if eof {
		kev.Flags |= FlagEOF
	}
	return resultActive
}

func (x *pipeFilterOps) info() filterInfo { return filterInfo{fdBased: true} }
