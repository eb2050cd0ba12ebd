package kevent

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/joeycumines/logiface"
)

// maxFD bounds the descriptor table of a Proc.
const maxFD = 1<<16 - 1

type (
	// Proc is the process context that owns descriptors (queues, pipes, OS
	// descriptors, watched paths), the pooled WorkQueue, workloops, threads,
	// and the background services (timers, OS poller, file watcher) that
	// feed registrations.
	//
	// A Proc must be closed, to release its goroutines and descriptors.
	Proc struct {
		ctx       context.Context
		cancel    context.CancelFunc
		logger    *logiface.Logger[logiface.Event]
		sched     Scheduler
		pool      *WorkerPool
		handler   EventHandler
		processes *ProcessTable
		memory    AddressSpace
		callouts  *calloutService
		workq     *WorkQueue
		poller    *osPoller
		watcher   *vnodeWatcher
		fds       map[int]*fileEntry
		threads   map[uint64]*Thread
		workloops map[uint64]*Workloop
		// nest is the graph of nested Kqueue registrations, parent to
		// children, with edge counts
		nest      map[*Kqueue]map[*Kqueue]int
		stats     procStats
		qos       QoSTable
		threadSeq atomic.Uint64
		mu        sync.Mutex
		threadMu  sync.Mutex
		wlMu      sync.Mutex
		nestMu    sync.Mutex
		closed    bool
	}

	// fileObject is the kind specific part of a descriptor.
	fileObject interface {
		// kqfilter returns the filter implementation to register against
		// this object, or an error if the filter is not supported.
		kqfilter(kq *kqueue, filter Filter) (filterOps, error)
		// closeFile releases the object, after the last reference.
		closeFile()
	}

	// fileEntry is a slot of the descriptor table. The fields are guarded
	// by Proc.mu.
	fileEntry struct {
		obj    fileObject
		knotes map[*knote]struct{}
		fd     int
		// refs counts the table itself, registrations, and in-flight
		// lookups
		refs    int
		closing bool
	}
)

// NewProc initialises a new Proc.
func NewProc(opts ...ProcOption) (*Proc, error) {
	cfg, err := resolveProcOptions(opts)
	if err != nil {
		return nil, err
	}

	p := &Proc{
		logger:    cfg.logger,
		handler:   cfg.handler,
		processes: cfg.processes,
		memory:    cfg.memory,
		qos:       cfg.qos,
		callouts:  newCalloutService(),
		fds:       make(map[int]*fileEntry),
		threads:   make(map[uint64]*Thread),
		workloops: make(map[uint64]*Workloop),
		nest:      make(map[*Kqueue]map[*Kqueue]int),
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())

	if cfg.scheduler != nil {
		p.sched = cfg.scheduler
	} else {
		p.pool = NewWorkerPool(p.ctx, cfg.maxThreads)
		p.sched = p.pool
	}

	p.logger.Debug().
		Int(`levels`, len(p.qos.Levels)).
		Log(`proc started`)

	return p, nil
}

// Close tears down every descriptor, queue, and background service. Closing
// an already closed Proc is a no-op.
func (p *Proc) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	fds := make([]int, 0, len(p.fds))
	for fd := range p.fds {
		fds = append(fds, fd)
	}
	workq := p.workq
	p.mu.Unlock()

	for _, fd := range fds {
		_ = p.closeFD(fd)
	}

	if workq != nil {
		workq.close()
	}

	p.wlMu.Lock()
	workloops := make([]*Workloop, 0, len(p.workloops))
	for _, wl := range p.workloops {
		workloops = append(workloops, wl)
	}
	p.wlMu.Unlock()
	for _, wl := range workloops {
		wl.close()
	}

	p.cancel()
	if p.pool != nil {
		p.pool.Close()
	}
	p.callouts.close()

	p.mu.Lock()
	poller, watcher := p.poller, p.watcher
	p.poller, p.watcher = nil, nil
	p.mu.Unlock()
	if poller != nil {
		_ = poller.close()
	}
	if watcher != nil {
		watcher.close()
	}

	p.logger.Debug().Log(`proc closed`)
	return nil
}

// Processes returns the process table that FilterProc observes.
func (p *Proc) Processes() *ProcessTable { return p.processes }

// QoSTable returns the configured service classes.
func (p *Proc) QoSTable() QoSTable { return p.qos }

// --- descriptor table ---

// allocFD installs obj at the lowest free descriptor.
func (p *Proc) allocFD(obj fileObject) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return -1, ErrProcExited
	}
	for fd := 0; fd <= maxFD; fd++ {
		if _, ok := p.fds[fd]; !ok {
			p.fds[fd] = &fileEntry{
				obj:    obj,
				knotes: make(map[*knote]struct{}),
				fd:     fd,
				refs:   1,
			}
			return fd, nil
		}
	}
	return -1, fmt.Errorf("kevent: descriptor table full: %w", ENOMEM)
}

// getFile references the descriptor fd, which must be released.
func (p *Proc) getFile(fd int) (*fileEntry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fe, ok := p.fds[fd]
	if !ok || fe.closing {
		return nil, EBADF
	}
	fe.refs++
	return fe, nil
}

func (p *Proc) releaseFile(fe *fileEntry) {
	p.mu.Lock()
	fe.refs--
	last := fe.refs == 0
	p.mu.Unlock()
	if last {
		fe.obj.closeFile()
	}
}

// trackKnoteFile links a new registration to its descriptor, so closing
// the descriptor reaches it.
func (p *Proc) trackKnoteFile(fe *fileEntry, kn *knote) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if fe.closing {
		return EBADF
	}
	fe.knotes[kn] = struct{}{}
	return nil
}

func (p *Proc) releaseKnoteFile(fe *fileEntry, kn *knote) {
	p.mu.Lock()
	delete(fe.knotes, kn)
	p.mu.Unlock()
	p.releaseFile(fe)
}

// CloseFD closes a descriptor. Registrations against it are dropped, or
// receive a final FlagVanished event if they asked for one.
func (p *Proc) CloseFD(fd int) error {
	if err := p.closeFD(fd); err != nil {
		return fmt.Errorf("kevent: close %d: %w", fd, err)
	}
	return nil
}

func (p *Proc) closeFD(fd int) error {
	p.mu.Lock()
	fe, ok := p.fds[fd]
	if !ok || fe.closing {
		p.mu.Unlock()
		return EBADF
	}
	fe.closing = true
	delete(p.fds, fd)
	knotes := make([]*knote, 0, len(fe.knotes))
	for kn := range fe.knotes {
		knotes = append(knotes, kn)
	}
	p.mu.Unlock()

	for _, kn := range knotes {
		kn.kq.fdClose(kn)
	}

	// the table's reference
	p.releaseFile(fe)
	return nil
}

// --- nesting ---

// nestAdd records that parent watches child, failing if that would form a
// cycle.
func (p *Proc) nestAdd(parent, child *Kqueue) error {
	if parent == child {
		return EINVAL
	}
	p.nestMu.Lock()
	defer p.nestMu.Unlock()
	if p.nestReachableLocked(child, parent) {
		return ELOOP
	}
	edges := p.nest[parent]
	if edges == nil {
		edges = make(map[*Kqueue]int)
		p.nest[parent] = edges
	}
	edges[child]++
	return nil
}

func (p *Proc) nestRemove(parent, child *Kqueue) {
	p.nestMu.Lock()
	defer p.nestMu.Unlock()
	edges := p.nest[parent]
	if edges[child]--; edges[child] <= 0 {
		delete(edges, child)
		if len(edges) == 0 {
			delete(p.nest, parent)
		}
	}
}

func (p *Proc) nestReachableLocked(from, to *Kqueue) bool {
	seen := map[*Kqueue]bool{from: true}
	stack := []*Kqueue{from}
	for len(stack) != 0 {
		k := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if k == to {
			return true
		}
		for child := range p.nest[k] {
			if !seen[child] {
				seen[child] = true
				stack = append(stack, child)
			}
		}
	}
	return false
}

// --- lazily started services ---

func (p *Proc) osPoller() (*osPoller, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrProcExited
	}
	if p.poller == nil {
		poller, err := newOSPoller()
		if err != nil {
			return nil, err
		}
		p.poller = poller
		go poller.run(p)
	}
	return p.poller, nil
}

func (p *Proc) fsWatcher() (*vnodeWatcher, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrProcExited
	}
	if p.watcher == nil {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, err
		}
		p.watcher = newVnodeWatcher(p, w)
	}
	return p.watcher, nil
}

// --- pooled queue ---

// WorkQueue returns the pooled queue of the Proc, creating it on first use.
// Delivery requires an EventHandler, see WithEventHandler.
func (p *Proc) WorkQueue() (*WorkQueue, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrProcExited
	}
	if p.handler == nil {
		return nil, fmt.Errorf("kevent: work queue requires an event handler: %w", ENOTSUP)
	}
	if p.workq == nil {
		p.workq = newWorkQueue(p)
	}
	return p.workq, nil
}
