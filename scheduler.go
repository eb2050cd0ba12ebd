package kevent

import (
	"container/heap"
	"context"
	"sync"
)

type (
	// Scheduler supplies servicer threads for thread requests. Its methods
	// are called with the lock of the requesting queue held, and must not
	// block, or call back into the request (e.g. Bind) synchronously.
	//
	// Each queue has at most one request outstanding per bucket (one per
	// workloop), so a request is never initiated twice without an
	// intervening Cancel or Bind. A Scheduler that serves a request does so
	// from its own goroutine, using a [Thread] of the Proc:
	//
	//	t := proc.NewThread("worker", qos)
	//	defer t.Exit()
	//	if req.Bind(t) == nil {
	//	    _ = req.Run(ctx, t)
	//	}
	//
	// Bind fails with ECANCELED once Cancel has returned true, so a
	// Scheduler may race Cancel against dequeueing without further
	// coordination. The default is [WorkerPool], see WithScheduler.
	Scheduler interface {
		// Initiate queues a request. An error (e.g. because the Scheduler
		// is closed) leaves the work queued, without a request.
		Initiate(req *ThreadRequest, qos QoS) error
		// Modify changes the class of a queued request.
		Modify(req *ThreadRequest, qos QoS)
		// Cancel withdraws a queued request, returning false if it was
		// already dequeued (in which case Bind will fail).
		Cancel(req *ThreadRequest) bool
	}

	// WorkerPool is the default Scheduler: a bounded pool of goroutines,
	// serving requests in QoS order (then FIFO), each as a registered
	// Thread running at the requested class.
	WorkerPool struct {
		ctx     context.Context
		index   map[*ThreadRequest]*poolEntry
		pending poolHeap
		wg      sync.WaitGroup
		mu      sync.Mutex
		seq     uint64
		running int
		max     int
		closed  bool
	}

	poolEntry struct {
		req   *ThreadRequest
		seq   uint64
		index int
		qos   QoS
	}

	poolHeap []*poolEntry
)

var _ Scheduler = (*WorkerPool)(nil)

func (h poolHeap) Len() int { return len(h) }

func (h poolHeap) Less(i, j int) bool {
	if h[i].qos != h[j].qos {
		return h[i].qos > h[j].qos
	}
	return h[i].seq < h[j].seq
}

func (h poolHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *poolHeap) Push(x any) {
	e := x.(*poolEntry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *poolHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// NewWorkerPool returns a pool of at most maxThreads workers, which run
// requests with ctx (cancel it to stop servicing).
func NewWorkerPool(ctx context.Context, maxThreads int) *WorkerPool {
	if maxThreads <= 0 {
		maxThreads = 1
	}
	return &WorkerPool{
		ctx:   ctx,
		index: make(map[*ThreadRequest]*poolEntry),
		max:   maxThreads,
	}
}

// Initiate implements Scheduler.
func (x *WorkerPool) Initiate(req *ThreadRequest, qos QoS) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return ErrProcExited
	}
	if _, ok := x.index[req]; ok {
		return EBUSY
	}
	x.seq++
	e := &poolEntry{req: req, qos: qos, seq: x.seq}
	heap.Push(&x.pending, e)
	x.index[req] = e
	if x.running < x.max {
		x.running++
		x.wg.Add(1)
		go x.worker()
	}
	return nil
}

// Modify implements Scheduler.
func (x *WorkerPool) Modify(req *ThreadRequest, qos QoS) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if e, ok := x.index[req]; ok {
		e.qos = qos
		heap.Fix(&x.pending, e.index)
	}
}

// Cancel implements Scheduler.
func (x *WorkerPool) Cancel(req *ThreadRequest) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	e, ok := x.index[req]
	if !ok {
		return false
	}
	heap.Remove(&x.pending, e.index)
	delete(x.index, req)
	return true
}

// Pending returns the number of queued requests.
func (x *WorkerPool) Pending() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.pending)
}

// Close refuses further requests, and waits for the workers to exit. The
// context given to NewWorkerPool should be canceled first, to stop any
// running requests.
func (x *WorkerPool) Close() {
	x.mu.Lock()
	x.closed = true
	x.pending = nil
	clear(x.index)
	x.mu.Unlock()
	x.wg.Wait()
}

func (x *WorkerPool) next() *poolEntry {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed || len(x.pending) == 0 {
		x.running--
		return nil
	}
	e := heap.Pop(&x.pending).(*poolEntry)
	delete(x.index, e.req)
	return e
}

func (x *WorkerPool) worker() {
	defer x.wg.Done()
	var th *Thread
	defer func() {
		if th != nil {
			th.Exit()
		}
	}()
	for {
		e := x.next()
		if e == nil {
			return
		}
		proc := e.req.Proc()
		if th == nil || th.proc != proc {
			if th != nil {
				th.Exit()
			}
			th = proc.NewThread("worker", e.qos)
		} else {
			th.SetBaseQoS(e.qos)
		}
		if err := e.req.Bind(th); err != nil {
			continue
		}
		if err := e.req.Run(x.ctx, th); err != nil {
			proc.logger.Debug().
				Err(err).
				Uint64(`thread`, th.id).
				Log(`worker stopped servicing`)
		}
	}
}
