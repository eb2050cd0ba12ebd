package kevent

import (
	"context"
	"fmt"
)

// serviceBatch is the maximum number of events per Delivery.
const serviceBatch = 64

type (
	// ThreadRequest is the request of a queue (a WorkQueue bucket, or a
	// Workloop) for a servicer thread, made to the Scheduler. Its state is
	// guarded by the lock of the queue.
	//
	// The Scheduler binds a thread with Bind, then services the queue with
	// Run, which returns once the queue has no more work, and the thread
	// is unbound.
	ThreadRequest struct {
		owner  requestQueue
		thread *Thread
		state  reqState
		// qos is the requested class
		qos QoS
		// bucket is the WorkQueue bucket served
		bucket QoS
	}

	reqState uint8

	// requestQueue is implemented by the queues that make thread requests.
	// Methods other than core are called with the queue locked.
	requestQueue interface {
		core() *kqueue
		// bindLocked is called as t commits to servicing r.
		bindLocked(r *ThreadRequest, t *Thread)
		// serviceLocked delivers up to cap(buf) events to buf.
		serviceLocked(r *ThreadRequest, t *Thread, buf []Kevent) []Kevent
		// parkLocked acknowledges delivered events, returning false if
		// there is more work, unless force is set.
		parkLocked(r *ThreadRequest, t *Thread, force bool) bool
		// unboundLocked is called after t was unbound from r.
		unboundLocked(r *ThreadRequest, t *Thread)
		// workloop returns the Workloop, or nil for the WorkQueue.
		workloop() *Workloop
	}

	// Delivery is a batch of events delivered by a servicer thread.
	Delivery struct {
		// Thread is the servicer.
		Thread *Thread
		// Workloop is the source of the events, or nil for the WorkQueue.
		Workloop *Workloop
		Events   []Kevent
		// QoS is the class the request was made at.
		QoS QoS
	}

	// EventHandler receives deliveries, on servicer threads. The context
	// carries the servicer Thread, see ThreadFromContext.
	EventHandler func(ctx context.Context, d *Delivery)
)

const (
	reqIdle reqState = iota
	reqQueued
	reqBinding
	reqBound
)

func (s reqState) String() string {
	switch s {
	case reqIdle:
		return "idle"
	case reqQueued:
		return "queued"
	case reqBinding:
		return "binding"
	case reqBound:
		return "bound"
	default:
		return fmt.Sprintf("reqState(%d)", uint8(s))
	}
}

// Proc returns the Proc of the requesting queue.
func (r *ThreadRequest) Proc() *Proc { return r.owner.core().proc }

// QoS returns the class of the request.
func (r *ThreadRequest) QoS() QoS {
	kq := r.owner.core()
	kq.mu.Lock()
	defer kq.mu.Unlock()
	return r.qos
}

// Workloop returns the requesting Workloop, or nil for the WorkQueue.
func (r *ThreadRequest) Workloop() *Workloop { return r.owner.workloop() }

// Bind commits t as the servicer of the request. It fails with ECANCELED
// if the request is no longer pending (it was canceled), or ErrThreadBusy
// if t is servicing another request.
func (r *ThreadRequest) Bind(t *Thread) error {
	kq := r.owner.core()
	kq.mu.Lock()
	defer kq.mu.Unlock()
	if r.state != reqQueued {
		return ECANCELED
	}
	t.mu.Lock()
	if t.request != nil {
		t.mu.Unlock()
		return ErrThreadBusy
	}
	t.request = r
	t.mu.Unlock()

	r.state = reqBinding
	r.thread = t
	r.owner.bindLocked(r, t)
	kq.proc.stats.binds.Add(1)

	kq.proc.logger.Debug().
		Str(`queue`, kq.kind.String()).
		Uint64(`thread`, t.id).
		Str(`qos`, kq.proc.qos.Name(r.qos)).
		Log(`thread bound`)

	return nil
}

// Run services the queue on t, which must have been bound with Bind,
// delivering events to the EventHandler until there is no more work, then
// unbinds t. Cancellation of ctx unbinds early, returning ctx.Err().
//
// Between deliveries, the events of the previous batch are acknowledged,
// and the queue checks for more work. Workloop registrations with
// FlagDispatch stay active across the acknowledgement, so the QoS they
// carry keeps pushing the workloop until they are enabled or deleted.
//
// Run returns EINVAL if t is not bound to the request. A [Scheduler]
// typically calls it straight after a successful Bind:
//
//	if err := req.Bind(t); err != nil {
//	    return // canceled, or t is busy
//	}
//	_ = req.Run(ctx, t)
func (r *ThreadRequest) Run(ctx context.Context, t *Thread) error {
	kq := r.owner.core()
	handler := kq.proc.handler
	kq.mu.Lock()
	if r.state != reqBinding || r.thread != t {
		kq.mu.Unlock()
		return EINVAL
	}
	r.state = reqBound
	hctx := WithThread(ctx, t)

	for {
		if r.state != reqBound || r.thread != t {
			// unbound by Unbind
			kq.mu.Unlock()
			return nil
		}
		if err := ctx.Err(); err != nil {
			r.owner.parkLocked(r, t, true)
			r.unbindLocked()
			kq.mu.Unlock()
			return err
		}

		events := r.owner.serviceLocked(r, t, make([]Kevent, 0, serviceBatch))
		if len(events) != 0 {
			d := &Delivery{
				Thread:   t,
				Workloop: r.owner.workloop(),
				Events:   events,
				QoS:      r.qos,
			}
			kq.mu.Unlock()
			handler(hctx, d)
			kq.mu.Lock()
			continue
		}

		if r.owner.parkLocked(r, t, false) {
			r.unbindLocked()
			kq.mu.Unlock()
			return nil
		}
	}
}

// Unbind releases t from servicing the request, acknowledging every event
// delivered so far. A running Run returns after its current delivery.
func (r *ThreadRequest) Unbind(t *Thread) error {
	kq := r.owner.core()
	kq.mu.Lock()
	defer kq.mu.Unlock()
	if r.thread != t || r.state < reqBinding {
		return EINVAL
	}
	r.owner.parkLocked(r, t, true)
	r.unbindLocked()
	return nil
}

func (r *ThreadRequest) unbindLocked() {
	kq := r.owner.core()
	t := r.thread
	r.state = reqIdle
	r.thread = nil
	t.mu.Lock()
	if t.request == r {
		t.request = nil
	}
	t.mu.Unlock()

	kq.proc.logger.Debug().
		Str(`queue`, kq.kind.String()).
		Uint64(`thread`, t.id).
		Log(`thread unbound`)

	r.owner.unboundLocked(r, t)
}

// initiateLocked asks the scheduler for a thread, returning false if the
// request was not made.
func (r *ThreadRequest) initiateLocked(qos QoS) bool {
	kq := r.owner.core()
	if r.state != reqIdle || kq.state&kqDrain != 0 {
		return false
	}
	r.qos = qos
	r.state = reqQueued
	if err := kq.proc.sched.Initiate(r, qos); err != nil {
		r.state = reqIdle
		kq.proc.logger.Warning().
			Err(err).
			Str(`queue`, kq.kind.String()).
			Log(`thread request refused`)
		return false
	}
	kq.proc.stats.requests.Add(1)
	return true
}

func (r *ThreadRequest) modifyLocked(qos QoS) {
	if r.state != reqQueued || r.qos == qos {
		return
	}
	r.qos = qos
	r.owner.core().proc.sched.Modify(r, qos)
}

// cancelLocked withdraws a pending request, returning false if there was
// none.
func (r *ThreadRequest) cancelLocked() bool {
	if r.state != reqQueued {
		return false
	}
	r.owner.core().proc.sched.Cancel(r)
	r.state = reqIdle
	return true
}
