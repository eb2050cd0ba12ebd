package kevent

import (
	"context"
	"fmt"
)

// WorkQueue is the pooled queue of a Proc: registrations are bucketed by
// QoS, and each non-empty bucket is serviced by its own pool thread, which
// delivers events to the EventHandler.
type WorkQueue struct {
	kqueue
	// reqs is indexed by bucket
	reqs []*ThreadRequest
}

var (
	_ kqVariant    = (*WorkQueue)(nil)
	_ requestQueue = (*WorkQueue)(nil)
)

func newWorkQueue(p *Proc) *WorkQueue {
	w := &WorkQueue{}
	w.init(p, kindWorkQ, w)
	w.reqs = make([]*ThreadRequest, len(w.ready))
	for i := range w.reqs {
		w.reqs[i] = &ThreadRequest{owner: w, bucket: QoS(i)}
	}
	return w
}

// Register applies a single change.
func (w *WorkQueue) Register(ctx context.Context, kev Kevent) error {
	if err := w.register(ctx, &kev); err != nil {
		return fmt.Errorf("kevent: register %s: %w", kev, err)
	}
	return nil
}

// Kevent applies changes, reporting failures (and receipts) as FlagError
// events, per Kqueue.Kevent. Events are delivered to the EventHandler, not
// returned.
func (w *WorkQueue) Kevent(ctx context.Context, changes, events []Kevent) (int, error) {
	return w.kevent(ctx, changes, events)
}

// Request returns the thread request of a bucket.
func (w *WorkQueue) Request(bucket QoS) *ThreadRequest {
	if int(bucket) >= len(w.reqs) {
		return nil
	}
	return w.reqs[bucket]
}

func (w *WorkQueue) close() {
	th := w.proc.newThread("close", QoSUnspecified)
	w.mu.Lock()
	w.state |= kqDrain
	for _, r := range w.reqs {
		r.cancelLocked()
	}
	w.drainLocked(th)
}

func (w *WorkQueue) wakeupLocked(kn *knote) {
	w.reqs[kn.bucket()].initiateLocked(kn.bucket())
}

func (w *WorkQueue) suppressedQoSLocked(*knote, QoS) {}

func (w *WorkQueue) idleLocked(kn *knote) bool {
	return w.reqs[kn.bucket()].state < reqBinding
}

func (w *WorkQueue) knoteDroppedLocked(*knote) {}

func (w *WorkQueue) knoteAdded(*knote) {}

func (w *WorkQueue) knoteReleased(*knote) {}

func (w *WorkQueue) core() *kqueue { return &w.kqueue }

func (w *WorkQueue) workloop() *Workloop { return nil }

func (w *WorkQueue) bindLocked(r *ThreadRequest, t *Thread) {}

func (w *WorkQueue) serviceLocked(r *ThreadRequest, t *Thread, buf []Kevent) []Kevent {
	w.processLocked(t, r.bucket, r.bucket, func(ev Kevent) bool {
		buf = append(buf, ev)
		return len(buf) < cap(buf)
	})
	return buf
}

func (w *WorkQueue) parkLocked(r *ThreadRequest, t *Thread, force bool) bool {
	w.unsuppressAll(r.bucket, nil)
	return force || w.ready[r.bucket].Len() == 0 || w.state&kqDrain != 0
}

func (w *WorkQueue) unboundLocked(r *ThreadRequest, t *Thread) {
	if w.ready[r.bucket].Len() != 0 {
		w.reqs[r.bucket].initiateLocked(r.bucket)
	}
}
