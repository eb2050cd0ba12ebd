package kevent

import (
	"context"
	"fmt"
	"time"

	"github.com/joeycumines/go-kevent/internal/turnstile"
)

// Kqueue is a single consumer event queue, drained by Scan or Process. It
// is also a descriptor, which other queues may observe with FilterRead.
type Kqueue struct {
	kqueue
	// sleepers are scans waiting for events
	sleepers *turnstile.Turnstile
	// procWaiters are scans waiting for the current processor, who they
	// push
	procWaiters *turnstile.Turnstile
	// parents are FilterRead registrations of other queues on this one
	parents klist
	fd      int
	wakeR   int
	wakeW   int
}

var (
	_ kqVariant  = (*Kqueue)(nil)
	_ fileObject = (*kqueueFile)(nil)
	_ filterOps  = (*kqueueReadOps)(nil)
)

type (
	// kqueueFile is the descriptor of a Kqueue, held separately so that
	// the table's reference doesn't keep the Kqueue reachable after close
	kqueueFile struct {
		k *Kqueue
	}

	kqueueReadOps struct {
		child *Kqueue
	}
)

// Kqueue creates a new single consumer queue.
func (p *Proc) Kqueue() (*Kqueue, error) {
	k := &Kqueue{
		sleepers:    turnstile.New(turnstile.PriorityOrder),
		procWaiters: turnstile.New(turnstile.PriorityOrder),
		wakeR:       -1,
		wakeW:       -1,
	}
	k.init(p, kindFile, k)
	fd, err := p.allocFD(&kqueueFile{k: k})
	if err != nil {
		return nil, err
	}
	k.fd = fd
	return k, nil
}

// FD returns the descriptor of the queue.
func (k *Kqueue) FD() int { return k.fd }

// Close closes the descriptor of the queue, see Proc.CloseFD.
func (k *Kqueue) Close() error { return k.proc.CloseFD(k.fd) }

// Register applies a single change, e.g. to add a registration.
func (k *Kqueue) Register(ctx context.Context, kev Kevent) error {
	if err := k.register(ctx, &kev); err != nil {
		return fmt.Errorf("kevent: register %s: %w", kev, err)
	}
	return nil
}

// Kevent applies changes, then (if no change produced an event, and events
// has capacity) scans for events, per Scan.
//
// Changes that fail, or that set FlagReceipt, produce FlagError events (with
// Data set to the errno, or zero). Failures that don't fit in events are
// returned, joined.
func (k *Kqueue) Kevent(ctx context.Context, changes, events []Kevent, timeout time.Duration) (int, error) {
	n, err := k.kevent(ctx, changes, events)
	if n != 0 || err != nil || len(events) == 0 {
		return n, err
	}
	return k.Scan(ctx, events, timeout)
}

// Scan delivers up to len(events) events, blocking until at least one is
// available. A negative timeout waits forever, and zero polls. Expiry of the
// timeout returns 0 events, and cancellation of ctx returns EINTR.
//
// Events are delivered in descending QoS order, and each delivered
// registration is disposed of per its flags: FlagOneshot registrations are
// dropped, FlagDispatch ones disabled, FlagClear ones reset, and anything
// else (level triggered) is requeued if its source is still ready. Only one
// goroutine processes the queue at a time; others wait behind it, pushing
// their priority onto the processing [Thread].
//
// A closed queue returns EBADF, which may be matched with [errors.Is].
//
// Example:
//
//	events := make([]kevent.Kevent, 16)
//	for {
//	    n, err := kq.Scan(ctx, events, -1)
//	    if err != nil {
//	        return err
//	    }
//	    for _, ev := range events[:n] {
//	        handle(ev)
//	    }
//	}
func (k *Kqueue) Scan(ctx context.Context, events []Kevent, timeout time.Duration) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}
	var n int
	err := k.scan(ctx, timeout, func(ev Kevent) bool {
		events[n] = ev
		n++
		return n < len(events)
	})
	return n, err
}

// Process delivers every ready event to fn, without blocking, stopping
// early if fn returns false.
func (k *Kqueue) Process(ctx context.Context, fn ProcessFunc) (int, error) {
	var n int
	err := k.scan(ctx, 0, func(ev Kevent) bool {
		n++
		return fn(ev)
	})
	return n, err
}

func (k *Kqueue) scan(ctx context.Context, timeout time.Duration, fn ProcessFunc) error {
	th := k.proc.currentThread(ctx)
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	k.mu.Lock()
	for {
		if k.state&kqDrain != 0 {
			k.mu.Unlock()
			return EBADF
		}

		if k.state&kqProcessing != 0 {
			if timeout == 0 {
				k.mu.Unlock()
				return nil
			}
			w := th.enqueue(k.procWaiters, nil)
			k.mu.Unlock()
			res := th.block(ctx, w, deadline)
			k.mu.Lock()
			if done, err := scanWaitResult(res); done {
				k.mu.Unlock()
				return err
			}
			continue
		}

		if k.count == 0 {
			if timeout == 0 {
				k.mu.Unlock()
				return nil
			}
			w := th.enqueue(k.sleepers, nil)
			k.state |= kqSleep
			k.mu.Unlock()
			res := th.block(ctx, w, deadline)
			k.mu.Lock()
			if done, err := scanWaitResult(res); done {
				k.mu.Unlock()
				return err
			}
			continue
		}

		if k.wakeR >= 0 {
			drainWakeFD(k.wakeR)
		}

		k.state |= kqProcessing
		k.procWaiters.SetInheritor(th)
		n := k.processLocked(th, 0, 0, fn)
		k.unsuppressAll(0, nil)
		k.state &^= kqProcessing
		k.procWaiters.SetInheritor(nil)
		k.procWaiters.WakeAll(turnstile.Awakened)
		if k.count != 0 && k.wakeW >= 0 {
			_ = signalWakeFD(k.wakeW)
		}

		if n != 0 || timeout == 0 {
			k.mu.Unlock()
			return nil
		}
	}
}

func scanWaitResult(res turnstile.Result) (bool, error) {
	switch res {
	case turnstile.TimedOut:
		return true, nil
	case turnstile.Interrupted:
		return true, EINTR
	default:
		return false, nil
	}
}

// PollFD returns an OS descriptor that is readable while the queue has
// ready events, for integration with other event loops. It is owned by the
// queue.
func (k *Kqueue) PollFD() (int, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.state&kqDrain != 0 {
		return -1, EBADF
	}
	if k.wakeR < 0 {
		r, w, err := createWakeFD()
		if err != nil {
			return -1, err
		}
		k.wakeR, k.wakeW = r, w
		if k.count != 0 {
			_ = signalWakeFD(k.wakeW)
		}
	}
	return k.wakeR, nil
}

// Len returns the number of ready registrations.
func (k *Kqueue) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.count
}

func (k *Kqueue) wakeupLocked(*knote) {
	if k.state&kqSleep != 0 {
		k.state &^= kqSleep
		k.sleepers.WakeAll(turnstile.Awakened)
	}
	if k.wakeW >= 0 {
		_ = signalWakeFD(k.wakeW)
	}
	k.parents.post(int64(k.count))
}

func (k *Kqueue) suppressedQoSLocked(*knote, QoS) {}

func (k *Kqueue) idleLocked(*knote) bool { return k.state&kqProcessing == 0 }

func (k *Kqueue) knoteDroppedLocked(*knote) {}

func (k *Kqueue) knoteAdded(*knote) {}

func (k *Kqueue) knoteReleased(*knote) {}

func (x *kqueueFile) kqfilter(_ *kqueue, filter Filter) (filterOps, error) {
	if filter != FilterRead {
		return nil, EINVAL
	}
	return &kqueueReadOps{child: x.k}, nil
}

func (x *kqueueFile) closeFile() {
	k := x.k
	th := k.proc.newThread("close", QoSUnspecified)
	k.mu.Lock()
	k.state |= kqDrain
	k.sleepers.WakeAll(turnstile.Restart)
	k.procWaiters.WakeAll(turnstile.Restart)
	r, w := k.wakeR, k.wakeW
	k.wakeR, k.wakeW = -1, -1
	k.drainLocked(th)
	if r >= 0 {
		closeWakeFD(r, w)
	}
}

func (x *kqueueReadOps) attach(kn *knote, _ *Kevent) (filterResult, error) {
	if parent, ok := kn.kq.variant.(*Kqueue); ok {
		if err := kn.kq.proc.nestAdd(parent, x.child); err != nil {
			return 0, err
		}
	}
	x.child.mu.Lock()
	defer x.child.mu.Unlock()
	x.child.parents.add(kn)
	return boolResult(x.child.count != 0), nil
}

func (x *kqueueReadOps) detach(kn *knote) {
	x.child.mu.Lock()
	x.child.parents.remove(kn)
	x.child.mu.Unlock()
	if parent, ok := kn.kq.variant.(*Kqueue); ok {
		kn.kq.proc.nestRemove(parent, x.child)
	}
}

// event receives the ready count of the child, whose lock is held.
func (x *kqueueReadOps) event(_ *knote, hint int64) filterResult {
	return boolResult(hint > 0)
}

func (x *kqueueReadOps) touch(*knote, *Kevent) (filterResult, error) {
	x.child.mu.Lock()
	defer x.child.mu.Unlock()
	return boolResult(x.child.count != 0), nil
}

func (x *kqueueReadOps) process(_ *knote, kev *Kevent) filterResult {
	x.child.mu.Lock()
	count := x.child.count
	x.child.mu.Unlock()
	if count == 0 {
		return 0
	}
	kev.Data = int64(count)
	return resultActive
}

func (x *kqueueReadOps) info() filterInfo { return filterInfo{fdBased: true} }
