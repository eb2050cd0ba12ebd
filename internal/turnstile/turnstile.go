// Package turnstile implements a priority-inheritance wait queue.
//
// A [Turnstile] holds blocked waiters, plus explicit donations, and pushes
// the highest of their priorities onto a single [Inheritor] (usually the
// thread that the waiters are waiting on). Pushes are applied outside the
// turnstile's lock, so an Inheritor may itself be blocked on another
// turnstile, and propagate the push further.
package turnstile

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

type (
	// Inheritor receives priority pushes from turnstiles. Push and Unpush are
	// keyed by src (the pushing turnstile), and must be idempotent.
	Inheritor interface {
		Push(src any, pri int)
		Unpush(src any)
	}

	// Turnstile is a wait queue that donates the priority of its waiters
	// to an Inheritor. The zero value is not usable, see New.
	Turnstile struct {
		inheritor Inheritor
		pushedTo  Inheritor
		donations map[any]int
		waiters   []*Waiter
		seq       uint64
		pushedPri int
		mu        sync.Mutex
		pushMu    sync.Mutex
		dirty     atomic.Bool
		policy    Policy
	}

	// Waiter is a single blocked (or about to block) party.
	Waiter struct {
		// Value is arbitrary caller state, e.g. the lock context of the
		// waiting party, available to whoever wakes it.
		Value  any
		ts     *Turnstile
		ch     chan Result
		seq    uint64
		pri    int
		queued bool
	}

	// Policy determines the wakeup order of waiters.
	Policy uint8

	// Result is the outcome of a wait.
	Result uint8
)

const (
	// PriorityOrder wakes the highest priority waiter first, FIFO amongst
	// equals.
	PriorityOrder Policy = iota
	// FIFOOrder wakes waiters strictly in arrival order. Priorities are
	// still pushed to the inheritor.
	FIFOOrder
)

const (
	_ Result = iota
	// Awakened indicates an explicit wakeup.
	Awakened
	// TimedOut indicates the deadline passed.
	TimedOut
	// Interrupted indicates the context was canceled.
	Interrupted
	// Restart indicates the object waited on went away, and the operation
	// should be retried from the start.
	Restart
)

// New returns a Turnstile with the given wakeup policy, and no inheritor.
func New(policy Policy) *Turnstile {
	return &Turnstile{policy: policy}
}

func (r Result) String() string {
	switch r {
	case Awakened:
		return "awakened"
	case TimedOut:
		return "timed-out"
	case Interrupted:
		return "interrupted"
	case Restart:
		return "restart"
	default:
		return fmt.Sprintf("Result(%d)", uint8(r))
	}
}

// Inheritor returns the current inheritor, which may be nil.
func (ts *Turnstile) Inheritor() Inheritor {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.inheritor
}

// SetInheritor moves the push of this turnstile to inh, which may be nil.
func (ts *Turnstile) SetInheritor(inh Inheritor) {
	ts.mu.Lock()
	ts.inheritor = inh
	ts.mu.Unlock()
	ts.update()
}

// Donate adds or replaces a priority donation, keyed by src, that is pushed
// onto the inheritor alongside the waiters.
func (ts *Turnstile) Donate(src any, pri int) {
	ts.mu.Lock()
	if ts.donations == nil {
		ts.donations = make(map[any]int)
	}
	ts.donations[src] = pri
	ts.mu.Unlock()
	ts.update()
}

// Revoke removes a donation made by Donate.
func (ts *Turnstile) Revoke(src any) {
	ts.mu.Lock()
	_, ok := ts.donations[src]
	delete(ts.donations, src)
	ts.mu.Unlock()
	if ok {
		ts.update()
	}
}

// Len returns the number of queued waiters.
func (ts *Turnstile) Len() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return len(ts.waiters)
}

// Priority returns the highest priority of all waiters and donations, with
// ok false if there are none.
func (ts *Turnstile) Priority() (pri int, ok bool) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.maxLocked()
}

// Enqueue registers a waiter, pushing pri onto the inheritor. The caller
// must subsequently call Waiter.Wait (or Cancel). Enqueueing under the
// caller's own lock, then releasing it, then waiting, avoids lost wakeups.
func (ts *Turnstile) Enqueue(pri int, value any) *Waiter {
	w := &Waiter{
		Value: value,
		ts:    ts,
		ch:    make(chan Result, 1),
		pri:   pri,
	}
	ts.mu.Lock()
	ts.seq++
	w.seq = ts.seq
	ts.insertLocked(w)
	ts.mu.Unlock()
	ts.update()
	return w
}

// WakeOne wakes the first waiter per the policy, returning it, or nil.
func (ts *Turnstile) WakeOne(res Result) *Waiter {
	ts.mu.Lock()
	if len(ts.waiters) == 0 {
		ts.mu.Unlock()
		return nil
	}
	w := ts.waiters[0]
	ts.removeLocked(w)
	ts.mu.Unlock()
	w.ch <- res
	ts.update()
	return w
}

// WakeAll wakes every waiter, returning the number woken.
func (ts *Turnstile) WakeAll(res Result) int {
	ts.mu.Lock()
	waiters := ts.waiters
	ts.waiters = nil
	for _, w := range waiters {
		w.queued = false
	}
	ts.mu.Unlock()
	for _, w := range waiters {
		w.ch <- res
	}
	if len(waiters) != 0 {
		ts.update()
	}
	return len(waiters)
}

// Wake wakes a specific waiter, returning false if it was no longer queued.
func (ts *Turnstile) Wake(w *Waiter, res Result) bool {
	ts.mu.Lock()
	if !w.queued || w.ts != ts {
		ts.mu.Unlock()
		return false
	}
	ts.removeLocked(w)
	ts.mu.Unlock()
	w.ch <- res
	ts.update()
	return true
}

// Cancel dequeues w without waking it, returning false if it had already
// been woken (in which case Wait returns immediately).
func (w *Waiter) Cancel() bool {
	ts := w.ts
	ts.mu.Lock()
	if !w.queued {
		ts.mu.Unlock()
		return false
	}
	ts.removeLocked(w)
	ts.mu.Unlock()
	ts.update()
	return true
}

// Turnstile returns the turnstile that w was enqueued on.
func (w *Waiter) Turnstile() *Turnstile { return w.ts }

// Priority returns the priority w is pushing with.
func (w *Waiter) Priority() int {
	w.ts.mu.Lock()
	defer w.ts.mu.Unlock()
	return w.pri
}

// SetPriority changes the priority of a queued waiter, e.g. because the
// waiting thread was itself pushed. It is a no-op once woken.
func (w *Waiter) SetPriority(pri int) {
	ts := w.ts
	ts.mu.Lock()
	if !w.queued || w.pri == pri {
		ts.mu.Unlock()
		return
	}
	ts.removeLocked(w)
	w.pri = pri
	ts.insertLocked(w)
	ts.mu.Unlock()
	ts.update()
}

// Wait blocks until w is woken, the deadline passes (if non-zero), or ctx
// (which may be nil) is done.
func (w *Waiter) Wait(ctx context.Context, deadline time.Time) Result {
	var timeout <-chan time.Time
	if !deadline.IsZero() {
		d := time.Until(deadline)
		if d <= 0 {
			return w.abort(TimedOut)
		}
		timer := time.NewTimer(d)
		defer timer.Stop()
		timeout = timer.C
	}

	var done <-chan struct{}
	if ctx != nil {
		done = ctx.Done()
	}

	select {
	case res := <-w.ch:
		return res
	case <-timeout:
		return w.abort(TimedOut)
	case <-done:
		return w.abort(Interrupted)
	}
}

func (w *Waiter) abort(res Result) Result {
	if w.Cancel() {
		return res
	}
	// lost the race with a wakeup, which always delivers
	return <-w.ch
}

func (ts *Turnstile) insertLocked(w *Waiter) {
	i := len(ts.waiters)
	for i > 0 && ts.before(w, ts.waiters[i-1]) {
		i--
	}
	ts.waiters = append(ts.waiters, nil)
	copy(ts.waiters[i+1:], ts.waiters[i:])
	ts.waiters[i] = w
	w.queued = true
}

func (ts *Turnstile) removeLocked(w *Waiter) {
	for i, v := range ts.waiters {
		if v == w {
			copy(ts.waiters[i:], ts.waiters[i+1:])
			ts.waiters[len(ts.waiters)-1] = nil
			ts.waiters = ts.waiters[:len(ts.waiters)-1]
			break
		}
	}
	w.queued = false
}

func (ts *Turnstile) before(a, b *Waiter) bool {
	if ts.policy == PriorityOrder && a.pri != b.pri {
		return a.pri > b.pri
	}
	return a.seq < b.seq
}

func (ts *Turnstile) maxLocked() (pri int, ok bool) {
	for _, w := range ts.waiters {
		if !ok || w.pri > pri {
			pri, ok = w.pri, true
		}
	}
	for _, v := range ts.donations {
		if !ok || v > pri {
			pri, ok = v, true
		}
	}
	return pri, ok
}

// update reconciles the push onto the inheritor. Concurrent (or re-entrant,
// via an inheritor blocked on this same turnstile) calls are coalesced into
// the goroutine currently applying the push.
func (ts *Turnstile) update() {
	ts.dirty.Store(true)
	for ts.dirty.Load() {
		if !ts.pushMu.TryLock() {
			return
		}
		for ts.dirty.Swap(false) {
			ts.apply()
		}
		ts.pushMu.Unlock()
	}
}

func (ts *Turnstile) apply() {
	ts.mu.Lock()
	inh := ts.inheritor
	pri, ok := ts.maxLocked()
	prev, prevPri := ts.pushedTo, ts.pushedPri
	if ok {
		ts.pushedTo, ts.pushedPri = inh, pri
	} else {
		ts.pushedTo, ts.pushedPri = nil, 0
	}
	ts.mu.Unlock()

	if prev != nil && (prev != inh || !ok) {
		prev.Unpush(ts)
	}
	if inh != nil && ok && (prev != inh || prevPri != pri) {
		inh.Push(ts, pri)
	}
}
