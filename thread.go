package kevent

import (
	"context"
	"sync"
	"time"

	"github.com/joeycumines/go-kevent/internal/turnstile"
)

// Thread is the identity of a goroutine that registers, services queues,
// owns workloops, or blocks. Attach one to a context using WithThread.
//
// A Thread is also the target of priority pushes, from turnstiles (blocked
// waiters), and from the queues it services or owns.
type Thread struct {
	proc    *Proc
	pushes  map[any]int
	blocked *turnstile.Waiter
	request *ThreadRequest
	name    string
	id      uint64
	base    int
	mu      sync.Mutex
}

var _ turnstile.Inheritor = (*Thread)(nil)

type threadContextKey struct{}

// WithThread returns a copy of ctx carrying t.
func WithThread(ctx context.Context, t *Thread) context.Context {
	return context.WithValue(ctx, threadContextKey{}, t)
}

// ThreadFromContext returns the Thread attached by WithThread, or nil.
func ThreadFromContext(ctx context.Context) *Thread {
	if ctx == nil {
		return nil
	}
	t, _ := ctx.Value(threadContextKey{}).(*Thread)
	return t
}

// NewThread registers a new thread, with the given base QoS (unspecified
// selects the default). Registered threads may be discovered as workloop
// owners, by ID.
func (p *Proc) NewThread(name string, qos QoS) *Thread {
	t := p.newThread(name, qos)
	p.threadMu.Lock()
	p.threads[t.id] = t
	p.threadMu.Unlock()
	return t
}

func (p *Proc) newThread(name string, qos QoS) *Thread {
	return &Thread{
		proc: p,
		name: name,
		id:   p.threadSeq.Add(1),
		base: p.qos.Priority(p.qos.resolve(qos)),
	}
}

// Exit unregisters the thread.
func (t *Thread) Exit() {
	p := t.proc
	p.threadMu.Lock()
	if p.threads[t.id] == t {
		delete(p.threads, t.id)
	}
	p.threadMu.Unlock()
}

// ThreadByID returns a registered thread.
func (p *Proc) ThreadByID(id uint64) (*Thread, bool) {
	p.threadMu.Lock()
	defer p.threadMu.Unlock()
	t, ok := p.threads[id]
	return t, ok
}

// currentThread returns the thread of ctx, or an unregistered thread at the
// default QoS, for callers that don't identify themselves.
func (p *Proc) currentThread(ctx context.Context) *Thread {
	if t := ThreadFromContext(ctx); t != nil && t.proc == p {
		return t
	}
	return p.newThread("anonymous", QoSUnspecified)
}

// ID returns the unique (per Proc) thread ID.
func (t *Thread) ID() uint64 { return t.id }

// Name returns the name given at creation.
func (t *Thread) Name() string { return t.name }

// Priority returns the effective scheduling priority, including pushes.
func (t *Thread) Priority() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.priorityLocked()
}

// QoS returns the effective service class, including pushes.
func (t *Thread) QoS() QoS {
	return t.proc.qos.FromPriority(t.Priority())
}

// BaseQoS returns the class the thread runs at, without pushes.
func (t *Thread) BaseQoS() QoS {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.proc.qos.FromPriority(t.base)
}

// SetBaseQoS changes the class the thread runs at.
func (t *Thread) SetBaseQoS(qos QoS) {
	t.mu.Lock()
	old := t.priorityLocked()
	t.base = t.proc.qos.Priority(t.proc.qos.resolve(qos))
	t.propagateLocked(old)
}

// Request returns the thread request that t is bound to, if any.
func (t *Thread) Request() *ThreadRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.request
}

// Push implements turnstile.Inheritor.
func (t *Thread) Push(src any, pri int) {
	t.mu.Lock()
	old := t.priorityLocked()
	if t.pushes == nil {
		t.pushes = make(map[any]int)
	}
	t.pushes[src] = pri
	t.propagateLocked(old)
}

// Unpush implements turnstile.Inheritor.
func (t *Thread) Unpush(src any) {
	t.mu.Lock()
	if _, ok := t.pushes[src]; !ok {
		t.mu.Unlock()
		return
	}
	old := t.priorityLocked()
	delete(t.pushes, src)
	t.propagateLocked(old)
}

// propagateLocked unlocks t, forwarding any change in priority to the
// turnstile t is blocked on.
func (t *Thread) propagateLocked(old int) {
	pri := t.priorityLocked()
	w := t.blocked
	t.mu.Unlock()
	if pri != old && w != nil {
		w.SetPriority(pri)
	}
}

func (t *Thread) priorityLocked() int {
	pri := t.base
	for _, v := range t.pushes {
		if v > pri {
			pri = v
		}
	}
	return pri
}

// enqueue registers t as a waiter on ts, at its effective priority.
func (t *Thread) enqueue(ts *turnstile.Turnstile, value any) *turnstile.Waiter {
	return ts.Enqueue(t.Priority(), value)
}

// block waits on w, during which pushes received by t flow through to the
// turnstile of w.
func (t *Thread) block(ctx context.Context, w *turnstile.Waiter, deadline time.Time) turnstile.Result {
	t.mu.Lock()
	t.blocked = w
	pri := t.priorityLocked()
	t.mu.Unlock()
	w.SetPriority(pri)

	res := w.Wait(ctx, deadline)

	t.mu.Lock()
	t.blocked = nil
	t.mu.Unlock()
	return res
}
