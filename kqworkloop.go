package kevent

import (
	"context"
	"fmt"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/go-kevent/internal/turnstile"
)

type (
	// Workloop is a queue identified by a 64-bit ID, serviced by at most
	// one thread at a time. It may also have an owner thread, discovered
	// through FilterWorkloop registrations, which receives the priority
	// push of the workloop in preference to the servicer.
	//
	// Workloops are reference counted: handles from Proc.Workloop must be
	// released, and the workloop is destroyed after the last reference
	// (handle, registration, thread request, or WorkloopCreate) goes away.
	Workloop struct {
		kqueue
		req ThreadRequest
		// ts holds sync waiters, and pushes the owner, else the servicer
		ts *turnstile.Turnstile
		// owner is set by FilterWorkloop ownership updates
		owner *Thread
		// pushed is the thread currently receiving the workloop's push
		pushed  *Thread
		limiter *catrate.Limiter
		retry   *callout
		params  SchedParams
		id      uint64
		// refs is guarded by Proc.wlMu
		refs int
		// stayQoS is the highest QoS of suppressed registrations that
		// still push, see recomputeStayLocked
		stayQoS   QoS
		override  QoS
		hasParams bool
		ctlRef    bool
		throttled bool
	}

	// WorkloopFlags control the lookup of a workloop by ID.
	WorkloopFlags uint32

	// WorkloopCtlOp is an operation of Proc.WorkloopCtl.
	WorkloopCtlOp uint8

	// SchedPolicy is the scheduling policy recorded for a workloop.
	SchedPolicy uint8

	// SchedParams are the scheduling parameters of a workloop, fixed at
	// creation.
	SchedParams struct {
		// Priority is a floor on the QoS the workloop requests servicers at.
		Priority QoS
		Policy   SchedPolicy
		// CPUPercent, with CPURefill, throttles servicer dispatch: at most
		// CPUPercent thread requests are made per CPURefill window.
		CPUPercent int
		CPURefill  time.Duration
	}
)

const (
	// WorkloopMustExist fails the lookup with ENOENT, rather than
	// creating the workloop.
	WorkloopMustExist WorkloopFlags = 1 << iota
	// WorkloopMustNotExist fails the lookup with EEXIST, if the workloop
	// exists.
	WorkloopMustNotExist
)

const (
	// WorkloopCreate creates a workloop with scheduling parameters, which
	// holds a reference until WorkloopDestroy.
	WorkloopCreate WorkloopCtlOp = iota + 1
	// WorkloopDestroy drops the reference of WorkloopCreate.
	WorkloopDestroy
)

const (
	SchedPolicyDefault SchedPolicy = iota
	SchedPolicyFIFO
	SchedPolicyRR
)

// defaultCPURefill is the throttle window if only CPUPercent is set.
const defaultCPURefill = time.Second

var (
	_ kqVariant    = (*Workloop)(nil)
	_ requestQueue = (*Workloop)(nil)
)

func (x SchedParams) validate(table QoSTable) error {
	if !table.Valid(x.Priority) {
		return EINVAL
	}
	switch x.Policy {
	case SchedPolicyDefault, SchedPolicyFIFO, SchedPolicyRR:
	default:
		return EINVAL
	}
	if x.CPUPercent < 0 || x.CPUPercent > 100 || x.CPURefill < 0 ||
		(x.CPURefill != 0 && x.CPUPercent == 0) {
		return EINVAL
	}
	return nil
}

func (p *Proc) newWorkloop(id uint64) *Workloop {
	wl := &Workloop{
		id: id,
		ts: turnstile.New(turnstile.PriorityOrder),
	}
	wl.init(p, kindWorkloop, wl)
	wl.req.owner = wl
	wl.retry = newCallout(wl.retryRequest)
	return wl
}

// Workloop returns a retained handle to the workloop id, creating it unless
// WorkloopMustExist is set. The handle must be released.
func (p *Proc) Workloop(id uint64, flags WorkloopFlags) (*Workloop, error) {
	if flags&WorkloopMustExist != 0 && flags&WorkloopMustNotExist != 0 {
		return nil, EINVAL
	}
	if p.handler == nil {
		return nil, fmt.Errorf("kevent: workloop requires an event handler: %w", ENOTSUP)
	}

	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, ErrProcExited
	}

	p.wlMu.Lock()
	defer p.wlMu.Unlock()
	wl, ok := p.workloops[id]
	switch {
	case ok && flags&WorkloopMustNotExist != 0:
		return nil, EEXIST
	case !ok && flags&WorkloopMustExist != 0:
		return nil, ENOENT
	case !ok:
		wl = p.newWorkloop(id)
		p.workloops[id] = wl
		p.logger.Debug().
			Uint64(`workloop`, id).
			Log(`workloop created`)
	}
	wl.refs++
	return wl, nil
}

// WorkloopCtl creates a workloop with scheduling parameters (params may be
// nil), or destroys such a workloop.
//
// WorkloopCreate fails with EEXIST if the workloop exists (even without
// scheduling parameters, e.g. implicitly created by KeventID), and EINVAL
// for invalid params. WorkloopDestroy fails with ENOENT for an unknown ID,
// and EINVAL if the workloop was not created by WorkloopCreate. Errors
// wrap the errno values, for use with [errors.Is].
//
// Example:
//
//	params := &kevent.SchedParams{Priority: kevent.QoSUserInitiated}
//	if err := p.WorkloopCtl(kevent.WorkloopCreate, id, params); err != nil {
//	    return err
//	}
//	defer p.WorkloopCtl(kevent.WorkloopDestroy, id, nil)
func (p *Proc) WorkloopCtl(op WorkloopCtlOp, id uint64, params *SchedParams) error {
	switch op {
	case WorkloopCreate:
		if params != nil {
			if err := params.validate(p.qos); err != nil {
				return fmt.Errorf("kevent: workloop %#x params: %w", id, err)
			}
		}
		wl, err := p.Workloop(id, WorkloopMustNotExist)
		if err != nil {
			return fmt.Errorf("kevent: create workloop %#x: %w", id, err)
		}
		wl.mu.Lock()
		wl.ctlRef = true
		if params != nil {
			wl.setParamsLocked(*params)
		}
		wl.mu.Unlock()
		// the handle becomes the create reference
		return nil

	case WorkloopDestroy:
		p.wlMu.Lock()
		wl, ok := p.workloops[id]
		p.wlMu.Unlock()
		if !ok {
			return fmt.Errorf("kevent: destroy workloop %#x: %w", id, ENOENT)
		}
		wl.mu.Lock()
		if !wl.ctlRef {
			wl.mu.Unlock()
			return fmt.Errorf("kevent: destroy workloop %#x: %w", id, EINVAL)
		}
		wl.ctlRef = false
		wl.mu.Unlock()
		wl.Release()
		return nil

	default:
		return EINVAL
	}
}

// KeventID applies changes to the workloop id, per Workloop.Kevent.
func (p *Proc) KeventID(ctx context.Context, id uint64, changes, events []Kevent, flags WorkloopFlags) (int, error) {
	wl, err := p.Workloop(id, flags)
	if err != nil {
		return 0, err
	}
	defer wl.Release()
	return wl.Kevent(ctx, changes, events)
}

func (wl *Workloop) setParamsLocked(params SchedParams) {
	wl.params = params
	wl.hasParams = true
	if params.CPUPercent > 0 {
		refill := params.CPURefill
		if refill == 0 {
			refill = defaultCPURefill
		}
		wl.limiter = catrate.NewLimiter(map[time.Duration]int{refill: params.CPUPercent})
	}
}

// ID returns the workloop ID.
func (wl *Workloop) ID() uint64 { return wl.id }

// Refs returns the current reference count.
func (wl *Workloop) Refs() int {
	wl.proc.wlMu.Lock()
	defer wl.proc.wlMu.Unlock()
	return wl.refs
}

// Params returns the scheduling parameters given to WorkloopCreate.
func (wl *Workloop) Params() (SchedParams, bool) {
	wl.mu.Lock()
	defer wl.mu.Unlock()
	return wl.params, wl.hasParams
}

// Owner returns the current owner thread, if any.
func (wl *Workloop) Owner() *Thread {
	wl.mu.Lock()
	defer wl.mu.Unlock()
	return wl.owner
}

// Servicer returns the bound servicer thread, if any.
func (wl *Workloop) Servicer() *Thread {
	wl.mu.Lock()
	defer wl.mu.Unlock()
	if wl.req.state < reqBinding {
		return nil
	}
	return wl.req.thread
}

// OverrideQoS returns the aggregate QoS the workloop is currently pushing
// or requesting at.
func (wl *Workloop) OverrideQoS() QoS {
	wl.mu.Lock()
	defer wl.mu.Unlock()
	return wl.override
}

// Request returns the thread request of the workloop.
func (wl *Workloop) Request() *ThreadRequest { return &wl.req }

// Register applies a single change.
func (wl *Workloop) Register(ctx context.Context, kev Kevent) error {
	if err := wl.register(ctx, &kev); err != nil {
		return fmt.Errorf("kevent: workloop %#x register %s: %w", wl.id, kev, err)
	}
	return nil
}

// Kevent applies changes, reporting failures (and receipts) as FlagError
// events, per Kqueue.Kevent. Events are delivered to the EventHandler.
func (wl *Workloop) Kevent(ctx context.Context, changes, events []Kevent) (int, error) {
	return wl.kevent(ctx, changes, events)
}

func (wl *Workloop) retain() {
	wl.proc.wlMu.Lock()
	defer wl.proc.wlMu.Unlock()
	if wl.refs <= 0 {
		panic(fmt.Sprintf("kevent: workloop %#x retained after destroy", wl.id))
	}
	wl.refs++
}

// Release drops a reference, destroying the workloop after the last.
func (wl *Workloop) Release() {
	p := wl.proc
	p.wlMu.Lock()
	if wl.refs <= 0 {
		p.wlMu.Unlock()
		panic(fmt.Sprintf("kevent: workloop %#x over-released", wl.id))
	}
	wl.refs--
	last := wl.refs == 0
	if last && p.workloops[wl.id] == wl {
		delete(p.workloops, wl.id)
	}
	p.wlMu.Unlock()

	if last {
		p.callouts.cancel(wl.retry)
		p.logger.Debug().
			Uint64(`workloop`, wl.id).
			Log(`workloop destroyed`)
	}
}

func (wl *Workloop) close() {
	th := wl.proc.newThread("close", QoSUnspecified)
	wl.mu.Lock()
	wl.state |= kqDrain
	if wl.req.cancelLocked() {
		wl.Release()
	}
	wl.ts.WakeAll(turnstile.Restart)
	wl.drainLocked(th)
	wl.proc.callouts.cancel(wl.retry)
}

// --- thread QoS ---

func inheritorOf(t *Thread) turnstile.Inheritor {
	if t == nil {
		return nil
	}
	return t
}

// wakeupQoSLocked returns the highest bucket with ready registrations.
func (wl *Workloop) wakeupQoSLocked() QoS {
	for b := len(wl.ready) - 1; b > 0; b-- {
		if wl.ready[b].Len() != 0 {
			return QoS(b)
		}
	}
	return QoSUnspecified
}

// recomputeStayLocked folds in the suppressed registrations that push the
// workloop: stay active ones, and while a servicer is bound, every
// delivered one.
func (wl *Workloop) recomputeStayLocked() {
	bound := wl.req.state >= reqBinding
	wl.stayQoS = QoSUnspecified
	for _, l := range wl.suppressed {
		for e := l.Front(); e != nil; e = e.Next() {
			kn := e.Value.(*knote)
			if bound || kn.status&knStayActive != 0 {
				wl.stayQoS = maxQoS(wl.stayQoS, kn.effectiveQoS())
			}
		}
	}
}

// updateLocked reconciles the owner, servicer, turnstile, and thread
// request with the aggregate override of the workloop.
//
// Only ready registrations need a servicer, while the override (pushed
// onto the owner or servicer) also includes the stay active QoS.
func (wl *Workloop) updateLocked() {
	wl.recomputeStayLocked()
	wakeup := wl.wakeupQoSLocked()
	if wakeup != QoSUnspecified && wl.hasParams {
		wakeup = maxQoS(wakeup, wl.params.Priority)
	}
	qos := maxQoS(wakeup, wl.stayQoS)
	wl.override = qos

	var target *Thread
	switch {
	case wl.owner != nil:
		target = wl.owner
		if wl.req.cancelLocked() {
			wl.Release()
		}
	case wl.req.state >= reqBinding:
		target = wl.req.thread
	case wakeup != QoSUnspecified && wl.state&kqDrain == 0:
		wl.requestLocked(qos)
	default:
		if wl.req.cancelLocked() {
			wl.Release()
		}
	}

	if wl.pushed != nil && wl.pushed != target {
		wl.pushed.Unpush(wl)
	}
	wl.pushed = target
	if target != nil {
		if qos != QoSUnspecified {
			target.Push(wl, wl.proc.qos.Priority(qos))
		} else {
			target.Unpush(wl)
		}
	}

	inh := wl.owner
	if inh == nil && wl.req.state >= reqBinding {
		inh = wl.req.thread
	}
	wl.ts.SetInheritor(inheritorOf(inh))
}

// requestLocked makes or updates the thread request, subject to the CPU
// throttle.
func (wl *Workloop) requestLocked(qos QoS) {
	switch wl.req.state {
	case reqQueued:
		wl.req.modifyLocked(qos)
		return
	case reqIdle:
	default:
		return
	}
	if wl.throttled {
		return
	}
	if wl.limiter != nil {
		if next, ok := wl.limiter.Allow(wl.id); !ok {
			wl.throttled = true
			wl.proc.stats.throttled.Add(1)
			wl.proc.callouts.arm(wl.retry, next, 0)
			wl.proc.logger.Warning().
				Uint64(`workloop`, wl.id).
				Time(`until`, next).
				Log(`workloop dispatch throttled`)
			return
		}
	}
	wl.retain()
	if !wl.req.initiateLocked(qos) {
		wl.Release()
	}
}

func (wl *Workloop) retryRequest() {
	wl.mu.Lock()
	defer wl.mu.Unlock()
	wl.throttled = false
	wl.updateLocked()
}

// setOwnerLocked changes the owner, moving the push of the workloop.
func (wl *Workloop) setOwnerLocked(owner *Thread) {
	if wl.owner == owner {
		return
	}
	wl.owner = owner
	wl.proc.logger.Debug().
		Uint64(`workloop`, wl.id).
		Bool(`owned`, owner != nil).
		Log(`workloop owner changed`)
	wl.updateLocked()
}

// --- kqVariant ---

func (wl *Workloop) wakeupLocked(*knote) { wl.updateLocked() }

func (wl *Workloop) suppressedQoSLocked(*knote, QoS) { wl.updateLocked() }

func (wl *Workloop) idleLocked(*knote) bool { return wl.req.state < reqBinding }

func (wl *Workloop) knoteDroppedLocked(*knote) { wl.updateLocked() }

func (wl *Workloop) knoteAdded(*knote) { wl.retain() }

func (wl *Workloop) knoteReleased(*knote) { wl.Release() }

// --- requestQueue ---

func (wl *Workloop) core() *kqueue { return &wl.kqueue }

func (wl *Workloop) workloop() *Workloop { return wl }

func (wl *Workloop) bindLocked(*ThreadRequest, *Thread) { wl.updateLocked() }

func (wl *Workloop) serviceLocked(_ *ThreadRequest, t *Thread, buf []Kevent) []Kevent {
	wl.processLocked(t, 1, QoS(len(wl.ready)-1), func(ev Kevent) bool {
		buf = append(buf, ev)
		return len(buf) < cap(buf)
	})
	return buf
}

// parkLocked acknowledges delivered registrations, except those that stay
// active (dispatch disabled, with an override).
func (wl *Workloop) parkLocked(_ *ThreadRequest, _ *Thread, force bool) bool {
	for b := range wl.suppressed {
		wl.unsuppressAll(QoS(b), (*knote).isStayActive)
	}
	return force || wl.count == 0 || wl.state&kqDrain != 0
}

func (wl *Workloop) unboundLocked(*ThreadRequest, *Thread) {
	wl.updateLocked()
	// the reference of the bound request
	wl.Release()
}
