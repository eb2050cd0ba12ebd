package kevent

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
)

type (
	// kqueue is the core shared by Kqueue, WorkQueue, and Workloop: the
	// registration index, ready and suppressed lists (per QoS bucket), and
	// the registration, processing, and drop protocols.
	kqueue struct {
		proc    *Proc
		variant kqVariant
		knotes  map[knoteKey]*knote
		// ready and suppressed are indexed by bucket
		ready      []*list.List
		suppressed []*list.List
		// count is the number of queued knotes
		count int
		mu    sync.Mutex
		state kqState
		kind  kqKind
	}

	// kqVariant is implemented by each queue kind. All methods are called
	// with the queue locked.
	kqVariant interface {
		// wakeupLocked is called when kn was newly queued.
		wakeupLocked(kn *knote)
		// suppressedQoSLocked is called when the QoS of a suppressed knote
		// changed.
		suppressedQoSLocked(kn *knote, qos QoS)
		// idleLocked reports that no consumer is between delivery and
		// acknowledgement of kn, so it may be unsuppressed immediately.
		idleLocked(kn *knote) bool
		// knoteDroppedLocked is called as kn leaves the queue.
		knoteDroppedLocked(kn *knote)
		// knoteAdded and knoteReleased bracket the lifetime of a knote,
		// and are called with the queue unlocked.
		knoteAdded(kn *knote)
		knoteReleased(kn *knote)
	}

	kqKind uint8

	kqState uint8

	// ProcessFunc receives drained events. Returning false indicates the
	// output is full, and stops processing.
	ProcessFunc func(ev Kevent) bool
)

const (
	kindFile kqKind = iota
	kindWorkQ
	kindWorkloop
)

const (
	kqProcessing kqState = 1 << iota
	kqSleep
	kqDrain
)

func (k kqKind) String() string {
	switch k {
	case kindFile:
		return "kqueue"
	case kindWorkQ:
		return "workq"
	case kindWorkloop:
		return "workloop"
	default:
		return fmt.Sprintf("kqKind(%d)", uint8(k))
	}
}

func (kq *kqueue) init(p *Proc, kind kqKind, variant kqVariant) {
	buckets := 1
	if kind != kindFile {
		buckets = int(p.qos.Max()) + 1
	}
	kq.proc = p
	kq.kind = kind
	kq.variant = variant
	kq.knotes = make(map[knoteKey]*knote)
	kq.ready = make([]*list.List, buckets)
	kq.suppressed = make([]*list.List, buckets)
	for i := range kq.ready {
		kq.ready[i] = list.New()
		kq.suppressed[i] = list.New()
	}
}

// --- list management ---

func (kq *kqueue) knoteEnqueue(kn *knote) bool {
	if kn.status&(knQueued|knSuppressed|knDisabled|knDropping) != 0 || kn.status&knActive == 0 {
		return false
	}
	kn.elem = kq.ready[kn.bucket()].PushBack(kn)
	kn.list = listReady
	kn.status |= knQueued
	kq.count++
	return true
}

func (kq *kqueue) knoteDequeue(kn *knote) {
	if kn.status&knQueued == 0 {
		return
	}
	if kn.list != listReady {
		panic(fmt.Sprintf("kevent: queued %s not on ready list", kn))
	}
	kq.ready[kn.bucket()].Remove(kn.elem)
	kn.elem = nil
	kn.list = listNone
	kn.status &^= knQueued
	kq.count--
}

// knoteSuppress moves a delivered knote to the suppressed list, where it
// stays until acknowledged.
func (kq *kqueue) knoteSuppress(kn *knote) {
	kq.knoteDequeue(kn)
	kn.status &^= knActive
	kn.status |= knSuppressed
	kn.elem = kq.suppressed[kn.bucket()].PushBack(kn)
	kn.list = listSuppressed
}

func (kq *kqueue) knoteUnsuppressRemove(kn *knote) bool {
	if kn.status&knSuppressed == 0 {
		return false
	}
	if kn.list != listSuppressed {
		panic(fmt.Sprintf("kevent: suppressed %s not on suppressed list", kn))
	}
	kq.suppressed[kn.bucket()].Remove(kn.elem)
	kn.elem = nil
	kn.list = listNone
	kn.status &^= knSuppressed | knStayActive
	return true
}

// knoteUnsuppress acknowledges a delivered knote, requeueing it (at its
// current effective QoS) if it is active and enabled.
func (kq *kqueue) knoteUnsuppress(kn *knote) {
	if !kq.knoteUnsuppressRemove(kn) {
		return
	}
	if kq.kind != kindFile {
		kn.qosIndex = kn.effectiveQoS()
	}
	if kn.status&knDeletePending != 0 {
		kn.status &^= knDisabled
		kn.status |= knActive
	}
	if kq.knoteEnqueue(kn) {
		kq.variant.wakeupLocked(kn)
	}
}

// unsuppressAll acknowledges every knote suppressed in bucket b, except
// those for which keep returns true.
func (kq *kqueue) unsuppressAll(b QoS, keep func(kn *knote) bool) {
	l := kq.suppressed[b]
	for e := l.Front(); e != nil; {
		next := e.Next()
		kn := e.Value.(*knote)
		if keep != nil && keep(kn) {
			kn.status |= knStayActive
		} else {
			kq.knoteUnsuppress(kn)
		}
		e = next
	}
}

// --- state transitions ---

func (kq *kqueue) knoteActivate(kn *knote, res filterResult) {
	if res&resultAdjustEventQoS != 0 {
		kq.knoteAdjustQoS(kn, res.qos())
	}
	kn.status |= knActive
	if kq.knoteEnqueue(kn) {
		kq.variant.wakeupLocked(kn)
	}
}

func (kq *kqueue) knoteDisable(kn *knote) {
	kn.status |= knDisabled
	kq.knoteDequeue(kn)
}

func (kq *kqueue) knoteEnable(kn *knote, res filterResult) {
	if kn.status&knDisabled != 0 {
		kn.status &^= knDisabled
		if kn.status&knSuppressed != 0 && kq.variant.idleLocked(kn) {
			kq.knoteUnsuppress(kn)
		}
	}
	if res&resultActive != 0 {
		kq.knoteActivate(kn, res)
	} else if kq.knoteEnqueue(kn) {
		kq.variant.wakeupLocked(kn)
	}
}

// knoteAdjustQoS applies an event QoS override. While in merge mode (a post
// raced with another filter call) the override may only rise.
func (kq *kqueue) knoteAdjustQoS(kn *knote, q QoS) {
	if q == QoSUnspecified || kq.kind == kindFile {
		return
	}
	if !kq.proc.qos.Valid(q) {
		q = kq.proc.qos.Max()
	}
	if kn.status&knMergeQoS != 0 && q <= kn.override {
		return
	}
	kn.override = q
	kq.knoteReindex(kn)
}

// knoteReindex moves kn to the bucket of its effective QoS.
func (kq *kqueue) knoteReindex(kn *knote) {
	if kq.kind == kindFile {
		return
	}
	idx := kn.effectiveQoS()
	switch {
	case kn.status&knSuppressed != 0:
		// the bucket is fixed until acknowledged, but the QoS may still
		// push (or stop pushing) the servicer
		kq.variant.suppressedQoSLocked(kn, idx)
	case kn.status&knQueued != 0:
		if idx != kn.qosIndex {
			kq.knoteDequeue(kn)
			kn.qosIndex = idx
			kq.knoteEnqueue(kn)
			kq.variant.wakeupLocked(kn)
		}
	default:
		kn.qosIndex = idx
	}
}

func (kq *kqueue) applyQoSResult(kn *knote, res filterResult) {
	if res&resultResetEventQoS != 0 {
		kn.override = QoSUnspecified
	}
	if res&resultAdjustEventQoS != 0 {
		kq.knoteAdjustQoS(kn, res.qos())
	}
}

// knoteVanish marks the source of kn as gone, after which kn receives no
// further posts, and is delivered a final FlagVanished event. The queue is
// locked, and the knote lock held.
func (kq *kqueue) knoteVanish(kn *knote) {
	kn.status |= knVanished | knDeletePending
	if kn.status&knSuppressed == 0 {
		kn.status &^= knDisabled
		kq.knoteActivate(kn, resultActive)
	}
}

// --- posting ---

// knotePost delivers a source notification to kn. The source's lock is
// held, and the queue is unlocked.
func (kq *kqueue) knotePost(kn *knote, hint int64) {
	kq.mu.Lock()
	if kn.status&(knDropping|knVanished) != 0 {
		kq.mu.Unlock()
		return
	}
	if kn.status&(knLocked|knPosting) != 0 {
		kn.status |= knMergeQoS
	}
	kn.status |= knPosting
	kq.mu.Unlock()

	res := kn.fops.event(kn, hint)

	kq.mu.Lock()
	dropping := kn.status&(knDropping|knVanished) != 0
	if !dropping && res&resultActive != 0 {
		kq.knoteActivate(kn, res)
	}
	if kn.status&knLocked == 0 {
		kn.status &^= knPosting | knMergeQoS
	} else {
		kn.status &^= knPosting
	}
	if kn.postDone != nil {
		close(kn.postDone)
		kn.postDone = nil
	}
	kq.mu.Unlock()
}

// --- drop ---

// knoteDrop removes kn, which must be locked by knlc. The queue is locked on
// entry, and unlocked on return.
func (kq *kqueue) knoteDrop(kn *knote, knlc *knoteLockCtx) {
	kn.status |= knDropping
	kn.status &^= knActive | knDeletePending
	kq.knoteDequeue(kn)
	kq.knoteUnsuppressRemove(kn)
	if kq.knotes[kn.key()] == kn {
		delete(kq.knotes, kn.key())
	}
	for kn.status&knPosting != 0 {
		if kn.postDone == nil {
			kn.postDone = make(chan struct{})
		}
		ch := kn.postDone
		kq.mu.Unlock()
		<-ch
		kq.mu.Lock()
	}
	attached := kn.status&(knAttached|knVanished) == knAttached
	kn.status &^= knAttached
	file := kn.file
	kn.file = nil
	kq.variant.knoteDroppedLocked(kn)
	kq.mu.Unlock()

	if attached {
		kn.fops.detach(kn)
	}
	if file != nil {
		kq.proc.releaseKnoteFile(file, kn)
	}

	kq.mu.Lock()
	kq.knoteUnlockCancel(kn, knlc)
	kq.mu.Unlock()

	kq.variant.knoteReleased(kn)
	kq.proc.stats.drops.Add(1)
}

// --- registration ---

func (kq *kqueue) validate(kev *Kevent) error {
	if kev.Flags&FlagVanished != 0 && kev.Flags&FlagDispatch2 != FlagDispatch2 {
		return EINVAL
	}
	if kev.QoS != QoSUnspecified && (kq.kind == kindFile || !kq.proc.qos.Valid(kev.QoS)) {
		return EINVAL
	}
	return nil
}

// register applies a single change. Filters may update kev, e.g. to report
// extended error codes.
func (kq *kqueue) register(ctx context.Context, kev *Kevent) error {
	if err := kq.validate(kev); err != nil {
		return err
	}
	th := kq.proc.currentThread(ctx)
	key := keyOf(kev)

	for {
		kq.mu.Lock()
		if kq.state&kqDrain != 0 {
			kq.mu.Unlock()
			return EBADF
		}
		kn := kq.knotes[key]
		if kn == nil {
			kq.mu.Unlock()
			if kev.Flags&FlagAdd == 0 || kev.Flags&FlagDelete != 0 {
				return ENOENT
			}
			err, restart := kq.registerNew(ctx, th, key, kev)
			if restart {
				continue
			}
			return err
		}

		knlc := &knoteLockCtx{thread: th}
		if !kq.knoteLock(kn, knlc) {
			kq.mu.Unlock()
			continue
		}
		if kev.Flags&FlagDelete != 0 {
			return kq.registerDelete(kn, knlc, kev)
		}
		return kq.registerTouch(ctx, th, kn, knlc, kev)
	}
}

func (kq *kqueue) registerNew(ctx context.Context, th *Thread, key knoteKey, kev *Kevent) (err error, restart bool) {
	fops, file, err := kq.proc.lookupFilter(kq, kev)
	if err != nil {
		return err, false
	}
	kn := newKnote(kq, fops, file, kev)
	knlc := &knoteLockCtx{thread: th, state: knlcLocked}

	kq.mu.Lock()
	if kq.state&kqDrain != 0 || kq.knotes[key] != nil {
		drained := kq.state&kqDrain != 0
		kq.mu.Unlock()
		if file != nil {
			kq.proc.releaseFile(file)
		}
		if drained {
			return EBADF, false
		}
		return nil, true
	}
	kq.knotes[key] = kn
	kn.status = knLocked
	kn.lockOwner = knlc
	if kev.Flags&FlagDisable != 0 {
		kn.status |= knDisabled
	}
	kq.mu.Unlock()

	kq.variant.knoteAdded(kn)
	if file != nil {
		if err := kq.proc.trackKnoteFile(file, kn); err != nil {
			kq.mu.Lock()
			kq.knoteDrop(kn, knlc)
			return err, false
		}
	}

	res, err := fops.attach(kn, kev)

	kq.mu.Lock()
	if err != nil {
		kq.knoteDrop(kn, knlc)
		return err, false
	}
	kn.status |= knAttached
	kq.proc.stats.registrations.Add(1)
	if res&resultActive != 0 {
		kq.knoteActivate(kn, res)
	} else {
		kq.applyQoSResult(kn, res)
	}
	if res&resultRegisterWait != 0 {
		return kq.registerWait(ctx, th, kn, knlc, kev), false
	}
	kq.knoteUnlock(kn, knlc)
	kq.mu.Unlock()
	return nil, false
}

// registerDelete handles FlagDelete for a locked knote, returning with the
// queue unlocked.
func (kq *kqueue) registerDelete(kn *knote, knlc *knoteLockCtx, kev *Kevent) error {
	if kev.Flags&FlagEnable == 0 &&
		kn.kev.Flags&FlagDispatch2 == FlagDispatch2 &&
		kn.status&(knDisabled|knDeferDelete) == knDisabled {
		// the final event must be delivered before the knote is dropped
		kn.status |= knDeferDelete | knDeletePending
		if kn.status&knSuppressed == 0 {
			kn.status &^= knDisabled
			kq.knoteActivate(kn, resultActive)
		}
		kq.knoteUnlock(kn, knlc)
		kq.mu.Unlock()
		return EINPROGRESS
	}

	if ad, ok := kn.fops.(allowDropper); ok && kn.status&knVanished == 0 {
		kq.mu.Unlock()
		allow, err := ad.allowDrop(kn, kev)
		kq.mu.Lock()
		if !allow {
			kq.knoteUnlock(kn, knlc)
			kq.mu.Unlock()
			if err == nil {
				err = EINPROGRESS
			}
			return err
		}
	}

	kq.knoteDrop(kn, knlc)
	return nil
}

// registerTouch applies a change to an existing, locked knote, returning
// with the queue unlocked.
func (kq *kqueue) registerTouch(ctx context.Context, th *Thread, kn *knote, knlc *knoteLockCtx, kev *Kevent) error {
	if kev.Flags&FlagDisable != 0 {
		kq.knoteDisable(kn)
	}
	if kn.kev.Flags&FlagUdataSpecific == 0 {
		kn.kev.Udata = kev.Udata
	}

	var (
		res filterResult
		err error
	)
	if kn.status&knVanished == 0 {
		kq.mu.Unlock()
		res, err = kn.fops.touch(kn, kev)
		kq.mu.Lock()
	}
	if err != nil {
		kq.knoteUnlock(kn, knlc)
		kq.mu.Unlock()
		return err
	}

	if res&resultUpdateReqQoS != 0 && kq.kind != kindFile {
		kn.qos = kq.proc.qos.resolve(kev.QoS)
		kq.knoteReindex(kn)
	}
	switch {
	case kev.Flags&FlagEnable != 0:
		kq.knoteEnable(kn, res)
	case res&resultActive != 0:
		kq.knoteActivate(kn, res)
	default:
		kq.applyQoSResult(kn, res)
	}

	if res&resultRegisterWait != 0 {
		return kq.registerWait(ctx, th, kn, knlc, kev)
	}
	kq.knoteUnlock(kn, knlc)
	kq.mu.Unlock()
	return nil
}

// registerWait releases the knote lock, then blocks the registering thread
// through the filter. The queue is locked on entry and unlocked on return.
func (kq *kqueue) registerWait(ctx context.Context, th *Thread, kn *knote, knlc *knoteLockCtx, kev *Kevent) error {
	rw, ok := kn.fops.(registerWaiter)
	if !ok {
		panic(fmt.Sprintf("kevent: filter %s requested a register wait", kn.kev.Filter))
	}
	kq.knoteUnlock(kn, knlc)
	return rw.postRegisterWait(ctx, th, kn, kev)
}

// kevent applies every change, reporting failures (and receipts) as
// FlagError events in out, while there is room. Failures that don't fit are
// returned.
func (kq *kqueue) kevent(ctx context.Context, changes []Kevent, out []Kevent) (int, error) {
	var (
		n    int
		errs []error
	)
	for i := range changes {
		kev := changes[i]
		err := kq.register(ctx, &kev)
		if err == nil && changes[i].Flags&FlagReceipt == 0 {
			continue
		}
		if n < len(out) {
			out[n] = errorEvent(&kev, err)
			n++
		} else if err != nil {
			errs = append(errs, &changeError{err: err, index: i, kev: changes[i]})
		}
	}
	return n, errors.Join(errs...)
}

func errorEvent(kev *Kevent, err error) Kevent {
	ev := *kev
	ev.Flags |= FlagError
	ev.Data = 0
	if err != nil {
		ev.Data = int64(errnoOf(err))
	}
	if !filterHasExtendedCodes(ev.Filter) {
		ev.Fflags = 0
		ev.Ext = [4]uint64{}
	}
	return ev
}

func filterHasExtendedCodes(f Filter) bool {
	return f == FilterWorkloop
}

// --- processing ---

// processLocked drains ready knotes in buckets hi down to lo, calling fn
// (with the queue unlocked) for each delivered event. The queue is locked
// on entry and on return.
func (kq *kqueue) processLocked(th *Thread, lo, hi QoS, fn ProcessFunc) int {
	var n int
	for b := int(hi); b >= int(lo); b-- {
		for {
			if kq.state&kqDrain != 0 {
				return n
			}
			front := kq.ready[b].Front()
			if front == nil {
				break
			}
			ev, ok := kq.knoteProcess(th, front.Value.(*knote))
			if !ok {
				continue
			}
			n++
			kq.proc.stats.deliveries.Add(1)
			kq.mu.Unlock()
			more := fn(ev)
			kq.mu.Lock()
			if !more {
				return n
			}
		}
	}
	return n
}

// knoteProcess delivers a single queued knote, applying its disposition.
func (kq *kqueue) knoteProcess(th *Thread, kn *knote) (Kevent, bool) {
	if kn.status&knQueued == 0 || kn.list != listReady {
		panic(fmt.Sprintf("kevent: processing %s which is not queued", kn))
	}

	knlc := &knoteLockCtx{thread: th}
	if !kq.knoteLock(kn, knlc) {
		return Kevent{}, false
	}
	if kn.status&knQueued == 0 {
		// disabled or delivered while we waited for the lock
		kq.knoteUnlock(kn, knlc)
		return Kevent{}, false
	}

	kq.knoteSuppress(kn)

	var (
		ev  Kevent
		res filterResult
	)
	if kn.status&(knDeferDelete|knVanished) != 0 {
		ev = Kevent{
			Ident:  kn.kev.Ident,
			Filter: kn.kev.Filter,
			Udata:  kn.kev.Udata,
			Flags:  FlagDispatch2 | FlagOneshot,
			QoS:    kn.qosIndex,
		}
		if kn.status&knDeferDelete != 0 {
			ev.Flags |= FlagDelete
		} else {
			ev.Flags |= FlagVanished
		}
		kn.status &^= knDeletePending
		res = resultActive
	} else {
		kn.fill(&ev)
		kq.mu.Unlock()
		res = kn.fops.process(kn, &ev)
		kq.mu.Lock()
		kq.applyQoSResult(kn, res)
	}

	if res&resultActive == 0 {
		kq.knoteUnsuppress(kn)
		kq.knoteUnlock(kn, knlc)
		return Kevent{}, false
	}

	kn.last = ev
	var drop bool
	switch {
	case ev.Flags&FlagOneshot != 0:
		if kn.kev.Flags&FlagDispatch2 == FlagDispatch2 && kn.status&knDeferDelete == 0 {
			kn.status |= knDeferDelete | knDisabled
		} else {
			drop = true
		}
	case kn.kev.Flags&FlagDispatch != 0:
		kn.status |= knDisabled
	case kn.kev.Flags&FlagClear == 0:
		// level triggered, requeued on acknowledgement
		kn.status |= knActive
	}

	if drop {
		kq.knoteDrop(kn, knlc)
		kq.mu.Lock()
	} else {
		kq.knoteUnlock(kn, knlc)
	}
	return ev, true
}

// --- teardown ---

// drainLocked marks the queue as draining, then drops every knote. The
// queue is locked on entry, and unlocked on return.
func (kq *kqueue) drainLocked(th *Thread) {
	kq.state |= kqDrain
	for len(kq.knotes) != 0 {
		var kn *knote
		for _, v := range kq.knotes {
			kn = v
			break
		}
		knlc := &knoteLockCtx{thread: th}
		if !kq.knoteLock(kn, knlc) {
			// dropped by someone else, who removes it from the index
			if kq.knotes[kn.key()] == kn {
				delete(kq.knotes, kn.key())
			}
			continue
		}
		kq.knoteDrop(kn, knlc)
		kq.mu.Lock()
	}
	kq.mu.Unlock()
}

// fdClose detaches kn from a closing descriptor: registrations that asked
// for FlagVanished receive a final event, others are dropped.
func (kq *kqueue) fdClose(kn *knote) {
	th := kq.proc.newThread("fdclose", QoSUnspecified)
	kq.mu.Lock()
	knlc := &knoteLockCtx{thread: th}
	if !kq.knoteLock(kn, knlc) {
		kq.mu.Unlock()
		return
	}
	if kn.kev.Flags&FlagVanished == 0 {
		kq.knoteDrop(kn, knlc)
		return
	}

	attached := kn.status&(knAttached|knVanished) == knAttached
	file := kn.file
	kn.file = nil
	kn.status |= knVanished
	kq.mu.Unlock()
	if attached {
		kn.fops.detach(kn)
	}
	if file != nil {
		kq.proc.releaseKnoteFile(file, kn)
	}
	kq.mu.Lock()
	kq.knoteVanish(kn)
	kq.knoteUnlock(kn, knlc)
	kq.mu.Unlock()
}
