package kevent

import (
	"container/list"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/joeycumines/go-kevent/internal/turnstile"
)

type (
	// knote is a single registration of interest, identified by
	// (queue, filter, ident), plus udata for FlagUdataSpecific.
	//
	// Status, list membership, and QoS fields are guarded by the queue
	// lock. The kev registration fields, and hook, are owned by whoever
	// holds the knote lock (see kqueue.knoteLock), except for state the
	// filter shares with its event callback, which the filter guards
	// using the source's lock.
	knote struct {
		kq   *kqueue
		fops filterOps
		// hook is private to the filter
		hook any
		file *fileEntry
		elem *list.Element
		// lockOwner is the lock context currently holding the knote lock
		lockOwner *knoteLockCtx
		// lockTS queues contended lockers, pushing onto the owner
		lockTS *turnstile.Turnstile
		// postDone is closed when an in-flight post completes, if a drop is
		// waiting for it
		postDone chan struct{}
		// last is the most recently delivered event
		last Kevent
		// kev is the registration: ident, filter, sticky flags, udata, ext
		kev Kevent
		// sfflags and sdata are the saved filter inputs
		sfflags uint32
		sdata   int64
		status  knStatus
		list    knList
		// qos is the requested class, override is the event class
		// (adjusted by filters), qosIndex is the bucket it is queued in
		qos      QoS
		override QoS
		qosIndex QoS
	}

	knoteKey struct {
		ident    uint64
		udata    uint64
		filter   Filter
		specific bool
	}

	knStatus uint16

	// knList identifies which queue list a knote is on.
	knList uint8

	// knoteLockCtx is the per-attempt state of a knote lock acquisition.
	knoteLockCtx struct {
		thread *Thread
		state  knlcState
	}

	knlcState uint8
)

const (
	knActive knStatus = 1 << iota
	knQueued
	knDisabled
	knSuppressed
	knLocked
	knPosting
	knDropping
	knDeferDelete
	knVanished
	knMergeQoS
	knStayActive
	knAttached
	// knDeletePending is a deferred delete (or vanish) yet to be delivered
	knDeletePending
)

const (
	listNone knList = iota
	listReady
	listSuppressed
)

const (
	knlcUnlocked knlcState = iota
	knlcLocked
	knlcWaiting
	knlcCanceled
)

var knStatusNames = [...]string{
	"active", "queued", "disabled", "suppressed", "locked", "posting",
	"dropping", "defer-delete", "vanished", "merge-qos", "stay-active",
	"attached", "delete-pending",
}

func (s knStatus) String() string {
	var b strings.Builder
	for i, name := range knStatusNames {
		if s&(1<<i) != 0 {
			if b.Len() != 0 {
				b.WriteByte('|')
			}
			b.WriteString(name)
		}
	}
	return b.String()
}

func keyOf(kev *Kevent) knoteKey {
	k := knoteKey{ident: kev.Ident, filter: kev.Filter}
	if kev.Flags&FlagUdataSpecific != 0 {
		k.udata = kev.Udata
		k.specific = true
	}
	return k
}

func newKnote(kq *kqueue, fops filterOps, file *fileEntry, kev *Kevent) *knote {
	kn := &knote{
		kq:      kq,
		fops:    fops,
		file:    file,
		sfflags: kev.Fflags,
		sdata:   kev.Data,
		kev: Kevent{
			Ident:  kev.Ident,
			Filter: kev.Filter,
			Flags:  kev.Flags & flagsSticky,
			Udata:  kev.Udata,
			Ext:    kev.Ext,
		},
	}
	if kq.kind != kindFile {
		kn.qos = kq.proc.qos.resolve(kev.QoS)
		kn.qosIndex = kn.qos
	}
	return kn
}

func (kn *knote) key() knoteKey { return keyOf(&kn.kev) }

// bucket returns the ready queue index the knote should be queued in.
func (kn *knote) bucket() QoS {
	if kn.kq.kind == kindFile {
		return 0
	}
	return kn.qosIndex
}

// effectiveQoS is the requested class, raised by any override.
func (kn *knote) effectiveQoS() QoS {
	return maxQoS(kn.qos, kn.override)
}

// fill prepares the default event for delivery, to be refined by the
// filter's process callback.
func (kn *knote) fill(kev *Kevent) {
	*kev = kn.kev
	kev.Fflags = 0
	kev.Data = 0
	kev.QoS = kn.qosIndex
}

// isStayActive reports whether a suppressed knote keeps pushing its QoS
// onto the servicer after being acknowledged.
func (kn *knote) isStayActive() bool {
	return kn.status&(knDisabled|knDeletePending) == knDisabled &&
		kn.kev.Flags&FlagDispatch != 0 &&
		kn.fops.info().adjustsQoS
}

func (kn *knote) String() string {
	return fmt.Sprintf("knote{%s status=%s}", kn.kev, kn.status)
}

// knoteLock acquires the knote lock, blocking (with the queue unlocked)
// behind any current holder. It returns false if the knote is being
// dropped, in which case the caller must restart its operation. The queue
// is locked on entry and on return.
func (kq *kqueue) knoteLock(kn *knote, knlc *knoteLockCtx) bool {
	if kn.status&knDropping != 0 {
		return false
	}
	if kn.status&knLocked == 0 {
		kn.status |= knLocked
		kn.lockOwner = knlc
		knlc.state = knlcLocked
		return true
	}

	if kn.lockTS == nil {
		kn.lockTS = turnstile.New(turnstile.FIFOOrder)
		kn.lockTS.SetInheritor(kn.lockOwner.thread)
	}
	knlc.state = knlcWaiting
	w := knlc.thread.enqueue(kn.lockTS, knlc)
	kq.mu.Unlock()
	knlc.thread.block(context.Background(), w, time.Time{})
	kq.mu.Lock()

	switch knlc.state {
	case knlcLocked:
		return true
	case knlcCanceled:
		return false
	default:
		panic(fmt.Sprintf("kevent: knote lock woken in state %d", knlc.state))
	}
}

// knoteUnlock releases the knote lock, handing it directly to the oldest
// waiter, if any. The queue must be locked.
func (kq *kqueue) knoteUnlock(kn *knote, knlc *knoteLockCtx) {
	if kn.lockOwner != knlc || knlc.state != knlcLocked {
		panic("kevent: knote unlocked by non-owner")
	}
	knlc.state = knlcUnlocked
	if kn.lockTS != nil {
		if w := kn.lockTS.WakeOne(turnstile.Awakened); w != nil {
			next := w.Value.(*knoteLockCtx)
			next.state = knlcLocked
			kn.lockOwner = next
			kn.lockTS.SetInheritor(next.thread)
			return
		}
		kn.lockTS.SetInheritor(nil)
	}
	kn.lockOwner = nil
	kn.status &^= knLocked
	if kn.status&knPosting == 0 {
		kn.status &^= knMergeQoS
	}
}

// knoteUnlockCancel releases the lock of a dropped knote, restarting every
// waiter. The queue must be locked.
func (kq *kqueue) knoteUnlockCancel(kn *knote, knlc *knoteLockCtx) {
	if kn.lockOwner != knlc {
		panic("kevent: knote lock canceled by non-owner")
	}
	knlc.state = knlcUnlocked
	kn.lockOwner = nil
	kn.status &^= knLocked
	if kn.lockTS != nil {
		for {
			w := kn.lockTS.WakeOne(turnstile.Restart)
			if w == nil {
				break
			}
			w.Value.(*knoteLockCtx).state = knlcCanceled
		}
		kn.lockTS.SetInheritor(nil)
	}
}
