package kevent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/joeycumines/go-kevent/internal/turnstile"
)

type (
	// workloopFilterOps implements FilterWorkloop: thread requests, owner
	// discovery through a user memory word, and synchronous wait / wake on
	// the workloop turnstile.
	workloopFilterOps struct{}

	// wlSyncState is the hook of sync registrations, guarded by the
	// workloop lock.
	wlSyncState struct {
		waiter *turnstile.Waiter
		// woken is a wake that arrived with no waiter
		woken bool
	}
)

var (
	_ filterOps      = workloopFilterOps{}
	_ allowDropper   = workloopFilterOps{}
	_ registerWaiter = workloopFilterOps{}
)

func knoteWorkloop(kn *knote) *Workloop {
	return kn.kq.variant.(*Workloop)
}

func wlCommand(fflags uint32) uint32 { return fflags & NoteWLCommandsMask }

func wlValidate(fflags uint32) error {
	if fflags&^noteWLValidFlagsMask != 0 {
		return EINVAL
	}
	switch wlCommand(fflags) {
	case NoteWLThreadRequest, NoteWLSyncWait, NoteWLSyncWake:
		return nil
	default:
		return EINVAL
	}
}

// updateOwner applies NoteWLDiscoverOwner and NoteWLEndOwnership. On a
// stale owner word, Ext[ExtWLValue] is updated to the current value.
func (workloopFilterOps) updateOwner(wl *Workloop, kev *Kevent) error {
	if kev.Fflags&(NoteWLDiscoverOwner|NoteWLEndOwnership) == 0 {
		return nil
	}

	var owner *Thread
	if kev.Fflags&NoteWLDiscoverOwner != 0 {
		val, err := wl.proc.memory.Load(kev.Ext[ExtWLAddr])
		if err != nil {
			return err
		}
		if val != kev.Ext[ExtWLValue] {
			kev.Ext[ExtWLValue] = val
			if kev.Fflags&NoteWLIgnoreESTALE == 0 {
				return ESTALE
			}
			// the owner word moved on, leave the owner to a later update
			return nil
		}
		if id := val & kev.Ext[ExtWLMask]; id != 0 {
			t, ok := wl.proc.ThreadByID(id)
			if !ok {
				return EOWNERDEAD
			}
			owner = t
		}
	}

	wl.mu.Lock()
	wl.setOwnerLocked(owner)
	wl.mu.Unlock()
	return nil
}

func (x workloopFilterOps) attach(kn *knote, kev *Kevent) (filterResult, error) {
	if err := wlValidate(kev.Fflags); err != nil {
		return 0, err
	}
	wl := knoteWorkloop(kn)
	if err := x.updateOwner(wl, kev); err != nil {
		return 0, err
	}

	switch wlCommand(kev.Fflags) {
	case NoteWLThreadRequest:
		return resultActive, nil
	case NoteWLSyncWait:
		kn.hook = &wlSyncState{}
		return resultRegisterWait, nil
	default:
		// a wake ahead of its wait
		kn.hook = &wlSyncState{woken: true}
		return 0, nil
	}
}

func (workloopFilterOps) detach(kn *knote) {
	st, _ := kn.hook.(*wlSyncState)
	if st == nil {
		return
	}
	wl := knoteWorkloop(kn)
	wl.mu.Lock()
	defer wl.mu.Unlock()
	if st.waiter != nil {
		wl.ts.Wake(st.waiter, turnstile.Restart)
		st.waiter = nil
	}
}

func (workloopFilterOps) event(kn *knote, hint int64) filterResult {
	panic(fmt.Sprintf("kevent: unexpected post to %s", kn))
}

func (x workloopFilterOps) touch(kn *knote, kev *Kevent) (filterResult, error) {
	if err := wlValidate(kev.Fflags); err != nil {
		return 0, err
	}
	cmd := wlCommand(kev.Fflags)
	registered := wlCommand(kn.sfflags)
	st, _ := kn.hook.(*wlSyncState)
	switch {
	case cmd == registered:
	case st != nil && cmd != NoteWLThreadRequest:
		// waits and wakes pair on the one registration
	default:
		return 0, EINVAL
	}

	wl := knoteWorkloop(kn)
	if err := x.updateOwner(wl, kev); err != nil {
		return 0, err
	}
	kn.kev.Ext = kev.Ext

	switch cmd {
	case NoteWLThreadRequest:
		kn.sfflags = kev.Fflags
		res := resultActive
		if kev.Fflags&NoteWLUpdateQoS != 0 {
			res |= resultUpdateReqQoS
		}
		return res, nil

	case NoteWLSyncWake:
		wl.mu.Lock()
		if st.waiter != nil {
			wl.ts.Wake(st.waiter, turnstile.Awakened)
			st.waiter = nil
		} else {
			st.woken = true
		}
		wl.mu.Unlock()
		return 0, nil

	default:
		kn.sfflags = kev.Fflags
		wl.mu.Lock()
		defer wl.mu.Unlock()
		if st.woken {
			st.woken = false
			return 0, nil
		}
		return resultRegisterWait, nil
	}
}

// postRegisterWait parks th on the workloop turnstile, pushing the owner
// (else the servicer), until woken by a NoteWLSyncWake change.
func (workloopFilterOps) postRegisterWait(ctx context.Context, th *Thread, kn *knote, _ *Kevent) error {
	wl := knoteWorkloop(kn)
	st := kn.hook.(*wlSyncState)
	if st.woken {
		st.woken = false
		wl.mu.Unlock()
		return nil
	}
	w := th.enqueue(wl.ts, kn)
	st.waiter = w
	wl.mu.Unlock()

	res := th.block(ctx, w, time.Time{})

	wl.mu.Lock()
	if st.waiter == w {
		st.waiter = nil
	}
	wl.mu.Unlock()

	switch res {
	case turnstile.Awakened:
		return nil
	case turnstile.Restart:
		return ECANCELED
	default:
		// the interrupted wait takes its registration with it
		del := Kevent{
			Ident:  kn.kev.Ident,
			Filter: kn.kev.Filter,
			Udata:  kn.kev.Udata,
			Flags:  FlagDelete | kn.kev.Flags&FlagUdataSpecific,
		}
		if err := wl.register(context.WithoutCancel(WithThread(ctx, th)), &del); err != nil && !errors.Is(err, ENOENT) {
			wl.proc.logger.Warning().
				Err(err).
				Uint64(`workloop`, wl.id).
				Uint64(`ident`, kn.kev.Ident).
				Log(`failed to remove interrupted sync wait`)
		}
		return EINTR
	}
}

// allowDrop lets a delete carrying NoteWLSyncWake wake the waiter. Deletes
// naming a different command are refused.
func (workloopFilterOps) allowDrop(kn *knote, kev *Kevent) (bool, error) {
	cmd := wlCommand(kev.Fflags)
	switch {
	case cmd == NoteWLSyncWake:
		if st, _ := kn.hook.(*wlSyncState); st != nil {
			wl := knoteWorkloop(kn)
			wl.mu.Lock()
			if st.waiter != nil {
				wl.ts.Wake(st.waiter, turnstile.Awakened)
				st.waiter = nil
			}
			wl.mu.Unlock()
		}
		return true, nil
	case cmd == 0, cmd == wlCommand(kn.sfflags):
		return true, nil
	default:
		return false, EINVAL
	}
}

func (workloopFilterOps) process(kn *knote, kev *Kevent) filterResult {
	kev.Fflags = kn.sfflags
	kev.Ext = kn.kev.Ext
	return resultActive
}

func (workloopFilterOps) info() filterInfo {
	return filterInfo{extendedCodes: true, adjustsQoS: true}
}
