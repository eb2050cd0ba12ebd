package kevent

import (
	"math"
	"sync"
	"time"
)

type (
	timerFilterOps struct{}

	// timerState is the hook of a timer registration, and the timer's
	// source lock.
	timerState struct {
		kn       *knote
		callout  *callout
		deadline time.Time
		interval time.Duration
		leeway   time.Duration
		mu       sync.Mutex
		// expired is set between firing and delivery
		expired bool
		// periodic timers re-arm after delivery
		periodic bool
		dead     bool
	}
)

var _ filterOps = timerFilterOps{}

// timerUnit returns the duration of one unit of Data, per fflags.
func timerUnit(fflags uint32) (time.Duration, error) {
	switch fflags & noteTimerUnitMask {
	case 0:
		return time.Millisecond, nil
	case NoteSeconds:
		return time.Second, nil
	case NoteUSeconds:
		return time.Microsecond, nil
	case NoteNSeconds:
		return time.Nanosecond, nil
	default:
		return 0, EINVAL
	}
}

// timerDuration returns n units, or ERANGE if that is not representable.
func timerDuration(n uint64, unit time.Duration) (time.Duration, error) {
	if n > uint64(math.MaxInt64/int64(unit)) {
		return 0, ERANGE
	}
	return time.Duration(n) * unit, nil
}

// configureLocked validates kev and computes the new schedule.
func (st *timerState) configureLocked(kev *Kevent, oneshot bool) error {
	if kev.Fflags&^noteTimerMask != 0 || kev.Data < 0 {
		return EINVAL
	}
	unit, err := timerUnit(kev.Fflags)
	if err != nil {
		return err
	}
	d, err := timerDuration(uint64(kev.Data), unit)
	if err != nil {
		return err
	}
	var leeway time.Duration
	if kev.Fflags&NoteLeeway != 0 {
		if leeway, err = timerDuration(kev.Ext[ExtTimerLeeway], unit); err != nil {
			return err
		}
	}
	if kev.Fflags&NoteAbsolute != 0 {
		st.deadline = time.Unix(0, 0).Add(d)
		st.interval = 0
		st.periodic = false
	} else {
		st.interval = d
		st.deadline = time.Now().Add(d)
		st.periodic = !oneshot && d > 0
	}
	st.leeway = leeway
	st.expired = false
	return nil
}

// armLocked schedules the callout, or marks the timer as expired if the
// deadline has passed.
func (st *timerState) armLocked(p *Proc) bool {
	if !st.deadline.After(time.Now()) {
		p.callouts.cancel(st.callout)
		st.expired = true
		return true
	}
	p.callouts.arm(st.callout, st.deadline, st.leeway)
	return false
}

func (st *timerState) fire() {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.dead {
		return
	}
	st.expired = true
	st.kn.kq.knotePost(st.kn, 0)
}

func (timerFilterOps) attach(kn *knote, kev *Kevent) (filterResult, error) {
	st := &timerState{kn: kn}
	st.callout = newCallout(st.fire)
	st.mu.Lock()
	defer st.mu.Unlock()
	if err := st.configureLocked(kev, kev.Flags&FlagOneshot != 0); err != nil {
		return 0, err
	}
	kn.hook = st
	return boolResult(st.armLocked(kn.kq.proc)), nil
}

func (timerFilterOps) detach(kn *knote) {
	st, _ := kn.hook.(*timerState)
	if st == nil {
		return
	}
	st.mu.Lock()
	st.dead = true
	st.mu.Unlock()
	kn.kq.proc.callouts.cancel(st.callout)
}

func (timerFilterOps) event(kn *knote, _ int64) filterResult {
	return resultActive
}

func (timerFilterOps) touch(kn *knote, kev *Kevent) (filterResult, error) {
	st := kn.hook.(*timerState)
	st.mu.Lock()
	defer st.mu.Unlock()
	if err := st.configureLocked(kev, kn.kev.Flags&FlagOneshot != 0); err != nil {
		return 0, err
	}
	kn.sfflags = kev.Fflags
	kn.sdata = kev.Data
	return boolResult(st.armLocked(kn.kq.proc)), nil
}

// process reports the number of intervals that elapsed, re-arming periodic
// timers for the next interval.
func (timerFilterOps) process(kn *knote, kev *Kevent) filterResult {
	st := kn.hook.(*timerState)
	st.mu.Lock()
	defer st.mu.Unlock()
	if !st.expired {
		return 0
	}
	st.expired = false
	kev.Data = 1
	if st.periodic {
		now := time.Now()
		if elapsed := now.Sub(st.deadline); elapsed > 0 {
			kev.Data += int64(elapsed / st.interval)
		}
		st.deadline = st.deadline.Add(time.Duration(kev.Data) * st.interval)
		if st.armLocked(kn.kq.proc) {
			kn.kq.knotePost(kn, 0)
		}
	}
	return resultActive
}

func (timerFilterOps) info() filterInfo { return filterInfo{} }
