package kevent

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testOwnerAddr = 0x1000

func threadRequest(ident uint64, qos QoS) Kevent {
	return Kevent{
		Ident:  ident,
		Filter: FilterWorkloop,
		Flags:  FlagAdd | FlagDispatch,
		Fflags: NoteWLThreadRequest,
		QoS:    qos,
	}
}

func ownerExt(addr, value uint64) [4]uint64 {
	return [4]uint64{0, addr, ^uint64(0), value}
}

func TestProc_WorkloopCtl(t *testing.T) {
	p, _ := newTestProc(t, WithEventHandler(func(context.Context, *Delivery) {}))

	require.NoError(t, p.WorkloopCtl(WorkloopCreate, 42, nil))
	assert.ErrorIs(t, p.WorkloopCtl(WorkloopCreate, 42, nil), EEXIST)
	_, err := p.Workloop(42, WorkloopMustNotExist)
	assert.ErrorIs(t, err, EEXIST)

	wl, err := p.Workloop(42, WorkloopMustExist)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), wl.ID())
	assert.Equal(t, 2, wl.Refs())
	wl.Release()
	assert.Equal(t, 1, wl.Refs())
	_, ok := wl.Params()
	assert.False(t, ok)

	require.NoError(t, p.WorkloopCtl(WorkloopDestroy, 42, nil))
	assert.Zero(t, wl.Refs())
	_, err = p.Workloop(42, WorkloopMustExist)
	assert.ErrorIs(t, err, ENOENT)
	assert.ErrorIs(t, p.WorkloopCtl(WorkloopDestroy, 42, nil), ENOENT)

	_, err = p.Workloop(1, WorkloopMustExist|WorkloopMustNotExist)
	assert.ErrorIs(t, err, EINVAL)
	assert.ErrorIs(t, p.WorkloopCtl(WorkloopCtlOp(0), 1, nil), EINVAL)

	// only created workloops may be destroyed
	wl, err = p.Workloop(5, 0)
	require.NoError(t, err)
	assert.ErrorIs(t, p.WorkloopCtl(WorkloopDestroy, 5, nil), EINVAL)
	wl.Release()

	assert.Panics(t, wl.Release)
}

func TestProc_WorkloopCtl_params(t *testing.T) {
	p, _ := newTestProc(t, WithEventHandler(func(context.Context, *Delivery) {}))

	for _, params := range []SchedParams{
		{Priority: QoS(50)},
		{Policy: SchedPolicy(9)},
		{CPUPercent: 101},
		{CPUPercent: -1},
		{CPURefill: time.Second},
		{CPUPercent: 10, CPURefill: -time.Second},
	} {
		assert.ErrorIs(t, p.WorkloopCtl(WorkloopCreate, 7, &params), EINVAL, "%+v", params)
	}

	params := SchedParams{Priority: QoSUserInitiated, Policy: SchedPolicyFIFO}
	require.NoError(t, p.WorkloopCtl(WorkloopCreate, 7, &params))
	wl, err := p.Workloop(7, WorkloopMustExist)
	require.NoError(t, err)
	defer wl.Release()
	actual, ok := wl.Params()
	require.True(t, ok)
	assert.Equal(t, params, actual)
}

func TestProc_KeventID_threadRequest(t *testing.T) {
	d := newDeliveries()
	p, logs := newTestProc(t, WithEventHandler(d.handler))
	ctx := context.Background()

	n, err := p.KeventID(ctx, 42, []Kevent{threadRequest(1, QoSUserInitiated)}, nil, 0)
	require.NoError(t, err)
	assert.Zero(t, n)

	v := d.next(t)
	require.NotNil(t, v.Workloop)
	assert.Equal(t, uint64(42), v.Workloop.ID())
	assert.Equal(t, QoSUserInitiated, v.QoS)
	require.Len(t, v.Events, 1)
	assert.Equal(t, uint64(1), v.Events[0].Ident)
	assert.Equal(t, FilterWorkloop, v.Events[0].Filter)
	assert.Equal(t, NoteWLThreadRequest, v.Events[0].Fflags)
	d.none(t, 50*time.Millisecond)

	// dispatch registrations are re-enabled to request another servicer
	enable := Kevent{Ident: 1, Filter: FilterWorkloop, Flags: FlagEnable, Fflags: NoteWLThreadRequest}
	_, err = p.KeventID(ctx, 42, []Kevent{enable}, nil, WorkloopMustExist)
	require.NoError(t, err)
	v = d.next(t)
	require.Len(t, v.Events, 1)
	assert.Equal(t, uint64(1), v.Events[0].Ident)

	del := Kevent{Ident: 1, Filter: FilterWorkloop, Flags: FlagDelete}
	_, err = p.KeventID(ctx, 42, []Kevent{del}, nil, WorkloopMustExist)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, err := p.Workloop(42, WorkloopMustExist)
		return err != nil
	}, 5*time.Second, time.Millisecond)

	_, err = p.KeventID(ctx, 42, []Kevent{del}, nil, WorkloopMustExist)
	assert.ErrorIs(t, err, ENOENT)

	assert.Contains(t, logs.String(), `"msg":"workloop created"`)
	assert.Contains(t, logs.String(), `"msg":"workloop destroyed"`)
}

func TestWorkloop_invalidCommands(t *testing.T) {
	p, _ := newTestProc(t, WithEventHandler(func(context.Context, *Delivery) {}))
	wl, err := p.Workloop(1, 0)
	require.NoError(t, err)
	defer wl.Release()
	ctx := context.Background()

	changes := []Kevent{
		{Ident: 1, Filter: FilterWorkloop, Flags: FlagAdd},
		{Ident: 2, Filter: FilterWorkloop, Flags: FlagAdd, Fflags: NoteWLThreadRequest | NoteWLSyncWait},
		{Ident: 3, Filter: FilterWorkloop, Flags: FlagAdd, Fflags: NoteWLThreadRequest | 0x10000},
		threadRequest(4, QoSDefault),
		{Ident: 4, Filter: FilterWorkloop, Fflags: NoteWLSyncWait},
		{Ident: 4, Filter: FilterWorkloop, Flags: FlagDelete, Fflags: NoteWLSyncWait},
	}
	events := make([]Kevent, len(changes))
	n, err := wl.Kevent(ctx, changes, events)
	require.NoError(t, err)
	require.Equal(t, 5, n)
	for i := 0; i < n; i++ {
		assert.NotZero(t, events[i].Flags&FlagError, i)
		assert.Equal(t, int64(EINVAL), events[i].Data, i)
	}
	assert.Equal(t, 1, wl.registrations())

	kq, err := p.Kqueue()
	require.NoError(t, err)
	assert.ErrorIs(t, kq.Register(ctx, threadRequest(1, QoSUnspecified)), ENOTSUP)
}

func TestWorkloop_syncWaitPushesOwner(t *testing.T) {
	mem := NewMemory()
	p, logs := newTestProc(t, WithAddressSpace(mem), WithEventHandler(func(context.Context, *Delivery) {}))
	owner := p.NewThread("owner", QoSUtility)
	mem.Map(testOwnerAddr, owner.ID())

	wl, err := p.Workloop(7, 0)
	require.NoError(t, err)
	defer wl.Release()
	ctx := context.Background()

	waiter := p.NewThread("waiter", QoSUserInteractive)
	errs := make(chan error, 1)
	go func() {
		errs <- wl.Register(WithThread(ctx, waiter), Kevent{
			Ident:  1,
			Filter: FilterWorkloop,
			Flags:  FlagAdd,
			Fflags: NoteWLSyncWait | NoteWLDiscoverOwner,
			Ext:    ownerExt(testOwnerAddr, owner.ID()),
		})
	}()

	require.Eventually(t, func() bool { return owner.QoS() == QoSUserInteractive }, 5*time.Second, time.Millisecond)
	assert.Equal(t, owner, wl.Owner())
	assert.Equal(t, QoSUtility, owner.BaseQoS())
	select {
	case err := <-errs:
		t.Fatalf("wait returned early: %v", err)
	default:
	}

	require.NoError(t, wl.Register(ctx, Kevent{Ident: 1, Filter: FilterWorkloop, Flags: FlagDelete, Fflags: NoteWLSyncWake}))
	require.NoError(t, <-errs)
	require.Eventually(t, func() bool { return owner.QoS() == QoSUtility }, 5*time.Second, time.Millisecond)
	assert.Equal(t, 0, wl.registrations())
	assert.Contains(t, logs.String(), `"msg":"workloop owner changed"`)
}

func TestWorkloop_syncWakeBeforeWait(t *testing.T) {
	p, _ := newTestProc(t, WithEventHandler(func(context.Context, *Delivery) {}))
	wl, err := p.Workloop(7, 0)
	require.NoError(t, err)
	defer wl.Release()
	ctx := context.Background()

	require.NoError(t, wl.Register(ctx, Kevent{Ident: 2, Filter: FilterWorkloop, Flags: FlagAdd, Fflags: NoteWLSyncWake}))
	require.NoError(t, wl.Register(ctx, Kevent{Ident: 2, Filter: FilterWorkloop, Fflags: NoteWLSyncWait}))
	assert.Zero(t, wl.ts.Len())
	require.NoError(t, wl.Register(ctx, Kevent{Ident: 2, Filter: FilterWorkloop, Flags: FlagDelete}))
	assert.Equal(t, 0, wl.registrations())
}

func TestWorkloop_syncWaitCanceledByDelete(t *testing.T) {
	p, _ := newTestProc(t, WithEventHandler(func(context.Context, *Delivery) {}))
	wl, err := p.Workloop(7, 0)
	require.NoError(t, err)
	defer wl.Release()
	ctx := context.Background()

	errs := make(chan error, 1)
	go func() {
		errs <- wl.Register(ctx, Kevent{Ident: 1, Filter: FilterWorkloop, Flags: FlagAdd, Fflags: NoteWLSyncWait})
	}()
	require.Eventually(t, func() bool { return wl.ts.Len() == 1 }, 5*time.Second, time.Millisecond)

	require.NoError(t, wl.Register(ctx, Kevent{Ident: 1, Filter: FilterWorkloop, Flags: FlagDelete}))
	assert.ErrorIs(t, <-errs, ECANCELED)
	assert.Zero(t, wl.ts.Len())
}

func TestWorkloop_syncWaitInterrupted(t *testing.T) {
	p, _ := newTestProc(t, WithEventHandler(func(context.Context, *Delivery) {}))
	wl, err := p.Workloop(7, 0)
	require.NoError(t, err)
	defer wl.Release()

	ctx, cancel := context.WithCancel(WithThread(context.Background(), p.NewThread("waiter", QoSDefault)))
	defer cancel()
	errs := make(chan error, 1)
	go func() {
		errs <- wl.Register(ctx, Kevent{Ident: 1, Filter: FilterWorkloop, Flags: FlagAdd, Fflags: NoteWLSyncWait})
	}()
	require.Eventually(t, func() bool { return wl.ts.Len() == 1 }, 5*time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-errs, EINTR)
	// the interrupted wait removed its registration
	assert.Equal(t, 0, wl.registrations())
}

func TestWorkloop_ownerErrors(t *testing.T) {
	mem := NewMemory()
	d := newDeliveries()
	p, _ := newTestProc(t, WithAddressSpace(mem), WithEventHandler(d.handler))
	owner := p.NewThread("owner", QoSUtility)
	mem.Map(testOwnerAddr, owner.ID())
	mem.Map(0x3000, 999)

	wl, err := p.Workloop(7, 0)
	require.NoError(t, err)
	defer wl.Release()
	ctx := context.Background()

	stale := threadRequest(1, QoSDefault)
	stale.Fflags |= NoteWLDiscoverOwner
	stale.Ext = ownerExt(testOwnerAddr, 0)
	events := make([]Kevent, 1)
	n, err := wl.Kevent(ctx, []Kevent{stale}, events)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.NotZero(t, events[0].Flags&FlagError)
	assert.Equal(t, int64(ESTALE), events[0].Data)
	// the current value is reported back
	assert.Equal(t, owner.ID(), events[0].Ext[ExtWLValue])
	assert.Equal(t, stale.Fflags, events[0].Fflags)
	assert.Equal(t, 0, wl.registrations())

	unmapped := threadRequest(1, QoSDefault)
	unmapped.Fflags |= NoteWLDiscoverOwner
	unmapped.Ext = ownerExt(0x2000, 0)
	assert.ErrorIs(t, wl.Register(ctx, unmapped), EFAULT)

	dead := threadRequest(1, QoSDefault)
	dead.Fflags |= NoteWLDiscoverOwner
	dead.Ext = ownerExt(0x3000, 999)
	assert.ErrorIs(t, wl.Register(ctx, dead), EOWNERDEAD)
	assert.Nil(t, wl.Owner())

	// tolerated stale values leave the owner as is
	stale.Fflags |= NoteWLIgnoreESTALE
	require.NoError(t, wl.Register(ctx, stale))
	assert.Nil(t, wl.Owner())
	v := d.next(t)
	require.Len(t, v.Events, 1)
	assert.Equal(t, wl, v.Workloop)
}

func TestWorkloop_ownerServicesRequest(t *testing.T) {
	mem := NewMemory()
	d := newDeliveries()
	p, _ := newTestProc(t, WithAddressSpace(mem), WithEventHandler(d.handler))
	owner := p.NewThread("owner", QoSUtility)
	mem.Map(testOwnerAddr, owner.ID())

	wl, err := p.Workloop(7, 0)
	require.NoError(t, err)
	defer wl.Release()
	ctx := context.Background()

	kev := threadRequest(1, QoSUserInteractive)
	kev.Fflags |= NoteWLDiscoverOwner
	kev.Ext = ownerExt(testOwnerAddr, owner.ID())
	require.NoError(t, wl.Register(ctx, kev))

	// the owner is pushed in place of a servicer
	assert.Equal(t, owner, wl.Owner())
	assert.Equal(t, QoSUserInteractive, owner.QoS())
	assert.Equal(t, QoSUserInteractive, wl.OverrideQoS())
	d.none(t, 50*time.Millisecond)

	require.NoError(t, wl.Register(ctx, Kevent{
		Ident:  1,
		Filter: FilterWorkloop,
		Fflags: NoteWLThreadRequest | NoteWLEndOwnership,
	}))
	assert.Nil(t, wl.Owner())
	assert.Equal(t, QoSUtility, owner.QoS())

	v := d.next(t)
	require.Len(t, v.Events, 1)
	assert.Equal(t, QoSUserInteractive, v.QoS)
}

func TestWorkloop_overrideFollowsRegistrations(t *testing.T) {
	sched := newManualScheduler()
	d := newDeliveries()
	p, _ := newTestProc(t, WithScheduler(sched), WithEventHandler(d.handler))
	wl, err := p.Workloop(9, 0)
	require.NoError(t, err)
	defer wl.Release()
	ctx := context.Background()
	req := wl.Request()
	assert.Equal(t, wl, req.Workloop())

	require.NoError(t, wl.Register(ctx, threadRequest(1, QoSUtility)))
	qos, ok := sched.requested(req)
	require.True(t, ok)
	assert.Equal(t, QoSUtility, qos)
	// the handle, the registration, and the request
	assert.Equal(t, 3, wl.Refs())

	require.NoError(t, wl.Register(ctx, threadRequest(2, QoSUserInteractive)))
	qos, _ = sched.requested(req)
	assert.Equal(t, QoSUserInteractive, qos)
	assert.Equal(t, QoSUserInteractive, wl.OverrideQoS())

	require.NoError(t, wl.Register(ctx, Kevent{Ident: 2, Filter: FilterWorkloop, Flags: FlagDelete}))
	qos, _ = sched.requested(req)
	assert.Equal(t, QoSUtility, qos)
	assert.Equal(t, QoSUtility, wl.OverrideQoS())

	require.NoError(t, wl.Register(ctx, Kevent{
		Ident:  1,
		Filter: FilterWorkloop,
		Fflags: NoteWLThreadRequest | NoteWLUpdateQoS,
		QoS:    QoSUserInitiated,
	}))
	qos, _ = sched.requested(req)
	assert.Equal(t, QoSUserInitiated, qos)

	// the bound servicer receives the push
	require.Same(t, req, sched.take(t))
	th := p.NewThread("servicer", QoSUtility)
	require.NoError(t, req.Bind(th))
	assert.Equal(t, th, wl.Servicer())
	assert.Equal(t, QoSUserInitiated, th.QoS())
	require.NoError(t, req.Run(ctx, th))
	assert.Nil(t, wl.Servicer())
	assert.Equal(t, QoSUtility, th.QoS())

	v := d.next(t)
	require.Len(t, v.Events, 1)
	assert.Equal(t, uint64(1), v.Events[0].Ident)
	assert.Equal(t, QoSUserInitiated, v.Events[0].QoS)

	require.NoError(t, wl.Register(ctx, Kevent{Ident: 1, Filter: FilterWorkloop, Flags: FlagDelete}))
	assert.Equal(t, 1, wl.Refs())
	assert.Zero(t, sched.len())
}

func TestWorkloop_overrideTracksRandomRegistrations(t *testing.T) {
	sched := newManualScheduler()
	var delivered int
	p, _ := newTestProc(t, WithScheduler(sched), WithEventHandler(func(_ context.Context, d *Delivery) {
		delivered += len(d.Events)
	}))
	wl, err := p.Workloop(21, 0)
	require.NoError(t, err)
	defer wl.Release()
	ctx := context.Background()
	req := wl.Request()
	table := p.QoSTable()
	th := p.NewThread("servicer", QoSMaintenance)
	basePri := th.Priority()

	var (
		rnd = rand.New(rand.NewSource(83412))
		// live registrations, by ident, with whether they were delivered
		// and stay active (dispatch disabled)
		live    = make(map[uint64]QoS)
		stay    = make(map[uint64]bool)
		idents  []uint64
		next    uint64
		bound   bool
		randQoS = func() QoS { return QoS(1 + rnd.Intn(int(table.Max()))) }
		pick    = func() uint64 { return idents[rnd.Intn(len(idents))] }
	)
	remove := func(ident uint64) {
		delete(live, ident)
		delete(stay, ident)
		for i, v := range idents {
			if v == ident {
				idents = append(idents[:i], idents[i+1:]...)
				break
			}
		}
	}
	anyReady := func() bool {
		for _, ident := range idents {
			if !stay[ident] {
				return true
			}
		}
		return false
	}

	for step := 0; step < 2000; step++ {
		switch op := rnd.Intn(8); {
		case op <= 1 || len(idents) == 0:
			next++
			q := randQoS()
			require.NoError(t, wl.Register(ctx, threadRequest(next, q)))
			live[next] = q
			idents = append(idents, next)

		case op == 2:
			ident, q := pick(), randQoS()
			require.NoError(t, wl.Register(ctx, Kevent{
				Ident:  ident,
				Filter: FilterWorkloop,
				Fflags: NoteWLThreadRequest | NoteWLUpdateQoS,
				QoS:    q,
			}))
			live[ident] = q

		case op == 3:
			ident := pick()
			require.NoError(t, wl.Register(ctx, Kevent{Ident: ident, Filter: FilterWorkloop, Flags: FlagDelete}))
			remove(ident)

		case op == 4:
			ident := pick()
			require.NoError(t, wl.Register(ctx, Kevent{Ident: ident, Filter: FilterWorkloop, Flags: FlagEnable, Fflags: NoteWLThreadRequest}))
			stay[ident] = false

		case op == 5 && !bound && anyReady():
			require.Same(t, req, sched.take(t))
			require.NoError(t, req.Bind(th))
			bound = true

		case op == 6 && bound:
			require.NoError(t, req.Unbind(th))
			bound = false

		case op == 7 && bound:
			var ready int
			for _, ident := range idents {
				if !stay[ident] {
					ready++
					stay[ident] = true
				}
			}
			delivered = 0
			require.NoError(t, req.Run(ctx, th))
			require.Equal(t, ready, delivered, "step %d", step)
			bound = false
		}

		want := QoSUnspecified
		for _, q := range live {
			want = maxQoS(want, q)
		}
		require.Equal(t, want, wl.OverrideQoS(), "step %d", step)

		qos, requested := sched.requested(req)
		refs := 1 + len(live)
		if bound {
			require.False(t, requested, "step %d", step)
			require.Equal(t, max(basePri, table.Priority(want)), th.Priority(), "step %d", step)
			refs++
		} else {
			require.Equal(t, basePri, th.Priority(), "step %d", step)
			require.Equal(t, anyReady(), requested, "step %d", step)
			if requested {
				require.Equal(t, want, qos, "step %d", step)
				refs++
			}
		}
		require.Equal(t, refs, wl.Refs(), "step %d", step)
	}
}

func TestWorkloop_priorityFloor(t *testing.T) {
	sched := newManualScheduler()
	p, _ := newTestProc(t, WithScheduler(sched), WithEventHandler(func(context.Context, *Delivery) {}))
	require.NoError(t, p.WorkloopCtl(WorkloopCreate, 12, &SchedParams{Priority: QoSUserInitiated}))
	wl, err := p.Workloop(12, WorkloopMustExist)
	require.NoError(t, err)
	defer wl.Release()

	require.NoError(t, wl.Register(context.Background(), threadRequest(1, QoSBackground)))
	qos, ok := sched.requested(wl.Request())
	require.True(t, ok)
	assert.Equal(t, QoSUserInitiated, qos)

	require.NoError(t, wl.Register(context.Background(), Kevent{Ident: 1, Filter: FilterWorkloop, Flags: FlagDelete}))
	_, ok = sched.requested(wl.Request())
	assert.False(t, ok)
	assert.Equal(t, 1, sched.canceled)
}

func TestWorkloop_cpuThrottle(t *testing.T) {
	d := newDeliveries()
	p, logs := newTestProc(t, WithEventHandler(d.handler))
	require.NoError(t, p.WorkloopCtl(WorkloopCreate, 11, &SchedParams{CPUPercent: 1, CPURefill: time.Hour}))
	wl, err := p.Workloop(11, WorkloopMustExist)
	require.NoError(t, err)
	defer wl.Release()
	ctx := context.Background()

	require.NoError(t, wl.Register(ctx, threadRequest(1, QoSDefault)))
	d.next(t)
	require.Eventually(t, func() bool { return wl.Servicer() == nil }, 5*time.Second, time.Millisecond)

	require.NoError(t, wl.Register(ctx, Kevent{Ident: 1, Filter: FilterWorkloop, Flags: FlagEnable, Fflags: NoteWLThreadRequest}))
	d.none(t, 50*time.Millisecond)
	assert.Equal(t, uint64(1), p.Stats().Throttled)
	assert.Contains(t, logs.String(), `"msg":"workloop dispatch throttled"`)
}
