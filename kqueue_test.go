package kevent

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestKqueue(t *testing.T, opts ...ProcOption) (*Proc, *Kqueue) {
	t.Helper()
	p, _ := newTestProc(t, opts...)
	kq, err := p.Kqueue()
	require.NoError(t, err)
	return p, kq
}

func (kq *kqueue) registrations() int {
	kq.mu.Lock()
	defer kq.mu.Unlock()
	return len(kq.knotes)
}

func TestKqueue_oneshotDeliveredOnce(t *testing.T) {
	const scanners = 16
	for round := 0; round < 20; round++ {
		_, kq := newTestKqueue(t)
		ctx := context.Background()

		var (
			total atomic.Int32
			start sync.WaitGroup
			done  sync.WaitGroup
		)
		start.Add(1)
		for i := 0; i < scanners; i++ {
			done.Add(1)
			go func() {
				defer done.Done()
				start.Wait()
				events := make([]Kevent, 4)
				n, err := kq.Scan(ctx, events, 50*time.Millisecond)
				assert.NoError(t, err)
				total.Add(int32(n))
			}()
		}

		require.NoError(t, kq.Register(ctx, Kevent{Ident: 1, Filter: FilterTimer, Flags: FlagAdd | FlagOneshot}))
		start.Done()
		done.Wait()

		require.Equal(t, int32(1), total.Load())
		assert.Equal(t, 0, kq.Len())
		assert.Equal(t, 0, kq.registrations())
	}
}

func TestKqueue_idempotentAdd(t *testing.T) {
	_, kq := newTestKqueue(t)
	ctx := context.Background()

	require.NoError(t, kq.Register(ctx, Kevent{Ident: 9, Filter: FilterUser, Flags: FlagAdd, Data: 1}))
	require.NoError(t, kq.Register(ctx, Kevent{Ident: 9, Filter: FilterUser, Flags: FlagAdd, Data: 2, Fflags: NoteTrigger}))
	assert.Equal(t, 1, kq.registrations())

	events := make([]Kevent, 4)
	n, err := kq.Scan(ctx, events, 0)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.Equal(t, uint64(9), events[0].Ident)
	assert.Equal(t, int64(2), events[0].Data)
}

func TestKqueue_udataSpecificIdentity(t *testing.T) {
	_, kq := newTestKqueue(t)
	ctx := context.Background()

	for _, udata := range []uint64{1, 2, 2} {
		require.NoError(t, kq.Register(ctx, Kevent{Ident: 3, Filter: FilterUser, Flags: FlagAdd | FlagUdataSpecific, Udata: udata}))
	}
	assert.Equal(t, 2, kq.registrations())

	err := kq.Register(ctx, Kevent{Ident: 3, Filter: FilterUser, Flags: FlagDelete | FlagUdataSpecific, Udata: 3})
	assert.ErrorIs(t, err, ENOENT)
	require.NoError(t, kq.Register(ctx, Kevent{Ident: 3, Filter: FilterUser, Flags: FlagDelete | FlagUdataSpecific, Udata: 1}))
	assert.Equal(t, 1, kq.registrations())
}

func TestKqueue_dispatch2DeferredDelete(t *testing.T) {
	_, kq := newTestKqueue(t)
	ctx := context.Background()
	events := make([]Kevent, 4)

	reg := Kevent{Ident: 1, Filter: FilterUser, Flags: FlagAdd | FlagDispatch2, Udata: 5, Fflags: NoteTrigger}
	require.NoError(t, kq.Register(ctx, reg))

	n, err := kq.Scan(ctx, events, 0)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	del := Kevent{Ident: 1, Filter: FilterUser, Flags: FlagDelete | FlagUdataSpecific, Udata: 5}
	n, err = kq.Kevent(ctx, []Kevent{del}, events, 0)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.Equal(t, FlagError, events[0].Flags&FlagError)
	assert.Equal(t, int64(EINPROGRESS), events[0].Data)
	assert.Equal(t, 1, kq.registrations())

	n, err = kq.Scan(ctx, events, 0)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.Equal(t, FlagDelete, events[0].Flags&FlagDelete)
	assert.Equal(t, uint64(5), events[0].Udata)

	n, err = kq.Scan(ctx, events, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 0, kq.registrations())
	assert.ErrorIs(t, kq.Register(ctx, del), ENOENT)
}

func TestKqueue_dispatchReenable(t *testing.T) {
	_, kq := newTestKqueue(t)
	ctx := context.Background()
	events := make([]Kevent, 4)

	require.NoError(t, kq.Register(ctx, Kevent{Ident: 1, Filter: FilterUser, Flags: FlagAdd | FlagDispatch, Fflags: NoteTrigger}))
	n, err := kq.Scan(ctx, events, 0)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// still triggered, but disabled after delivery
	n, err = kq.Scan(ctx, events, 0)
	require.NoError(t, err)
	require.Equal(t, 0, n)

	require.NoError(t, kq.Register(ctx, Kevent{Ident: 1, Filter: FilterUser, Flags: FlagEnable}))
	n, err = kq.Scan(ctx, events, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestKqueue_levelTriggeredRequeues(t *testing.T) {
	p, kq := newTestKqueue(t)
	ctx := context.Background()
	r, w, err := p.Pipe()
	require.NoError(t, err)
	require.NoError(t, kq.Register(ctx, Kevent{Ident: uint64(r), Filter: FilterRead, Flags: FlagAdd}))
	_, err = p.Write(w, []byte("hello"))
	require.NoError(t, err)

	events := make([]Kevent, 4)
	for i := 0; i < 3; i++ {
		n, err := kq.Scan(ctx, events, 0)
		require.NoError(t, err)
		require.Equal(t, 1, n)
		assert.Equal(t, int64(5), events[0].Data)
	}

	_, err = p.Read(r, make([]byte, 16))
	require.NoError(t, err)
	n, err := kq.Scan(ctx, events, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestKqueue_Kevent_errorsAndReceipts(t *testing.T) {
	_, kq := newTestKqueue(t)
	ctx := context.Background()

	changes := []Kevent{
		{Ident: 1, Filter: FilterUser, Flags: FlagAdd | FlagReceipt},
		{Ident: 2, Filter: FilterUser, Flags: FlagDelete},
		{Ident: 3, Filter: Filter(-99), Flags: FlagAdd},
		{Ident: 4, Filter: FilterWorkloop, Flags: FlagAdd, Fflags: NoteWLThreadRequest},
		{Ident: 5, Filter: FilterUser, Flags: FlagAdd, QoS: QoSUtility},
		{Ident: 6, Filter: FilterUser, Flags: FlagAdd | FlagVanished},
		{Ident: 7, Filter: FilterRead, Flags: FlagAdd},
	}
	events := make([]Kevent, len(changes))
	n, err := kq.Kevent(ctx, changes, events, 0)
	require.NoError(t, err)
	require.Equal(t, len(changes), n)

	expected := []int64{0, int64(ENOENT), int64(EINVAL), int64(ENOTSUP), int64(EINVAL), int64(EINVAL), int64(EBADF)}
	for i, ev := range events {
		assert.Equal(t, changes[i].Ident, ev.Ident)
		assert.NotZero(t, ev.Flags&FlagError, "%d", i)
		assert.Equal(t, expected[i], ev.Data, "%d", i)
	}
	assert.Equal(t, 1, kq.registrations())

	// failures that don't fit are returned
	n, err = kq.Kevent(ctx, []Kevent{{Ident: 8, Filter: FilterUser, Flags: FlagDelete}}, nil, 0)
	assert.Equal(t, 0, n)
	assert.ErrorIs(t, err, ENOENT)
}

func TestKqueue_scanTimeoutAndCancel(t *testing.T) {
	_, kq := newTestKqueue(t)
	events := make([]Kevent, 1)

	start := time.Now()
	n, err := kq.Scan(context.Background(), events, 20*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	n, err = kq.Scan(ctx, events, -1)
	assert.Equal(t, 0, n)
	assert.ErrorIs(t, err, EINTR)
}

func TestKqueue_noLostWakeup(t *testing.T) {
	_, kq := newTestKqueue(t)
	ctx := context.Background()
	require.NoError(t, kq.Register(ctx, Kevent{Ident: 1, Filter: FilterUser, Flags: FlagAdd | FlagClear}))

	const rounds = 200
	got := make(chan struct{})
	go func() {
		events := make([]Kevent, 1)
		for i := 0; i < rounds; i++ {
			for {
				n, err := kq.Scan(ctx, events, -1)
				if !assert.NoError(t, err) {
					return
				}
				if n != 0 {
					break
				}
			}
			got <- struct{}{}
		}
	}()

	for i := 0; i < rounds; i++ {
		require.NoError(t, kq.Register(ctx, Kevent{Ident: 1, Filter: FilterUser, Fflags: NoteTrigger}))
		select {
		case <-got:
		case <-time.After(5 * time.Second):
			t.Fatalf("round %d: scan was not woken", i)
		}
	}
}

func TestKqueue_vanished(t *testing.T) {
	p, kq := newTestKqueue(t)
	ctx := context.Background()
	r, _, err := p.Pipe()
	require.NoError(t, err)

	reg := Kevent{Ident: uint64(r), Filter: FilterRead, Flags: FlagAdd | FlagDispatch2 | FlagVanished, Udata: 1}
	require.NoError(t, kq.Register(ctx, reg))
	require.NoError(t, p.CloseFD(r))

	events := make([]Kevent, 2)
	n, err := kq.Scan(ctx, events, 0)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.NotZero(t, events[0].Flags&FlagVanished)
	assert.Zero(t, events[0].Flags&FlagDelete)

	// kept until deleted
	assert.Equal(t, 1, kq.registrations())
	n, err = kq.Scan(ctx, events, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	require.NoError(t, kq.Register(ctx, Kevent{Ident: uint64(r), Filter: FilterRead, Flags: FlagDelete | FlagUdataSpecific, Udata: 1}))
	assert.Equal(t, 0, kq.registrations())
}

func TestKqueue_closeDropsRegistrations(t *testing.T) {
	p, kq := newTestKqueue(t)
	ctx := context.Background()
	r, w, err := p.Pipe()
	require.NoError(t, err)

	require.NoError(t, kq.Register(ctx, Kevent{Ident: uint64(r), Filter: FilterRead, Flags: FlagAdd}))
	require.NoError(t, p.CloseFD(r))
	assert.Equal(t, 0, kq.registrations())

	// the write end sees the reader go away
	_, err = p.Write(w, []byte("x"))
	assert.ErrorIs(t, err, EPIPE)
}

func TestKqueue_nested(t *testing.T) {
	p, parent := newTestKqueue(t)
	ctx := context.Background()
	child, err := p.Kqueue()
	require.NoError(t, err)

	assert.ErrorIs(t, parent.Register(ctx, Kevent{Ident: uint64(parent.FD()), Filter: FilterRead, Flags: FlagAdd}), EINVAL)

	require.NoError(t, parent.Register(ctx, Kevent{Ident: uint64(child.FD()), Filter: FilterRead, Flags: FlagAdd}))
	assert.ErrorIs(t, child.Register(ctx, Kevent{Ident: uint64(parent.FD()), Filter: FilterRead, Flags: FlagAdd}), ELOOP)

	events := make([]Kevent, 2)
	n, err := parent.Scan(ctx, events, 0)
	require.NoError(t, err)
	require.Equal(t, 0, n)

	for i := uint64(1); i <= 2; i++ {
		require.NoError(t, child.Register(ctx, Kevent{Ident: i, Filter: FilterUser, Flags: FlagAdd | FlagOneshot, Fflags: NoteTrigger}))
	}
	n, err = parent.Scan(ctx, events, time.Second)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.Equal(t, uint64(child.FD()), events[0].Ident)
	assert.Equal(t, int64(2), events[0].Data)

	n, err = child.Scan(ctx, events, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	n, err = parent.Scan(ctx, events, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// the edge goes with the registration
	require.NoError(t, parent.Register(ctx, Kevent{Ident: uint64(child.FD()), Filter: FilterRead, Flags: FlagDelete}))
	require.NoError(t, child.Register(ctx, Kevent{Ident: uint64(parent.FD()), Filter: FilterRead, Flags: FlagAdd}))
}

func TestKqueue_PollFD(t *testing.T) {
	_, kq := newTestKqueue(t)
	fd, err := kq.PollFD()
	if err != nil {
		t.Skipf("no wake descriptor: %v", err)
	}
	assert.GreaterOrEqual(t, fd, 0)
	fd2, err := kq.PollFD()
	require.NoError(t, err)
	assert.Equal(t, fd, fd2)
}

func TestKqueue_Process(t *testing.T) {
	_, kq := newTestKqueue(t)
	ctx := context.Background()
	for i := uint64(1); i <= 3; i++ {
		require.NoError(t, kq.Register(ctx, Kevent{Ident: i, Filter: FilterUser, Flags: FlagAdd | FlagOneshot, Fflags: NoteTrigger}))
	}

	var idents []uint64
	n, err := kq.Process(ctx, func(ev Kevent) bool {
		idents = append(idents, ev.Ident)
		return len(idents) < 2
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, idents, 2)
	assert.Equal(t, 1, kq.Len())
}
