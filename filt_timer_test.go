package kevent

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimerUnit(t *testing.T) {
	for _, tc := range [...]struct {
		fflags uint32
		unit   time.Duration
	}{
		{0, time.Millisecond},
		{NoteSeconds, time.Second},
		{NoteUSeconds, time.Microsecond},
		{NoteNSeconds, time.Nanosecond},
		{NoteAbsolute | NoteUSeconds, time.Microsecond},
	} {
		unit, err := timerUnit(tc.fflags)
		if assert.NoError(t, err) {
			assert.Equal(t, tc.unit, unit)
		}
	}
	_, err := timerUnit(NoteSeconds | NoteUSeconds)
	assert.ErrorIs(t, err, EINVAL)
}

func TestTimer_oneshot(t *testing.T) {
	_, kq := newTestKqueue(t)
	ctx := context.Background()

	start := time.Now()
	require.NoError(t, kq.Register(ctx, Kevent{Ident: 1, Filter: FilterTimer, Flags: FlagAdd | FlagOneshot, Data: 20, Udata: 9}))
	events := make([]Kevent, 2)
	n, err := kq.Scan(ctx, events, 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	assert.Equal(t, int64(1), events[0].Data)
	assert.Equal(t, uint64(9), events[0].Udata)
	assert.Equal(t, 0, kq.registrations())
}

func TestTimer_periodicCountsIntervals(t *testing.T) {
	_, kq := newTestKqueue(t)
	ctx := context.Background()

	require.NoError(t, kq.Register(ctx, Kevent{Ident: 1, Filter: FilterTimer, Flags: FlagAdd, Data: 5}))
	time.Sleep(60 * time.Millisecond)

	events := make([]Kevent, 1)
	n, err := kq.Scan(ctx, events, 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.GreaterOrEqual(t, events[0].Data, int64(2))

	// keeps firing
	n, err = kq.Scan(ctx, events, 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.GreaterOrEqual(t, events[0].Data, int64(1))

	require.NoError(t, kq.Register(ctx, Kevent{Ident: 1, Filter: FilterTimer, Flags: FlagDelete}))
	n, err = kq.Scan(ctx, events, 30*time.Millisecond)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestTimer_absolute(t *testing.T) {
	_, kq := newTestKqueue(t)
	ctx := context.Background()

	past := Kevent{Ident: 1, Filter: FilterTimer, Flags: FlagAdd, Fflags: NoteAbsolute | NoteSeconds, Data: 1}
	require.NoError(t, kq.Register(ctx, past))
	assert.Equal(t, 1, kq.Len())

	soon := time.Now().Add(20 * time.Millisecond)
	require.NoError(t, kq.Register(ctx, Kevent{
		Ident:  2,
		Filter: FilterTimer,
		Flags:  FlagAdd,
		Fflags: NoteAbsolute | NoteUSeconds,
		Data:   soon.UnixMicro(),
	}))

	got := make(map[uint64]int64)
	events := make([]Kevent, 4)
	for len(got) < 2 {
		n, err := kq.Scan(ctx, events, 5*time.Second)
		require.NoError(t, err)
		require.NotZero(t, n)
		for _, ev := range events[:n] {
			got[ev.Ident] += ev.Data
		}
	}
	assert.False(t, time.Now().Before(soon))
	// absolute timers fire once
	assert.Equal(t, map[uint64]int64{1: 1, 2: 1}, got)
	n, err := kq.Scan(ctx, events, 30*time.Millisecond)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestTimer_touchRearms(t *testing.T) {
	_, kq := newTestKqueue(t)
	ctx := context.Background()

	require.NoError(t, kq.Register(ctx, Kevent{Ident: 1, Filter: FilterTimer, Flags: FlagAdd, Fflags: NoteSeconds, Data: 3600}))
	assert.Zero(t, kq.Len())

	require.NoError(t, kq.Register(ctx, Kevent{Ident: 1, Filter: FilterTimer, Flags: FlagAdd | FlagOneshot, Data: 0}))
	assert.Equal(t, 1, kq.Len())
	events := make([]Kevent, 1)
	n, err := kq.Scan(ctx, events, 0)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.Equal(t, int64(1), events[0].Data)
}

func TestTimer_invalid(t *testing.T) {
	_, kq := newTestKqueue(t)
	ctx := context.Background()

	assert.ErrorIs(t, kq.Register(ctx, Kevent{Ident: 1, Filter: FilterTimer, Flags: FlagAdd, Fflags: NoteSeconds | NoteNSeconds, Data: 1}), EINVAL)
	assert.ErrorIs(t, kq.Register(ctx, Kevent{Ident: 1, Filter: FilterTimer, Flags: FlagAdd, Data: -1}), EINVAL)
	assert.ErrorIs(t, kq.Register(ctx, Kevent{Ident: 1, Filter: FilterTimer, Flags: FlagAdd, Fflags: 0x1000, Data: 1}), EINVAL)
	assert.Equal(t, 0, kq.registrations())

	require.NoError(t, kq.Register(ctx, Kevent{Ident: 1, Filter: FilterTimer, Flags: FlagAdd, Fflags: NoteSeconds, Data: 3600}))
	assert.ErrorIs(t, kq.Register(ctx, Kevent{Ident: 1, Filter: FilterTimer, Data: -1}), EINVAL)
	assert.Equal(t, 1, kq.registrations())
}

func TestTimer_leeway(t *testing.T) {
	_, kq := newTestKqueue(t)
	ctx := context.Background()

	kev := Kevent{Ident: 1, Filter: FilterTimer, Flags: FlagAdd | FlagOneshot, Fflags: NoteLeeway, Data: 10}
	kev.Ext[ExtTimerLeeway] = 10
	start := time.Now()
	require.NoError(t, kq.Register(ctx, kev))
	events := make([]Kevent, 1)
	n, err := kq.Scan(ctx, events, 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
}

func TestTimer_outOfRange(t *testing.T) {
	_, kq := newTestKqueue(t)
	ctx := context.Background()

	assert.ErrorIs(t, kq.Register(ctx, Kevent{Ident: 1, Filter: FilterTimer, Flags: FlagAdd | FlagOneshot, Fflags: NoteSeconds, Data: math.MaxInt64 / 1000}), ERANGE)
	assert.ErrorIs(t, kq.Register(ctx, Kevent{Ident: 1, Filter: FilterTimer, Flags: FlagAdd, Fflags: NoteAbsolute | NoteSeconds, Data: math.MaxInt64}), ERANGE)
	kev := Kevent{Ident: 1, Filter: FilterTimer, Flags: FlagAdd, Fflags: NoteLeeway, Data: 10}
	kev.Ext[ExtTimerLeeway] = math.MaxUint64
	assert.ErrorIs(t, kq.Register(ctx, kev), ERANGE)
	assert.Equal(t, 0, kq.registrations())

	// the largest representable timer is accepted, and does not fire
	require.NoError(t, kq.Register(ctx, Kevent{Ident: 1, Filter: FilterTimer, Flags: FlagAdd | FlagOneshot, Fflags: NoteNSeconds, Data: math.MaxInt64}))
	require.NoError(t, kq.Register(ctx, Kevent{Ident: 2, Filter: FilterTimer, Flags: FlagAdd | FlagOneshot, Fflags: NoteSeconds, Data: math.MaxInt64 / int64(time.Second)}))
	events := make([]Kevent, 2)
	n, err := kq.Scan(ctx, events, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Zero(t, n)

	// a failed touch leaves the registration armed
	assert.ErrorIs(t, kq.Register(ctx, Kevent{Ident: 1, Filter: FilterTimer, Fflags: NoteSeconds, Data: math.MaxInt64}), ERANGE)
	assert.Equal(t, 2, kq.registrations())
}
