package kevent

import (
	"sync/atomic"
)

// Stats is a snapshot of the activity counters of a Proc.
type Stats struct {
	// Registrations counts successful attaches.
	Registrations uint64
	// Deliveries counts events handed to scans and servicers.
	Deliveries uint64
	// Drops counts registrations torn down.
	Drops uint64
	// Requests counts thread requests initiated with the scheduler.
	Requests uint64
	// Binds counts servicer threads bound to a request.
	Binds uint64
	// Throttled counts thread requests deferred by a workloop CPU limit.
	Throttled uint64
}

type procStats struct {
	registrations atomic.Uint64
	deliveries    atomic.Uint64
	drops         atomic.Uint64
	requests      atomic.Uint64
	binds         atomic.Uint64
	throttled     atomic.Uint64
}

// Stats returns the current counters.
func (p *Proc) Stats() Stats {
	return Stats{
		Registrations: p.stats.registrations.Load(),
		Deliveries:    p.stats.deliveries.Load(),
		Drops:         p.stats.drops.Load(),
		Requests:      p.stats.requests.Load(),
		Binds:         p.stats.binds.Load(),
		Throttled:     p.stats.throttled.Load(),
	}
}
