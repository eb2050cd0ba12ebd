package kevent

import (
	"container/heap"
	"sync"
	"time"
)

// callout is a one-shot deferred callback, see calloutService.
type callout struct {
	fn       func()
	deadline time.Time
	// due is the latest time the callout may run, deadline plus leeway
	due   time.Time
	index int
}

// calloutHeap is a min-heap of armed callouts, by due time
type calloutHeap []*callout

func (h calloutHeap) Len() int           { return len(h) }
func (h calloutHeap) Less(i, j int) bool { return h[i].due.Before(h[j].due) }

func (h calloutHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *calloutHeap) Push(x any) {
	c := x.(*callout)
	c.index = len(*h)
	*h = append(*h, c)
}

func (h *calloutHeap) Pop() any {
	old := *h
	n := len(old)
	c := old[n-1]
	old[n-1] = nil
	c.index = -1
	*h = old[:n-1]
	return c
}

// calloutService runs callouts on a single goroutine, started lazily.
//
// When woken for the earliest due callout, it also runs every other callout
// whose deadline has passed, so callouts with leeway coalesce.
type calloutService struct {
	heap    calloutHeap
	wake    chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	started bool
	stopped bool
}

func newCalloutService() *calloutService {
	return &calloutService{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

func newCallout(fn func()) *callout {
	return &callout{fn: fn, index: -1}
}

// arm (re)schedules c. It returns false if the service is stopped.
func (s *calloutService) arm(c *callout, deadline time.Time, leeway time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	c.deadline = deadline
	c.due = deadline.Add(leeway)
	if c.index >= 0 {
		heap.Fix(&s.heap, c.index)
	} else {
		heap.Push(&s.heap, c)
	}
	if !s.started {
		s.started = true
		s.wg.Add(1)
		go s.run()
	} else if c.index == 0 {
		s.signal()
	}
	return true
}

// cancel disarms c, returning false if it was not armed (e.g. because it
// is running, or already ran).
func (s *calloutService) cancel(c *callout) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.index < 0 {
		return false
	}
	heap.Remove(&s.heap, c.index)
	return true
}

func (s *calloutService) close() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	for _, c := range s.heap {
		c.index = -1
	}
	s.heap = nil
	close(s.done)
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *calloutService) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *calloutService) run() {
	defer s.wg.Done()
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	var fire []*callout
	for {
		s.mu.Lock()
		now := time.Now()
		fire = fire[:0]
		for i := 0; i < len(s.heap); {
			if c := s.heap[i]; !c.deadline.After(now) {
				heap.Remove(&s.heap, i)
				fire = append(fire, c)
				i = 0
				continue
			}
			i++
		}
		next := time.Hour
		if len(s.heap) != 0 {
			next = s.heap[0].due.Sub(now)
		}
		s.mu.Unlock()

		for _, c := range fire {
			c.fn()
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(next)
		select {
		case <-s.done:
			return
		case <-s.wake:
		case <-timer.C:
		}
	}
}
