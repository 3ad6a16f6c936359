// Package limiter implements the Priority Limiter: bounded concurrency
// gated by a priority-ordered wait queue with FIFO tie-break, per spec.md
// §4.4. The queue is a container/heap binary heap of WaitTickets, restructured
// from the teacher's per-domain adaptive token-bucket limiter
// (engine/internal/ratelimit/limiter.go) into the priority-heap shape this
// spec requires; the Clock abstraction for deterministic tests is carried
// over unchanged.
package limiter

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// waitTicket is a single waiter's position in the priority queue. Lower
// Priority wakes first; ties are broken by the monotonic Sequence.
type waitTicket struct {
	priority int
	sequence int64
	ready    chan struct{}
	done     bool // set once signaled or cancelled, guarded by the limiter mutex
	index    int  // heap.Interface bookkeeping
}

type ticketHeap []*waitTicket

func (h ticketHeap) Len() int { return len(h) }
func (h ticketHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].sequence < h[j].sequence
}
func (h ticketHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *ticketHeap) Push(x any) {
	t := x.(*waitTicket)
	t.index = len(*h)
	*h = append(*h, t)
}
func (h *ticketHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// PriorityLimiter bounds concurrency to MaxConcurrency holders, waking
// waiters in priority order (lower numeric priority first), FIFO within a
// priority.
type PriorityLimiter struct {
	mu             sync.Mutex
	maxConcurrency int
	current        int
	waiters        ticketHeap
	seq            int64
	clock          Clock
}

// New constructs a PriorityLimiter. maxConcurrency must be >= 1.
func New(maxConcurrency int) *PriorityLimiter {
	return NewWithClock(maxConcurrency, realClock{})
}

// NewWithClock is New with an injectable Clock, for deterministic tests.
func NewWithClock(maxConcurrency int, clock Clock) *PriorityLimiter {
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	return &PriorityLimiter{maxConcurrency: maxConcurrency, clock: clock}
}

// Permit is returned by Acquire/Limit; callers must call Release exactly
// once per successful acquire.
type Permit struct {
	limiter *PriorityLimiter
}

// Release returns the slot to the limiter, waking the next eligible waiter.
func (p Permit) Release() { p.limiter.release() }

// Acquire blocks until a slot is available for the given priority (lower
// value = earlier) or ctx is cancelled. It returns the time spent waiting
// and a Permit to release later.
func (l *PriorityLimiter) Acquire(ctx context.Context, priority int) (Permit, time.Duration, error) {
	start := l.clock.Now()

	l.mu.Lock()
	if l.current < l.maxConcurrency && l.waiters.Len() == 0 {
		l.current++
		l.mu.Unlock()
		return Permit{limiter: l}, 0, nil
	}
	t := &waitTicket{priority: priority, sequence: l.seq, ready: make(chan struct{})}
	l.seq++
	heap.Push(&l.waiters, t)
	l.mu.Unlock()

	select {
	case <-t.ready:
		return Permit{limiter: l}, l.clock.Now().Sub(start), nil
	case <-ctx.Done():
		l.cancel(t)
		return Permit{}, l.clock.Now().Sub(start), ctx.Err()
	}
}

// cancel removes t from the queue if it hasn't been signaled yet. If it was
// already signaled (a slot was handed to it), the slot is released back to
// the pool so it is never leaked.
func (l *PriorityLimiter) cancel(t *waitTicket) {
	l.mu.Lock()
	if t.done {
		// Already signaled between the ctx.Done() and this lock; the
		// caller never consumed the slot, so give it back.
		l.mu.Unlock()
		l.release()
		return
	}
	if t.index >= 0 {
		heap.Remove(&l.waiters, t.index)
	}
	t.done = true
	l.mu.Unlock()
}

func (l *PriorityLimiter) release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.current > 0 {
		l.current--
	}
	l.wakeEligible()
}

// wakeEligible hands the freed slot(s) to waiters while capacity allows,
// skipping any waiter already marked done (cancelled). Must be called with
// l.mu held.
func (l *PriorityLimiter) wakeEligible() {
	for l.waiters.Len() > 0 && l.current < l.maxConcurrency {
		t := heap.Pop(&l.waiters).(*waitTicket)
		if t.done {
			continue
		}
		t.done = true
		l.current++
		close(t.ready)
	}
}

// SetMaxConcurrency changes the cap, waking additional waiters if it grew.
func (l *PriorityLimiter) SetMaxConcurrency(n int) {
	if n < 1 {
		n = 1
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.maxConcurrency = n
	l.wakeEligible()
}

// MaxConcurrency returns the current cap.
func (l *PriorityLimiter) MaxConcurrency() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.maxConcurrency
}

// QueueDepth returns the number of waiters currently parked.
func (l *PriorityLimiter) QueueDepth() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.waiters.Len()
}

// InFlight returns the number of held permits.
func (l *PriorityLimiter) InFlight() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

// Limit acquires a slot and returns a release function, for the scoped
// "with" usage pattern described in spec.md §4.4.
func (l *PriorityLimiter) Limit(ctx context.Context, priority int) (release func(), waitTime time.Duration, err error) {
	permit, wait, err := l.Acquire(ctx, priority)
	if err != nil {
		return func() {}, wait, err
	}
	return permit.Release, wait, nil
}
