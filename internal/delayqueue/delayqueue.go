// Package delayqueue implements the min-heap-backed delayed message queue:
// messages with a non-zero log-back delay (or a generator re-arm) sleep here
// until due, then drain into the executor's dispatch function using the
// same dispatch rule as the main executor.
package delayqueue

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/latticerun/modrunner/internal/message"
)

// Dispatch is the function the queue calls for each message once it becomes
// due. It matches the executor's main dispatch entrypoint.
type Dispatch func(message.Message)

type item struct {
	dm    message.DelayedMessage
	index int
}

type minHeap []*item

func (h minHeap) Len() int { return len(h) }
func (h minHeap) Less(i, j int) bool {
	return h[i].dm.DueAt.Before(h[j].dm.DueAt)
}
func (h minHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *minHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}
func (h *minHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// Queue is a thread-safe delayed message queue with a background sleeper
// goroutine that wakes exactly when the earliest entry becomes due.
type Queue struct {
	mu   sync.Mutex
	h    minHeap
	wake chan struct{}

	dispatch Dispatch
	now      func() time.Time
}

// New constructs a Queue that calls dispatch for each message once due.
func New(dispatch Dispatch) *Queue {
	return &Queue{
		h:        minHeap{},
		wake:     make(chan struct{}, 1),
		dispatch: dispatch,
		now:      time.Now,
	}
}

// Push enqueues a DelayedMessage and nudges the sleeper if this entry is now
// the earliest.
func (q *Queue) Push(dm message.DelayedMessage) {
	q.mu.Lock()
	heap.Push(&q.h, &item{dm: dm})
	isEarliest := q.h[0].dm.DueAt.Equal(dm.DueAt)
	q.mu.Unlock()

	if isEarliest {
		select {
		case q.wake <- struct{}{}:
		default:
		}
	}
}

// Len reports the number of pending entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.h.Len()
}

// drainDue pops and dispatches every entry whose DueAt is not after now,
// returning the duration until the next entry becomes due (or 0 if empty).
func (q *Queue) drainDue() time.Duration {
	q.mu.Lock()
	var due []message.Message
	now := q.now()
	for q.h.Len() > 0 && !q.h[0].dm.DueAt.After(now) {
		it := heap.Pop(&q.h).(*item)
		due = append(due, it.dm.Message)
	}
	var wait time.Duration
	if q.h.Len() > 0 {
		wait = q.h[0].dm.DueAt.Sub(now)
	}
	q.mu.Unlock()

	for _, m := range due {
		q.dispatch(m)
	}
	return wait
}

// Run blocks, draining due entries as they arrive, until ctx is canceled.
func (q *Queue) Run(ctx context.Context) {
	for {
		wait := q.drainDue()

		var timer *time.Timer
		var timerC <-chan time.Time
		if wait > 0 {
			timer = time.NewTimer(wait)
			timerC = timer.C
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case <-q.wake:
			if timer != nil {
				timer.Stop()
			}
		case <-timerC:
		}
	}
}
