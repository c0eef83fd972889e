package executor

import (
	"context"
	"sync"

	"github.com/latticerun/modrunner/internal/message"
)

// Pool is one worker set draining a single bounded Message channel: either
// the executor's general pool or one dedicated per-log-type pool. A full
// channel blocks the producer — the system's only backpressure mechanism
// (spec.md §4.2).
type Pool struct {
	name    string
	queue   chan message.Message
	handle  func(context.Context, message.Message)
	workers int

	wg sync.WaitGroup
}

// NewPool constructs a Pool with the given worker count and bounded queue
// size. handle is invoked once per dequeued Message, on whichever worker
// goroutine dequeued it.
func NewPool(name string, workers, queueSize int, handle func(context.Context, message.Message)) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}
	return &Pool{
		name:    name,
		queue:   make(chan message.Message, queueSize),
		handle:  handle,
		workers: workers,
	}
}

// Start launches the pool's fixed worker goroutines. They run until ctx is
// cancelled and the queue drains.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-p.queue:
			if !ok {
				return
			}
			p.handle(ctx, msg)
		}
	}
}

// Submit enqueues msg, blocking if the bounded queue is full. It returns
// immediately if ctx is cancelled first.
func (p *Pool) Submit(ctx context.Context, msg message.Message) error {
	select {
	case p.queue <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting new work and waits for in-flight messages to drain.
func (p *Pool) Close() {
	close(p.queue)
	p.wg.Wait()
}
