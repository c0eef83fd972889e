package executor

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/latticerun/modrunner/internal/message"
)

func TestPool_ProcessesSubmittedMessages(t *testing.T) {
	var count atomic.Int32
	var mu sync.Mutex
	var seen []string

	p := NewPool("test", 2, 4, func(_ context.Context, msg message.Message) {
		count.Add(1)
		mu.Lock()
		seen = append(seen, msg.ID)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	for i := 0; i < 5; i++ {
		msg := message.New("orders", nil, message.WebhookPostSource("x"), message.Unlimited())
		if err := p.Submit(ctx, msg); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}

	deadline := time.After(2 * time.Second)
	for count.Load() < 5 {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for messages to process, got %d/5", count.Load())
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestPool_SubmitRespectsContextCancellation(t *testing.T) {
	// No Start call: nothing drains the queue, so the second Submit must
	// block on the full 1-capacity channel until ctx is cancelled.
	p := NewPool("blocked", 1, 1, func(context.Context, message.Message) {})
	ctx, cancel := context.WithCancel(context.Background())

	msg := message.New("orders", nil, message.WebhookPostSource("x"), message.Unlimited())
	if err := p.Submit(ctx, msg); err != nil {
		t.Fatalf("first submit should not block: %v", err)
	}

	cancel()
	blockedMsg := message.New("orders", nil, message.WebhookPostSource("x"), message.Unlimited())
	if err := p.Submit(ctx, blockedMsg); err == nil {
		t.Fatalf("expected Submit to return an error after context cancellation and full queue")
	}
}
