package executor

import (
	"context"
	"testing"
	"time"

	"github.com/latticerun/modrunner/internal/config"
	"github.com/latticerun/modrunner/internal/loader"
	"github.com/latticerun/modrunner/internal/message"
	"github.com/latticerun/modrunner/internal/module"
)

func TestExecutor_SubmitDispatchesToSubscribedModule(t *testing.T) {
	pm := buildPlaidModule(t, "orders-handler", "entrypoint", 2, 0)

	registry := loader.NewRegistry()
	registry.Swap([]*module.PlaidModule{pm})

	cfg := config.ExecutorConfig{
		ExecutionThreads: 1,
		LogQueueSize:     4,
		DedicatedThreads: map[string]config.DedicatedPoolConfig{
			"orders": {NumThreads: 1, LogQueueSize: 4},
		},
	}

	e := New(cfg, registry, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Start(ctx)
	defer e.Close()

	msg := message.New("orders", nil, message.WebhookPostSource("hook"), message.Unlimited())
	if err := e.Submit(ctx, msg); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// No assertion beyond "it ran without panicking or deadlocking": the
	// worker invokes pm's entrypoint and falls through the StateReturned
	// branch with no response to deliver.
	time.Sleep(20 * time.Millisecond)
}

func TestExecutor_SubmitWithNoSubscribersIsNoop(t *testing.T) {
	registry := loader.NewRegistry()
	cfg := config.ExecutorConfig{ExecutionThreads: 1, LogQueueSize: 4}
	e := New(cfg, registry, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Start(ctx)
	defer e.Close()

	msg := message.New("nobody-subscribed", nil, message.WebhookPostSource("hook"), message.Unlimited())
	if err := e.Submit(ctx, msg); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
}
