package executor

import (
	"context"
	"testing"

	"github.com/tetratelabs/wazero"

	"github.com/latticerun/modrunner/internal/loader"
	"github.com/latticerun/modrunner/internal/message"
	"github.com/latticerun/modrunner/internal/module"
	"github.com/latticerun/modrunner/internal/policy"
)

func buildPlaidModule(t *testing.T, name, entryName string, entryParamCount int, computationLimit uint64) *module.PlaidModule {
	t.Helper()
	ctx := context.Background()
	rt := wazero.NewRuntime(ctx)
	t.Cleanup(func() { rt.Close(ctx) })

	compiled, err := loader.Compile(ctx, rt, buildGuestModule(entryName, entryParamCount))
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	t.Cleanup(func() { compiled.Close(ctx) })

	artifact := &loader.CompiledArtifact{Runtime: rt, Compiled: compiled, CostModel: loader.DefaultCostModel()}
	return module.New(name, artifact, computationLimit, 1, 0, "orders", policy.Policy{})
}

func TestInvoke_DataOnlyEntrypointReturns(t *testing.T) {
	pm := buildPlaidModule(t, "data-only", "entrypoint", 2, 0)
	msg := message.New("orders", nil, message.WebhookPostSource("hook"), message.Unlimited())

	result := Invoke(context.Background(), pm, msg)

	if result.State != StateReturned {
		t.Fatalf("State = %v, want StateReturned (err=%v)", result.State, result.Err)
	}
}

func TestInvoke_WithSourceEntrypointReturns(t *testing.T) {
	pm := buildPlaidModule(t, "with-source", "entrypoint_with_source", 4, 0)
	msg := message.New("orders", nil, message.GeneratorSource("cron", "daily"), message.Unlimited())

	result := Invoke(context.Background(), pm, msg)

	if result.State != StateReturned {
		t.Fatalf("State = %v, want StateReturned (err=%v)", result.State, result.Err)
	}
}

func TestInvoke_UnrecognizedEntrypointTraps(t *testing.T) {
	pm := buildPlaidModule(t, "no-entrypoint", "not_a_recognized_symbol", 2, 0)
	msg := message.New("orders", nil, message.WebhookPostSource("hook"), message.Unlimited())

	result := Invoke(context.Background(), pm, msg)

	if result.State != StateTrapped {
		t.Fatalf("State = %v, want StateTrapped", result.State)
	}
}

func TestInvoke_NonArtifactCompiledArtifactTraps(t *testing.T) {
	pm := module.New("bogus", "not-an-artifact", 0, 0, 0, "orders", policy.Policy{})
	msg := message.New("orders", nil, message.WebhookPostSource("hook"), message.Unlimited())

	result := Invoke(context.Background(), pm, msg)

	if result.State != StateTrapped {
		t.Fatalf("State = %v, want StateTrapped", result.State)
	}
}
