package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/latticerun/modrunner/internal/hostabi"
	"github.com/latticerun/modrunner/internal/loader"
	"github.com/latticerun/modrunner/internal/message"
	"github.com/latticerun/modrunner/internal/module"
)

// Invoke's host function bindings are wired once per module, at load time
// (loader.Loader.loadOne instantiates hostabi.Host against the module's
// private runtime) — by the time Invoke runs, the guest's "plaid" imports
// already close over the shared *hostabi.Host. Invoke itself only needs the
// compiled artifact, the module record, and the message.

// ResultState is the terminal state of one invocation, per spec.md §4.3's
// invocation state machine.
type ResultState int

const (
	StateReturned ResultState = iota
	StateTrapped
	StateMeteringExhausted
	StateMemoryOverflow
)

func (s ResultState) String() string {
	switch s {
	case StateReturned:
		return "returned"
	case StateTrapped:
		return "trapped"
	case StateMeteringExhausted:
		return "metering_exhausted"
	case StateMemoryOverflow:
		return "memory_overflow"
	default:
		return "unknown"
	}
}

// Result is what Invoke reports back to the worker loop.
type Result struct {
	State        ResultState
	Response     []byte
	HasResponse  bool
	Err          error
	ErrorContext string
	CostUsed     uint64
}

// Invoke instantiates pm's compiled artifact fresh, arms a Meter at its
// computation_limit, writes the message payload (and source, for
// source-taking entrypoints) into guest memory via the guest's alloc
// export, and calls the detected entrypoint to completion. The guest store
// is always closed before Invoke returns, per spec.md §4.2 step 8.
func Invoke(ctx context.Context, pm *module.PlaidModule, msg message.Message) Result {
	artifact, ok := pm.CompiledArtifact.(*loader.CompiledArtifact)
	if !ok {
		return Result{State: StateTrapped, Err: fmt.Errorf("executor: module %q has no compiled artifact", pm.Name)}
	}

	kind, exportName := DetectEntrypoint(artifact.Compiled)
	if kind == KindUnknown {
		return Result{State: StateTrapped, Err: fmt.Errorf("%w: module %q", ErrNoEntrypoint, pm.Name)}
	}

	env := module.NewEnv(pm, msg)
	invocationCtx := hostabi.WithEnv(ctx, env)

	meter := loader.NewMeter(pm.ComputationLimit)
	invocationCtx = loader.WithMeter(invocationCtx, meter)

	result := runGuest(invocationCtx, artifact.Runtime, artifact.Compiled, kind, exportName, msg)
	result.CostUsed = meter.Used()

	if result.State == StateReturned {
		if resp, ok := env.Response(); ok {
			result.Response = resp
			result.HasResponse = true
		}
		result.ErrorContext = env.ErrorContext()
	}
	return result
}

func runGuest(ctx context.Context, rt wazero.Runtime, compiled wazero.CompiledModule, kind Kind, exportName string, msg message.Message) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			err, _ := r.(error)
			if err != nil && errors.Is(err, loader.ErrMeteringExhausted) {
				result = Result{State: StateMeteringExhausted, Err: err}
				return
			}
			if err == nil {
				err = fmt.Errorf("executor: guest panic: %v", r)
			}
			result = Result{State: StateTrapped, Err: err}
		}
	}()

	guest, err := rt.InstantiateModule(ctx, compiled, wazero.NewModuleConfig())
	if err != nil {
		return Result{State: StateTrapped, Err: fmt.Errorf("instantiate guest: %w", err)}
	}
	defer guest.Close(ctx)

	allocFn := guest.ExportedFunction(exportAlloc)
	if allocFn == nil {
		return Result{State: StateTrapped, Err: fmt.Errorf("%w: module has entrypoint %q", ErrNoAllocExport, exportName)}
	}

	payloadPtr, payloadLen, err := writeGuestBuffer(ctx, guest, allocFn, msg.Payload)
	if err != nil {
		return Result{State: StateMemoryOverflow, Err: err}
	}

	entryFn := guest.ExportedFunction(exportName)
	if entryFn == nil {
		return Result{State: StateTrapped, Err: fmt.Errorf("%w: %q", ErrNoEntrypoint, exportName)}
	}

	args := []uint64{uint64(payloadPtr), uint64(payloadLen)}
	if kind.takesSource() {
		sourceBytes, err := encodeSource(msg.Source)
		if err != nil {
			return Result{State: StateTrapped, Err: fmt.Errorf("encode source: %w", err)}
		}
		sourcePtr, sourceLen, err := writeGuestBuffer(ctx, guest, allocFn, sourceBytes)
		if err != nil {
			return Result{State: StateMemoryOverflow, Err: err}
		}
		args = append(args, uint64(sourcePtr), uint64(sourceLen))
	}

	if _, err := entryFn.Call(ctx, args...); err != nil {
		return Result{State: StateTrapped, Err: fmt.Errorf("guest trap: %w", err)}
	}
	return Result{State: StateReturned}
}

// writeGuestBuffer requests a buffer of len(data) bytes from the guest's
// alloc export and writes data into it, returning the pointer and length.
// An empty buffer still calls alloc(0) for a stable pointer rather than
// dereferencing guest memory at an arbitrary offset.
func writeGuestBuffer(ctx context.Context, guest api.Module, allocFn api.Function, data []byte) (ptr, length uint32, err error) {
	results, err := allocFn.Call(ctx, uint64(len(data)))
	if err != nil {
		return 0, 0, fmt.Errorf("alloc: %w", err)
	}
	if len(results) == 0 {
		return 0, 0, fmt.Errorf("alloc: no return value")
	}
	ptr = uint32(results[0])
	if len(data) == 0 {
		return ptr, 0, nil
	}
	if !guest.Memory().Write(ptr, data) {
		return 0, 0, fmt.Errorf("write guest memory at %d: out of bounds", ptr)
	}
	return ptr, uint32(len(data)), nil
}
