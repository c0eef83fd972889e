// Package module defines the data model shared by the loader, host ABI, and
// executor: the immutable compiled module record and the per-invocation
// execution context bound to it.
package module

import (
	"sync"

	"github.com/latticerun/modrunner/internal/message"
	"github.com/latticerun/modrunner/internal/policy"
)

// PlaidModule is an immutable compiled module plus its policy. Reloading a
// module produces a new PlaidModule value; existing references are never
// mutated, except for the persistent response cache, which is explicitly
// allowed to change across invocations.
type PlaidModule struct {
	Name              string
	CompiledArtifact  any // opaque handle; loader/executor know its concrete type
	ComputationLimit  uint64
	MemoryPageLimit   uint32
	StorageLimit      int
	SubscribedLogType string
	Capabilities      policy.Policy

	mu                 sync.RWMutex
	persistentResponse []byte
}

// New constructs a PlaidModule. CompiledArtifact is attached by the loader
// once compilation succeeds.
func New(name string, artifact any, computationLimit uint64, memoryPageLimit uint32, storageLimit int, subscribedLogType string, capabilities policy.Policy) *PlaidModule {
	return &PlaidModule{
		Name:              name,
		CompiledArtifact:  artifact,
		ComputationLimit:  computationLimit,
		MemoryPageLimit:   memoryPageLimit,
		StorageLimit:      storageLimit,
		SubscribedLogType: subscribedLogType,
		Capabilities:      capabilities,
	}
}

// PersistentResponse returns the last response bytes recorded for this
// module, if any.
func (m *PlaidModule) PersistentResponse() ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.persistentResponse == nil {
		return nil, false
	}
	cp := make([]byte, len(m.persistentResponse))
	copy(cp, m.persistentResponse)
	return cp, true
}

// SetPersistentResponse records the most recent response bytes, overwriting
// any previous value.
func (m *PlaidModule) SetPersistentResponse(resp []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(resp))
	copy(cp, resp)
	m.persistentResponse = cp
}

// Env is the per-invocation, per-guest execution context: created when a
// worker begins one module invocation, discarded when the guest returns. An
// Env is never shared across goroutines.
type Env struct {
	Module  *PlaidModule
	Message message.Message

	response     []byte
	errorContext string
	logbacksUsed int
}

// NewEnv constructs an Env bound to one message and module for a single
// invocation.
func NewEnv(mod *PlaidModule, msg message.Message) *Env {
	return &Env{Module: mod, Message: msg}
}

// SetResponse records the bytes the guest wants returned to the caller.
func (e *Env) SetResponse(b []byte) {
	cp := make([]byte, len(b))
	copy(cp, b)
	e.response = cp
}

// Response returns the currently-set response buffer, if any.
func (e *Env) Response() ([]byte, bool) {
	if e.response == nil {
		return nil, false
	}
	return e.response, true
}

// SetErrorContext stores a guest-supplied diagnostic string, attached to any
// subsequent execution-error log record for this invocation.
func (e *Env) SetErrorContext(msg string) { e.errorContext = msg }

// ErrorContext returns the guest-supplied diagnostic string, if any was set.
func (e *Env) ErrorContext() string { return e.errorContext }

// LogbacksUsed returns how many log-backs this invocation has already
// emitted.
func (e *Env) LogbacksUsed() int { return e.logbacksUsed }

// RemainingAfterNextLogback reports the logbacks_remaining value a
// descendant message would inherit if a log-back were emitted right now,
// and whether the quota (policy ceiling AND message-carried remaining) still
// allows one.
func (e *Env) RemainingAfterNextLogback() (message.LogbacksRemaining, bool) {
	if !e.Message.LogbacksRemaining.Allows() {
		return message.LogbacksRemaining{}, false
	}
	cap := e.Module.Capabilities.LogbacksAllowed
	if !cap.Unlimited && e.logbacksUsed >= cap.Ceiling {
		return message.LogbacksRemaining{}, false
	}
	return e.Message.LogbacksRemaining.Decrement(), true
}

// RecordLogback increments the per-invocation log-back counter. Call only
// after RemainingAfterNextLogback confirmed the quota allows it.
func (e *Env) RecordLogback() { e.logbacksUsed++ }
