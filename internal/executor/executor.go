package executor

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/latticerun/modrunner/internal/audit"
	"github.com/latticerun/modrunner/internal/bus"
	"github.com/latticerun/modrunner/internal/config"
	"github.com/latticerun/modrunner/internal/loader"
	"github.com/latticerun/modrunner/internal/message"
	"github.com/latticerun/modrunner/internal/module"
	modotel "github.com/latticerun/modrunner/internal/otel"
)

// Executor owns the general pool and any dedicated per-log-type pools, and
// routes every Message to subscribed modules via Invoke. It is the thing
// ingress, log-back, and the delay queue all submit Messages to.
type Executor struct {
	registry *loader.Registry
	logger   *slog.Logger
	bus      *bus.Bus          // optional; nil means no lifecycle events are published
	otel     *modotel.Provider // optional; nil means no spans are started
	metrics  *modotel.Metrics  // optional; nil means no metrics are recorded

	general   *Pool
	dedicated map[string]*Pool
}

// New builds an Executor from cfg.Executor: one general pool plus one
// dedicated pool per configured log_type. registry is read via
// loader.Registry.Subscribed on every dispatched Message, so reloads
// (loader.Loader.Load / Watch) take effect without restarting the executor.
func New(cfg config.ExecutorConfig, registry *loader.Registry, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Executor{
		registry:  registry,
		logger:    logger,
		dedicated: map[string]*Pool{},
	}
	e.general = NewPool("general", cfg.ExecutionThreads, cfg.LogQueueSize, e.handle)
	for logType, dc := range cfg.DedicatedThreads {
		e.dedicated[logType] = NewPool(logType, dc.NumThreads, dc.LogQueueSize, e.handle)
	}
	return e
}

// WithBus attaches a bus.Bus that every subsequent invocation publishes
// lifecycle events to. It returns e so it can be chained onto New.
func (e *Executor) WithBus(b *bus.Bus) *Executor {
	e.bus = b
	return e
}

// WithTelemetry attaches an otel.Provider and its Metrics that every
// subsequent invocation is spanned and recorded against. It returns e so it
// can be chained onto New.
func (e *Executor) WithTelemetry(p *modotel.Provider, m *modotel.Metrics) *Executor {
	e.otel = p
	e.metrics = m
	return e
}

func (e *Executor) publish(topic string, payload any) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(topic, payload)
}

// Start launches every pool's workers. Call once before submitting work.
func (e *Executor) Start(ctx context.Context) {
	e.general.Start(ctx)
	for _, p := range e.dedicated {
		p.Start(ctx)
	}
}

// Close stops every pool and waits for in-flight work to finish.
func (e *Executor) Close() {
	e.general.Close()
	for _, p := range e.dedicated {
		p.Close()
	}
}

// Submit routes msg to its dedicated pool if one is configured for
// msg.LogType, else to the general pool. It implements spec.md §4.2's
// dispatch rule and is the single entry point used by ingress, log-back
// (delay=0), and the delay queue's drain.
func (e *Executor) Submit(ctx context.Context, msg message.Message) error {
	if p, ok := e.dedicated[msg.LogType]; ok {
		return p.Submit(ctx, msg)
	}
	return e.general.Submit(ctx, msg)
}

// handle implements the worker loop body (spec.md §4.2 steps 2-8): look up
// every module subscribed to msg.LogType and invoke each independently. One
// module's trap or metering exhaustion never affects another's invocation.
func (e *Executor) handle(ctx context.Context, msg message.Message) {
	mods := e.registry.Subscribed(msg.LogType)
	for _, pm := range mods {
		e.invokeOne(ctx, pm, msg)
	}
}

func (e *Executor) invokeOne(ctx context.Context, pm *module.PlaidModule, msg message.Message) {
	e.publish(bus.TopicInvocationStarted, bus.InvocationEvent{Module: pm.Name, LogType: msg.LogType, MessageID: msg.ID})

	var span trace.Span
	if e.otel != nil {
		ctx, span = modotel.StartSpan(ctx, e.otel.Tracer, "invocation.invoke",
			modotel.AttrModuleName.String(pm.Name),
			modotel.AttrLogType.String(msg.LogType),
			modotel.AttrMessageID.String(msg.ID),
		)
	}
	started := time.Now()

	result := Invoke(ctx, pm, msg)

	elapsed := time.Since(started).Seconds()
	if e.metrics != nil {
		e.metrics.InvocationDuration.Record(ctx, elapsed)
		e.metrics.ComputationUsed.Add(ctx, int64(result.CostUsed))
	}
	if span != nil {
		span.SetAttributes(
			modotel.AttrInvocationState.String(result.State.String()),
			modotel.AttrComputationUsed.Int64(int64(result.CostUsed)),
		)
	}

	switch result.State {
	case StateReturned:
		if result.HasResponse {
			pm.SetPersistentResponse(result.Response)
			if msg.ResponseSender != nil {
				select {
				case msg.ResponseSender <- result.Response:
				default:
				}
			}
		}
		e.publish(bus.TopicInvocationCompleted, bus.InvocationEvent{
			Module: pm.Name, LogType: msg.LogType, MessageID: msg.ID,
			State: result.State.String(), CostUsed: result.CostUsed,
		})
	default:
		e.logger.Error("module execution error",
			"module", pm.Name,
			"state", result.State.String(),
			"error", result.Err,
			"error_context", result.ErrorContext,
			"cost_used", result.CostUsed,
		)
		audit.Record("deny", "module_invocation", result.State.String(), "", pm.Name)
		if e.metrics != nil {
			e.metrics.InvocationErrors.Add(ctx, 1)
		}
		if span != nil && result.Err != nil {
			span.RecordError(result.Err)
		}
		errText := ""
		if result.Err != nil {
			errText = result.Err.Error()
		}
		e.publish(bus.TopicInvocationFailed, bus.InvocationEvent{
			Module: pm.Name, LogType: msg.LogType, MessageID: msg.ID,
			State: result.State.String(), CostUsed: result.CostUsed, Err: errText,
		})
	}
	if span != nil {
		span.End()
	}
}
