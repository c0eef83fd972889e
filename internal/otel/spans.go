package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys attached to invocation and module-load spans.
var (
	AttrModuleName      = attribute.Key("modrunner.module")
	AttrLogType         = attribute.Key("modrunner.log_type")
	AttrMessageID       = attribute.Key("modrunner.message_id")
	AttrInvocationState = attribute.Key("modrunner.invocation.state")
	AttrComputationUsed = attribute.Key("modrunner.invocation.computation_used")
	AttrCapabilityFunc  = attribute.Key("modrunner.capability.function")
	AttrCapabilityAllow = attribute.Key("modrunner.capability.allowed")
)

// StartSpan starts an internal span named name with attrs attached. Every
// span the runtime creates is internal-kind: module loads and invocations
// happen entirely within one process, so there is no client/server role to
// distinguish.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}
