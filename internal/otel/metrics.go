package otel

import (
	"fmt"

	"go.opentelemetry.io/otel/metric"
)

// Metrics bundles every instrument the runtime records against. Built once
// from a Provider's Meter and shared across the executor and loader.
type Metrics struct {
	InvocationDuration metric.Float64Histogram
	ModuleLoadDuration metric.Float64Histogram

	ComputationUsed   metric.Int64Counter
	InvocationErrors  metric.Int64Counter
	CapabilityDenials metric.Int64Counter
	LogbacksEmitted   metric.Int64Counter

	ModulesLoaded metric.Int64UpDownCounter
}

// NewMetrics constructs every instrument against meter, returning the first
// construction error encountered (each instrument's name must be unique and
// well-formed, which only fails on a programmer error here).
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	invocationDuration, err := meter.Float64Histogram("modrunner.invocation.duration",
		metric.WithDescription("Duration of a single module invocation"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("otel: invocation.duration: %w", err)
	}

	moduleLoadDuration, err := meter.Float64Histogram("modrunner.module.load_duration",
		metric.WithDescription("Duration of compiling and linking one module artifact"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("otel: module.load_duration: %w", err)
	}

	computationUsed, err := meter.Int64Counter("modrunner.invocation.computation_used",
		metric.WithDescription("Metered computation units consumed across invocations"),
	)
	if err != nil {
		return nil, fmt.Errorf("otel: invocation.computation_used: %w", err)
	}

	invocationErrors, err := meter.Int64Counter("modrunner.invocation.errors",
		metric.WithDescription("Invocations that trapped, exhausted metering, or overflowed guest memory"),
	)
	if err != nil {
		return nil, fmt.Errorf("otel: invocation.errors: %w", err)
	}

	capabilityDenials, err := meter.Int64Counter("modrunner.capability.denials",
		metric.WithDescription("Host capability calls denied by policy"),
	)
	if err != nil {
		return nil, fmt.Errorf("otel: capability.denials: %w", err)
	}

	logbacksEmitted, err := meter.Int64Counter("modrunner.logbacks.emitted",
		metric.WithDescription("Log-back messages emitted by modules"),
	)
	if err != nil {
		return nil, fmt.Errorf("otel: logbacks.emitted: %w", err)
	}

	modulesLoaded, err := meter.Int64UpDownCounter("modrunner.modules.loaded",
		metric.WithDescription("Modules currently present in the registry"),
	)
	if err != nil {
		return nil, fmt.Errorf("otel: modules.loaded: %w", err)
	}

	return &Metrics{
		InvocationDuration: invocationDuration,
		ModuleLoadDuration: moduleLoadDuration,
		ComputationUsed:    computationUsed,
		InvocationErrors:   invocationErrors,
		CapabilityDenials:  capabilityDenials,
		LogbacksEmitted:    logbacksEmitted,
		ModulesLoaded:      modulesLoaded,
	}, nil
}
