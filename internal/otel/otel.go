// Package otel wires OpenTelemetry tracing and metrics into the runtime.
// It is entirely optional: a nil *Provider (or Config.Enabled == false)
// degrades every call site to a no-op tracer/meter, so the executor and
// loader can hold an otel.Provider field unconditionally without special-
// casing "telemetry off" everywhere they'd otherwise emit a span or metric.
package otel

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"

	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

const (
	TracerName = "modrunner"
	MeterName  = "modrunner"
	Version    = "v0.1-dev"
)

// Config controls whether and how the runtime exports spans and metrics.
// Parsing this from a config file is config.Config's job; this package only
// consumes the resolved struct.
type Config struct {
	Enabled        bool    `yaml:"enabled"`
	Exporter       string  `yaml:"exporter"` // "otlp-http" | "stdout" | "none"
	Endpoint       string  `yaml:"endpoint"`
	ServiceName    string  `yaml:"service_name"`
	SampleRate     float64 `yaml:"sample_rate"`
	MetricsEnabled *bool   `yaml:"metrics_enabled"`
}

func (c Config) metricsEnabled() bool {
	if c.MetricsEnabled == nil {
		return true
	}
	return *c.MetricsEnabled
}

// Provider bundles the constructed tracer/meter plus a combined shutdown.
type Provider struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  metric.MeterProvider
	Tracer         trace.Tracer
	Meter          metric.Meter

	shutdown func(context.Context) error
}

// Init builds a Provider from cfg. When cfg.Enabled is false, every field is
// populated with a no-op implementation: callers never need to check
// cfg.Enabled themselves.
func Init(ctx context.Context, cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		tp := nooptrace.NewTracerProvider()
		mp := noop.NewMeterProvider()
		return &Provider{
			Tracer:        tp.Tracer(TracerName),
			Meter:         mp.Meter(MeterName),
			MeterProvider: mp,
			shutdown:      func(context.Context) error { return nil },
		}, nil
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "modrunner"
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(Version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("otel: build resource: %w", err)
	}

	exporter, err := createExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("otel: create exporter: %w", err)
	}

	sampleRate := cfg.SampleRate
	if sampleRate <= 0 {
		sampleRate = 1.0
	}
	sampler := sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRate))

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(tp)

	var mp metric.MeterProvider = noop.NewMeterProvider()
	if cfg.metricsEnabled() {
		sdkMP := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))
		mp = sdkMP
	}

	p := &Provider{
		TracerProvider: tp,
		MeterProvider:  mp,
		Tracer:         tp.Tracer(TracerName),
		Meter:          mp.Meter(MeterName),
		shutdown: func(ctx context.Context) error {
			var errs []error
			if err := tp.Shutdown(ctx); err != nil {
				errs = append(errs, err)
			}
			if sdkMP, ok := mp.(*sdkmetric.MeterProvider); ok {
				if err := sdkMP.Shutdown(ctx); err != nil {
					errs = append(errs, err)
				}
			}
			if len(errs) > 0 {
				return fmt.Errorf("otel: shutdown: %v", errs)
			}
			return nil
		},
	}
	return p, nil
}

// Shutdown flushes and releases the provider's exporter(s). Safe to call on a
// disabled (no-op) Provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.shutdown == nil {
		return nil
	}
	return p.shutdown(ctx)
}

func createExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "", "otlp-http":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = "localhost:4318"
		}
		return otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(endpoint),
			otlptracehttp.WithInsecure(),
		)
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "none":
		return &noopExporter{}, nil
	default:
		return nil, fmt.Errorf("otel: unknown exporter %q", cfg.Exporter)
	}
}

// noopExporter discards every span; used when tracing is enabled (so
// instrumentation fires and spans are created, exercising the same code
// paths as a real exporter) but nothing should leave the process.
type noopExporter struct{}

func (noopExporter) ExportSpans(context.Context, []sdktrace.ReadOnlySpan) error { return nil }
func (noopExporter) Shutdown(context.Context) error                            { return nil }
