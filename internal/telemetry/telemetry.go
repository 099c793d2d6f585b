// Package telemetry wires up the optional OpenTelemetry trace pipeline
// (SPEC_FULL §2.2): one span per task run and one child span per agent
// subprocess invocation, exported via OTLP/HTTP when telemetry.enabled is
// set. Grounded on the teacher pack's internal/otel package
// (zkoranges-go-claw), trimmed to tracing only since this system carries
// no metrics surface.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	noop "go.opentelemetry.io/otel/trace/noop"

	"github.com/jujucub/claps/internal/config"
)

// Tracer is the instrumentation scope every span in this tree is created
// under.
const Tracer = "github.com/jujucub/claps"

// Provider wraps the tracer this process uses, plus a Shutdown hook that
// flushes pending spans. When cfg.Enabled is false, Tracer is a no-op and
// Shutdown does nothing, so callers never need to branch on whether
// telemetry is on.
type Provider struct {
	Tracer   trace.Tracer
	shutdown func(context.Context) error
}

// Init builds the process-wide tracer provider from cfg and registers it
// as the global via otel.SetTracerProvider, so code that doesn't hold a
// reference to Provider can still use otel.Tracer(Tracer).
func Init(ctx context.Context, cfg config.TelemetryConfig) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{
			Tracer:   noop.NewTracerProvider().Tracer(Tracer),
			shutdown: func(context.Context) error { return nil },
		}, nil
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "claps"
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}

	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = "localhost:4318"
	}
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: build exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return &Provider{
		Tracer:   tp.Tracer(Tracer),
		shutdown: tp.Shutdown,
	}, nil
}

// Shutdown flushes and stops the tracer provider. Safe to call on a
// disabled (no-op) Provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.shutdown == nil {
		return nil
	}
	return p.shutdown(ctx)
}
