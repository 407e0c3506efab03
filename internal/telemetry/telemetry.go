// Package telemetry wires OpenTelemetry through the pipeline: traces
// and metrics for storage calls plus domain instruments for ingest,
// sync, and queue depth. Everything is off unless SV_OTEL_ENABLED=true,
// in which case exporters are picked from the environment:
//
//	SV_OTEL_STDOUT=true                       pretty-print to stderr (dev)
//	OTEL_EXPORTER_OTLP_ENDPOINT=host:4317     OTLP over gRPC
//	OTEL_EXPORTER_OTLP_METRICS_ENDPOINT=...   metrics-only override
//	OTEL_SERVICE_NAME=...                     service name override
//
// Enabled with nothing configured falls back to stdout so a worker
// started with just the enable flag still shows its spans.
package telemetry

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/sdk/resource"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const instrumentationScope = "github.com/sempervigil/sempervigil"

// Export intervals. Metrics flush slower than the stdout reader because
// OTLP backends aggregate server-side anyway.
const (
	stdoutMetricInterval = 15 * time.Second
	otlpMetricInterval   = 30 * time.Second
)

var shutdownFns []func(context.Context) error

// Enabled reports whether telemetry is active for this process.
func Enabled() bool {
	return os.Getenv("SV_OTEL_ENABLED") == "true"
}

// Init installs the global tracer and meter providers. Disabled
// processes get no-op providers and pay nothing; callers never need to
// guard instrument calls behind Enabled.
func Init(ctx context.Context, serviceName, version string) error {
	if !Enabled() {
		otel.SetTracerProvider(tracenoop.NewTracerProvider())
		otel.SetMeterProvider(metricnoop.NewMeterProvider())
		return nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(version),
		),
		resource.WithHost(),
		resource.WithProcess(),
	)
	if err != nil {
		return fmt.Errorf("telemetry: resource: %w", err)
	}

	sinks := sinksFromEnv()

	tp, err := newTraceProvider(ctx, res, sinks)
	if err != nil {
		return fmt.Errorf("telemetry: traces: %w", err)
	}
	otel.SetTracerProvider(tp)
	shutdownFns = append(shutdownFns, tp.Shutdown)

	mp, err := newMeterProvider(ctx, res, sinks)
	if err != nil {
		return fmt.Errorf("telemetry: metrics: %w", err)
	}
	otel.SetMeterProvider(mp)
	shutdownFns = append(shutdownFns, mp.Shutdown)

	return nil
}

// exportSinks is the resolved exporter selection for one process.
type exportSinks struct {
	stdout          bool
	traceEndpoint   string
	metricsEndpoint string
}

func sinksFromEnv() exportSinks {
	s := exportSinks{
		stdout:        os.Getenv("SV_OTEL_STDOUT") == "true",
		traceEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}
	s.metricsEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT")
	if s.metricsEndpoint == "" {
		s.metricsEndpoint = s.traceEndpoint
	}
	// Enabled but nothing to export to: stdout keeps spans visible.
	if !s.stdout && s.traceEndpoint == "" {
		s.stdout = true
	}
	return s
}

func newTraceProvider(ctx context.Context, res *resource.Resource, sinks exportSinks) (*sdktrace.TracerProvider, error) {
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	}
	if sinks.stdout {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, err
		}
		opts = append(opts, sdktrace.WithBatcher(exp))
	}
	if sinks.traceEndpoint != "" {
		exp, err := otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(sinks.traceEndpoint),
			otlptracegrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("otlp trace exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exp))
	}
	return sdktrace.NewTracerProvider(opts...), nil
}

func newMeterProvider(ctx context.Context, res *resource.Resource, sinks exportSinks) (*sdkmetric.MeterProvider, error) {
	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	if sinks.stdout {
		exp, err := stdoutmetric.New()
		if err != nil {
			return nil, err
		}
		opts = append(opts, sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(stdoutMetricInterval)),
		))
	}
	if sinks.metricsEndpoint != "" {
		exp, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(sinks.metricsEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("otlp metric exporter: %w", err)
		}
		opts = append(opts, sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(otlpMetricInterval)),
		))
	}
	return sdkmetric.NewMeterProvider(opts...), nil
}

// Tracer returns a tracer under name, defaulting to the module scope.
func Tracer(name string) trace.Tracer {
	if name == "" {
		name = instrumentationScope
	}
	return otel.Tracer(name)
}

// Meter returns a meter under name, defaulting to the module scope.
func Meter(name string) metric.Meter {
	if name == "" {
		name = instrumentationScope
	}
	return otel.Meter(name)
}

// Shutdown flushes and stops every provider Init installed. Deferred by
// the worker with a short deadline so a hung collector cannot wedge
// process exit.
func Shutdown(ctx context.Context) {
	for _, fn := range shutdownFns {
		_ = fn(ctx)
	}
	shutdownFns = nil
}
