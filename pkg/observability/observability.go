// Package observability provides OpenTelemetry tracing and metrics for the
// decision ledger.
//
// Every ledger operation (append, verify, replay, annotate) runs inside
// TrackOperation, which opens a span and records RED metrics (rate, errors,
// duration). A nil *Provider is valid and records nothing.
package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "loopgrid.ledger"

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string // e.g. "localhost:4317"
	SampleRate     float64
	BatchTimeout   time.Duration
	Enabled        bool
	Insecure       bool
}

// DefaultConfig returns development defaults with export disabled.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "loopgrid",
		ServiceVersion: "0.1.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        false,
		Insecure:       true,
	}
}

// Provider owns the SDK providers and the ledger's instruments.
type Provider struct {
	config *Config
	tp     *sdktrace.TracerProvider
	mp     *sdkmetric.MeterProvider
	tracer trace.Tracer
	inst   *instruments
	logger *slog.Logger
}

// instruments are the counters and histograms every tracked operation feeds.
type instruments struct {
	calls     metric.Int64Counter
	failures  metric.Int64Counter
	latency   metric.Float64Histogram
	inflight  metric.Int64UpDownCounter
	anomalies metric.Int64Counter
}

// New creates a provider exporting over OTLP/gRPC, or an inert one when disabled.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}
	p := &Provider{config: config, logger: slog.Default().With("component", "observability")}
	if !config.Enabled {
		p.logger.InfoContext(ctx, "telemetry export disabled")
		return p, nil
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(config.ServiceName),
		semconv.ServiceVersion(config.ServiceVersion),
		semconv.DeploymentEnvironment(config.Environment),
	))
	if err != nil {
		return nil, fmt.Errorf("telemetry resource: %w", err)
	}
	spans, metrics, err := exporters(ctx, config)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(spans, sdktrace.WithBatchTimeout(config.BatchTimeout)),
		sdktrace.WithSampler(sampler(config.SampleRate)),
	)
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metrics, sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	if err := p.attach(tp, mp); err != nil {
		return nil, err
	}
	p.logger.InfoContext(ctx, "telemetry export enabled",
		"endpoint", config.OTLPEndpoint,
		"environment", config.Environment,
		"sample_rate", config.SampleRate,
	)
	return p, nil
}

func exporters(ctx context.Context, config *Config) (sdktrace.SpanExporter, sdkmetric.Exporter, error) {
	traceOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(config.OTLPEndpoint)}
	metricOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(config.OTLPEndpoint)}
	if config.Insecure {
		traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
		metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
	}
	spans, err := otlptracegrpc.New(ctx, traceOpts...)
	if err != nil {
		return nil, nil, fmt.Errorf("otlp trace exporter: %w", err)
	}
	metrics, err := otlpmetricgrpc.New(ctx, metricOpts...)
	if err != nil {
		_ = spans.Shutdown(ctx)
		return nil, nil, fmt.Errorf("otlp metric exporter: %w", err)
	}
	return spans, metrics, nil
}

// NewWithProviders wires caller-owned SDK providers, e.g. in-memory ones.
func NewWithProviders(tp *sdktrace.TracerProvider, mp *sdkmetric.MeterProvider) (*Provider, error) {
	p := &Provider{config: DefaultConfig(), logger: slog.Default().With("component", "observability")}
	if err := p.attach(tp, mp); err != nil {
		return nil, err
	}
	return p, nil
}

func sampler(rate float64) sdktrace.Sampler {
	if rate >= 1 {
		return sdktrace.AlwaysSample()
	}
	if rate <= 0 {
		return sdktrace.NeverSample()
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
}

func (p *Provider) attach(tp *sdktrace.TracerProvider, mp *sdkmetric.MeterProvider) error {
	p.tp, p.mp = tp, mp
	p.tracer = tp.Tracer(instrumentationName, trace.WithInstrumentationVersion(p.config.ServiceVersion))
	inst, err := newInstruments(mp.Meter(instrumentationName, metric.WithInstrumentationVersion(p.config.ServiceVersion)))
	if err != nil {
		return fmt.Errorf("ledger instruments: %w", err)
	}
	p.inst = inst
	return nil
}

// latencyBuckets span a sub-millisecond append up to a full replay timeout.
var latencyBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30}

func newInstruments(m metric.Meter) (*instruments, error) {
	var (
		in   instruments
		errs []error
		err  error
	)
	in.calls, err = m.Int64Counter("loopgrid.operations.total",
		metric.WithDescription("Ledger operations started"), metric.WithUnit("{operation}"))
	errs = append(errs, err)
	in.failures, err = m.Int64Counter("loopgrid.errors.total",
		metric.WithDescription("Ledger operations that returned an error"), metric.WithUnit("{error}"))
	errs = append(errs, err)
	in.latency, err = m.Float64Histogram("loopgrid.operation.duration",
		metric.WithDescription("Ledger operation latency"), metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...))
	errs = append(errs, err)
	in.inflight, err = m.Int64UpDownCounter("loopgrid.operations.active",
		metric.WithDescription("Ledger operations in flight"), metric.WithUnit("{operation}"))
	errs = append(errs, err)
	in.anomalies, err = m.Int64Counter("loopgrid.integrity.anomalies",
		metric.WithDescription("Integrity anomalies found by verification"), metric.WithUnit("{anomaly}"))
	errs = append(errs, err)
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return &in, nil
}

// Shutdown flushes pending spans and metrics.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	var errs []error
	if p.tp != nil {
		errs = append(errs, p.tp.Shutdown(ctx))
	}
	if p.mp != nil {
		errs = append(errs, p.mp.Shutdown(ctx))
	}
	if err := errors.Join(errs...); err != nil {
		p.logger.WarnContext(ctx, "telemetry flush incomplete", "error", err)
	}
	return nil
}

// Tracer returns the configured tracer, or the global one.
func (p *Provider) Tracer() trace.Tracer {
	if p == nil || p.tracer == nil {
		return otel.Tracer(instrumentationName)
	}
	return p.tracer
}

// RecordAnomalies counts integrity anomalies by kind.
func (p *Provider) RecordAnomalies(ctx context.Context, kind string, n int) {
	if p == nil || p.inst == nil || n == 0 {
		return
	}
	p.inst.anomalies.Add(ctx, int64(n), metric.WithAttributes(attribute.String("anomaly.kind", kind)))
}

// TrackOperation opens a span and starts RED accounting for one operation.
// The returned function must be called with the operation's result.
func (p *Provider) TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	ctx, span := p.Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
	finishSpan := func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
	if p == nil || p.inst == nil {
		return ctx, finishSpan
	}

	start := time.Now()
	set := metric.WithAttributes(append(attrs, attribute.String("operation", name))...)
	p.inst.inflight.Add(ctx, 1, set)
	p.inst.calls.Add(ctx, 1, set)
	return ctx, func(err error) {
		p.inst.inflight.Add(ctx, -1, set)
		p.inst.latency.Record(ctx, time.Since(start).Seconds(), set)
		if err != nil {
			p.inst.failures.Add(ctx, 1, set)
		}
		finishSpan(err)
	}
}
