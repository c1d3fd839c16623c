// Package telemetry wires OpenTelemetry tracing and metrics for the queue.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
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

const instrumentation = "actionqueue"

type Config struct {
	Enabled     bool
	Endpoint    string
	Insecure    bool
	ServiceName string
	SampleRate  float64
}

// Provider owns the SDK providers. A disabled Provider hands out the global
// no-op tracer and meter.
type Provider struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	logger         *slog.Logger
}

func New(ctx context.Context, cfg Config) (*Provider, error) {
	p := &Provider{logger: slog.Default().With("component", "telemetry")}
	if !cfg.Enabled {
		return p, nil
	}
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	traceOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	metricOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
		metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
	}
	traceExp, err := otlptracegrpc.New(ctx, traceOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}
	var sampler sdktrace.Sampler
	switch {
	case cfg.SampleRate >= 1:
		sampler = sdktrace.AlwaysSample()
	case cfg.SampleRate <= 0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(cfg.SampleRate)
	}
	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	metricExp, err := otlpmetricgrpc.New(ctx, metricOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}
	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp, sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetMeterProvider(p.meterProvider)
	p.logger.InfoContext(ctx, "telemetry initialized", "endpoint", cfg.Endpoint, "sample_rate", cfg.SampleRate)
	return p, nil
}

func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown trace provider", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown metric provider", "error", err)
		}
	}
	return nil
}

func (p *Provider) Tracer() trace.Tracer { return otel.Tracer(instrumentation) }

func (p *Provider) MeterProvider() metric.MeterProvider { return otel.GetMeterProvider() }

// Metrics holds the queue's instruments. A nil *Metrics records nothing.
type Metrics struct {
	meter       metric.Meter
	transitions metric.Int64Counter
	dispatches  metric.Int64Counter
	dispatchDur metric.Float64Histogram
	reranks     metric.Int64Counter
	discarded   metric.Int64Counter
	intake      metric.Int64Counter
	verifies    metric.Int64Counter
	problems    metric.Int64Counter
}

func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := &Metrics{meter: mp.Meter(instrumentation)}
	var err error
	if m.transitions, err = m.meter.Int64Counter("actionqueue.transitions",
		metric.WithDescription("Approval state machine transitions committed"),
		metric.WithUnit("{transition}")); err != nil {
		return nil, err
	}
	if m.dispatches, err = m.meter.Int64Counter("actionqueue.dispatches",
		metric.WithDescription("Dispatch attempts by outcome"),
		metric.WithUnit("{dispatch}")); err != nil {
		return nil, err
	}
	if m.dispatchDur, err = m.meter.Float64Histogram("actionqueue.dispatch.duration",
		metric.WithDescription("External collaborator call duration"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.reranks, err = m.meter.Int64Counter("actionqueue.rerank.scored",
		metric.WithDescription("Scores written by rerank passes"),
		metric.WithUnit("{action}")); err != nil {
		return nil, err
	}
	if m.discarded, err = m.meter.Int64Counter("actionqueue.rerank.discarded",
		metric.WithDescription("Stale scores discarded at write time"),
		metric.WithUnit("{action}")); err != nil {
		return nil, err
	}
	if m.intake, err = m.meter.Int64Counter("actionqueue.intake.messages",
		metric.WithDescription("Stream proposals consumed by outcome"),
		metric.WithUnit("{message}")); err != nil {
		return nil, err
	}
	if m.verifies, err = m.meter.Int64Counter("actionqueue.ledger.verifications",
		metric.WithDescription("Ledger verification runs by outcome"),
		metric.WithUnit("{run}")); err != nil {
		return nil, err
	}
	if m.problems, err = m.meter.Int64Counter("actionqueue.ledger.integrity_problems",
		metric.WithDescription("Integrity problems found by ledger verification"),
		metric.WithUnit("{problem}")); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) Transition(ctx context.Context, event string) {
	if m == nil {
		return
	}
	m.transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("event", event)))
}

func (m *Metrics) Dispatch(ctx context.Context, kind, status string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("kind", kind), attribute.String("status", status))
	m.dispatches.Add(ctx, 1, attrs)
	m.dispatchDur.Record(ctx, d.Seconds(), attrs)
}

func (m *Metrics) Rerank(ctx context.Context, version string, updated, discarded int) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("version", version))
	m.reranks.Add(ctx, int64(updated), attrs)
	m.discarded.Add(ctx, int64(discarded), attrs)
}

func (m *Metrics) Intake(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.intake.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// Verification counts one ledger verification run. outcome is valid,
// violation or error.
func (m *Metrics) Verification(ctx context.Context, outcome string, problems int) {
	if m == nil {
		return
	}
	m.verifies.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	if problems > 0 {
		m.problems.Add(ctx, int64(problems))
	}
}

// ObserveStaleness registers a gauge reporting the age of the last rerank.
// fn returns false when no rerank has completed yet.
func (m *Metrics) ObserveStaleness(fn func(ctx context.Context) (time.Duration, bool)) error {
	if m == nil {
		return nil
	}
	_, err := m.meter.Float64ObservableGauge("actionqueue.ranking.staleness",
		metric.WithDescription("Seconds since the last successful rerank"),
		metric.WithUnit("s"),
		metric.WithFloat64Callback(func(ctx context.Context, o metric.Float64Observer) error {
			age, ok := fn(ctx)
			if ok {
				o.Observe(age.Seconds())
			}
			return nil
		}))
	return err
}
