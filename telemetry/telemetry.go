package telemetry

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	oteltrace "go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

type Options struct {
	Dev      bool
	Endpoint string
}

type Telemetry struct {
	tp *trace.TracerProvider
	mp *metric.MeterProvider

	meter  otelmetric.Meter
	tracer oteltrace.Tracer

	jobs  otelmetric.Int64Counter
	steps otelmetric.Int64Counter

	serviceName    string
	serviceVersion string
}

func NewTelemetry(ctx context.Context, serviceName, serviceVersion string, opts Options) (*Telemetry, error) {
	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(serviceVersion),
	)

	tp, err := NewTracerProvider(ctx, res, opts)
	if err != nil {
		return nil, err
	}

	mp, err := NewMeterProvider(ctx, res, opts)
	if err != nil {
		return nil, err
	}

	t := &Telemetry{
		tp: tp,
		mp: mp,

		meter:  mp.Meter(serviceName),
		tracer: tp.Tracer(serviceName),

		serviceName:    serviceName,
		serviceVersion: serviceVersion,
	}
	if err := t.instruments(); err != nil {
		return nil, err
	}
	return t, nil
}

// Noop records nothing. It is what the engine uses unless telemetry is
// configured.
func Noop() *Telemetry {
	t := &Telemetry{
		meter:       metricnoop.NewMeterProvider().Meter("spindle"),
		tracer:      tracenoop.NewTracerProvider().Tracer("spindle"),
		serviceName: "spindle",
	}
	// noop instruments never fail
	_ = t.instruments()
	return t
}

func (t *Telemetry) instruments() error {
	var err error
	t.jobs, err = t.meter.Int64Counter(
		"spindle.jobs",
		otelmetric.WithDescription("Number of finished jobs, by status."),
		otelmetric.WithUnit("{job}"),
	)
	if err != nil {
		return fmt.Errorf("creating job counter: %w", err)
	}

	t.steps, err = t.meter.Int64Counter(
		"spindle.steps",
		otelmetric.WithDescription("Number of finished steps, by status."),
		otelmetric.WithUnit("{step}"),
	)
	if err != nil {
		return fmt.Errorf("creating step counter: %w", err)
	}
	return nil
}

func (t *Telemetry) Meter() otelmetric.Meter {
	return t.meter
}

func (t *Telemetry) Tracer() oteltrace.Tracer {
	return t.tracer
}

func (t *Telemetry) TraceStart(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, oteltrace.Span) {
	return t.tracer.Start(ctx, name, oteltrace.WithAttributes(attrs...))
}

func (t *Telemetry) JobFinished(ctx context.Context, workflow, status string) {
	t.jobs.Add(ctx, 1, otelmetric.WithAttributes(
		attribute.String("workflow", workflow),
		attribute.String("status", status),
	))
}

func (t *Telemetry) StepFinished(ctx context.Context, workflow, status string) {
	t.steps.Add(ctx, 1, otelmetric.WithAttributes(
		attribute.String("workflow", workflow),
		attribute.String("status", status),
	))
}

// Shutdown flushes pending spans and metrics.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	if t.tp != nil {
		errs = append(errs, t.tp.Shutdown(ctx))
	}
	if t.mp != nil {
		errs = append(errs, t.mp.Shutdown(ctx))
	}
	return errors.Join(errs...)
}
