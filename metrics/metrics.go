package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const scope = "density"

type Metrics struct {
	tasksCreated  metric.Int64Counter
	runsStarted   metric.Int64Counter
	runsFinished  metric.Int64Counter
	activeRuns    metric.Int64UpDownCounter
	cancellations metric.Int64Counter
	runDuration   metric.Float64Histogram
}

func New(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(scope)
	m := &Metrics{}
	var err error
	if m.tasksCreated, err = meter.Int64Counter("density.tasks.created",
		metric.WithDescription("Tasks accepted")); err != nil {
		return nil, err
	}
	if m.runsStarted, err = meter.Int64Counter("density.runs.started",
		metric.WithDescription("Runs started")); err != nil {
		return nil, err
	}
	if m.runsFinished, err = meter.Int64Counter("density.runs.finished",
		metric.WithDescription("Runs ended, by outcome")); err != nil {
		return nil, err
	}
	if m.activeRuns, err = meter.Int64UpDownCounter("density.runs.active",
		metric.WithDescription("Runs in progress")); err != nil {
		return nil, err
	}
	if m.cancellations, err = meter.Int64Counter("density.cancellations",
		metric.WithDescription("Cancellation requests, by result")); err != nil {
		return nil, err
	}
	if m.runDuration, err = meter.Float64Histogram("density.run.duration",
		metric.WithDescription("Run duration"), metric.WithUnit("s")); err != nil {
		return nil, err
	}
	return m, nil
}

// Noop returns instruments that record nothing.
func Noop() *Metrics {
	m, _ := New(noop.NewMeterProvider())
	return m
}

func (m *Metrics) TaskCreated(ctx context.Context, recurring bool) {
	m.tasksCreated.Add(ctx, 1, metric.WithAttributes(attribute.Bool("recurring", recurring)))
}

func (m *Metrics) RunStarted(ctx context.Context) {
	m.runsStarted.Add(ctx, 1)
	m.activeRuns.Add(ctx, 1)
}

func (m *Metrics) RunFinished(ctx context.Context, outcome string, d time.Duration) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.runsFinished.Add(ctx, 1, attrs)
	m.activeRuns.Add(ctx, -1)
	m.runDuration.Record(ctx, d.Seconds(), attrs)
}

func (m *Metrics) Cancelled(ctx context.Context, result string) {
	m.cancellations.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// NewProvider pushes to an OTLP/HTTP collector when endpoint is set.
func NewProvider(ctx context.Context, endpoint string, interval time.Duration) (*sdkmetric.MeterProvider, error) {
	var opts []sdkmetric.Option
	if endpoint != "" {
		exp, err := otlpmetrichttp.New(ctx, otlpmetrichttp.WithEndpoint(endpoint), otlpmetrichttp.WithInsecure())
		if err != nil {
			return nil, err
		}
		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(interval))))
	}
	return sdkmetric.NewMeterProvider(opts...), nil
}
