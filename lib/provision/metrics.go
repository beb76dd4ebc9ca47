package provision

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics provides OTel metrics for the provisioner.
type Metrics struct {
	buildDuration metric.Float64Histogram
	buildsTotal   metric.Int64Counter
	queueDepth    metric.Int64UpDownCounter
}

// NewMetrics creates a new Metrics instance.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	buildDuration, err := meter.Float64Histogram(
		"provisioner_build_duration_seconds",
		metric.WithDescription("Duration of provisioning builds in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	buildsTotal, err := meter.Int64Counter(
		"provisioner_builds_total",
		metric.WithDescription("Total number of provisioning builds"),
	)
	if err != nil {
		return nil, err
	}

	queueDepth, err := meter.Int64UpDownCounter(
		"provisioner_build_queue_depth",
		metric.WithDescription("Builds currently queued or running"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		buildDuration: buildDuration,
		buildsTotal:   buildsTotal,
		queueDepth:    queueDepth,
	}, nil
}

// RecordBuild records metrics for a completed build.
func (m *Metrics) RecordBuild(ctx context.Context, status, builder string, duration time.Duration) {
	attrs := []attribute.KeyValue{
		attribute.String("status", status),
		attribute.String("builder", builder),
	}
	m.buildDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	m.buildsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// QueueDelta adjusts the queue depth gauge.
func (m *Metrics) QueueDelta(ctx context.Context, delta int64) {
	m.queueDepth.Add(ctx, delta)
}
