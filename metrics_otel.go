package edgeplane

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelMetrics implements CacheMetrics with OpenTelemetry instruments.
type OTelMetrics struct {
	requests metric.Int64Counter
	errors   metric.Int64Counter
	latency  metric.Float64Histogram
	purged   metric.Int64Counter
	queue    metric.Int64Counter
}

var _ CacheMetrics = (*OTelMetrics)(nil)

// NewOTelMetrics registers the instruments on meter.
func NewOTelMetrics(meter metric.Meter) (*OTelMetrics, error) {
	requests, err := meter.Int64Counter(
		"edgeplane.cache.requests",
		metric.WithDescription("Edge cache requests by result and tier"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	errs, err := meter.Int64Counter(
		"edgeplane.errors",
		metric.WithDescription("Failures by operation"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	latency, err := meter.Float64Histogram(
		"edgeplane.operation.duration_ms",
		metric.WithDescription("Operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	purged, err := meter.Int64Counter(
		"edgeplane.cache.purged_objects",
		metric.WithDescription("Objects removed by purges"),
		metric.WithUnit("{object}"),
	)
	if err != nil {
		return nil, err
	}

	queue, err := meter.Int64Counter(
		"edgeplane.queue.items",
		metric.WithDescription("Queue items by outcome"),
		metric.WithUnit("{item}"),
	)
	if err != nil {
		return nil, err
	}

	return &OTelMetrics{
		requests: requests,
		errors:   errs,
		latency:  latency,
		purged:   purged,
		queue:    queue,
	}, nil
}

func (m *OTelMetrics) RecordHit(tier string) {
	m.requests.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("result", "hit"),
		attribute.String("tier", tier),
	))
}

func (m *OTelMetrics) RecordMiss() {
	m.requests.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("result", "miss"),
		attribute.String("tier", "origin"),
	))
}

func (m *OTelMetrics) RecordBypass() {
	m.requests.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("result", "bypass"),
		attribute.String("tier", "origin"),
	))
}

func (m *OTelMetrics) RecordError(operation string, err error) {
	m.errors.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("kind", KindOf(err).String()),
	))
}

func (m *OTelMetrics) RecordLatency(operation string, d time.Duration) {
	m.latency.Record(context.Background(), float64(d.Microseconds())/1000,
		metric.WithAttributes(attribute.String("operation", operation)))
}

func (m *OTelMetrics) RecordPurge(kind string, objects int) {
	m.purged.Add(context.Background(), int64(objects),
		metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *OTelMetrics) RecordQueue(outcome string, n int) {
	m.queue.Add(context.Background(), int64(n),
		metric.WithAttributes(attribute.String("outcome", outcome)))
}
