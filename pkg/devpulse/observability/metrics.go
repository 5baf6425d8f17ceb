package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsRecorder records pipeline metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordPublish records one publish attempt and whether it passed validation.
	RecordPublish(ctx context.Context, category string, valid bool)

	// RecordEnqueue records events admitted to a queue.
	RecordEnqueue(ctx context.Context, queue string, count int)

	// RecordEviction records events evicted on overflow.
	RecordEviction(ctx context.Context, queue string, count int)

	// RecordBatch records a drained batch with its handler duration.
	RecordBatch(ctx context.Context, queue string, size int, duration time.Duration)

	// RecordRetry records a retry attempt, or a permanent failure when
	// exhausted is true.
	RecordRetry(ctx context.Context, queue string, exhausted bool)
}

// otelMetrics implements MetricsRecorder using OpenTelemetry.
type otelMetrics struct {
	published    metric.Int64Counter
	enqueued     metric.Int64Counter
	evicted      metric.Int64Counter
	batches      metric.Int64Counter
	batchSize    metric.Int64Histogram
	batchLatency metric.Float64Histogram
	retries      metric.Int64Counter
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

// getDefaultMetrics returns the default OTel metrics instance.
// Lazily initializes the metrics on first call.
func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics()
	})
	return defaultMetrics, defaultMetricsErr
}

// newOtelMetrics creates a new OTel metrics instance.
func newOtelMetrics() (*otelMetrics, error) {
	meter := otel.Meter("devpulse")

	published, err := meter.Int64Counter("devpulse.events.published",
		metric.WithDescription("Number of publish attempts"),
	)
	if err != nil {
		return nil, err
	}

	enqueued, err := meter.Int64Counter("devpulse.queue.enqueued",
		metric.WithDescription("Number of events admitted to queues"),
	)
	if err != nil {
		return nil, err
	}

	evicted, err := meter.Int64Counter("devpulse.queue.evicted",
		metric.WithDescription("Number of events evicted on overflow"),
	)
	if err != nil {
		return nil, err
	}

	batches, err := meter.Int64Counter("devpulse.queue.batches",
		metric.WithDescription("Number of drained processing batches"),
	)
	if err != nil {
		return nil, err
	}

	batchSize, err := meter.Int64Histogram("devpulse.queue.batch_size",
		metric.WithDescription("Number of events per drained batch"),
	)
	if err != nil {
		return nil, err
	}

	batchLatency, err := meter.Float64Histogram("devpulse.queue.batch_latency_ms",
		metric.WithDescription("Batch handler latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	retries, err := meter.Int64Counter("devpulse.queue.retries",
		metric.WithDescription("Number of retry attempts and exhaustions"),
	)
	if err != nil {
		return nil, err
	}

	return &otelMetrics{
		published:    published,
		enqueued:     enqueued,
		evicted:      evicted,
		batches:      batches,
		batchSize:    batchSize,
		batchLatency: batchLatency,
		retries:      retries,
	}, nil
}

// NewMetricsRecorder returns a MetricsRecorder that uses OpenTelemetry.
// If metrics initialization fails, returns a no-op recorder.
//
// The recorder uses the global OTel meter provider. Configure the provider
// before calling this function:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetMeterProvider(yourProvider)
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

// RecordPublish records one publish attempt.
func (m *otelMetrics) RecordPublish(ctx context.Context, category string, valid bool) {
	m.published.Add(ctx, 1, metric.WithAttributes(
		attribute.String("category", category),
		attribute.Bool("valid", valid),
	))
}

// RecordEnqueue records admitted events.
func (m *otelMetrics) RecordEnqueue(ctx context.Context, queue string, count int) {
	m.enqueued.Add(ctx, int64(count), metric.WithAttributes(
		attribute.String("queue", queue),
	))
}

// RecordEviction records evicted events.
func (m *otelMetrics) RecordEviction(ctx context.Context, queue string, count int) {
	m.evicted.Add(ctx, int64(count), metric.WithAttributes(
		attribute.String("queue", queue),
	))
}

// RecordBatch records a drained batch.
func (m *otelMetrics) RecordBatch(ctx context.Context, queue string, size int, duration time.Duration) {
	attrs := []attribute.KeyValue{
		attribute.String("queue", queue),
	}
	m.batches.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.batchSize.Record(ctx, int64(size), metric.WithAttributes(attrs...))
	m.batchLatency.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(attrs...))
}

// RecordRetry records a retry attempt or exhaustion.
func (m *otelMetrics) RecordRetry(ctx context.Context, queue string, exhausted bool) {
	m.retries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("queue", queue),
		attribute.Bool("exhausted", exhausted),
	))
}
