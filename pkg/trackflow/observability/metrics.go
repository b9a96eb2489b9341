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
	// RecordEnqueued counts an envelope accepted by the queue.
	RecordEnqueued(ctx context.Context, callType string)

	// RecordResolved counts an envelope reaching a terminal state.
	RecordResolved(ctx context.Context, state, reason string)

	// RecordDelivery records one transport call and its result
	// (success, retryable, permanent).
	RecordDelivery(ctx context.Context, result string, duration time.Duration, size int)

	// RecordRetry counts a scheduled batch retry.
	RecordRetry(ctx context.Context)
}

// otelMetrics implements MetricsRecorder using OpenTelemetry.
type otelMetrics struct {
	enqueued   metric.Int64Counter
	resolved   metric.Int64Counter
	deliveries metric.Int64Counter
	latency    metric.Float64Histogram
	batchSize  metric.Int64Histogram
	retries    metric.Int64Counter
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
		defaultMetrics, defaultMetricsErr = newOtelMetrics(otel.GetMeterProvider())
	})
	return defaultMetrics, defaultMetricsErr
}

func newOtelMetrics(provider metric.MeterProvider) (*otelMetrics, error) {
	meter := provider.Meter("trackflow")

	enqueued, err := meter.Int64Counter("trackflow.events.enqueued",
		metric.WithDescription("Number of envelopes accepted by the queue"),
	)
	if err != nil {
		return nil, err
	}

	resolved, err := meter.Int64Counter("trackflow.events.resolved",
		metric.WithDescription("Number of envelopes that reached a terminal state"),
	)
	if err != nil {
		return nil, err
	}

	deliveries, err := meter.Int64Counter("trackflow.batch.deliveries",
		metric.WithDescription("Number of batch transport calls"),
	)
	if err != nil {
		return nil, err
	}

	latency, err := meter.Float64Histogram("trackflow.batch.latency_ms",
		metric.WithDescription("Batch transport latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	batchSize, err := meter.Int64Histogram("trackflow.batch.size",
		metric.WithDescription("Envelopes per delivered batch"),
	)
	if err != nil {
		return nil, err
	}

	retries, err := meter.Int64Counter("trackflow.batch.retries",
		metric.WithDescription("Number of scheduled batch retries"),
	)
	if err != nil {
		return nil, err
	}

	return &otelMetrics{
		enqueued:   enqueued,
		resolved:   resolved,
		deliveries: deliveries,
		latency:    latency,
		batchSize:  batchSize,
		retries:    retries,
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

// NewMetricsRecorderWithProvider returns a recorder bound to provider
// instead of the global one.
func NewMetricsRecorderWithProvider(provider metric.MeterProvider) (MetricsRecorder, error) {
	return newOtelMetrics(provider)
}

// RecordEnqueued counts an accepted envelope.
func (m *otelMetrics) RecordEnqueued(ctx context.Context, callType string) {
	m.enqueued.Add(ctx, 1, metric.WithAttributes(attribute.String("type", callType)))
}

// RecordResolved counts a terminal envelope.
func (m *otelMetrics) RecordResolved(ctx context.Context, state, reason string) {
	m.resolved.Add(ctx, 1, metric.WithAttributes(
		attribute.String("state", state),
		attribute.String("reason", reason),
	))
}

// RecordDelivery records one transport call.
func (m *otelMetrics) RecordDelivery(ctx context.Context, result string, duration time.Duration, size int) {
	attrs := metric.WithAttributes(attribute.String("result", result))
	m.deliveries.Add(ctx, 1, attrs)
	m.latency.Record(ctx, float64(duration.Milliseconds()), attrs)
	m.batchSize.Record(ctx, int64(size))
}

// RecordRetry counts a scheduled retry.
func (m *otelMetrics) RecordRetry(ctx context.Context) {
	m.retries.Add(ctx, 1)
}
