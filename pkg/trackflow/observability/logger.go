// Package observability provides structured logging, metrics, and tracing
// for the trackflow delivery pipeline.
//
// Features:
//   - Structured logging via slog (Go stdlib)
//   - Metrics via OpenTelemetry
//   - Tracing via OpenTelemetry
//
// Metrics and tracing are opt-in and have no-op implementations when disabled.
// Every log helper accepts a nil logger.
package observability

import (
	"log/slog"
	"time"
)

// EnrichLogger adds batch context to a logger.
//
// Example:
//
//	enriched := EnrichLogger(logger, batch.ID, batch.Attempt)
//	enriched.Info("sending") // includes batch_id, attempt
func EnrichLogger(logger *slog.Logger, batchID string, attempt int) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.String("batch_id", batchID),
		slog.Int("attempt", attempt),
	)
}

// LogBatchFlushed logs a batch being cut from the pending buffer.
func LogBatchFlushed(logger *slog.Logger, batchID string, size, bytes int, trigger string) {
	if logger == nil {
		return
	}
	logger.Debug("batch flushed",
		slog.String("batch_id", batchID),
		slog.Int("size", size),
		slog.Int("bytes", bytes),
		slog.String("trigger", trigger),
	)
}

// LogEnvelopeRejected logs an envelope refused by the queue.
func LogEnvelopeRejected(logger *slog.Logger, messageID, reason string, err error) {
	if logger == nil {
		return
	}
	attrs := []any{
		slog.String("message_id", messageID),
		slog.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	logger.Warn("envelope rejected", attrs...)
}

// LogEnvelopeDropped logs an envelope discarded by the plugin pipeline.
func LogEnvelopeDropped(logger *slog.Logger, messageID, plugin string) {
	if logger == nil {
		return
	}
	logger.Debug("envelope dropped",
		slog.String("message_id", messageID),
		slog.String("plugin", plugin),
	)
}

// LogDeliveryAttempt logs the start of one transport call.
func LogDeliveryAttempt(logger *slog.Logger, batchID string, attempt, size int) {
	if logger == nil {
		return
	}
	logger.Debug("delivering batch",
		slog.String("batch_id", batchID),
		slog.Int("attempt", attempt),
		slog.Int("size", size),
	)
}

// LogDeliveryComplete logs a batch accepted by the endpoint.
func LogDeliveryComplete(logger *slog.Logger, batchID string, attempts, size, statusCode int, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Info("batch delivered",
		slog.String("batch_id", batchID),
		slog.Int("attempts", attempts),
		slog.Int("size", size),
		slog.Int("status_code", statusCode),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogDeliveryError logs a batch that reached a terminal failure.
func LogDeliveryError(logger *slog.Logger, batchID string, attempts, size int, reason string, err error) {
	if logger == nil {
		return
	}
	attrs := []any{
		slog.String("batch_id", batchID),
		slog.Int("attempts", attempts),
		slog.Int("size", size),
		slog.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	logger.Error("batch delivery failed", attrs...)
}

// LogRetryScheduled logs a retryable failure and the wait before the next try.
func LogRetryScheduled(logger *slog.Logger, batchID string, attempt int, delay time.Duration, err error) {
	if logger == nil {
		return
	}
	attrs := []any{
		slog.String("batch_id", batchID),
		slog.Int("attempt", attempt),
		slog.Float64("delay_ms", float64(delay.Milliseconds())),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	logger.Warn("batch delivery retry scheduled", attrs...)
}

// LogShutdown logs the result of a close-and-flush.
func LogShutdown(logger *slog.Logger, pending int, durationMs float64, err error) {
	if logger == nil {
		return
	}
	if err != nil {
		logger.Warn("shutdown timed out",
			slog.Int("unresolved", pending),
			slog.Float64("duration_ms", durationMs),
			slog.String("error", err.Error()),
		)
		return
	}
	logger.Info("shutdown complete",
		slog.Float64("duration_ms", durationMs),
	)
}

// TimedOperation measures the duration of an operation.
// Returns a function that, when called, returns the elapsed time in milliseconds.
func TimedOperation() func() float64 {
	start := time.Now()
	return func() float64 {
		return float64(time.Since(start).Milliseconds())
	}
}
