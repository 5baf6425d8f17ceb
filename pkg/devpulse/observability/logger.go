// Package observability provides structured logging, metrics, and tracing
// for the devpulse event pipeline.
//
// Features:
//   - Structured logging via slog (Go stdlib)
//   - Metrics via OpenTelemetry
//   - Tracing via OpenTelemetry
//
// All features are opt-in and have no-op implementations when disabled.
package observability

import (
	"log/slog"
	"time"
)

// LogPublish logs a successfully published event.
func LogPublish(logger *slog.Logger, eventID, eventType string, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Debug("event published",
		slog.String("event_id", eventID),
		slog.String("event_type", eventType),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogValidationFailure logs a dropped event with its validation errors.
func LogValidationFailure(logger *slog.Logger, eventID string, errs []string) {
	if logger == nil {
		return
	}
	logger.Debug("event dropped by validation",
		slog.String("event_id", eventID),
		slog.Any("errors", errs),
	)
}

// LogOverflow logs forced eviction on a bounded queue.
func LogOverflow(logger *slog.Logger, queue string, evicted int) {
	if logger == nil {
		return
	}
	logger.Warn("queue overflow",
		slog.String("queue", queue),
		slog.Int("evicted", evicted),
	)
}

// LogBatch logs a drained processing batch.
func LogBatch(logger *slog.Logger, queue string, size int, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Debug("batch processed",
		slog.String("queue", queue),
		slog.Int("size", size),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogHandlerError logs a batch handler failure.
func LogHandlerError(logger *slog.Logger, queue string, size int, err error) {
	if logger == nil {
		return
	}
	logger.Error("batch handler failed",
		slog.String("queue", queue),
		slog.Int("size", size),
		slog.String("error", err.Error()),
	)
}

// LogUnhandledBatch logs a batch drained from a queue with no processor.
func LogUnhandledBatch(logger *slog.Logger, queue string, size int) {
	if logger == nil {
		return
	}
	logger.Warn("batch drained with no registered processor",
		slog.String("queue", queue),
		slog.Int("size", size),
	)
}

// LogRetry logs a scheduled retry re-insertion.
func LogRetry(logger *slog.Logger, queue, eventID string, attempt int, delay time.Duration) {
	if logger == nil {
		return
	}
	logger.Debug("event retry scheduled",
		slog.String("queue", queue),
		slog.String("event_id", eventID),
		slog.Int("attempt", attempt),
		slog.Duration("delay", delay),
	)
}

// LogRetryExhausted logs a permanently failed event.
func LogRetryExhausted(logger *slog.Logger, queue, eventID string, attempts int) {
	if logger == nil {
		return
	}
	logger.Error("event retries exhausted",
		slog.String("queue", queue),
		slog.String("event_id", eventID),
		slog.Int("attempts", attempts),
	)
}

// LogShutdown logs component shutdown.
func LogShutdown(logger *slog.Logger, component string, drained int) {
	if logger == nil {
		return
	}
	logger.Info("shutdown complete",
		slog.String("component", component),
		slog.Int("drained", drained),
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
