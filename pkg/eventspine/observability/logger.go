// Package observability provides structured logging, metrics, and tracing
// for the event backbone.
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

// EnrichLogger adds publish context to a logger.
// Returns a new logger with correlation_id and event_type fields.
func EnrichLogger(logger *slog.Logger, correlationID, eventType string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.String("correlation_id", correlationID),
		slog.String("event_type", eventType),
	)
}

// LogPublishStart logs the start of a publish.
func LogPublishStart(logger *slog.Logger, eventType, aggregateID, correlationID string) {
	if logger == nil {
		return
	}
	logger.Debug("publishing event",
		slog.String("event_type", eventType),
		slog.String("aggregate_id", aggregateID),
		slog.String("correlation_id", correlationID),
	)
}

// LogPublishComplete logs successful publish completion.
func LogPublishComplete(logger *slog.Logger, eventType string, durationMs float64, handlersInvoked int) {
	if logger == nil {
		return
	}
	logger.Info("event published",
		slog.String("event_type", eventType),
		slog.Float64("duration_ms", durationMs),
		slog.Int("handlers_invoked", handlersInvoked),
	)
}

// LogPublishError logs publish failure.
func LogPublishError(logger *slog.Logger, eventType string, err error, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Error("publish failed",
		slog.String("event_type", eventType),
		slog.String("error", err.Error()),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogHandlerError logs a handler failure after its retries were exhausted.
func LogHandlerError(logger *slog.Logger, handler, eventType string, err error, attempts int) {
	if logger == nil {
		return
	}
	logger.Error("handler failed",
		slog.String("handler", handler),
		slog.String("event_type", eventType),
		slog.String("error", err.Error()),
		slog.Int("attempts", attempts),
	)
}

// LogHandlerTimeout logs a handler exceeding its time budget.
// The handler goroutine is abandoned, not killed.
func LogHandlerTimeout(logger *slog.Logger, handler, eventType string, timeout time.Duration) {
	if logger == nil {
		return
	}
	logger.Warn("handler timed out",
		slog.String("handler", handler),
		slog.String("event_type", eventType),
		slog.Duration("timeout", timeout),
	)
}

// LogDeadLetter logs invocation of the dead-letter hook.
func LogDeadLetter(logger *slog.Logger, eventType string, err error) {
	if logger == nil {
		return
	}
	logger.Error("event dead-lettered",
		slog.String("event_type", eventType),
		slog.String("error", err.Error()),
	)
}

// LogStoreAppend logs a successful event store append (non-fatal to skip).
func LogStoreAppend(logger *slog.Logger, aggregateID string, sequence int64) {
	if logger == nil {
		return
	}
	logger.Debug("event stored",
		slog.String("aggregate_id", aggregateID),
		slog.Int64("sequence", sequence),
	)
}

// LogSafetyAlert logs an out-of-band safety escalation.
func LogSafetyAlert(logger *slog.Logger, eventType, aggregateID string) {
	if logger == nil {
		return
	}
	logger.Warn("safety-critical event escalated",
		slog.String("event_type", eventType),
		slog.String("aggregate_id", aggregateID),
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
