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

// MetricsRecorder records event backbone metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordPublish records a publish with its duration and error status.
	RecordPublish(ctx context.Context, eventType string, duration time.Duration, err error)

	// RecordHandler records one handler invocation outcome.
	RecordHandler(ctx context.Context, handler string, duration time.Duration, err error, timedOut bool)

	// RecordRetry records one retry performed during dispatch.
	RecordRetry(ctx context.Context, eventType string)

	// RecordStoreAppend records one persisted event.
	RecordStoreAppend(ctx context.Context, aggregateType string)
}

// otelMetrics implements MetricsRecorder using OpenTelemetry.
type otelMetrics struct {
	publishes       metric.Int64Counter
	publishLatency  metric.Float64Histogram
	publishErrors   metric.Int64Counter
	handlerCalls    metric.Int64Counter
	handlerLatency  metric.Float64Histogram
	handlerErrors   metric.Int64Counter
	handlerTimeouts metric.Int64Counter
	retries         metric.Int64Counter
	storeAppends    metric.Int64Counter
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
	meter := otel.Meter("eventspine")

	publishes, err := meter.Int64Counter("eventspine.publish.count",
		metric.WithDescription("Number of published events"),
	)
	if err != nil {
		return nil, err
	}

	publishLatency, err := meter.Float64Histogram("eventspine.publish.latency_ms",
		metric.WithDescription("Publish latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	publishErrors, err := meter.Int64Counter("eventspine.publish.errors",
		metric.WithDescription("Number of publish pipeline failures"),
	)
	if err != nil {
		return nil, err
	}

	handlerCalls, err := meter.Int64Counter("eventspine.handler.invocations",
		metric.WithDescription("Number of handler invocations"),
	)
	if err != nil {
		return nil, err
	}

	handlerLatency, err := meter.Float64Histogram("eventspine.handler.latency_ms",
		metric.WithDescription("Handler latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	handlerErrors, err := meter.Int64Counter("eventspine.handler.errors",
		metric.WithDescription("Number of handler failures"),
	)
	if err != nil {
		return nil, err
	}

	handlerTimeouts, err := meter.Int64Counter("eventspine.handler.timeouts",
		metric.WithDescription("Number of handler timeouts"),
	)
	if err != nil {
		return nil, err
	}

	retries, err := meter.Int64Counter("eventspine.dispatch.retries",
		metric.WithDescription("Number of dispatch retries"),
	)
	if err != nil {
		return nil, err
	}

	storeAppends, err := meter.Int64Counter("eventspine.store.appends",
		metric.WithDescription("Number of events persisted"),
	)
	if err != nil {
		return nil, err
	}

	return &otelMetrics{
		publishes:       publishes,
		publishLatency:  publishLatency,
		publishErrors:   publishErrors,
		handlerCalls:    handlerCalls,
		handlerLatency:  handlerLatency,
		handlerErrors:   handlerErrors,
		handlerTimeouts: handlerTimeouts,
		retries:         retries,
		storeAppends:    storeAppends,
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

// RecordPublish records a publish outcome.
func (m *otelMetrics) RecordPublish(ctx context.Context, eventType string, duration time.Duration, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("event_type", eventType),
	}

	m.publishes.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.publishLatency.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(attrs...))

	if err != nil {
		m.publishErrors.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordHandler records one handler invocation outcome.
func (m *otelMetrics) RecordHandler(ctx context.Context, handler string, duration time.Duration, err error, timedOut bool) {
	attrs := []attribute.KeyValue{
		attribute.String("handler", handler),
	}

	m.handlerCalls.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.handlerLatency.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(attrs...))

	if timedOut {
		m.handlerTimeouts.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	if err != nil {
		m.handlerErrors.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordRetry records one dispatch retry.
func (m *otelMetrics) RecordRetry(ctx context.Context, eventType string) {
	m.retries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
	))
}

// RecordStoreAppend records one persisted event.
func (m *otelMetrics) RecordStoreAppend(ctx context.Context, aggregateType string) {
	m.storeAppends.Add(ctx, 1, metric.WithAttributes(
		attribute.String("aggregate_type", aggregateType),
	))
}
