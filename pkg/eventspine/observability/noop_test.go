package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNoopMetricsDoesNothing(t *testing.T) {
	var m MetricsRecorder = NoopMetrics{}

	assert.NotPanics(t, func() {
		m.RecordPublish(context.Background(), "vitals.recorded", 10*time.Millisecond, nil)
		m.RecordPublish(context.Background(), "", 0, errors.New("x"))
		m.RecordHandler(context.Background(), "h", time.Millisecond, errors.New("x"), true)
		m.RecordRetry(context.Background(), "vitals.recorded")
		m.RecordStoreAppend(context.Background(), "patient")
	})
}

func TestNoopSpanManagerDoesNothing(t *testing.T) {
	var sm SpanManager = NoopSpanManager{}

	assert.NotPanics(t, func() {
		ctx, span := sm.StartPublishSpan(context.Background(), "vitals.recorded", "corr-1")
		assert.NotNil(t, ctx)
		sm.EndSpanWithError(span, errors.New("x"))

		ctx, span = sm.StartHandlerSpan(context.Background(), "projector")
		assert.NotNil(t, ctx)
		sm.EndSpanWithError(span, nil)

		sm.AddSpanEvent(context.Background(), "noop")
	})
}
