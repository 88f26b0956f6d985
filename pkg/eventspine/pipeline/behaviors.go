package pipeline

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/careloop/eventspine/pkg/eventspine/audit"
	eserrors "github.com/careloop/eventspine/pkg/eventspine/errors"
	"github.com/careloop/eventspine/pkg/eventspine/event"
	"github.com/careloop/eventspine/pkg/eventspine/observability"
)

// Default behavior priorities. Lower runs earlier (outermost).
const (
	PrioritySafety     = 1
	PriorityAudit      = 5
	PriorityLogging    = 10
	PriorityMetrics    = 15
	PriorityValidation = 20
	PriorityThrottle   = 25
	PriorityRetry      = 90
)

// SafetyEscalation fires an out-of-band alert for designated event types
// before the publish continues. It never blocks or aborts the publish: a
// safety-critical event must still reach its handlers.
type SafetyEscalation struct {
	// CriticalTypes is the set of event types that trigger the alert.
	CriticalTypes map[string]bool

	// Alert is the out-of-band notification hook.
	Alert func(ctx context.Context, evt *event.DomainEvent)

	Logger *slog.Logger
}

func (b *SafetyEscalation) Name() string  { return "safety_escalation" }
func (b *SafetyEscalation) Priority() int { return PrioritySafety }

func (b *SafetyEscalation) Execute(ctx context.Context, pctx *Context, evt *event.DomainEvent, next Next) error {
	if b.CriticalTypes[evt.EventType] {
		observability.LogSafetyAlert(b.Logger, evt.EventType, evt.AggregateID)
		pctx.Set("safety_escalated", true)
		if b.Alert != nil {
			b.Alert(ctx, evt)
		}
	}
	return next(ctx)
}

// Audit records every publish attempt in the compliance log: success,
// partial (some handlers failed), or failure (the pipeline itself failed).
type Audit struct {
	Log audit.Logger
}

func (b *Audit) Name() string  { return "audit" }
func (b *Audit) Priority() int { return PriorityAudit }

func (b *Audit) Execute(ctx context.Context, pctx *Context, evt *event.DomainEvent, next Next) error {
	err := next(ctx)

	if b.Log != nil {
		stats := pctx.Metrics()
		outcome := audit.OutcomeSuccess
		details := map[string]string{}
		switch {
		case err != nil:
			outcome = audit.OutcomeFailure
			details["error"] = err.Error()
		case stats.HandlersFailed > 0:
			outcome = audit.OutcomePartial
		}

		b.Log.Log(audit.Entry{
			EventType:     evt.EventType,
			EventID:       evt.EventID,
			ActorID:       pctx.ActorID,
			SubjectID:     pctx.SubjectID,
			SessionID:     pctx.SessionID,
			Action:        audit.ActionPublish,
			Resource:      "event/" + evt.EventType,
			Outcome:       outcome,
			CorrelationID: pctx.CorrelationID,
			Details:       details,
		})
	}

	return err
}

// Logging writes structured start/complete/error records for each publish.
type Logging struct {
	Logger *slog.Logger
}

func (b *Logging) Name() string  { return "logging" }
func (b *Logging) Priority() int { return PriorityLogging }

func (b *Logging) Execute(ctx context.Context, pctx *Context, evt *event.DomainEvent, next Next) error {
	observability.LogPublishStart(b.Logger, evt.EventType, evt.AggregateID, pctx.CorrelationID)
	done := observability.TimedOperation()

	err := next(ctx)

	if err != nil {
		observability.LogPublishError(b.Logger, evt.EventType, err, done())
		return err
	}
	observability.LogPublishComplete(b.Logger, evt.EventType, done(), pctx.Metrics().HandlersInvoked)
	return nil
}

// Metrics records publish counters and latency, and stamps the total
// duration into the shared pipeline context for outer behaviors.
type MetricsBehavior struct {
	Recorder observability.MetricsRecorder
}

func (b *MetricsBehavior) Name() string  { return "metrics" }
func (b *MetricsBehavior) Priority() int { return PriorityMetrics }

func (b *MetricsBehavior) Execute(ctx context.Context, pctx *Context, evt *event.DomainEvent, next Next) error {
	start := time.Now()
	err := next(ctx)
	elapsed := time.Since(start)

	pctx.RecordDuration(elapsed)
	if b.Recorder != nil {
		b.Recorder.RecordPublish(ctx, evt.EventType, elapsed, err)
	}
	return err
}

// Validation rejects events missing required envelope fields before any
// handler runs. It short-circuits: an invalid event never reaches the
// store or the handlers.
type Validation struct{}

func (b *Validation) Name() string  { return "validation" }
func (b *Validation) Priority() int { return PriorityValidation }

func (b *Validation) Execute(ctx context.Context, pctx *Context, evt *event.DomainEvent, next Next) error {
	if err := validate(evt); err != nil {
		return err
	}
	return next(ctx)
}

func validate(evt *event.DomainEvent) error {
	switch {
	case evt.EventID == "":
		return &eserrors.ValidationError{Field: "eventId", Message: "required"}
	case evt.EventType == "":
		return &eserrors.ValidationError{Field: "eventType", Message: "required"}
	case evt.AggregateID == "":
		return &eserrors.ValidationError{Field: "aggregateId", Message: "required"}
	case !evt.AggregateType.Valid():
		return &eserrors.ValidationError{Field: "aggregateType", Message: "unknown aggregate type"}
	case evt.Metadata.CorrelationID == "":
		return &eserrors.ValidationError{Field: "metadata.correlationId", Message: "required"}
	case evt.Metadata.Source == "":
		return &eserrors.ValidationError{Field: "metadata.source", Message: "required"}
	}
	return nil
}

// Throttle applies a per-actor sliding-window rate limit. Exceeding the
// limit short-circuits the publish with a RateLimitError.
type Throttle struct {
	// Limit is the maximum number of publishes per actor per window.
	Limit int

	// Window is the sliding window duration.
	Window time.Duration

	mu      sync.Mutex
	history map[string][]time.Time
}

// NewThrottle creates a throttling behavior. limit <= 0 disables it.
func NewThrottle(limit int, window time.Duration) *Throttle {
	return &Throttle{
		Limit:   limit,
		Window:  window,
		history: make(map[string][]time.Time),
	}
}

func (b *Throttle) Name() string  { return "throttle" }
func (b *Throttle) Priority() int { return PriorityThrottle }

func (b *Throttle) Execute(ctx context.Context, pctx *Context, evt *event.DomainEvent, next Next) error {
	if b.Limit <= 0 {
		return next(ctx)
	}

	actor := evt.Metadata.ActorID
	if actor == "" {
		actor = "anonymous"
	}

	if !b.allow(actor) {
		return &eserrors.RateLimitError{ActorID: actor, Limit: b.Limit}
	}
	return next(ctx)
}

// allow prunes the actor's window and records the new publish if it fits.
func (b *Throttle) allow(actor string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-b.Window)

	recent := b.history[actor][:0]
	for _, ts := range b.history[actor] {
		if ts.After(cutoff) {
			recent = append(recent, ts)
		}
	}

	if len(recent) >= b.Limit {
		b.history[actor] = recent
		return false
	}

	b.history[actor] = append(recent, now)
	return true
}

// Retry re-runs the remainder of the pipeline on transient or whitelisted
// errors with exponential backoff. It sits innermost (high priority value)
// so outer behaviors observe only the final outcome.
type Retry struct {
	// Config controls attempts and backoff. Zero value means DefaultRetry.
	Config eserrors.RetryConfig

	// Whitelist lists additional error-message substrings to retry on,
	// beyond errors categorized as transient.
	Whitelist []string
}

func (b *Retry) Name() string  { return "retry" }
func (b *Retry) Priority() int { return PriorityRetry }

func (b *Retry) Execute(ctx context.Context, pctx *Context, evt *event.DomainEvent, next Next) error {
	cfg := b.Config
	if cfg.MaxAttempts <= 0 {
		cfg = eserrors.DefaultRetry
	}
	cfg.RetryableFunc = b.retryable

	attempts := 0
	result := eserrors.WithRetryContext(ctx, cfg, func(ctx context.Context) (struct{}, error) {
		attempts++
		if attempts > 1 {
			pctx.RecordRetry()
		}
		return struct{}{}, next(ctx)
	})
	return result.Err
}

func (b *Retry) retryable(err error) bool {
	if eserrors.IsRetryable(err) {
		return true
	}
	for _, name := range b.Whitelist {
		if strings.Contains(err.Error(), name) {
			return true
		}
	}
	return false
}
