package bus

import (
	"log/slog"
	"time"

	"github.com/careloop/eventspine/pkg/eventspine/audit"
	"github.com/careloop/eventspine/pkg/eventspine/config"
	eserrors "github.com/careloop/eventspine/pkg/eventspine/errors"
	"github.com/careloop/eventspine/pkg/eventspine/event"
	"github.com/careloop/eventspine/pkg/eventspine/observability"
	"github.com/careloop/eventspine/pkg/eventspine/pipeline"
	"github.com/careloop/eventspine/pkg/eventspine/store"
)

// DeadLetterFunc receives events whose pipeline failed. It is invoked
// synchronously from PublishWithResult before the error is returned.
type DeadLetterFunc func(evt *event.DomainEvent, err error)

// Config holds bus construction options. The zero value is usable:
// no persistence, no audit, no behaviors, defaults for everything else.
type Config struct {
	// Persistence enables appending every published event to Store
	// before handler dispatch. When enabled with a nil Store an
	// in-memory store is created.
	Persistence bool
	Store       store.Store

	// Audit, when non-nil, receives subscribe, store, and handler
	// records. The Audit pipeline behavior is configured separately.
	Audit audit.Logger

	// Behaviors run around persist-and-dispatch, ordered by priority.
	Behaviors []pipeline.Behavior

	// DefaultRetry applies to handlers without their own policy.
	DefaultRetry eserrors.RetryConfig

	// MaxConcurrentHandlers caps in-flight synchronous handlers per
	// publish. Defaults to 4.
	MaxConcurrentHandlers int

	// HandlerTimeout bounds each handler call. Zero disables the bound.
	HandlerTimeout time.Duration

	// DeadLetter is called when the pipeline rejects an event.
	DeadLetter DeadLetterFunc

	// SnapshotThreshold triggers OnSnapshotDue every N events per
	// aggregate. Zero disables the callback.
	SnapshotThreshold int
	OnSnapshotDue     func(aggregateID string, version int64)

	// MaxEventsPerQuery caps query page sizes when the bus constructs
	// its own in-memory store.
	MaxEventsPerQuery int

	Logger  *slog.Logger
	Metrics observability.MetricsRecorder
	Spans   observability.SpanManager
}

// DefaultConfig returns the baseline bus configuration.
func DefaultConfig() Config {
	return Config{
		DefaultRetry:          eserrors.DefaultRetry,
		MaxConcurrentHandlers: 4,
		HandlerTimeout:        30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrentHandlers <= 0 {
		c.MaxConcurrentHandlers = 4
	}
	if c.DefaultRetry.MaxAttempts <= 0 {
		c.DefaultRetry = eserrors.DefaultRetry
	}
	if c.Persistence && c.Store == nil {
		var opts []store.MemoryOption
		if c.MaxEventsPerQuery > 0 {
			opts = append(opts, store.WithMaxQueryLimit(c.MaxEventsPerQuery))
		}
		c.Store = store.NewMemoryStore(opts...)
	}
	if c.Metrics == nil {
		c.Metrics = observability.NoopMetrics{}
	}
	if c.Spans == nil {
		c.Spans = observability.NoopSpanManager{}
	}
	return c
}

// ConfigFromMap builds a bus Config from loaded configuration values.
// Recognized keys:
//
//	persistence_enabled       bool
//	audit_enabled             bool
//	audit_retention_days      int
//	max_concurrent_handlers   int
//	handler_timeout           duration
//	snapshot_threshold        int
//	max_events_per_query      int
//	retry_max_attempts        int
//	retry_initial_backoff     duration
//	retry_max_backoff         duration
//	retry_backoff_factor      float
func ConfigFromMap(c config.Config) Config {
	cfg := DefaultConfig()

	cfg.Persistence = c.Bool("persistence_enabled", false)
	cfg.MaxConcurrentHandlers = c.Int("max_concurrent_handlers", cfg.MaxConcurrentHandlers)
	cfg.HandlerTimeout = c.Duration("handler_timeout", cfg.HandlerTimeout)
	cfg.SnapshotThreshold = c.Int("snapshot_threshold", 0)
	cfg.MaxEventsPerQuery = c.Int("max_events_per_query", 0)

	if c.Bool("audit_enabled", false) {
		cfg.Audit = audit.NewMemoryLog(c.Int("audit_retention_days", audit.DefaultRetentionDays))
	}

	cfg.DefaultRetry.MaxAttempts = c.Int("retry_max_attempts", cfg.DefaultRetry.MaxAttempts)
	cfg.DefaultRetry.InitialBackoff = c.Duration("retry_initial_backoff", cfg.DefaultRetry.InitialBackoff)
	cfg.DefaultRetry.MaxBackoff = c.Duration("retry_max_backoff", cfg.DefaultRetry.MaxBackoff)
	cfg.DefaultRetry.BackoffFactor = c.Float("retry_backoff_factor", cfg.DefaultRetry.BackoffFactor)

	return cfg
}
