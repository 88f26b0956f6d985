package bus

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/careloop/eventspine/pkg/eventspine/audit"
	"github.com/careloop/eventspine/pkg/eventspine/config"
	eserrors "github.com/careloop/eventspine/pkg/eventspine/errors"
	"github.com/careloop/eventspine/pkg/eventspine/event"
	"github.com/careloop/eventspine/pkg/eventspine/pipeline"
	"github.com/careloop/eventspine/pkg/eventspine/store"
)

// fastRetry keeps retry tests quick.
var fastRetry = eserrors.RetryConfig{
	MaxAttempts:    3,
	InitialBackoff: time.Millisecond,
	MaxBackoff:     5 * time.Millisecond,
	BackoffFactor:  2.0,
}

func testEvent(eventType string) *event.DomainEvent {
	return event.New(eventType, "patient-1", event.AggregatePatient, map[string]any{"k": "v"},
		event.WithActor("clinician-9"),
	)
}

func okHandler(counter *atomic.Int64) event.HandlerFunc {
	return func(ctx context.Context, evt *event.DomainEvent) error {
		counter.Add(1)
		return nil
	}
}

func TestPublishRunsHandlersInPriorityOrder(t *testing.T) {
	b := New(Config{DefaultRetry: eserrors.NoRetry, MaxConcurrentHandlers: 1})

	var mu sync.Mutex
	var order []string
	record := func(name string) event.HandlerFunc {
		return func(ctx context.Context, evt *event.DomainEvent) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}

	b.Subscribe("vitals.recorded", record("late"), WithName("late"), WithPriority(150))
	b.Subscribe("vitals.recorded", record("early"), WithName("early"), WithPriority(50))
	b.Subscribe("vitals.recorded", record("default"), WithName("default"))

	if err := b.Publish(context.Background(), testEvent("vitals.recorded")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	want := []string{"early", "default", "late"}
	if len(order) != len(want) {
		t.Fatalf("got %d handler runs, want %d", len(order), len(want))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("position %d: got %s, want %s", i, order[i], want[i])
		}
	}
}

func TestPublishRetriesTransientHandlerFailures(t *testing.T) {
	b := New(Config{DefaultRetry: fastRetry})

	var calls atomic.Int64
	b.Subscribe("session.started", func(ctx context.Context, evt *event.DomainEvent) error {
		if calls.Add(1) < 3 {
			return errors.New("flaky downstream")
		}
		return nil
	}, WithName("flaky"))

	result, err := b.PublishWithResult(context.Background(), testEvent("session.started"))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("handler invoked %d times, want 3", got)
	}
	if result.Handlers[0].Attempts != 3 {
		t.Errorf("attempts = %d, want 3", result.Handlers[0].Attempts)
	}
	if result.HandlersSucceeded != 1 || result.HandlersFailed != 0 {
		t.Errorf("succeeded=%d failed=%d, want 1/0", result.HandlersSucceeded, result.HandlersFailed)
	}
}

func TestPublishRetryStopsAtMaxAttempts(t *testing.T) {
	b := New(Config{DefaultRetry: fastRetry})

	var calls atomic.Int64
	b.Subscribe("session.started", func(ctx context.Context, evt *event.DomainEvent) error {
		calls.Add(1)
		return errors.New("still broken")
	}, WithName("broken"))

	err := b.Publish(context.Background(), testEvent("session.started"))
	if err == nil {
		t.Fatal("expected error when the only handler keeps failing")
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("handler invoked %d times, want exactly 3", got)
	}
}

func TestPublishFailsOnlyWhenAllSyncHandlersFail(t *testing.T) {
	b := New(Config{DefaultRetry: eserrors.NoRetry})

	fail := func(ctx context.Context, evt *event.DomainEvent) error {
		return errors.New("boom")
	}
	var okCalls atomic.Int64

	b.Subscribe("device.paired", fail, WithName("fail-a"))
	b.Subscribe("device.paired", fail, WithName("fail-b"))

	err := b.Publish(context.Background(), testEvent("device.paired"))
	if err == nil {
		t.Fatal("expected error when every handler fails")
	}
	if !strings.Contains(err.Error(), "all 2 handlers failed") {
		t.Errorf("unexpected error: %v", err)
	}

	// One success flips the outcome to partial, which is not an error.
	b.Subscribe("device.paired", okHandler(&okCalls), WithName("ok"))
	if err := b.Publish(context.Background(), testEvent("device.paired")); err != nil {
		t.Fatalf("partial failure should not error: %v", err)
	}

	result, err := b.PublishWithResult(context.Background(), testEvent("device.paired"))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if result.HandlersFailed != 2 || result.HandlersSucceeded != 1 {
		t.Errorf("failed=%d succeeded=%d, want 2/1", result.HandlersFailed, result.HandlersSucceeded)
	}
}

func TestPublishWithNoHandlersSucceeds(t *testing.T) {
	b := New(Config{})

	result, err := b.PublishWithResult(context.Background(), testEvent("nobody.cares"))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if result.HandlersInvoked != 0 {
		t.Errorf("handlers invoked = %d, want 0", result.HandlersInvoked)
	}
	if err := b.Publish(context.Background(), testEvent("nobody.cares")); err != nil {
		t.Errorf("zero-subscriber publish should succeed: %v", err)
	}
}

func TestDispatchBoundsConcurrentHandlers(t *testing.T) {
	b := New(Config{DefaultRetry: eserrors.NoRetry, MaxConcurrentHandlers: 2})

	var inFlight, peak, total atomic.Int64
	slow := func(ctx context.Context, evt *event.DomainEvent) error {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		inFlight.Add(-1)
		total.Add(1)
		return nil
	}

	for i := 0; i < 5; i++ {
		b.Subscribe("model.scored", slow)
	}

	if err := b.Publish(context.Background(), testEvent("model.scored")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if got := total.Load(); got != 5 {
		t.Errorf("completed %d handlers, want 5", got)
	}
	if p := peak.Load(); p > 2 {
		t.Errorf("peak concurrency %d exceeds bound 2", p)
	}
}

func TestWildcardSubscriptionReceivesAllTypes(t *testing.T) {
	b := New(Config{DefaultRetry: eserrors.NoRetry})

	var wildcard, exact atomic.Int64
	b.Subscribe(event.Wildcard, okHandler(&wildcard), WithName("all-events"))
	b.Subscribe("vitals.recorded", okHandler(&exact), WithName("just-vitals"))

	for _, et := range []string{"vitals.recorded", "session.started", "device.paired"} {
		if err := b.Publish(context.Background(), testEvent(et)); err != nil {
			t.Fatalf("publish %s: %v", et, err)
		}
	}

	if got := wildcard.Load(); got != 3 {
		t.Errorf("wildcard handler ran %d times, want 3", got)
	}
	if got := exact.Load(); got != 1 {
		t.Errorf("exact handler ran %d times, want 1", got)
	}
}

func TestHandlerTimeoutAbandonsSlowHandler(t *testing.T) {
	b := New(Config{
		DefaultRetry:   eserrors.NoRetry,
		HandlerTimeout: 20 * time.Millisecond,
	})

	released := make(chan struct{})
	b.Subscribe("session.started", func(ctx context.Context, evt *event.DomainEvent) error {
		<-released
		return nil
	}, WithName("stuck"))

	start := time.Now()
	result, err := b.PublishWithResult(context.Background(), testEvent("session.started"))
	close(released)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("publish blocked %v despite 20ms handler timeout", elapsed)
	}
	if result.Handlers[0].Status != StatusTimeout {
		t.Errorf("status = %s, want %s", result.Handlers[0].Status, StatusTimeout)
	}
	if result.HandlersFailed != 1 {
		t.Errorf("handlers failed = %d, want 1", result.HandlersFailed)
	}
}

func TestDeadLetterFiresOnPipelineFailureOnly(t *testing.T) {
	var deadLettered atomic.Int64
	var lastErr error
	var handled atomic.Int64

	b := New(Config{
		DefaultRetry: eserrors.NoRetry,
		Behaviors:    []pipeline.Behavior{&pipeline.Validation{}},
		DeadLetter: func(evt *event.DomainEvent, err error) {
			deadLettered.Add(1)
			lastErr = err
		},
	})
	b.Subscribe(event.Wildcard, okHandler(&handled))

	// Invalid event: rejected by validation, handlers never run.
	bad := testEvent("vitals.recorded")
	bad.AggregateID = ""
	if _, err := b.PublishWithResult(context.Background(), bad); err == nil {
		t.Fatal("expected validation failure")
	}
	if got := deadLettered.Load(); got != 1 {
		t.Fatalf("dead letter fired %d times, want 1", got)
	}
	var verr *eserrors.ValidationError
	if !errors.As(lastErr, &verr) {
		t.Errorf("dead letter error = %v, want ValidationError", lastErr)
	}
	if handled.Load() != 0 {
		t.Error("handlers ran for a rejected event")
	}

	// Handler failure is not a pipeline failure; no dead letter.
	b.Subscribe("session.started", func(ctx context.Context, evt *event.DomainEvent) error {
		return errors.New("handler broke")
	})
	if _, err := b.PublishWithResult(context.Background(), testEvent("session.started")); err != nil {
		t.Fatalf("handler failure should not fail PublishWithResult: %v", err)
	}
	if got := deadLettered.Load(); got != 1 {
		t.Errorf("dead letter fired %d times after handler failure, want still 1", got)
	}
}

func TestAsyncHandlerFailureVisibleOnlyInAudit(t *testing.T) {
	log := audit.NewMemoryLog(0)
	b := New(Config{DefaultRetry: eserrors.NoRetry, Audit: log})

	done := make(chan struct{})
	var once sync.Once
	b.Subscribe("session.started", func(ctx context.Context, evt *event.DomainEvent) error {
		once.Do(func() { close(done) })
		return errors.New("async boom")
	}, WithName("background-indexer"), AsAsync())

	result, err := b.PublishWithResult(context.Background(), testEvent("session.started"))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if result.AsyncDispatched != 1 {
		t.Errorf("async dispatched = %d, want 1", result.AsyncDispatched)
	}
	if result.HandlersInvoked != 0 || result.HandlersFailed != 0 {
		t.Errorf("async handler leaked into sync counts: %+v", result)
	}
	if err := b.Publish(context.Background(), testEvent("session.started")); err != nil {
		t.Errorf("async failure must not fail publish: %v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("async handler never ran")
	}

	// The audit record lands after the handler returns; poll briefly.
	var entries []audit.Entry
	for i := 0; i < 100 && len(entries) == 0; i++ {
		entries = log.Query(audit.Filter{Action: audit.ActionHandle, Outcome: audit.OutcomeFailure})
		time.Sleep(5 * time.Millisecond)
	}
	if len(entries) == 0 {
		t.Fatal("async failure missing from audit log")
	}
	if entries[0].Resource != "handler/background-indexer" {
		t.Errorf("audit resource = %q", entries[0].Resource)
	}
}

func TestPublishPersistsBeforeDispatch(t *testing.T) {
	st := store.NewMemoryStore()
	b := New(Config{
		DefaultRetry: eserrors.NoRetry,
		Persistence:  true,
		Store:        st,
	})

	var storedAtHandleTime atomic.Int64
	b.Subscribe("vitals.recorded", func(ctx context.Context, evt *event.DomainEvent) error {
		n, err := st.EventCount(ctx, evt.AggregateID)
		if err != nil {
			return err
		}
		storedAtHandleTime.Store(n)
		return nil
	})

	result, err := b.PublishWithResult(context.Background(), testEvent("vitals.recorded"))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if result.StorageID == "" {
		t.Error("result missing storage ID")
	}
	if got := storedAtHandleTime.Load(); got != 1 {
		t.Errorf("handler saw %d stored events, want 1 (persist must precede dispatch)", got)
	}
}

func TestPublishToShreddedAggregateIsNotRetried(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	if _, err := st.Append(ctx, testEvent("vitals.recorded")); err != nil {
		t.Fatalf("seed append: %v", err)
	}
	if _, err := st.CryptoShred(ctx, "patient-1"); err != nil {
		t.Fatalf("shred: %v", err)
	}

	var terminalRuns atomic.Int64
	counter := behaviorFunc{
		name:     "terminal-counter",
		priority: 95, // inside the retry behavior
		fn: func(ctx context.Context, pctx *pipeline.Context, evt *event.DomainEvent, next pipeline.Next) error {
			terminalRuns.Add(1)
			return next(ctx)
		},
	}

	b := New(Config{
		Persistence: true,
		Store:       st,
		Behaviors:   []pipeline.Behavior{&pipeline.Retry{Config: fastRetry}, counter},
	})

	_, err := b.PublishWithResult(ctx, testEvent("vitals.recorded"))
	if !errors.Is(err, store.ErrAggregateShredded) {
		t.Fatalf("err = %v, want ErrAggregateShredded", err)
	}
	if eserrors.Categorize(err) != eserrors.CategoryPermanent {
		t.Errorf("shredded append categorized as %s, want permanent", eserrors.Categorize(err))
	}
	if got := terminalRuns.Load(); got != 1 {
		t.Errorf("terminal ran %d times, want 1 (permanent errors must not be retried)", got)
	}
}

// behaviorFunc adapts a function into a pipeline.Behavior for tests.
type behaviorFunc struct {
	name     string
	priority int
	fn       func(context.Context, *pipeline.Context, *event.DomainEvent, pipeline.Next) error
}

func (b behaviorFunc) Name() string  { return b.name }
func (b behaviorFunc) Priority() int { return b.priority }
func (b behaviorFunc) Execute(ctx context.Context, pctx *pipeline.Context, evt *event.DomainEvent, next pipeline.Next) error {
	return b.fn(ctx, pctx, evt, next)
}

func TestSubscriptionIntrospection(t *testing.T) {
	b := New(Config{})
	var n atomic.Int64

	id := b.Subscribe("vitals.recorded", okHandler(&n))
	b.Subscribe(event.Wildcard, okHandler(&n))

	if got := b.HandlerCount("vitals.recorded"); got != 2 {
		t.Errorf("HandlerCount = %d, want 2 (exact + wildcard)", got)
	}
	if got := b.HandlerCount("session.started"); got != 1 {
		t.Errorf("HandlerCount for wildcard-only type = %d, want 1", got)
	}
	if !b.HasHandlers("anything.at.all") {
		t.Error("wildcard subscription should make HasHandlers true for any type")
	}

	types := b.RegisteredEventTypes()
	if len(types) != 2 || types[0] != event.Wildcard || types[1] != "vitals.recorded" {
		t.Errorf("RegisteredEventTypes = %v", types)
	}

	if !b.Unsubscribe(id) {
		t.Error("Unsubscribe returned false for live subscription")
	}
	if b.Unsubscribe(id) {
		t.Error("Unsubscribe returned true for removed subscription")
	}
	if got := b.HandlerCount("vitals.recorded"); got != 1 {
		t.Errorf("HandlerCount after unsubscribe = %d, want 1", got)
	}

	b.ClearAll()
	if b.HasHandlers("vitals.recorded") {
		t.Error("handlers remain after ClearAll")
	}
}

func TestSnapshotDueCallback(t *testing.T) {
	var dueAggregate string
	var dueVersion int64
	var calls atomic.Int64

	b := New(Config{
		Persistence:       true,
		SnapshotThreshold: 2,
		OnSnapshotDue: func(aggregateID string, version int64) {
			calls.Add(1)
			dueAggregate = aggregateID
			dueVersion = version
		},
	})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := b.Publish(ctx, testEvent("vitals.recorded")); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	if got := calls.Load(); got != 1 {
		t.Fatalf("snapshot callback fired %d times over 3 events with threshold 2, want 1", got)
	}
	if dueAggregate != "patient-1" || dueVersion != 2 {
		t.Errorf("callback got (%s, %d), want (patient-1, 2)", dueAggregate, dueVersion)
	}
}

func TestConfigFromMap(t *testing.T) {
	cfg := ConfigFromMap(config.New(map[string]any{
		"persistence_enabled":     true,
		"audit_enabled":           true,
		"max_concurrent_handlers": 8,
		"handler_timeout":         "5s",
		"snapshot_threshold":      100,
		"retry_max_attempts":      5,
		"retry_initial_backoff":   "50ms",
	}))

	if !cfg.Persistence {
		t.Error("persistence not enabled")
	}
	if cfg.Audit == nil {
		t.Error("audit logger not constructed")
	}
	if cfg.MaxConcurrentHandlers != 8 {
		t.Errorf("MaxConcurrentHandlers = %d", cfg.MaxConcurrentHandlers)
	}
	if cfg.HandlerTimeout != 5*time.Second {
		t.Errorf("HandlerTimeout = %v", cfg.HandlerTimeout)
	}
	if cfg.SnapshotThreshold != 100 {
		t.Errorf("SnapshotThreshold = %d", cfg.SnapshotThreshold)
	}
	if cfg.DefaultRetry.MaxAttempts != 5 {
		t.Errorf("retry MaxAttempts = %d", cfg.DefaultRetry.MaxAttempts)
	}
	if cfg.DefaultRetry.InitialBackoff != 50*time.Millisecond {
		t.Errorf("retry InitialBackoff = %v", cfg.DefaultRetry.InitialBackoff)
	}
	// Unspecified keys keep their defaults.
	if cfg.DefaultRetry.BackoffFactor != eserrors.DefaultRetry.BackoffFactor {
		t.Errorf("BackoffFactor = %v", cfg.DefaultRetry.BackoffFactor)
	}
}
