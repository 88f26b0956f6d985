// Package bus routes published events through the behavior pipeline,
// persists them, and dispatches them to subscribed handlers with bounded
// concurrency, timeouts, and retries.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/careloop/eventspine/pkg/eventspine/audit"
	eserrors "github.com/careloop/eventspine/pkg/eventspine/errors"
	"github.com/careloop/eventspine/pkg/eventspine/event"
	"github.com/careloop/eventspine/pkg/eventspine/observability"
	"github.com/careloop/eventspine/pkg/eventspine/pipeline"
	"github.com/careloop/eventspine/pkg/eventspine/store"
)

// HandlerStatus is the outcome of one synchronous handler invocation.
type HandlerStatus string

const (
	StatusSuccess HandlerStatus = "success"
	StatusFailure HandlerStatus = "failure"
	StatusTimeout HandlerStatus = "timeout"
)

// HandlerResult reports one synchronous handler invocation.
type HandlerResult struct {
	SubscriptionID string
	Handler        string
	Status         HandlerStatus
	Attempts       int
	Duration       time.Duration
	Err            error
}

// DispatchResult reports one publish. Asynchronous handler outcomes are
// not included: they are only observable via the audit log.
type DispatchResult struct {
	EventID           string
	StorageID         string
	HandlersInvoked   int
	HandlersSucceeded int
	HandlersFailed    int
	AsyncDispatched   int
	Handlers          []HandlerResult
	Duration          time.Duration
}

// subscription is one registered handler for one event type.
type subscription struct {
	id        string
	name      string
	eventType string
	priority  int
	async     bool
	retry     eserrors.RetryConfig
	handler   event.HandlerFunc
}

// SubscribeOption configures a subscription.
type SubscribeOption func(*subscription)

// WithName labels the subscription in results, logs, and audit records.
func WithName(name string) SubscribeOption {
	return func(s *subscription) { s.name = name }
}

// WithPriority orders handler execution; lower runs earlier. Default 100.
func WithPriority(p int) SubscribeOption {
	return func(s *subscription) { s.priority = p }
}

// AsAsync makes the handler fire-and-forget: publish does not wait for it
// and its failures surface only in the audit log.
func AsAsync() SubscribeOption {
	return func(s *subscription) { s.async = true }
}

// WithRetry overrides the bus's default retry policy for this handler.
func WithRetry(cfg eserrors.RetryConfig) SubscribeOption {
	return func(s *subscription) { s.retry = cfg }
}

// Bus is the in-process event bus. All of its state is owned by the
// instance; construct one explicitly rather than sharing a global.
type Bus struct {
	config  Config
	chain   *pipeline.Chain
	metrics observability.MetricsRecorder
	spans   observability.SpanManager

	mu     sync.RWMutex
	byType map[string]map[string]*subscription // event type -> sub ID -> sub
	byID   map[string]*subscription
}

// New creates a bus from the given configuration.
func New(cfg Config) *Bus {
	cfg = cfg.withDefaults()

	return &Bus{
		config:  cfg,
		chain:   pipeline.NewChain(cfg.Behaviors...),
		metrics: cfg.Metrics,
		spans:   cfg.Spans,
		byType:  make(map[string]map[string]*subscription),
		byID:    make(map[string]*subscription),
	}
}

// Subscribe registers a handler for one event type (event.Wildcard matches
// all types) and returns the subscription ID.
func (b *Bus) Subscribe(eventType string, handler event.HandlerFunc, opts ...SubscribeOption) string {
	sub := &subscription{
		id:        uuid.New().String(),
		eventType: eventType,
		priority:  100,
		retry:     b.config.DefaultRetry,
		handler:   handler,
	}
	for _, opt := range opts {
		opt(sub)
	}
	if sub.name == "" {
		sub.name = "handler-" + sub.id[:8]
	}

	b.mu.Lock()
	if b.byType[eventType] == nil {
		b.byType[eventType] = make(map[string]*subscription)
	}
	b.byType[eventType][sub.id] = sub
	b.byID[sub.id] = sub
	b.mu.Unlock()

	if b.config.Audit != nil {
		b.config.Audit.Log(audit.Entry{
			EventType: eventType,
			Action:    audit.ActionSubscribe,
			Resource:  "handler/" + sub.name,
			Outcome:   audit.OutcomeSuccess,
		})
	}

	return sub.id
}

// SubscribeMany registers one handler for several event types.
func (b *Bus) SubscribeMany(eventTypes []string, handler event.HandlerFunc, opts ...SubscribeOption) []string {
	ids := make([]string, 0, len(eventTypes))
	for _, et := range eventTypes {
		ids = append(ids, b.Subscribe(et, handler, opts...))
	}
	return ids
}

// Unsubscribe removes a subscription. Returns false if the ID is unknown.
func (b *Bus) Unsubscribe(id string) bool {
	b.mu.Lock()
	sub, ok := b.byID[id]
	if ok {
		delete(b.byID, id)
		if typeSubs := b.byType[sub.eventType]; typeSubs != nil {
			delete(typeSubs, id)
			if len(typeSubs) == 0 {
				delete(b.byType, sub.eventType)
			}
		}
	}
	b.mu.Unlock()
	return ok
}

// ClearAll removes every subscription.
func (b *Bus) ClearAll() {
	b.mu.Lock()
	b.byType = make(map[string]map[string]*subscription)
	b.byID = make(map[string]*subscription)
	b.mu.Unlock()
}

// HandlerCount returns how many handlers would receive an event of the
// given type, wildcard subscriptions included.
func (b *Bus) HandlerCount(eventType string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	count := len(b.byType[eventType])
	if eventType != event.Wildcard {
		count += len(b.byType[event.Wildcard])
	}
	return count
}

// HasHandlers reports whether any handler would receive the given type.
func (b *Bus) HasHandlers(eventType string) bool {
	return b.HandlerCount(eventType) > 0
}

// RegisteredEventTypes returns the event types with at least one
// subscription, the wildcard included if subscribed.
func (b *Bus) RegisteredEventTypes() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	types := make([]string, 0, len(b.byType))
	for et := range b.byType {
		types = append(types, et)
	}
	sort.Strings(types)
	return types
}

// Publish runs the pipeline and dispatches the event. It returns an error
// on pipeline failure, or when at least one synchronous handler was
// invoked and every one of them failed. Zero subscribers is a success.
func (b *Bus) Publish(ctx context.Context, evt *event.DomainEvent) error {
	result, err := b.PublishWithResult(ctx, evt)
	if err != nil {
		return err
	}

	if result.HandlersInvoked > 0 && result.HandlersSucceeded == 0 {
		msgs := make([]string, 0, len(result.Handlers))
		for _, hr := range result.Handlers {
			if hr.Err != nil {
				msgs = append(msgs, fmt.Sprintf("%s: %v", hr.Handler, hr.Err))
			}
		}
		return fmt.Errorf("all %d handlers failed for %s: %s",
			result.HandlersInvoked, evt.EventType, strings.Join(msgs, "; "))
	}
	return nil
}

// PublishWithResult runs the pipeline and dispatches the event. Handler
// failures never surface as an error here, only in the result counts; the
// returned error is non-nil only for pipeline-level failures.
func (b *Bus) PublishWithResult(ctx context.Context, evt *event.DomainEvent) (*DispatchResult, error) {
	pctx := pipeline.NewContext(evt)
	result := &DispatchResult{EventID: evt.EventID}

	ctx, span := b.spans.StartPublishSpan(ctx, evt.EventType, evt.Metadata.CorrelationID)

	err := b.chain.Run(ctx, pctx, evt, func(ctx context.Context) error {
		if b.config.Persistence && b.config.Store != nil {
			if persistErr := b.persist(ctx, evt, result); persistErr != nil {
				return persistErr
			}
		}
		b.dispatch(ctx, pctx, evt, result)
		return nil
	})

	result.Duration = time.Since(pctx.StartTime)
	pctx.RecordDuration(result.Duration)
	b.spans.EndSpanWithError(span, err)

	if err != nil {
		observability.LogDeadLetter(b.config.Logger, evt.EventType, err)
		if b.config.DeadLetter != nil {
			b.config.DeadLetter(evt, err)
		}
		return nil, err
	}
	return result, nil
}

// persist appends the event to the store. Store failures propagate up
// through the pipeline; append to a shredded aggregate is permanent and
// will not be retried by the Retry behavior.
func (b *Bus) persist(ctx context.Context, evt *event.DomainEvent, result *DispatchResult) error {
	se, err := b.config.Store.Append(ctx, evt)
	if err != nil {
		if errors.Is(err, store.ErrAggregateShredded) {
			return eserrors.Permanent(err, "append event")
		}
		return fmt.Errorf("append event: %w", err)
	}

	result.StorageID = se.StorageID
	observability.LogStoreAppend(b.config.Logger, evt.AggregateID, se.Sequence)
	b.metrics.RecordStoreAppend(ctx, string(evt.AggregateType))

	if b.config.Audit != nil {
		b.config.Audit.Log(audit.Entry{
			EventType:     evt.EventType,
			EventID:       evt.EventID,
			ActorID:       evt.Metadata.ActorID,
			SubjectID:     evt.Metadata.SubjectID,
			Action:        audit.ActionStore,
			Resource:      "aggregate/" + evt.AggregateID,
			Outcome:       audit.OutcomeSuccess,
			CorrelationID: evt.Metadata.CorrelationID,
		})
	}

	if b.config.SnapshotThreshold > 0 && b.config.OnSnapshotDue != nil &&
		se.Sequence%int64(b.config.SnapshotThreshold) == 0 {
		b.config.OnSnapshotDue(evt.AggregateID, se.Sequence)
	}

	return nil
}

// dispatch fans the event out to matching handlers. Synchronous handlers
// start in ascending priority order with at most MaxConcurrentHandlers in
// flight; asynchronous handlers are fire-and-forget.
func (b *Bus) dispatch(ctx context.Context, pctx *pipeline.Context, evt *event.DomainEvent, result *DispatchResult) {
	subs := b.matching(evt.EventType)

	var syncSubs, asyncSubs []*subscription
	for _, sub := range subs {
		if sub.async {
			asyncSubs = append(asyncSubs, sub)
		} else {
			syncSubs = append(syncSubs, sub)
		}
	}

	for _, sub := range asyncSubs {
		go b.runAsync(context.WithoutCancel(ctx), sub, evt)
	}
	result.AsyncDispatched = len(asyncSubs)

	if len(syncSubs) > 0 {
		results := make([]HandlerResult, len(syncSubs))
		sem := make(chan struct{}, b.config.MaxConcurrentHandlers)
		var wg sync.WaitGroup

		// Acquiring in the publish goroutine keeps start order aligned
		// with priority while capping in-flight handlers.
		for i, sub := range syncSubs {
			sem <- struct{}{}
			wg.Add(1)
			go func(i int, sub *subscription) {
				defer wg.Done()
				defer func() { <-sem }()
				results[i] = b.invoke(ctx, pctx, sub, evt)
			}(i, sub)
		}
		wg.Wait()

		result.Handlers = results
		for _, hr := range results {
			if hr.Status == StatusSuccess {
				result.HandlersSucceeded++
			} else {
				result.HandlersFailed++
			}
		}
	}

	result.HandlersInvoked = len(syncSubs)
	pctx.RecordHandlers(result.HandlersInvoked, result.HandlersFailed)
}

// matching returns exact-type plus wildcard subscriptions, sorted
// ascending by priority. Ties are broken by subscription ID to keep
// dispatch order deterministic across map iterations.
func (b *Bus) matching(eventType string) []*subscription {
	b.mu.RLock()
	subs := make([]*subscription, 0, len(b.byType[eventType])+len(b.byType[event.Wildcard]))
	for _, sub := range b.byType[eventType] {
		subs = append(subs, sub)
	}
	if eventType != event.Wildcard {
		for _, sub := range b.byType[event.Wildcard] {
			subs = append(subs, sub)
		}
	}
	b.mu.RUnlock()

	sort.SliceStable(subs, func(i, j int) bool {
		if subs[i].priority != subs[j].priority {
			return subs[i].priority < subs[j].priority
		}
		return subs[i].id < subs[j].id
	})
	return subs
}

// invoke runs one synchronous handler with its timeout and retry policy.
func (b *Bus) invoke(ctx context.Context, pctx *pipeline.Context, sub *subscription, evt *event.DomainEvent) HandlerResult {
	start := time.Now()
	ctx, span := b.spans.StartHandlerSpan(ctx, sub.name)

	retryCfg := sub.retry
	if retryCfg.MaxAttempts <= 0 {
		retryCfg = b.config.DefaultRetry
	}

	res := eserrors.WithRetryContext(ctx, retryCfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, b.callWithTimeout(ctx, sub, evt)
	})

	for i := 1; i < res.Attempts; i++ {
		pctx.RecordRetry()
		b.metrics.RecordRetry(ctx, evt.EventType)
	}

	hr := HandlerResult{
		SubscriptionID: sub.id,
		Handler:        sub.name,
		Status:         StatusSuccess,
		Attempts:       res.Attempts,
		Duration:       time.Since(start),
	}

	timedOut := false
	if res.Err != nil {
		hr.Err = res.Err
		if eserrors.Categorize(res.Err) == eserrors.CategoryTimeout {
			hr.Status = StatusTimeout
			timedOut = true
			observability.LogHandlerTimeout(b.config.Logger, sub.name, evt.EventType, b.config.HandlerTimeout)
		} else {
			hr.Status = StatusFailure
			observability.LogHandlerError(b.config.Logger, sub.name, evt.EventType, res.Err, res.Attempts)
		}

		if b.config.Audit != nil {
			b.config.Audit.Log(audit.Entry{
				EventType:     evt.EventType,
				EventID:       evt.EventID,
				Action:        audit.ActionHandle,
				Resource:      "handler/" + sub.name,
				Outcome:       audit.OutcomeFailure,
				CorrelationID: evt.Metadata.CorrelationID,
				Details:       map[string]string{"error": res.Err.Error()},
			})
		}
	}

	b.metrics.RecordHandler(ctx, sub.name, hr.Duration, hr.Err, timedOut)
	b.spans.EndSpanWithError(span, hr.Err)
	return hr
}

// runAsync executes a fire-and-forget handler. Its outcome is reported
// only to the audit log, never to the publisher.
func (b *Bus) runAsync(ctx context.Context, sub *subscription, evt *event.DomainEvent) {
	err := b.callWithTimeout(ctx, sub, evt)

	if b.config.Audit != nil {
		outcome := audit.OutcomeSuccess
		var details map[string]string
		if err != nil {
			outcome = audit.OutcomeFailure
			details = map[string]string{"error": err.Error()}
		}
		b.config.Audit.Log(audit.Entry{
			EventType:     evt.EventType,
			EventID:       evt.EventID,
			Action:        audit.ActionHandle,
			Resource:      "handler/" + sub.name,
			Outcome:       outcome,
			CorrelationID: evt.Metadata.CorrelationID,
			Details:       details,
		})
	}

	if err != nil {
		observability.LogHandlerError(b.config.Logger, sub.name, evt.EventType, err, 1)
	}
}

// callWithTimeout races one handler call against the configured timeout.
// On expiry the call is marked failed but the handler goroutine is
// abandoned, not killed: it received a cancelled context and is expected
// to wind down on its own.
func (b *Bus) callWithTimeout(ctx context.Context, sub *subscription, evt *event.DomainEvent) error {
	if b.config.HandlerTimeout <= 0 {
		return sub.handler(ctx, evt)
	}

	ctx, cancel := context.WithTimeout(ctx, b.config.HandlerTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- sub.handler(ctx, evt)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return &eserrors.TimeoutError{
			Handler:  sub.name,
			Duration: b.config.HandlerTimeout.String(),
		}
	}
}
