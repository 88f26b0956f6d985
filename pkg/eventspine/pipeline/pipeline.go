// Package pipeline implements the middleware chain wrapping every publish.
//
// Behaviors are priority-ordered: lower priority runs earlier (outermost).
// Each behavior calls its continuation exactly once, or short-circuits by
// not calling it to abort the publish. All behaviors of one publish share a
// single Context, so metrics and flags set by an inner behavior are visible
// to an outer one after the continuation returns.
package pipeline

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/careloop/eventspine/pkg/eventspine/event"
)

// Metrics accumulates per-publish measurements.
type Metrics struct {
	Duration        time.Duration
	HandlersInvoked int
	HandlersFailed  int
	Retries         int
}

// Context is the mutable state shared by all behaviors of one publish call.
type Context struct {
	CorrelationID string
	StartTime     time.Time
	ActorID       string
	SubjectID     string
	SessionID     string

	mu     sync.Mutex
	values map[string]any
	stats  Metrics
}

// NewContext builds the per-publish context from an event's metadata.
func NewContext(evt *event.DomainEvent) *Context {
	return &Context{
		CorrelationID: evt.Metadata.CorrelationID,
		StartTime:     time.Now().UTC(),
		ActorID:       evt.Metadata.ActorID,
		SubjectID:     evt.Metadata.SubjectID,
		SessionID:     evt.Metadata.SessionID,
		values:        make(map[string]any),
	}
}

// Set stores a value for behaviors up or down the chain.
func (c *Context) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = value
}

// Get returns a value set by another behavior.
func (c *Context) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.values[key]
	return v, ok
}

// RecordHandlers notes how many handlers the dispatch step invoked and how
// many of those failed.
func (c *Context) RecordHandlers(invoked, failed int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.HandlersInvoked = invoked
	c.stats.HandlersFailed = failed
}

// RecordRetry counts one retry performed on behalf of this publish.
func (c *Context) RecordRetry() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.Retries++
}

// RecordDuration notes the total publish duration.
func (c *Context) RecordDuration(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.Duration = d
}

// Metrics returns a copy of the accumulated metrics.
func (c *Context) Metrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Next is the continuation a behavior wraps: the rest of the pipeline plus
// the terminal persist-and-dispatch step.
type Next func(ctx context.Context) error

// Behavior is one priority-ordered middleware step.
type Behavior interface {
	// Name identifies the behavior in logs and audit records.
	Name() string

	// Priority orders execution; lower runs earlier (outermost).
	Priority() int

	// Execute wraps the continuation. Not calling next aborts the publish.
	Execute(ctx context.Context, pctx *Context, evt *event.DomainEvent, next Next) error
}

// Chain is an ordered list of behaviors with an index-cursor runner.
// The continuation is threaded explicitly rather than built from nested
// closures, so the execution order is visible in one place.
type Chain struct {
	behaviors []Behavior
}

// NewChain sorts the behaviors ascending by priority. Ties keep their
// registration order.
func NewChain(behaviors ...Behavior) *Chain {
	sorted := make([]Behavior, len(behaviors))
	copy(sorted, behaviors)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority() < sorted[j].Priority()
	})
	return &Chain{behaviors: sorted}
}

// Behaviors returns the chain's behaviors in execution order.
func (c *Chain) Behaviors() []Behavior {
	out := make([]Behavior, len(c.behaviors))
	copy(out, c.behaviors)
	return out
}

// Run executes the chain around the terminal step.
func (c *Chain) Run(ctx context.Context, pctx *Context, evt *event.DomainEvent, terminal Next) error {
	return c.runFrom(ctx, 0, pctx, evt, terminal)
}

// runFrom executes behaviors [i:] and then the terminal step. The cursor i
// is the explicit continuation value.
func (c *Chain) runFrom(ctx context.Context, i int, pctx *Context, evt *event.DomainEvent, terminal Next) error {
	if i >= len(c.behaviors) {
		return terminal(ctx)
	}

	next := func(ctx context.Context) error {
		return c.runFrom(ctx, i+1, pctx, evt, terminal)
	}
	return c.behaviors[i].Execute(ctx, pctx, evt, next)
}
