// Package registry manages named event handlers and their bus
// subscriptions as a unit, so an application can wire and unwind whole
// handler sets by name.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/careloop/eventspine/pkg/eventspine/bus"
	eserrors "github.com/careloop/eventspine/pkg/eventspine/errors"
	"github.com/careloop/eventspine/pkg/eventspine/event"
)

// Handler is a named event handler declaring its own subscriptions.
type Handler interface {
	// Name identifies the handler; it must be unique within a registry.
	Name() string

	// EventTypes lists the types this handler subscribes to.
	// event.Wildcard subscribes to all types.
	EventTypes() []string

	// Priority orders execution relative to other handlers; lower
	// runs earlier.
	Priority() int

	// Async marks the handler fire-and-forget.
	Async() bool

	// RetryPolicy overrides the bus default; nil keeps the default.
	RetryPolicy() *eserrors.RetryConfig

	Handle(ctx context.Context, evt *event.DomainEvent) error
}

// entry records a registered handler and its live subscription IDs.
type entry struct {
	handler Handler
	subIDs  []string
}

// Registry binds handlers to a bus by name.
type Registry struct {
	bus *bus.Bus

	mu      sync.RWMutex
	entries map[string]*entry
}

// New creates a registry bound to the given bus.
func New(b *bus.Bus) *Registry {
	return &Registry{
		bus:     b,
		entries: make(map[string]*entry),
	}
}

// Register subscribes the handler to every type it declares. It fails
// if the name is already registered or no event types are declared.
func (r *Registry) Register(h Handler) error {
	name := h.Name()
	types := h.EventTypes()
	if name == "" {
		return fmt.Errorf("register handler: empty name")
	}
	if len(types) == 0 {
		return fmt.Errorf("register handler %q: no event types", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[name]; exists {
		return fmt.Errorf("register handler %q: already registered", name)
	}

	opts := []bus.SubscribeOption{
		bus.WithName(name),
		bus.WithPriority(h.Priority()),
	}
	if h.Async() {
		opts = append(opts, bus.AsAsync())
	}
	if policy := h.RetryPolicy(); policy != nil {
		opts = append(opts, bus.WithRetry(*policy))
	}

	ids := r.bus.SubscribeMany(types, h.Handle, opts...)
	r.entries[name] = &entry{handler: h, subIDs: ids}
	return nil
}

// RegisterAll registers every handler, stopping at the first failure.
// Handlers registered before the failure stay registered.
func (r *Registry) RegisterAll(handlers ...Handler) error {
	for _, h := range handlers {
		if err := r.Register(h); err != nil {
			return err
		}
	}
	return nil
}

// Unregister removes the named handler's subscriptions. Returns false
// if the name is unknown.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[name]
	if !ok {
		return false
	}
	for _, id := range e.subIDs {
		r.bus.Unsubscribe(id)
	}
	delete(r.entries, name)
	return true
}

// UnregisterAll removes every registered handler's subscriptions.
func (r *Registry) UnregisterAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for name, e := range r.entries {
		for _, id := range e.subIDs {
			r.bus.Unsubscribe(id)
		}
		delete(r.entries, name)
	}
}

// ByName returns the registered handler with the given name.
func (r *Registry) ByName(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[name]
	if !ok {
		return nil, false
	}
	return e.handler, true
}

// ForEventType returns registered handlers that would receive the given
// type, wildcard subscribers included, sorted by priority then name.
func (r *Registry) ForEventType(eventType string) []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Handler
	for _, e := range r.entries {
		for _, et := range e.handler.EventTypes() {
			if et == eventType || et == event.Wildcard {
				out = append(out, e.handler)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority() != out[j].Priority() {
			return out[i].Priority() < out[j].Priority()
		}
		return out[i].Name() < out[j].Name()
	})
	return out
}

// Names returns the registered handler names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered handlers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
