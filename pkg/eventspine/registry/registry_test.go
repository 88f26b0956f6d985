package registry

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/careloop/eventspine/pkg/eventspine/bus"
	eserrors "github.com/careloop/eventspine/pkg/eventspine/errors"
	"github.com/careloop/eventspine/pkg/eventspine/event"
)

// stubHandler is a configurable Handler for tests.
type stubHandler struct {
	name     string
	types    []string
	priority int
	async    bool
	retry    *eserrors.RetryConfig
	calls    atomic.Int64
}

func (h *stubHandler) Name() string                       { return h.name }
func (h *stubHandler) EventTypes() []string               { return h.types }
func (h *stubHandler) Priority() int                      { return h.priority }
func (h *stubHandler) Async() bool                        { return h.async }
func (h *stubHandler) RetryPolicy() *eserrors.RetryConfig { return h.retry }
func (h *stubHandler) Handle(ctx context.Context, evt *event.DomainEvent) error {
	h.calls.Add(1)
	return nil
}

func testEvent(eventType string) *event.DomainEvent {
	return event.New(eventType, "patient-1", event.AggregatePatient, nil)
}

func TestRegisterSubscribesAllDeclaredTypes(t *testing.T) {
	b := bus.New(bus.Config{DefaultRetry: eserrors.NoRetry})
	r := New(b)

	h := &stubHandler{
		name:     "vitals-projector",
		types:    []string{"vitals.recorded", "vitals.corrected"},
		priority: 50,
	}
	if err := r.Register(h); err != nil {
		t.Fatalf("register: %v", err)
	}

	for _, et := range h.types {
		if !b.HasHandlers(et) {
			t.Errorf("no subscription for %s", et)
		}
	}

	ctx := context.Background()
	if err := b.Publish(ctx, testEvent("vitals.recorded")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := b.Publish(ctx, testEvent("vitals.corrected")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if got := h.calls.Load(); got != 2 {
		t.Errorf("handler ran %d times, want 2", got)
	}
}

func TestRegisterRejectsDuplicatesAndInvalid(t *testing.T) {
	r := New(bus.New(bus.Config{}))

	h := &stubHandler{name: "audit-sink", types: []string{event.Wildcard}}
	if err := r.Register(h); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register(h); err == nil {
		t.Error("duplicate name accepted")
	}
	if err := r.Register(&stubHandler{name: "", types: []string{"x"}}); err == nil {
		t.Error("empty name accepted")
	}
	if err := r.Register(&stubHandler{name: "no-types"}); err == nil {
		t.Error("handler without event types accepted")
	}
	if r.Len() != 1 {
		t.Errorf("Len = %d, want 1", r.Len())
	}
}

func TestUnregisterRemovesSubscriptions(t *testing.T) {
	b := bus.New(bus.Config{DefaultRetry: eserrors.NoRetry})
	r := New(b)

	h := &stubHandler{name: "session-tracker", types: []string{"session.started", "session.ended"}}
	if err := r.Register(h); err != nil {
		t.Fatalf("register: %v", err)
	}

	if !r.Unregister("session-tracker") {
		t.Fatal("Unregister returned false")
	}
	if r.Unregister("session-tracker") {
		t.Error("second Unregister returned true")
	}
	if b.HasHandlers("session.started") || b.HasHandlers("session.ended") {
		t.Error("subscriptions survive unregister")
	}

	if err := b.Publish(context.Background(), testEvent("session.started")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if h.calls.Load() != 0 {
		t.Error("unregistered handler still invoked")
	}
}

func TestUnregisterAllAndRegisterAll(t *testing.T) {
	b := bus.New(bus.Config{})
	r := New(b)

	err := r.RegisterAll(
		&stubHandler{name: "a", types: []string{"t.1"}},
		&stubHandler{name: "b", types: []string{"t.2"}},
	)
	if err != nil {
		t.Fatalf("register all: %v", err)
	}
	if got := r.Names(); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("Names = %v", got)
	}

	// A failing registration leaves earlier ones in place.
	err = r.RegisterAll(
		&stubHandler{name: "c", types: []string{"t.3"}},
		&stubHandler{name: "a", types: []string{"t.1"}},
	)
	if err == nil {
		t.Fatal("duplicate in RegisterAll accepted")
	}
	if r.Len() != 3 {
		t.Errorf("Len = %d, want 3", r.Len())
	}

	r.UnregisterAll()
	if r.Len() != 0 {
		t.Errorf("Len after UnregisterAll = %d", r.Len())
	}
	if b.HasHandlers("t.1") || b.HasHandlers("t.2") || b.HasHandlers("t.3") {
		t.Error("bus subscriptions survive UnregisterAll")
	}
}

func TestForEventTypeOrdersByPriority(t *testing.T) {
	r := New(bus.New(bus.Config{}))

	err := r.RegisterAll(
		&stubHandler{name: "late", types: []string{"vitals.recorded"}, priority: 200},
		&stubHandler{name: "catch-all", types: []string{event.Wildcard}, priority: 100},
		&stubHandler{name: "early", types: []string{"vitals.recorded"}, priority: 10},
	)
	if err != nil {
		t.Fatalf("register all: %v", err)
	}

	got := r.ForEventType("vitals.recorded")
	want := []string{"early", "catch-all", "late"}
	if len(got) != len(want) {
		t.Fatalf("got %d handlers, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].Name() != want[i] {
			t.Errorf("position %d: got %s, want %s", i, got[i].Name(), want[i])
		}
	}

	if unrelated := r.ForEventType("device.paired"); len(unrelated) != 1 || unrelated[0].Name() != "catch-all" {
		t.Errorf("ForEventType(device.paired) = %d handlers", len(unrelated))
	}
}

func TestByName(t *testing.T) {
	r := New(bus.New(bus.Config{}))
	h := &stubHandler{name: "model-scorer", types: []string{"model.scored"}}
	if err := r.Register(h); err != nil {
		t.Fatalf("register: %v", err)
	}

	got, ok := r.ByName("model-scorer")
	if !ok || got != Handler(h) {
		t.Errorf("ByName = %v, %v", got, ok)
	}
	if _, ok := r.ByName("missing"); ok {
		t.Error("ByName found missing handler")
	}
}
