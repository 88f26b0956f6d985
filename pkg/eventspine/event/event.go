// Package event defines the immutable event envelope shared by every other
// eventspine component.
//
// A DomainEvent describes one fact about one aggregate. Events are created
// once by producers and never mutated; downstream components (store, bus,
// audit) treat them as read-only values.
package event

import (
	"time"

	"github.com/google/uuid"
)

// Wildcard is the event type that matches every published event.
// Handlers subscribed to it receive all events in addition to any
// type-specific handlers.
const Wildcard = "*"

// AggregateType identifies the kind of entity an event belongs to.
// The set is closed: producers outside it are rejected by validation.
type AggregateType string

const (
	AggregatePatient AggregateType = "patient"
	AggregateSession AggregateType = "session"
	AggregateDevice  AggregateType = "device"
	AggregateModel   AggregateType = "model"
	AggregateSystem  AggregateType = "system"
)

// Valid reports whether t is one of the known aggregate types.
func (t AggregateType) Valid() bool {
	switch t {
	case AggregatePatient, AggregateSession, AggregateDevice, AggregateModel, AggregateSystem:
		return true
	}
	return false
}

// Metadata carries correlation and provenance information for an event.
type Metadata struct {
	CorrelationID string            `json:"correlation_id"`
	CausationID   string            `json:"causation_id,omitempty"`
	ActorID       string            `json:"actor_id,omitempty"`
	SubjectID     string            `json:"subject_id,omitempty"`
	SessionID     string            `json:"session_id,omitempty"`
	Source        string            `json:"source"`
	Context       map[string]string `json:"context,omitempty"`
}

// DomainEvent is the envelope all producers publish and all handlers
// receive. The payload is opaque to this core.
type DomainEvent struct {
	EventID       string        `json:"event_id"`
	EventType     string        `json:"event_type"`
	AggregateID   string        `json:"aggregate_id"`
	AggregateType AggregateType `json:"aggregate_type"`
	Timestamp     time.Time     `json:"timestamp"`
	SchemaVersion int           `json:"schema_version"`
	Payload       any           `json:"payload,omitempty"`
	Metadata      Metadata      `json:"metadata"`
}

// Option configures event creation.
type Option func(*DomainEvent)

// WithEventID sets a specific event ID (default: auto-generated UUID).
func WithEventID(id string) Option {
	return func(e *DomainEvent) { e.EventID = id }
}

// WithTimestamp sets a specific timestamp (default: time.Now().UTC()).
func WithTimestamp(t time.Time) Option {
	return func(e *DomainEvent) { e.Timestamp = t }
}

// WithSchemaVersion sets the payload schema version (default: 1).
func WithSchemaVersion(v int) Option {
	return func(e *DomainEvent) { e.SchemaVersion = v }
}

// WithCorrelationID sets the correlation ID for tracing related events.
func WithCorrelationID(id string) Option {
	return func(e *DomainEvent) { e.Metadata.CorrelationID = id }
}

// WithCausationID sets the ID of the event that caused this one.
func WithCausationID(id string) Option {
	return func(e *DomainEvent) { e.Metadata.CausationID = id }
}

// WithActor sets the acting principal recorded in metadata.
func WithActor(actorID string) Option {
	return func(e *DomainEvent) { e.Metadata.ActorID = actorID }
}

// WithSubject sets the data subject recorded in metadata.
func WithSubject(subjectID string) Option {
	return func(e *DomainEvent) { e.Metadata.SubjectID = subjectID }
}

// WithSession sets the session recorded in metadata.
func WithSession(sessionID string) Option {
	return func(e *DomainEvent) { e.Metadata.SessionID = sessionID }
}

// WithSource sets the producing component label (default: "eventspine").
func WithSource(source string) Option {
	return func(e *DomainEvent) { e.Metadata.Source = source }
}

// WithContext merges contextual key-value pairs into the metadata bag.
func WithContext(kv map[string]string) Option {
	return func(e *DomainEvent) {
		if e.Metadata.Context == nil {
			e.Metadata.Context = make(map[string]string, len(kv))
		}
		for k, v := range kv {
			e.Metadata.Context[k] = v
		}
	}
}

// New creates a new event for the given aggregate.
// If no correlation ID is supplied the event ID becomes the correlation
// root, so a chain started by this event can always be traced back to it.
func New(eventType, aggregateID string, aggregateType AggregateType, payload any, opts ...Option) *DomainEvent {
	evt := &DomainEvent{
		EventID:       uuid.New().String(),
		EventType:     eventType,
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		Timestamp:     time.Now().UTC(),
		SchemaVersion: 1,
		Payload:       payload,
		Metadata: Metadata{
			Source: "eventspine",
		},
	}

	for _, opt := range opts {
		opt(evt)
	}

	if evt.Metadata.CorrelationID == "" {
		evt.Metadata.CorrelationID = evt.EventID
	}

	return evt
}

// NewFromParent creates a new event caused by a parent event.
// It inherits the parent's correlation ID and records the parent as the
// causation; both can be overridden by opts.
func NewFromParent(parent *DomainEvent, eventType, aggregateID string, aggregateType AggregateType, payload any, opts ...Option) *DomainEvent {
	parentOpts := []Option{
		WithCorrelationID(parent.Metadata.CorrelationID),
		WithCausationID(parent.EventID),
		WithSource(parent.Metadata.Source),
	}
	allOpts := append(parentOpts, opts...)

	return New(eventType, aggregateID, aggregateType, payload, allOpts...)
}
