// Package store provides the append-only event store: per-aggregate
// sequencing, snapshots, integrity checksums, and logical erasure
// (crypto-shred).
//
// Two implementations share one contract: MemoryStore is the reference
// implementation, SQLiteStore the substitutable durable backend. The Bus
// and Pipeline layers only ever see the Store interface.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/careloop/eventspine/pkg/eventspine/event"
)

// Store persists events for replay, audit, and recovery.
// Implementations must be safe for concurrent use; sequence assignment is a
// critical section.
type Store interface {
	// Append stores a single event, assigning its per-aggregate and global
	// sequence numbers. Returns ErrAggregateShredded if the aggregate was
	// previously shredded.
	Append(ctx context.Context, evt *event.DomainEvent) (*StoredEvent, error)

	// AppendBatch stores events grouped per aggregate. Groups append
	// independently and atomically: a failing group rolls back entirely,
	// leaving none of its events stored, and does not disturb the others.
	AppendBatch(ctx context.Context, evts []*event.DomainEvent) ([]*StoredEvent, error)

	// Events returns an aggregate's events with sequence > fromSequence,
	// in ascending sequence order. Unknown aggregates yield an empty slice.
	Events(ctx context.Context, aggregateID string, fromSequence int64) ([]*StoredEvent, error)

	// EventsByType returns up to limit events of one type in global
	// sequence order. limit <= 0 means the configured maximum.
	EventsByType(ctx context.Context, eventType string, limit int) ([]*StoredEvent, error)

	// Query returns events matching the filter, paginated and capped by the
	// configured maximum page size.
	Query(ctx context.Context, f Filter) ([]*StoredEvent, error)

	// SaveSnapshot stores a snapshot, replacing any previous one for the
	// same aggregate.
	SaveSnapshot(ctx context.Context, snap Snapshot) error

	// Snapshot returns the live snapshot for an aggregate.
	// Returns ErrSnapshotNotFound if none exists.
	Snapshot(ctx context.Context, aggregateID string) (*Snapshot, error)

	// EventCount returns the number of events for one aggregate.
	EventCount(ctx context.Context, aggregateID string) (int64, error)

	// TotalEventCount returns the number of events across all aggregates.
	TotalEventCount(ctx context.Context) (int64, error)

	// CryptoShred logically erases an aggregate: further appends fail, all
	// reads behave as if the aggregate never existed, and its snapshot is
	// deleted. Returns the number of events erased; shredding an already
	// shredded aggregate returns 0.
	CryptoShred(ctx context.Context, aggregateID string) (int64, error)

	// ArchiveEvents marks events older than the cutoff as archived and
	// returns how many were marked. Shredded aggregates are skipped.
	ArchiveEvents(ctx context.Context, before time.Time) (int64, error)

	// VerifyIntegrity recomputes the checksum for a stored event and
	// compares it with the recorded one. Unknown storage IDs verify false.
	VerifyIntegrity(ctx context.Context, storageID string) (bool, error)

	// Close releases any resources. Operations after Close return
	// ErrStoreClosed.
	Close() error
}

// StoredEvent wraps a DomainEvent with storage bookkeeping assigned at
// append time. Stored events are never mutated after append (the Archived
// flag is the one bookkeeping exception).
type StoredEvent struct {
	StorageID       string
	Event           *event.DomainEvent
	Sequence        int64 // per-aggregate, 1-based, contiguous
	GlobalSequence  int64 // strictly increasing across all aggregates
	StoredAt        time.Time
	EncryptionKeyID string
	Checksum        string
	Archived        bool
}

// Snapshot is a point-in-time compacted state for one aggregate. At most
// one live snapshot exists per aggregate; saving replaces the old one.
type Snapshot struct {
	AggregateID   string
	AggregateType event.AggregateType
	Version       int64 // last event sequence included in State
	State         json.RawMessage
	Checksum      string
	CreatedAt     time.Time
}

// Order controls query result ordering by global sequence.
type Order string

const (
	OrderAsc  Order = "asc"
	OrderDesc Order = "desc"
)

// Filter selects events for Query. Zero values mean "no constraint".
type Filter struct {
	AggregateID   string
	AggregateType event.AggregateType
	EventTypes    []string
	ActorID       string
	SubjectID     string
	From          time.Time
	To            time.Time
	FromSequence  int64 // per-aggregate sequence lower bound (exclusive)
	Limit         int
	Offset        int
	Order         Order
}

// DefaultMaxQueryLimit caps a single query's page size unless overridden.
const DefaultMaxQueryLimit = 1000

// Sentinel errors for store operations.
var (
	// ErrAggregateShredded indicates the aggregate was logically erased and
	// permanently rejects appends.
	ErrAggregateShredded = errors.New("aggregate has been crypto-shredded")

	// ErrEventNotFound indicates no stored event exists for a storage ID.
	ErrEventNotFound = errors.New("stored event not found")

	// ErrSnapshotNotFound indicates no live snapshot exists for an aggregate.
	ErrSnapshotNotFound = errors.New("snapshot not found")

	// ErrEmptyAggregateID is returned when an operation needs an aggregate ID.
	ErrEmptyAggregateID = errors.New("aggregate id must not be empty")

	// ErrInvalidSnapshotState is returned when snapshot state is not valid JSON.
	ErrInvalidSnapshotState = errors.New("snapshot state is not valid json")

	// ErrStoreClosed indicates the store has been closed.
	ErrStoreClosed = errors.New("event store closed")
)

// matches reports whether a stored event satisfies the filter.
// Shared by the in-memory implementation and tests.
func (f Filter) matches(se *StoredEvent) bool {
	if f.AggregateID != "" && se.Event.AggregateID != f.AggregateID {
		return false
	}
	if f.AggregateType != "" && se.Event.AggregateType != f.AggregateType {
		return false
	}
	if len(f.EventTypes) > 0 {
		found := false
		for _, et := range f.EventTypes {
			if se.Event.EventType == et {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.ActorID != "" && se.Event.Metadata.ActorID != f.ActorID {
		return false
	}
	if f.SubjectID != "" && se.Event.Metadata.SubjectID != f.SubjectID {
		return false
	}
	if !f.From.IsZero() && se.Event.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && se.Event.Timestamp.After(f.To) {
		return false
	}
	if f.FromSequence > 0 && se.Sequence <= f.FromSequence {
		return false
	}
	return true
}

// clampPage normalizes limit/offset against the configured maximum.
func clampPage(limit, offset, maxLimit int) (int, int) {
	if maxLimit <= 0 {
		maxLimit = DefaultMaxQueryLimit
	}
	if limit <= 0 || limit > maxLimit {
		limit = maxLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// keyIDFor derives the encryption-key identifier tracked for an aggregate.
// Actual key management is the crypto-shred collaborator's concern; the
// store only records which key an event was written under.
func keyIDFor(aggregateID string) string {
	return "key-" + aggregateID
}
