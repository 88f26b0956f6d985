package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/careloop/eventspine/pkg/eventspine/event"
)

// MemoryStore is the in-memory reference implementation of Store.
// Data is lost when the process exits. Sequence assignment and the shred
// set are guarded by one mutex, making increment-and-read atomic.
type MemoryStore struct {
	mu            sync.RWMutex
	byAggregate   map[string][]*memRecord // ordered by sequence
	byStorageID   map[string]*memRecord
	snapshots     map[string]*Snapshot
	shredded      map[string]time.Time
	globalSeq     int64
	maxQueryLimit int
	closed        bool
}

// memRecord keeps the canonical payload bytes from append time so integrity
// verification rehashes exactly what was hashed originally.
type memRecord struct {
	stored      *StoredEvent
	payloadJSON []byte
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithMaxQueryLimit overrides the maximum page size for queries.
func WithMaxQueryLimit(n int) MemoryOption {
	return func(s *MemoryStore) {
		if n > 0 {
			s.maxQueryLimit = n
		}
	}
}

// NewMemoryStore creates a new in-memory event store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		byAggregate:   make(map[string][]*memRecord),
		byStorageID:   make(map[string]*memRecord),
		snapshots:     make(map[string]*Snapshot),
		shredded:      make(map[string]time.Time),
		maxQueryLimit: DefaultMaxQueryLimit,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Append implements Store.
func (s *MemoryStore) Append(ctx context.Context, evt *event.DomainEvent) (*StoredEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(evt)
}

// AppendBatch implements Store. Events are grouped per aggregate; each
// group appends independently and a failing group rolls back entirely
// without disturbing the others.
func (s *MemoryStore) AppendBatch(ctx context.Context, evts []*event.DomainEvent) ([]*StoredEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	// Group by aggregate, preserving arrival order within each group.
	groups := make(map[string][]*event.DomainEvent)
	order := make([]string, 0)
	for _, evt := range evts {
		if _, seen := groups[evt.AggregateID]; !seen {
			order = append(order, evt.AggregateID)
		}
		groups[evt.AggregateID] = append(groups[evt.AggregateID], evt)
	}

	var stored []*StoredEvent
	var firstErr error
	for _, aggID := range order {
		groupStored := make([]*StoredEvent, 0, len(groups[aggID]))
		var groupErr error
		for _, evt := range groups[aggID] {
			se, err := s.appendLocked(evt)
			if err != nil {
				groupErr = err
				break
			}
			groupStored = append(groupStored, se)
		}
		if groupErr != nil {
			// Undo the group's partial appends. They are the most
			// recent writes under the lock, so truncation restores both
			// the aggregate slice and the global sequence.
			for _, se := range groupStored {
				delete(s.byStorageID, se.StorageID)
			}
			if n := len(groupStored); n > 0 {
				recs := s.byAggregate[aggID]
				s.byAggregate[aggID] = recs[:len(recs)-n]
				s.globalSeq -= int64(n)
			}
			if firstErr == nil {
				firstErr = groupErr
			}
			continue
		}
		stored = append(stored, groupStored...)
	}

	return stored, firstErr
}

func (s *MemoryStore) appendLocked(evt *event.DomainEvent) (*StoredEvent, error) {
	if s.closed {
		return nil, ErrStoreClosed
	}
	if evt.AggregateID == "" {
		return nil, ErrEmptyAggregateID
	}
	if _, gone := s.shredded[evt.AggregateID]; gone {
		return nil, ErrAggregateShredded
	}

	payloadJSON, err := marshalPayload(evt.Payload)
	if err != nil {
		return nil, err
	}

	sequence := int64(len(s.byAggregate[evt.AggregateID])) + 1
	s.globalSeq++

	checksum, err := computeChecksum(evt, payloadJSON, sequence, s.globalSeq)
	if err != nil {
		s.globalSeq-- // nothing was stored
		return nil, err
	}

	se := &StoredEvent{
		StorageID:       uuid.New().String(),
		Event:           evt,
		Sequence:        sequence,
		GlobalSequence:  s.globalSeq,
		StoredAt:        time.Now().UTC(),
		EncryptionKeyID: keyIDFor(evt.AggregateID),
		Checksum:        checksum,
	}

	rec := &memRecord{stored: se, payloadJSON: payloadJSON}
	s.byAggregate[evt.AggregateID] = append(s.byAggregate[evt.AggregateID], rec)
	s.byStorageID[se.StorageID] = rec

	return se, nil
}

// Events implements Store.
func (s *MemoryStore) Events(ctx context.Context, aggregateID string, fromSequence int64) ([]*StoredEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	if _, gone := s.shredded[aggregateID]; gone {
		return []*StoredEvent{}, nil
	}

	recs := s.byAggregate[aggregateID]
	out := make([]*StoredEvent, 0, len(recs))
	for _, rec := range recs {
		if rec.stored.Sequence > fromSequence {
			out = append(out, rec.stored)
		}
	}
	return out, nil
}

// EventsByType implements Store.
func (s *MemoryStore) EventsByType(ctx context.Context, eventType string, limit int) ([]*StoredEvent, error) {
	return s.Query(ctx, Filter{EventTypes: []string{eventType}, Limit: limit, Order: OrderAsc})
}

// Query implements Store.
func (s *MemoryStore) Query(ctx context.Context, f Filter) ([]*StoredEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	matched := make([]*StoredEvent, 0)
	for aggID, recs := range s.byAggregate {
		if _, gone := s.shredded[aggID]; gone {
			continue
		}
		for _, rec := range recs {
			if f.matches(rec.stored) {
				matched = append(matched, rec.stored)
			}
		}
	}

	sort.Slice(matched, func(i, j int) bool {
		if f.Order == OrderDesc {
			return matched[i].GlobalSequence > matched[j].GlobalSequence
		}
		return matched[i].GlobalSequence < matched[j].GlobalSequence
	})

	limit, offset := clampPage(f.Limit, f.Offset, s.maxQueryLimit)
	if offset >= len(matched) {
		return []*StoredEvent{}, nil
	}
	end := offset + limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[offset:end], nil
}

// SaveSnapshot implements Store.
func (s *MemoryStore) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	if snap.AggregateID == "" {
		return ErrEmptyAggregateID
	}
	if _, gone := s.shredded[snap.AggregateID]; gone {
		return ErrAggregateShredded
	}
	if !canonicalJSON.Valid(snap.State) {
		return ErrInvalidSnapshotState
	}

	snap.Checksum = snapshotChecksum(snap.AggregateID, snap.AggregateType, snap.Version, snap.State)
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now().UTC()
	}

	s.snapshots[snap.AggregateID] = &snap
	return nil
}

// Snapshot implements Store.
func (s *MemoryStore) Snapshot(ctx context.Context, aggregateID string) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	if _, gone := s.shredded[aggregateID]; gone {
		return nil, ErrSnapshotNotFound
	}

	snap, ok := s.snapshots[aggregateID]
	if !ok {
		return nil, ErrSnapshotNotFound
	}

	cp := *snap
	return &cp, nil
}

// EventCount implements Store.
func (s *MemoryStore) EventCount(ctx context.Context, aggregateID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, ErrStoreClosed
	}
	if _, gone := s.shredded[aggregateID]; gone {
		return 0, nil
	}
	return int64(len(s.byAggregate[aggregateID])), nil
}

// TotalEventCount implements Store.
func (s *MemoryStore) TotalEventCount(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, ErrStoreClosed
	}

	var total int64
	for aggID, recs := range s.byAggregate {
		if _, gone := s.shredded[aggID]; gone {
			continue
		}
		total += int64(len(recs))
	}
	return total, nil
}

// CryptoShred implements Store. The records stay in place for tamper
// evidence; the shred marker makes them unreadable and blocks appends.
func (s *MemoryStore) CryptoShred(ctx context.Context, aggregateID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrStoreClosed
	}
	if aggregateID == "" {
		return 0, ErrEmptyAggregateID
	}
	if _, gone := s.shredded[aggregateID]; gone {
		return 0, nil // idempotent
	}

	count := int64(len(s.byAggregate[aggregateID]))
	s.shredded[aggregateID] = time.Now().UTC()
	delete(s.snapshots, aggregateID)

	return count, nil
}

// ArchiveEvents implements Store.
func (s *MemoryStore) ArchiveEvents(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrStoreClosed
	}

	var count int64
	for aggID, recs := range s.byAggregate {
		if _, gone := s.shredded[aggID]; gone {
			continue
		}
		for _, rec := range recs {
			if !rec.stored.Archived && rec.stored.Event.Timestamp.Before(before) {
				rec.stored.Archived = true
				count++
			}
		}
	}
	return count, nil
}

// VerifyIntegrity implements Store.
func (s *MemoryStore) VerifyIntegrity(ctx context.Context, storageID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return false, ErrStoreClosed
	}

	rec, ok := s.byStorageID[storageID]
	if !ok {
		return false, nil
	}
	if _, gone := s.shredded[rec.stored.Event.AggregateID]; gone {
		return false, nil
	}

	checksum, err := computeChecksum(rec.stored.Event, rec.payloadJSON, rec.stored.Sequence, rec.stored.GlobalSequence)
	if err != nil {
		return false, err
	}
	return checksum == rec.stored.Checksum, nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
