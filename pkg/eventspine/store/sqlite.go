package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/careloop/eventspine/pkg/eventspine/event"
)

// SQLiteStore persists events to SQLite behind the same Store contract as
// MemoryStore. It is suitable for single-process production use.
type SQLiteStore struct {
	db            *sql.DB
	mu            sync.Mutex
	maxQueryLimit int
	closed        bool
}

// sortableTimeLayout pads fractional seconds to nine digits so stored
// timestamps order correctly under SQL string comparison. RFC3339Nano
// trims trailing zeros, which breaks lexicographic range filters
// ("...:00Z" sorts after "...:00.5Z").
const sortableTimeLayout = "2006-01-02T15:04:05.000000000Z"

func sortableTime(t time.Time) string {
	return t.UTC().Format(sortableTimeLayout)
}

// SQLiteOption configures a SQLiteStore.
type SQLiteOption func(*SQLiteStore)

// WithSQLiteMaxQueryLimit overrides the maximum page size for queries.
func WithSQLiteMaxQueryLimit(n int) SQLiteOption {
	return func(s *SQLiteStore) {
		if n > 0 {
			s.maxQueryLimit = n
		}
	}
}

// NewSQLiteStore creates a new SQLite event store.
// The path should be a file path (e.g. "./events.db") or ":memory:" for testing.
func NewSQLiteStore(path string, opts ...SQLiteOption) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable WAL mode for better concurrent read performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			storage_id TEXT PRIMARY KEY,
			event_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			aggregate_id TEXT NOT NULL,
			aggregate_type TEXT NOT NULL,
			sequence INTEGER NOT NULL,
			global_sequence INTEGER NOT NULL UNIQUE,
			event_timestamp TEXT NOT NULL,
			schema_version INTEGER NOT NULL,
			payload TEXT NOT NULL,
			metadata TEXT NOT NULL,
			stored_at TEXT NOT NULL,
			key_id TEXT NOT NULL,
			checksum TEXT NOT NULL,
			archived INTEGER NOT NULL DEFAULT 0,
			UNIQUE (aggregate_id, sequence)
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create events table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_events_aggregate_id
		ON events(aggregate_id, sequence)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create events index: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS snapshots (
			aggregate_id TEXT PRIMARY KEY,
			aggregate_type TEXT NOT NULL,
			version INTEGER NOT NULL,
			state TEXT NOT NULL,
			checksum TEXT NOT NULL,
			created_at TEXT NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create snapshots table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS shredded (
			aggregate_id TEXT PRIMARY KEY,
			key_id TEXT NOT NULL,
			shredded_at TEXT NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create shredded table: %w", err)
	}

	s := &SQLiteStore{db: db, maxQueryLimit: DefaultMaxQueryLimit}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Append implements Store.
func (s *SQLiteStore) Append(ctx context.Context, evt *event.DomainEvent) (*StoredEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(ctx, evt)
}

// AppendBatch implements Store.
func (s *SQLiteStore) AppendBatch(ctx context.Context, evts []*event.DomainEvent) ([]*StoredEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

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
		groupStored, err := s.appendGroup(ctx, groups[aggID])
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		stored = append(stored, groupStored...)
	}

	return stored, firstErr
}

// appendGroup appends one aggregate's events in a single transaction, so
// a failing event rolls the whole group back.
func (s *SQLiteStore) appendGroup(ctx context.Context, group []*event.DomainEvent) ([]*StoredEvent, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	stored := make([]*StoredEvent, 0, len(group))
	for _, evt := range group {
		se, err := s.appendTx(ctx, tx, evt)
		if err != nil {
			return nil, err
		}
		stored = append(stored, se)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit append: %w", err)
	}
	return stored, nil
}

// appendLocked assigns both sequence numbers and inserts inside one
// transaction. The store mutex serializes increment-and-read.
func (s *SQLiteStore) appendLocked(ctx context.Context, evt *event.DomainEvent) (*StoredEvent, error) {
	if s.closed {
		return nil, ErrStoreClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	se, err := s.appendTx(ctx, tx, evt)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit append: %w", err)
	}
	return se, nil
}

// appendTx validates, assigns sequence numbers, and inserts one event on
// the given transaction. Sequence queries run on the transaction so batch
// appends see their own uncommitted rows.
func (s *SQLiteStore) appendTx(ctx context.Context, tx *sql.Tx, evt *event.DomainEvent) (*StoredEvent, error) {
	if evt.AggregateID == "" {
		return nil, ErrEmptyAggregateID
	}

	shredded, err := isShredded(ctx, tx, evt.AggregateID)
	if err != nil {
		return nil, err
	}
	if shredded {
		return nil, ErrAggregateShredded
	}

	payloadJSON, err := marshalPayload(evt.Payload)
	if err != nil {
		return nil, err
	}
	metadataJSON, err := canonicalJSON.Marshal(evt.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}

	var sequence, globalSequence int64
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE((SELECT MAX(sequence) FROM events WHERE aggregate_id = ?), 0) + 1,
		       COALESCE((SELECT MAX(global_sequence) FROM events), 0) + 1
	`, evt.AggregateID).Scan(&sequence, &globalSequence)
	if err != nil {
		return nil, fmt.Errorf("assign sequences: %w", err)
	}

	checksum, err := computeChecksum(evt, payloadJSON, sequence, globalSequence)
	if err != nil {
		return nil, err
	}

	se := &StoredEvent{
		StorageID:       uuid.New().String(),
		Event:           evt,
		Sequence:        sequence,
		GlobalSequence:  globalSequence,
		StoredAt:        time.Now().UTC(),
		EncryptionKeyID: keyIDFor(evt.AggregateID),
		Checksum:        checksum,
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO events (
			storage_id, event_id, event_type, aggregate_id, aggregate_type,
			sequence, global_sequence, event_timestamp, schema_version,
			payload, metadata, stored_at, key_id, checksum, archived
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
	`,
		se.StorageID, evt.EventID, evt.EventType, evt.AggregateID, string(evt.AggregateType),
		sequence, globalSequence, sortableTime(evt.Timestamp), evt.SchemaVersion,
		string(payloadJSON), string(metadataJSON), sortableTime(se.StoredAt),
		se.EncryptionKeyID, checksum,
	)
	if err != nil {
		return nil, fmt.Errorf("insert event: %w", err)
	}
	return se, nil
}

// Events implements Store.
func (s *SQLiteStore) Events(ctx context.Context, aggregateID string, fromSequence int64) ([]*StoredEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.QueryContext(ctx, selectEvents+`
		WHERE aggregate_id = ? AND sequence > ?
		  AND aggregate_id NOT IN (SELECT aggregate_id FROM shredded)
		ORDER BY sequence
	`, aggregateID, fromSequence)
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	return scanEvents(rows)
}

// EventsByType implements Store.
func (s *SQLiteStore) EventsByType(ctx context.Context, eventType string, limit int) ([]*StoredEvent, error) {
	return s.Query(ctx, Filter{EventTypes: []string{eventType}, Limit: limit, Order: OrderAsc})
}

// Query implements Store.
func (s *SQLiteStore) Query(ctx context.Context, f Filter) ([]*StoredEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	where := []string{"aggregate_id NOT IN (SELECT aggregate_id FROM shredded)"}
	args := []any{}

	if f.AggregateID != "" {
		where = append(where, "aggregate_id = ?")
		args = append(args, f.AggregateID)
	}
	if f.AggregateType != "" {
		where = append(where, "aggregate_type = ?")
		args = append(args, string(f.AggregateType))
	}
	if len(f.EventTypes) > 0 {
		placeholders := strings.Repeat("?,", len(f.EventTypes))
		where = append(where, "event_type IN ("+placeholders[:len(placeholders)-1]+")")
		for _, et := range f.EventTypes {
			args = append(args, et)
		}
	}
	if f.ActorID != "" {
		where = append(where, "json_extract(metadata, '$.actor_id') = ?")
		args = append(args, f.ActorID)
	}
	if f.SubjectID != "" {
		where = append(where, "json_extract(metadata, '$.subject_id') = ?")
		args = append(args, f.SubjectID)
	}
	if !f.From.IsZero() {
		where = append(where, "event_timestamp >= ?")
		args = append(args, sortableTime(f.From))
	}
	if !f.To.IsZero() {
		where = append(where, "event_timestamp <= ?")
		args = append(args, sortableTime(f.To))
	}
	if f.FromSequence > 0 {
		where = append(where, "sequence > ?")
		args = append(args, f.FromSequence)
	}

	dir := "ASC"
	if f.Order == OrderDesc {
		dir = "DESC"
	}
	limit, offset := clampPage(f.Limit, f.Offset, s.maxQueryLimit)
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, selectEvents+`
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY global_sequence `+dir+`
		LIMIT ? OFFSET ?
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	return scanEvents(rows)
}

// SaveSnapshot implements Store.
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	if snap.AggregateID == "" {
		return ErrEmptyAggregateID
	}
	shredded, err := isShredded(ctx, s.db, snap.AggregateID)
	if err != nil {
		return err
	}
	if shredded {
		return ErrAggregateShredded
	}
	if !canonicalJSON.Valid(snap.State) {
		return ErrInvalidSnapshotState
	}

	checksum := snapshotChecksum(snap.AggregateID, snap.AggregateType, snap.Version, snap.State)
	createdAt := snap.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO snapshots (aggregate_id, aggregate_type, version, state, checksum, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(aggregate_id) DO UPDATE SET
			aggregate_type = excluded.aggregate_type,
			version = excluded.version,
			state = excluded.state,
			checksum = excluded.checksum,
			created_at = excluded.created_at
	`, snap.AggregateID, string(snap.AggregateType), snap.Version, string(snap.State),
		checksum, sortableTime(createdAt))
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// Snapshot implements Store.
func (s *SQLiteStore) Snapshot(ctx context.Context, aggregateID string) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	shredded, err := isShredded(ctx, s.db, aggregateID)
	if err != nil {
		return nil, err
	}
	if shredded {
		return nil, ErrSnapshotNotFound
	}

	var snap Snapshot
	var aggType, state, createdAt string
	err = s.db.QueryRowContext(ctx, `
		SELECT aggregate_id, aggregate_type, version, state, checksum, created_at
		FROM snapshots WHERE aggregate_id = ?
	`, aggregateID).Scan(&snap.AggregateID, &aggType, &snap.Version, &state, &snap.Checksum, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrSnapshotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	snap.AggregateType = event.AggregateType(aggType)
	snap.State = json.RawMessage(state)
	snap.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &snap, nil
}

// EventCount implements Store.
func (s *SQLiteStore) EventCount(ctx context.Context, aggregateID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrStoreClosed
	}

	var count int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM events
		WHERE aggregate_id = ?
		  AND aggregate_id NOT IN (SELECT aggregate_id FROM shredded)
	`, aggregateID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return count, nil
}

// TotalEventCount implements Store.
func (s *SQLiteStore) TotalEventCount(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrStoreClosed
	}

	var count int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM events
		WHERE aggregate_id NOT IN (SELECT aggregate_id FROM shredded)
	`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return count, nil
}

// CryptoShred implements Store. Rows stay in place; the shred marker makes
// them unreadable and blocks further appends.
func (s *SQLiteStore) CryptoShred(ctx context.Context, aggregateID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrStoreClosed
	}
	if aggregateID == "" {
		return 0, ErrEmptyAggregateID
	}

	shredded, err := isShredded(ctx, s.db, aggregateID)
	if err != nil {
		return 0, err
	}
	if shredded {
		return 0, nil // idempotent
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin shred: %w", err)
	}
	defer tx.Rollback()

	var count int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM events WHERE aggregate_id = ?`, aggregateID,
	).Scan(&count); err != nil {
		return 0, fmt.Errorf("count shredded events: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO shredded (aggregate_id, key_id, shredded_at) VALUES (?, ?, ?)
	`, aggregateID, keyIDFor(aggregateID), sortableTime(time.Now())); err != nil {
		return 0, fmt.Errorf("record shred: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM snapshots WHERE aggregate_id = ?`, aggregateID,
	); err != nil {
		return 0, fmt.Errorf("delete snapshot: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit shred: %w", err)
	}
	return count, nil
}

// ArchiveEvents implements Store.
func (s *SQLiteStore) ArchiveEvents(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrStoreClosed
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE events SET archived = 1
		WHERE archived = 0
		  AND event_timestamp < ?
		  AND aggregate_id NOT IN (SELECT aggregate_id FROM shredded)
	`, sortableTime(before))
	if err != nil {
		return 0, fmt.Errorf("archive events: %w", err)
	}
	count, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("archive events: %w", err)
	}
	return count, nil
}

// VerifyIntegrity implements Store.
func (s *SQLiteStore) VerifyIntegrity(ctx context.Context, storageID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, ErrStoreClosed
	}

	rows, err := s.db.QueryContext(ctx, selectEvents+`
		WHERE storage_id = ?
		  AND aggregate_id NOT IN (SELECT aggregate_id FROM shredded)
	`, storageID)
	if err != nil {
		return false, fmt.Errorf("load event: %w", err)
	}
	events, err := scanEvents(rows)
	if err != nil {
		return false, err
	}
	if len(events) == 0 {
		return false, nil
	}

	se := events[0]
	payloadJSON, err := canonicalJSON.Marshal(se.Event.Payload)
	if err != nil {
		return false, fmt.Errorf("marshal payload: %w", err)
	}
	checksum, err := computeChecksum(se.Event, payloadJSON, se.Sequence, se.GlobalSequence)
	if err != nil {
		return false, err
	}
	return checksum == se.Checksum, nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// rowQuerier is satisfied by both *sql.DB and *sql.Tx.
type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func isShredded(ctx context.Context, q rowQuerier, aggregateID string) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM shredded WHERE aggregate_id = ?`, aggregateID,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check shredded: %w", err)
	}
	return n > 0, nil
}

const selectEvents = `
	SELECT storage_id, event_id, event_type, aggregate_id, aggregate_type,
	       sequence, global_sequence, event_timestamp, schema_version,
	       payload, metadata, stored_at, key_id, checksum, archived
	FROM events
`

// scanEvents rebuilds StoredEvents from rows. Payloads come back as
// json.RawMessage: the payload is opaque to this core either way.
func scanEvents(rows *sql.Rows) ([]*StoredEvent, error) {
	defer rows.Close()

	var out []*StoredEvent
	for rows.Next() {
		var (
			se                         StoredEvent
			evt                        event.DomainEvent
			aggType                    string
			eventTS, payload, metadata string
			storedAt                   string
			archived                   int
		)
		if err := rows.Scan(
			&se.StorageID, &evt.EventID, &evt.EventType, &evt.AggregateID, &aggType,
			&se.Sequence, &se.GlobalSequence, &eventTS, &evt.SchemaVersion,
			&payload, &metadata, &storedAt, &se.EncryptionKeyID, &se.Checksum, &archived,
		); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}

		evt.AggregateType = event.AggregateType(aggType)
		evt.Timestamp, _ = time.Parse(time.RFC3339Nano, eventTS)
		evt.Payload = json.RawMessage(payload)
		if err := canonicalJSON.Unmarshal([]byte(metadata), &evt.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
		se.StoredAt, _ = time.Parse(time.RFC3339Nano, storedAt)
		se.Archived = archived == 1
		se.Event = &evt

		out = append(out, &se)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}
