// Package audit provides the append-only compliance log for bus and store
// actions. It is deliberately independent of the event store: compliance
// records survive even when the events they describe are shredded.
package audit

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
)

// Action identifies what kind of operation an entry records.
type Action string

const (
	ActionPublish   Action = "publish"
	ActionSubscribe Action = "subscribe"
	ActionHandle    Action = "handle"
	ActionStore     Action = "store"
	ActionQuery     Action = "query"
	ActionDelete    Action = "delete"
	ActionAccess    Action = "access"
)

// Outcome records how the audited operation ended.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomePartial Outcome = "partial"
)

// Entry is one compliance record. ID and Timestamp are stamped by the
// logger; everything else is supplied by the caller.
type Entry struct {
	ID            string            `json:"id"`
	Timestamp     time.Time         `json:"timestamp"`
	EventType     string            `json:"event_type,omitempty"`
	EventID       string            `json:"event_id,omitempty"`
	ActorID       string            `json:"actor_id,omitempty"`
	SubjectID     string            `json:"subject_id,omitempty"`
	SessionID     string            `json:"session_id,omitempty"`
	Action        Action            `json:"action"`
	Resource      string            `json:"resource,omitempty"`
	Outcome       Outcome           `json:"outcome"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Details       map[string]string `json:"details,omitempty"`
}

// Filter selects entries for Query, Count, and Export.
// Zero values mean "no constraint".
type Filter struct {
	ActorID   string
	SubjectID string
	EventType string
	Action    Action
	Outcome   Outcome
	From      time.Time
	To        time.Time
	Limit     int
	Offset    int
}

// Logger is the compliance sink the bus and behaviors write to.
type Logger interface {
	// Log stamps id/timestamp on the entry and stores it.
	Log(entry Entry) Entry

	// Query returns matching entries in chronological order.
	Query(f Filter) []Entry

	// Count returns the number of matching entries.
	Count(f Filter) int

	// Export writes matching entries to w, one JSON record per line.
	Export(w io.Writer, f Filter) error

	// Cleanup deletes entries older than the retention window and returns
	// how many were removed.
	Cleanup() int
}

// ErrExportFailed wraps serialization or write failures during Export.
var ErrExportFailed = errors.New("audit export failed")

var exportJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// MemoryLog is the in-memory Logger implementation.
type MemoryLog struct {
	mu            sync.RWMutex
	entries       []Entry
	retentionDays int
}

// DefaultRetentionDays is the retention window used when none is given.
// Seven years, the common clinical-records requirement.
const DefaultRetentionDays = 7 * 365

// NewMemoryLog creates an audit log with the given retention window in
// days. retentionDays <= 0 falls back to DefaultRetentionDays.
func NewMemoryLog(retentionDays int) *MemoryLog {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	return &MemoryLog{retentionDays: retentionDays}
}

// Log implements Logger.
func (l *MemoryLog) Log(entry Entry) Entry {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entry)
	return entry
}

// Query implements Logger.
func (l *MemoryLog) Query(f Filter) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	matched := make([]Entry, 0)
	for _, e := range l.entries {
		if f.matches(e) {
			matched = append(matched, e)
		}
	}

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Timestamp.Before(matched[j].Timestamp)
	})

	if f.Offset > 0 {
		if f.Offset >= len(matched) {
			return []Entry{}
		}
		matched = matched[f.Offset:]
	}
	if f.Limit > 0 && f.Limit < len(matched) {
		matched = matched[:f.Limit]
	}
	return matched
}

// Count implements Logger.
func (l *MemoryLog) Count(f Filter) int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	count := 0
	for _, e := range l.entries {
		if f.matches(e) {
			count++
		}
	}
	return count
}

// Export implements Logger. Output is newline-delimited JSON, one
// self-describing record per line.
func (l *MemoryLog) Export(w io.Writer, f Filter) error {
	for _, e := range l.Query(f) {
		line, err := exportJSON.Marshal(e)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrExportFailed, err)
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			return fmt.Errorf("%w: %v", ErrExportFailed, err)
		}
	}
	return nil
}

// Cleanup implements Logger.
func (l *MemoryLog) Cleanup() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().UTC().AddDate(0, 0, -l.retentionDays)
	kept := l.entries[:0]
	removed := 0
	for _, e := range l.entries {
		if e.Timestamp.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	l.entries = kept
	return removed
}

func (f Filter) matches(e Entry) bool {
	if f.ActorID != "" && e.ActorID != f.ActorID {
		return false
	}
	if f.SubjectID != "" && e.SubjectID != f.SubjectID {
		return false
	}
	if f.EventType != "" && e.EventType != f.EventType {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.Outcome != "" && e.Outcome != f.Outcome {
		return false
	}
	if !f.From.IsZero() && e.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && e.Timestamp.After(f.To) {
		return false
	}
	return true
}
