package bus

import (
	"context"
	"sync"
	"time"

	"github.com/careloop/eventspine/pkg/eventspine/event"
)

// FailedEvent is one pipeline-rejected event held for inspection or replay.
type FailedEvent struct {
	Event    *event.DomainEvent
	Reason   string
	FailedAt time.Time
	Replays  int
}

// DeadLetterQueue collects events the pipeline rejected so an operator
// can inspect and replay them. Wire its Hook into Config.DeadLetter.
// Handler failures never reach the queue; only pipeline failures do.
type DeadLetterQueue struct {
	mu      sync.RWMutex
	byID    map[string]*FailedEvent
	order   []string // event IDs oldest first
	maxSize int

	enqueued int64
	dropped  int64
	replayed int64
}

// DefaultDLQMaxSize bounds the queue when no size is given.
const DefaultDLQMaxSize = 10000

// NewDeadLetterQueue creates a bounded queue. maxSize <= 0 uses
// DefaultDLQMaxSize.
func NewDeadLetterQueue(maxSize int) *DeadLetterQueue {
	if maxSize <= 0 {
		maxSize = DefaultDLQMaxSize
	}
	return &DeadLetterQueue{
		byID:    make(map[string]*FailedEvent),
		maxSize: maxSize,
	}
}

// Hook returns a DeadLetterFunc that enqueues rejected events.
func (q *DeadLetterQueue) Hook() DeadLetterFunc {
	return func(evt *event.DomainEvent, err error) {
		q.Enqueue(evt, err)
	}
}

// Enqueue records a rejected event. When the queue is full the event is
// counted as dropped rather than evicting older entries.
func (q *DeadLetterQueue) Enqueue(evt *event.DomainEvent, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.byID) >= q.maxSize {
		q.dropped++
		return
	}

	reason := ""
	if err != nil {
		reason = err.Error()
	}
	if _, exists := q.byID[evt.EventID]; !exists {
		q.order = append(q.order, evt.EventID)
	}
	q.byID[evt.EventID] = &FailedEvent{
		Event:    evt,
		Reason:   reason,
		FailedAt: time.Now().UTC(),
	}
	q.enqueued++
}

// Len returns the number of queued events.
func (q *DeadLetterQueue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.byID)
}

// List returns up to limit queued events, oldest first. limit <= 0
// returns all.
func (q *DeadLetterQueue) List(limit int) []*FailedEvent {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if limit <= 0 || limit > len(q.order) {
		limit = len(q.order)
	}
	out := make([]*FailedEvent, 0, limit)
	for _, id := range q.order[:limit] {
		out = append(out, q.byID[id])
	}
	return out
}

// Take removes and returns the queued event with the given event ID.
func (q *DeadLetterQueue) Take(eventID string) (*FailedEvent, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	fe, ok := q.byID[eventID]
	if ok {
		delete(q.byID, eventID)
		for i, id := range q.order {
			if id == eventID {
				q.order = append(q.order[:i], q.order[i+1:]...)
				break
			}
		}
	}
	return fe, ok
}

// Replay republishes up to limit queued events, oldest first, through
// the bus. Events
// the pipeline rejects again are re-enqueued with their replay count
// bumped. Returns how many succeeded and how many failed again.
func (q *DeadLetterQueue) Replay(ctx context.Context, b *Bus, limit int) (replayed, failed int) {
	batch := q.List(limit)

	for _, fe := range batch {
		if _, ok := q.Take(fe.Event.EventID); !ok {
			continue // taken by a concurrent replay
		}

		if _, err := b.PublishWithResult(ctx, fe.Event); err != nil {
			// The bus's dead-letter hook already re-enqueued a fresh
			// entry; carry the replay count over.
			q.mu.Lock()
			if re, ok := q.byID[fe.Event.EventID]; ok {
				re.Replays = fe.Replays + 1
			}
			q.mu.Unlock()
			failed++
			continue
		}

		q.mu.Lock()
		q.replayed++
		q.mu.Unlock()
		replayed++
	}
	return replayed, failed
}

// DLQStats summarizes queue activity.
type DLQStats struct {
	Size     int
	Enqueued int64
	Dropped  int64
	Replayed int64
}

// Stats returns a snapshot of queue counters.
func (q *DeadLetterQueue) Stats() DLQStats {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return DLQStats{
		Size:     len(q.byID),
		Enqueued: q.enqueued,
		Dropped:  q.dropped,
		Replayed: q.replayed,
	}
}
