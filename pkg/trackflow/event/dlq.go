package event

import (
	"context"
	"sync"
	"time"
)

// FailedEvent is an envelope that reached a failed outcome.
type FailedEvent struct {
	MessageID string    `json:"message_id"`
	CallType  string    `json:"call_type"`
	Payload   []byte    `json:"payload,omitempty"`
	BatchID   string    `json:"batch_id,omitempty"`
	Reason    string    `json:"reason"`
	Error     string    `json:"error,omitempty"`
	Attempts  int       `json:"attempts"`
	FailedAt  time.Time `json:"failed_at"`
}

// NewFailedEvent builds a FailedEvent from a TypeFailed lifecycle event.
func NewFailedEvent(evt Event) *FailedEvent {
	failed := &FailedEvent{
		MessageID: evt.MessageID,
		CallType:  evt.CallType,
		Payload:   evt.Payload,
		BatchID:   evt.BatchID,
		Reason:    evt.Reason,
		Attempts:  evt.Attempt,
		FailedAt:  evt.Time,
	}
	if evt.Err != nil {
		failed.Error = evt.Err.Error()
	}
	if failed.FailedAt.IsZero() {
		failed.FailedAt = time.Now()
	}
	return failed
}

// DeadLetterQueue stores envelopes that failed so they can be inspected or
// re-sent by the application.
type DeadLetterQueue interface {
	// Enqueue adds a failed envelope.
	Enqueue(ctx context.Context, failed *FailedEvent) error

	// Dequeue removes and returns up to limit entries, oldest first.
	Dequeue(ctx context.Context, limit int) ([]*FailedEvent, error)

	// Count returns the number of stored entries.
	Count(ctx context.Context) (int, error)
}

// DLQConfig configures the in-memory dead letter queue.
type DLQConfig struct {
	// MaxSize limits the number of stored entries.
	// Default: 10000
	MaxSize int

	// Reasons restricts which failure reasons are stored. Empty stores all.
	Reasons []string

	// OnEnqueue is called when an entry is stored.
	OnEnqueue func(*FailedEvent)

	// OnEvict is called when the oldest entry is evicted to make room.
	OnEvict func(*FailedEvent)
}

// DefaultDLQConfig provides reasonable defaults.
var DefaultDLQConfig = DLQConfig{
	MaxSize: 10000,
}

// InMemoryDLQ is a bounded in-memory DeadLetterQueue. When full, the oldest
// entry is evicted.
type InMemoryDLQ struct {
	mu      sync.Mutex
	entries []*FailedEvent
	reasons map[string]struct{}
	cfg     DLQConfig

	enqueued int64
	evicted  int64
	skipped  int64
}

var _ DeadLetterQueue = (*InMemoryDLQ)(nil)

// NewInMemoryDLQ creates a new in-memory dead letter queue.
func NewInMemoryDLQ(cfg DLQConfig) *InMemoryDLQ {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultDLQConfig.MaxSize
	}

	d := &InMemoryDLQ{cfg: cfg}
	if len(cfg.Reasons) > 0 {
		d.reasons = make(map[string]struct{}, len(cfg.Reasons))
		for _, r := range cfg.Reasons {
			d.reasons[r] = struct{}{}
		}
	}
	return d
}

// Enqueue adds a failed envelope. Entries whose reason is filtered out are
// skipped without error.
func (d *InMemoryDLQ) Enqueue(_ context.Context, failed *FailedEvent) error {
	if failed == nil {
		return &EventError{Message: "nil failed event"}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.reasons != nil {
		if _, ok := d.reasons[failed.Reason]; !ok {
			d.skipped++
			return nil
		}
	}

	if len(d.entries) >= d.cfg.MaxSize {
		oldest := d.entries[0]
		d.entries[0] = nil
		d.entries = d.entries[1:]
		d.evicted++
		if d.cfg.OnEvict != nil {
			d.cfg.OnEvict(oldest)
		}
	}

	d.entries = append(d.entries, failed)
	d.enqueued++

	if d.cfg.OnEnqueue != nil {
		d.cfg.OnEnqueue(failed)
	}
	return nil
}

// Dequeue removes and returns up to limit entries, oldest first.
// A limit of zero or less returns everything.
func (d *InMemoryDLQ) Dequeue(_ context.Context, limit int) ([]*FailedEvent, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if limit <= 0 || limit > len(d.entries) {
		limit = len(d.entries)
	}

	out := make([]*FailedEvent, limit)
	copy(out, d.entries[:limit])
	d.entries = append([]*FailedEvent(nil), d.entries[limit:]...)
	return out, nil
}

// List returns up to limit entries without removing them.
func (d *InMemoryDLQ) List(limit int) []*FailedEvent {
	d.mu.Lock()
	defer d.mu.Unlock()

	if limit <= 0 || limit > len(d.entries) {
		limit = len(d.entries)
	}
	out := make([]*FailedEvent, limit)
	copy(out, d.entries[:limit])
	return out
}

// Count returns the number of stored entries.
func (d *InMemoryDLQ) Count(_ context.Context) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries), nil
}

// CountByReason returns counts grouped by failure reason.
func (d *InMemoryDLQ) CountByReason() map[string]int {
	d.mu.Lock()
	defer d.mu.Unlock()

	counts := make(map[string]int)
	for _, e := range d.entries {
		counts[e.Reason]++
	}
	return counts
}

// Handler returns a bus handler that stores TypeFailed events.
func (d *InMemoryDLQ) Handler() Handler {
	return func(evt Event) {
		if evt.Type != TypeFailed {
			return
		}
		_ = d.Enqueue(context.Background(), NewFailedEvent(evt))
	}
}

// Stats returns DLQ statistics.
func (d *InMemoryDLQ) Stats() DLQStats {
	d.mu.Lock()
	defer d.mu.Unlock()

	return DLQStats{
		QueueSize: len(d.entries),
		Enqueued:  d.enqueued,
		Evicted:   d.evicted,
		Skipped:   d.skipped,
	}
}

// DLQStats provides statistics about the DLQ.
type DLQStats struct {
	QueueSize int   // Current size
	Enqueued  int64 // Total entries stored
	Evicted   int64 // Total entries evicted when full
	Skipped   int64 // Total entries filtered out by reason
}
