// Package dlq is the dead-letter queue for failed ingestion and
// reconciliation attempts. Items are replayed by reason-specific handlers
// with capped exponential backoff between failed attempts.
package dlq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound  = errors.New("dlq: item not found")
	ErrNoHandler = errors.New("dlq: no handler registered for reason")
)

// Item is one failed operation awaiting replay.
type Item struct {
	ID            string          `json:"id"`
	Reason        string          `json:"reason"`
	Payload       json.RawMessage `json:"payload"`
	Attempts      int             `json:"attempts"`
	NextAttemptAt time.Time       `json:"next_attempt_at"`
	LastError     string          `json:"last_error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Status is the outcome of replaying one item.
type Status string

const (
	StatusReplayed Status = "REPLAYED"
	StatusFailed   Status = "FAILED"
	StatusSkipped  Status = "SKIPPED"
	StatusNotFound Status = "NOT_FOUND"
)

// Outcome reports what happened to one item during Replay.
type Outcome struct {
	ID            string     `json:"id"`
	Status        Status     `json:"status"`
	Attempts      int        `json:"attempts,omitempty"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
	Error         string     `json:"error,omitempty"`
}

// Handler re-runs the original operation for an item's payload.
type Handler func(ctx context.Context, payload json.RawMessage) error

// Store persists items. Claim conditionally pushes next_attempt_at to
// leaseUntil if the item is due at now, so concurrent replays of the same
// item do not both run it.
type Store interface {
	Insert(ctx context.Context, item *Item) error
	Get(ctx context.Context, id string) (*Item, error)
	List(ctx context.Context) ([]Item, error)
	Due(ctx context.Context, now time.Time) ([]Item, error)
	Claim(ctx context.Context, id string, now, leaseUntil time.Time) (bool, error)
	Update(ctx context.Context, item *Item) error
	Delete(ctx context.Context, id string) error
}

// Queue enqueues failures and replays them.
type Queue struct {
	store    Store
	backoff  BackoffPolicy
	lease    time.Duration
	clock    func() time.Time
	logger   *slog.Logger
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewQueue(store Store, backoff BackoffPolicy) *Queue {
	return &Queue{
		store:    store,
		backoff:  backoff,
		lease:    5 * time.Minute,
		clock:    time.Now,
		logger:   slog.Default().With("component", "dlq"),
		handlers: make(map[string]Handler),
	}
}

// WithClock overrides the time source (for testing).
func (q *Queue) WithClock(clock func() time.Time) *Queue {
	q.clock = clock
	return q
}

// Register binds the replay handler for reason.
func (q *Queue) Register(reason string, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[reason] = h
}

// Enqueue stores a new item that is immediately due.
func (q *Queue) Enqueue(ctx context.Context, reason string, payload interface{}, cause error) (*Item, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("dlq: marshal payload: %w", err)
	}
	now := q.clock().UTC()
	item := &Item{
		ID:            uuid.NewString(),
		Reason:        reason,
		Payload:       raw,
		NextAttemptAt: now,
		CreatedAt:     now,
	}
	if cause != nil {
		item.LastError = cause.Error()
	}
	if err := q.store.Insert(ctx, item); err != nil {
		return nil, fmt.Errorf("dlq: insert: %w", err)
	}
	q.logger.WarnContext(ctx, "item dead-lettered", "id", item.ID, "reason", reason, "error", item.LastError)
	return item, nil
}

// List returns every queued item.
func (q *Queue) List(ctx context.Context) ([]Item, error) {
	return q.store.List(ctx)
}

// Replay re-runs the given items, or every item when ids is empty. Items
// not yet due are reported SKIPPED and left untouched.
func (q *Queue) Replay(ctx context.Context, ids []string) ([]Outcome, error) {
	if len(ids) == 0 {
		items, err := q.store.List(ctx)
		if err != nil {
			return nil, err
		}
		for _, it := range items {
			ids = append(ids, it.ID)
		}
	}

	out := make([]Outcome, 0, len(ids))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		o, err := q.replayOne(ctx, id)
		if err != nil {
			return out, err
		}
		out = append(out, o)
	}
	return out, nil
}

// ReplayDue replays every item due now.
func (q *Queue) ReplayDue(ctx context.Context) ([]Outcome, error) {
	due, err := q.store.Due(ctx, q.clock())
	if err != nil {
		return nil, err
	}
	if len(due) == 0 {
		return nil, nil
	}
	ids := make([]string, len(due))
	for i, it := range due {
		ids[i] = it.ID
	}
	return q.Replay(ctx, ids)
}

func (q *Queue) replayOne(ctx context.Context, id string) (Outcome, error) {
	item, err := q.store.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return Outcome{ID: id, Status: StatusNotFound}, nil
	}
	if err != nil {
		return Outcome{}, err
	}

	now := q.clock().UTC()
	if now.Before(item.NextAttemptAt) {
		next := item.NextAttemptAt
		return Outcome{ID: id, Status: StatusSkipped, Attempts: item.Attempts, NextAttemptAt: &next}, nil
	}
	claimed, err := q.store.Claim(ctx, id, now, now.Add(q.lease))
	if err != nil {
		return Outcome{}, err
	}
	if !claimed {
		return Outcome{ID: id, Status: StatusSkipped, Attempts: item.Attempts}, nil
	}

	q.mu.RLock()
	h, ok := q.handlers[item.Reason]
	q.mu.RUnlock()

	var runErr error
	if !ok {
		runErr = fmt.Errorf("%w: %s", ErrNoHandler, item.Reason)
	} else {
		runErr = h(ctx, item.Payload)
	}

	if runErr == nil {
		if err := q.store.Delete(ctx, id); err != nil {
			return Outcome{}, err
		}
		q.logger.InfoContext(ctx, "item replayed", "id", id, "reason", item.Reason)
		return Outcome{ID: id, Status: StatusReplayed, Attempts: item.Attempts + 1}, nil
	}

	item.Attempts++
	item.NextAttemptAt = now.Add(q.backoff.Delay(item.ID, item.Attempts))
	item.LastError = runErr.Error()
	if err := q.store.Update(ctx, item); err != nil {
		return Outcome{}, err
	}
	q.logger.WarnContext(ctx, "replay failed", "id", id, "reason", item.Reason, "attempts", item.Attempts, "error", runErr)
	next := item.NextAttemptAt
	return Outcome{ID: id, Status: StatusFailed, Attempts: item.Attempts, NextAttemptAt: &next, Error: item.LastError}, nil
}
