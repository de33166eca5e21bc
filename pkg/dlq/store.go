package dlq

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Mindburn-Labs/remit/pkg/store"
)

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]Item
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]Item)}
}

func (m *MemoryStore) Insert(_ context.Context, item *Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[item.ID]; ok {
		return fmt.Errorf("dlq: duplicate id %s", item.ID)
	}
	m.items[item.ID] = *item
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &it, nil
}

func (m *MemoryStore) List(_ context.Context) ([]Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Item, 0, len(m.items))
	for _, it := range m.items {
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryStore) Due(ctx context.Context, now time.Time) ([]Item, error) {
	all, _ := m.List(ctx)
	var out []Item
	for _, it := range all {
		if !now.Before(it.NextAttemptAt) {
			out = append(out, it)
		}
	}
	return out, nil
}

func (m *MemoryStore) Claim(_ context.Context, id string, now, leaseUntil time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	if !ok || now.Before(it.NextAttemptAt) {
		return false, nil
	}
	it.NextAttemptAt = leaseUntil
	m.items[id] = it
	return true, nil
}

func (m *MemoryStore) Update(_ context.Context, item *Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[item.ID]; !ok {
		return ErrNotFound
	}
	m.items[item.ID] = *item
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, id)
	return nil
}

// SQLStore keeps items in dlq_items.
type SQLStore struct {
	db *store.DB
}

func NewSQLStore(db *store.DB) *SQLStore {
	return &SQLStore{db: db}
}

const selectItems = `SELECT id, reason, payload, attempts, next_attempt_at, last_error, created_at FROM dlq_items`

func (s *SQLStore) Insert(ctx context.Context, item *Item) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dlq_items (id, reason, payload, attempts, next_attempt_at, last_error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		item.ID, item.Reason, string(item.Payload), item.Attempts,
		store.Micros(item.NextAttemptAt), item.LastError, store.Micros(item.CreatedAt),
	)
	return err
}

func (s *SQLStore) Get(ctx context.Context, id string) (*Item, error) {
	rows, err := s.db.QueryContext(ctx, selectItems+" WHERE id = $1", id)
	if err != nil {
		return nil, err
	}
	items, err := scanItems(rows)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, ErrNotFound
	}
	return &items[0], nil
}

func (s *SQLStore) List(ctx context.Context) ([]Item, error) {
	rows, err := s.db.QueryContext(ctx, selectItems+" ORDER BY created_at, id")
	if err != nil {
		return nil, err
	}
	return scanItems(rows)
}

func (s *SQLStore) Due(ctx context.Context, now time.Time) ([]Item, error) {
	rows, err := s.db.QueryContext(ctx, selectItems+" WHERE next_attempt_at <= $1 ORDER BY next_attempt_at, id", store.Micros(now))
	if err != nil {
		return nil, err
	}
	return scanItems(rows)
}

func (s *SQLStore) Claim(ctx context.Context, id string, now, leaseUntil time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE dlq_items SET next_attempt_at = $1 WHERE id = $2 AND next_attempt_at <= $3",
		store.Micros(leaseUntil), id, store.Micros(now),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("dlq: rows affected: %w", err)
	}
	return n == 1, nil
}

func (s *SQLStore) Update(ctx context.Context, item *Item) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE dlq_items SET attempts = $1, next_attempt_at = $2, last_error = $3 WHERE id = $4",
		item.Attempts, store.Micros(item.NextAttemptAt), item.LastError, item.ID,
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM dlq_items WHERE id = $1", id)
	return err
}

func scanItems(rows *sql.Rows) ([]Item, error) {
	defer func() { _ = rows.Close() }()
	var out []Item
	for rows.Next() {
		var (
			it              Item
			payload         string
			next, createdAt int64
		)
		if err := rows.Scan(&it.ID, &it.Reason, &payload, &it.Attempts, &next, &it.LastError, &createdAt); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				break
			}
			return nil, fmt.Errorf("dlq: scan: %w", err)
		}
		it.Payload = []byte(payload)
		it.NextAttemptAt = store.FromMicros(next)
		it.CreatedAt = store.FromMicros(createdAt)
		out = append(out, it)
	}
	return out, rows.Err()
}
