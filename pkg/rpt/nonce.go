package rpt

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// NonceStore records consumed token nonces so a token releases funds once.
type NonceStore interface {
	// Consume marks nonce as used until the given time. It returns false if
	// the nonce was already consumed.
	Consume(ctx context.Context, nonce string, until time.Time) (bool, error)
}

// MemoryNonceStore is a process-local NonceStore.
type MemoryNonceStore struct {
	mu    sync.Mutex
	seen  map[string]time.Time
	clock func() time.Time
}

func NewMemoryNonceStore() *MemoryNonceStore {
	return &MemoryNonceStore{seen: make(map[string]time.Time), clock: time.Now}
}

func (m *MemoryNonceStore) Consume(_ context.Context, nonce string, until time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	for n, exp := range m.seen {
		if now.After(exp) {
			delete(m.seen, n)
		}
	}
	if _, ok := m.seen[nonce]; ok {
		return false, nil
	}
	m.seen[nonce] = until
	return true, nil
}

// RedisNonceStore shares consumed nonces across instances with SET NX.
type RedisNonceStore struct {
	client redis.UniversalClient
	prefix string
	clock  func() time.Time
}

func NewRedisNonceStore(client redis.UniversalClient) *RedisNonceStore {
	return &RedisNonceStore{client: client, prefix: "remit:rpt:nonce:", clock: time.Now}
}

func (r *RedisNonceStore) Consume(ctx context.Context, nonce string, until time.Time) (bool, error) {
	ttl := until.Sub(r.clock())
	if ttl < time.Second {
		ttl = time.Second
	}
	ok, err := r.client.SetNX(ctx, r.prefix+nonce, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("rpt: consume nonce: %w", err)
	}
	return ok, nil
}
