package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (m *MemoryStore) CreateIfAbsent(_ context.Context, rec Record, now time.Time) (Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.records[rec.Key]; ok && now.Before(cur.ExpiresAt) {
		return cur, false, nil
	}
	m.records[rec.Key] = rec
	return rec, true, nil
}

func (m *MemoryStore) Take(_ context.Context, rec Record, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.records[rec.Key]
	if !ok || cur != rec {
		return false, nil
	}
	delete(m.records, rec.Key)
	return now.Before(cur.ExpiresAt), nil
}

// createScript returns {1, value} when it stored ARGV[1] and {0, current}
// when a live record was already present.
var createScript = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if cur then
    return {0, cur}
end
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
return {1, ARGV[1]}
`)

// takeScript deletes KEYS[1] only if it still holds ARGV[1].
var takeScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisStore shares pending approvals across instances. Expiry is
// delegated to the key TTL.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client, prefix: "remit:approval:"}
}

func (r *RedisStore) CreateIfAbsent(ctx context.Context, rec Record, now time.Time) (Record, bool, error) {
	value, err := json.Marshal(rec)
	if err != nil {
		return Record{}, false, err
	}
	ttl := rec.ExpiresAt.Sub(now).Milliseconds()
	if ttl < 1 {
		ttl = 1
	}
	res, err := createScript.Run(ctx, r.client, []string{r.prefix + rec.Key}, string(value), ttl).Result()
	if err != nil {
		return Record{}, false, fmt.Errorf("redis approval create: %w", err)
	}
	results, ok := res.([]interface{})
	if !ok || len(results) != 2 {
		return Record{}, false, fmt.Errorf("invalid response from lua script")
	}
	created, _ := results[0].(int64)
	raw, _ := results[1].(string)
	var cur Record
	if err := json.Unmarshal([]byte(raw), &cur); err != nil {
		return Record{}, false, fmt.Errorf("redis approval decode: %w", err)
	}
	return cur, created == 1, nil
}

func (r *RedisStore) Take(ctx context.Context, rec Record, _ time.Time) (bool, error) {
	value, err := json.Marshal(rec)
	if err != nil {
		return false, err
	}
	n, err := takeScript.Run(ctx, r.client, []string{r.prefix + rec.Key}, string(value)).Int64()
	if err != nil {
		return false, fmt.Errorf("redis approval take: %w", err)
	}
	return n == 1, nil
}
