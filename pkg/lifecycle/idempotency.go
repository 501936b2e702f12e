package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache replays proposal results by idempotency key. Entries hold the full
// result of the first call; a hit within the window short-circuits the
// pipeline entirely, so retried requests cannot double-execute or
// double-request approval.
type Cache interface {
	Get(ctx context.Context, key string) (*ProposeResult, bool, error)
	Put(ctx context.Context, key string, res *ProposeResult, ttl time.Duration) error
}

// MemoryCache is the single-process cache. Results are stored marshaled so
// a cached response cannot alias state the pipeline later mutates.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	clock   func() time.Time
}

type memoryEntry struct {
	payload   []byte
	expiresAt time.Time
}

// MemoryCacheOption configures a MemoryCache.
type MemoryCacheOption func(*MemoryCache)

// WithCacheClock substitutes the time source, for tests.
func WithCacheClock(clock func() time.Time) MemoryCacheOption {
	return func(c *MemoryCache) { c.clock = clock }
}

// NewMemoryCache builds an empty cache.
func NewMemoryCache(opts ...MemoryCacheOption) *MemoryCache {
	c := &MemoryCache{
		entries: make(map[string]memoryEntry),
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var _ Cache = (*MemoryCache)(nil)

func (c *MemoryCache) Get(ctx context.Context, key string) (*ProposeResult, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return nil, false, nil
	}
	if c.clock().After(entry.expiresAt) {
		delete(c.entries, key)
		return nil, false, nil
	}
	var res ProposeResult
	if err := json.Unmarshal(entry.payload, &res); err != nil {
		return nil, false, fmt.Errorf("decode cached result: %w", err)
	}
	return &res, true, nil
}

func (c *MemoryCache) Put(ctx context.Context, key string, res *ProposeResult, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	payload, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = memoryEntry{payload: payload, expiresAt: c.clock().Add(ttl)}
	return nil
}

const idemKeyPrefix = "idem:"

// RedisCache shares the idempotency window across broker instances. Redis
// owns expiry via key TTLs.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache wraps an existing client; the caller owns its lifetime.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

var _ Cache = (*RedisCache)(nil)

func (c *RedisCache) Get(ctx context.Context, key string) (*ProposeResult, bool, error) {
	payload, err := c.client.Get(ctx, idemKeyPrefix+key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("idempotency get: %w", err)
	}
	var res ProposeResult
	if err := json.Unmarshal(payload, &res); err != nil {
		return nil, false, fmt.Errorf("decode cached result: %w", err)
	}
	return &res, true, nil
}

func (c *RedisCache) Put(ctx context.Context, key string, res *ProposeResult, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	payload, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	if err := c.client.Set(ctx, idemKeyPrefix+key, payload, ttl).Err(); err != nil {
		return fmt.Errorf("idempotency set: %w", err)
	}
	return nil
}
