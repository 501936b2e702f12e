// Package guardrail stores the shared, TTL'd state behind rate limits and
// cooldowns: windowed counters and last-action timestamps. The policy engine
// owns the semantics; this package is a dumb expiring KV with an in-process
// implementation and a Redis one for multi-instance deployments.
package guardrail

import (
	"context"
	"sync"
	"time"
)

// RateLimitEntry is one fixed-window counter.
type RateLimitEntry struct {
	Count       int   `json:"count"`
	WindowStart int64 `json:"windowStart"` // unix ms
}

// Store is the guardrail state contract. TTL is mandatory on writes; entries
// past their TTL must read as absent.
type Store interface {
	RateLimits(ctx context.Context, keys []string) (map[string]RateLimitEntry, error)
	SetRateLimit(ctx context.Context, key string, entry RateLimitEntry, ttl time.Duration) error
	Cooldowns(ctx context.Context, keys []string) (map[string]time.Time, error)
	SetCooldown(ctx context.Context, key string, ts time.Time, ttl time.Duration) error
}

// Incrementer is implemented by stores that can bump a window counter
// atomically. The policy engine prefers this over read-modify-write when the
// store offers it; a new windowStart resets the count.
type Incrementer interface {
	IncrRateLimit(ctx context.Context, key string, windowStart int64, ttl time.Duration) (int, error)
}

type expiringRate struct {
	entry     RateLimitEntry
	expiresAt time.Time
}

type expiringCooldown struct {
	ts        time.Time
	expiresAt time.Time
}

// MemoryStore keeps guardrail state in process memory with per-entry expiry.
type MemoryStore struct {
	mu        sync.Mutex
	rates     map[string]expiringRate
	cooldowns map[string]expiringCooldown
	clock     func() time.Time
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock overrides the store's time source for tests.
func WithClock(clock func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.clock = clock }
}

// NewMemoryStore returns an empty in-process guardrail store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		rates:     make(map[string]expiringRate),
		cooldowns: make(map[string]expiringCooldown),
		clock:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) RateLimits(ctx context.Context, keys []string) (map[string]RateLimitEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	out := make(map[string]RateLimitEntry, len(keys))
	for _, k := range keys {
		if e, ok := s.rates[k]; ok {
			if now.After(e.expiresAt) {
				delete(s.rates, k)
				continue
			}
			out[k] = e.entry
		}
	}
	return out, nil
}

func (s *MemoryStore) SetRateLimit(ctx context.Context, key string, entry RateLimitEntry, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rates[key] = expiringRate{entry: entry, expiresAt: s.clock().Add(ttl)}
	return nil
}

func (s *MemoryStore) IncrRateLimit(ctx context.Context, key string, windowStart int64, ttl time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	e, ok := s.rates[key]
	if !ok || now.After(e.expiresAt) || e.entry.WindowStart != windowStart {
		e = expiringRate{entry: RateLimitEntry{WindowStart: windowStart}}
	}
	e.entry.Count++
	e.expiresAt = now.Add(ttl)
	s.rates[key] = e
	return e.entry.Count, nil
}

func (s *MemoryStore) Cooldowns(ctx context.Context, keys []string) (map[string]time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	out := make(map[string]time.Time, len(keys))
	for _, k := range keys {
		if e, ok := s.cooldowns[k]; ok {
			if now.After(e.expiresAt) {
				delete(s.cooldowns, k)
				continue
			}
			out[k] = e.ts
		}
	}
	return out, nil
}

func (s *MemoryStore) SetCooldown(ctx context.Context, key string, ts time.Time, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cooldowns[key] = expiringCooldown{ts: ts, expiresAt: s.clock().Add(ttl)}
	return nil
}
