package policy

import (
	"context"
	"sync"
	"time"

	"github.com/tillerhq/tiller/pkg/contracts"
	"github.com/tillerhq/tiller/pkg/store"
)

// Provider hands the evaluator its scoped, ordered policy list.
type Provider interface {
	PoliciesFor(ctx context.Context, cartridgeID, organizationID string) ([]*contracts.Policy, error)
}

// DefaultCacheTTL bounds how stale a cached policy list may get when no
// change notification arrives (multi-instance deployments share the store
// but not the hooks).
const DefaultCacheTTL = 60 * time.Second

type cacheKey struct {
	cartridgeID    string
	organizationID string
}

type cacheEntry struct {
	policies  []*contracts.Policy
	expiresAt time.Time
}

// CachingProvider fronts the policy store with a TTL cache keyed by
// (cartridge, organization). Store mutations invalidate the whole cache via
// the store's change hook; wire the registry's hook too so new cartridge
// versions re-read immediately.
type CachingProvider struct {
	policies store.PolicyStore
	ttl      time.Duration
	clock    func() time.Time

	mu      sync.Mutex
	entries map[cacheKey]cacheEntry
}

// CacheOption configures a CachingProvider.
type CacheOption func(*CachingProvider)

// WithCacheTTL overrides the default TTL.
func WithCacheTTL(ttl time.Duration) CacheOption {
	return func(p *CachingProvider) { p.ttl = ttl }
}

// WithCacheClock overrides the cache's time source for tests.
func WithCacheClock(clock func() time.Time) CacheOption {
	return func(p *CachingProvider) { p.clock = clock }
}

// NewCachingProvider builds the cache and subscribes to store changes.
func NewCachingProvider(policies store.PolicyStore, opts ...CacheOption) *CachingProvider {
	p := &CachingProvider{
		policies: policies,
		ttl:      DefaultCacheTTL,
		clock:    time.Now,
		entries:  make(map[cacheKey]cacheEntry),
	}
	for _, opt := range opts {
		opt(p)
	}
	policies.OnChange(p.Invalidate)
	return p
}

func (p *CachingProvider) PoliciesFor(ctx context.Context, cartridgeID, organizationID string) ([]*contracts.Policy, error) {
	key := cacheKey{cartridgeID: cartridgeID, organizationID: organizationID}
	now := p.clock()

	p.mu.Lock()
	if entry, ok := p.entries[key]; ok && now.Before(entry.expiresAt) {
		cached := entry.policies
		p.mu.Unlock()
		return cached, nil
	}
	p.mu.Unlock()

	policies, err := p.policies.ListFor(ctx, cartridgeID, organizationID)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.entries[key] = cacheEntry{policies: policies, expiresAt: now.Add(p.ttl)}
	p.mu.Unlock()
	return policies, nil
}

// Invalidate drops every cached list. Also the target for the cartridge
// registry's change hook.
func (p *CachingProvider) Invalidate() {
	p.mu.Lock()
	p.entries = make(map[cacheKey]cacheEntry)
	p.mu.Unlock()
}
