package store

import (
	"context"
	"sort"
	"sync"

	"github.com/tillerhq/tiller/pkg/contracts"
)

// PolicyStore persists governance policies. ListFor returns the active
// policies in scope for a (cartridge, organization) pair, global policies
// (nil scope fields) included, sorted by ascending priority with ties broken
// by id, so evaluation order is deterministic everywhere.
type PolicyStore interface {
	Upsert(ctx context.Context, p *contracts.Policy) error
	Delete(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*contracts.Policy, error)
	ListFor(ctx context.Context, cartridgeID, organizationID string) ([]*contracts.Policy, error)

	// OnChange registers a hook fired after any successful Upsert or Delete.
	// The policy cache subscribes to invalidate itself.
	OnChange(fn func())
}

// MemoryPolicies is the in-process policy store.
type MemoryPolicies struct {
	mu    sync.RWMutex
	byID  map[string]*contracts.Policy
	hooks []func()
}

// NewMemoryPolicies returns an empty policy store.
func NewMemoryPolicies() *MemoryPolicies {
	return &MemoryPolicies{byID: make(map[string]*contracts.Policy)}
}

func clonePolicy(p *contracts.Policy) *contracts.Policy {
	clone := *p
	if p.CartridgeID != nil {
		v := *p.CartridgeID
		clone.CartridgeID = &v
	}
	if p.OrganizationID != nil {
		v := *p.OrganizationID
		clone.OrganizationID = &v
	}
	if p.Transform != nil {
		t := *p.Transform
		clone.Transform = &t
	}
	return &clone
}

func (s *MemoryPolicies) Upsert(ctx context.Context, p *contracts.Policy) error {
	s.mu.Lock()
	s.byID[p.ID] = clonePolicy(p)
	hooks := append(([]func())(nil), s.hooks...)
	s.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
	return nil
}

func (s *MemoryPolicies) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	if _, ok := s.byID[id]; !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	delete(s.byID, id)
	hooks := append(([]func())(nil), s.hooks...)
	s.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
	return nil
}

func (s *MemoryPolicies) Get(ctx context.Context, id string) (*contracts.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clonePolicy(p), nil
}

func (s *MemoryPolicies) ListFor(ctx context.Context, cartridgeID, organizationID string) ([]*contracts.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*contracts.Policy, 0)
	for _, p := range s.byID {
		if !p.Active {
			continue
		}
		if !p.AppliesTo(cartridgeID, organizationID) {
			continue
		}
		out = append(out, clonePolicy(p))
	}
	SortPolicies(out)
	return out, nil
}

func (s *MemoryPolicies) OnChange(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, fn)
}

// SortPolicies orders policies the way the evaluator consumes them:
// ascending priority, ties broken by id.
func SortPolicies(ps []*contracts.Policy) {
	sort.SliceStable(ps, func(i, j int) bool {
		if ps[i].Priority != ps[j].Priority {
			return ps[i].Priority < ps[j].Priority
		}
		return ps[i].ID < ps[j].ID
	})
}
