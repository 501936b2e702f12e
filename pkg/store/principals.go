package store

import (
	"context"
	"sort"
	"sync"

	"github.com/tillerhq/tiller/pkg/contracts"
)

// PrincipalStore persists acting entities.
type PrincipalStore interface {
	Put(ctx context.Context, p *contracts.Principal) error
	Get(ctx context.Context, id string) (*contracts.Principal, error)
}

// DelegationStore persists delegation rules, queried by grantee during
// chain resolution.
type DelegationStore interface {
	Put(ctx context.Context, rule *contracts.DelegationRule) error
	Delete(ctx context.Context, id string) error
	ByGrantee(ctx context.Context, granteeID string) ([]*contracts.DelegationRule, error)
	All(ctx context.Context) ([]*contracts.DelegationRule, error)
}

// MemoryPrincipals is the in-process principal store.
type MemoryPrincipals struct {
	mu   sync.RWMutex
	byID map[string]*contracts.Principal
}

// NewMemoryPrincipals returns an empty principal store.
func NewMemoryPrincipals() *MemoryPrincipals {
	return &MemoryPrincipals{byID: make(map[string]*contracts.Principal)}
}

func (s *MemoryPrincipals) Put(ctx context.Context, p *contracts.Principal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *p
	clone.Roles = append([]string(nil), p.Roles...)
	s.byID[p.ID] = &clone
	return nil
}

func (s *MemoryPrincipals) Get(ctx context.Context, id string) (*contracts.Principal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *p
	clone.Roles = append([]string(nil), p.Roles...)
	return &clone, nil
}

// MemoryDelegations is the in-process delegation store.
type MemoryDelegations struct {
	mu   sync.RWMutex
	byID map[string]*contracts.DelegationRule
}

// NewMemoryDelegations returns an empty delegation store.
func NewMemoryDelegations() *MemoryDelegations {
	return &MemoryDelegations{byID: make(map[string]*contracts.DelegationRule)}
}

func cloneRule(r *contracts.DelegationRule) *contracts.DelegationRule {
	clone := *r
	if r.ExpiresAt != nil {
		t := *r.ExpiresAt
		clone.ExpiresAt = &t
	}
	return &clone
}

func (s *MemoryDelegations) Put(ctx context.Context, rule *contracts.DelegationRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[rule.ID] = cloneRule(rule)
	return nil
}

func (s *MemoryDelegations) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[id]; !ok {
		return ErrNotFound
	}
	delete(s.byID, id)
	return nil
}

func (s *MemoryDelegations) ByGrantee(ctx context.Context, granteeID string) ([]*contracts.DelegationRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*contracts.DelegationRule, 0)
	for _, r := range s.byID {
		if r.Grantee == granteeID {
			out = append(out, cloneRule(r))
		}
	}
	sortRules(out)
	return out, nil
}

func (s *MemoryDelegations) All(ctx context.Context) ([]*contracts.DelegationRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*contracts.DelegationRule, 0, len(s.byID))
	for _, r := range s.byID {
		out = append(out, cloneRule(r))
	}
	sortRules(out)
	return out, nil
}

func sortRules(rules []*contracts.DelegationRule) {
	sort.SliceStable(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })
}
