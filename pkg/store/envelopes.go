package store

import (
	"context"
	"sort"
	"sync"

	"github.com/tillerhq/tiller/pkg/contracts"
)

// EnvelopeFilter narrows List. Zero values match everything.
type EnvelopeFilter struct {
	PrincipalID    string
	OrganizationID string
	Status         contracts.EnvelopeStatus
	Limit          int
}

// EnvelopeStore persists action envelopes. Update bumps the envelope's
// version; per-envelope write serialization is the orchestrator's job.
type EnvelopeStore interface {
	Create(ctx context.Context, e *contracts.ActionEnvelope) error
	Get(ctx context.Context, id string) (*contracts.ActionEnvelope, error)
	Update(ctx context.Context, e *contracts.ActionEnvelope) error
	List(ctx context.Context, f EnvelopeFilter) ([]*contracts.ActionEnvelope, error)
}

// MemoryEnvelopes is the in-process envelope store.
type MemoryEnvelopes struct {
	mu    sync.RWMutex
	byID  map[string]*contracts.ActionEnvelope
	order []string
}

// NewMemoryEnvelopes returns an empty envelope store.
func NewMemoryEnvelopes() *MemoryEnvelopes {
	return &MemoryEnvelopes{byID: make(map[string]*contracts.ActionEnvelope)}
}

func cloneEnvelope(e *contracts.ActionEnvelope) *contracts.ActionEnvelope {
	clone := *e
	clone.Proposals = append([]contracts.Proposal(nil), e.Proposals...)
	clone.ResolvedEntities = append([]contracts.ResolvedEntity(nil), e.ResolvedEntities...)
	clone.ApprovalRequestIDs = append([]string(nil), e.ApprovalRequestIDs...)
	clone.ExecutionResults = append([]contracts.ExecuteResult(nil), e.ExecutionResults...)
	clone.AuditEntryIDs = append([]string(nil), e.AuditEntryIDs...)
	if e.DecisionTrace != nil {
		trace := *e.DecisionTrace
		trace.Checks = append([]contracts.TraceCheck(nil), e.DecisionTrace.Checks...)
		clone.DecisionTrace = &trace
	}
	return &clone
}

func (s *MemoryEnvelopes) Create(ctx context.Context, e *contracts.ActionEnvelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byID[e.ID]; exists {
		return ErrDuplicateID
	}
	clone := cloneEnvelope(e)
	if clone.Version == 0 {
		clone.Version = 1
	}
	s.byID[clone.ID] = clone
	s.order = append(s.order, clone.ID)
	e.Version = clone.Version
	return nil
}

func (s *MemoryEnvelopes) Get(ctx context.Context, id string) (*contracts.ActionEnvelope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneEnvelope(e), nil
}

func (s *MemoryEnvelopes) Update(ctx context.Context, e *contracts.ActionEnvelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[e.ID]; !ok {
		return ErrNotFound
	}
	clone := cloneEnvelope(e)
	clone.Version++
	s.byID[e.ID] = clone
	e.Version = clone.Version
	return nil
}

func (s *MemoryEnvelopes) List(ctx context.Context, f EnvelopeFilter) ([]*contracts.ActionEnvelope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*contracts.ActionEnvelope, 0)
	// Newest first.
	ids := make([]string, len(s.order))
	copy(ids, s.order)
	sort.SliceStable(ids, func(i, j int) bool {
		return s.byID[ids[i]].CreatedAt.After(s.byID[ids[j]].CreatedAt)
	})
	for _, id := range ids {
		e := s.byID[id]
		if f.PrincipalID != "" && e.PrincipalID != f.PrincipalID {
			continue
		}
		if f.OrganizationID != "" && e.OrganizationID != f.OrganizationID {
			continue
		}
		if f.Status != "" && e.Status != f.Status {
			continue
		}
		out = append(out, cloneEnvelope(e))
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}
