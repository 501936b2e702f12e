package store

import (
	"context"
	"sort"
	"sync"

	"github.com/tillerhq/tiller/pkg/contracts"
)

// CompetenceStore persists per-(principal, action-type) reliability records.
type CompetenceStore interface {
	Get(ctx context.Context, principalID, actionType string) (*contracts.CompetenceRecord, error)
	Put(ctx context.Context, rec *contracts.CompetenceRecord) error
	ByPrincipal(ctx context.Context, principalID string) ([]*contracts.CompetenceRecord, error)
}

type competenceKey struct {
	principalID string
	actionType  string
}

// MemoryCompetence is the in-process competence store.
type MemoryCompetence struct {
	mu   sync.RWMutex
	byID map[competenceKey]*contracts.CompetenceRecord
}

// NewMemoryCompetence returns an empty competence store.
func NewMemoryCompetence() *MemoryCompetence {
	return &MemoryCompetence{byID: make(map[competenceKey]*contracts.CompetenceRecord)}
}

func cloneCompetence(r *contracts.CompetenceRecord) *contracts.CompetenceRecord {
	clone := *r
	clone.History = append([]contracts.CompetenceEvent(nil), r.History...)
	return &clone
}

func (s *MemoryCompetence) Get(ctx context.Context, principalID, actionType string) (*contracts.CompetenceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byID[competenceKey{principalID, actionType}]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneCompetence(rec), nil
}

func (s *MemoryCompetence) Put(ctx context.Context, rec *contracts.CompetenceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[competenceKey{rec.PrincipalID, rec.ActionType}] = cloneCompetence(rec)
	return nil
}

func (s *MemoryCompetence) ByPrincipal(ctx context.Context, principalID string) ([]*contracts.CompetenceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*contracts.CompetenceRecord, 0)
	for key, rec := range s.byID {
		if key.principalID == principalID {
			out = append(out, cloneCompetence(rec))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ActionType < out[j].ActionType })
	return out, nil
}
