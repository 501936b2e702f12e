package store

import (
	"context"
	"sort"
	"sync"

	"github.com/tillerhq/tiller/pkg/contracts"
)

// ApprovalStore persists approval requests (immutable) and their states
// (versioned). UpdateState is a compare-and-swap on the state's version:
// the writer supplies the version it observed and loses with
// ErrStaleVersion when another writer got there first.
type ApprovalStore interface {
	Create(ctx context.Context, req *contracts.ApprovalRequest, initial *contracts.ApprovalState) error
	Request(ctx context.Context, id string) (*contracts.ApprovalRequest, error)
	State(ctx context.Context, id string) (*contracts.ApprovalState, error)
	UpdateState(ctx context.Context, next *contracts.ApprovalState, observedVersion int) error
	// ListPending returns requests whose state is pending, optionally
	// scoped to one organization, oldest expiry first.
	ListPending(ctx context.Context, organizationID string) ([]*contracts.ApprovalRequest, error)
}

type approvalRecord struct {
	request *contracts.ApprovalRequest
	state   *contracts.ApprovalState
}

// MemoryApprovals is the in-process approval store.
type MemoryApprovals struct {
	mu   sync.RWMutex
	byID map[string]*approvalRecord
}

// NewMemoryApprovals returns an empty approval store.
func NewMemoryApprovals() *MemoryApprovals {
	return &MemoryApprovals{byID: make(map[string]*approvalRecord)}
}

func cloneRequest(r *contracts.ApprovalRequest) *contracts.ApprovalRequest {
	clone := *r
	clone.Approvers = append([]string(nil), r.Approvers...)
	if r.Quorum != nil {
		q := *r.Quorum
		clone.Quorum = &q
	}
	return &clone
}

func cloneState(s *contracts.ApprovalState) *contracts.ApprovalState {
	clone := *s
	if s.RespondedAt != nil {
		t := *s.RespondedAt
		clone.RespondedAt = &t
	}
	if s.PatchValue != nil {
		clone.PatchValue = make(map[string]any, len(s.PatchValue))
		for k, v := range s.PatchValue {
			clone.PatchValue[k] = v
		}
	}
	if s.Quorum != nil {
		q := *s.Quorum
		q.Entries = append([]contracts.QuorumEntry(nil), s.Quorum.Entries...)
		clone.Quorum = &q
	}
	return &clone
}

func (s *MemoryApprovals) Create(ctx context.Context, req *contracts.ApprovalRequest, initial *contracts.ApprovalState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byID[req.ID]; exists {
		return ErrDuplicateID
	}
	st := cloneState(initial)
	if st.Version == 0 {
		st.Version = 1
	}
	s.byID[req.ID] = &approvalRecord{request: cloneRequest(req), state: st}
	return nil
}

func (s *MemoryApprovals) Request(ctx context.Context, id string) (*contracts.ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRequest(rec.request), nil
}

func (s *MemoryApprovals) State(ctx context.Context, id string) (*contracts.ApprovalState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneState(rec.state), nil
}

func (s *MemoryApprovals) UpdateState(ctx context.Context, next *contracts.ApprovalState, observedVersion int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byID[next.ApprovalID]
	if !ok {
		return ErrNotFound
	}
	if rec.state.Version != observedVersion {
		return ErrStaleVersion
	}
	st := cloneState(next)
	st.Version = observedVersion + 1
	rec.state = st
	next.Version = st.Version
	return nil
}

func (s *MemoryApprovals) ListPending(ctx context.Context, organizationID string) ([]*contracts.ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*contracts.ApprovalRequest, 0)
	for _, rec := range s.byID {
		if rec.state.Status != contracts.ApprovalPending {
			continue
		}
		if organizationID != "" && rec.request.OrganizationID != organizationID {
			continue
		}
		out = append(out, cloneRequest(rec.request))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].ExpiresAt.Equal(out[j].ExpiresAt) {
			return out[i].ExpiresAt.Before(out[j].ExpiresAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}
