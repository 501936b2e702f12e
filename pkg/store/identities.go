package store

import (
	"context"
	"sort"
	"sync"

	"github.com/tillerhq/tiller/pkg/contracts"
)

// IdentityStore persists identity specs and their role overlays.
type IdentityStore interface {
	PutSpec(ctx context.Context, spec *contracts.IdentitySpec) error
	Spec(ctx context.Context, id string) (*contracts.IdentitySpec, error)
	// SpecForPrincipal returns the principal's spec, falling back to the
	// organization default (a spec with empty PrincipalID) when the
	// principal has none.
	SpecForPrincipal(ctx context.Context, principalID, organizationID string) (*contracts.IdentitySpec, error)

	PutOverlay(ctx context.Context, overlay *contracts.RoleOverlay) error
	DeleteOverlay(ctx context.Context, id string) error
	// OverlaysForSpec returns the spec's overlays sorted by ascending
	// priority, inactive ones included (the resolver filters).
	OverlaysForSpec(ctx context.Context, specID string) ([]*contracts.RoleOverlay, error)
}

// MemoryIdentities is the in-process identity store.
type MemoryIdentities struct {
	mu       sync.RWMutex
	specs    map[string]*contracts.IdentitySpec
	overlays map[string]*contracts.RoleOverlay
}

// NewMemoryIdentities returns an empty identity store.
func NewMemoryIdentities() *MemoryIdentities {
	return &MemoryIdentities{
		specs:    make(map[string]*contracts.IdentitySpec),
		overlays: make(map[string]*contracts.RoleOverlay),
	}
}

func cloneSpec(s *contracts.IdentitySpec) *contracts.IdentitySpec {
	clone := *s
	if s.RiskTolerance != nil {
		clone.RiskTolerance = make(map[contracts.RiskCategory]contracts.ApprovalLevel, len(s.RiskTolerance))
		for k, v := range s.RiskTolerance {
			clone.RiskTolerance[k] = v
		}
	}
	if s.CartridgeSpendLimit != nil {
		clone.CartridgeSpendLimit = make(map[string]contracts.SpendLimits, len(s.CartridgeSpendLimit))
		for k, v := range s.CartridgeSpendLimit {
			clone.CartridgeSpendLimit[k] = v
		}
	}
	clone.ForbiddenBehaviors = append([]string(nil), s.ForbiddenBehaviors...)
	clone.TrustBehaviors = append([]string(nil), s.TrustBehaviors...)
	clone.DelegatedApprovers = append([]string(nil), s.DelegatedApprovers...)
	return &clone
}

func cloneOverlay(o *contracts.RoleOverlay) *contracts.RoleOverlay {
	clone := *o
	clone.Conditions.CartridgeIDs = append([]string(nil), o.Conditions.CartridgeIDs...)
	clone.Conditions.RiskCategories = append([]contracts.RiskCategory(nil), o.Conditions.RiskCategories...)
	clone.Conditions.TimeWindows = append([]contracts.TimeWindow(nil), o.Conditions.TimeWindows...)
	if o.Overrides.RiskTolerance != nil {
		clone.Overrides.RiskTolerance = make(map[contracts.RiskCategory]contracts.ApprovalLevel, len(o.Overrides.RiskTolerance))
		for k, v := range o.Overrides.RiskTolerance {
			clone.Overrides.RiskTolerance[k] = v
		}
	}
	if o.Overrides.GlobalSpendLimits != nil {
		v := *o.Overrides.GlobalSpendLimits
		clone.Overrides.GlobalSpendLimits = &v
	}
	clone.Overrides.ForbiddenBehaviors = append([]string(nil), o.Overrides.ForbiddenBehaviors...)
	clone.Overrides.TrustBehaviors = append([]string(nil), o.Overrides.TrustBehaviors...)
	clone.Overrides.RemoveTrustBehaviors = append([]string(nil), o.Overrides.RemoveTrustBehaviors...)
	return &clone
}

func (s *MemoryIdentities) PutSpec(ctx context.Context, spec *contracts.IdentitySpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.specs[spec.ID] = cloneSpec(spec)
	return nil
}

func (s *MemoryIdentities) Spec(ctx context.Context, id string) (*contracts.IdentitySpec, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	spec, ok := s.specs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneSpec(spec), nil
}

func (s *MemoryIdentities) SpecForPrincipal(ctx context.Context, principalID, organizationID string) (*contracts.IdentitySpec, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var orgDefault *contracts.IdentitySpec
	for _, spec := range s.specs {
		if spec.OrganizationID != organizationID {
			continue
		}
		if spec.PrincipalID == principalID {
			return cloneSpec(spec), nil
		}
		if spec.PrincipalID == "" {
			orgDefault = spec
		}
	}
	if orgDefault != nil {
		return cloneSpec(orgDefault), nil
	}
	return nil, ErrNotFound
}

func (s *MemoryIdentities) PutOverlay(ctx context.Context, overlay *contracts.RoleOverlay) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overlays[overlay.ID] = cloneOverlay(overlay)
	return nil
}

func (s *MemoryIdentities) DeleteOverlay(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.overlays[id]; !ok {
		return ErrNotFound
	}
	delete(s.overlays, id)
	return nil
}

func (s *MemoryIdentities) OverlaysForSpec(ctx context.Context, specID string) ([]*contracts.RoleOverlay, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*contracts.RoleOverlay, 0)
	for _, o := range s.overlays {
		if o.SpecID == specID {
			out = append(out, cloneOverlay(o))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}
