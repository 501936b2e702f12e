package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tillerhq/tiller/pkg/contracts"
)

func strPtr(s string) *string { return &s }

func TestEnvelopeCreateGetUpdate(t *testing.T) {
	s := NewMemoryEnvelopes()
	ctx := context.Background()

	env := &contracts.ActionEnvelope{
		ID:             "env_1",
		Proposals:      []contracts.Proposal{{ID: "prop_1", ActionType: "ads.campaign.pause"}},
		Status:         contracts.StatusProposed,
		PrincipalID:    "agent_1",
		OrganizationID: "org_1",
		CreatedAt:      time.Now(),
	}
	require.NoError(t, s.Create(ctx, env))
	assert.Equal(t, 1, env.Version)
	assert.ErrorIs(t, s.Create(ctx, env), ErrDuplicateID)

	got, err := s.Get(ctx, "env_1")
	require.NoError(t, err)
	// Mutating the returned copy must not leak into the store.
	got.Status = contracts.StatusDenied
	again, err := s.Get(ctx, "env_1")
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusProposed, again.Status)

	again.Status = contracts.StatusApproved
	require.NoError(t, s.Update(ctx, again))
	assert.Equal(t, 2, again.Version)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEnvelopeListFilters(t *testing.T) {
	s := NewMemoryEnvelopes()
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	for i, tc := range []struct {
		id        string
		principal string
		status    contracts.EnvelopeStatus
	}{
		{"env_a", "agent_1", contracts.StatusExecuted},
		{"env_b", "agent_1", contracts.StatusDenied},
		{"env_c", "agent_2", contracts.StatusExecuted},
	} {
		require.NoError(t, s.Create(ctx, &contracts.ActionEnvelope{
			ID:             tc.id,
			PrincipalID:    tc.principal,
			OrganizationID: "org_1",
			Status:         tc.status,
			CreatedAt:      base.Add(time.Duration(i) * time.Minute),
		}))
	}

	executed, err := s.List(ctx, EnvelopeFilter{Status: contracts.StatusExecuted})
	require.NoError(t, err)
	require.Len(t, executed, 2)
	// Newest first.
	assert.Equal(t, "env_c", executed[0].ID)

	agent1, err := s.List(ctx, EnvelopeFilter{PrincipalID: "agent_1", Limit: 1})
	require.NoError(t, err)
	require.Len(t, agent1, 1)
	assert.Equal(t, "env_b", agent1[0].ID)
}

func TestPolicyListForScopingAndOrder(t *testing.T) {
	s := NewMemoryPolicies()
	ctx := context.Background()

	policies := []*contracts.Policy{
		{ID: "pol_global", Priority: 50, Active: true, Effect: contracts.EffectAllow},
		{ID: "pol_ads", Priority: 10, Active: true, CartridgeID: strPtr("ads-spend"), Effect: contracts.EffectDeny},
		{ID: "pol_org", Priority: 10, Active: true, OrganizationID: strPtr("org_1"), Effect: contracts.EffectRequireApproval},
		{ID: "pol_other_org", Priority: 5, Active: true, OrganizationID: strPtr("org_2"), Effect: contracts.EffectDeny},
		{ID: "pol_inactive", Priority: 1, Active: false, Effect: contracts.EffectDeny},
	}
	for _, p := range policies {
		require.NoError(t, s.Upsert(ctx, p))
	}

	got, err := s.ListFor(ctx, "ads-spend", "org_1")
	require.NoError(t, err)
	require.Len(t, got, 3)
	// Ascending priority, ties broken by id.
	assert.Equal(t, "pol_ads", got[0].ID)
	assert.Equal(t, "pol_org", got[1].ID)
	assert.Equal(t, "pol_global", got[2].ID)

	other, err := s.ListFor(ctx, "payments", "org_2")
	require.NoError(t, err)
	require.Len(t, other, 2)
	assert.Equal(t, "pol_other_org", other[0].ID)
}

func TestPolicyOnChangeFires(t *testing.T) {
	s := NewMemoryPolicies()
	ctx := context.Background()
	fired := 0
	s.OnChange(func() { fired++ })

	require.NoError(t, s.Upsert(ctx, &contracts.Policy{ID: "p1", Active: true}))
	require.NoError(t, s.Delete(ctx, "p1"))
	assert.ErrorIs(t, s.Delete(ctx, "p1"), ErrNotFound)
	assert.Equal(t, 2, fired)
}

func TestApprovalStateCAS(t *testing.T) {
	s := NewMemoryApprovals()
	ctx := context.Background()
	expires := time.Now().Add(time.Hour)

	req := &contracts.ApprovalRequest{ID: "apr_1", EnvelopeID: "env_1", OrganizationID: "org_1", ExpiresAt: expires}
	state := &contracts.ApprovalState{ApprovalID: "apr_1", Status: contracts.ApprovalPending, ExpiresAt: expires}
	require.NoError(t, s.Create(ctx, req, state))

	got, err := s.State(ctx, "apr_1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.Version)

	// Two writers read version 1; the second write loses.
	first := *got
	first.Status = contracts.ApprovalApproved
	require.NoError(t, s.UpdateState(ctx, &first, 1))
	assert.Equal(t, 2, first.Version)

	second := *got
	second.Status = contracts.ApprovalRejected
	assert.ErrorIs(t, s.UpdateState(ctx, &second, 1), ErrStaleVersion)

	final, err := s.State(ctx, "apr_1")
	require.NoError(t, err)
	assert.Equal(t, contracts.ApprovalApproved, final.Status)
}

func TestListPendingScopesAndSorts(t *testing.T) {
	s := NewMemoryApprovals()
	ctx := context.Background()
	now := time.Now()

	mk := func(id, org string, expires time.Time, status contracts.ApprovalStatus) {
		req := &contracts.ApprovalRequest{ID: id, OrganizationID: org, ExpiresAt: expires}
		st := &contracts.ApprovalState{ApprovalID: id, Status: status, ExpiresAt: expires}
		require.NoError(t, s.Create(ctx, req, st))
	}
	mk("apr_late", "org_1", now.Add(2*time.Hour), contracts.ApprovalPending)
	mk("apr_soon", "org_1", now.Add(time.Hour), contracts.ApprovalPending)
	mk("apr_done", "org_1", now.Add(time.Hour), contracts.ApprovalApproved)
	mk("apr_other", "org_2", now.Add(time.Hour), contracts.ApprovalPending)

	pending, err := s.ListPending(ctx, "org_1")
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "apr_soon", pending[0].ID)

	all, err := s.ListPending(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestIdentitySpecFallsBackToOrgDefault(t *testing.T) {
	s := NewMemoryIdentities()
	ctx := context.Background()

	require.NoError(t, s.PutSpec(ctx, &contracts.IdentitySpec{
		ID: "spec_default", OrganizationID: "org_1",
		GovernanceProfile: contracts.ProfileGuarded,
	}))
	require.NoError(t, s.PutSpec(ctx, &contracts.IdentitySpec{
		ID: "spec_agent", OrganizationID: "org_1", PrincipalID: "agent_1",
		GovernanceProfile: contracts.ProfileStrict,
	}))

	spec, err := s.SpecForPrincipal(ctx, "agent_1", "org_1")
	require.NoError(t, err)
	assert.Equal(t, "spec_agent", spec.ID)

	fallback, err := s.SpecForPrincipal(ctx, "agent_other", "org_1")
	require.NoError(t, err)
	assert.Equal(t, "spec_default", fallback.ID)

	_, err = s.SpecForPrincipal(ctx, "agent_1", "org_none")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOverlaysSortedByPriority(t *testing.T) {
	s := NewMemoryIdentities()
	ctx := context.Background()

	require.NoError(t, s.PutOverlay(ctx, &contracts.RoleOverlay{ID: "ov_b", SpecID: "spec_1", Priority: 20}))
	require.NoError(t, s.PutOverlay(ctx, &contracts.RoleOverlay{ID: "ov_a", SpecID: "spec_1", Priority: 10}))
	require.NoError(t, s.PutOverlay(ctx, &contracts.RoleOverlay{ID: "ov_other", SpecID: "spec_2", Priority: 1}))

	overlays, err := s.OverlaysForSpec(ctx, "spec_1")
	require.NoError(t, err)
	require.Len(t, overlays, 2)
	assert.Equal(t, "ov_a", overlays[0].ID)
	assert.Equal(t, "ov_b", overlays[1].ID)
}

func TestDelegationsByGrantee(t *testing.T) {
	s := NewMemoryDelegations()
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, &contracts.DelegationRule{ID: "del_1", Grantor: "cfo", Grantee: "deputy", Scope: "*", MaxChainDepth: 1}))
	require.NoError(t, s.Put(ctx, &contracts.DelegationRule{ID: "del_2", Grantor: "cto", Grantee: "deputy", Scope: "ads.*", MaxChainDepth: 1}))
	require.NoError(t, s.Put(ctx, &contracts.DelegationRule{ID: "del_3", Grantor: "cfo", Grantee: "intern", Scope: "*", MaxChainDepth: 1}))

	rules, err := s.ByGrantee(ctx, "deputy")
	require.NoError(t, err)
	assert.Len(t, rules, 2)
}

func TestCompetenceRoundTrip(t *testing.T) {
	s := NewMemoryCompetence()
	ctx := context.Background()

	_, err := s.Get(ctx, "agent_1", "ads.campaign.pause")
	assert.ErrorIs(t, err, ErrNotFound)

	rec := &contracts.CompetenceRecord{PrincipalID: "agent_1", ActionType: "ads.campaign.pause", Score: 50}
	require.NoError(t, s.Put(ctx, rec))

	got, err := s.Get(ctx, "agent_1", "ads.campaign.pause")
	require.NoError(t, err)
	assert.Equal(t, 50.0, got.Score)

	rec2 := &contracts.CompetenceRecord{PrincipalID: "agent_1", ActionType: "ads.budget.update", Score: 60}
	require.NoError(t, s.Put(ctx, rec2))
	list, err := s.ByPrincipal(ctx, "agent_1")
	require.NoError(t, err)
	assert.Len(t, list, 2)
}
