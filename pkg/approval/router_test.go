package approval

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/tillerhq/tiller/pkg/contracts"
)

var routeTime = time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)

func newTestRouter(cfg RoutingConfig) *Router {
	return NewRouter(cfg, WithRouterClock(func() time.Time { return routeTime }))
}

func TestRouteNoneNeedsNothing(t *testing.T) {
	r := newTestRouter(RoutingConfig{})
	routing := r.Route(&contracts.ResolvedIdentity{}, contracts.ApprovalNone)
	assert.Equal(t, contracts.ApprovalNone, routing.RequiredLevel)
	assert.Empty(t, routing.Approvers)
	assert.False(t, routing.Escalated)
}

func TestRoutePrefersDelegatedApprovers(t *testing.T) {
	r := newTestRouter(RoutingConfig{
		DefaultApprovers: map[contracts.ApprovalLevel][]string{
			contracts.ApprovalStandard: {"ops-team"},
		},
		FallbackApprover: "cfo",
	})
	identity := &contracts.ResolvedIdentity{DelegatedApprovers: []string{"alice", "bob"}}

	routing := r.Route(identity, contracts.ApprovalStandard)
	assert.Equal(t, []string{"alice", "bob"}, routing.Approvers)
	assert.Equal(t, "cfo", routing.FallbackApprover)
	assert.False(t, routing.Escalated)
}

func TestRouteFallsBackToDefaults(t *testing.T) {
	r := newTestRouter(RoutingConfig{
		DefaultApprovers: map[contracts.ApprovalLevel][]string{
			contracts.ApprovalElevated: {"ops-team"},
		},
	})
	routing := r.Route(&contracts.ResolvedIdentity{}, contracts.ApprovalElevated)
	assert.Equal(t, []string{"ops-team"}, routing.Approvers)
	assert.False(t, routing.Escalated)
}

func TestRouteEscalatesWhenNobodyReachable(t *testing.T) {
	r := newTestRouter(RoutingConfig{})
	routing := r.Route(&contracts.ResolvedIdentity{}, contracts.ApprovalStandard)
	assert.True(t, routing.Escalated)
	assert.Equal(t, contracts.ApprovalMandatory, routing.RequiredLevel)
	assert.Empty(t, routing.Approvers)
	// Escalation shortens the window to the mandatory expiry.
	assert.Equal(t, routeTime.Add(4*time.Hour), routing.ExpiresAt)
}

func TestRouteFallbackPreventsEscalation(t *testing.T) {
	r := newTestRouter(RoutingConfig{FallbackApprover: "cfo"})
	routing := r.Route(&contracts.ResolvedIdentity{}, contracts.ApprovalStandard)
	assert.False(t, routing.Escalated)
	assert.Equal(t, contracts.ApprovalStandard, routing.RequiredLevel)
	assert.Empty(t, routing.Approvers)
	assert.Equal(t, "cfo", routing.FallbackApprover)
}

func TestRouteExpiryPerLevel(t *testing.T) {
	r := newTestRouter(RoutingConfig{})
	identity := &contracts.ResolvedIdentity{DelegatedApprovers: []string{"alice"}}

	tests := []struct {
		level contracts.ApprovalLevel
		want  time.Duration
	}{
		{contracts.ApprovalStandard, 24 * time.Hour},
		{contracts.ApprovalElevated, 12 * time.Hour},
		{contracts.ApprovalMandatory, 4 * time.Hour},
	}
	for _, tt := range tests {
		routing := r.Route(identity, tt.level)
		assert.Equal(t, routeTime.Add(tt.want), routing.ExpiresAt, "level %s", tt.level)
	}
}

func TestRouteCustomExpiry(t *testing.T) {
	r := newTestRouter(RoutingConfig{ExpiryStandard: 2 * time.Hour})
	identity := &contracts.ResolvedIdentity{DelegatedApprovers: []string{"alice"}}
	routing := r.Route(identity, contracts.ApprovalStandard)
	assert.Equal(t, routeTime.Add(2*time.Hour), routing.ExpiresAt)
}
