package approval

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/tillerhq/tiller/pkg/contracts"
)

var chainTime = time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)

func rule(grantor, grantee, scope string, maxChainDepth int) *contracts.DelegationRule {
	return &contracts.DelegationRule{
		ID:            grantor + "->" + grantee,
		Grantor:       grantor,
		Grantee:       grantee,
		Scope:         scope,
		MaxChainDepth: maxChainDepth,
	}
}

func TestNarrowScope(t *testing.T) {
	tests := []struct {
		a, b, want string
	}{
		{"*", "ads.*", "ads.*"},
		{"ads.*", "*", "ads.*"},
		{"*", "*", "*"},
		{"ads.*", "ads.*", "ads.*"},
		{"ads.*", "ads.campaign.*", "ads.campaign.*"},
		{"ads.campaign.*", "ads.*", "ads.campaign.*"},
		{"ads.*", "ads.campaign.pause", "ads.campaign.pause"},
		{"ads.*", "crm.*", ""},
		{"ads.campaign.pause", "ads.campaign.resume", ""},
	}
	for _, tt := range tests {
		got := NarrowScope(tt.a, tt.b)
		assert.Equal(t, tt.want, got, "NarrowScope(%q, %q)", tt.a, tt.b)
		// Commutative.
		assert.Equal(t, got, NarrowScope(tt.b, tt.a), "NarrowScope(%q, %q) not commutative", tt.b, tt.a)
		// Idempotent.
		assert.Equal(t, got, NarrowScope(got, got))
	}
}

func TestDirectApproverNeedsNoChain(t *testing.T) {
	res := ResolveDelegationChain(ChainQuery{
		Responder: "alice",
		Approvers: []string{"alice", "bob"},
		Now:       chainTime,
	}, nil)
	assert.True(t, res.Authorized)
	assert.Equal(t, []string{"alice"}, res.Chain)
	assert.Equal(t, 0, res.Depth)
}

func TestSingleHopDelegation(t *testing.T) {
	rules := []*contracts.DelegationRule{rule("alice", "dave", "*", 0)}
	res := ResolveDelegationChain(ChainQuery{
		Responder: "dave",
		Approvers: []string{"alice"},
		Now:       chainTime,
	}, rules)
	assert.True(t, res.Authorized)
	assert.Equal(t, []string{"dave", "alice"}, res.Chain)
	assert.Equal(t, 1, res.Depth)
	assert.Equal(t, "*", res.EffectiveScope)
}

func TestReDelegationNeedsExplicitDepth(t *testing.T) {
	// alice -> dave -> erin; the alice->dave rule defaults to depth 1, so
	// erin's second hop is refused.
	rules := []*contracts.DelegationRule{
		rule("alice", "dave", "*", 0),
		rule("dave", "erin", "*", 0),
	}
	res := ResolveDelegationChain(ChainQuery{
		Responder: "erin", Approvers: []string{"alice"}, Now: chainTime,
	}, rules)
	assert.False(t, res.Authorized)

	// Raising the ceiling on the hop that sits second makes the chain legal.
	rules[0].MaxChainDepth = 2
	res = ResolveDelegationChain(ChainQuery{
		Responder: "erin", Approvers: []string{"alice"}, Now: chainTime,
	}, rules)
	assert.True(t, res.Authorized)
	assert.Equal(t, []string{"erin", "dave", "alice"}, res.Chain)
	assert.Equal(t, 2, res.Depth)
}

func TestScopeNarrowsAlongChain(t *testing.T) {
	rules := []*contracts.DelegationRule{
		{ID: "r1", Grantor: "alice", Grantee: "dave", Scope: "ads.*", MaxChainDepth: 2},
		{ID: "r2", Grantor: "dave", Grantee: "erin", Scope: "ads.campaign.*", MaxChainDepth: 1},
	}

	res := ResolveDelegationChain(ChainQuery{
		Responder:     "erin",
		Approvers:     []string{"alice"},
		RequiredScope: "ads.campaign.pause",
		Now:           chainTime,
	}, rules)
	assert.True(t, res.Authorized)
	assert.Equal(t, "ads.campaign.*", res.EffectiveScope)

	// The narrowed scope no longer covers an action outside it.
	res = ResolveDelegationChain(ChainQuery{
		Responder:     "erin",
		Approvers:     []string{"alice"},
		RequiredScope: "ads.budget.update",
		Now:           chainTime,
	}, rules)
	assert.False(t, res.Authorized)
}

func TestDisjointScopesAnnihilate(t *testing.T) {
	rules := []*contracts.DelegationRule{
		{ID: "r1", Grantor: "alice", Grantee: "dave", Scope: "crm.*", MaxChainDepth: 2},
		{ID: "r2", Grantor: "dave", Grantee: "erin", Scope: "ads.*", MaxChainDepth: 1},
	}
	res := ResolveDelegationChain(ChainQuery{
		Responder: "erin", Approvers: []string{"alice"}, Now: chainTime,
	}, rules)
	assert.False(t, res.Authorized, "crm.* ∩ ads.* is empty; the chain dies")
}

func TestExpiredRuleSkipped(t *testing.T) {
	expired := chainTime.Add(-time.Hour)
	rules := []*contracts.DelegationRule{
		{ID: "r1", Grantor: "alice", Grantee: "dave", Scope: "*", ExpiresAt: &expired, MaxChainDepth: 1},
	}
	res := ResolveDelegationChain(ChainQuery{
		Responder: "dave", Approvers: []string{"alice"}, Now: chainTime,
	}, rules)
	assert.False(t, res.Authorized)

	live := chainTime.Add(time.Hour)
	rules[0].ExpiresAt = &live
	res = ResolveDelegationChain(ChainQuery{
		Responder: "dave", Approvers: []string{"alice"}, Now: chainTime,
	}, rules)
	assert.True(t, res.Authorized)
}

func TestCycleDetection(t *testing.T) {
	rules := []*contracts.DelegationRule{
		rule("bob", "alice", "*", 5),
		rule("alice", "bob", "*", 5),
	}
	res := ResolveDelegationChain(ChainQuery{
		Responder: "alice", Approvers: []string{"zed"}, Now: chainTime,
	}, rules)
	assert.False(t, res.Authorized, "cycles terminate without authorization")
}

func TestGlobalDepthCap(t *testing.T) {
	// p0 <- p1 <- ... <- p6: a 6-hop chain exceeds the global cap even when
	// every rule permits deep chains.
	rules := []*contracts.DelegationRule{
		rule("p5", "p6", "*", 6),
		rule("p4", "p5", "*", 6),
		rule("p3", "p4", "*", 6),
		rule("p2", "p3", "*", 6),
		rule("p1", "p2", "*", 6),
		rule("p0", "p1", "*", 6),
	}
	res := ResolveDelegationChain(ChainQuery{
		Responder: "p6", Approvers: []string{"p0"}, Now: chainTime,
	}, rules)
	assert.False(t, res.Authorized)

	// Five hops is the ceiling and still authorizes.
	res = ResolveDelegationChain(ChainQuery{
		Responder: "p5", Approvers: []string{"p0"}, Now: chainTime,
	}, rules)
	assert.True(t, res.Authorized)
	assert.Equal(t, 5, res.Depth)
}

func TestBFSFindsShortestChain(t *testing.T) {
	rules := []*contracts.DelegationRule{
		{ID: "long1", Grantor: "mid", Grantee: "dave", Scope: "*", MaxChainDepth: 2},
		{ID: "long2", Grantor: "alice", Grantee: "mid", Scope: "*", MaxChainDepth: 2},
		{ID: "short", Grantor: "alice", Grantee: "dave", Scope: "*", MaxChainDepth: 1},
	}
	res := ResolveDelegationChain(ChainQuery{
		Responder: "dave", Approvers: []string{"alice"}, Now: chainTime,
	}, rules)
	assert.True(t, res.Authorized)
	assert.Equal(t, 1, res.Depth)
	assert.Equal(t, []string{"dave", "alice"}, res.Chain)
}
