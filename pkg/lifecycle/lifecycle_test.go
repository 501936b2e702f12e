package lifecycle

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tillerhq/tiller/pkg/approval"
	"github.com/tillerhq/tiller/pkg/audit"
	"github.com/tillerhq/tiller/pkg/cartridge"
	"github.com/tillerhq/tiller/pkg/cartridge/cartridgetest"
	"github.com/tillerhq/tiller/pkg/competence"
	"github.com/tillerhq/tiller/pkg/contracts"
	"github.com/tillerhq/tiller/pkg/guardrail"
	"github.com/tillerhq/tiller/pkg/policy"
	"github.com/tillerhq/tiller/pkg/risk"
	"github.com/tillerhq/tiller/pkg/store"
	"github.com/tillerhq/tiller/pkg/telemetry"
)

var brokerEpoch = time.Date(2025, 7, 14, 9, 0, 0, 0, time.UTC)

// world wires a full orchestrator over memory stores with a controllable
// clock. The seeded governance posture: one "ads" cartridge, a guarded org
// default identity, and a lowest-priority catch-all policy that defers
// oversight to the identity's risk tolerance.
type world struct {
	now time.Time

	orch        *Orchestrator
	fake        *cartridgetest.Fake
	registry    *store.CartridgeRegistry
	envelopes   *store.MemoryEnvelopes
	approvals   *store.MemoryApprovals
	identities  *store.MemoryIdentities
	delegations *store.MemoryDelegations
	policies    *store.MemoryPolicies
	records     *store.MemoryCompetence
	ledger      *audit.MemoryLedger
	rails       *guardrail.MemoryStore
	capture     *telemetry.Capture
	tokens      *cartridge.TokenSet
}

func (w *world) clock() time.Time { return w.now }

func newWorld(t *testing.T, opts ...Option) *world {
	t.Helper()
	return newWorldWithRouting(t, approval.RoutingConfig{
		DefaultApprovers: map[contracts.ApprovalLevel][]string{
			contracts.ApprovalStandard:  {"lead_1"},
			contracts.ApprovalElevated:  {"lead_1", "director_1"},
			contracts.ApprovalMandatory: {"cfo_1", "ceo_1"},
		},
	}, opts...)
}

func newWorldWithRouting(t *testing.T, routing approval.RoutingConfig, opts ...Option) *world {
	t.Helper()
	w := &world{now: brokerEpoch}
	ctx := context.Background()

	w.fake = cartridgetest.New("ads")
	w.tokens = cartridge.NewTokenSet()
	guarded, err := cartridge.NewGuarded(w.fake, w.tokens, cartridge.WithClock(w.clock))
	require.NoError(t, err)
	w.registry = store.NewCartridgeRegistry()
	require.NoError(t, w.registry.Register(guarded))

	w.envelopes = store.NewMemoryEnvelopes()
	w.approvals = store.NewMemoryApprovals()
	w.identities = store.NewMemoryIdentities()
	w.delegations = store.NewMemoryDelegations()
	w.policies = store.NewMemoryPolicies()
	w.records = store.NewMemoryCompetence()
	w.ledger = audit.NewMemoryLedger()
	w.rails = guardrail.NewMemoryStore(guardrail.WithClock(w.clock))
	w.capture = telemetry.NewCapture()

	require.NoError(t, w.policies.Upsert(ctx, &contracts.Policy{
		ID:                  "pol_baseline",
		Description:         "defer oversight to the identity's risk tolerance",
		Priority:            1000,
		Active:              true,
		Rule:                contracts.Rule{CEL: "true"},
		Effect:              contracts.EffectRequireApproval,
		ApprovalRequirement: contracts.ApprovalNone,
	}))
	require.NoError(t, w.identities.PutSpec(ctx, &contracts.IdentitySpec{
		ID:                "spec_org",
		OrganizationID:    "org_1",
		GovernanceProfile: contracts.ProfileGuarded,
	}))

	audits := audit.NewWriter(w.ledger, audit.WithClock(w.clock))
	engine, err := policy.NewEngine(w.rails, policy.WithClock(w.clock))
	require.NoError(t, err)

	all := append([]Option{
		WithClock(w.clock),
		WithRecorder(w.capture),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}, opts...)
	w.orch, err = New(Deps{
		Registry:    w.registry,
		Envelopes:   w.envelopes,
		Approvals:   w.approvals,
		Identities:  w.identities,
		Delegations: w.delegations,
		Policies:    policy.NewCachingProvider(w.policies),
		Engine:      engine,
		Scorer:      risk.NewScorer(risk.DefaultConfig()),
		Router:      approval.NewRouter(routing, approval.WithRouterClock(w.clock)),
		Machine:     approval.NewMachine(w.approvals, approval.WithMachineClock(w.clock)),
		Competence:  competence.NewTracker(w.records, competence.WithClock(w.clock)),
		Audits:      audits,
		Tokens:      w.tokens,
		Guardrails:  w.rails,
	}, all...)
	require.NoError(t, err)
	return w
}

func (w *world) pauseRequest() ProposeRequest {
	return ProposeRequest{
		ActionType:     "ads.campaign.pause",
		Parameters:     map[string]any{"campaignId": "camp_123"},
		PrincipalID:    "agent_1",
		OrganizationID: "org_1",
		CartridgeID:    "ads",
		TraceID:        "trace_1",
	}
}

// mediumRisk scripts the pause action to score in the medium band, which the
// guarded profile gates behind standard approval.
func (w *world) mediumRisk() {
	w.fake.RiskInputs["ads.campaign.pause"] = contracts.RiskInput{
		BaseRisk:      contracts.RiskHigh,
		Exposure:      contracts.Exposure{DollarsAtRisk: 10, BlastRadius: 1},
		Reversibility: contracts.ReversibilityFull,
	}
}

// criticalRisk scripts the pause action into the critical band, which the
// guarded profile gates behind mandatory approval.
func (w *world) criticalRisk() {
	w.fake.RiskInputs["ads.campaign.pause"] = contracts.RiskInput{
		BaseRisk:      contracts.RiskCritical,
		Exposure:      contracts.Exposure{DollarsAtRisk: 50000, BlastRadius: 40},
		Reversibility: contracts.ReversibilityNone,
	}
}

func (w *world) envelope(t *testing.T, id string) *contracts.ActionEnvelope {
	t.Helper()
	env, err := w.envelopes.Get(context.Background(), id)
	require.NoError(t, err)
	return env
}

func (w *world) auditTypes(t *testing.T, envelopeID string) []string {
	t.Helper()
	entries, err := w.ledger.Query(context.Background(), audit.Filter{EnvelopeID: envelopeID})
	require.NoError(t, err)
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.EventType)
	}
	return out
}

func TestLowRiskProposalAutoApprovesAndExecutes(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()

	res, err := w.orch.ResolveAndPropose(ctx, w.pauseRequest())
	require.NoError(t, err)

	assert.False(t, res.Denied)
	require.NotNil(t, res.Envelope)
	assert.Equal(t, contracts.StatusExecuted, res.Envelope.Status)
	require.NotNil(t, res.Executed)
	assert.True(t, res.Executed.Success)
	assert.Nil(t, res.ApprovalRequest)

	require.NotNil(t, res.DecisionTrace)
	assert.Equal(t, contracts.RiskLow, res.DecisionTrace.RiskCategory)
	assert.Equal(t, contracts.DecisionAllow, res.DecisionTrace.Decision)

	assert.Equal(t,
		[]string{"action.proposed", "action.executed"},
		w.auditTypes(t, res.Envelope.ID))

	calls := w.fake.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "ads.campaign.pause", calls[0].ActionType)

	assert.Equal(t, 1, w.capture.Proposals[string(contracts.StatusExecuted)])
	assert.Equal(t, 1, w.capture.Executions[true])
	assert.Contains(t, w.capture.SpanNames(), "lifecycle.propose")
	assert.Contains(t, w.capture.SpanNames(), "lifecycle.policy_eval")
	assert.Contains(t, w.capture.SpanNames(), "cartridge.execute")

	rec, err := w.records.Get(ctx, "agent_1", "ads.campaign.pause")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.SuccessCount)
}

func TestMediumRiskProposalWaitsForStandardApproval(t *testing.T) {
	w := newWorld(t)
	w.mediumRisk()
	ctx := context.Background()

	res, err := w.orch.ResolveAndPropose(ctx, w.pauseRequest())
	require.NoError(t, err)

	require.NotNil(t, res.Envelope)
	assert.Equal(t, contracts.StatusPendingApproval, res.Envelope.Status)
	assert.Nil(t, res.Executed)
	assert.Empty(t, w.fake.Calls())

	request := res.ApprovalRequest
	require.NotNil(t, request)
	assert.Equal(t, contracts.ApprovalStandard, request.RequiredLevel)
	assert.Equal(t, contracts.RiskMedium, request.RiskCategory)
	assert.Equal(t, []string{"lead_1"}, request.Approvers)
	assert.Equal(t, brokerEpoch.Add(24*time.Hour), request.ExpiresAt)
	assert.Equal(t, contracts.ExpiredDeny, request.ExpiredBehavior)

	wantHash, err := approval.BindingHash("ads.campaign.pause",
		map[string]any{"campaignId": "camp_123"}, "agent_1", "ads")
	require.NoError(t, err)
	assert.Equal(t, wantHash, request.BindingHash)

	assert.Equal(t,
		[]string{"action.proposed", "approval.created"},
		w.auditTypes(t, res.Envelope.ID))
	assert.Equal(t, 1, w.capture.Created[contracts.ApprovalStandard])
	assert.Equal(t, 1, w.capture.Proposals[string(contracts.StatusPendingApproval)])
}

func TestForbiddenBehaviorDeniesWithoutExecution(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	require.NoError(t, w.identities.PutSpec(ctx, &contracts.IdentitySpec{
		ID:                 "spec_agent",
		PrincipalID:        "agent_1",
		OrganizationID:     "org_1",
		GovernanceProfile:  contracts.ProfileGuarded,
		ForbiddenBehaviors: []string{"ads.campaign.pause"},
	}))

	res, err := w.orch.ResolveAndPropose(ctx, w.pauseRequest())
	require.NoError(t, err)

	assert.True(t, res.Denied)
	assert.Contains(t, res.Explanation, "forbidden")
	require.NotNil(t, res.Envelope)
	assert.Equal(t, contracts.StatusDenied, res.Envelope.Status)
	assert.Empty(t, w.fake.Calls())
	assert.Equal(t, []string{"action.denied"}, w.auditTypes(t, res.Envelope.ID))
	assert.Equal(t, 1, w.capture.Proposals[string(contracts.StatusDenied)])
}

func TestApprovalNeededWithNoApproversDenies(t *testing.T) {
	w := newWorldWithRouting(t, approval.RoutingConfig{})
	w.mediumRisk()

	res, err := w.orch.ResolveAndPropose(context.Background(), w.pauseRequest())
	require.NoError(t, err)

	assert.True(t, res.Denied)
	assert.Contains(t, res.Explanation, "no approvers")
	require.NotNil(t, res.Envelope)
	assert.Equal(t, contracts.StatusDenied, res.Envelope.Status)

	var found bool
	for _, check := range res.DecisionTrace.Checks {
		if check.Code == "approval.no_approvers" {
			found = true
		}
	}
	assert.True(t, found, "trace should record the routing failure")
}

func TestCartridgeInference(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()

	req := w.pauseRequest()
	req.CartridgeID = ""
	res, err := w.orch.ResolveAndPropose(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "ads", res.Envelope.CartridgeID)

	// A second cartridge sharing the prefix makes inference ambiguous.
	promo := cartridgetest.New("promo", contracts.ActionSpec{
		ActionType:       "ads.promo.boost",
		Name:             "Boost promo",
		BaseRiskCategory: contracts.RiskLow,
		Reversible:       true,
	})
	guarded, err := cartridge.NewGuarded(promo, w.tokens)
	require.NoError(t, err)
	require.NoError(t, w.registry.Register(guarded))

	_, err = w.orch.ResolveAndPropose(ctx, req)
	assert.ErrorIs(t, err, ErrCannotInferCartridge)

	req.ActionType = "mail.send"
	_, err = w.orch.ResolveAndPropose(ctx, req)
	assert.ErrorIs(t, err, ErrCannotInferCartridge)
}

func TestUnknownActionIsRejectedBeforeAnyEnvelope(t *testing.T) {
	w := newWorld(t)
	req := w.pauseRequest()
	req.ActionType = "ads.campaign.archive"

	_, err := w.orch.ResolveAndPropose(context.Background(), req)
	assert.ErrorIs(t, err, cartridge.ErrUnknownAction)

	envs, lerr := w.envelopes.List(context.Background(), store.EnvelopeFilter{})
	require.NoError(t, lerr)
	assert.Empty(t, envs)
	count, cerr := w.ledger.Count(context.Background())
	require.NoError(t, cerr)
	assert.Zero(t, count)
}

func TestEntityMissReturnsNotFound(t *testing.T) {
	w := newWorld(t)
	w.fake.Entities["summer push"] = contracts.ResolvedEntity{
		InputRef:   "summer push",
		EntityType: "campaign",
		Status:     contracts.EntityNotFound,
	}
	req := w.pauseRequest()
	req.EntityRefs = []contracts.EntityRef{{InputRef: "summer push", EntityType: "campaign"}}

	res, err := w.orch.ResolveAndPropose(context.Background(), req)
	require.NoError(t, err)

	assert.True(t, res.NotFound)
	assert.Contains(t, res.Explanation, "summer push")
	assert.Nil(t, res.Envelope)

	envs, err := w.envelopes.List(context.Background(), store.EnvelopeFilter{})
	require.NoError(t, err)
	assert.Empty(t, envs)
}

func TestAmbiguousEntityAsksForClarification(t *testing.T) {
	w := newWorld(t)
	w.fake.Entities["summer"] = contracts.ResolvedEntity{
		InputRef:   "summer",
		EntityType: "campaign",
		Status:     contracts.EntityAmbiguous,
		Alternatives: []contracts.EntityCandidate{
			{EntityID: "camp_1", Name: "Summer Sale", Confidence: 0.9},
			{EntityID: "camp_2", Name: "Summer Splash", Confidence: 0.8},
		},
	}
	req := w.pauseRequest()
	req.EntityRefs = []contracts.EntityRef{{InputRef: "summer", EntityType: "campaign"}}

	res, err := w.orch.ResolveAndPropose(context.Background(), req)
	require.NoError(t, err)

	assert.True(t, res.NeedsClarification)
	assert.Contains(t, res.Question, "Summer Sale")
	assert.Contains(t, res.Question, "Summer Splash")
	assert.Nil(t, res.Envelope)
}

func TestSingleConfidentCandidateResolvesSilently(t *testing.T) {
	w := newWorld(t)
	w.fake.Entities["summer"] = contracts.ResolvedEntity{
		InputRef:   "summer",
		EntityType: "campaign",
		Status:     contracts.EntityAmbiguous,
		Alternatives: []contracts.EntityCandidate{
			{EntityID: "camp_1", Name: "Summer Sale", Confidence: 0.9},
			{EntityID: "camp_2", Name: "Summer Splash", Confidence: 0.2},
		},
	}
	req := w.pauseRequest()
	req.EntityRefs = []contracts.EntityRef{{InputRef: "summer", EntityType: "campaign"}}

	res, err := w.orch.ResolveAndPropose(context.Background(), req)
	require.NoError(t, err)

	require.NotNil(t, res.Envelope)
	require.Len(t, res.Envelope.ResolvedEntities, 1)
	got := res.Envelope.ResolvedEntities[0]
	assert.Equal(t, "camp_1", got.EntityID)
	assert.Equal(t, contracts.EntityFound, got.Status)
	assert.InDelta(t, 0.9, got.Confidence, 1e-9)
}

func TestQueueModeEnqueuesInsteadOfExecuting(t *testing.T) {
	enq := &captureEnqueuer{}
	cfg := DefaultConfig()
	cfg.ExecutionMode = ModeQueue
	w := newWorld(t, WithConfig(cfg), WithQueue(enq))

	res, err := w.orch.ResolveAndPropose(context.Background(), w.pauseRequest())
	require.NoError(t, err)

	require.NotNil(t, res.Envelope)
	assert.Equal(t, contracts.StatusApproved, res.Envelope.Status)
	assert.Nil(t, res.Executed)
	assert.Empty(t, w.fake.Calls())
	assert.Equal(t, []string{res.Envelope.ID}, enq.ids)
	assert.Equal(t, 1, w.capture.Proposals[string(contracts.StatusApproved)])
}

func TestQueueModeWithoutQueueRefusesToStart(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ExecutionMode = ModeQueue

	w := newWorld(t)
	_, err := New(Deps{
		Registry:    w.registry,
		Envelopes:   w.envelopes,
		Approvals:   w.approvals,
		Identities:  w.identities,
		Delegations: w.delegations,
		Policies:    policy.NewCachingProvider(w.policies),
		Engine:      mustEngine(t, w.rails),
		Scorer:      risk.NewScorer(risk.DefaultConfig()),
		Router:      approval.NewRouter(approval.RoutingConfig{}),
		Machine:     approval.NewMachine(w.approvals),
		Competence:  competence.NewTracker(w.records),
		Audits:      audit.NewWriter(w.ledger),
		Tokens:      w.tokens,
		Guardrails:  w.rails,
	}, WithConfig(cfg))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "queue mode")
}

func TestValidationErrorsProduceNoEnvelope(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()

	cases := []ProposeRequest{
		{},
		{ActionType: "ads.campaign.pause", PrincipalID: "agent_1"},
		{ActionType: "ads.campaign.pause", OrganizationID: "org_1"},
	}
	for _, req := range cases {
		_, err := w.orch.ResolveAndPropose(ctx, req)
		assert.ErrorIs(t, err, ErrValidation)
	}

	envs, err := w.envelopes.List(ctx, store.EnvelopeFilter{})
	require.NoError(t, err)
	assert.Empty(t, envs)
	count, err := w.ledger.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

type captureEnqueuer struct {
	ids []string
}

func (c *captureEnqueuer) Enqueue(_ context.Context, envelopeID, _ string) (*store.ExecutionJob, error) {
	c.ids = append(c.ids, envelopeID)
	return &store.ExecutionJob{ID: envelopeID, EnvelopeID: envelopeID, Status: store.JobPending}, nil
}

func mustEngine(t *testing.T, rails guardrail.Store) *policy.Engine {
	t.Helper()
	engine, err := policy.NewEngine(rails)
	require.NoError(t, err)
	return engine
}
