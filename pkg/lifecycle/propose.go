package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/tillerhq/tiller/pkg/approval"
	"github.com/tillerhq/tiller/pkg/audit"
	"github.com/tillerhq/tiller/pkg/cartridge"
	"github.com/tillerhq/tiller/pkg/contracts"
	"github.com/tillerhq/tiller/pkg/identity"
	"github.com/tillerhq/tiller/pkg/notify"
	"github.com/tillerhq/tiller/pkg/policy"
	"github.com/tillerhq/tiller/pkg/store"
)

// ProposeRequest is an agent's ask: do this action, on these entities, for
// this principal. CartridgeID may be omitted when the action type prefix
// identifies a unique cartridge.
type ProposeRequest struct {
	ActionType     string                `json:"actionType"`
	Parameters     map[string]any        `json:"parameters"`
	PrincipalID    string                `json:"principalId"`
	OrganizationID string                `json:"organizationId"`
	CartridgeID    string                `json:"cartridgeId,omitempty"`
	EntityRefs     []contracts.EntityRef `json:"entityRefs,omitempty"`
	Message        string                `json:"message,omitempty"`
	TraceID        string                `json:"traceId,omitempty"`
	IdempotencyKey string                `json:"-"`

	// Set internally by undo and emergency halt.
	parentEnvelopeID string
	undoDepth        int
	approvalFloor    contracts.ApprovalLevel
	override         bool
}

// ProposeResult is the pipeline's answer. Exactly one of the outcome shapes
// is populated: a denied/pending/approved envelope, an entity miss, or a
// clarification question. NotFound and NeedsClarification carry no envelope;
// nothing reached the decision stage.
type ProposeResult struct {
	Envelope           *contracts.ActionEnvelope  `json:"envelope,omitempty"`
	DecisionTrace      *contracts.DecisionTrace   `json:"decisionTrace,omitempty"`
	Denied             bool                       `json:"denied,omitempty"`
	Explanation        string                     `json:"explanation,omitempty"`
	NotFound           bool                       `json:"notFound,omitempty"`
	NeedsClarification bool                       `json:"needsClarification,omitempty"`
	Question           string                     `json:"question,omitempty"`
	ApprovalRequest    *contracts.ApprovalRequest `json:"approvalRequest,omitempty"`
	Executed           *contracts.ExecuteResult   `json:"executed,omitempty"`
}

// ResolveAndPropose runs the full proposal pipeline: validate, resolve
// entities, enrich, score risk, resolve identity, evaluate policy, then
// deny, request approval, or approve and execute.
//
// A non-nil error means the pipeline itself could not run (bad input,
// unknown cartridge, storage failure). Governance outcomes, including
// denial, come back as a result with a nil error.
func (o *Orchestrator) ResolveAndPropose(ctx context.Context, req ProposeRequest) (*ProposeResult, error) {
	if req.ActionType == "" || req.PrincipalID == "" || req.OrganizationID == "" {
		return nil, fmt.Errorf("%w: actionType, principalId, and organizationId are required", ErrValidation)
	}

	if req.IdempotencyKey != "" && o.cache != nil {
		cached, ok, err := o.cache.Get(ctx, req.IdempotencyKey)
		if err != nil {
			o.logger.WarnContext(ctx, "idempotency lookup failed", "key", req.IdempotencyKey, "error", err)
		} else if ok {
			o.logger.InfoContext(ctx, "idempotent replay", "key", req.IdempotencyKey)
			return cached, nil
		}
	}

	ctx, end := o.recorder.StartSpan(ctx, "lifecycle.propose",
		attribute.String("action_type", req.ActionType),
		attribute.String("organization_id", req.OrganizationID),
	)
	res, err := o.propose(ctx, req)
	end(err)
	if err != nil {
		return nil, err
	}

	if req.IdempotencyKey != "" && o.cache != nil {
		if err := o.cache.Put(ctx, req.IdempotencyKey, res, o.cfg.IdempotencyTTL); err != nil {
			o.logger.WarnContext(ctx, "idempotency store failed", "key", req.IdempotencyKey, "error", err)
		}
	}
	return res, nil
}

func (o *Orchestrator) propose(ctx context.Context, req ProposeRequest) (*ProposeResult, error) {
	now := o.clock().UTC()

	cartridgeID := req.CartridgeID
	if cartridgeID == "" {
		inferred, err := o.inferCartridge(req.ActionType)
		if err != nil {
			return nil, err
		}
		cartridgeID = inferred
	}
	guarded, err := o.registry.Get(cartridgeID)
	if err != nil {
		return nil, err
	}
	if err := guarded.ValidateParameters(req.ActionType, req.Parameters); err != nil {
		if errors.Is(err, cartridge.ErrUnknownAction) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	resolved, short, err := o.resolveEntities(ctx, guarded, req.EntityRefs)
	if err != nil {
		return nil, err
	}
	if short != nil {
		// Entity resolution could not settle on targets; no envelope yet.
		return short, nil
	}

	cctx := cartridgeContext(req.PrincipalID, req.OrganizationID, "", req.TraceID, req.Message, resolved)
	enriched, working, err := guarded.EnrichContext(ctx, req.ActionType, req.Parameters, cctx)
	if err != nil {
		return nil, fmt.Errorf("enrich context: %w", err)
	}

	riskCtx, endRisk := o.recorder.StartSpan(ctx, "lifecycle.risk_score")
	input, err := guarded.RiskInput(riskCtx, req.ActionType, working, enriched)
	if err != nil {
		endRisk(err)
		return nil, fmt.Errorf("risk input: %w", err)
	}
	assessment := o.scorer.Score(input)
	endRisk(nil)

	ident, err := o.resolveIdentity(ctx, req.PrincipalID, req.OrganizationID, cartridgeID, assessment.Category, now)
	if err != nil {
		return nil, err
	}

	policies, err := o.policies.PoliciesFor(ctx, cartridgeID, req.OrganizationID)
	if err != nil {
		return nil, fmt.Errorf("load policies: %w", err)
	}
	rails, err := guarded.Guardrails(ctx)
	if err != nil {
		return nil, fmt.Errorf("load guardrails: %w", err)
	}

	evalCtx, endEval := o.recorder.StartSpan(ctx, "lifecycle.policy_eval")
	evalStart := o.clock()
	trace, finalParams, err := o.engine.Evaluate(evalCtx, policy.Input{
		ActionType:       req.ActionType,
		Parameters:       working,
		CartridgeContext: enriched,
		CartridgeID:      cartridgeID,
		OrganizationID:   req.OrganizationID,
		Identity:         ident,
		Policies:         policies,
		Guardrails:       rails,
		Risk:             assessment,
		EntityKeys:       entityKeys(resolved),
	})
	o.recorder.PolicyEvalTook(ctx, o.clock().Sub(evalStart))
	endEval(err)
	if err != nil {
		return nil, fmt.Errorf("evaluate policies: %w", err)
	}

	o.applyUndoFloor(trace, req.approvalFloor)
	o.applyOverride(trace, req.override)

	env := &contracts.ActionEnvelope{
		ID: uuid.New().String(),
		Proposals: []contracts.Proposal{{
			ID:         uuid.New().String(),
			ActionType: req.ActionType,
			Parameters: finalParams,
			Confidence: 1,
		}},
		ResolvedEntities: resolved,
		DecisionTrace:    trace,
		Status:           contracts.StatusProposed,
		ParentEnvelopeID: req.parentEnvelopeID,
		UndoDepth:        req.undoDepth,
		PrincipalID:      req.PrincipalID,
		OrganizationID:   req.OrganizationID,
		CartridgeID:      cartridgeID,
		TraceID:          req.TraceID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if req.Message != "" {
		env.Proposals[0].Evidence = []string{req.Message}
	}

	switch trace.Decision {
	case contracts.DecisionDeny:
		return o.finishDenied(ctx, env, trace.Explanation, "system", "policy-engine")
	case contracts.DecisionRequireApproval:
		return o.finishPending(ctx, env, ident)
	default:
		return o.finishApproved(ctx, env)
	}
}

// applyUndoFloor raises the approval requirement to the recipe's floor.
// Denials stand: an undo may never be easier than policy allows, only harder.
func (o *Orchestrator) applyUndoFloor(trace *contracts.DecisionTrace, floor contracts.ApprovalLevel) {
	if floor == "" || floor == contracts.ApprovalNone || trace.Decision == contracts.DecisionDeny {
		return
	}
	trace.ApprovalRequired = contracts.StricterLevel(trace.ApprovalRequired, floor)
	trace.Checks = append(trace.Checks, contracts.TraceCheck{
		Code:    "undo.approval_floor",
		Matched: true,
		Detail:  fmt.Sprintf("undo recipe requires at least %s approval", floor),
	})
	if trace.Decision == contracts.DecisionAllow {
		trace.Decision = contracts.DecisionRequireApproval
		trace.Explanation = fmt.Sprintf("undo requires %s approval", trace.ApprovalRequired)
	}
}

// applyOverride bypasses the approval gate for emergency-halt proposals.
// Denials still stand; the override outranks oversight, not policy.
func (o *Orchestrator) applyOverride(trace *contracts.DecisionTrace, override bool) {
	if !override || trace.Decision != contracts.DecisionRequireApproval {
		return
	}
	trace.Decision = contracts.DecisionAllow
	trace.ApprovalRequired = contracts.ApprovalNone
	trace.Explanation = "emergency override: approval bypassed"
	trace.Checks = append(trace.Checks, contracts.TraceCheck{
		Code:    "override.emergency",
		Matched: true,
		Detail:  "approval requirement bypassed for emergency halt",
	})
}

func (o *Orchestrator) resolveIdentity(ctx context.Context, principalID, organizationID, cartridgeID string, category contracts.RiskCategory, now time.Time) (*contracts.ResolvedIdentity, error) {
	spec, err := o.identities.SpecForPrincipal(ctx, principalID, organizationID)
	if errors.Is(err, store.ErrNotFound) {
		spec = &contracts.IdentitySpec{PrincipalID: principalID, OrganizationID: organizationID}
	} else if err != nil {
		return nil, fmt.Errorf("load identity spec: %w", err)
	}

	var overlays []*contracts.RoleOverlay
	if spec.ID != "" {
		overlays, err = o.identities.OverlaysForSpec(ctx, spec.ID)
		if err != nil {
			return nil, fmt.Errorf("load overlays: %w", err)
		}
	}

	ident := identity.Resolve(spec, overlays, identity.Context{
		CartridgeID:  cartridgeID,
		RiskCategory: category,
		Now:          now,
	})
	// The org default spec carries no principal; stamp the actual caller.
	ident.PrincipalID = principalID

	adjustments, err := o.competence.AdjustmentsFor(ctx, principalID)
	if err != nil {
		o.logger.WarnContext(ctx, "competence adjustments unavailable", "principalId", principalID, "error", err)
		return ident, nil
	}
	identity.ApplyCompetenceAdjustments(ident, adjustments)
	return ident, nil
}

// resolveEntities maps the caller's references through the cartridge. A
// non-nil short result means resolution stopped the pipeline: either a hard
// miss or a clarification question.
func (o *Orchestrator) resolveEntities(ctx context.Context, g *cartridge.Guarded, refs []contracts.EntityRef) ([]contracts.ResolvedEntity, *ProposeResult, error) {
	if len(refs) == 0 {
		return nil, nil, nil
	}
	resolved := make([]contracts.ResolvedEntity, 0, len(refs))
	for _, ref := range refs {
		re, err := g.ResolveEntity(ctx, ref)
		if err != nil {
			return nil, nil, fmt.Errorf("resolve entity %q: %w", ref.InputRef, err)
		}
		switch re.Status {
		case contracts.EntityFound:
			// Keep as is.
		case contracts.EntityNotFound:
			if pick, ok := o.singleConfident(re.Alternatives); ok {
				re = adoptCandidate(re, pick)
				break
			}
			if len(re.Alternatives) == 0 {
				return nil, &ProposeResult{
					NotFound:    true,
					Explanation: fmt.Sprintf("no %s found matching %q", ref.EntityType, ref.InputRef),
				}, nil
			}
			return nil, clarificationFor(ref, re.Alternatives), nil
		case contracts.EntityAmbiguous:
			if pick, ok := o.singleConfident(re.Alternatives); ok {
				re = adoptCandidate(re, pick)
				break
			}
			return nil, clarificationFor(ref, re.Alternatives), nil
		}
		resolved = append(resolved, re)
	}
	return resolved, nil, nil
}

// singleConfident returns the one candidate at or above the clarify
// threshold, if there is exactly one.
func (o *Orchestrator) singleConfident(alts []contracts.EntityCandidate) (contracts.EntityCandidate, bool) {
	var pick contracts.EntityCandidate
	hits := 0
	for _, a := range alts {
		if a.Confidence >= o.cfg.ClarifyConfidence {
			pick = a
			hits++
		}
	}
	if hits == 1 {
		return pick, true
	}
	return contracts.EntityCandidate{}, false
}

func adoptCandidate(re contracts.ResolvedEntity, c contracts.EntityCandidate) contracts.ResolvedEntity {
	re.EntityID = c.EntityID
	re.Name = c.Name
	re.Status = contracts.EntityFound
	re.Confidence = c.Confidence
	return re
}

func clarificationFor(ref contracts.EntityRef, alts []contracts.EntityCandidate) *ProposeResult {
	names := make([]string, 0, len(alts))
	for _, a := range alts {
		if a.Name != "" {
			names = append(names, a.Name)
			continue
		}
		names = append(names, a.EntityID)
	}
	return &ProposeResult{
		NeedsClarification: true,
		Question: fmt.Sprintf("Which %s did you mean by %q? Candidates: %s",
			ref.EntityType, ref.InputRef, strings.Join(names, ", ")),
	}
}

// finishDenied persists a denied envelope and audits the denial. Used for
// policy denials, rejections, and the no-approvers boundary.
func (o *Orchestrator) finishDenied(ctx context.Context, env *contracts.ActionEnvelope, explanation, actorType, actorID string) (*ProposeResult, error) {
	env.Status = contracts.StatusDenied
	if err := o.envelopes.Create(ctx, env); err != nil {
		return nil, fmt.Errorf("persist envelope: %w", err)
	}
	entry := o.record(ctx, audit.Draft{
		EventType:      "action.denied",
		ActorType:      actorType,
		ActorID:        actorID,
		EntityType:     "envelope",
		EntityID:       env.ID,
		RiskCategory:   envelopeRisk(env),
		Summary:        explanation,
		Snapshot:       proposalSnapshot(env),
		EnvelopeID:     env.ID,
		OrganizationID: env.OrganizationID,
		TraceID:        env.TraceID,
	})
	o.attachAudit(ctx, env, entry)
	o.recorder.ProposalDecided(ctx, string(contracts.StatusDenied))
	return &ProposeResult{
		Envelope:      env,
		DecisionTrace: env.DecisionTrace,
		Denied:        true,
		Explanation:   explanation,
	}, nil
}

// finishPending routes approvers, persists the envelope and approval request
// together, audits both, and notifies.
func (o *Orchestrator) finishPending(ctx context.Context, env *contracts.ActionEnvelope, ident *contracts.ResolvedIdentity) (*ProposeResult, error) {
	trace := env.DecisionTrace
	routing := o.router.Route(ident, trace.ApprovalRequired)
	if routing.Escalated && o.cfg.DenyWhenNoApprovers {
		explanation := fmt.Sprintf("%s approval required but no approvers are configured for %s",
			trace.ApprovalRequired, env.OrganizationID)
		trace.Decision = contracts.DecisionDeny
		trace.Explanation = explanation
		trace.Checks = append(trace.Checks, contracts.TraceCheck{
			Code:    "approval.no_approvers",
			Matched: true,
			Detail:  explanation,
			Effect:  contracts.EffectDeny,
		})
		return o.finishDenied(ctx, env, explanation, "system", "approval-router")
	}

	proposal := env.PrimaryProposal()
	hash, err := approval.BindingHash(proposal.ActionType, proposal.Parameters, env.PrincipalID, env.CartridgeID)
	if err != nil {
		return nil, fmt.Errorf("binding hash: %w", err)
	}

	now := o.clock().UTC()
	request := &contracts.ApprovalRequest{
		ID:               uuid.New().String(),
		ActionID:         proposal.ID,
		EnvelopeID:       env.ID,
		OrganizationID:   env.OrganizationID,
		PrincipalID:      env.PrincipalID,
		CartridgeID:      env.CartridgeID,
		ActionType:       proposal.ActionType,
		Summary:          summarize(env),
		RiskCategory:     trace.RiskCategory,
		RequiredLevel:    routing.RequiredLevel,
		BindingHash:      hash,
		Approvers:        routing.Approvers,
		FallbackApprover: routing.FallbackApprover,
		ExpiresAt:        routing.ExpiresAt,
		ExpiredBehavior:  contracts.ExpiredDeny,
		CreatedAt:        now,
	}
	if o.cfg.MandatoryQuorum > 1 && routing.RequiredLevel == contracts.ApprovalMandatory {
		request.Quorum = &contracts.QuorumSpec{Required: o.cfg.MandatoryQuorum}
	}
	state := &contracts.ApprovalState{
		ApprovalID: request.ID,
		Status:     contracts.ApprovalPending,
		ExpiresAt:  routing.ExpiresAt,
	}

	env.Status = contracts.StatusPendingApproval
	env.ApprovalRequestIDs = append(env.ApprovalRequestIDs, request.ID)
	if err := o.envelopes.Create(ctx, env); err != nil {
		return nil, fmt.Errorf("persist envelope: %w", err)
	}
	if err := o.approvals.Create(ctx, request, state); err != nil {
		return nil, fmt.Errorf("persist approval: %w", err)
	}

	proposed := o.record(ctx, audit.Draft{
		EventType:      "action.proposed",
		ActorType:      "agent",
		ActorID:        env.PrincipalID,
		EntityType:     "envelope",
		EntityID:       env.ID,
		RiskCategory:   trace.RiskCategory,
		Summary:        summarize(env),
		Snapshot:       proposalSnapshot(env),
		EnvelopeID:     env.ID,
		OrganizationID: env.OrganizationID,
		TraceID:        env.TraceID,
	})
	created := o.record(ctx, audit.Draft{
		EventType:    "approval.created",
		ActorType:    "system",
		ActorID:      "approval-router",
		EntityType:   "approval",
		EntityID:     request.ID,
		RiskCategory: trace.RiskCategory,
		Summary:      fmt.Sprintf("%s approval requested from %s", routing.RequiredLevel, strings.Join(routing.Approvers, ", ")),
		Snapshot: map[string]any{
			"requiredLevel": string(routing.RequiredLevel),
			"approvers":     routing.Approvers,
			"expiresAt":     routing.ExpiresAt.Format(time.RFC3339),
		},
		EnvelopeID:     env.ID,
		OrganizationID: env.OrganizationID,
		TraceID:        env.TraceID,
	})
	o.attachAudit(ctx, env, proposed, created)

	o.recorder.ApprovalCreated(ctx, routing.RequiredLevel)
	o.notifyApprovers(ctx, request)
	o.recorder.ProposalDecided(ctx, string(contracts.StatusPendingApproval))

	return &ProposeResult{
		Envelope:        env,
		DecisionTrace:   trace,
		Explanation:     trace.Explanation,
		ApprovalRequest: request,
	}, nil
}

// finishApproved persists the approved envelope, audits the proposal, and
// hands it to execution per the configured mode.
func (o *Orchestrator) finishApproved(ctx context.Context, env *contracts.ActionEnvelope) (*ProposeResult, error) {
	env.Status = contracts.StatusApproved
	if err := o.envelopes.Create(ctx, env); err != nil {
		return nil, fmt.Errorf("persist envelope: %w", err)
	}
	entry := o.record(ctx, audit.Draft{
		EventType:      "action.proposed",
		ActorType:      "agent",
		ActorID:        env.PrincipalID,
		EntityType:     "envelope",
		EntityID:       env.ID,
		RiskCategory:   envelopeRisk(env),
		Summary:        summarize(env) + " (auto-approved)",
		Snapshot:       proposalSnapshot(env),
		EnvelopeID:     env.ID,
		OrganizationID: env.OrganizationID,
		TraceID:        env.TraceID,
	})
	o.attachAudit(ctx, env, entry)

	final, executed := o.runApproved(ctx, env)
	o.recorder.ProposalDecided(ctx, string(final.Status))
	return &ProposeResult{
		Envelope:      final,
		DecisionTrace: final.DecisionTrace,
		Explanation:   explanationOf(final),
		Executed:      executed,
	}, nil
}

// runApproved enqueues or inline-executes a freshly approved envelope and
// returns the reloaded envelope plus the inline result, when any. Inline
// transient failures are logged and left for a later retry; the envelope
// stays in executing.
func (o *Orchestrator) runApproved(ctx context.Context, env *contracts.ActionEnvelope) (*contracts.ActionEnvelope, *contracts.ExecuteResult) {
	if o.cfg.ExecutionMode == ModeQueue && o.enqueue != nil {
		if _, err := o.enqueue.Enqueue(ctx, env.ID, env.TraceID); err != nil {
			o.logger.ErrorContext(ctx, "enqueue failed, envelope stays approved",
				"envelopeId", env.ID, "error", err)
		}
		return env, nil
	}

	result, err := o.ExecuteApproved(ctx, env.ID)
	if err != nil {
		o.logger.WarnContext(ctx, "inline execution deferred", "envelopeId", env.ID, "error", err)
	}
	if fresh, ferr := o.envelopes.Get(ctx, env.ID); ferr == nil {
		env = fresh
	}
	return env, result
}

func (o *Orchestrator) notifyApprovers(ctx context.Context, request *contracts.ApprovalRequest) {
	if o.notifier == nil {
		return
	}
	err := o.notifier.Notify(ctx, notify.Notification{
		ApprovalID:   request.ID,
		EnvelopeID:   request.EnvelopeID,
		Summary:      request.Summary,
		RiskCategory: request.RiskCategory,
		BindingHash:  request.BindingHash,
		ExpiresAt:    request.ExpiresAt,
		Approvers:    request.Approvers,
	})
	if err != nil {
		o.logger.WarnContext(ctx, "approver notification failed", "approvalId", request.ID, "error", err)
	}
}

func summarize(env *contracts.ActionEnvelope) string {
	proposal := env.PrimaryProposal()
	if proposal == nil {
		return "empty envelope"
	}
	s := proposal.ActionType
	if keys := entityKeys(env.ResolvedEntities); len(keys) > 0 {
		s += " on " + strings.Join(keys, ", ")
	}
	return s + " proposed by " + env.PrincipalID
}

func proposalSnapshot(env *contracts.ActionEnvelope) map[string]any {
	proposal := env.PrimaryProposal()
	if proposal == nil {
		return nil
	}
	snap := map[string]any{
		"actionType": proposal.ActionType,
		"parameters": proposal.Parameters,
	}
	if env.ParentEnvelopeID != "" {
		snap["parentEnvelopeId"] = env.ParentEnvelopeID
		snap["undoDepth"] = env.UndoDepth
	}
	return snap
}

func explanationOf(env *contracts.ActionEnvelope) string {
	if env.DecisionTrace != nil {
		return env.DecisionTrace.Explanation
	}
	return ""
}
