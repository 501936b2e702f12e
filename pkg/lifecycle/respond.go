package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/tillerhq/tiller/pkg/approval"
	"github.com/tillerhq/tiller/pkg/audit"
	"github.com/tillerhq/tiller/pkg/contracts"
)

// RespondResult reports what a response did: the new approval state, the
// envelope if it moved, and the execution result when approval triggered an
// inline run.
type RespondResult struct {
	State    *contracts.ApprovalState  `json:"state"`
	Envelope *contracts.ActionEnvelope `json:"envelope,omitempty"`
	Executed *contracts.ExecuteResult  `json:"executed,omitempty"`
}

// RespondToApproval applies an approver's decision. The responder must be a
// routed approver, the fallback, or reachable through the delegation graph.
// Approvals under quorum return with the state still pending; the meeting
// vote flips the envelope and continues to execution.
//
// A lapsed approval returns approval.ErrApprovalExpired alongside the expired
// state, after transitioning the envelope.
func (o *Orchestrator) RespondToApproval(ctx context.Context, approvalID string, resp contracts.ApprovalResponse) (result *RespondResult, err error) {
	ctx, end := o.recorder.StartSpan(ctx, "lifecycle.respond",
		attribute.String("approval_id", approvalID),
	)
	defer func() { end(err) }()

	request, err := o.approvals.Request(ctx, approvalID)
	if err != nil {
		return nil, err
	}
	if err = o.authorizeResponder(ctx, request, resp.RespondedBy); err != nil {
		return nil, err
	}

	state, err := o.machine.Respond(ctx, approvalID, resp)
	if errors.Is(err, approval.ErrApprovalExpired) {
		env := o.expireEnvelope(ctx, request)
		return &RespondResult{State: state, Envelope: env}, err
	}
	if err != nil {
		return nil, err
	}

	o.recorder.ApprovalResponded(ctx, resp.Action)
	o.record(ctx, audit.Draft{
		EventType:      "approval.responded",
		ActorType:      "user",
		ActorID:        resp.RespondedBy,
		EntityType:     "approval",
		EntityID:       approvalID,
		RiskCategory:   request.RiskCategory,
		Summary:        fmt.Sprintf("%s by %s", resp.Action, resp.RespondedBy),
		Snapshot:       responseSnapshot(resp, state),
		EnvelopeID:     request.EnvelopeID,
		OrganizationID: request.OrganizationID,
	})

	result = &RespondResult{State: state}
	switch state.Status {
	case contracts.ApprovalPending:
		// Quorum vote accepted, more needed. The envelope does not move.
		return result, nil
	case contracts.ApprovalApproved, contracts.ApprovalPatched:
		env, executed, aerr := o.envelopeApproved(ctx, request, state)
		if aerr != nil {
			return result, aerr
		}
		result.Envelope, result.Executed = env, executed
		return result, nil
	case contracts.ApprovalRejected:
		env, derr := o.envelopeRejected(ctx, request, resp.RespondedBy)
		if derr != nil {
			return result, derr
		}
		result.Envelope = env
		return result, nil
	default:
		return result, nil
	}
}

// ExpireApproval transitions a lapsed approval and its envelope to expired.
// The expiry scanner calls this; callers racing a concurrent responder see
// store.ErrStaleVersion and skip. Approvals still inside their window return
// ErrNotLapsed untouched.
func (o *Orchestrator) ExpireApproval(ctx context.Context, approvalID string) (*contracts.ApprovalState, error) {
	request, err := o.approvals.Request(ctx, approvalID)
	if err != nil {
		return nil, err
	}
	state, err := o.approvals.State(ctx, approvalID)
	if err != nil {
		return nil, err
	}
	if !approval.IsExpired(state, o.clock().UTC()) {
		return nil, fmt.Errorf("%w: %s expires at %s", ErrNotLapsed, approvalID, state.ExpiresAt.Format(time.RFC3339))
	}
	state, err = o.machine.Expire(ctx, approvalID)
	if err != nil {
		return nil, err
	}
	o.expireEnvelope(ctx, request)
	return state, nil
}

// authorizeResponder checks membership, the fallback seat, and finally the
// delegation graph scoped to the request's action type.
func (o *Orchestrator) authorizeResponder(ctx context.Context, request *contracts.ApprovalRequest, responder string) error {
	if responder == "" {
		return fmt.Errorf("%w: respondedBy is required", ErrValidation)
	}
	if containsString(request.Approvers, responder) {
		return nil
	}
	if request.FallbackApprover != "" && responder == request.FallbackApprover {
		return nil
	}

	rules, err := o.delegations.All(ctx)
	if err != nil {
		return fmt.Errorf("load delegation rules: %w", err)
	}
	approvers := append([]string(nil), request.Approvers...)
	if request.FallbackApprover != "" {
		approvers = append(approvers, request.FallbackApprover)
	}
	chain := approval.ResolveDelegationChain(approval.ChainQuery{
		Responder:     responder,
		Approvers:     approvers,
		RequiredScope: request.ActionType,
		Now:           o.clock().UTC(),
	}, rules)
	if !chain.Authorized {
		return fmt.Errorf("%w: %s", ErrUnauthorizedResponder, responder)
	}
	o.logger.InfoContext(ctx, "response authorized by delegation",
		"approvalId", request.ID, "responder", responder, "chain", chain.Chain)
	return nil
}

// envelopeApproved flips the envelope, applies any patch, and continues to
// execution the same way an auto-approved proposal would.
func (o *Orchestrator) envelopeApproved(ctx context.Context, request *contracts.ApprovalRequest, state *contracts.ApprovalState) (*contracts.ActionEnvelope, *contracts.ExecuteResult, error) {
	env, err := o.envelopes.Get(ctx, request.EnvelopeID)
	if err != nil {
		return nil, nil, err
	}
	if !contracts.CanTransition(env.Status, contracts.StatusApproved) {
		// An expiry or concurrent path already settled it.
		return env, nil, nil
	}
	env.Status = contracts.StatusApproved
	if state.Status == contracts.ApprovalPatched && state.PatchValue != nil {
		env.Proposals[0].Parameters = state.PatchValue
	}
	env.UpdatedAt = o.clock().UTC()
	if err := o.envelopes.Update(ctx, env); err != nil {
		return nil, nil, fmt.Errorf("persist approval: %w", err)
	}

	responder := state.RespondedBy
	if responder == "" {
		responder = "unknown"
	}
	entry := o.record(ctx, audit.Draft{
		EventType:      "action.approved",
		ActorType:      "user",
		ActorID:        responder,
		EntityType:     "envelope",
		EntityID:       env.ID,
		RiskCategory:   request.RiskCategory,
		Summary:        fmt.Sprintf("approved by %s", responder),
		EnvelopeID:     env.ID,
		OrganizationID: env.OrganizationID,
		TraceID:        env.TraceID,
	})
	o.attachAudit(ctx, env, entry)

	final, executed := o.runApproved(ctx, env)
	return final, executed, nil
}

func (o *Orchestrator) envelopeRejected(ctx context.Context, request *contracts.ApprovalRequest, responder string) (*contracts.ActionEnvelope, error) {
	env, err := o.envelopes.Get(ctx, request.EnvelopeID)
	if err != nil {
		return nil, err
	}
	if !contracts.CanTransition(env.Status, contracts.StatusDenied) {
		return env, nil
	}
	env.Status = contracts.StatusDenied
	env.UpdatedAt = o.clock().UTC()
	if err := o.envelopes.Update(ctx, env); err != nil {
		return nil, fmt.Errorf("persist rejection: %w", err)
	}
	entry := o.record(ctx, audit.Draft{
		EventType:      "action.denied",
		ActorType:      "user",
		ActorID:        responder,
		EntityType:     "envelope",
		EntityID:       env.ID,
		RiskCategory:   request.RiskCategory,
		Summary:        fmt.Sprintf("rejected by %s", responder),
		EnvelopeID:     env.ID,
		OrganizationID: env.OrganizationID,
		TraceID:        env.TraceID,
	})
	o.attachAudit(ctx, env, entry)
	return env, nil
}

// expireEnvelope moves a pending envelope to expired and audits it. Safe to
// call when another path already settled the envelope.
func (o *Orchestrator) expireEnvelope(ctx context.Context, request *contracts.ApprovalRequest) *contracts.ActionEnvelope {
	env, err := o.envelopes.Get(ctx, request.EnvelopeID)
	if err != nil {
		o.logger.WarnContext(ctx, "expired approval's envelope not found",
			"approvalId", request.ID, "envelopeId", request.EnvelopeID, "error", err)
		return nil
	}
	if !contracts.CanTransition(env.Status, contracts.StatusExpired) {
		return env
	}
	env.Status = contracts.StatusExpired
	env.UpdatedAt = o.clock().UTC()
	if err := o.envelopes.Update(ctx, env); err != nil {
		o.logger.WarnContext(ctx, "expiry not persisted", "envelopeId", env.ID, "error", err)
		return env
	}
	entry := o.record(ctx, audit.Draft{
		EventType:      "action.approval_expired",
		ActorType:      "system",
		ActorID:        "approval-expiry",
		EntityType:     "envelope",
		EntityID:       env.ID,
		RiskCategory:   request.RiskCategory,
		Summary:        fmt.Sprintf("approval %s expired before a response", request.ID),
		EnvelopeID:     env.ID,
		OrganizationID: env.OrganizationID,
		TraceID:        env.TraceID,
	})
	o.attachAudit(ctx, env, entry)
	return env
}

func responseSnapshot(resp contracts.ApprovalResponse, state *contracts.ApprovalState) map[string]any {
	snap := map[string]any{
		"action": string(resp.Action),
		"status": string(state.Status),
	}
	if state.Quorum != nil {
		snap["quorumVotes"] = len(state.Quorum.Entries)
		snap["quorumRequired"] = state.Quorum.Required
	}
	return snap
}
