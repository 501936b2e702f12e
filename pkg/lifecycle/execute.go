package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/tillerhq/tiller/pkg/audit"
	"github.com/tillerhq/tiller/pkg/cartridge"
	"github.com/tillerhq/tiller/pkg/contracts"
	"github.com/tillerhq/tiller/pkg/policy"
	"github.com/tillerhq/tiller/pkg/queue"
)

// ExecuteApproved runs an approved envelope through its guarded cartridge.
// It is the queue's executor and the inline-mode tail of propose.
//
// Error contract: a non-nil error is retryable; the envelope is left in
// executing and a later call may finish the job. Terminal failures return
// the failure result with a nil error after flipping the envelope to failed.
func (o *Orchestrator) ExecuteApproved(ctx context.Context, envelopeID string) (result *contracts.ExecuteResult, err error) {
	ctx, end := o.recorder.StartSpan(ctx, "lifecycle.execute",
		attribute.String("envelope_id", envelopeID),
	)
	defer func() { end(err) }()

	env, err := o.envelopes.Get(ctx, envelopeID)
	if err != nil {
		return nil, err
	}
	if env.Status != contracts.StatusApproved && env.Status != contracts.StatusExecuting {
		return nil, fmt.Errorf("%w: envelope %s is %s", ErrNotExecutable, env.ID, env.Status)
	}
	proposal := env.PrimaryProposal()
	if proposal == nil {
		return nil, fmt.Errorf("%w: envelope %s carries no proposal", ErrNotExecutable, env.ID)
	}
	guarded, err := o.registry.Get(env.CartridgeID)
	if err != nil {
		return nil, err
	}

	if env.Status == contracts.StatusApproved {
		env.Status = contracts.StatusExecuting
		env.UpdatedAt = o.clock().UTC()
		if err := o.envelopes.Update(ctx, env); err != nil {
			return nil, fmt.Errorf("mark executing: %w", err)
		}
	}

	token := o.tokens.Begin()
	defer o.tokens.End(token)
	bound := guarded.Bind(token)

	cctx := cartridgeContext(env.PrincipalID, env.OrganizationID, env.ID, env.TraceID, "", env.ResolvedEntities)
	enriched, working, err := guarded.EnrichContext(ctx, proposal.ActionType, proposal.Parameters, cctx)
	if err != nil {
		if queue.IsTransient(err) {
			return nil, fmt.Errorf("enrich context: %w", err)
		}
		return o.finalizeFailure(ctx, env, proposal, nil, fmt.Sprintf("enrich context: %v", err))
	}

	start := o.clock()
	execCtx, endExec := o.recorder.StartSpan(ctx, "cartridge.execute",
		attribute.String("action_type", proposal.ActionType),
		attribute.String("cartridge_id", env.CartridgeID),
	)
	res, execErr := bound.Execute(execCtx, proposal.ActionType, working, enriched)
	endExec(execErr)
	o.recorder.ExecuteTook(ctx, o.clock().Sub(start))

	if execErr != nil {
		if errors.Is(execErr, cartridge.ErrDirectExecution) {
			// Token bookkeeping broke; this is a bug, never a retry.
			return nil, execErr
		}
		if queue.IsTransient(execErr) {
			return nil, execErr
		}
		return o.finalizeFailure(ctx, env, proposal, nil, execErr.Error())
	}
	if !res.Success {
		failure := res.FailureText()
		if queue.TransientText(failure) {
			return nil, fmt.Errorf("transient execution failure: %s", failure)
		}
		return o.finalizeFailure(ctx, env, proposal, res, failure)
	}
	return o.finalizeSuccess(ctx, env, proposal, guarded, res)
}

func (o *Orchestrator) finalizeSuccess(ctx context.Context, env *contracts.ActionEnvelope, proposal *contracts.Proposal, guarded *cartridge.Guarded, res *contracts.ExecuteResult) (*contracts.ExecuteResult, error) {
	now := o.clock().UTC()
	env.Status = contracts.StatusExecuted
	env.ExecutionResults = append(env.ExecutionResults, *res)
	env.UpdatedAt = now
	if err := o.envelopes.Update(ctx, env); err != nil {
		return nil, fmt.Errorf("persist execution: %w", err)
	}

	o.stampCooldowns(ctx, guarded, env, proposal.ActionType, now)

	entry := o.record(ctx, audit.Draft{
		EventType:      "action.executed",
		ActorType:      "system",
		ActorID:        "orchestrator",
		EntityType:     "envelope",
		EntityID:       env.ID,
		RiskCategory:   envelopeRisk(env),
		Summary:        res.Summary,
		Snapshot:       executionSnapshot(res),
		EnvelopeID:     env.ID,
		OrganizationID: env.OrganizationID,
		TraceID:        env.TraceID,
	})
	o.attachAudit(ctx, env, entry)
	o.recorder.ExecutionFinished(ctx, true)

	if env.ParentEnvelopeID != "" {
		o.settleUndo(ctx, env)
	} else if _, err := o.competence.RecordSuccess(ctx, env.PrincipalID, proposal.ActionType); err != nil {
		o.logger.WarnContext(ctx, "competence success not recorded",
			"principalId", env.PrincipalID, "actionType", proposal.ActionType, "error", err)
	}
	return res, nil
}

func (o *Orchestrator) finalizeFailure(ctx context.Context, env *contracts.ActionEnvelope, proposal *contracts.Proposal, res *contracts.ExecuteResult, failure string) (*contracts.ExecuteResult, error) {
	if res == nil {
		res = &contracts.ExecuteResult{
			Success: false,
			Summary: "execution failed",
			PartialFailures: []contracts.PartialFailure{
				{Step: "execute", Error: failure},
			},
		}
	}
	env.Status = contracts.StatusFailed
	env.ExecutionResults = append(env.ExecutionResults, *res)
	env.UpdatedAt = o.clock().UTC()
	if err := o.envelopes.Update(ctx, env); err != nil {
		return nil, fmt.Errorf("persist failure: %w", err)
	}

	entry := o.record(ctx, audit.Draft{
		EventType:      "action.failed",
		ActorType:      "system",
		ActorID:        "orchestrator",
		EntityType:     "envelope",
		EntityID:       env.ID,
		RiskCategory:   envelopeRisk(env),
		Summary:        failure,
		Snapshot:       executionSnapshot(res),
		EnvelopeID:     env.ID,
		OrganizationID: env.OrganizationID,
		TraceID:        env.TraceID,
	})
	o.attachAudit(ctx, env, entry)
	o.recorder.ExecutionFinished(ctx, false)

	if _, err := o.competence.RecordFailure(ctx, env.PrincipalID, proposal.ActionType); err != nil {
		o.logger.WarnContext(ctx, "competence failure not recorded",
			"principalId", env.PrincipalID, "actionType", proposal.ActionType, "error", err)
	}
	return res, nil
}

// settleUndo closes the loop on an executed undo envelope: the original
// flips to rolled_back and the rollback lands on the original actor's
// competence record, not the undo child's.
func (o *Orchestrator) settleUndo(ctx context.Context, child *contracts.ActionEnvelope) {
	original, err := o.envelopes.Get(ctx, child.ParentEnvelopeID)
	if err != nil {
		o.logger.WarnContext(ctx, "undo parent not found",
			"envelopeId", child.ID, "parentId", child.ParentEnvelopeID, "error", err)
		return
	}
	if contracts.CanTransition(original.Status, contracts.StatusRolledBack) {
		original.Status = contracts.StatusRolledBack
		original.UpdatedAt = o.clock().UTC()
		if err := o.envelopes.Update(ctx, original); err != nil {
			o.logger.WarnContext(ctx, "rollback status not persisted", "envelopeId", original.ID, "error", err)
		} else {
			entry := o.record(ctx, audit.Draft{
				EventType:      "action.rolled_back",
				ActorType:      "system",
				ActorID:        "orchestrator",
				EntityType:     "envelope",
				EntityID:       original.ID,
				RiskCategory:   envelopeRisk(original),
				Summary:        fmt.Sprintf("rolled back by undo envelope %s", child.ID),
				EnvelopeID:     original.ID,
				OrganizationID: original.OrganizationID,
				TraceID:        original.TraceID,
			})
			o.attachAudit(ctx, original, entry)
		}
	}
	if p := original.PrimaryProposal(); p != nil {
		if _, err := o.competence.RecordRollback(ctx, original.PrincipalID, p.ActionType); err != nil {
			o.logger.WarnContext(ctx, "competence rollback not recorded",
				"principalId", original.PrincipalID, "actionType", p.ActionType, "error", err)
		}
	}
}

// stampCooldowns marks each declared cooldown for the action so the next
// proposal against the same entity hits the guardrail check.
func (o *Orchestrator) stampCooldowns(ctx context.Context, guarded *cartridge.Guarded, env *contracts.ActionEnvelope, actionType string, now time.Time) {
	rails, err := guarded.Guardrails(ctx)
	if err != nil {
		o.logger.WarnContext(ctx, "guardrails unavailable, cooldowns not stamped",
			"cartridgeId", env.CartridgeID, "error", err)
		return
	}
	keys := entityKeys(env.ResolvedEntities)
	if len(keys) == 0 {
		keys = []string{""}
	}
	for _, rule := range rails.Cooldowns {
		if rule.ActionType != actionType || rule.CooldownMs <= 0 {
			continue
		}
		ttl := time.Duration(rule.CooldownMs) * time.Millisecond
		for _, k := range keys {
			key := policy.CooldownKey(env.OrganizationID, actionType, k)
			if err := o.guardrails.SetCooldown(ctx, key, now, ttl); err != nil {
				o.logger.WarnContext(ctx, "cooldown stamp failed", "key", key, "error", err)
			}
		}
	}
}

func executionSnapshot(res *contracts.ExecuteResult) map[string]any {
	snap := map[string]any{
		"summary":    res.Summary,
		"durationMs": res.DurationMs,
	}
	if len(res.ExternalRefs) > 0 {
		refs := make([]map[string]any, 0, len(res.ExternalRefs))
		for _, r := range res.ExternalRefs {
			refs = append(refs, map[string]any{"system": r.System, "ref": r.Ref})
		}
		snap["externalRefs"] = refs
	}
	if res.RollbackAvailable {
		snap["rollbackAvailable"] = true
	}
	if len(res.PartialFailures) > 0 {
		failures := make([]map[string]any, 0, len(res.PartialFailures))
		for _, f := range res.PartialFailures {
			failures = append(failures, map[string]any{"step": f.Step, "error": f.Error})
		}
		snap["partialFailures"] = failures
	}
	return snap
}
