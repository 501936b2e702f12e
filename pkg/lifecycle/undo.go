package lifecycle

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/tillerhq/tiller/pkg/contracts"
)

// RequestUndo synthesizes the reverse proposal from an executed envelope's
// undo recipe and runs it through the full pipeline. Undo is never a
// shortcut: the reverse action is scored, policy-checked, and approval-gated
// like any other, with the recipe's approval floor as a minimum.
//
// The child envelope carries ParentEnvelopeID; when it executes, the
// original flips to rolled_back.
func (o *Orchestrator) RequestUndo(ctx context.Context, envelopeID string) (result *ProposeResult, err error) {
	ctx, end := o.recorder.StartSpan(ctx, "lifecycle.undo",
		attribute.String("envelope_id", envelopeID),
	)
	defer func() { end(err) }()

	env, err := o.envelopes.Get(ctx, envelopeID)
	if err != nil {
		return nil, err
	}
	if env.Status != contracts.StatusExecuted {
		return nil, fmt.Errorf("%w: envelope %s is %s", ErrUndoUnavailable, env.ID, env.Status)
	}
	recipe := latestRecipe(env)
	if recipe == nil {
		return nil, fmt.Errorf("%w: execution of %s recorded no recipe", ErrUndoUnavailable, env.ID)
	}
	now := o.clock().UTC()
	if now.After(recipe.UndoExpiresAt) {
		return nil, fmt.Errorf("%w: window closed at %s", ErrUndoExpired, recipe.UndoExpiresAt.Format(time.RFC3339))
	}
	if env.UndoDepth+1 > o.cfg.MaxUndoDepth {
		return nil, fmt.Errorf("%w: depth %d exceeds limit %d", ErrUndoDepthExceeded, env.UndoDepth+1, o.cfg.MaxUndoDepth)
	}

	return o.ResolveAndPropose(ctx, ProposeRequest{
		ActionType:     recipe.ReverseActionType,
		Parameters:     recipe.ReverseParameters,
		PrincipalID:    env.PrincipalID,
		OrganizationID: env.OrganizationID,
		CartridgeID:    env.CartridgeID,
		Message:        fmt.Sprintf("undo of %s", env.ID),
		TraceID:        env.TraceID,

		parentEnvelopeID: env.ID,
		undoDepth:        env.UndoDepth + 1,
		approvalFloor:    recipe.UndoApprovalRequired,
	})
}

// latestRecipe returns the most recent execution result's recipe. Later
// results win: a retry that finally succeeded is the state to reverse.
func latestRecipe(env *contracts.ActionEnvelope) *contracts.UndoRecipe {
	for i := len(env.ExecutionResults) - 1; i >= 0; i-- {
		if r := env.ExecutionResults[i].UndoRecipe; r != nil {
			return r
		}
	}
	return nil
}
