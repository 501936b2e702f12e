package cartridge_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tillerhq/tiller/pkg/cartridge"
	"github.com/tillerhq/tiller/pkg/cartridge/cartridgetest"
	"github.com/tillerhq/tiller/pkg/contracts"
)

func TestExecuteRequiresActivePermit(t *testing.T) {
	tokens := cartridge.NewTokenSet()
	g, err := cartridge.NewGuarded(cartridgetest.New("ads"), tokens)
	require.NoError(t, err)
	ctx := context.Background()
	params := map[string]any{"campaignId": "camp_123"}

	// No permit at all.
	_, err = g.Bind("").Execute(ctx, "ads.campaign.pause", params, nil)
	assert.ErrorIs(t, err, cartridge.ErrDirectExecution)

	// A made-up permit is not in the active set.
	_, err = g.Bind("not-a-permit").Execute(ctx, "ads.campaign.pause", params, nil)
	assert.ErrorIs(t, err, cartridge.ErrDirectExecution)

	// A minted permit works until it is ended.
	token := tokens.Begin()
	bound := g.Bind(token)
	result, err := bound.Execute(ctx, "ads.campaign.pause", params, nil)
	require.NoError(t, err)
	assert.True(t, result.Success)

	tokens.End(token)
	_, err = bound.Execute(ctx, "ads.campaign.pause", params, nil)
	assert.ErrorIs(t, err, cartridge.ErrDirectExecution)
}

func TestExecuteRejectsUndeclaredAction(t *testing.T) {
	tokens := cartridge.NewTokenSet()
	g, err := cartridge.NewGuarded(cartridgetest.New("ads"), tokens)
	require.NoError(t, err)

	token := tokens.Begin()
	defer tokens.End(token)
	_, err = g.Bind(token).Execute(context.Background(), "ads.campaign.delete", nil, nil)
	assert.ErrorIs(t, err, cartridge.ErrUnknownAction)
}

func TestParametersSchemaEnforced(t *testing.T) {
	fake := cartridgetest.New("ads").SetParametersSchema("ads.campaign.pause", `{
		"type": "object",
		"required": ["campaignId"],
		"properties": {"campaignId": {"type": "string", "minLength": 1}}
	}`)
	tokens := cartridge.NewTokenSet()
	g, err := cartridge.NewGuarded(fake, tokens)
	require.NoError(t, err)

	assert.NoError(t, g.ValidateParameters("ads.campaign.pause", map[string]any{"campaignId": "camp_123"}))
	assert.Error(t, g.ValidateParameters("ads.campaign.pause", map[string]any{}))
	assert.Error(t, g.ValidateParameters("ads.campaign.pause", map[string]any{"campaignId": 7}))

	// Execute re-validates, so a bad payload cannot slip past propose-time
	// checks.
	token := tokens.Begin()
	defer tokens.End(token)
	_, err = g.Bind(token).Execute(context.Background(), "ads.campaign.pause", map[string]any{}, nil)
	assert.Error(t, err)
	assert.Empty(t, fake.Calls())
}

func TestBadSchemaFailsWrapConstruction(t *testing.T) {
	fake := cartridgetest.New("ads").SetParametersSchema("ads.campaign.pause", `{"type": 42}`)
	_, err := cartridge.NewGuarded(fake, cartridge.NewTokenSet())
	assert.Error(t, err)
}

// gateInterceptor blocks a specific action type.
type gateInterceptor struct {
	cartridge.NopInterceptor
	blocked string
}

func (g gateInterceptor) BeforeExecute(_ context.Context, actionType string, _ map[string]any, _ map[string]any) (cartridge.Gate, error) {
	if actionType == g.blocked {
		return cartridge.Gate{Proceed: false, Reason: "budget frozen for quarter close"}, nil
	}
	return cartridge.Gate{Proceed: true}, nil
}

// stampInterceptor attaches an undo recipe after execution.
type stampInterceptor struct {
	cartridge.NopInterceptor
	recipe *contracts.UndoRecipe
}

func (s stampInterceptor) AfterExecute(_ context.Context, _ string, _ map[string]any, result *contracts.ExecuteResult, _ map[string]any) (*contracts.ExecuteResult, error) {
	result.UndoRecipe = s.recipe
	result.RollbackAvailable = true
	return result, nil
}

func TestBeforeExecuteGateYieldsSyntheticFailure(t *testing.T) {
	fake := cartridgetest.New("ads")
	tokens := cartridge.NewTokenSet()
	g, err := cartridge.NewGuarded(fake, tokens,
		cartridge.WithInterceptors(gateInterceptor{blocked: "ads.budget.update"}))
	require.NoError(t, err)

	token := tokens.Begin()
	defer tokens.End(token)
	result, err := g.Bind(token).Execute(context.Background(), "ads.budget.update", map[string]any{"budget": 100}, nil)
	require.NoError(t, err)
	assert.False(t, result.Success)
	require.Len(t, result.PartialFailures, 1)
	assert.Equal(t, "beforeExecute", result.PartialFailures[0].Step)
	assert.Contains(t, result.PartialFailures[0].Error, "budget frozen")
	assert.Empty(t, fake.Calls(), "gated executions must never reach the cartridge")
}

func TestAfterExecuteTransformsResult(t *testing.T) {
	recipe := &contracts.UndoRecipe{ReverseActionType: "ads.campaign.resume"}
	tokens := cartridge.NewTokenSet()
	g, err := cartridge.NewGuarded(cartridgetest.New("ads"), tokens,
		cartridge.WithInterceptors(stampInterceptor{recipe: recipe}))
	require.NoError(t, err)

	token := tokens.Begin()
	defer tokens.End(token)
	result, err := g.Bind(token).Execute(context.Background(), "ads.campaign.pause", map[string]any{"campaignId": "camp_123"}, nil)
	require.NoError(t, err)
	assert.True(t, result.RollbackAvailable)
	assert.Equal(t, recipe, result.UndoRecipe)
}

// renameInterceptor rewrites a parameter before enrichment.
type renameInterceptor struct{ cartridge.NopInterceptor }

func (renameInterceptor) BeforeEnrich(_ context.Context, _ string, params map[string]any, _ map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = v
	}
	out["normalized"] = true
	return out, nil
}

func TestBeforeEnrichTransformsParameters(t *testing.T) {
	fake := cartridgetest.New("ads")
	fake.Enrichment = map[string]any{"accountBudgetRemaining": 5000.0}
	g, err := cartridge.NewGuarded(fake, cartridge.NewTokenSet(),
		cartridge.WithInterceptors(renameInterceptor{}))
	require.NoError(t, err)

	enriched, params, err := g.EnrichContext(context.Background(), "ads.campaign.pause", map[string]any{"campaignId": "camp_123"}, map[string]any{"traceId": "t1"})
	require.NoError(t, err)
	assert.Equal(t, true, params["normalized"])
	assert.Equal(t, "camp_123", params["campaignId"])
	assert.Equal(t, 5000.0, enriched["accountBudgetRemaining"])
	assert.Equal(t, "t1", enriched["traceId"])
}

func TestBaseGuardrailsMergeUnderCartridgeRules(t *testing.T) {
	fake := cartridgetest.New("ads")
	fake.Guardrail = contracts.GuardrailSpec{
		RateLimits: []contracts.RateLimitRule{{Scope: "ads.campaign.pause", MaxCount: 3, WindowMs: 60_000}},
		Cooldowns:  []contracts.CooldownRule{{ActionType: "ads.campaign.pause", CooldownMs: 30_000}},
	}
	g, err := cartridge.NewGuarded(fake, cartridge.NewTokenSet(),
		cartridge.WithBaseGuardrails(contracts.GuardrailSpec{
			RateLimits: []contracts.RateLimitRule{
				{Scope: "global", MaxCount: 100, WindowMs: 60_000},
				{Scope: "ads.campaign.pause", MaxCount: 50, WindowMs: 60_000},
			},
			Cooldowns:         []contracts.CooldownRule{{ActionType: "ads.campaign.resume", CooldownMs: 10_000}},
			ProtectedEntities: []string{"camp_root"},
		}))
	require.NoError(t, err)

	spec, err := g.Guardrails(context.Background())
	require.NoError(t, err)

	// The cartridge keeps its own pause limit; only the uncovered global
	// scope comes in from the base.
	require.Len(t, spec.RateLimits, 2)
	assert.Equal(t, 3, spec.RateLimits[0].MaxCount)
	assert.Equal(t, "global", spec.RateLimits[1].Scope)

	require.Len(t, spec.Cooldowns, 2)
	assert.Equal(t, "ads.campaign.resume", spec.Cooldowns[1].ActionType)
	assert.Equal(t, []string{"camp_root"}, spec.ProtectedEntities)
}

func TestCapabilityFallbacks(t *testing.T) {
	// A cartridge without optional capabilities still resolves entities
	// (pass-through) and reports nothing to halt. Embedding the interface
	// strips the fake's capability methods.
	bare := struct{ cartridge.Cartridge }{cartridgetest.New("pay")}
	g, err := cartridge.NewGuarded(bare, cartridge.NewTokenSet())
	require.NoError(t, err)

	resolved, err := g.ResolveEntity(context.Background(), contracts.EntityRef{InputRef: "cust_9", EntityType: "customer"})
	require.NoError(t, err)
	assert.Equal(t, contracts.EntityFound, resolved.Status)
	assert.Equal(t, "cust_9", resolved.EntityID)

	targets, err := g.SearchHaltTargets(context.Background())
	require.NoError(t, err)
	assert.Empty(t, targets)

	snap, err := g.CaptureSnapshot(context.Background(), "pay.refund", nil)
	require.NoError(t, err)
	assert.Nil(t, snap)
}
