package cartridge

import (
	"context"
	"fmt"
	"time"

	"github.com/tillerhq/tiller/pkg/contracts"
)

// Gate is a BeforeExecute verdict. Proceed=false stops the execution and
// produces a synthetic failed result carrying Reason; Parameters, when
// non-nil, replace the working parameters for the rest of the chain.
type Gate struct {
	Proceed    bool
	Parameters map[string]any
	Reason     string
}

// Interceptor hooks the three phases of a guarded call. Embed
// NopInterceptor to implement only the phases you care about.
type Interceptor interface {
	// BeforeEnrich may transform parameters before context enrichment.
	// Returning nil parameters keeps the current ones.
	BeforeEnrich(ctx context.Context, actionType string, params map[string]any, cctx map[string]any) (map[string]any, error)

	// BeforeExecute gates the execution.
	BeforeExecute(ctx context.Context, actionType string, params map[string]any, cctx map[string]any) (Gate, error)

	// AfterExecute may transform the result (stamp an undo recipe, scrub
	// fields). Returning nil keeps the current result.
	AfterExecute(ctx context.Context, actionType string, params map[string]any, result *contracts.ExecuteResult, cctx map[string]any) (*contracts.ExecuteResult, error)
}

// NopInterceptor is a pass-through implementation for embedding.
type NopInterceptor struct{}

func (NopInterceptor) BeforeEnrich(_ context.Context, _ string, params map[string]any, _ map[string]any) (map[string]any, error) {
	return params, nil
}

func (NopInterceptor) BeforeExecute(context.Context, string, map[string]any, map[string]any) (Gate, error) {
	return Gate{Proceed: true}, nil
}

func (NopInterceptor) AfterExecute(_ context.Context, _ string, _ map[string]any, result *contracts.ExecuteResult, _ map[string]any) (*contracts.ExecuteResult, error) {
	return result, nil
}

// Guarded wraps a cartridge so that execution requires an active permit.
// Read paths (manifest, enrichment, risk input, guardrails, health) are
// open; Execute exists only on the handle returned by Bind.
type Guarded struct {
	inner        Cartridge
	tokens       *TokenSet
	interceptors []Interceptor
	schemas      *schemaSet
	base         contracts.GuardrailSpec
	clock        func() time.Time
}

// GuardedOption configures a Guarded wrapper.
type GuardedOption func(*Guarded)

// WithInterceptors appends interceptors, run in the order given.
func WithInterceptors(ics ...Interceptor) GuardedOption {
	return func(g *Guarded) { g.interceptors = append(g.interceptors, ics...) }
}

// WithBaseGuardrails merges deployment-level guardrails underneath whatever
// the cartridge declares. A cartridge rule for the same rate-limit scope or
// cooldown action wins over the base rule.
func WithBaseGuardrails(base contracts.GuardrailSpec) GuardedOption {
	return func(g *Guarded) { g.base = base }
}

// WithClock overrides the duration clock for tests.
func WithClock(clock func() time.Time) GuardedOption {
	return func(g *Guarded) { g.clock = clock }
}

// NewGuarded wraps a cartridge. Parameter schemas declared in the manifest
// are compiled eagerly so a bad schema fails registration, not execution.
func NewGuarded(inner Cartridge, tokens *TokenSet, opts ...GuardedOption) (*Guarded, error) {
	g := &Guarded{
		inner:  inner,
		tokens: tokens,
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	schemas, err := compileSchemas(inner.Manifest())
	if err != nil {
		return nil, err
	}
	g.schemas = schemas
	return g, nil
}

// Manifest returns the wrapped cartridge's manifest.
func (g *Guarded) Manifest() contracts.Manifest { return g.inner.Manifest() }

// ValidateParameters checks params against the manifest's declared schema
// for the action type. Actions without a schema accept anything; unknown
// action types fail with ErrUnknownAction.
func (g *Guarded) ValidateParameters(actionType string, params map[string]any) error {
	manifest := g.Manifest()
	if manifest.ActionSpecFor(actionType) == nil {
		return fmt.Errorf("%w: %s", ErrUnknownAction, actionType)
	}
	return g.schemas.validate(actionType, params)
}

// EnrichContext runs the BeforeEnrich interceptor phase, then the cartridge.
func (g *Guarded) EnrichContext(ctx context.Context, actionType string, params map[string]any, cctx map[string]any) (map[string]any, map[string]any, error) {
	working := params
	for _, ic := range g.interceptors {
		next, err := ic.BeforeEnrich(ctx, actionType, working, cctx)
		if err != nil {
			return nil, nil, fmt.Errorf("interceptor beforeEnrich: %w", err)
		}
		if next != nil {
			working = next
		}
	}
	enriched, err := g.inner.EnrichContext(ctx, actionType, working, cctx)
	if err != nil {
		return nil, nil, err
	}
	return enriched, working, nil
}

// RiskInput proxies to the cartridge.
func (g *Guarded) RiskInput(ctx context.Context, actionType string, params map[string]any, cctx map[string]any) (contracts.RiskInput, error) {
	return g.inner.RiskInput(ctx, actionType, params, cctx)
}

// Guardrails returns the cartridge's declared spec with the base guardrails
// merged in. Base rules apply only where the cartridge stays silent.
func (g *Guarded) Guardrails(ctx context.Context) (contracts.GuardrailSpec, error) {
	spec, err := g.inner.Guardrails(ctx)
	if err != nil {
		return spec, err
	}

	scopes := make(map[string]bool, len(spec.RateLimits))
	for _, r := range spec.RateLimits {
		scopes[r.Scope] = true
	}
	for _, r := range g.base.RateLimits {
		if !scopes[r.Scope] {
			spec.RateLimits = append(spec.RateLimits, r)
		}
	}

	actions := make(map[string]bool, len(spec.Cooldowns))
	for _, c := range spec.Cooldowns {
		actions[c.ActionType] = true
	}
	for _, c := range g.base.Cooldowns {
		if !actions[c.ActionType] {
			spec.Cooldowns = append(spec.Cooldowns, c)
		}
	}

	for _, p := range g.base.ProtectedEntities {
		if !containsEntity(spec.ProtectedEntities, p) {
			spec.ProtectedEntities = append(spec.ProtectedEntities, p)
		}
	}
	return spec, nil
}

func containsEntity(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}

// HealthCheck proxies to the cartridge.
func (g *Guarded) HealthCheck(ctx context.Context) (contracts.HealthStatus, error) {
	return g.inner.HealthCheck(ctx)
}

// ResolveEntity uses the cartridge's resolver capability. Cartridges without
// it pass the reference through unresolved, marked found with the input as
// the entity id.
func (g *Guarded) ResolveEntity(ctx context.Context, ref contracts.EntityRef) (contracts.ResolvedEntity, error) {
	if resolver, ok := g.inner.(EntityResolver); ok {
		return resolver.ResolveEntity(ctx, ref)
	}
	return contracts.ResolvedEntity{
		InputRef:   ref.InputRef,
		EntityType: ref.EntityType,
		EntityID:   ref.InputRef,
		Status:     contracts.EntityFound,
		Confidence: 1,
	}, nil
}

// SearchHaltTargets uses the halt capability; cartridges without it report
// nothing to halt.
func (g *Guarded) SearchHaltTargets(ctx context.Context) ([]HaltTarget, error) {
	if searcher, ok := g.inner.(HaltSearcher); ok {
		return searcher.SearchHaltTargets(ctx)
	}
	return nil, nil
}

// CaptureSnapshot uses the snapshot capability; cartridges without it return
// an empty snapshot.
func (g *Guarded) CaptureSnapshot(ctx context.Context, actionType string, params map[string]any) (map[string]any, error) {
	if capturer, ok := g.inner.(SnapshotCapturer); ok {
		return capturer.CaptureSnapshot(ctx, actionType, params)
	}
	return nil, nil
}

// Bind attaches an execution permit and returns the handle that can execute.
// The permit is re-checked against the active set on every Execute call, so
// a handle kept past End cannot run.
func (g *Guarded) Bind(token string) *Bound {
	return &Bound{guarded: g, token: token}
}

// Bound is a Guarded with a permit attached. It is cheap and single-use:
// the orchestrator creates one per execution and drops it after.
type Bound struct {
	guarded *Guarded
	token   string
}

// Execute validates the permit, re-validates parameters, then runs the
// interceptor chain around the cartridge's execute.
func (b *Bound) Execute(ctx context.Context, actionType string, params map[string]any, cctx map[string]any) (*contracts.ExecuteResult, error) {
	g := b.guarded
	if b.token == "" || !g.tokens.IsActive(b.token) {
		return nil, ErrDirectExecution
	}
	if err := g.ValidateParameters(actionType, params); err != nil {
		return nil, err
	}

	working := params
	for _, ic := range g.interceptors {
		gate, err := ic.BeforeExecute(ctx, actionType, working, cctx)
		if err != nil {
			return nil, fmt.Errorf("interceptor beforeExecute: %w", err)
		}
		if gate.Parameters != nil {
			working = gate.Parameters
		}
		if !gate.Proceed {
			reason := gate.Reason
			if reason == "" {
				reason = "blocked by interceptor"
			}
			return &contracts.ExecuteResult{
				Success: false,
				Summary: "execution blocked before dispatch",
				PartialFailures: []contracts.PartialFailure{
					{Step: "beforeExecute", Error: reason},
				},
			}, nil
		}
	}

	start := g.clock()
	result, err := g.inner.Execute(ctx, actionType, working, cctx)
	if err != nil {
		return nil, err
	}
	if result.DurationMs == 0 {
		result.DurationMs = g.clock().Sub(start).Milliseconds()
	}

	for _, ic := range g.interceptors {
		next, err := ic.AfterExecute(ctx, actionType, working, result, cctx)
		if err != nil {
			return nil, fmt.Errorf("interceptor afterExecute: %w", err)
		}
		if next != nil {
			result = next
		}
	}
	return result, nil
}
