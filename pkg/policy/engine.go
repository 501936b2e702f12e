// Package policy decides what happens to a proposed action: allow it, deny
// it, or require approval at some level. Policies are priority-ordered
// condition trees over a flat evaluation context; independent guardrail
// checks (forbidden behaviors, trust, rate limits, cooldowns, protected
// entities) run alongside them. Every check lands in the decision trace.
package policy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tillerhq/tiller/pkg/contracts"
	"github.com/tillerhq/tiller/pkg/guardrail"
)

// Input carries everything one evaluation needs. Policies must already be
// scoped to the cartridge and organization and sorted by priority (the
// provider guarantees both).
type Input struct {
	ActionType       string
	Parameters       map[string]any
	Metadata         map[string]any
	CartridgeContext map[string]any
	CartridgeID      string
	OrganizationID   string
	Identity         *contracts.ResolvedIdentity
	Policies         []*contracts.Policy
	Guardrails       contracts.GuardrailSpec
	Risk             contracts.RiskAssessment

	// EntityKeys are the external entity identifiers the action touches,
	// used for cooldown scoping and the protected-entity check.
	EntityKeys []string
}

// Config tunes evaluation behavior.
type Config struct {
	// DefaultEffect applies when no policy matched at all. Anything but
	// EffectAllow is treated as deny.
	DefaultEffect contracts.Effect
}

// Engine evaluates policies against proposals. Safe for concurrent use.
type Engine struct {
	guardrails guardrail.Store
	cfg        Config
	cel        *celCache
	matcher    *matcher
	clock      func() time.Time
	logger     *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithConfig replaces the default configuration.
func WithConfig(cfg Config) Option {
	return func(e *Engine) { e.cfg = cfg }
}

// WithClock overrides the engine's time source for tests.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

// WithLogger replaces the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// NewEngine builds an evaluator over a guardrail store.
func NewEngine(guardrails guardrail.Store, opts ...Option) (*Engine, error) {
	cc, err := newCELCache()
	if err != nil {
		return nil, err
	}
	e := &Engine{
		guardrails: guardrails,
		cfg:        Config{DefaultEffect: contracts.EffectDeny},
		cel:        cc,
		matcher:    newMatcher(),
		clock:      time.Now,
		logger:     slog.Default().With("component", "policy"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Evaluate runs the full decision pipeline and returns the trace plus the
// working parameters (transform policies may have rewritten them). Rate-limit
// counters are consumed only when the final decision is allow or
// require_approval.
func (e *Engine) Evaluate(ctx context.Context, in Input) (*contracts.DecisionTrace, map[string]any, error) {
	now := e.clock().UTC()
	params := cloneParams(in.Parameters)
	ectx := buildContext(in, params)

	trace := &contracts.DecisionTrace{
		RiskScore:    in.Risk.RawScore,
		RiskCategory: in.Risk.Category,
		RiskFactors:  in.Risk.Factors,
		EvaluatedAt:  now,
	}

	floor := contracts.ApprovalNone
	if in.Identity != nil {
		floor = in.Identity.ToleranceFor(in.Risk.Category)
		trace.GovernanceNote = in.Identity.GovernanceNote
	}
	appendCheck(trace, "risk.tolerance", floor != contracts.ApprovalNone,
		fmt.Sprintf("risk %s requires approval level %s", in.Risk.Category, floor), "")

	var (
		decided     bool
		decision    contracts.Decision
		explanation string
		matchedAny  bool
	)

	for _, p := range in.Policies {
		if !p.Active {
			continue
		}
		matched := e.evalRule(p.Rule, ectx, trace, p.ID)
		detail := p.Description
		if detail == "" {
			detail = fmt.Sprintf("policy %s", p.ID)
		}
		appendCheck(trace, "policy."+p.ID, matched, detail, p.Effect)
		if !matched {
			continue
		}
		matchedAny = true

		switch p.Effect {
		case contracts.EffectAllow:
			decided = true
			decision = contracts.DecisionAllow
			floor = contracts.ApprovalNone
			explanation = fmt.Sprintf("allowed by policy %s", p.ID)
		case contracts.EffectDeny:
			decided = true
			decision = contracts.DecisionDeny
			explanation = fmt.Sprintf("denied by policy %s", p.ID)
		case contracts.EffectRequireApproval:
			lvl := p.ApprovalRequirement
			if lvl == "" {
				lvl = contracts.ApprovalStandard
			}
			floor = contracts.StricterLevel(floor, lvl)
		case contracts.EffectTransform:
			if p.Transform != nil {
				applyTransform(params, p.Transform)
			}
		}
		if decided {
			break
		}
	}

	deny := func(code, detail string) {
		appendCheck(trace, code, true, detail, contracts.EffectDeny)
		decided = true
		decision = contracts.DecisionDeny
		explanation = detail
	}

	// Independent checks. Forbidden behaviors override everything, an
	// explicit policy allow included.
	if in.Identity != nil && in.Identity.Forbids(in.ActionType) {
		deny("identity.forbidden", fmt.Sprintf("action %s is forbidden for this identity", in.ActionType))
	} else {
		appendCheck(trace, "identity.forbidden", false, "not on the forbidden list", "")
	}

	if decision != contracts.DecisionDeny && in.Identity != nil && in.Identity.Trusts(in.ActionType) {
		floor = contracts.ApprovalNone
		appendCheck(trace, "identity.trust", true,
			fmt.Sprintf("action %s is trusted; approval requirement waived", in.ActionType), "")
	}

	if decision != contracts.DecisionDeny {
		for _, key := range in.EntityKeys {
			if containsString(in.Guardrails.ProtectedEntities, key) {
				deny("guardrail.protected_entity", fmt.Sprintf("entity %s is protected", key))
				break
			}
		}
	}

	var increments []pendingIncrement
	if decision != contracts.DecisionDeny {
		e.checkCooldowns(ctx, in, now, trace, deny)
	}
	if decision != contracts.DecisionDeny {
		increments = e.checkRateLimits(ctx, in, now, trace, deny)
	}

	if !decided {
		if !matchedAny && e.cfg.DefaultEffect != contracts.EffectAllow {
			deny("default_effect", "no policy matched; default effect is deny")
		} else {
			if floor != contracts.ApprovalNone {
				decision = contracts.DecisionRequireApproval
				explanation = fmt.Sprintf("requires %s approval (risk %s, score %.0f)", floor, in.Risk.Category, in.Risk.RawScore)
			} else {
				decision = contracts.DecisionAllow
				explanation = fmt.Sprintf("auto-allowed (risk %s, score %.0f)", in.Risk.Category, in.Risk.RawScore)
			}
		}
	}

	if decision != contracts.DecisionDeny {
		e.consume(ctx, increments)
	}

	trace.Decision = decision
	trace.ApprovalRequired = floor
	trace.Explanation = explanation
	return trace, params, nil
}

// evalRule walks a condition tree. Composites short-circuit; every leaf that
// actually evaluates appends a trace check.
func (e *Engine) evalRule(r contracts.Rule, ectx *evalContext, trace *contracts.DecisionTrace, policyID string) bool {
	if r.IsComposite() {
		switch r.Composition {
		case contracts.CompositionAnd:
			for _, child := range r.Children {
				if !e.evalRule(child, ectx, trace, policyID) {
					return false
				}
			}
			return true
		case contracts.CompositionOr:
			for _, child := range r.Children {
				if e.evalRule(child, ectx, trace, policyID) {
					return true
				}
			}
			return false
		case contracts.CompositionNot:
			if len(r.Children) == 0 {
				return false
			}
			return !e.evalRule(r.Children[0], ectx, trace, policyID)
		default:
			appendCheck(trace, "policy."+policyID+".rule", false,
				fmt.Sprintf("unknown composition %q", r.Composition), "")
			return false
		}
	}

	if r.CEL != "" {
		matched, err := e.cel.eval(r.CEL, ectx.doc)
		detail := r.CEL
		if err != nil {
			matched = false
			detail = err.Error()
			e.logger.Warn("cel condition failed closed", "policy", policyID, "error", err)
		}
		appendCheck(trace, "policy."+policyID+".cel", matched, detail, "")
		return matched
	}

	actual, found := ectx.Lookup(r.Field)
	matched, detail := e.matcher.match(r.Operator, actual, found, r.Value)
	appendCheck(trace, "policy."+policyID+"."+r.Field, matched, detail, "")
	return matched
}

func (e *Engine) checkCooldowns(ctx context.Context, in Input, now time.Time, trace *contracts.DecisionTrace, deny func(code, detail string)) {
	var rules []contracts.CooldownRule
	for _, rule := range in.Guardrails.Cooldowns {
		if rule.ActionType == in.ActionType {
			rules = append(rules, rule)
		}
	}
	if len(rules) == 0 {
		return
	}

	keys := cooldownKeys(in.OrganizationID, in.ActionType, in.EntityKeys)
	stamps, err := e.guardrails.Cooldowns(ctx, keys)
	if err != nil {
		e.logger.Error("cooldown lookup failed", "error", err)
		deny("guardrail.cooldown", fmt.Sprintf("cooldown state unavailable: %v", err))
		return
	}

	for _, rule := range rules {
		window := time.Duration(rule.CooldownMs) * time.Millisecond
		for key, last := range stamps {
			if elapsed := now.Sub(last); elapsed < window {
				deny("guardrail.cooldown."+in.ActionType,
					fmt.Sprintf("cooldown on %s active for another %s", key, (window - elapsed).Round(time.Second)))
				return
			}
		}
	}
	appendCheck(trace, "guardrail.cooldown."+in.ActionType, false, "no active cooldown", "")
}

type pendingIncrement struct {
	key         string
	windowStart int64
	ttl         time.Duration
}

func (e *Engine) checkRateLimits(ctx context.Context, in Input, now time.Time, trace *contracts.DecisionTrace, deny func(code, detail string)) []pendingIncrement {
	var increments []pendingIncrement
	for _, rule := range in.Guardrails.RateLimits {
		if rule.Scope != "global" && rule.Scope != in.ActionType {
			continue
		}
		if rule.WindowMs <= 0 || rule.MaxCount <= 0 {
			continue
		}
		windowStart := (now.UnixMilli() / rule.WindowMs) * rule.WindowMs
		key := rateLimitKey(in.OrganizationID, rule.Scope)

		entries, err := e.guardrails.RateLimits(ctx, []string{key})
		if err != nil {
			e.logger.Error("rate limit lookup failed", "error", err)
			deny("guardrail.rate_limit."+rule.Scope, fmt.Sprintf("rate limit state unavailable: %v", err))
			return nil
		}

		count := 0
		if entry, ok := entries[key]; ok && entry.WindowStart == windowStart {
			count = entry.Count
		}
		if count >= rule.MaxCount {
			deny("guardrail.rate_limit."+rule.Scope,
				fmt.Sprintf("rate limit exceeded for scope %s: %d of %d in window", rule.Scope, count, rule.MaxCount))
			return nil
		}
		appendCheck(trace, "guardrail.rate_limit."+rule.Scope, false,
			fmt.Sprintf("%d of %d in window", count, rule.MaxCount), "")
		increments = append(increments, pendingIncrement{
			key:         key,
			windowStart: windowStart,
			ttl:         time.Duration(rule.WindowMs) * time.Millisecond,
		})
	}
	return increments
}

// consume bumps the window counters after a non-deny decision. Failures are
// logged, not fatal: a missed increment under-counts, which errs on the
// permissive side of an already-passed check.
func (e *Engine) consume(ctx context.Context, increments []pendingIncrement) {
	incr, ok := e.guardrails.(guardrail.Incrementer)
	for _, pi := range increments {
		var err error
		if ok {
			_, err = incr.IncrRateLimit(ctx, pi.key, pi.windowStart, pi.ttl)
		} else {
			err = e.incrementSlow(ctx, pi)
		}
		if err != nil {
			e.logger.Warn("rate limit increment failed", "key", pi.key, "error", err)
		}
	}
}

// incrementSlow is the read-modify-write fallback for stores without atomic
// increments. Racy by nature; the burst tolerance equals the race window.
func (e *Engine) incrementSlow(ctx context.Context, pi pendingIncrement) error {
	entries, err := e.guardrails.RateLimits(ctx, []string{pi.key})
	if err != nil {
		return err
	}
	entry := guardrail.RateLimitEntry{WindowStart: pi.windowStart}
	if cur, ok := entries[pi.key]; ok && cur.WindowStart == pi.windowStart {
		entry = cur
	}
	entry.Count++
	return e.guardrails.SetRateLimit(ctx, pi.key, entry, pi.ttl)
}

func appendCheck(trace *contracts.DecisionTrace, code string, matched bool, detail string, effect contracts.Effect) {
	trace.Checks = append(trace.Checks, contracts.TraceCheck{
		Code:    code,
		Matched: matched,
		Detail:  detail,
		Effect:  effect,
	})
}

func rateLimitKey(organizationID, scope string) string {
	return fmt.Sprintf("rate:%s:%s", organizationID, scope)
}

// CooldownKey names the cooldown slot for an action against one entity. The
// orchestrator stamps it after a successful execution; evaluation reads it.
func CooldownKey(organizationID, actionType, entityKey string) string {
	if entityKey == "" {
		return fmt.Sprintf("cooldown:%s:%s", organizationID, actionType)
	}
	return fmt.Sprintf("cooldown:%s:%s:%s", organizationID, actionType, entityKey)
}

func cooldownKeys(organizationID, actionType string, entityKeys []string) []string {
	if len(entityKeys) == 0 {
		return []string{CooldownKey(organizationID, actionType, "")}
	}
	keys := make([]string, 0, len(entityKeys))
	for _, ek := range entityKeys {
		keys = append(keys, CooldownKey(organizationID, actionType, ek))
	}
	return keys
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
