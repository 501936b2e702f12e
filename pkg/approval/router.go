package approval

import (
	"time"

	"github.com/tillerhq/tiller/pkg/contracts"
)

// RoutingConfig sets approval expiry per level and the org-wide approver
// defaults used when the identity names no delegated approvers.
type RoutingConfig struct {
	ExpiryStandard  time.Duration
	ExpiryElevated  time.Duration
	ExpiryMandatory time.Duration

	DefaultApprovers map[contracts.ApprovalLevel][]string
	FallbackApprover string
}

// DefaultRoutingConfig mirrors the stock deployment: a day for standard
// approvals, half for elevated, four hours for mandatory.
func DefaultRoutingConfig() RoutingConfig {
	return RoutingConfig{
		ExpiryStandard:  24 * time.Hour,
		ExpiryElevated:  12 * time.Hour,
		ExpiryMandatory: 4 * time.Hour,
	}
}

// Routing is where an approval request should go and how long it lives.
type Routing struct {
	RequiredLevel    contracts.ApprovalLevel
	Approvers        []string
	FallbackApprover string
	ExpiresAt        time.Time
	// Escalated reports that no approver was reachable and the level was
	// forced to mandatory. The orchestrator denies such envelopes when
	// configured to.
	Escalated bool
}

// Router resolves approvers and expiry for a required approval level.
type Router struct {
	cfg   RoutingConfig
	clock func() time.Time
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithRouterClock overrides the router's time source for tests.
func WithRouterClock(clock func() time.Time) RouterOption {
	return func(r *Router) { r.clock = clock }
}

// NewRouter builds a Router. Zero expiry durations fall back to the defaults.
func NewRouter(cfg RoutingConfig, opts ...RouterOption) *Router {
	def := DefaultRoutingConfig()
	if cfg.ExpiryStandard <= 0 {
		cfg.ExpiryStandard = def.ExpiryStandard
	}
	if cfg.ExpiryElevated <= 0 {
		cfg.ExpiryElevated = def.ExpiryElevated
	}
	if cfg.ExpiryMandatory <= 0 {
		cfg.ExpiryMandatory = def.ExpiryMandatory
	}
	r := &Router{cfg: cfg, clock: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Route picks approvers in precedence order (the identity's delegated
// approvers, then the configured defaults for the level, then the fallback)
// and stamps the expiry. When the required level is not none and nobody is
// reachable, the level escalates to mandatory with an empty approver list.
func (r *Router) Route(identity *contracts.ResolvedIdentity, required contracts.ApprovalLevel) Routing {
	if required == contracts.ApprovalNone {
		return Routing{RequiredLevel: contracts.ApprovalNone}
	}

	var approvers []string
	if identity != nil && len(identity.DelegatedApprovers) > 0 {
		approvers = append([]string(nil), identity.DelegatedApprovers...)
	} else if defaults := r.cfg.DefaultApprovers[required]; len(defaults) > 0 {
		approvers = append([]string(nil), defaults...)
	}

	routing := Routing{
		RequiredLevel:    required,
		Approvers:        approvers,
		FallbackApprover: r.cfg.FallbackApprover,
	}
	if len(approvers) == 0 && r.cfg.FallbackApprover == "" {
		routing.RequiredLevel = contracts.ApprovalMandatory
		routing.Escalated = true
	}
	routing.ExpiresAt = r.clock().UTC().Add(r.expiryFor(routing.RequiredLevel))
	return routing
}

func (r *Router) expiryFor(level contracts.ApprovalLevel) time.Duration {
	switch level {
	case contracts.ApprovalElevated:
		return r.cfg.ExpiryElevated
	case contracts.ApprovalMandatory:
		return r.cfg.ExpiryMandatory
	default:
		return r.cfg.ExpiryStandard
	}
}
