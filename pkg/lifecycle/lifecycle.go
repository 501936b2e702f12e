// Package lifecycle is the orchestrator: it drives an action from proposal
// through identity, risk, and policy evaluation to a decision, routes
// approvals, executes through guarded cartridges, and keeps the envelope,
// approval, audit, and competence records consistent at every transition.
//
// The orchestrator owns no policy of its own. Everything it decides comes
// from the policy engine, the resolved identity, and the risk scorer; its
// job is sequencing, persistence, and making sure no effectful call ever
// bypasses the pipeline.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tillerhq/tiller/pkg/approval"
	"github.com/tillerhq/tiller/pkg/audit"
	"github.com/tillerhq/tiller/pkg/cartridge"
	"github.com/tillerhq/tiller/pkg/competence"
	"github.com/tillerhq/tiller/pkg/contracts"
	"github.com/tillerhq/tiller/pkg/guardrail"
	"github.com/tillerhq/tiller/pkg/notify"
	"github.com/tillerhq/tiller/pkg/policy"
	"github.com/tillerhq/tiller/pkg/risk"
	"github.com/tillerhq/tiller/pkg/store"
	"github.com/tillerhq/tiller/pkg/telemetry"
)

var (
	// ErrValidation marks malformed proposals. No envelope is created and
	// nothing is audited; the caller sent garbage, not a governed action.
	ErrValidation = errors.New("lifecycle: invalid proposal")

	// ErrCannotInferCartridge is returned when a proposal omits cartridgeId
	// and the action type prefix matches zero or several registered
	// cartridges.
	ErrCannotInferCartridge = errors.New("lifecycle: cannot infer cartridge")

	// ErrNotExecutable is returned by ExecuteApproved for envelopes outside
	// approved/executing.
	ErrNotExecutable = errors.New("lifecycle: envelope is not executable")

	// ErrUnauthorizedResponder is returned when a responder is neither a
	// routed approver, the fallback, nor an authorized delegate.
	ErrUnauthorizedResponder = errors.New("lifecycle: responder is not an approver or delegate")

	// ErrUndoUnavailable covers envelopes that are not in executed state or
	// whose execution recorded no undo recipe.
	ErrUndoUnavailable = errors.New("lifecycle: no usable undo recipe")

	// ErrUndoExpired is returned once the recipe's undo window has closed.
	ErrUndoExpired = errors.New("lifecycle: undo window has closed")

	// ErrUndoDepthExceeded caps undo-of-undo chains.
	ErrUndoDepthExceeded = errors.New("lifecycle: undo chain too deep")

	// ErrNotLapsed is returned by ExpireApproval for approvals whose expiry
	// is still in the future.
	ErrNotLapsed = errors.New("lifecycle: approval has not lapsed")
)

// Mode selects how approved envelopes reach execution.
type Mode string

const (
	// ModeInline executes in the proposing request. Transient failures
	// surface to the caller with the envelope parked in executing.
	ModeInline Mode = "inline"
	// ModeQueue hands approved envelopes to the execution queue, which
	// owns retries and dead-lettering.
	ModeQueue Mode = "queue"
)

// Config tunes orchestrator behavior. The zero value is not usable; start
// from DefaultConfig.
type Config struct {
	// ExecutionMode picks inline or queued execution of approved envelopes.
	ExecutionMode Mode
	// DenyWhenNoApprovers denies proposals that need approval when routing
	// finds nobody to ask. When false the request escalates to mandatory
	// and waits.
	DenyWhenNoApprovers bool
	// MaxUndoDepth bounds undo-of-undo chains.
	MaxUndoDepth int
	// IdempotencyTTL is the replay window for idempotency keys.
	IdempotencyTTL time.Duration
	// MandatoryQuorum, when above 1, requires that many distinct approvers
	// for mandatory-level requests.
	MandatoryQuorum int
	// ClarifyConfidence is the score at or above which an entity candidate
	// counts as a plausible pick. Exactly one plausible candidate resolves
	// silently; zero or several ask the caller to clarify.
	ClarifyConfidence float64
}

// DefaultConfig mirrors the shipped broker defaults.
func DefaultConfig() Config {
	return Config{
		ExecutionMode:       ModeInline,
		DenyWhenNoApprovers: true,
		MaxUndoDepth:        5,
		IdempotencyTTL:      5 * time.Minute,
		ClarifyConfidence:   0.5,
	}
}

// Enqueuer hands approved envelopes to the execution queue. *queue.Queue
// satisfies it.
type Enqueuer interface {
	Enqueue(ctx context.Context, envelopeID, traceID string) (*store.ExecutionJob, error)
}

// Deps are the collaborators an orchestrator needs. All fields are required.
type Deps struct {
	Registry    *store.CartridgeRegistry
	Envelopes   store.EnvelopeStore
	Approvals   store.ApprovalStore
	Identities  store.IdentityStore
	Delegations store.DelegationStore
	Policies    policy.Provider
	Engine      *policy.Engine
	Scorer      *risk.Scorer
	Router      *approval.Router
	Machine     *approval.Machine
	Competence  *competence.Tracker
	Audits      *audit.Writer
	Tokens      *cartridge.TokenSet
	Guardrails  guardrail.Store
}

// Orchestrator sequences the proposal pipeline. Safe for concurrent use.
type Orchestrator struct {
	registry    *store.CartridgeRegistry
	envelopes   store.EnvelopeStore
	approvals   store.ApprovalStore
	identities  store.IdentityStore
	delegations store.DelegationStore
	policies    policy.Provider
	engine      *policy.Engine
	scorer      *risk.Scorer
	router      *approval.Router
	machine     *approval.Machine
	competence  *competence.Tracker
	audits      *audit.Writer
	tokens      *cartridge.TokenSet
	guardrails  guardrail.Store

	notifier notify.Notifier
	enqueue  Enqueuer
	cache    Cache
	recorder telemetry.Recorder
	logger   *slog.Logger
	clock    func() time.Time
	cfg      Config
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithConfig replaces the default configuration wholesale.
func WithConfig(cfg Config) Option {
	return func(o *Orchestrator) { o.cfg = cfg }
}

// WithNotifier wires approver notification. Failures are logged, never
// surfaced: a lost ping must not lose the approval request.
func WithNotifier(n notify.Notifier) Option {
	return func(o *Orchestrator) { o.notifier = n }
}

// WithQueue wires the execution queue for ModeQueue deployments.
func WithQueue(q Enqueuer) Option {
	return func(o *Orchestrator) { o.enqueue = q }
}

// WithIdempotencyCache enables replay of recent proposals by idempotency key.
func WithIdempotencyCache(c Cache) Option {
	return func(o *Orchestrator) { o.cache = c }
}

// WithRecorder wires telemetry.
func WithRecorder(r telemetry.Recorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithClock substitutes the time source, for tests.
func WithClock(clock func() time.Time) Option {
	return func(o *Orchestrator) { o.clock = clock }
}

// New builds an orchestrator and validates its wiring.
func New(deps Deps, opts ...Option) (*Orchestrator, error) {
	switch {
	case deps.Registry == nil:
		return nil, errors.New("lifecycle: cartridge registry is required")
	case deps.Envelopes == nil:
		return nil, errors.New("lifecycle: envelope store is required")
	case deps.Approvals == nil:
		return nil, errors.New("lifecycle: approval store is required")
	case deps.Identities == nil:
		return nil, errors.New("lifecycle: identity store is required")
	case deps.Delegations == nil:
		return nil, errors.New("lifecycle: delegation store is required")
	case deps.Policies == nil:
		return nil, errors.New("lifecycle: policy provider is required")
	case deps.Engine == nil:
		return nil, errors.New("lifecycle: policy engine is required")
	case deps.Scorer == nil:
		return nil, errors.New("lifecycle: risk scorer is required")
	case deps.Router == nil:
		return nil, errors.New("lifecycle: approval router is required")
	case deps.Machine == nil:
		return nil, errors.New("lifecycle: approval machine is required")
	case deps.Competence == nil:
		return nil, errors.New("lifecycle: competence tracker is required")
	case deps.Audits == nil:
		return nil, errors.New("lifecycle: audit writer is required")
	case deps.Tokens == nil:
		return nil, errors.New("lifecycle: execution token set is required")
	case deps.Guardrails == nil:
		return nil, errors.New("lifecycle: guardrail store is required")
	}
	o := &Orchestrator{
		registry:    deps.Registry,
		envelopes:   deps.Envelopes,
		approvals:   deps.Approvals,
		identities:  deps.Identities,
		delegations: deps.Delegations,
		policies:    deps.Policies,
		engine:      deps.Engine,
		scorer:      deps.Scorer,
		router:      deps.Router,
		machine:     deps.Machine,
		competence:  deps.Competence,
		audits:      deps.Audits,
		tokens:      deps.Tokens,
		guardrails:  deps.Guardrails,
		recorder:    telemetry.Nop{},
		clock:       time.Now,
		cfg:         DefaultConfig(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = slog.Default().With("component", "lifecycle")
	}
	if o.cfg.MaxUndoDepth <= 0 {
		o.cfg.MaxUndoDepth = DefaultConfig().MaxUndoDepth
	}
	if o.cfg.ClarifyConfidence <= 0 {
		o.cfg.ClarifyConfidence = DefaultConfig().ClarifyConfidence
	}
	if o.cfg.ExecutionMode == ModeQueue && o.enqueue == nil {
		return nil, errors.New("lifecycle: queue mode requires WithQueue")
	}
	return o, nil
}

// record appends an audit entry, logging rather than failing the pipeline
// when the ledger write errors. Returns nil on failure.
func (o *Orchestrator) record(ctx context.Context, draft audit.Draft) *audit.Entry {
	ctx, end := o.recorder.StartSpan(ctx, "audit.append")
	entry, err := o.audits.Record(ctx, draft)
	end(err)
	if err != nil {
		o.logger.ErrorContext(ctx, "audit append failed",
			"eventType", draft.EventType, "envelopeId", draft.EnvelopeID, "error", err)
		return nil
	}
	o.recorder.AuditAppended(ctx)
	return entry
}

// attachAudit links a recorded entry back onto the envelope. Best effort:
// the ledger is the source of truth, the envelope link is a convenience.
func (o *Orchestrator) attachAudit(ctx context.Context, env *contracts.ActionEnvelope, entries ...*audit.Entry) {
	attached := false
	for _, entry := range entries {
		if entry == nil {
			continue
		}
		env.AuditEntryIDs = append(env.AuditEntryIDs, entry.ID)
		attached = true
	}
	if !attached {
		return
	}
	if err := o.envelopes.Update(ctx, env); err != nil {
		o.logger.WarnContext(ctx, "audit link not persisted", "envelopeId", env.ID, "error", err)
	}
}

// inferCartridge finds the unique registered cartridge whose manifest offers
// actions under the proposal's prefix (the segment before the first dot).
func (o *Orchestrator) inferCartridge(actionType string) (string, error) {
	prefix, _, _ := strings.Cut(actionType, ".")
	match := ""
	for _, g := range o.registry.Snapshot() {
		m := g.Manifest()
		for _, spec := range m.Actions {
			p, _, _ := strings.Cut(spec.ActionType, ".")
			if p != prefix {
				continue
			}
			if match != "" && match != m.ID {
				return "", fmt.Errorf("%w: prefix %q is offered by both %s and %s",
					ErrCannotInferCartridge, prefix, match, m.ID)
			}
			match = m.ID
			break
		}
	}
	if match == "" {
		return "", fmt.Errorf("%w: no registered cartridge offers actions under %q",
			ErrCannotInferCartridge, prefix)
	}
	return match, nil
}

// cartridgeContext is what cartridges see about the caller. Keys are stable:
// policy CEL expressions reference them as context.<key>.
func cartridgeContext(principalID, organizationID, envelopeID, traceID, message string, entities []contracts.ResolvedEntity) map[string]any {
	cctx := map[string]any{
		"principalId":    principalID,
		"organizationId": organizationID,
	}
	if envelopeID != "" {
		cctx["envelopeId"] = envelopeID
	}
	if traceID != "" {
		cctx["traceId"] = traceID
	}
	if message != "" {
		cctx["message"] = message
	}
	if keys := entityKeys(entities); len(keys) > 0 {
		cctx["entities"] = keys
	}
	return cctx
}

// entityKeys lists the ids of successfully resolved entities, for guardrail
// scoping and cooldown stamps.
func entityKeys(entities []contracts.ResolvedEntity) []string {
	keys := make([]string, 0, len(entities))
	for _, e := range entities {
		if e.Status == contracts.EntityFound && e.EntityID != "" {
			keys = append(keys, e.EntityID)
		}
	}
	return keys
}

func containsString(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}

func envelopeRisk(env *contracts.ActionEnvelope) contracts.RiskCategory {
	if env.DecisionTrace != nil {
		return env.DecisionTrace.RiskCategory
	}
	return ""
}
