// Package competence tracks how reliably each principal performs each action
// type. Scores move on recorded outcomes, decay with inactivity, and feed
// identity resolution as trust adjustments: a principal that keeps succeeding
// at an action earns lighter approval requirements for it.
package competence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tillerhq/tiller/pkg/audit"
	"github.com/tillerhq/tiller/pkg/contracts"
	"github.com/tillerhq/tiller/pkg/store"
)

// Config calibrates score movement and the trust thresholds.
type Config struct {
	// Points added per success, plus a streak bonus of
	// ConsecutiveSuccesses*BonusPerStep capped at BonusCap.
	SuccessPoints float64
	BonusPerStep  float64
	BonusCap      float64

	// Points removed per failure or rollback. Rollbacks cost more: the
	// action not only failed, somebody had to undo it.
	FailurePoints  float64
	RollbackPoints float64

	// Score bounds and the score a fresh record starts at.
	Floor        float64
	Ceiling      float64
	InitialScore float64

	// Promotion requires both the score and a minimum body of evidence;
	// demotion triggers on score alone.
	PromotionScore        float64
	PromotionMinSuccesses int
	DemotionScore         float64

	// Points shed per full day without activity, applied lazily at read
	// time and never persisted.
	DecayPerDay float64
}

// DefaultConfig is the stock calibration. From the 50-point start the score
// gate clears within a handful of successes; the evidence gate holds
// promotion until the tenth. One rollback from the ceiling falls back under
// the promotion score.
func DefaultConfig() Config {
	return Config{
		SuccessPoints:         5,
		BonusPerStep:          1,
		BonusCap:              10,
		FailurePoints:         15,
		RollbackPoints:        25,
		Floor:                 0,
		Ceiling:               100,
		InitialScore:          50,
		PromotionScore:        80,
		PromotionMinSuccesses: 10,
		DemotionScore:         30,
		DecayPerDay:           2,
	}
}

// Tracker records outcomes and answers trust queries.
type Tracker struct {
	records store.CompetenceStore
	audits  *audit.Writer
	cfg     Config
	clock   func() time.Time
	logger  *slog.Logger
}

// Option customizes a Tracker.
type Option func(*Tracker)

// WithConfig replaces the default calibration.
func WithConfig(cfg Config) Option {
	return func(t *Tracker) { t.cfg = cfg }
}

// WithClock substitutes the time source, for tests.
func WithClock(clock func() time.Time) Option {
	return func(t *Tracker) { t.clock = clock }
}

// WithAuditWriter wires promotion and demotion events into the audit ledger.
func WithAuditWriter(w *audit.Writer) Option {
	return func(t *Tracker) { t.audits = w }
}

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracker) { t.logger = logger }
}

// NewTracker builds a tracker over the given record store.
func NewTracker(records store.CompetenceStore, opts ...Option) *Tracker {
	t := &Tracker{
		records: records,
		cfg:     DefaultConfig(),
		clock:   time.Now,
		logger:  slog.Default().With("component", "competence"),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// RecordSuccess credits a completed execution. The streak bonus grows with
// each consecutive success until it hits the cap.
func (t *Tracker) RecordSuccess(ctx context.Context, principalID, actionType string) (*contracts.CompetenceRecord, error) {
	return t.record(ctx, principalID, actionType, contracts.CompetenceSuccess)
}

// RecordFailure debits a failed execution and resets the streak.
func (t *Tracker) RecordFailure(ctx context.Context, principalID, actionType string) (*contracts.CompetenceRecord, error) {
	return t.record(ctx, principalID, actionType, contracts.CompetenceFailure)
}

// RecordRollback debits an execution that had to be undone. It costs more
// than a plain failure and also resets the streak.
func (t *Tracker) RecordRollback(ctx context.Context, principalID, actionType string) (*contracts.CompetenceRecord, error) {
	return t.record(ctx, principalID, actionType, contracts.CompetenceRollback)
}

func (t *Tracker) record(ctx context.Context, principalID, actionType string, event contracts.CompetenceEventType) (*contracts.CompetenceRecord, error) {
	now := t.clock().UTC()

	rec, err := t.records.Get(ctx, principalID, actionType)
	switch {
	case errors.Is(err, store.ErrNotFound):
		rec = &contracts.CompetenceRecord{
			PrincipalID: principalID,
			ActionType:  actionType,
			Score:       t.cfg.InitialScore,
		}
	case err != nil:
		return nil, fmt.Errorf("load competence record: %w", err)
	}

	trustedBefore := t.qualifies(rec)
	demotedBefore := rec.Score < t.cfg.DemotionScore

	switch event {
	case contracts.CompetenceSuccess:
		rec.SuccessCount++
		rec.ConsecutiveSuccesses++
		bonus := float64(rec.ConsecutiveSuccesses) * t.cfg.BonusPerStep
		if bonus > t.cfg.BonusCap {
			bonus = t.cfg.BonusCap
		}
		rec.Score += t.cfg.SuccessPoints + bonus
		if rec.Score > t.cfg.Ceiling {
			rec.Score = t.cfg.Ceiling
		}
	case contracts.CompetenceFailure:
		rec.FailureCount++
		rec.ConsecutiveSuccesses = 0
		rec.Score -= t.cfg.FailurePoints
		if rec.Score < t.cfg.Floor {
			rec.Score = t.cfg.Floor
		}
	case contracts.CompetenceRollback:
		rec.RollbackCount++
		rec.ConsecutiveSuccesses = 0
		rec.Score -= t.cfg.RollbackPoints
		if rec.Score < t.cfg.Floor {
			rec.Score = t.cfg.Floor
		}
	default:
		return nil, fmt.Errorf("competence: unknown event type %q", event)
	}

	rec.LastActivityAt = now
	// A fresh write re-bases decay: the persisted score is current as of now.
	rec.LastDecayAppliedAt = now
	rec.History = append(rec.History, contracts.CompetenceEvent{Type: event, At: now, ScoreAfter: rec.Score})

	if !trustedBefore && t.qualifies(rec) {
		rec.History = append(rec.History, contracts.CompetenceEvent{
			Type:       contracts.CompetencePromote,
			At:         now,
			ScoreAfter: rec.Score,
			Note:       fmt.Sprintf("score %.1f after %d successes", rec.Score, rec.SuccessCount),
		})
		t.auditTransition(ctx, audit.EventCompetencePromoted, rec,
			fmt.Sprintf("%s promoted for %s", rec.PrincipalID, rec.ActionType))
	}
	if !demotedBefore && rec.Score < t.cfg.DemotionScore {
		rec.History = append(rec.History, contracts.CompetenceEvent{
			Type:       contracts.CompetenceDemote,
			At:         now,
			ScoreAfter: rec.Score,
			Note:       fmt.Sprintf("score %.1f below demotion threshold %.1f", rec.Score, t.cfg.DemotionScore),
		})
		t.auditTransition(ctx, audit.EventCompetenceDemoted, rec,
			fmt.Sprintf("%s demoted for %s", rec.PrincipalID, rec.ActionType))
	}

	if err := t.records.Put(ctx, rec); err != nil {
		return nil, fmt.Errorf("store competence record: %w", err)
	}
	return rec, nil
}

// GetAdjustment reports whether the principal has earned trust for the action
// type. The persisted score is decayed by whole days of inactivity before the
// threshold check; the decayed value is never written back.
func (t *Tracker) GetAdjustment(ctx context.Context, principalID, actionType string) (contracts.CompetenceAdjustment, error) {
	adj := contracts.CompetenceAdjustment{ActionType: actionType}

	rec, err := t.records.Get(ctx, principalID, actionType)
	if errors.Is(err, store.ErrNotFound) {
		return adj, nil
	}
	if err != nil {
		return adj, fmt.Errorf("load competence record: %w", err)
	}

	decayed := t.decayedScore(rec, t.clock().UTC())
	adj.ShouldTrust = decayed >= t.cfg.PromotionScore && rec.SuccessCount >= t.cfg.PromotionMinSuccesses
	return adj, nil
}

// AdjustmentsFor evaluates every record the principal has, decayed to now.
// Identity resolution applies the ones with ShouldTrust set.
func (t *Tracker) AdjustmentsFor(ctx context.Context, principalID string) ([]contracts.CompetenceAdjustment, error) {
	recs, err := t.records.ByPrincipal(ctx, principalID)
	if err != nil {
		return nil, fmt.Errorf("list competence records: %w", err)
	}
	now := t.clock().UTC()
	out := make([]contracts.CompetenceAdjustment, 0, len(recs))
	for _, rec := range recs {
		decayed := t.decayedScore(rec, now)
		out = append(out, contracts.CompetenceAdjustment{
			ActionType:  rec.ActionType,
			ShouldTrust: decayed >= t.cfg.PromotionScore && rec.SuccessCount >= t.cfg.PromotionMinSuccesses,
		})
	}
	return out, nil
}

// qualifies checks the promotion predicate against the persisted score.
func (t *Tracker) qualifies(rec *contracts.CompetenceRecord) bool {
	return rec.Score >= t.cfg.PromotionScore && rec.SuccessCount >= t.cfg.PromotionMinSuccesses
}

func (t *Tracker) decayedScore(rec *contracts.CompetenceRecord, now time.Time) float64 {
	if t.cfg.DecayPerDay <= 0 {
		return rec.Score
	}
	base := rec.LastDecayAppliedAt
	if base.IsZero() {
		base = rec.LastActivityAt
	}
	if base.IsZero() || !now.After(base) {
		return rec.Score
	}
	days := float64(int(now.Sub(base).Hours() / 24))
	score := rec.Score - days*t.cfg.DecayPerDay
	if score < t.cfg.Floor {
		score = t.cfg.Floor
	}
	return score
}

// auditTransition records a promotion or demotion in the ledger. Failures are
// logged, not returned: losing the audit line must not lose the score update.
func (t *Tracker) auditTransition(ctx context.Context, eventType string, rec *contracts.CompetenceRecord, summary string) {
	if t.audits == nil {
		return
	}
	_, err := t.audits.Record(ctx, audit.Draft{
		EventType:  eventType,
		ActorType:  "system",
		ActorID:    "competence",
		EntityType: "competence",
		EntityID:   rec.PrincipalID + ":" + rec.ActionType,
		Summary:    summary,
		Snapshot: map[string]any{
			"score":                rec.Score,
			"successCount":         rec.SuccessCount,
			"failureCount":         rec.FailureCount,
			"rollbackCount":        rec.RollbackCount,
			"consecutiveSuccesses": rec.ConsecutiveSuccesses,
		},
	})
	if err != nil {
		t.logger.Error("audit competence transition", "event", eventType,
			"principal", rec.PrincipalID, "actionType", rec.ActionType, "error", err)
	}
}
