// Package jobs runs the broker's background maintenance: a scanner that
// expires lapsed approvals and a verifier that walks the audit hash chain.
// Both loops are periodic, idempotent, and safe to race against the
// orchestrator's own transitions.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tillerhq/tiller/pkg/approval"
	"github.com/tillerhq/tiller/pkg/audit"
	"github.com/tillerhq/tiller/pkg/contracts"
	"github.com/tillerhq/tiller/pkg/lifecycle"
	"github.com/tillerhq/tiller/pkg/store"
	"github.com/tillerhq/tiller/pkg/telemetry"
)

// Expirer transitions one lapsed approval and its envelope to expired. The
// lifecycle orchestrator satisfies this.
type Expirer interface {
	ExpireApproval(ctx context.Context, approvalID string) (*contracts.ApprovalState, error)
}

// Config tunes the maintenance cadence.
type Config struct {
	ExpiryInterval time.Duration // approval expiry scan period, default 60s
	VerifyInterval time.Duration // chain verification period, default 24h
}

// DefaultConfig returns the stock cadence.
func DefaultConfig() Config {
	return Config{
		ExpiryInterval: time.Minute,
		VerifyInterval: 24 * time.Hour,
	}
}

// Runner owns both maintenance loops. The chain checkpoint lives in process
// memory, so a restart re-verifies from the origin; that costs one full read
// and nothing else.
type Runner struct {
	approvals store.ApprovalStore
	expirer   Expirer
	audits    *audit.Writer
	ledger    audit.Ledger
	recorder  telemetry.Recorder
	logger    *slog.Logger
	clock     func() time.Time
	cfg       Config

	mu      sync.Mutex
	started bool
	offset  int64
	head    string

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// Option customizes a Runner.
type Option func(*Runner)

// WithConfig overrides the default cadence; zero fields keep their defaults.
func WithConfig(cfg Config) Option {
	return func(r *Runner) {
		def := DefaultConfig()
		if cfg.ExpiryInterval == 0 {
			cfg.ExpiryInterval = def.ExpiryInterval
		}
		if cfg.VerifyInterval == 0 {
			cfg.VerifyInterval = def.VerifyInterval
		}
		r.cfg = cfg
	}
}

// WithRecorder wires telemetry.
func WithRecorder(rec telemetry.Recorder) Option {
	return func(r *Runner) { r.recorder = rec }
}

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) { r.logger = logger }
}

// WithClock substitutes the time source, for tests.
func WithClock(clock func() time.Time) Option {
	return func(r *Runner) { r.clock = clock }
}

// New builds a stopped runner. The verifier reads through the writer's
// ledger, so the two always see the same chain.
func New(approvals store.ApprovalStore, expirer Expirer, audits *audit.Writer, opts ...Option) *Runner {
	r := &Runner{
		approvals: approvals,
		expirer:   expirer,
		audits:    audits,
		ledger:    audits.Ledger(),
		recorder:  telemetry.Nop{},
		logger:    slog.Default().With("component", "jobs"),
		clock:     time.Now,
		cfg:       DefaultConfig(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start launches both loops. Each runs an initial pass immediately.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return errors.New("jobs: already started")
	}
	r.started = true
	r.mu.Unlock()

	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(2)
	go r.loop(ctx, r.cfg.ExpiryInterval, func(ctx context.Context) {
		if _, err := r.ScanExpiries(ctx); err != nil {
			r.logger.ErrorContext(ctx, "expiry scan failed", "error", err)
		}
	})
	go r.loop(ctx, r.cfg.VerifyInterval, func(ctx context.Context) {
		if _, err := r.VerifyChain(ctx); err != nil {
			r.logger.ErrorContext(ctx, "chain verification failed", "error", err)
		}
	})

	r.logger.InfoContext(ctx, "jobs started",
		"expiry_interval", r.cfg.ExpiryInterval,
		"verify_interval", r.cfg.VerifyInterval,
	)
	return nil
}

// Stop cancels the loops and waits for in-flight passes, bounded by ctx.
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return nil
	}
	r.started = false
	r.mu.Unlock()

	r.cancel()
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("jobs: stop timed out: %w", ctx.Err())
	}
}

func (r *Runner) loop(ctx context.Context, every time.Duration, pass func(context.Context)) {
	defer r.wg.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	pass(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pass(ctx)
		}
	}
}

// ScanExpiries walks the pending approvals and expires every one whose
// deadline has passed, returning how many it moved. Races with concurrent
// responders are benign: the loser sees a stale version or a non-pending
// state and skips.
func (r *Runner) ScanExpiries(ctx context.Context) (int, error) {
	pending, err := r.approvals.ListPending(ctx, "")
	if err != nil {
		return 0, fmt.Errorf("list pending approvals: %w", err)
	}

	now := r.clock().UTC()
	expired := 0
	for _, request := range pending {
		state, err := r.approvals.State(ctx, request.ID)
		if err != nil {
			r.logger.ErrorContext(ctx, "load approval state", "approvalId", request.ID, "error", err)
			continue
		}
		if !approval.IsExpired(state, now) {
			continue
		}
		if _, err := r.expirer.ExpireApproval(ctx, request.ID); err != nil {
			if errors.Is(err, store.ErrStaleVersion) ||
				errors.Is(err, approval.ErrCannotTransition) ||
				errors.Is(err, lifecycle.ErrNotLapsed) {
				continue
			}
			r.logger.ErrorContext(ctx, "expire approval", "approvalId", request.ID, "error", err)
			continue
		}
		expired++
	}
	if expired > 0 {
		r.logger.InfoContext(ctx, "expired lapsed approvals", "count", expired)
	}
	return expired, nil
}

// VerifyChain checks the entries appended since the last good checkpoint and
// advances it on success. A break freezes the checkpoint, emits a critical
// audit event, and bumps the failure metric; the chain is append-only, so
// every later pass re-reports the break until an operator intervenes. The
// job never rewrites history.
func (r *Runner) VerifyChain(ctx context.Context) (audit.VerifyResult, error) {
	offset, head := r.Checkpoint()

	entries, err := r.ledger.Since(ctx, offset)
	if err != nil {
		return audit.VerifyResult{}, fmt.Errorf("read ledger from %d: %w", offset, err)
	}
	res := audit.VerifyChainFrom(head, entries)
	r.recorder.ChainVerified(ctx, res.Valid)

	if !res.Valid {
		at := offset + int64(res.BrokenAt)
		r.logger.ErrorContext(ctx, "audit chain break detected",
			"position", at, "checkpoint", offset)
		if _, err := r.audits.Record(ctx, audit.Draft{
			EventType:    audit.EventChainBroken,
			ActorType:    "system",
			ActorID:      "chain-verifier",
			EntityType:   "audit_ledger",
			EntityID:     fmt.Sprintf("position:%d", at),
			RiskCategory: contracts.RiskCritical,
			Summary:      fmt.Sprintf("audit hash chain broken at position %d", at),
			Snapshot: map[string]any{
				"position":   at,
				"checkpoint": offset,
			},
		}); err != nil {
			r.logger.ErrorContext(ctx, "record chain break", "error", err)
		}
		return res, nil
	}

	if n := len(entries); n > 0 {
		next := offset + int64(n)
		r.mu.Lock()
		r.offset = next
		r.head = entries[n-1].EntryHash
		r.mu.Unlock()
		r.logger.DebugContext(ctx, "chain verified", "entries", n, "checkpoint", next)
	}
	return res, nil
}

// Checkpoint reports the verified prefix: the count of good entries and the
// hash of the last one.
func (r *Runner) Checkpoint() (int64, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.offset, r.head
}
