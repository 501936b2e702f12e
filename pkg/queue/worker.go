// Package queue executes approved envelopes asynchronously. Jobs are
// persisted first (outbox pattern) and nudged through an in-process channel;
// a periodic sweep re-feeds anything the channel lost to a crash or a full
// buffer, so an enqueued envelope is eventually executed exactly as long as
// its status still allows it.
package queue

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/tillerhq/tiller/pkg/contracts"
	"github.com/tillerhq/tiller/pkg/store"
	"github.com/tillerhq/tiller/pkg/telemetry"
)

// transientPattern matches the failure texts worth retrying: timeouts,
// connection refusals, and upstream rate limiting. Everything else is
// terminal and belongs on the envelope, not in the retry loop.
var transientPattern = regexp.MustCompile(`(?i)ETIMEDOUT|ECONNREFUSED|rate limit`)

// IsTransient classifies an execution error by its text.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return transientPattern.MatchString(err.Error())
}

// TransientText classifies a raw failure message.
func TransientText(s string) bool {
	return transientPattern.MatchString(s)
}

// Executor runs one approved envelope to completion. The orchestrator's
// ExecuteApproved slots in through ExecutorFunc, dropping the result the
// queue has no use for.
type Executor interface {
	ExecuteApproved(ctx context.Context, envelopeID string) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, envelopeID string) error

// ExecuteApproved calls f.
func (f ExecutorFunc) ExecuteApproved(ctx context.Context, envelopeID string) error {
	return f(ctx, envelopeID)
}

// Config tunes the worker pool.
type Config struct {
	Concurrency   int           // workers, default 5
	MaxAttempts   int           // per job, default 3
	BackoffBase   time.Duration // first retry delay, default 2s
	BackoffMax    time.Duration // delay cap, default 60s
	JitterMax     time.Duration // deterministic jitter bound, default 1s
	SweepInterval time.Duration // pending-job recovery period, default 30s
}

// DefaultConfig returns the stock tuning.
func DefaultConfig() Config {
	return Config{
		Concurrency:   5,
		MaxAttempts:   3,
		BackoffBase:   2 * time.Second,
		BackoffMax:    60 * time.Second,
		JitterMax:     time.Second,
		SweepInterval: 30 * time.Second,
	}
}

// Backoff computes the delay before the attempt following `retry` failures:
// base doubling per retry, capped, plus jitter derived from the envelope id
// so a thundering herd of retries spreads out the same way on every replay.
func Backoff(cfg Config, envelopeID string, retry int) time.Duration {
	if retry < 1 {
		retry = 1
	}
	delay := cfg.BackoffBase << uint(retry-1)
	if delay > cfg.BackoffMax {
		delay = cfg.BackoffMax
	}
	if cfg.JitterMax > 0 {
		seed := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", envelopeID, retry)))
		jitter := binary.BigEndian.Uint64(seed[:8]) % uint64(cfg.JitterMax)
		delay += time.Duration(jitter)
	}
	return delay
}

// Queue owns the workers and the job store.
type Queue struct {
	jobs      store.JobStore
	envelopes store.EnvelopeStore
	exec      Executor
	recorder  telemetry.Recorder
	logger    *slog.Logger
	cfg       Config
	clock     func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error

	ch chan string

	mu       sync.Mutex
	inflight map[string]bool
	started  bool

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// Option customizes a Queue.
type Option func(*Queue)

// WithConfig overrides the default tuning; zero fields keep their defaults.
func WithConfig(cfg Config) Option {
	return func(q *Queue) {
		def := DefaultConfig()
		if cfg.Concurrency == 0 {
			cfg.Concurrency = def.Concurrency
		}
		if cfg.MaxAttempts == 0 {
			cfg.MaxAttempts = def.MaxAttempts
		}
		if cfg.BackoffBase == 0 {
			cfg.BackoffBase = def.BackoffBase
		}
		if cfg.BackoffMax == 0 {
			cfg.BackoffMax = def.BackoffMax
		}
		if cfg.SweepInterval == 0 {
			cfg.SweepInterval = def.SweepInterval
		}
		q.cfg = cfg
	}
}

// WithRecorder wires telemetry.
func WithRecorder(r telemetry.Recorder) Option {
	return func(q *Queue) { q.recorder = r }
}

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) { q.logger = logger }
}

// WithClock substitutes the time source, for tests.
func WithClock(clock func() time.Time) Option {
	return func(q *Queue) { q.clock = clock }
}

// WithSleep substitutes the backoff sleeper, for tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(q *Queue) { q.sleep = sleep }
}

// New builds a stopped queue over the given stores and executor.
func New(jobs store.JobStore, envelopes store.EnvelopeStore, exec Executor, opts ...Option) *Queue {
	q := &Queue{
		jobs:      jobs,
		envelopes: envelopes,
		exec:      exec,
		recorder:  telemetry.Nop{},
		logger:    slog.Default().With("component", "queue"),
		cfg:       DefaultConfig(),
		clock:     time.Now,
		sleep:     sleepWithContext,
		inflight:  make(map[string]bool),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.ch = make(chan string, 4*q.cfg.Concurrency)
	return q
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Enqueue persists a job for the envelope and offers it to the workers. The
// job id is the envelope id, so enqueueing the same envelope twice is a
// no-op.
func (q *Queue) Enqueue(ctx context.Context, envelopeID, traceID string) (*store.ExecutionJob, error) {
	job := &store.ExecutionJob{
		ID:         envelopeID,
		EnvelopeID: envelopeID,
		TraceID:    traceID,
		EnqueuedAt: q.clock().UTC(),
		Status:     store.JobPending,
	}
	if err := q.jobs.Enqueue(ctx, job); err != nil {
		return nil, fmt.Errorf("enqueue execution job: %w", err)
	}
	q.offer(job.ID)
	return job, nil
}

// offer is non-blocking: a full channel is fine, the sweep will re-feed.
func (q *Queue) offer(jobID string) {
	select {
	case q.ch <- jobID:
	default:
	}
}

// Start launches the workers and the recovery sweep.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return errors.New("queue: already started")
	}
	q.started = true
	q.mu.Unlock()

	ctx, q.cancel = context.WithCancel(ctx)
	for i := 0; i < q.cfg.Concurrency; i++ {
		q.wg.Add(1)
		go q.worker(ctx)
	}
	q.wg.Add(1)
	go q.sweeper(ctx)

	q.logger.InfoContext(ctx, "queue started",
		"concurrency", q.cfg.Concurrency,
		"max_attempts", q.cfg.MaxAttempts,
	)
	return nil
}

// Stop cancels the workers and waits for in-flight jobs, bounded by ctx.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return nil
	}
	q.started = false
	q.mu.Unlock()

	q.cancel()
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("queue: stop timed out: %w", ctx.Err())
	}
}

// DeadLetters exposes the exhausted jobs for inspection.
func (q *Queue) DeadLetters(ctx context.Context) ([]*store.ExecutionJob, error) {
	return q.jobs.DeadLetters(ctx)
}

func (q *Queue) worker(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case jobID := <-q.ch:
			if !q.claim(jobID) {
				continue
			}
			q.run(ctx, jobID)
			q.release(jobID)
		}
	}
}

func (q *Queue) claim(jobID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.inflight[jobID] {
		return false
	}
	q.inflight[jobID] = true
	return true
}

func (q *Queue) release(jobID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight, jobID)
}

func (q *Queue) sweeper(ctx context.Context) {
	defer q.wg.Done()
	ticker := time.NewTicker(q.cfg.SweepInterval)
	defer ticker.Stop()

	q.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.sweep(ctx)
		}
	}
}

func (q *Queue) sweep(ctx context.Context) {
	pending, err := q.jobs.Pending(ctx)
	if err != nil {
		q.logger.ErrorContext(ctx, "sweep pending jobs", "error", err)
		return
	}
	for _, job := range pending {
		q.offer(job.ID)
	}
}

// run drives one job to done or dead. A canceled context leaves the job
// pending for the next start.
func (q *Queue) run(ctx context.Context, jobID string) {
	job, err := q.jobs.Get(ctx, jobID)
	if err != nil {
		q.logger.ErrorContext(ctx, "load job", "jobId", jobID, "error", err)
		return
	}
	if job.Status != store.JobPending {
		return
	}
	if job.Attempts == 0 {
		q.recorder.QueueWaitTook(ctx, q.clock().Sub(job.EnqueuedAt))
	}

	logger := q.logger.With("envelopeId", job.EnvelopeID, "traceId", job.TraceID)
	lastErr := job.LastError

	for attempt := job.Attempts + 1; attempt <= q.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := q.sleep(ctx, Backoff(q.cfg, job.EnvelopeID, attempt-1)); err != nil {
				return
			}
			proceed, skip := q.preflight(ctx, job, logger)
			if skip {
				return
			}
			if !proceed {
				lastErr = "envelope reload failed"
				_ = q.jobs.RecordAttempt(ctx, job.ID, attempt, lastErr)
				continue
			}
		}

		err := q.exec.ExecuteApproved(ctx, job.EnvelopeID)
		if err == nil {
			_ = q.jobs.MarkDone(ctx, job.ID, "")
			return
		}
		if ctx.Err() != nil {
			// Shutdown, not a verdict. Leave the job pending.
			return
		}
		lastErr = err.Error()
		if !IsTransient(err) {
			logger.ErrorContext(ctx, "terminal execution failure", "attempt", attempt, "error", err)
			_ = q.jobs.MarkDone(ctx, job.ID, lastErr)
			return
		}
		logger.WarnContext(ctx, "transient execution failure", "attempt", attempt, "error", err)
		_ = q.jobs.RecordAttempt(ctx, job.ID, attempt, lastErr)
	}

	logger.ErrorContext(ctx, "attempts exhausted, dead-lettering", "error", lastErr)
	_ = q.jobs.MarkDead(ctx, job.ID, lastErr)
}

// preflight re-loads the envelope before a retry. skip means the envelope
// moved on and the job is finished; !proceed means the reload failed and the
// attempt should count as transient.
func (q *Queue) preflight(ctx context.Context, job *store.ExecutionJob, logger *slog.Logger) (proceed, skip bool) {
	env, err := q.envelopes.Get(ctx, job.EnvelopeID)
	if err != nil {
		logger.WarnContext(ctx, "preflight envelope reload failed", "error", err)
		return false, false
	}
	if env.Status != contracts.StatusApproved && env.Status != contracts.StatusExecuting {
		logger.InfoContext(ctx, "envelope moved on, skipping retry", "status", env.Status)
		_ = q.jobs.MarkDone(ctx, job.ID, fmt.Sprintf("skipped: envelope status %s", env.Status))
		return false, true
	}
	return true, false
}
