package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	// Registers the postgres driver.
	_ "github.com/lib/pq"
)

// PostgresJobs is the durable job store for multi-instance deployments.
type PostgresJobs struct {
	db *sql.DB
}

// NewPostgresJobs wraps an open connection pool.
func NewPostgresJobs(db *sql.DB) *PostgresJobs {
	return &PostgresJobs{db: db}
}

// Init creates the schema if missing.
func (s *PostgresJobs) Init(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS execution_jobs (
		id          TEXT PRIMARY KEY,
		envelope_id TEXT NOT NULL,
		trace_id    TEXT NOT NULL DEFAULT '',
		enqueued_at TIMESTAMPTZ NOT NULL,
		status      TEXT NOT NULL DEFAULT 'pending',
		attempts    INTEGER NOT NULL DEFAULT 0,
		last_error  TEXT NOT NULL DEFAULT '',
		updated_at  TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_execution_jobs_status ON execution_jobs (status, enqueued_at);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("init job schema: %w", err)
	}
	return nil
}

func (s *PostgresJobs) Enqueue(ctx context.Context, job *ExecutionJob) error {
	status := job.Status
	if status == "" {
		status = JobPending
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO execution_jobs (id, envelope_id, trace_id, enqueued_at, status, attempts, last_error, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING`,
		job.ID, job.EnvelopeID, job.TraceID, job.EnqueuedAt, status, job.Attempts, job.LastError, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	return nil
}

func (s *PostgresJobs) Get(ctx context.Context, id string) (*ExecutionJob, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, envelope_id, trace_id, enqueued_at, status, attempts, last_error, updated_at
		FROM execution_jobs WHERE id = $1`, id)
	return scanJob(row)
}

func (s *PostgresJobs) Pending(ctx context.Context) ([]*ExecutionJob, error) {
	return s.listByStatus(ctx, JobPending)
}

func (s *PostgresJobs) DeadLetters(ctx context.Context) ([]*ExecutionJob, error) {
	return s.listByStatus(ctx, JobDead)
}

func (s *PostgresJobs) listByStatus(ctx context.Context, status JobStatus) ([]*ExecutionJob, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, envelope_id, trace_id, enqueued_at, status, attempts, last_error, updated_at
		FROM execution_jobs
		WHERE status = $1
		ORDER BY enqueued_at ASC`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*ExecutionJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func (s *PostgresJobs) RecordAttempt(ctx context.Context, id string, attempts int, lastErr string) error {
	return s.exec(ctx, `UPDATE execution_jobs SET attempts = $2, last_error = $3, updated_at = $4 WHERE id = $1`,
		id, attempts, lastErr, time.Now().UTC())
}

func (s *PostgresJobs) MarkDone(ctx context.Context, id string, lastErr string) error {
	return s.exec(ctx, `UPDATE execution_jobs SET status = 'done', last_error = $2, updated_at = $3 WHERE id = $1`,
		id, lastErr, time.Now().UTC())
}

func (s *PostgresJobs) MarkDead(ctx context.Context, id string, lastErr string) error {
	return s.exec(ctx, `UPDATE execution_jobs SET status = 'dead', last_error = $2, updated_at = $3 WHERE id = $1`,
		id, lastErr, time.Now().UTC())
}

func (s *PostgresJobs) exec(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*ExecutionJob, error) {
	var job ExecutionJob
	var status string
	err := row.Scan(&job.ID, &job.EnvelopeID, &job.TraceID, &job.EnqueuedAt,
		&status, &job.Attempts, &job.LastError, &job.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}
	job.Status = JobStatus(status)
	return &job, nil
}
