package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// JobStatus tracks an execution job through the queue.
type JobStatus string

const (
	// JobPending means the job is waiting for a worker or mid-retry.
	JobPending JobStatus = "pending"
	// JobDone means the job finished: executed, skipped, or terminally
	// failed with the failure recorded on the envelope.
	JobDone JobStatus = "done"
	// JobDead means retries were exhausted; the job sits on the dead-letter
	// list for inspection.
	JobDead JobStatus = "dead"
)

// ExecutionJob is one queued execute request. The envelope id is the payload;
// everything else is bookkeeping for retries and the dead-letter list.
type ExecutionJob struct {
	ID         string    `json:"id"`
	EnvelopeID string    `json:"envelopeId"`
	TraceID    string    `json:"traceId,omitempty"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
	Status     JobStatus `json:"status"`
	Attempts   int       `json:"attempts"`
	LastError  string    `json:"lastError,omitempty"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// JobStore is the durable side of the execution queue (outbox pattern): jobs
// survive a crash and a sweep re-feeds the pending ones.
type JobStore interface {
	// Enqueue persists a job. Re-enqueueing an existing id is a no-op so
	// orchestrator retries cannot double-schedule.
	Enqueue(ctx context.Context, job *ExecutionJob) error
	Get(ctx context.Context, id string) (*ExecutionJob, error)
	// Pending returns jobs still owed an execution, oldest first.
	Pending(ctx context.Context) ([]*ExecutionJob, error)
	// RecordAttempt bumps the attempt counter after a transient failure.
	RecordAttempt(ctx context.Context, id string, attempts int, lastErr string) error
	MarkDone(ctx context.Context, id string, lastErr string) error
	MarkDead(ctx context.Context, id string, lastErr string) error
	// DeadLetters returns exhausted jobs, oldest first.
	DeadLetters(ctx context.Context) ([]*ExecutionJob, error)
}

// MemoryJobs is the in-process job store.
type MemoryJobs struct {
	mu    sync.RWMutex
	byID  map[string]*ExecutionJob
	clock func() time.Time
}

// NewMemoryJobs returns an empty job store.
func NewMemoryJobs() *MemoryJobs {
	return &MemoryJobs{byID: make(map[string]*ExecutionJob), clock: time.Now}
}

func cloneJob(j *ExecutionJob) *ExecutionJob {
	clone := *j
	return &clone
}

func (s *MemoryJobs) Enqueue(ctx context.Context, job *ExecutionJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byID[job.ID]; exists {
		return nil
	}
	clone := cloneJob(job)
	if clone.Status == "" {
		clone.Status = JobPending
	}
	clone.UpdatedAt = s.clock().UTC()
	s.byID[clone.ID] = clone
	return nil
}

func (s *MemoryJobs) Get(ctx context.Context, id string) (*ExecutionJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneJob(job), nil
}

func (s *MemoryJobs) Pending(ctx context.Context) ([]*ExecutionJob, error) {
	return s.byStatus(JobPending), nil
}

func (s *MemoryJobs) DeadLetters(ctx context.Context) ([]*ExecutionJob, error) {
	return s.byStatus(JobDead), nil
}

func (s *MemoryJobs) byStatus(status JobStatus) []*ExecutionJob {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*ExecutionJob, 0)
	for _, job := range s.byID {
		if job.Status == status {
			out = append(out, cloneJob(job))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].EnqueuedAt.Before(out[j].EnqueuedAt) })
	return out
}

func (s *MemoryJobs) RecordAttempt(ctx context.Context, id string, attempts int, lastErr string) error {
	return s.update(id, func(job *ExecutionJob) {
		job.Attempts = attempts
		job.LastError = lastErr
	})
}

func (s *MemoryJobs) MarkDone(ctx context.Context, id string, lastErr string) error {
	return s.update(id, func(job *ExecutionJob) {
		job.Status = JobDone
		job.LastError = lastErr
	})
}

func (s *MemoryJobs) MarkDead(ctx context.Context, id string, lastErr string) error {
	return s.update(id, func(job *ExecutionJob) {
		job.Status = JobDead
		job.LastError = lastErr
	})
}

func (s *MemoryJobs) update(id string, apply func(*ExecutionJob)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	apply(job)
	job.UpdatedAt = s.clock().UTC()
	return nil
}
