// Package jobqueue runs keyed background jobs with bounded concurrency,
// exponential-backoff retries and at most one running job per integration.
package jobqueue

import (
	"context"
	"errors"
	"time"
)

// Kind distinguishes schedule-driven jobs from operator-triggered ones.
type Kind string

const (
	KindScheduled Kind = "scheduled"
	KindImmediate Kind = "immediate"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Priorities. Higher runs first among due jobs.
const (
	PriorityNormal = 0
	PriorityHigh   = 10
)

// DefaultMaxAttempts bounds retries of one job.
const DefaultMaxAttempts = 3

// Job is one unit of queued work.
type Job struct {
	ID            string    `json:"id"`
	Key           string    `json:"key"`
	IntegrationID string    `json:"integration_id"`
	Kind          Kind      `json:"kind"`
	Priority      int       `json:"priority"`
	RunAt         time.Time `json:"run_at"`
	Attempts      int       `json:"attempts"`
	MaxAttempts   int       `json:"max_attempts"`
	Status        Status    `json:"status"`
	LastError     string    `json:"last_error,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

var (
	ErrDuplicateKey = errors.New("jobqueue: duplicate job key")
	ErrNotFound     = errors.New("jobqueue: job not found")
	ErrCancelled    = errors.New("jobqueue: job cancelled")
	ErrStopped      = errors.New("jobqueue: queue stopped")
	ErrNoHandler    = errors.New("jobqueue: no handler registered")
)

// Store persists jobs. Implementations must make ClaimDue atomic: a job is
// handed to one caller only, and no integration gets a second running job.
type Store interface {
	// Insert fails with ErrDuplicateKey when a job with the same key exists.
	Insert(ctx context.Context, j *Job) error
	Get(ctx context.Context, id string) (Job, error)
	// ClaimDue marks up to limit due pending jobs running, increments their
	// attempts and returns them ordered by priority then run time.
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]Job, error)
	Complete(ctx context.Context, id string) error
	// Retry returns a running job to pending with a new run time.
	Retry(ctx context.Context, id string, runAt time.Time, lastErr string) error
	Fail(ctx context.Context, id string, lastErr string) error
	// CancelPending cancels the pending jobs of an integration and returns them.
	CancelPending(ctx context.Context, integrationID string) ([]Job, error)
	Pending(ctx context.Context, integrationID string) ([]Job, error)
	// Prune deletes terminal jobs last updated before the cutoff.
	Prune(ctx context.Context, before time.Time) (int, error)
	// Requeue returns jobs left running by a previous process to pending.
	Requeue(ctx context.Context) (int, error)
}
