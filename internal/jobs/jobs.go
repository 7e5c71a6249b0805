// Package jobs defines the background task queue used for periodic sweeps.
// Execution is at-least-once; every handler must be idempotent, which the
// compare-and-set status transitions already guarantee.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Job type constants for sweep jobs.
const (
	JobTypeMarkOverdueInvoices = "sweep:mark_overdue_invoices"
	JobTypeFailStaleDonations  = "sweep:fail_stale_donations"
)

// Job statuses.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Job is one unit of queued work.
type Job struct {
	ID          uuid.UUID
	JobType     string
	Payload     []byte
	Status      string
	RetryCount  int32
	MaxRetries  int32
	LastError   string
	ScheduledAt time.Time
	CreatedAt   time.Time
}

// Store persists the queue.
type Store interface {
	// Enqueue inserts a pending job.
	Enqueue(ctx context.Context, job *Job) error

	// ClaimNext atomically claims the oldest due pending job for workerID,
	// or returns nil when the queue is empty. Claims must not hand the same
	// job to two workers (FOR UPDATE SKIP LOCKED or equivalent).
	ClaimNext(ctx context.Context, workerID string) (*Job, error)

	// Complete marks a claimed job completed.
	Complete(ctx context.Context, id uuid.UUID) error

	// Fail records the error and either reschedules the job (retries left)
	// or marks it failed.
	Fail(ctx context.Context, id uuid.UUID, errMsg string) error
}

// FailStaleDonationsPayload configures the stale-donation sweep.
type FailStaleDonationsPayload struct {
	// MaxAge is how long a donation may stay pending before the sweep
	// marks it failed.
	MaxAge time.Duration `json:"max_age"`
}

// EnqueueMarkOverdueInvoices queues the overdue-invoice sweep.
func EnqueueMarkOverdueInvoices(ctx context.Context, store Store, scheduledAt time.Time) error {
	return enqueue(ctx, store, JobTypeMarkOverdueInvoices, nil, scheduledAt)
}

// EnqueueFailStaleDonations queues the stale-donation sweep.
func EnqueueFailStaleDonations(ctx context.Context, store Store, payload FailStaleDonationsPayload, scheduledAt time.Time) error {
	buf, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	return enqueue(ctx, store, JobTypeFailStaleDonations, buf, scheduledAt)
}

func enqueue(ctx context.Context, store Store, jobType string, payload []byte, scheduledAt time.Time) error {
	if payload == nil {
		payload = []byte("{}")
	}
	return store.Enqueue(ctx, &Job{
		ID:          uuid.New(),
		JobType:     jobType,
		Payload:     payload,
		Status:      StatusPending,
		MaxRetries:  3,
		ScheduledAt: scheduledAt,
		CreatedAt:   time.Now().UTC(),
	})
}
