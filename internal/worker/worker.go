package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mkarlsen/greenledger/internal/jobs"
	"github.com/mkarlsen/greenledger/internal/service"
	"github.com/mkarlsen/greenledger/internal/telemetry"
)

// Config holds worker configuration.
type Config struct {
	// WorkerID uniquely identifies this worker instance.
	WorkerID string

	// PollInterval is how often to check for new jobs.
	PollInterval time.Duration

	// MaxConcurrency is the maximum number of jobs processed concurrently.
	MaxConcurrency int

	// JobTimeout bounds a single job execution.
	JobTimeout time.Duration
}

// Worker polls the job queue and runs the periodic sweeps.
type Worker struct {
	config   Config
	store    jobs.Store
	invoices *service.InvoiceService
	offsets  *service.OffsetService
	metrics  *telemetry.BusinessMetrics
	logger   *slog.Logger

	wg sync.WaitGroup
}

// New creates a background job worker.
func New(store jobs.Store, invoices *service.InvoiceService, offsets *service.OffsetService, metrics *telemetry.BusinessMetrics, config Config, logger *slog.Logger) *Worker {
	if config.WorkerID == "" {
		config.WorkerID = fmt.Sprintf("worker-%s", uuid.New().String()[:8])
	}
	if config.PollInterval == 0 {
		config.PollInterval = 1 * time.Second
	}
	if config.MaxConcurrency == 0 {
		config.MaxConcurrency = 5
	}
	if config.JobTimeout == 0 {
		config.JobTimeout = 60 * time.Second
	}

	return &Worker{
		config:   config,
		store:    store,
		invoices: invoices,
		offsets:  offsets,
		metrics:  metrics,
		logger:   logger.With("worker_id", config.WorkerID),
	}
}

// Start processes jobs until the context is cancelled, then waits for
// in-flight jobs to finish.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("worker starting",
		"poll_interval", w.config.PollInterval,
		"max_concurrency", w.config.MaxConcurrency,
	)

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	sem := make(chan struct{}, w.config.MaxConcurrency)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("worker shutting down")
			w.wg.Wait()
			return ctx.Err()

		case <-ticker.C:
			select {
			case sem <- struct{}{}:
				w.wg.Add(1)
				go func() {
					defer w.wg.Done()
					defer func() { <-sem }()
					w.claimAndProcess(ctx)
				}()
			default:
				// At max concurrency, skip this poll.
			}
		}
	}
}

// claimAndProcess claims and runs a single job.
func (w *Worker) claimAndProcess(ctx context.Context) {
	job, err := w.store.ClaimNext(ctx, w.config.WorkerID)
	if err != nil {
		w.logger.Error("failed to claim job", "error", err)
		return
	}
	if job == nil {
		return
	}

	w.logger.Info("processing job",
		"job_id", job.ID,
		"job_type", job.JobType,
		"retry_count", job.RetryCount,
	)

	start := time.Now()
	err = w.processJob(ctx, job)
	if w.metrics != nil {
		w.metrics.JobDuration.WithLabelValues(job.JobType).Observe(time.Since(start).Seconds())
	}

	if err != nil {
		w.logger.Error("job failed",
			"job_id", job.ID,
			"job_type", job.JobType,
			"error", err,
		)
		if w.metrics != nil {
			w.metrics.JobsFailed.WithLabelValues(job.JobType).Inc()
		}
		if failErr := w.store.Fail(ctx, job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to record job failure", "job_id", job.ID, "error", failErr)
		}
		return
	}

	w.logger.Info("job completed", "job_id", job.ID, "job_type", job.JobType)
	if w.metrics != nil {
		w.metrics.JobsProcessed.WithLabelValues(job.JobType).Inc()
	}
	if err := w.store.Complete(ctx, job.ID); err != nil {
		w.logger.Error("failed to mark job completed", "job_id", job.ID, "error", err)
	}
}

func (w *Worker) processJob(ctx context.Context, job *jobs.Job) error {
	jobCtx, cancel := context.WithTimeout(ctx, w.config.JobTimeout)
	defer cancel()

	switch job.JobType {
	case jobs.JobTypeMarkOverdueInvoices:
		_, err := w.invoices.MarkInvoicesOverdue(jobCtx)
		return err

	case jobs.JobTypeFailStaleDonations:
		var payload jobs.FailStaleDonationsPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return fmt.Errorf("failed to unmarshal stale-donation payload: %w", err)
		}
		if payload.MaxAge == 0 {
			payload.MaxAge = 24 * time.Hour
		}
		_, err := w.offsets.FailStaleDonations(jobCtx, payload.MaxAge)
		return err

	default:
		return fmt.Errorf("unknown job type: %s", job.JobType)
	}
}

// RunSweepScheduler enqueues the periodic sweeps on an interval until the
// context is cancelled. Jobs are safe to enqueue from multiple instances; the
// handlers are idempotent.
func RunSweepScheduler(ctx context.Context, store jobs.Store, interval time.Duration, staleAge time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now().UTC()
			if err := jobs.EnqueueMarkOverdueInvoices(ctx, store, now); err != nil {
				logger.Error("failed to enqueue overdue-invoice sweep", "error", err)
			}
			if err := jobs.EnqueueFailStaleDonations(ctx, store, jobs.FailStaleDonationsPayload{MaxAge: staleAge}, now); err != nil {
				logger.Error("failed to enqueue stale-donation sweep", "error", err)
			}
		}
	}
}
