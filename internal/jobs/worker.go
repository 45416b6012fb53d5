package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/loom/internal/storage"
)

// Store abstracts the job queue operations. *storage.Store satisfies it.
type Store interface {
	DueJobs(limit int) ([]storage.Job, error)
	ClaimJob(id string) (bool, error)
	CompleteJob(id string) error
	RescheduleJob(id string, nextRun time.Time) error
	FailJob(id string, errMsg string, nextRun time.Time) error
	StuckJobs(timeout time.Duration) ([]storage.Job, error)
	RecoverJob(id, reason string, nextRun time.Time) error
	ResetRunningJobs() ([]string, error)
}

// Runner executes a claimed job's payload. Dispatching on payload
// content is the runner's concern; the worker only drives the claim and
// completion lifecycle.
type Runner interface {
	Run(ctx context.Context, job storage.Job) error
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, job storage.Job) error

func (f RunnerFunc) Run(ctx context.Context, job storage.Job) error { return f(ctx, job) }

const (
	defaultPoll         = 2 * time.Second
	defaultBatch        = 10
	defaultStuckTimeout = 30 * time.Minute
	defaultRecoveryTick = 5 * time.Minute
)

// Worker polls the job queue, atomically claims due jobs, and drives
// them through the runner. A lost claim race is not an error: another
// worker won and this one moves on.
type Worker struct {
	store        Store
	runner       Runner
	poll         time.Duration
	batch        int
	stuckTimeout time.Duration
	recoveryTick time.Duration
	logger       *slog.Logger
}

// NewWorker creates a Worker. Non-positive intervals fall back to
// defaults (2s poll, batch 10, 30m stuck timeout, 5m recovery tick).
func NewWorker(store Store, runner Runner, poll time.Duration) *Worker {
	if poll <= 0 {
		poll = defaultPoll
	}
	return &Worker{
		store:        store,
		runner:       runner,
		poll:         poll,
		batch:        defaultBatch,
		stuckTimeout: defaultStuckTimeout,
		recoveryTick: defaultRecoveryTick,
		logger:       slog.Default(),
	}
}

// ResetOnStart unconditionally resets every running job. Any running row
// at process start belongs to a previous, now-dead process.
func (w *Worker) ResetOnStart() error {
	reset, err := w.store.ResetRunningJobs()
	if err != nil {
		return fmt.Errorf("resetting running jobs: %w", err)
	}
	if len(reset) > 0 {
		w.logger.Info("reset jobs left running by previous process", "count", len(reset))
	}
	return nil
}

// Run polls for due jobs until ctx is cancelled, recovering stuck jobs
// on a slower tick.
func (w *Worker) Run(ctx context.Context) {
	recovery := time.NewTicker(w.recoveryTick)
	defer recovery.Stop()

	for {
		// Check the recovery tick before every batch, not only when
		// idle: a continuously busy queue must not starve recovery.
		select {
		case <-ctx.Done():
			return
		case <-recovery.C:
			w.RecoverStuck()
		default:
		}

		processed, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if processed > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-recovery.C:
			w.RecoverStuck()
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes one batch of due jobs. Returns how many
// jobs this worker actually won and ran.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	due, err := w.store.DueJobs(w.batch)
	if err != nil {
		return 0, fmt.Errorf("querying due jobs: %w", err)
	}

	processed := 0
	for _, job := range due {
		if ctx.Err() != nil {
			return processed, nil
		}
		won, err := w.store.ClaimJob(job.ID)
		if err != nil {
			return processed, fmt.Errorf("claiming job %s: %w", job.ID, err)
		}
		if !won {
			continue
		}
		w.process(ctx, job)
		processed++
	}
	return processed, nil
}

// process runs one claimed job and records the outcome: one-off jobs
// complete or retry with backoff; recurring jobs reschedule on their
// trigger regardless of the run outcome.
func (w *Worker) process(ctx context.Context, job storage.Job) {
	runErr := w.runner.Run(ctx, job)

	if runErr != nil {
		w.logger.Warn("job run failed", "job_id", job.ID, "type", job.Type, "error", runErr)
		nextRun := w.nextRunFor(job)
		if err := w.store.FailJob(job.ID, runErr.Error(), nextRun); err != nil {
			w.logger.Error("recording job failure failed", "job_id", job.ID, "error", err)
		}
		return
	}

	if !job.Recurring() {
		if err := w.store.CompleteJob(job.ID); err != nil {
			w.logger.Error("completing job failed", "job_id", job.ID, "error", err)
		}
		return
	}
	if err := w.store.RescheduleJob(job.ID, w.nextRunFor(job)); err != nil {
		w.logger.Error("rescheduling job failed", "job_id", job.ID, "error", err)
	}
}

// RecoverStuck resets jobs left running beyond the stuck timeout. The
// crash reason lands on the job so operators can see what happened.
func (w *Worker) RecoverStuck() {
	stuck, err := w.store.StuckJobs(w.stuckTimeout)
	if err != nil {
		w.logger.Error("querying stuck jobs failed", "error", err)
		return
	}
	for _, job := range stuck {
		reason := fmt.Sprintf("recovered after running longer than %s", w.stuckTimeout)
		if err := w.store.RecoverJob(job.ID, reason, w.nextRunFor(job)); err != nil {
			w.logger.Error("recovering stuck job failed", "job_id", job.ID, "error", err)
			continue
		}
		w.logger.Info("recovered stuck job", "job_id", job.ID, "type", job.Type)
	}
}

// nextRunFor computes the follow-up run time; one-off jobs retry
// immediately (FailJob applies its own backoff), recurring jobs follow
// their trigger.
func (w *Worker) nextRunFor(job storage.Job) time.Time {
	now := time.Now().UTC()
	if !job.Recurring() {
		return now
	}
	next, err := NextRun(job, now)
	if err != nil {
		w.logger.Warn("computing next run failed", "job_id", job.ID, "error", err)
	}
	return next
}
