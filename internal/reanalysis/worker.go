package reanalysis

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/TobiSchelling/ToolPulse/internal/database"
)

const interruptedMessage = "interrupted: owner stopped renewing its lease"

// queueCapacity bounds pending Enqueue calls. Overflow is picked up by the
// periodic scan, so a small buffer is enough.
const queueCapacity = 16

// Worker executes queued jobs one at a time. Jobs arrive through Enqueue;
// a periodic scan picks up anything that was queued while no worker ran and
// fails running jobs whose owner died.
type Worker struct {
	jobs         *Store
	processor    *Processor
	queue        chan string
	pollInterval time.Duration
	logger       *slog.Logger
	now          func() time.Time
}

func NewWorker(jobs *Store, processor *Processor, pollInterval time.Duration, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if pollInterval <= 0 {
		pollInterval = 30 * time.Second
	}
	return &Worker{
		jobs:         jobs,
		processor:    processor,
		queue:        make(chan string, queueCapacity),
		pollInterval: pollInterval,
		logger:       logger,
		now:          time.Now,
	}
}

// Enqueue schedules a job without blocking. If the queue is full the job
// is left for the next scan.
func (w *Worker) Enqueue(jobID string) {
	select {
	case w.queue <- jobID:
	default:
		w.logger.Warn("worker queue full, job left for next scan", "job_id", jobID)
	}
}

// RecoverInterrupted marks running jobs whose owner stopped renewing its
// lease as Failed so they can be retried from their checkpoint. Jobs with a
// heartbeat inside the lease timeout belong to a live process and are left
// alone, so this is safe to call while other processes work on jobs.
func (w *Worker) RecoverInterrupted(ctx context.Context) (int, error) {
	running, err := w.jobs.List(ctx, database.JobFilter{Status: database.JobRunning})
	if err != nil {
		return 0, err
	}
	staleBefore := w.now().UTC().Add(-w.processor.cfg.LeaseTimeout)
	recovered := 0
	for i := range running {
		j := &running[i]
		if j.HeartbeatAt != nil && !j.HeartbeatAt.Before(staleBefore) {
			w.logger.Debug("running job has a live owner", "job_id", j.ID, "owner", j.Owner, "heartbeat_at", j.HeartbeatAt)
			continue
		}
		ok, err := w.jobs.Expire(ctx, j, staleBefore, interruptedMessage)
		if err != nil {
			return recovered, err
		}
		if !ok {
			// Renewed or finished since we listed it.
			continue
		}
		w.logger.Warn("marked interrupted job as failed",
			"job_id", j.ID,
			"owner", j.Owner,
			"checkpoint", j.Progress.LastCheckpointID,
		)
		recovered++
	}
	return recovered, nil
}

// Run processes jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("reanalysis worker started", "poll_interval", w.pollInterval)
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	if _, err := w.RunPending(ctx); err != nil && ctx.Err() == nil {
		w.logger.Error("initial scan for queued jobs failed", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("reanalysis worker stopped")
			return nil
		case id := <-w.queue:
			w.process(ctx, id)
		case <-ticker.C:
			if _, err := w.RecoverInterrupted(ctx); err != nil && ctx.Err() == nil {
				w.logger.Error("scan for expired leases failed", "error", err)
			}
			if _, err := w.RunPending(ctx); err != nil && ctx.Err() == nil {
				w.logger.Error("scan for queued jobs failed", "error", err)
			}
		}
	}
}

// RunPending processes every queued job, oldest first, and returns how many
// were started.
func (w *Worker) RunPending(ctx context.Context) (int, error) {
	queued, err := w.jobs.List(ctx, database.JobFilter{Status: database.JobQueued})
	if err != nil {
		return 0, err
	}
	started := 0
	for i := len(queued) - 1; i >= 0; i-- {
		if ctx.Err() != nil {
			break
		}
		if w.process(ctx, queued[i].ID) {
			started++
		}
	}
	return started, nil
}

// process runs one job and reports whether it was picked up.
func (w *Worker) process(ctx context.Context, jobID string) bool {
	err := w.processor.ProcessJob(ctx, jobID)
	switch {
	case err == nil:
		return true
	case errors.Is(err, ErrInvalidTransition):
		// Already picked up, cancelled, or finished.
		w.logger.Debug("skipping job", "job_id", jobID, "reason", err)
		return false
	case errors.Is(err, ErrNotFound):
		w.logger.Warn("queued job no longer exists", "job_id", jobID)
		return false
	case errors.Is(err, ErrLeaseLost):
		w.logger.Warn("job was recovered by another process mid-run", "job_id", jobID)
		return true
	default:
		w.logger.Debug("job run ended with error", "job_id", jobID, "error", err)
		return true
	}
}
