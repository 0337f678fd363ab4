package reanalysis

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/TobiSchelling/ToolPulse/internal/audit"
	"github.com/TobiSchelling/ToolPulse/internal/config"
	"github.com/TobiSchelling/ToolPulse/internal/database"
)

// ActiveToolSource lists the ids of currently active tools.
type ActiveToolSource interface {
	ActiveToolIDs(ctx context.Context) ([]string, error)
}

// Enqueuer hands a job id to whatever executes jobs.
type Enqueuer interface {
	Enqueue(jobID string)
}

// CreateRequest describes a manual reanalysis.
type CreateRequest struct {
	From        *time.Time
	To          *time.Time
	ToolIDs     []string
	BatchSize   int
	TriggeredBy string
}

// CreateResult is returned to the caller that triggered a job.
type CreateResult struct {
	JobID             string             `json:"job_id"`
	Status            database.JobStatus `json:"status"`
	EstimatedDocCount int                `json:"estimated_doc_count"`
}

// Trigger is the entry point for creating and controlling jobs.
type Trigger struct {
	store    *Store
	guard    *Guard
	docs     DocumentStore
	tools    ActiveToolSource
	queue    Enqueuer
	notifier audit.Notifier
	logger   *slog.Logger

	defaultBatch int
	maxBatch     int
	newID        func() string
	now          func() time.Time
}

func NewTrigger(
	store *Store,
	guard *Guard,
	docs DocumentStore,
	tools ActiveToolSource,
	notifier audit.Notifier,
	logger *slog.Logger,
	cfg config.Reanalysis,
) *Trigger {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = audit.LogNotifier{Logger: logger}
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = config.MaxBatchSizeLimit
	}
	if cfg.DefaultBatchSize <= 0 || cfg.DefaultBatchSize > cfg.MaxBatchSize {
		cfg.DefaultBatchSize = min(100, cfg.MaxBatchSize)
	}
	return &Trigger{
		store:        store,
		guard:        guard,
		docs:         docs,
		tools:        tools,
		notifier:     notifier,
		logger:       logger,
		defaultBatch: cfg.DefaultBatchSize,
		maxBatch:     cfg.MaxBatchSize,
		newID:        uuid.NewString,
		now:          time.Now,
	}
}

// SetQueue sets where new and retried jobs are sent for execution.
func (t *Trigger) SetQueue(q Enqueuer) {
	t.queue = q
}

// Create validates the request and records a queued job. It fails with
// ErrConcurrency while another job is queued or running.
func (t *Trigger) Create(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	params, err := t.validate(req)
	if err != nil {
		return nil, err
	}
	return t.create(ctx, database.TriggerManual, strings.TrimSpace(req.TriggeredBy), params)
}

// Automatic queues a full reanalysis on behalf of the system, for example
// after the tool catalog changed. It requires at least one active tool.
func (t *Trigger) Automatic(ctx context.Context, reason string) (*CreateResult, error) {
	active, err := t.tools.ActiveToolIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing active tools: %w", err)
	}
	if len(active) == 0 {
		return nil, fmt.Errorf("%w: no active tools to detect", ErrValidation)
	}
	if reason = strings.TrimSpace(reason); reason == "" {
		reason = "catalog changed"
	}
	t.logger.Info("automatic reanalysis requested", "reason", reason, "active_tools", len(active))
	return t.create(ctx, database.TriggerAutomatic, "system: "+reason, database.JobParameters{BatchSize: t.defaultBatch})
}

func (t *Trigger) create(ctx context.Context, trigger database.TriggerType, by string, params database.JobParameters) (*CreateResult, error) {
	estimate, err := t.docs.CountDocuments(ctx, database.DocumentQuery{
		From: params.From, To: params.To, ToolIDs: params.ToolIDs,
	})
	if err != nil {
		return nil, fmt.Errorf("estimating documents: %w", err)
	}

	now := t.now().UTC()
	job := &database.Job{
		ID:          t.newID(),
		Status:      database.JobQueued,
		TriggerType: trigger,
		TriggeredBy: by,
		Parameters:  params,
		Progress:    database.JobProgress{TotalCount: estimate},
		Statistics:  database.JobStatistics{ToolsDetected: make(map[string]int)},
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := t.guard.Exclusive(ctx, func() error { return t.store.Create(ctx, job) }); err != nil {
		return nil, err
	}

	t.logger.Info("reanalysis job queued", "job_id", job.ID, "trigger", trigger, "triggered_by", by, "estimated_docs", estimate)
	t.notifier.Notify(ctx, audit.EventFor(audit.EventQueued, job))
	if t.queue != nil {
		t.queue.Enqueue(job.ID)
	}

	return &CreateResult{JobID: job.ID, Status: job.Status, EstimatedDocCount: estimate}, nil
}

func (t *Trigger) validate(req CreateRequest) (database.JobParameters, error) {
	var p database.JobParameters

	if strings.TrimSpace(req.TriggeredBy) == "" {
		return p, fmt.Errorf("%w: triggered_by is required", ErrValidation)
	}

	p.BatchSize = req.BatchSize
	if p.BatchSize == 0 {
		p.BatchSize = t.defaultBatch
	}
	if p.BatchSize < 1 || p.BatchSize > t.maxBatch {
		return p, fmt.Errorf("%w: batch_size must be between 1 and %d, got %d", ErrValidation, t.maxBatch, req.BatchSize)
	}

	if req.From != nil && req.To != nil && req.From.After(*req.To) {
		return p, fmt.Errorf("%w: date range start %s is after end %s", ErrValidation,
			req.From.Format(time.RFC3339), req.To.Format(time.RFC3339))
	}
	p.From, p.To = req.From, req.To

	seen := make(map[string]bool)
	for _, id := range req.ToolIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			return p, fmt.Errorf("%w: tool_ids must not contain empty ids", ErrValidation)
		}
		if !seen[id] {
			seen[id] = true
			p.ToolIDs = append(p.ToolIDs, id)
		}
	}
	sort.Strings(p.ToolIDs)

	return p, nil
}

// Status returns the job's current state.
func (t *Trigger) Status(ctx context.Context, jobID string) (*database.Job, error) {
	return t.store.Get(ctx, jobID)
}

// List returns recent jobs.
// List returns jobs newest first. An empty status matches every job.
func (t *Trigger) List(ctx context.Context, f database.JobFilter) ([]database.Job, error) {
	if f.Status != "" && !f.Status.IsValid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrValidation, f.Status)
	}
	return t.store.List(ctx, f)
}

// Cancel cancels a job that has not started yet.
func (t *Trigger) Cancel(ctx context.Context, jobID string) (*database.Job, error) {
	job, err := t.store.Update(ctx, jobID, func(j *database.Job) error {
		if j.Status != database.JobQueued {
			return fmt.Errorf("%w: only queued jobs can be cancelled, job is %s", ErrInvalidTransition, j.Status)
		}
		return transition(j, database.JobCancelled, t.now().UTC())
	})
	if err != nil {
		return nil, err
	}
	t.logger.Info("reanalysis job cancelled", "job_id", job.ID)
	t.notifier.Notify(ctx, audit.EventFor(audit.EventCancelled, job))
	return job, nil
}

// Retry re-queues a failed job. It resumes from its last checkpoint.
func (t *Trigger) Retry(ctx context.Context, jobID string) (*database.Job, error) {
	var job *database.Job
	err := t.guard.Exclusive(ctx, func() error {
		var err error
		job, err = t.store.Update(ctx, jobID, func(j *database.Job) error {
			return transition(j, database.JobQueued, t.now().UTC())
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	t.logger.Info("reanalysis job re-queued", "job_id", job.ID, "resume_from", job.Progress.LastCheckpointID)
	t.notifier.Notify(ctx, audit.EventFor(audit.EventQueued, job))
	if t.queue != nil {
		t.queue.Enqueue(job.ID)
	}
	return job, nil
}
