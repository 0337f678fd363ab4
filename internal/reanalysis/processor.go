package reanalysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/TobiSchelling/ToolPulse/internal/alias"
	"github.com/TobiSchelling/ToolPulse/internal/audit"
	"github.com/TobiSchelling/ToolPulse/internal/database"
	"github.com/TobiSchelling/ToolPulse/internal/detect"
	"github.com/TobiSchelling/ToolPulse/internal/retry"
)

// DocumentStore is the target document collaborator. *database.DB implements it.
type DocumentStore interface {
	ListDocuments(ctx context.Context, q database.DocumentQuery) ([]database.Document, error)
	CountDocuments(ctx context.Context, q database.DocumentQuery) (int, error)
	UpsertDocument(ctx context.Context, d *database.Document) error
}

// AliasSource provides the alias graph. *database.DB implements it.
type AliasSource interface {
	AliasEdges(ctx context.Context) (map[string]string, error)
}

// DetectorFactory builds the tool detector for one job run, so that each
// run sees the catalog as it is when the run starts.
type DetectorFactory func(ctx context.Context) (detect.Detector, error)

// DefaultLeaseTimeout is how long a running job survives without a
// heartbeat before another process may recover it.
const DefaultLeaseTimeout = 2 * time.Minute

// ProcessorConfig holds processor limits.
type ProcessorConfig struct {
	MaxAliasDepth int
	MaxErrorLog   int

	// Owner is recorded on jobs this processor claims. Defaults to
	// DefaultOwner().
	Owner        string
	LeaseTimeout time.Duration
}

// DefaultOwner identifies this process: host, pid and a random suffix so
// that a recycled pid is not mistaken for the old owner.
func DefaultOwner() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s:%d:%s", host, os.Getpid(), uuid.NewString()[:8])
}

// Processor executes reanalysis jobs batch by batch.
type Processor struct {
	jobs      *Store
	docs      DocumentStore
	aliases   AliasSource
	detectors DetectorFactory
	retry     *retry.Policy
	notifier  audit.Notifier
	logger    *slog.Logger
	cfg       ProcessorConfig
	now       func() time.Time
}

func NewProcessor(
	jobs *Store,
	docs DocumentStore,
	aliases AliasSource,
	detectors DetectorFactory,
	policy *retry.Policy,
	notifier audit.Notifier,
	logger *slog.Logger,
	cfg ProcessorConfig,
) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = audit.LogNotifier{Logger: logger}
	}
	if policy == nil {
		policy = &retry.Policy{}
	}
	if cfg.MaxAliasDepth <= 0 {
		cfg.MaxAliasDepth = alias.DefaultMaxDepth
	}
	if cfg.MaxErrorLog <= 0 {
		cfg.MaxErrorLog = 1000
	}
	if cfg.Owner == "" {
		cfg.Owner = DefaultOwner()
	}
	if cfg.LeaseTimeout <= 0 {
		cfg.LeaseTimeout = DefaultLeaseTimeout
	}
	return &Processor{
		jobs:      jobs,
		docs:      docs,
		aliases:   aliases,
		detectors: detectors,
		retry:     policy,
		notifier:  notifier,
		logger:    logger,
		cfg:       cfg,
		now:       time.Now,
	}
}

// docOutcome is the result of analyzing one document.
type docOutcome struct {
	toolIDs       []string
	uncategorized bool
}

// batchTally accumulates one batch's results; it is merged into the job
// only together with the batch's checkpoint.
type batchTally struct {
	tools         map[string]int
	categorized   int
	uncategorized int
	errors        []database.JobError
}

// ProcessJob runs a queued job to a terminal state. It returns nil when the
// job completes. Job-level failures mark the job Failed, keep its last
// checkpoint and are returned. A job that another processor claimed first
// yields a *TransitionError.
func (p *Processor) ProcessJob(ctx context.Context, jobID string) error {
	job, err := p.jobs.Claim(ctx, jobID, p.cfg.Owner)
	if err != nil {
		return err
	}
	log := p.logger.With("job_id", job.ID)
	log.Info("reanalysis job started",
		"triggered_by", job.TriggeredBy,
		"owner", job.Owner,
		"resume_from", job.Progress.LastCheckpointID,
		"batch_size", job.Parameters.BatchSize,
	)
	p.notifier.Notify(ctx, audit.EventFor(audit.EventStarted, job))

	runCtx, release := p.holdLease(ctx, job.ID, log)
	err = p.run(runCtx, job, log)
	release()
	if err != nil {
		if cause := context.Cause(runCtx); errors.Is(cause, ErrLeaseLost) {
			err = cause
		}
		return p.fail(ctx, job, err, log)
	}

	if err := transition(job, database.JobCompleted, p.now().UTC()); err != nil {
		return p.fail(ctx, job, err, log)
	}
	job.Progress.Percentage = 100
	zero := 0
	job.Progress.EstimatedSecondsRemaining = &zero
	if err := p.jobs.Save(ctx, job); err != nil {
		if errors.Is(err, ErrLeaseLost) {
			return p.fail(ctx, job, err, log)
		}
		// The job is no longer Running in memory; restore so fail can record it.
		job.Status = database.JobRunning
		return p.fail(ctx, job, systemError("saving completed job: %v", err), log)
	}

	log.Info("reanalysis job completed",
		"processed", job.Progress.ProcessedCount,
		"categorized", job.Statistics.CategorizedCount,
		"uncategorized", job.Statistics.UncategorizedCount,
		"errors", job.Statistics.ErrorsCount,
	)
	p.notifier.Notify(ctx, audit.EventFor(audit.EventCompleted, job))
	return nil
}

func (p *Processor) run(ctx context.Context, job *database.Job, log *slog.Logger) error {
	var edges map[string]string
	if err := p.retry.Do(ctx, "load aliases", func(ctx context.Context) error {
		var err error
		edges, err = p.aliases.AliasEdges(ctx)
		return err
	}); err != nil {
		return systemError("loading alias graph: %v", err)
	}
	resolver := alias.NewResolver(edges, p.cfg.MaxAliasDepth)

	detector, err := p.detectors(ctx)
	if err != nil {
		return systemError("building tool detector: %v", err)
	}

	query := database.DocumentQuery{
		From:    job.Parameters.From,
		To:      job.Parameters.To,
		ToolIDs: job.Parameters.ToolIDs,
	}

	// Recount on every run so a resumed job reflects documents added since.
	remainingQuery := query
	remainingQuery.AfterID = job.Progress.LastCheckpointID
	var remaining int
	if err := p.retry.Do(ctx, "count documents", func(ctx context.Context) error {
		var err error
		remaining, err = p.docs.CountDocuments(ctx, remainingQuery)
		return err
	}); err != nil {
		return systemError("counting documents: %v", err)
	}
	job.Progress.TotalCount = job.Progress.ProcessedCount + remaining
	if job.Statistics.ToolsDetected == nil {
		job.Statistics.ToolsDetected = make(map[string]int)
	}
	updateProgress(job, 0, 0)
	if err := p.checkpoint(ctx, job); err != nil {
		return err
	}

	batchSize := job.Parameters.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	runStart := p.now()
	processedThisRun := 0

	for {
		if ctx.Err() != nil {
			return fmt.Errorf("interrupted at checkpoint %q: %w", job.Progress.LastCheckpointID, context.Cause(ctx))
		}

		page := query
		page.AfterID = job.Progress.LastCheckpointID
		page.Limit = batchSize

		var batch []database.Document
		if err := p.retry.Do(ctx, "list documents", func(ctx context.Context) error {
			var err error
			batch, err = p.docs.ListDocuments(ctx, page)
			return err
		}); err != nil {
			return systemError("reading documents after %q: %v", page.AfterID, err)
		}
		if len(batch) == 0 {
			return nil
		}

		tally := batchTally{tools: make(map[string]int)}
		for i := range batch {
			outcome, err := p.processDocument(ctx, &batch[i], resolver, detector, log)
			var docErr *DocError
			switch {
			case errors.As(err, &docErr):
				log.Error("document failed", "doc_id", docErr.DocID, "error", docErr.Err)
				tally.errors = append(tally.errors, database.JobError{
					DocID:     docErr.DocID,
					Error:     docErr.Err.Error(),
					Timestamp: p.now().UTC(),
				})
			case err != nil:
				return err
			case outcome.uncategorized:
				tally.uncategorized++
			default:
				tally.categorized++
				for _, id := range outcome.toolIDs {
					tally.tools[id]++
				}
			}
		}

		processedThisRun += len(batch)
		p.applyBatch(job, tally, batch[len(batch)-1].ID, len(batch))
		updateProgress(job, processedThisRun, p.now().Sub(runStart))

		if err := p.checkpoint(ctx, job); err != nil {
			return err
		}
		log.Debug("batch checkpointed",
			"processed", job.Progress.ProcessedCount,
			"total", job.Progress.TotalCount,
			"checkpoint", job.Progress.LastCheckpointID,
		)
		p.notifier.Notify(ctx, audit.EventFor(audit.EventProgress, job))

		if len(batch) < batchSize {
			return nil
		}
	}
}

// processDocument analyzes and stores one document. A *DocError result is
// recoverable; any other error aborts the job.
func (p *Processor) processDocument(
	ctx context.Context,
	doc *database.Document,
	resolver *alias.Resolver,
	detector detect.Detector,
	log *slog.Logger,
) (docOutcome, error) {
	if !doc.HasContent() {
		log.Warn("document has no content, counting as uncategorized", "doc_id", doc.ID)
		return docOutcome{uncategorized: true}, nil
	}

	text := detect.PlainText(doc.Title + "\n\n" + *doc.Content)
	raw, err := detector.Detect(ctx, text)
	if err != nil {
		if ctx.Err() != nil {
			return docOutcome{}, context.Cause(ctx)
		}
		return docOutcome{}, &DocError{DocID: doc.ID, Err: err}
	}

	toolIDs, err := resolver.ResolveAll(raw)
	if err != nil {
		return docOutcome{}, systemError("resolving aliases for %s: %v", doc.ID, err)
	}

	now := p.now().UTC()
	updated := *doc
	updated.DetectedToolIDs = toolIDs
	updated.AnalysisVersion = doc.AnalysisVersion + 1
	updated.LastAnalyzedAt = &now

	if err := p.retry.Do(ctx, "upsert document", func(ctx context.Context) error {
		return p.docs.UpsertDocument(ctx, &updated)
	}); err != nil {
		return docOutcome{}, systemError("storing document %s: %v", doc.ID, err)
	}

	return docOutcome{toolIDs: toolIDs, uncategorized: len(toolIDs) == 0}, nil
}

func (p *Processor) applyBatch(job *database.Job, tally batchTally, checkpoint string, n int) {
	s := &job.Statistics
	for id, c := range tally.tools {
		s.ToolsDetected[id] += c
	}
	s.CategorizedCount += tally.categorized
	s.UncategorizedCount += tally.uncategorized
	s.ErrorsCount += len(tally.errors)

	job.ErrorLog = append(job.ErrorLog, tally.errors...)
	if over := len(job.ErrorLog) - p.cfg.MaxErrorLog; over > 0 {
		job.ErrorLog = append([]database.JobError(nil), job.ErrorLog[over:]...)
	}

	job.Progress.ProcessedCount += n
	// Checkpoints only move forward in id order.
	if checkpoint > job.Progress.LastCheckpointID {
		job.Progress.LastCheckpointID = checkpoint
	}
}

// updateProgress recomputes percentage and ETA. Documents inserted during a
// run can push processed past the initial count, so total is raised to match.
func updateProgress(job *database.Job, processedThisRun int, elapsed time.Duration) {
	pr := &job.Progress
	if pr.ProcessedCount > pr.TotalCount {
		pr.TotalCount = pr.ProcessedCount
	}
	if pr.TotalCount == 0 {
		pr.Percentage = 0
	} else {
		pr.Percentage = math.Round(float64(pr.ProcessedCount)/float64(pr.TotalCount)*10000) / 100
	}

	pr.EstimatedSecondsRemaining = nil
	if processedThisRun > 0 && elapsed > 0 {
		rate := float64(processedThisRun) / elapsed.Seconds()
		eta := int(math.Ceil(float64(pr.TotalCount-pr.ProcessedCount) / rate))
		pr.EstimatedSecondsRemaining = &eta
	}
}

// checkpoint persists the job's progress under this processor's lease.
func (p *Processor) checkpoint(ctx context.Context, job *database.Job) error {
	err := p.jobs.Save(ctx, job)
	if err == nil || errors.Is(err, ErrLeaseLost) {
		return err
	}
	return systemError("saving checkpoint %q: %v", job.Progress.LastCheckpointID, err)
}

// holdLease renews the job's heartbeat until release is called. If the
// lease is lost the returned context is cancelled with ErrLeaseLost, which
// stops the run at the next document.
func (p *Processor) holdLease(ctx context.Context, jobID string, log *slog.Logger) (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(p.cfg.LeaseTimeout / 4)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			err := p.jobs.Heartbeat(ctx, jobID, p.cfg.Owner)
			switch {
			case errors.Is(err, ErrLeaseLost):
				cancel(err)
				return
			case err != nil && ctx.Err() == nil:
				log.Warn("job heartbeat failed", "error", err)
			}
		}
	}()
	return ctx, func() {
		cancel(nil)
		<-done
	}
}

// fail marks a running job Failed, keeping the last persisted checkpoint,
// and returns cause. A job whose lease was lost belongs to someone else and
// is left untouched.
func (p *Processor) fail(ctx context.Context, job *database.Job, cause error, log *slog.Logger) error {
	if errors.Is(cause, ErrLeaseLost) {
		log.Warn("reanalysis job taken over by another process, stopping",
			"error", cause,
			"checkpoint", job.Progress.LastCheckpointID,
		)
		return cause
	}
	if err := transition(job, database.JobFailed, p.now().UTC()); err != nil {
		log.Error("cannot mark job failed", "status", job.Status, "error", err)
		return cause
	}
	job.Error = cause.Error()
	job.Progress.EstimatedSecondsRemaining = nil

	// Record the failure even when ctx is what stopped the job.
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := p.jobs.Save(saveCtx, job); err != nil {
		log.Error("failed to persist job failure", "error", err)
	}

	log.Error("reanalysis job failed",
		"error", cause,
		"processed", job.Progress.ProcessedCount,
		"checkpoint", job.Progress.LastCheckpointID,
	)
	p.notifier.Notify(saveCtx, audit.EventFor(audit.EventFailed, job))
	return cause
}
