// Package pipeline runs the ingestion steps that feed the reanalysis engine:
// collect new posts, fetch linked content, then queue a reanalysis job so
// the new documents get tool detections.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/TobiSchelling/ToolPulse/internal/collect"
	"github.com/TobiSchelling/ToolPulse/internal/fetch"
	"github.com/TobiSchelling/ToolPulse/internal/reanalysis"
)

// Collector stores new posts. *collect.Collector implements it.
type Collector interface {
	Collect(ctx context.Context) (*collect.Result, error)
}

// Fetcher fills in linked content. *fetch.ContentFetcher implements it.
type Fetcher interface {
	FetchMissingContent(ctx context.Context, limit int) (*fetch.Result, error)
}

// Reanalyzer queues system-triggered jobs. *reanalysis.Trigger implements it.
type Reanalyzer interface {
	Automatic(ctx context.Context, reason string) (*reanalysis.CreateResult, error)
}

// StepResult holds the result of a single pipeline step.
type StepResult struct {
	Name    string
	Summary string
	Err     error
}

// Result holds the results of a full pipeline run.
type Result struct {
	Steps []StepResult
	JobID string
}

// Err returns the first step error, if any.
func (r *Result) Err() error {
	for _, s := range r.Steps {
		if s.Err != nil {
			return fmt.Errorf("%s: %w", s.Name, s.Err)
		}
	}
	return nil
}

// Options selects which steps run.
type Options struct {
	SkipFetch  bool
	Reanalyze  bool
	FetchLimit int
}

// Pipeline orchestrates collection, content fetching and job queueing.
type Pipeline struct {
	collector  Collector
	fetcher    Fetcher
	reanalyzer Reanalyzer
	logger     *slog.Logger
}

// New creates a new pipeline. reanalyzer may be nil when jobs are queued by
// other means.
func New(collector Collector, fetcher Fetcher, reanalyzer Reanalyzer, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		collector:  collector,
		fetcher:    fetcher,
		reanalyzer: reanalyzer,
		logger:     logger,
	}
}

// Run executes the pipeline. A collection failure stops the run; later
// steps report their errors and the run continues.
func (p *Pipeline) Run(ctx context.Context, opts Options) *Result {
	r := &Result{}

	p.logger.Info("step 1/3: collecting posts")
	collected, err := p.collector.Collect(ctx)
	if err != nil {
		r.Steps = append(r.Steps, StepResult{Name: "Collect", Err: err})
		return r
	}
	r.Steps = append(r.Steps, StepResult{
		Name: "Collect",
		Summary: fmt.Sprintf("Found %d new posts (%d total, %d duplicates, %d failed)",
			collected.NewDocuments, collected.TotalFound, collected.Duplicates, collected.Failed),
	})

	fetched := 0
	if opts.SkipFetch {
		r.Steps = append(r.Steps, StepResult{Name: "Fetch", Summary: "Skipped"})
	} else {
		p.logger.Info("step 2/3: fetching linked content")
		res, err := p.fetcher.FetchMissingContent(ctx, opts.FetchLimit)
		step := StepResult{Name: "Fetch", Err: err}
		if res != nil {
			fetched = res.Fetched
			step.Summary = fmt.Sprintf("Fetched %d pages, %d skipped, %d failed", res.Fetched, res.Skipped, res.Failed)
		}
		r.Steps = append(r.Steps, step)
		if errors.Is(err, context.Canceled) {
			return r
		}
	}

	r.Steps = append(r.Steps, p.runReanalyze(ctx, opts, collected.NewDocuments+fetched, r))
	return r
}

func (p *Pipeline) runReanalyze(ctx context.Context, opts Options, changed int, r *Result) StepResult {
	step := StepResult{Name: "Reanalyze"}
	switch {
	case !opts.Reanalyze || p.reanalyzer == nil:
		step.Summary = "Skipped"
		return step
	case changed == 0:
		step.Summary = "No new or updated posts"
		return step
	}

	p.logger.Info("step 3/3: queueing reanalysis")
	res, err := p.reanalyzer.Automatic(ctx, fmt.Sprintf("%d posts collected or updated", changed))
	switch {
	case errors.Is(err, reanalysis.ErrConcurrency):
		step.Summary = "Skipped: a reanalysis job is already active"
	case errors.Is(err, reanalysis.ErrValidation):
		step.Summary = fmt.Sprintf("Skipped: %v", err)
	case err != nil:
		step.Err = err
	default:
		r.JobID = res.JobID
		step.Summary = fmt.Sprintf("Queued job %s over %d documents", res.JobID, res.EstimatedDocCount)
	}
	return step
}
