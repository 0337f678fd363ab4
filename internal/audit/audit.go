// Package audit emits structured lifecycle events for reanalysis jobs.
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/TobiSchelling/ToolPulse/internal/database"
)

type EventType string

const (
	EventQueued    EventType = "job.queued"
	EventStarted   EventType = "job.started"
	EventProgress  EventType = "job.progress"
	EventCompleted EventType = "job.completed"
	EventFailed    EventType = "job.failed"
	EventCancelled EventType = "job.cancelled"
)

// Event is a snapshot of a job at a lifecycle point.
type Event struct {
	Type       EventType               `json:"type"`
	JobID      string                  `json:"job_id"`
	Status     database.JobStatus      `json:"status"`
	Progress   *database.JobProgress   `json:"progress,omitempty"`
	Statistics *database.JobStatistics `json:"statistics,omitempty"`
	Error      string                  `json:"error,omitempty"`
	Time       time.Time               `json:"timestamp"`
}

// EventFor snapshots j. The returned event does not alias j's maps.
func EventFor(t EventType, j *database.Job) Event {
	progress := j.Progress
	stats := j.Statistics
	stats.ToolsDetected = make(map[string]int, len(j.Statistics.ToolsDetected))
	for k, v := range j.Statistics.ToolsDetected {
		stats.ToolsDetected[k] = v
	}
	return Event{
		Type:       t,
		JobID:      j.ID,
		Status:     j.Status,
		Progress:   &progress,
		Statistics: &stats,
		Error:      j.Error,
		Time:       time.Now().UTC(),
	}
}

// Notifier receives job lifecycle events. Implementations must not block
// the caller for long; delivery is best effort.
type Notifier interface {
	Notify(ctx context.Context, e Event)
}

// LogNotifier writes events to a slog logger.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) Notify(ctx context.Context, e Event) {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}

	attrs := []any{"event", string(e.Type), "job_id", e.JobID, "status", string(e.Status)}
	if e.Progress != nil {
		attrs = append(attrs,
			"processed", e.Progress.ProcessedCount,
			"total", e.Progress.TotalCount,
			"checkpoint", e.Progress.LastCheckpointID,
		)
	}
	if e.Statistics != nil && e.Type != EventProgress {
		attrs = append(attrs,
			"categorized", e.Statistics.CategorizedCount,
			"uncategorized", e.Statistics.UncategorizedCount,
			"errors", e.Statistics.ErrorsCount,
		)
	}

	if e.Type == EventFailed {
		logger.ErrorContext(ctx, "reanalysis job event", append(attrs, "error", e.Error)...)
		return
	}
	logger.InfoContext(ctx, "reanalysis job event", attrs...)
}

// Multi fans an event out to several notifiers.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, e Event) {
	for _, n := range m {
		if n != nil {
			n.Notify(ctx, e)
		}
	}
}

// Nop discards events.
type Nop struct{}

func (Nop) Notify(context.Context, Event) {}
