package database

import (
	"strings"
	"time"
)

// Document is a collected Reddit post whose tool associations are
// maintained by the reanalysis engine.
type Document struct {
	ID              string
	Source          string
	Title           string
	URL             string
	Author          string
	Content         *string
	ContentFetched  bool
	PublishedAt     *time.Time
	DetectedToolIDs []string
	AnalysisVersion int
	LastAnalyzedAt  *time.Time
	CollectedAt     *time.Time
}

// HasContent reports whether the document has non-blank text to analyze.
func (d *Document) HasContent() bool {
	if d.Content == nil {
		return false
	}
	return strings.TrimSpace(*d.Content) != ""
}

// DocumentQuery selects documents in ascending id order.
type DocumentQuery struct {
	AfterID string
	From    *time.Time
	To      *time.Time
	ToolIDs []string
	Limit   int
}

// Tool is an AI developer tool tracked in the catalog.
type Tool struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description *string  `json:"description,omitempty"`
	Keywords    []string `json:"keywords"`
	IsActive    bool     `json:"is_active"`
	CreatedAt   *string  `json:"created_at,omitempty"`
	UpdatedAt   *string  `json:"updated_at,omitempty"`
}

type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// IsActive reports whether the status holds the single active-job slot.
func (s JobStatus) IsActive() bool {
	return s == JobQueued || s == JobRunning
}

// IsValid reports whether s is one of the known statuses.
func (s JobStatus) IsValid() bool {
	switch s {
	case JobQueued, JobRunning, JobCompleted, JobFailed, JobCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition is possible.
func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobCancelled
}

type TriggerType string

const (
	TriggerManual    TriggerType = "manual"
	TriggerAutomatic TriggerType = "automatic"
)

// JobParameters restricts which documents a job visits.
type JobParameters struct {
	From      *time.Time `json:"from,omitempty"`
	To        *time.Time `json:"to,omitempty"`
	ToolIDs   []string   `json:"tool_ids,omitempty"`
	BatchSize int        `json:"batch_size"`
}

type JobProgress struct {
	TotalCount                int     `json:"total_count"`
	ProcessedCount            int     `json:"processed_count"`
	Percentage                float64 `json:"percentage"`
	LastCheckpointID          string  `json:"last_checkpoint_id,omitempty"`
	EstimatedSecondsRemaining *int    `json:"estimated_time_remaining,omitempty"`
}

type JobStatistics struct {
	ToolsDetected      map[string]int `json:"tools_detected"`
	ErrorsCount        int            `json:"errors_count"`
	CategorizedCount   int            `json:"categorized_count"`
	UncategorizedCount int            `json:"uncategorized_count"`
}

// JobError records a document that failed during processing.
type JobError struct {
	DocID     string    `json:"doc_id"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// Job is a single reanalysis run.
type Job struct {
	ID          string
	Status      JobStatus
	TriggerType TriggerType
	TriggeredBy string
	Parameters  JobParameters
	Progress    JobProgress
	Statistics  JobStatistics
	ErrorLog    []JobError
	Error       string
	StartTime   *time.Time
	EndTime     *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time

	// Owner identifies the process running the job. It keeps the job
	// only while it refreshes HeartbeatAt.
	Owner       string
	HeartbeatAt *time.Time
}

// JobPrecondition is what the stored row must match for a conditional write.
// An empty Owner matches an unowned job.
type JobPrecondition struct {
	Status      JobStatus
	Owner       string
	StaleBefore *time.Time
}

// JobFilter narrows ListJobs results.
type JobFilter struct {
	Status JobStatus
	Limit  int
}

// Stats contains aggregate database statistics.
type Stats struct {
	TotalDocuments    int
	AnalyzedDocuments int
	TotalTools        int
	ActiveTools       int
	Aliases           int
	JobsByStatus      map[JobStatus]int
}
