package reanalysis

import (
	"time"

	"github.com/TobiSchelling/ToolPulse/internal/database"
)

// JobView is the external representation of a job.
type JobView struct {
	ID          string                 `json:"job_id"`
	Status      database.JobStatus     `json:"status"`
	TriggerType database.TriggerType   `json:"trigger_type"`
	TriggeredBy string                 `json:"triggered_by"`
	Parameters  database.JobParameters `json:"parameters"`
	Progress    database.JobProgress   `json:"progress"`
	Statistics  database.JobStatistics `json:"statistics"`
	ErrorLog    []database.JobError    `json:"error_log"`
	Error       string                 `json:"error,omitempty"`
	StartTime   *time.Time             `json:"start_time,omitempty"`
	EndTime     *time.Time             `json:"end_time,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
	Owner       string                 `json:"owner,omitempty"`
	HeartbeatAt *time.Time             `json:"heartbeat_at,omitempty"`
}

// ViewOf converts a job for display. Empty collections render as [] and {}.
func ViewOf(j *database.Job) JobView {
	v := JobView{
		ID:          j.ID,
		Status:      j.Status,
		TriggerType: j.TriggerType,
		TriggeredBy: j.TriggeredBy,
		Parameters:  j.Parameters,
		Progress:    j.Progress,
		Statistics:  j.Statistics,
		ErrorLog:    j.ErrorLog,
		Error:       j.Error,
		StartTime:   j.StartTime,
		EndTime:     j.EndTime,
		CreatedAt:   j.CreatedAt,
		UpdatedAt:   j.UpdatedAt,
		Owner:       j.Owner,
		HeartbeatAt: j.HeartbeatAt,
	}
	if v.ErrorLog == nil {
		v.ErrorLog = []database.JobError{}
	}
	if v.Statistics.ToolsDetected == nil {
		v.Statistics.ToolsDetected = map[string]int{}
	}
	return v
}

// ViewsOf converts a list of jobs.
func ViewsOf(jobs []database.Job) []JobView {
	views := make([]JobView, len(jobs))
	for i := range jobs {
		views[i] = ViewOf(&jobs[i])
	}
	return views
}
