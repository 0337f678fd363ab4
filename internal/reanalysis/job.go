// Package reanalysis implements the checkpointed, resumable job engine that
// recomputes which tools stored documents mention.
package reanalysis

import (
	"time"

	"github.com/TobiSchelling/ToolPulse/internal/database"
)

var transitions = map[database.JobStatus][]database.JobStatus{
	database.JobQueued:  {database.JobRunning, database.JobCancelled},
	database.JobRunning: {database.JobCompleted, database.JobFailed, database.JobCancelled},
	database.JobFailed:  {database.JobQueued},
}

// CanTransition reports whether a job may move from one status to another.
func CanTransition(from, to database.JobStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// transition moves j to status to and maintains its timestamps.
func transition(j *database.Job, to database.JobStatus, now time.Time) error {
	if !CanTransition(j.Status, to) {
		return &TransitionError{From: j.Status, To: to}
	}
	j.Status = to
	switch to {
	case database.JobRunning:
		j.StartTime = &now
		j.EndTime = nil
	case database.JobQueued:
		j.EndTime = nil
		j.Error = ""
		j.Owner = ""
		j.HeartbeatAt = nil
	case database.JobCompleted, database.JobFailed, database.JobCancelled:
		j.EndTime = &now
	}
	return nil
}
