package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const jobColumns = `id, status, trigger_type, triggered_by, parameters, progress, statistics,
	error_log, error, start_time, end_time, created_at, updated_at, owner, heartbeat_at`

// InsertJob stores a new job. If the job is active and another active job
// exists, it returns ErrActiveJobExists.
func (db *DB) InsertJob(ctx context.Context, j *Job) error {
	args, err := jobArgs(j)
	if err != nil {
		return err
	}
	_, err = db.conn.ExecContext(ctx,
		`INSERT INTO reanalysis_jobs (`+jobColumns+`, active_guard)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		args...,
	)
	return classify(err)
}

// SaveJobIf writes the whole job document only if the stored row still
// matches pre. It reports whether the row was written; a false result means
// another writer changed the job first.
func (db *DB) SaveJobIf(ctx context.Context, j *Job, pre JobPrecondition) (bool, error) {
	args, err := jobArgs(j)
	if err != nil {
		return false, err
	}
	query := `UPDATE reanalysis_jobs SET
			status = ?, trigger_type = ?, triggered_by = ?, parameters = ?,
			progress = ?, statistics = ?, error_log = ?, error = ?,
			start_time = ?, end_time = ?, created_at = ?, updated_at = ?,
			owner = ?, heartbeat_at = ?, active_guard = ?
		WHERE id = ? AND status = ? AND COALESCE(owner, '') = ?`
	args = append(args[1:], j.ID, string(pre.Status), pre.Owner)
	if pre.StaleBefore != nil {
		query += " AND (heartbeat_at IS NULL OR heartbeat_at < ?)"
		args = append(args, formatTime(*pre.StaleBefore))
	}
	return db.execOne(ctx, query, args...)
}

// ClaimJob moves a queued job to running for owner. Exactly one caller wins;
// the others get false.
func (db *DB) ClaimJob(ctx context.Context, id, owner string, at time.Time) (bool, error) {
	now := formatTime(at)
	return db.execOne(ctx,
		`UPDATE reanalysis_jobs
		SET status = ?, owner = ?, heartbeat_at = ?, start_time = ?, end_time = NULL, error = NULL, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(JobRunning), owner, now, now, now, id, string(JobQueued),
	)
}

// TouchJob refreshes the heartbeat of a running job held by owner.
func (db *DB) TouchJob(ctx context.Context, id, owner string, at time.Time) (bool, error) {
	return db.execOne(ctx,
		`UPDATE reanalysis_jobs SET heartbeat_at = ?
		WHERE id = ? AND owner = ? AND status = ?`,
		formatTime(at), id, owner, string(JobRunning),
	)
}

func (db *DB) execOne(ctx context.Context, query string, args ...any) (bool, error) {
	res, err := db.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return false, classify(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// GetJob returns a job by id, or nil if absent.
func (db *DB) GetJob(ctx context.Context, id string) (*Job, error) {
	row := db.conn.QueryRowContext(ctx, "SELECT "+jobColumns+" FROM reanalysis_jobs WHERE id = ?", id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err)
	}
	return j, nil
}

// ListJobs returns jobs newest first.
func (db *DB) ListJobs(ctx context.Context, f JobFilter) ([]Job, error) {
	query := "SELECT " + jobColumns + " FROM reanalysis_jobs"
	var args []any
	if f.Status != "" {
		query += " WHERE status = ?"
		args = append(args, string(f.Status))
	}
	query += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, classify(rows.Err())
}

// CountActiveJobs counts jobs that are queued or running.
func (db *DB) CountActiveJobs(ctx context.Context) (int, error) {
	var n int
	err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM reanalysis_jobs WHERE status IN (?, ?)`,
		string(JobQueued), string(JobRunning),
	).Scan(&n)
	if err != nil {
		return 0, classify(err)
	}
	return n, nil
}

func jobArgs(j *Job) ([]any, error) {
	params, err := json.Marshal(j.Parameters)
	if err != nil {
		return nil, fmt.Errorf("encoding parameters: %w", err)
	}
	progress, err := json.Marshal(j.Progress)
	if err != nil {
		return nil, fmt.Errorf("encoding progress: %w", err)
	}
	stats, err := json.Marshal(j.Statistics)
	if err != nil {
		return nil, fmt.Errorf("encoding statistics: %w", err)
	}
	errorLog := j.ErrorLog
	if errorLog == nil {
		errorLog = []JobError{}
	}
	logJSON, err := json.Marshal(errorLog)
	if err != nil {
		return nil, fmt.Errorf("encoding error log: %w", err)
	}

	var jobErr *string
	if j.Error != "" {
		jobErr = &j.Error
	}
	var owner *string
	if j.Owner != "" {
		owner = &j.Owner
	}
	var guard *int
	if j.Status.IsActive() {
		one := 1
		guard = &one
	}

	return []any{
		j.ID, string(j.Status), string(j.TriggerType), j.TriggeredBy,
		string(params), string(progress), string(stats), string(logJSON), jobErr,
		formatTimePtr(j.StartTime), formatTimePtr(j.EndTime),
		formatTime(j.CreatedAt), formatTime(j.UpdatedAt),
		owner, formatTimePtr(j.HeartbeatAt), guard,
	}, nil
}

func scanJob(row rowScanner) (*Job, error) {
	var j Job
	var status, trigger, params, progress, stats, logJSON, created, updated string
	var jobErr, start, end, owner, heartbeat *string
	if err := row.Scan(&j.ID, &status, &trigger, &j.TriggeredBy, &params, &progress, &stats,
		&logJSON, &jobErr, &start, &end, &created, &updated, &owner, &heartbeat); err != nil {
		return nil, err
	}
	j.Status = JobStatus(status)
	j.TriggerType = TriggerType(trigger)
	if jobErr != nil {
		j.Error = *jobErr
	}
	if owner != nil {
		j.Owner = *owner
	}
	j.StartTime = parseTimePtr(start)
	j.EndTime = parseTimePtr(end)
	j.HeartbeatAt = parseTimePtr(heartbeat)
	if t := parseTimePtr(&created); t != nil {
		j.CreatedAt = *t
	}
	if t := parseTimePtr(&updated); t != nil {
		j.UpdatedAt = *t
	}

	if err := json.Unmarshal([]byte(params), &j.Parameters); err != nil {
		return nil, fmt.Errorf("job %s: decoding parameters: %w", j.ID, err)
	}
	if err := json.Unmarshal([]byte(progress), &j.Progress); err != nil {
		return nil, fmt.Errorf("job %s: decoding progress: %w", j.ID, err)
	}
	if err := json.Unmarshal([]byte(stats), &j.Statistics); err != nil {
		return nil, fmt.Errorf("job %s: decoding statistics: %w", j.ID, err)
	}
	if err := json.Unmarshal([]byte(logJSON), &j.ErrorLog); err != nil {
		return nil, fmt.Errorf("job %s: decoding error log: %w", j.ID, err)
	}
	if j.Statistics.ToolsDetected == nil {
		j.Statistics.ToolsDetected = make(map[string]int)
	}
	return &j, nil
}
