package database

import "context"

// GetStats returns aggregate statistics for the status command.
func (db *DB) GetStats(ctx context.Context) (*Stats, error) {
	s := &Stats{JobsByStatus: make(map[JobStatus]int)}

	counts := []struct {
		query string
		dest  *int
	}{
		{"SELECT COUNT(*) FROM documents", &s.TotalDocuments},
		{"SELECT COUNT(*) FROM documents WHERE analysis_version > 0", &s.AnalyzedDocuments},
		{"SELECT COUNT(*) FROM tools", &s.TotalTools},
		{"SELECT COUNT(*) FROM tools WHERE is_active = 1", &s.ActiveTools},
		{"SELECT COUNT(*) FROM tool_aliases", &s.Aliases},
	}
	for _, c := range counts {
		if err := db.conn.QueryRowContext(ctx, c.query).Scan(c.dest); err != nil {
			return nil, classify(err)
		}
	}

	rows, err := db.conn.QueryContext(ctx, "SELECT status, COUNT(*) FROM reanalysis_jobs GROUP BY status")
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		s.JobsByStatus[JobStatus(status)] = n
	}
	return s, rows.Err()
}
