package database

import (
	"database/sql"
	"fmt"
	"strings"
)

// Migration represents a single schema migration step.
type Migration struct {
	Version     int
	Description string
	Up          func(tx *sql.Tx) error
}

// migrations is the ordered list of all schema migrations.
// Append new migrations to the end with incrementing Version numbers.
var migrations = []Migration{
	{
		Version:     1,
		Description: "documents and tool catalog",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS documents (
    id TEXT PRIMARY KEY,
    source TEXT NOT NULL DEFAULT '',
    title TEXT NOT NULL DEFAULT '',
    url TEXT NOT NULL DEFAULT '',
    author TEXT NOT NULL DEFAULT '',
    content TEXT,
    content_fetched INTEGER DEFAULT 0,
    published_at TEXT,
    detected_tool_ids TEXT NOT NULL DEFAULT '[]',
    analysis_version INTEGER NOT NULL DEFAULT 0,
    last_analyzed_at TEXT,
    collected_at TEXT DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
);

CREATE TABLE IF NOT EXISTS tools (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    description TEXT,
    keywords TEXT,
    is_active INTEGER DEFAULT 1,
    created_at TEXT DEFAULT (datetime('now')),
    updated_at TEXT DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS tool_aliases (
    alias_tool_id TEXT PRIMARY KEY REFERENCES tools(id),
    primary_tool_id TEXT NOT NULL REFERENCES tools(id),
    created_at TEXT DEFAULT (datetime('now')),
    CHECK (alias_tool_id <> primary_tool_id)
);

CREATE INDEX IF NOT EXISTS idx_documents_published ON documents(published_at);
CREATE INDEX IF NOT EXISTS idx_tool_aliases_primary ON tool_aliases(primary_tool_id);
`)
			return err
		},
	},
	{
		Version:     2,
		Description: "reanalysis jobs",
		Up: func(tx *sql.Tx) error {
			// active_guard is 1 for queued/running jobs and NULL otherwise; the
			// UNIQUE constraint allows at most one active job at a time.
			_, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS reanalysis_jobs (
    id TEXT PRIMARY KEY,
    status TEXT NOT NULL CHECK(status IN ('queued', 'running', 'completed', 'failed', 'cancelled')),
    trigger_type TEXT NOT NULL CHECK(trigger_type IN ('manual', 'automatic')),
    triggered_by TEXT NOT NULL,
    parameters TEXT NOT NULL,
    progress TEXT NOT NULL,
    statistics TEXT NOT NULL,
    error_log TEXT NOT NULL DEFAULT '[]',
    error TEXT,
    start_time TEXT,
    end_time TEXT,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    active_guard INTEGER UNIQUE CHECK(active_guard IS NULL OR active_guard = 1)
);

CREATE INDEX IF NOT EXISTS idx_reanalysis_jobs_status ON reanalysis_jobs(status);
CREATE INDEX IF NOT EXISTS idx_reanalysis_jobs_created ON reanalysis_jobs(created_at);
`)
			return err
		},
	},
	{
		Version:     3,
		Description: "reanalysis job leases",
		Up: func(tx *sql.Tx) error {
			for _, col := range []string{"owner TEXT", "heartbeat_at TEXT"} {
				if err := addColumn(tx, "reanalysis_jobs", col); err != nil {
					return err
				}
			}
			return nil
		},
	},
}

// addColumn runs ALTER TABLE ADD COLUMN unless the column already exists.
// SQLite has no IF NOT EXISTS for columns.
func addColumn(tx *sql.Tx, table, def string) error {
	name, _, _ := strings.Cut(def, " ")
	var n int
	err := tx.QueryRow(`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`, table, name).Scan(&n)
	if err != nil {
		return fmt.Errorf("inspecting %s: %w", table, err)
	}
	if n > 0 {
		return nil
	}
	_, err = tx.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", table, def))
	return err
}

// latestVersion returns the highest migration version number.
func latestVersion() int {
	if len(migrations) == 0 {
		return 0
	}
	return migrations[len(migrations)-1].Version
}
