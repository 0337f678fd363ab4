package database

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
)

// ErrSchemaTooNew is returned when the database was written by a newer build.
var ErrSchemaTooNew = errors.New("database schema is newer than this build")

// getSchemaVersion reads PRAGMA user_version from the database.
func getSchemaVersion(conn *sql.DB) (int, error) {
	var version int
	if err := conn.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("reading schema version: %w", err)
	}
	return version, nil
}

// migrate applies every migration above the stored PRAGMA user_version, in
// order. Each step commits before its version is stamped.
func migrate(conn *sql.DB) error {
	current, err := getSchemaVersion(conn)
	if err != nil {
		return err
	}
	latest := latestVersion()
	switch {
	case current > latest:
		return fmt.Errorf("%w: found version %d, this build supports up to %d", ErrSchemaTooNew, current, latest)
	case current == latest:
		return nil
	}

	pending := 0
	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		slog.Info("applying migration", "version", m.Version, "description", m.Description)
		if err := m.apply(conn); err != nil {
			return err
		}
		pending++
	}
	slog.Debug("schema up to date", "from", current, "to", latest, "applied", pending)
	return nil
}

func (m Migration) apply(conn *sql.DB) error {
	tx, err := conn.Begin()
	if err != nil {
		return fmt.Errorf("begin migration %d: %w", m.Version, err)
	}
	if err := m.Up(tx); err != nil {
		tx.Rollback()
		return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %d: %w", m.Version, err)
	}

	// modernc/sqlite does not apply user_version inside a transaction. The
	// DDL is idempotent, so a crash before this point re-runs the step.
	if _, err := conn.Exec(fmt.Sprintf("PRAGMA user_version = %d", m.Version)); err != nil {
		return fmt.Errorf("setting version %d: %w", m.Version, err)
	}
	return nil
}
