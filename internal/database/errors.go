package database

import (
	"errors"
	"fmt"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var (
	// ErrRateLimited is returned when SQLite reports the database busy or
	// locked. The operation can be retried.
	ErrRateLimited = errors.New("storage rate limited")

	// ErrActiveJobExists is returned when a write would leave more than one
	// reanalysis job queued or running.
	ErrActiveJobExists = errors.New("an active reanalysis job already exists")

	ErrToolNotFound = errors.New("tool not found")
	ErrInvalidAlias = errors.New("invalid alias")
)

// IsRateLimited reports whether err is a transient storage contention error.
func IsRateLimited(err error) bool {
	return errors.Is(err, ErrRateLimited)
}

// classify maps driver errors onto the package sentinels.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return err
	}
	switch se.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return fmt.Errorf("%w: %v", ErrRateLimited, err)
	case sqlite3.SQLITE_CONSTRAINT:
		if strings.Contains(se.Error(), "active_guard") {
			return fmt.Errorf("%w: %v", ErrActiveJobExists, err)
		}
	}
	return err
}
