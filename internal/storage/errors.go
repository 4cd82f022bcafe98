package storage

import "errors"

var (
	// ErrLogEntryNotFound is returned when no log entry exists for a request id
	ErrLogEntryNotFound = errors.New("log entry not found")

	// ErrUnsupportedDriver is returned for database drivers other than postgres and sqlite3
	ErrUnsupportedDriver = errors.New("unsupported database driver")
)
