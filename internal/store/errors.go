package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"
)

var (
	// ErrNotFound is returned when a document does not exist or is deleted.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a revision precondition fails.
	ErrConflict = errors.New("revision conflict")

	// ErrPermission is returned for writes against a read-only store.
	ErrPermission = errors.New("permission denied")

	// ErrUnavailable wraps transient database failures (busy, locked, I/O).
	ErrUnavailable = errors.New("store unavailable")

	// ErrClosed ends live queries when the store is closed.
	ErrClosed = errors.New("store closed")
)

// castErr replaces driver errors with the package sentinels.
// Errors that are already classified pass through unchanged.
func castErr(op string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrConflict),
		errors.Is(err, ErrPermission), errors.Is(err, ErrUnavailable),
		errors.Is(err, ErrClosed):
		return fmt.Errorf("%s: %w", op, err)
	case errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	case errors.Is(err, sql.ErrConnDone):
		return fmt.Errorf("%s: %w", op, ErrClosed)
	}

	var se sqlite3.Error
	if errors.As(err, &se) {
		switch se.Code {
		case sqlite3.ErrReadonly, sqlite3.ErrPerm, sqlite3.ErrAuth:
			return fmt.Errorf("%s: %w: %v", op, ErrPermission, err)
		case sqlite3.ErrBusy, sqlite3.ErrLocked, sqlite3.ErrIoErr, sqlite3.ErrFull:
			return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
