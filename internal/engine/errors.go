package engine

import (
	"errors"
	"fmt"

	"github.com/roach88/tally/internal/store"
)

// Error is a failure surfaced by the tally engine.
//
// Every error handed to Listener.VoteFailed is an *Error. The Code decides
// how the engine reacted:
//   - TRANSIENT_IO: the store was unreachable; optimistic state rolled back
//   - CONFLICT: the record changed underneath; rolled back and re-read
//   - PERMISSION: the voter may not vote; nothing was applied
//   - NOT_FOUND: the item is gone; pending state discarded
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Op is the operation that failed ("cast", "write", "subscribe", ...).
	Op string

	ItemID  string
	VoterID string

	// Err is the underlying cause, if any.
	Err error
}

// ErrorCode categorizes engine errors.
type ErrorCode string

const (
	// ErrCodeTransient indicates a network or I/O failure.
	ErrCodeTransient ErrorCode = "TRANSIENT_IO"

	// ErrCodeConflict indicates a write was rejected because state changed.
	ErrCodeConflict ErrorCode = "CONFLICT"

	// ErrCodePermission indicates the voter is not allowed to act.
	ErrCodePermission ErrorCode = "PERMISSION"

	// ErrCodeNotFound indicates the item was deleted or is not watched.
	ErrCodeNotFound ErrorCode = "NOT_FOUND"
)

// ErrStopped is returned by calls made after the engine stopped.
var ErrStopped = errors.New("engine stopped")

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Op)
	if e.ItemID != "" {
		msg += " item=" + e.ItemID
	}
	if e.VoterID != "" {
		msg += " voter=" + e.VoterID
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

func hasCode(err error, code ErrorCode) bool {
	var ee *Error
	if errors.As(err, &ee) {
		return ee.Code == code
	}
	return false
}

// IsTransient returns true for TRANSIENT_IO errors.
// Uses errors.As to handle wrapped errors.
func IsTransient(err error) bool {
	return hasCode(err, ErrCodeTransient)
}

// IsConflict returns true for CONFLICT errors.
func IsConflict(err error) bool {
	return hasCode(err, ErrCodeConflict)
}

// IsPermission returns true for PERMISSION errors.
func IsPermission(err error) bool {
	return hasCode(err, ErrCodePermission)
}

// IsNotFound returns true for NOT_FOUND errors.
func IsNotFound(err error) bool {
	return hasCode(err, ErrCodeNotFound)
}

// classify maps a store error onto the engine taxonomy.
// Anything the store did not classify is treated as transient.
func classify(op, itemID, voterID string, err error) *Error {
	var ee *Error
	if errors.As(err, &ee) {
		return ee
	}
	code := ErrCodeTransient
	switch {
	case errors.Is(err, store.ErrConflict):
		code = ErrCodeConflict
	case errors.Is(err, store.ErrPermission):
		code = ErrCodePermission
	case errors.Is(err, store.ErrNotFound):
		code = ErrCodeNotFound
	}
	return &Error{Code: code, Op: op, ItemID: itemID, VoterID: voterID, Err: err}
}

// NewPermissionError creates an Error for a voter that may not act.
func NewPermissionError(itemID, voterID string, cause error) *Error {
	return &Error{Code: ErrCodePermission, Op: "cast", ItemID: itemID, VoterID: voterID, Err: cause}
}

// NewNotFoundError creates an Error for an unwatched or deleted item.
func NewNotFoundError(op, itemID string) *Error {
	return &Error{Code: ErrCodeNotFound, Op: op, ItemID: itemID}
}
