package domain

import (
	"errors"
	"fmt"
	"time"
)

// Common domain errors
var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidInput      = errors.New("invalid input")
	ErrNoNetwork         = errors.New("no network connection")
	ErrInsufficientSpace = errors.New("insufficient space")

	// Download record errors
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrRecordNotFound         = fmt.Errorf("download record %w", ErrNotFound)

	// Sync queue errors
	ErrLocalPathRequired = errors.New("upload requires a local path")
	ErrItemNotFound      = fmt.Errorf("sync item %w", ErrNotFound)
	ErrConflictNotFound  = fmt.Errorf("open conflict %w", ErrNotFound)
)

// RetryableError represents a transient error the remote side asked us to retry later.
type RetryableError struct {
	Err        error
	RetryAfter time.Duration
}

// Error returns the error message
func (e *RetryableError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return "retryable error"
}

// Unwrap returns the underlying error
func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a new retryable error
func NewRetryableError(err error, retryAfter time.Duration) *RetryableError {
	return &RetryableError{Err: err, RetryAfter: retryAfter}
}

// GetRetryAfter returns the retry duration if the error is retryable
func GetRetryAfter(err error) (time.Duration, bool) {
	var re *RetryableError
	if errors.As(err, &re) {
		return re.RetryAfter, true
	}
	return 0, false
}

// RemoteErrorKind classifies failures reported by the remote content service.
type RemoteErrorKind string

const (
	RemoteTransient        RemoteErrorKind = "transient"
	RemoteNotFound         RemoteErrorKind = "not_found"
	RemoteContentMismatch  RemoteErrorKind = "content_mismatch"
	RemoteVersionMismatch  RemoteErrorKind = "version_mismatch"
	RemoteDeletionConflict RemoteErrorKind = "deletion_conflict"
	RemotePermissionDenied RemoteErrorKind = "permission_denied"
)

// RemoteError is returned by every remote-facing adapter. The Kind is decided
// at the wire boundary so callers never inspect message text.
type RemoteError struct {
	Op         string
	Kind       RemoteErrorKind
	StatusCode int
	Message    string
	Err        error
}

// Error returns the error message
func (e *RemoteError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, msg)
	}
	return msg
}

// Unwrap returns the underlying error
func (e *RemoteError) Unwrap() error {
	return e.Err
}

// NewRemoteError creates a remote error of the given kind. Not-found errors
// wrap ErrNotFound so errors.Is keeps working across the boundary.
func NewRemoteError(op string, kind RemoteErrorKind, message string) *RemoteError {
	e := &RemoteError{Op: op, Kind: kind, Message: message}
	if kind == RemoteNotFound {
		e.Err = ErrNotFound
	}
	return e
}

// ConflictTypeOf reports whether err represents a local/remote clash and, if so, which one.
func ConflictTypeOf(err error) (ConflictType, bool) {
	var re *RemoteError
	if !errors.As(err, &re) {
		return "", false
	}
	switch re.Kind {
	case RemoteContentMismatch:
		return ConflictContentMismatch, true
	case RemoteVersionMismatch:
		return ConflictVersionMismatch, true
	case RemoteDeletionConflict:
		return ConflictDeletion, true
	case RemotePermissionDenied:
		return ConflictPermissionDenied, true
	default:
		return "", false
	}
}
