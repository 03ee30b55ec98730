package job

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("job not found")
	ErrExists        = errors.New("job already exists")
	ErrLeaseConflict = errors.New("job lease held by another owner")
	ErrConcurrency   = errors.New("job version conflict")
	ErrTerminal      = errors.New("job is in a terminal state")
	ErrStorage       = errors.New("job storage failure")
)

// ValidationError reports a malformed job or schedule definition.
// Jobs that fail validation are never stored.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid job: " + e.Reason
	}
	return fmt.Sprintf("invalid job: %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is (or wraps) a *ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// StorageError wraps a backend failure. errors.Is(err, ErrStorage) holds for
// every StorageError, and the original cause stays reachable via Unwrap.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("storage %s: %v", e.Op, e.Err) }
func (e *StorageError) Unwrap() error { return e.Err }
func (e *StorageError) Is(target error) bool {
	return target == ErrStorage
}

// Storage wraps err as a *StorageError. Domain sentinels (not found, lease
// conflict, version conflict, terminal state, already exists) pass through
// untouched so callers can still branch on them.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ErrExists),
		errors.Is(err, ErrLeaseConflict),
		errors.Is(err, ErrConcurrency),
		errors.Is(err, ErrTerminal),
		errors.Is(err, ErrStorage):
		return err
	}
	return &StorageError{Op: op, Err: err}
}
