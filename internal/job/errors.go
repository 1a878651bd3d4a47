package job

import (
	"errors"
	"fmt"
)

var (
	ErrValidation     = errors.New("job validation failed")
	ErrDuplicateID    = errors.New("job id already queued")
	ErrNotFound       = errors.New("job not found")
	ErrHandlerMissing = errors.New("no handler registered")
	ErrRetryExhausted = errors.New("job retries exhausted")
)

// ValidationError describes why a job could not be constructed.
// It matches ErrValidation via errors.Is.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid job %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}
