package job

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a job id is unknown.
	ErrNotFound = errors.New("job not found")

	// ErrInvalidInput wraps every ValidationError.
	ErrInvalidInput = errors.New("invalid input")

	// ErrInsufficientDiskSpace is returned when admission finds too little free space.
	ErrInsufficientDiskSpace = errors.New("insufficient disk space")

	// ErrNotRetryable is returned when retrying an active or completed job.
	ErrNotRetryable = errors.New("job is not retryable")

	// ErrPersistence is returned when the job store keeps failing after retries.
	ErrPersistence = errors.New("job store unavailable")

	// ErrManagerStopped is returned when submitting after shutdown.
	ErrManagerStopped = errors.New("job manager stopped")
)

// ValidationError describes a rejected submit field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidInput
}

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
