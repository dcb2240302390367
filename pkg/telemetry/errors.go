package telemetry

import (
	"errors"
	"fmt"
)

// NotImplementedMarker is returned as the value of a requested custom metric
// that has no implementation. Callers detect partial results by comparing
// against this literal instead of receiving an error for the whole report.
const NotImplementedMarker = "not_implemented"

// ValidationError indicates malformed input that was rejected before any
// state change was applied.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// NewValidationError creates a ValidationError for a field
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// IsValidationError reports whether err is a ValidationError
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// StorageError wraps a failure from the persistent store. The engine does not
// retry or buffer; storage failures propagate to the caller.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s failed: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsStorageError reports whether err is a StorageError
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}
