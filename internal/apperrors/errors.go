// Package apperrors provides sentinel and custom error types for the calibration engine.
package apperrors

import "fmt"

// ErrNotFound represents a "not found" error.
// Use when a requested profile or record doesn't exist.
var ErrNotFound = &NotFoundError{}

// NotFoundError is a sentinel error for resources that are not found.
type NotFoundError struct {
	Resource string
	Message  string
}

// NewNotFoundError creates a new NotFoundError with a custom message.
func NewNotFoundError(resource, message string) *NotFoundError {
	return &NotFoundError{
		Resource: resource,
		Message:  message,
	}
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	if e.Message != "" {
		return e.Message
	}

	if e.Resource != "" {
		return e.Resource + " not found"
	}

	return "resource not found"
}

// Is implements the error interface for error comparison.
func (e *NotFoundError) Is(target error) bool {
	_, ok := target.(*NotFoundError)

	return ok
}

// ErrValidation represents a validation error.
// Use when client input fails validation.
var ErrValidation = &ValidationError{}

// ValidationError is a sentinel error for validation failures.
type ValidationError struct {
	Field   string
	Message string
}

// NewValidationError creates a new ValidationError with a custom message.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Message != "" {
		return e.Message
	}

	if e.Field != "" {
		return "validation failed for field: " + e.Field
	}

	return "validation error"
}

// Is implements the error interface for error comparison.
func (e *ValidationError) Is(target error) bool {
	_, ok := target.(*ValidationError)

	return ok
}

// ErrConflict marks a state transition that lost a race, e.g. committing
// samples that were rolled back concurrently.
var ErrConflict = &ConflictError{}

// ConflictError is a sentinel error for conflicting state changes.
type ConflictError struct {
	Message string
}

// NewConflictError creates a ConflictError with a custom message.
func NewConflictError(message string) *ConflictError {
	return &ConflictError{Message: message}
}

// Error implements the error interface.
func (e *ConflictError) Error() string {
	if e.Message != "" {
		return e.Message
	}

	return "conflict"
}

// Is implements the error interface for error comparison.
func (e *ConflictError) Is(target error) bool {
	_, ok := target.(*ConflictError)

	return ok
}

// ErrDriftCapExceeded is returned when an adjustment would push a profile's
// cumulative drift past its cap. The profile is left unchanged; retrying the
// same delta will fail the same way.
var ErrDriftCapExceeded = &DriftCapExceededError{}

// DriftCapExceededError carries the drift numbers that caused the rejection.
type DriftCapExceededError struct {
	ProfileID  string
	Cumulative float64
	Delta      float64
	Cap        float64
}

// Error implements the error interface.
func (e *DriftCapExceededError) Error() string {
	if e.ProfileID == "" {
		return "drift cap exceeded"
	}

	return fmt.Sprintf("drift cap exceeded for profile %s: cumulative %.4f + delta %.4f > cap %.4f",
		e.ProfileID, e.Cumulative, e.Delta, e.Cap)
}

// Is implements the error interface for error comparison.
func (e *DriftCapExceededError) Is(target error) bool {
	_, ok := target.(*DriftCapExceededError)

	return ok
}

// ErrPersistenceUnavailable marks a failed write to an external store that the
// engine degrades around (queue state, notifications).
var ErrPersistenceUnavailable = &PersistenceUnavailableError{}

// PersistenceUnavailableError wraps the underlying store failure.
type PersistenceUnavailableError struct {
	Store string
	Err   error
}

// NewPersistenceUnavailableError wraps err for the named store.
func NewPersistenceUnavailableError(store string, err error) *PersistenceUnavailableError {
	return &PersistenceUnavailableError{Store: store, Err: err}
}

// Error implements the error interface.
func (e *PersistenceUnavailableError) Error() string {
	if e.Err == nil {
		return "persistence unavailable"
	}

	if e.Store == "" {
		return "persistence unavailable: " + e.Err.Error()
	}

	return e.Store + " unavailable: " + e.Err.Error()
}

// Unwrap returns the underlying store error.
func (e *PersistenceUnavailableError) Unwrap() error {
	return e.Err
}

// Is implements the error interface for error comparison.
func (e *PersistenceUnavailableError) Is(target error) bool {
	_, ok := target.(*PersistenceUnavailableError)

	return ok
}

// ErrDuplicatePendingSample is returned by sample stores when identical text is
// already pending for the same profile and category. Callers treat it as a no-op.
var ErrDuplicatePendingSample = &DuplicatePendingSampleError{}

// DuplicatePendingSampleError is a sentinel for duplicate pending sample text.
type DuplicatePendingSampleError struct {
	ProfileID string
	Category  string
}

// Error implements the error interface.
func (e *DuplicatePendingSampleError) Error() string {
	if e.ProfileID == "" {
		return "duplicate pending sample"
	}

	return "duplicate pending " + e.Category + " sample for profile " + e.ProfileID
}

// Is implements the error interface for error comparison.
func (e *DuplicatePendingSampleError) Is(target error) bool {
	_, ok := target.(*DuplicatePendingSampleError)

	return ok
}

// ErrEncoderFailure marks a failed call to the text encoder.
var ErrEncoderFailure = &EncoderFailureError{}

// EncoderFailureError wraps the encoder's error.
type EncoderFailureError struct {
	Err error
}

// NewEncoderFailureError wraps err.
func NewEncoderFailureError(err error) *EncoderFailureError {
	return &EncoderFailureError{Err: err}
}

// Error implements the error interface.
func (e *EncoderFailureError) Error() string {
	if e.Err == nil {
		return "encoder failure"
	}

	return "encoder failure: " + e.Err.Error()
}

// Unwrap returns the underlying encoder error.
func (e *EncoderFailureError) Unwrap() error {
	return e.Err
}

// Is implements the error interface for error comparison.
func (e *EncoderFailureError) Is(target error) bool {
	_, ok := target.(*EncoderFailureError)

	return ok
}
