package tally

import (
	"errors"
	"fmt"
)

// Sentinel errors for common failure scenarios.
var (
	// General errors
	ErrNotFound     = errors.New("tally: not found")
	ErrInvalidInput = errors.New("tally: invalid input")

	// Session errors
	ErrUnauthorized         = errors.New("tally: unauthorized")
	ErrInvalidCredential    = errors.New("tally: invalid credential")
	ErrSessionSecretMissing = errors.New("tally: session signing secret not configured")

	// Validation errors (raised by the external validator, upstream of the gate)
	ErrValidationFailed = errors.New("tally: validation failed")

	// Quota errors
	ErrQuotaExceeded    = errors.New("tally: quota exceeded")
	ErrFeatureNotInPlan = errors.New("tally: feature not in plan")
	ErrWorkFailed       = errors.New("tally: gated work failed")

	// Store errors
	ErrPermissionDenied = errors.New("tally: permission denied")
	ErrTransientWrite   = errors.New("tally: write failed")
	ErrStoreUnavailable = errors.New("tally: store unavailable")
	ErrQueueClosed      = errors.New("tally: mutation queue closed")

	// Provider errors
	ErrUpstream             = errors.New("tally: upstream provider failure")
	ErrWebhookSecretMissing = errors.New("tally: webhook secret not configured")
	ErrWebhookSignature     = errors.New("tally: webhook signature invalid")
)

// ValidationError represents a validation failure with details.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("tally: validation failed for %s: %s", e.Field, e.Message)
}

// Unwrap lets errors.Is match ErrValidationFailed.
func (e ValidationError) Unwrap() error { return ErrValidationFailed }

// MultiError represents multiple errors that occurred.
type MultiError struct {
	Errors []error
}

func (e MultiError) Error() string {
	if len(e.Errors) == 0 {
		return "tally: no errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	return fmt.Sprintf("tally: %d errors occurred", len(e.Errors))
}

// Add adds an error to the multi-error.
func (e *MultiError) Add(err error) {
	if err != nil {
		e.Errors = append(e.Errors, err)
	}
}

// HasErrors returns true if there are any errors.
func (e MultiError) HasErrors() bool {
	return len(e.Errors) > 0
}

// First returns the first error or nil.
func (e MultiError) First() error {
	if len(e.Errors) > 0 {
		return e.Errors[0]
	}
	return nil
}

// Unwrap exposes the collected errors to errors.Is and errors.As.
func (e MultiError) Unwrap() []error {
	return e.Errors
}

// IsAuthError returns true if the error means the caller is not authenticated.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrUnauthorized) ||
		errors.Is(err, ErrInvalidCredential)
}

// IsQuotaError returns true if the error is related to quota/limits.
func IsQuotaError(err error) bool {
	return errors.Is(err, ErrQuotaExceeded) ||
		errors.Is(err, ErrFeatureNotInPlan)
}

// IsRetryable returns true if the error is temporary and the operation can be retried.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransientWrite) ||
		errors.Is(err, ErrStoreUnavailable) ||
		errors.Is(err, ErrUpstream)
}
