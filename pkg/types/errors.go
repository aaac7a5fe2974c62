package types

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates that the requested resource was not found.
	// During consolidation a missing entity is logged and skipped, never
	// escalated.
	ErrNotFound = errors.New("resource not found")

	// ErrInvalidInput indicates that the input parameters are invalid.
	// Validation errors are never retried.
	ErrInvalidInput = errors.New("invalid input")
)

// AccessDeniedError is returned by the cost guard when a tenant's balance
// (after the estimated cost) would fall below its tier floor. It carries the
// exact shortfall in minor currency units so the caller can decide whether to
// top up. Access denials are never retried.
type AccessDeniedError struct {
	UserID    string
	Reason    string
	Shortfall int64 // Minor currency units the tenant is short by
}

func (e *AccessDeniedError) Error() string {
	return fmt.Sprintf("access denied for %s: %s (shortfall %d)", e.UserID, e.Reason, e.Shortfall)
}

// ProviderError wraps a transient failure from an embedding or extraction
// provider or a store round-trip. Jobs retry provider errors up to a bounded
// number of attempts with exponential backoff.
type ProviderError struct {
	Provider string // "embedding", "extraction", "store"
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s provider: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// NewProviderError wraps err as a transient provider failure.
func NewProviderError(provider string, err error) *ProviderError {
	return &ProviderError{Provider: provider, Err: err}
}

// IsProviderError reports whether err is (or wraps) a ProviderError.
func IsProviderError(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe)
}

// DeductionError records a failed balance deduction after a committed write.
// The write is never rolled back; the error is logged and surfaced on the job
// result so an external sweep can reconcile the undercharge.
type DeductionError struct {
	UserID string
	Cost   int64
	Err    error
}

func (e *DeductionError) Error() string {
	return fmt.Sprintf("deduction of %d failed for %s: %v", e.Cost, e.UserID, e.Err)
}

func (e *DeductionError) Unwrap() error {
	return e.Err
}
