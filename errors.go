package herald

import (
	"errors"
	"fmt"
)

var (
	// Store errors.
	ErrNoStore     = errors.New("herald: no store configured")
	ErrStoreClosed = errors.New("herald: store closed")

	// Not found errors.
	ErrJobNotFound     = errors.New("herald: job not found")
	ErrQueueNotFound   = errors.New("herald: queue not found")
	ErrArchiveNotFound = errors.New("herald: archive entry not found")
	ErrTenantNotFound  = errors.New("herald: tenant not found")

	// Conflict errors.
	ErrJobAlreadyExists = errors.New("herald: job already exists")
	ErrJobClaimed       = errors.New("herald: job claimed by another worker")

	// Admission errors. Callers usually want the typed variants below;
	// both wrap these sentinels so errors.Is works either way.
	ErrValidation    = errors.New("herald: invalid job spec")
	ErrQuotaExceeded = errors.New("herald: tenant quota exceeded")

	// State errors.
	ErrInvalidState = errors.New("herald: invalid state transition")
)

// ValidationError reports a malformed job spec rejected at enqueue time.
// No job is persisted when a ValidationError is returned.
type ValidationError struct {
	Fields map[string]string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("herald: invalid job spec: %v", e.Fields)
}

// Unwrap lets errors.Is(err, ErrValidation) match.
func (e *ValidationError) Unwrap() error { return ErrValidation }

// NewValidationError builds a ValidationError from field/message pairs.
func NewValidationError(fields map[string]string) *ValidationError {
	return &ValidationError{Fields: fields}
}

// QuotaExceededError reports that an enqueue would exceed the tenant's
// plan budget. Requested is the number of recipients in the rejected
// request; Used and Limit describe the tenant's budget at decision time.
type QuotaExceededError struct {
	TenantID  string
	Plan      string
	Limit     int64
	Used      int64
	Requested int64
}

// Error implements the error interface.
func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("herald: tenant %s over %s plan limit: %d used + %d requested > %d",
		e.TenantID, e.Plan, e.Used, e.Requested, e.Limit)
}

// Unwrap lets errors.Is(err, ErrQuotaExceeded) match.
func (e *QuotaExceededError) Unwrap() error { return ErrQuotaExceeded }

// InvalidStateError reports an illegal lifecycle transition, such as
// cancelling a job that is currently active.
type InvalidStateError struct {
	Op    string
	State string
}

// Error implements the error interface.
func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("herald: cannot %s job in state %q", e.Op, e.State)
}

// Unwrap lets errors.Is(err, ErrInvalidState) match.
func (e *InvalidStateError) Unwrap() error { return ErrInvalidState }
