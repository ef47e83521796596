package delivery

import (
	"context"
	"errors"
	"fmt"

	"github.com/heraldmail/herald/job"
)

// Result carries provider metadata returned from a successful send.
type Result struct {
	// ProviderMessageID is the provider-assigned message identifier,
	// recorded on the job for delivery tracking.
	ProviderMessageID string
}

// Sender delivers a single email job to the provider. Implementations
// must honour ctx cancellation; the executor wraps every call in the
// job's delivery timeout.
type Sender interface {
	Send(ctx context.Context, j *job.Job) (*Result, error)
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(ctx context.Context, j *job.Job) (*Result, error)

// Send calls f.
func (f SenderFunc) Send(ctx context.Context, j *job.Job) (*Result, error) {
	return f(ctx, j)
}

// Error is a classified delivery failure.
type Error struct {
	// Class determines retry behaviour: transient errors are retried
	// with backoff, permanent errors fail the job immediately.
	Class job.ErrorClass

	// Code is the provider's machine-readable error code, if any.
	Code string

	// Message describes the failure.
	Message string

	// Cause is the underlying error, if any.
	Cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("delivery: %s (%s): %s", e.Class, e.Code, e.Message)
	}
	return fmt.Sprintf("delivery: %s: %s", e.Class, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Cause }

// Transient builds a retryable delivery error.
func Transient(code, message string, cause error) *Error {
	return &Error{Class: job.ErrorClassTransient, Code: code, Message: message, Cause: cause}
}

// Permanent builds a non-retryable delivery error.
func Permanent(code, message string, cause error) *Error {
	return &Error{Class: job.ErrorClassPermanent, Code: code, Message: message, Cause: cause}
}

// Classify returns the error class of a send error. Classified
// delivery errors report their own class; everything else — network
// failures, timeouts, context cancellation — is treated as transient
// so unknown failures are retried rather than dropped.
func Classify(err error) job.ErrorClass {
	var de *Error
	if errors.As(err, &de) {
		return de.Class
	}
	return job.ErrorClassTransient
}
