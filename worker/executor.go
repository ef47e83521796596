// Package worker provides the send execution engine — an Executor that
// drives claimed jobs through middleware and the delivery backend, and
// a Pool that manages concurrent worker goroutines polling for jobs.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/heraldmail/herald/archive"
	"github.com/heraldmail/herald/backoff"
	"github.com/heraldmail/herald/delivery"
	"github.com/heraldmail/herald/hook"
	"github.com/heraldmail/herald/job"
	"github.com/heraldmail/herald/middleware"
)

// Executor runs a single claimed job through middleware and the
// delivery backend, then handles retry scheduling, archival, state
// updates, and lifecycle events.
type Executor struct {
	sender   delivery.Sender
	hooks    *hook.Registry
	store    job.Store
	archiver *archive.Service
	backoff  backoff.Strategy
	mw       middleware.Middleware
	logger   *slog.Logger
}

// NewExecutor creates an Executor with the given dependencies.
func NewExecutor(
	sender delivery.Sender,
	hooks *hook.Registry,
	store job.Store,
	archiver *archive.Service,
	bo backoff.Strategy,
	logger *slog.Logger,
	mws ...middleware.Middleware,
) *Executor {
	return &Executor{
		sender:   sender,
		hooks:    hooks,
		store:    store,
		archiver: archiver,
		backoff:  bo,
		mw:       middleware.Chain(mws...),
		logger:   logger,
	}
}

// Execute delivers a claimed job through the middleware chain.
// On success: marks sent, records the provider message ID, emits JobSent.
// On transient failure with attempts remaining: schedules a retry with
// backoff, emits JobRetrying.
// On permanent failure or an exhausted attempt budget: marks failed,
// archives, emits JobFailed + JobArchived.
func (e *Executor) Execute(ctx context.Context, j *job.Job) error {
	start := time.Now()

	var result *delivery.Result
	terminal := func(ctx context.Context) error {
		var sendErr error
		result, sendErr = e.sender.Send(ctx, j)
		return sendErr
	}

	err := e.mw(ctx, j, terminal)
	elapsed := time.Since(start)

	now := time.Now().UTC()
	j.UpdatedAt = now

	if err != nil {
		return e.handleFailure(ctx, j, err, now)
	}

	return e.handleSuccess(ctx, j, result, now, elapsed)
}

// handleSuccess marks the job as sent and emits the lifecycle event.
func (e *Executor) handleSuccess(ctx context.Context, j *job.Job, result *delivery.Result, now time.Time, elapsed time.Duration) error {
	j.State = job.StateSent
	j.SentAt = &now
	j.LastError = ""
	j.ErrorClass = job.ErrorClassNone
	if result != nil {
		j.ProviderMessageID = result.ProviderMessageID
	}

	if updateErr := e.store.UpdateJob(ctx, j); updateErr != nil {
		e.logger.Error("failed to update job after send",
			slog.String("job_id", j.ID.String()),
			slog.String("tenant_id", j.TenantID),
			slog.String("error", updateErr.Error()),
		)
		return updateErr
	}

	e.hooks.EmitJobSent(ctx, j, elapsed)
	return nil
}

// handleFailure classifies the delivery error and either schedules a
// retry or fails the job terminally. The attempt was counted at claim
// time; permanent errors and an exhausted budget both end the job.
func (e *Executor) handleFailure(ctx context.Context, j *job.Job, deliverErr error, now time.Time) error {
	class := delivery.Classify(deliverErr)
	j.LastError = deliverErr.Error()
	j.ErrorClass = class

	if class == job.ErrorClassPermanent || j.Attempts >= j.MaxAttempts {
		return e.failJob(ctx, j, deliverErr)
	}

	return e.scheduleRetry(ctx, j, now)
}

// scheduleRetry sets the job to retry_scheduled with a backoff delay
// derived from the attempt count.
func (e *Executor) scheduleRetry(ctx context.Context, j *job.Job, now time.Time) error {
	delay := e.backoff.Delay(j.Attempts)
	nextAttemptAt := now.Add(delay)
	j.State = job.StateRetryScheduled
	j.NextAttemptAt = nextAttemptAt

	if updateErr := e.store.UpdateJob(ctx, j); updateErr != nil {
		e.logger.Error("failed to update job for retry",
			slog.String("job_id", j.ID.String()),
			slog.String("error", updateErr.Error()),
		)
		return updateErr
	}

	e.hooks.EmitJobRetrying(ctx, j, j.Attempts, nextAttemptAt)

	e.logger.Info("send scheduled for retry",
		slog.String("job_id", j.ID.String()),
		slog.String("tenant_id", j.TenantID),
		slog.Int("attempt", j.Attempts),
		slog.Int("max_attempts", j.MaxAttempts),
		slog.Duration("delay", delay),
	)

	return fmt.Errorf("send %s attempt %d/%d: %s", j.ID, j.Attempts, j.MaxAttempts, j.LastError)
}

// failJob marks the job as failed, archives it, and emits events.
func (e *Executor) failJob(ctx context.Context, j *job.Job, deliverErr error) error {
	j.State = job.StateFailed

	if updateErr := e.store.UpdateJob(ctx, j); updateErr != nil {
		e.logger.Error("failed to update job as failed",
			slog.String("job_id", j.ID.String()),
			slog.String("error", updateErr.Error()),
		)
		return updateErr
	}

	if e.archiver != nil {
		if archErr := e.archiver.Push(ctx, j, deliverErr); archErr != nil {
			e.logger.Error("failed to archive job",
				slog.String("job_id", j.ID.String()),
				slog.String("error", archErr.Error()),
			)
		}
	}

	e.hooks.EmitJobFailed(ctx, j, deliverErr)
	e.hooks.EmitJobArchived(ctx, j, deliverErr)

	e.logger.Warn("send failed terminally",
		slog.String("job_id", j.ID.String()),
		slog.String("tenant_id", j.TenantID),
		slog.Int("attempts", j.Attempts),
		slog.String("error_class", string(j.ErrorClass)),
		slog.String("error", deliverErr.Error()),
	)

	return deliverErr
}
