// Package hook defines the lifecycle hook system for Herald.
// Hooks are notified of dispatch lifecycle events (job enqueued, sent,
// failed, archived, etc.) and can react to them — audit trails,
// webhooks, metrics, tenant notifications.
//
// Each lifecycle event is a separate interface so hooks opt in only to
// the events they care about.
package hook

import (
	"context"
	"time"

	"github.com/heraldmail/herald/job"
)

// Hook is the base interface all lifecycle hooks must implement.
type Hook interface {
	// Name returns a unique human-readable name for the hook.
	Name() string
}

// ──────────────────────────────────────────────────
// Job lifecycle hooks
// ──────────────────────────────────────────────────

// JobEnqueued is called after a job is successfully enqueued.
type JobEnqueued interface {
	OnJobEnqueued(ctx context.Context, j *job.Job) error
}

// JobStarted is called when a worker claims a job and begins delivery.
type JobStarted interface {
	OnJobStarted(ctx context.Context, j *job.Job) error
}

// JobSent is called after the provider accepts the email.
type JobSent interface {
	OnJobSent(ctx context.Context, j *job.Job, elapsed time.Duration) error
}

// JobFailed is called when a job fails terminally (no more retries, or
// a permanent delivery error).
type JobFailed interface {
	OnJobFailed(ctx context.Context, j *job.Job, err error) error
}

// JobRetrying is called when a delivery attempt fails transiently and
// the job is scheduled for retry.
type JobRetrying interface {
	OnJobRetrying(ctx context.Context, j *job.Job, attempt int, nextAttemptAt time.Time) error
}

// JobCancelled is called after a job is cancelled.
type JobCancelled interface {
	OnJobCancelled(ctx context.Context, j *job.Job) error
}

// JobArchived is called when a terminally failed job is copied to the
// failure archive.
type JobArchived interface {
	OnJobArchived(ctx context.Context, j *job.Job, err error) error
}

// ──────────────────────────────────────────────────
// Queue lifecycle hooks
// ──────────────────────────────────────────────────

// QueuePaused is called after a queue is paused.
type QueuePaused interface {
	OnQueuePaused(ctx context.Context, queue string) error
}

// QueueResumed is called after a queue is resumed.
type QueueResumed interface {
	OnQueueResumed(ctx context.Context, queue string) error
}

// ──────────────────────────────────────────────────
// Other lifecycle hooks
// ──────────────────────────────────────────────────

// QuotaDenied is called when an enqueue is rejected by the tenant's
// plan quota.
type QuotaDenied interface {
	OnQuotaDenied(ctx context.Context, tenantID string, requested int64) error
}

// Shutdown is called during graceful shutdown.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
