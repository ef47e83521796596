package hook

import (
	"context"
	"log/slog"
	"time"

	"github.com/heraldmail/herald/job"
)

// Named entry types pair a hook implementation with the hook name
// captured at registration time. This avoids type-asserting back to
// Hook inside the emit methods.
type jobEnqueuedEntry struct {
	name string
	hook JobEnqueued
}

type jobStartedEntry struct {
	name string
	hook JobStarted
}

type jobSentEntry struct {
	name string
	hook JobSent
}

type jobFailedEntry struct {
	name string
	hook JobFailed
}

type jobRetryingEntry struct {
	name string
	hook JobRetrying
}

type jobCancelledEntry struct {
	name string
	hook JobCancelled
}

type jobArchivedEntry struct {
	name string
	hook JobArchived
}

type queuePausedEntry struct {
	name string
	hook QueuePaused
}

type queueResumedEntry struct {
	name string
	hook QueueResumed
}

type quotaDeniedEntry struct {
	name string
	hook QuotaDenied
}

type shutdownEntry struct {
	name string
	hook Shutdown
}

// Registry holds registered hooks and dispatches lifecycle events to
// them. It type-caches hooks at registration time so emit calls iterate
// only over hooks that implement the relevant event.
type Registry struct {
	hooks  []Hook
	logger *slog.Logger

	// Type-cached slices for each lifecycle event.
	jobEnqueued  []jobEnqueuedEntry
	jobStarted   []jobStartedEntry
	jobSent      []jobSentEntry
	jobFailed    []jobFailedEntry
	jobRetrying  []jobRetryingEntry
	jobCancelled []jobCancelledEntry
	jobArchived  []jobArchivedEntry
	queuePaused  []queuePausedEntry
	queueResumed []queueResumedEntry
	quotaDenied  []quotaDeniedEntry
	shutdown     []shutdownEntry
}

// NewRegistry creates a hook registry with the given logger.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{logger: logger}
}

// Register adds a hook and type-asserts it into all applicable event
// caches. Hooks are notified in registration order.
func (r *Registry) Register(h Hook) {
	r.hooks = append(r.hooks, h)
	name := h.Name()

	if e, ok := h.(JobEnqueued); ok {
		r.jobEnqueued = append(r.jobEnqueued, jobEnqueuedEntry{name, e})
	}
	if e, ok := h.(JobStarted); ok {
		r.jobStarted = append(r.jobStarted, jobStartedEntry{name, e})
	}
	if e, ok := h.(JobSent); ok {
		r.jobSent = append(r.jobSent, jobSentEntry{name, e})
	}
	if e, ok := h.(JobFailed); ok {
		r.jobFailed = append(r.jobFailed, jobFailedEntry{name, e})
	}
	if e, ok := h.(JobRetrying); ok {
		r.jobRetrying = append(r.jobRetrying, jobRetryingEntry{name, e})
	}
	if e, ok := h.(JobCancelled); ok {
		r.jobCancelled = append(r.jobCancelled, jobCancelledEntry{name, e})
	}
	if e, ok := h.(JobArchived); ok {
		r.jobArchived = append(r.jobArchived, jobArchivedEntry{name, e})
	}
	if e, ok := h.(QueuePaused); ok {
		r.queuePaused = append(r.queuePaused, queuePausedEntry{name, e})
	}
	if e, ok := h.(QueueResumed); ok {
		r.queueResumed = append(r.queueResumed, queueResumedEntry{name, e})
	}
	if e, ok := h.(QuotaDenied); ok {
		r.quotaDenied = append(r.quotaDenied, quotaDeniedEntry{name, e})
	}
	if e, ok := h.(Shutdown); ok {
		r.shutdown = append(r.shutdown, shutdownEntry{name, e})
	}
}

// Hooks returns all registered hooks.
func (r *Registry) Hooks() []Hook { return r.hooks }

// ──────────────────────────────────────────────────
// Job event emitters
// ──────────────────────────────────────────────────

// EmitJobEnqueued notifies all hooks that implement JobEnqueued.
func (r *Registry) EmitJobEnqueued(ctx context.Context, j *job.Job) {
	for _, e := range r.jobEnqueued {
		if err := e.hook.OnJobEnqueued(ctx, j); err != nil {
			r.logHookError("OnJobEnqueued", e.name, err)
		}
	}
}

// EmitJobStarted notifies all hooks that implement JobStarted.
func (r *Registry) EmitJobStarted(ctx context.Context, j *job.Job) {
	for _, e := range r.jobStarted {
		if err := e.hook.OnJobStarted(ctx, j); err != nil {
			r.logHookError("OnJobStarted", e.name, err)
		}
	}
}

// EmitJobSent notifies all hooks that implement JobSent.
func (r *Registry) EmitJobSent(ctx context.Context, j *job.Job, elapsed time.Duration) {
	for _, e := range r.jobSent {
		if err := e.hook.OnJobSent(ctx, j, elapsed); err != nil {
			r.logHookError("OnJobSent", e.name, err)
		}
	}
}

// EmitJobFailed notifies all hooks that implement JobFailed.
func (r *Registry) EmitJobFailed(ctx context.Context, j *job.Job, jobErr error) {
	for _, e := range r.jobFailed {
		if err := e.hook.OnJobFailed(ctx, j, jobErr); err != nil {
			r.logHookError("OnJobFailed", e.name, err)
		}
	}
}

// EmitJobRetrying notifies all hooks that implement JobRetrying.
func (r *Registry) EmitJobRetrying(ctx context.Context, j *job.Job, attempt int, nextAttemptAt time.Time) {
	for _, e := range r.jobRetrying {
		if err := e.hook.OnJobRetrying(ctx, j, attempt, nextAttemptAt); err != nil {
			r.logHookError("OnJobRetrying", e.name, err)
		}
	}
}

// EmitJobCancelled notifies all hooks that implement JobCancelled.
func (r *Registry) EmitJobCancelled(ctx context.Context, j *job.Job) {
	for _, e := range r.jobCancelled {
		if err := e.hook.OnJobCancelled(ctx, j); err != nil {
			r.logHookError("OnJobCancelled", e.name, err)
		}
	}
}

// EmitJobArchived notifies all hooks that implement JobArchived.
func (r *Registry) EmitJobArchived(ctx context.Context, j *job.Job, jobErr error) {
	for _, e := range r.jobArchived {
		if err := e.hook.OnJobArchived(ctx, j, jobErr); err != nil {
			r.logHookError("OnJobArchived", e.name, err)
		}
	}
}

// ──────────────────────────────────────────────────
// Queue event emitters
// ──────────────────────────────────────────────────

// EmitQueuePaused notifies all hooks that implement QueuePaused.
func (r *Registry) EmitQueuePaused(ctx context.Context, queue string) {
	for _, e := range r.queuePaused {
		if err := e.hook.OnQueuePaused(ctx, queue); err != nil {
			r.logHookError("OnQueuePaused", e.name, err)
		}
	}
}

// EmitQueueResumed notifies all hooks that implement QueueResumed.
func (r *Registry) EmitQueueResumed(ctx context.Context, queue string) {
	for _, e := range r.queueResumed {
		if err := e.hook.OnQueueResumed(ctx, queue); err != nil {
			r.logHookError("OnQueueResumed", e.name, err)
		}
	}
}

// ──────────────────────────────────────────────────
// Other event emitters
// ──────────────────────────────────────────────────

// EmitQuotaDenied notifies all hooks that implement QuotaDenied.
func (r *Registry) EmitQuotaDenied(ctx context.Context, tenantID string, requested int64) {
	for _, e := range r.quotaDenied {
		if err := e.hook.OnQuotaDenied(ctx, tenantID, requested); err != nil {
			r.logHookError("OnQuotaDenied", e.name, err)
		}
	}
}

// EmitShutdown notifies all hooks that implement Shutdown.
func (r *Registry) EmitShutdown(ctx context.Context) {
	for _, e := range r.shutdown {
		if err := e.hook.OnShutdown(ctx); err != nil {
			r.logHookError("OnShutdown", e.name, err)
		}
	}
}

// logHookError logs a warning when a lifecycle hook returns an error.
// Errors from hooks are never propagated — they must not block sends.
func (r *Registry) logHookError(event, hookName string, err error) {
	r.logger.Warn("lifecycle hook error",
		slog.String("event", event),
		slog.String("hook", hookName),
		slog.String("error", err.Error()),
	)
}
