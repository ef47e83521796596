package job

import (
	"context"
	"time"

	"github.com/heraldmail/herald/id"
)

// ListOpts controls pagination and filtering for job list queries.
type ListOpts struct {
	// Limit is the maximum number of jobs to return. Zero means no limit.
	Limit int
	// Offset is the number of jobs to skip.
	Offset int
	// Queue filters by queue name. Empty means all queues.
	Queue string
	// TenantID filters by tenant. Empty means all tenants.
	TenantID string
}

// CountOpts controls filtering for job count queries.
type CountOpts struct {
	// Queue filters by queue name. Empty means all queues.
	Queue string
	// State filters by job state. Empty means all states.
	State State
	// TenantID filters by tenant. Empty means all tenants.
	TenantID string
}

// ClaimOpts steers the fairness ordering of ClaimJobs.
type ClaimOpts struct {
	// WorkerID is recorded as the claiming owner.
	WorkerID id.WorkerID
	// AfterTenant is the round-robin cursor: within a priority class,
	// eligible tenants lexicographically after it are preferred, wrapping
	// around. Empty starts from the lowest tenant.
	AfterTenant string
	// Limit caps the number of jobs claimed. Zero claims one.
	Limit int
}

// Store defines the persistence contract for jobs. The store is the
// single source of truth for job state; ClaimJobs must be safe under
// concurrent callers across processes.
type Store interface {
	// EnqueueJob persists a new job in pending state.
	EnqueueJob(ctx context.Context, j *Job) error

	// EnqueueJobs persists a batch of jobs in pending state. Used by
	// campaign expansion; all-or-nothing where the backend supports it.
	EnqueueJobs(ctx context.Context, jobs []*Job) error

	// ClaimJobs atomically claims up to opts.Limit eligible jobs from the
	// given queue and marks them active. A job is eligible when it is
	// pending or retry_scheduled and NextAttemptAt <= now. Paused queues
	// claim nothing, regardless of which process set the pause. Ordering:
	// priority class descending, then round-robin across tenants
	// starting after opts.AfterTenant, then NextAttemptAt ascending.
	// Returns no error when nothing is eligible.
	ClaimJobs(ctx context.Context, queue string, opts ClaimOpts) ([]*Job, error)

	// UnclaimJob reverts a claim whose delivery never started: the job
	// returns to pending, eligible again at nextAttemptAt, with the
	// claim's attempt increment undone in the same operation. Only the
	// owning worker may unclaim; anyone else gets herald.ErrJobClaimed.
	UnclaimJob(ctx context.Context, jobID id.JobID, workerID id.WorkerID, nextAttemptAt time.Time) error

	// GetJob retrieves a job by ID.
	GetJob(ctx context.Context, jobID id.JobID) (*Job, error)

	// UpdateJob persists changes to an existing job.
	UpdateJob(ctx context.Context, j *Job) error

	// CancelJob transitions a pending or retry_scheduled job to
	// cancelled. Returns herald.ErrInvalidState (wrapped) when the job is
	// active or terminal — cancellation of in-flight jobs is cooperative.
	CancelJob(ctx context.Context, jobID id.JobID) error

	// ListJobsByState returns jobs matching the given state.
	ListJobsByState(ctx context.Context, state State, opts ListOpts) ([]*Job, error)

	// CountJobs returns the number of jobs matching the given options.
	CountJobs(ctx context.Context, opts CountOpts) (int64, error)

	// HeartbeatJob refreshes the liveness timestamp of an active job
	// owned by the given worker.
	HeartbeatJob(ctx context.Context, jobID id.JobID, workerID id.WorkerID) error

	// ReapStaleJobs atomically takes over active jobs whose heartbeat is
	// older than the visibility timeout, meaning the owning worker is
	// presumed dead. Ownership moves to workerID and the heartbeat is
	// refreshed, so concurrent reapers never win the same job twice.
	// Callers retry or fail the returned jobs.
	ReapStaleJobs(ctx context.Context, visibility time.Duration, workerID id.WorkerID) ([]*Job, error)
}
