package queue

import "context"

// Store persists queue control state. The paused flag must be shared by
// every process using the same backend: ClaimJobs consults it, so a
// queue paused through one instance's admin API stops claiming on all
// instances.
type Store interface {
	// PauseQueue marks the queue paused. Idempotent.
	PauseQueue(ctx context.Context, queue string) error

	// ResumeQueue clears the queue's paused flag. Idempotent.
	ResumeQueue(ctx context.Context, queue string) error

	// QueuePaused reports whether the queue is paused. Queues never
	// paused report false.
	QueuePaused(ctx context.Context, queue string) (bool, error)
}
