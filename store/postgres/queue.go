package postgres

import (
	"context"
	"fmt"
)

// PauseQueue marks the queue paused for every process sharing the
// database. ClaimJobs checks the flag inside the claim statement.
func (s *Store) PauseQueue(ctx context.Context, queue string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO herald_queues (name, paused) VALUES ($1, TRUE)
		ON CONFLICT (name) DO UPDATE
		SET paused = TRUE, updated_at = NOW()`,
		queue,
	)
	if err != nil {
		return fmt.Errorf("herald/postgres: pause queue: %w", err)
	}
	return nil
}

// ResumeQueue clears the queue's paused flag.
func (s *Store) ResumeQueue(ctx context.Context, queue string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO herald_queues (name, paused) VALUES ($1, FALSE)
		ON CONFLICT (name) DO UPDATE
		SET paused = FALSE, updated_at = NOW()`,
		queue,
	)
	if err != nil {
		return fmt.Errorf("herald/postgres: resume queue: %w", err)
	}
	return nil
}

// QueuePaused reports whether the queue is paused. Queues with no row
// were never paused.
func (s *Store) QueuePaused(ctx context.Context, queue string) (bool, error) {
	var paused bool
	err := s.pool.QueryRow(ctx,
		`SELECT paused FROM herald_queues WHERE name = $1`, queue,
	).Scan(&paused)
	if err != nil {
		if isNoRows(err) {
			return false, nil
		}
		return false, fmt.Errorf("herald/postgres: queue paused: %w", err)
	}
	return paused, nil
}
