package redis

import (
	"context"
	"fmt"
)

// PauseQueue marks the queue paused for every process sharing this
// Redis. The claim script checks the paused set before claiming.
func (s *Store) PauseQueue(ctx context.Context, queue string) error {
	if err := s.client.SAdd(ctx, pausedQueuesKey, queue).Err(); err != nil {
		return fmt.Errorf("herald/redis: pause queue: %w", err)
	}
	return nil
}

// ResumeQueue clears the queue's paused flag.
func (s *Store) ResumeQueue(ctx context.Context, queue string) error {
	if err := s.client.SRem(ctx, pausedQueuesKey, queue).Err(); err != nil {
		return fmt.Errorf("herald/redis: resume queue: %w", err)
	}
	return nil
}

// QueuePaused reports whether the queue is paused.
func (s *Store) QueuePaused(ctx context.Context, queue string) (bool, error) {
	paused, err := s.client.SIsMember(ctx, pausedQueuesKey, queue).Result()
	if err != nil {
		return false, fmt.Errorf("herald/redis: queue paused: %w", err)
	}
	return paused, nil
}
