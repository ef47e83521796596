// Package redis implements store.Store using Redis for high-throughput
// deployments. Jobs are stored as Hashes; each queue keeps two Sorted
// Sets — a ready set of due, claimable job IDs whose score encodes
// priority and due time, and a delayed set of future-dated jobs scored
// by due time, promoted into the ready set as they come due. The claim,
// unclaim, reap takeover, and quota reservation run as Lua scripts so
// their compare-and-swap semantics hold across processes.
//
// Usage:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	s := redisstore.New(client)
//	if err := s.Ping(ctx); err != nil { ... }
package redis

import (
	"context"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/heraldmail/herald/archive"
	"github.com/heraldmail/herald/job"
	"github.com/heraldmail/herald/queue"
	"github.com/heraldmail/herald/quota"
)

// Compile-time interface checks.
var (
	_ job.Store          = (*Store)(nil)
	_ archive.Store      = (*Store)(nil)
	_ quota.UsageCounter = (*Store)(nil)
	_ queue.Store        = (*Store)(nil)
)

// Option configures the Store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Store implements the composite store.Store interface backed by Redis.
type Store struct {
	client redis.Cmdable
	logger *slog.Logger
}

// New creates a new Redis-backed store. The caller owns the Redis
// client lifecycle.
func New(client redis.Cmdable, opts ...Option) *Store {
	s := &Store{client: client, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Client returns the underlying Redis client.
func (s *Store) Client() redis.Cmdable { return s.client }

// Migrate is a no-op for Redis (schemaless).
func (s *Store) Migrate(_ context.Context) error { return nil }

// Ping verifies the Redis connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close is a no-op — the caller owns the Redis client lifecycle.
func (s *Store) Close() error { return nil }
