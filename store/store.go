// Package store defines the aggregate persistence interface. Each
// subsystem (job, archive, quota, queue) defines its own store
// interface; the composite Store composes them all. Backends: Memory,
// Postgres, Redis.
package store

import (
	"context"

	"github.com/heraldmail/herald/archive"
	"github.com/heraldmail/herald/job"
	"github.com/heraldmail/herald/queue"
	"github.com/heraldmail/herald/quota"
)

// Store is the aggregate persistence interface.
// Each subsystem store is a composable interface; a single backend
// (memory, postgres, redis) implements all of them.
type Store interface {
	job.Store
	archive.Store
	quota.UsageCounter
	queue.Store

	// Migrate runs all schema migrations.
	Migrate(ctx context.Context) error

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error

	// Close closes the store connection.
	Close() error
}
