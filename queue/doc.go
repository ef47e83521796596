// Package queue defines the named queue abstraction: pause/resume
// control, per-queue and per-tenant rate limiting, and the tenant
// round-robin cursor used for fair claiming.
//
// Queues are named channels that partition the job space — by default
// "transactional" and "bulk". Jobs carry a Queue field naming the queue
// they belong to.
//
// # Pause semantics
//
// Pausing a queue stops pending→active transitions; jobs already active
// run to completion. Pause and resume are idempotent: pausing a paused
// queue succeeds and changes nothing.
//
// # Per-Queue configuration
//
// Use [Config] to set per-queue rate limits and concurrency caps:
//
//	queue.Config{
//	    Name:           "bulk",
//	    MaxConcurrency: 5,      // max 5 concurrent bulk sends
//	    RateLimit:      10,     // max 10 claims/s from this queue
//	    RateBurst:      20,     // allow bursts up to 20
//	}
//
// [Manager] enforces the limits at claim time with a token-bucket rate
// limiter (golang.org/x/time/rate) and an active-count gate. Queues
// without a Config have no limits beyond the pool-wide concurrency.
//
// # Fairness
//
// NextTenant keeps a per-queue rotation cursor. The worker pool passes
// the cursor to the store's claim so that, within a priority class,
// tenants are served round-robin and no tenant's backlog starves
// another tenant's sends.
package queue
