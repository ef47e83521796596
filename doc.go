// Package herald provides the background email-dispatch queue for a
// multi-tenant email-sending platform. It accepts single and campaign
// send requests, enforces per-tenant plan quotas, retries transient
// provider failures with exponential backoff, tracks per-message
// delivery state, and exposes pause/resume/stats controls.
//
// Herald is designed as a library plus a thin server binary. Import
// it, configure a store, and wire the engine:
//
//	s := memory.New()
//	eng, err := engine.New(herald.DefaultConfig(), s,
//		engine.WithSender(sender),
//	)
//
// # Architecture
//
// Herald follows a composable store pattern: the job and archive
// subsystems each define their own store interface, and a single
// backend (Postgres, Redis, or memory) implements all of them. The
// store is the single source of truth; every state transition is a
// compare-and-swap so that concurrent workers across processes never
// double-claim a job.
//
// All entity IDs are TypeIDs — type-prefixed, K-sortable, UUIDv7-based
// identifiers.
package herald
