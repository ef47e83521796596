// Package job defines the email dispatch job entity, its state machine,
// the enqueue spec with validation, and the store interface.
//
// # Job Entity
//
// A [Job] is one unit of email-dispatch work: a single recipient send
// attempt lineage. Campaign sends are expanded into per-recipient jobs
// at enqueue time, so retry and cancellation semantics are uniform. A
// job progresses through the state machine:
//
//	pending → active → sent
//	pending → active → retry_scheduled → active → ...
//	pending → active → failed
//	pending → cancelled
//	retry_scheduled → cancelled
//
// sent, failed, and cancelled are terminal. A job in active has exactly
// one owning worker, enforced by the store's atomic claim. Cancellation
// is cooperative: an active job runs its in-flight attempt to
// completion first.
//
// Fields of note:
//   - Queue: which queue the job belongs to ("transactional" or "bulk"
//     by default)
//   - Priority: class ordering; transactional sends preempt bulk
//   - Attempts / MaxAttempts: delivery attempt budget
//   - NextAttemptAt: earliest time the job may be claimed (retry backoff)
//   - LastError / ErrorClass: retained on terminal failure for operator
//     inspection
//
// # Store
//
// [Store] is the persistence contract. ClaimJobs is the only mutation
// that may race across processes and must be implemented as an atomic
// compare-and-swap: a claim succeeds only while the job is still
// pending or retry_scheduled and due.
package job
