// Package archive provides the failure archive for sends that have
// failed terminally. It supports inspection, replay, and purging.
//
// When a job fails permanently — a permanent provider rejection, or a
// transient failure with the retry budget exhausted — the executor
// calls [Service.Push] to copy it into the archive. The full email
// content, final error, and attempt counts are preserved so operators
// can diagnose delivery problems per tenant.
//
// # Entry
//
// An [Entry] captures:
//   - JobID / TenantID / Queue: original job identity
//   - Recipient, Subject, bodies, template: the email as it would have
//     been sent
//   - Error / ErrorClass: the final failure and its classification
//   - Attempts / MaxAttempts: exhausted retry budget
//   - FailedAt: when the terminal failure occurred
//   - ReplayedAt: set when the entry is replayed (nil if not yet replayed)
//
// # Replay
//
// Replaying an entry re-enqueues the email as a new pending job with a
// fresh ID and zero attempts. Replay does not consult the tenant's
// quota: the send was already reserved when the original job was
// enqueued. Use the admin API (POST /v1/archive/{entryID}/replay) or
// call [Service.Replay] directly.
package archive
