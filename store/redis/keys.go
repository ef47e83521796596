package redis

// Redis key naming conventions for herald data.
// All keys are prefixed with "herald:" to avoid collisions.

const keyPrefix = "herald:"

// ── Job keys ──

// jobKey returns the key for a job entity: herald:job:{id}
func jobKey(id string) string { return keyPrefix + "job:" + id }

// queueKey returns the ready Sorted Set for a queue:
// herald:queue:{name}. Score encodes priority (descending) and due time
// (ascending); only claimable jobs that are already due are members.
func queueKey(name string) string { return keyPrefix + "queue:" + name }

// delayedKey returns the delayed Sorted Set for a queue:
// herald:delayed:{name}, scored by due time (unix ms). Claimable jobs
// whose NextAttemptAt is in the future wait here; the claim script
// promotes them into the ready set once due, so the ready set never
// fills up with ineligible members.
func delayedKey(name string) string { return keyPrefix + "delayed:" + name }

// jobIDsKey is the Set tracking all job IDs for enumeration.
const jobIDsKey = keyPrefix + "job_ids"

// pausedQueuesKey is the Set of paused queue names, shared by every
// process using this Redis. The claim script checks it first.
const pausedQueuesKey = keyPrefix + "paused_queues"

// ── Archive keys ──

// archiveKey returns the key for an archive entry: herald:archive:{id}
func archiveKey(id string) string { return keyPrefix + "archive:" + id }

// archiveIndexKey is the Sorted Set of archive IDs scored by failed_at
// (unix ms), for newest-first listing and time-bounded purges.
const archiveIndexKey = keyPrefix + "archive_idx"

// ── Quota keys ──

// usageKey returns the period usage counter for a tenant:
// herald:usage:{tenant}
func usageKey(tenantID string) string { return keyPrefix + "usage:" + tenantID }
