package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/heraldmail/herald"
	"github.com/heraldmail/herald/id"
	"github.com/heraldmail/herald/job"
)

// claimScript implements the atomic claim. It refuses paused queues,
// promotes delayed jobs that have come due into the ready set, then
// scans the ready set — whose members are all claimable and due, so a
// backlog of future-dated jobs can never crowd eligible ones out of the
// candidate window. Candidates are ordered by priority class, then
// cyclic tenant rank after the cursor, then due time, and the winners
// transition to active in the same script execution. Claiming
// increments the attempt counter.
//
// KEYS[1] = ready zset
// KEYS[2] = delayed zset
// KEYS[3] = paused queues set
// ARGV[1] = now (unix ms)
// ARGV[2] = worker id
// ARGV[3] = tenant cursor (may be empty)
// ARGV[4] = limit
// ARGV[5] = now (RFC3339Nano)
// ARGV[6] = job hash key prefix
// ARGV[7] = queue name
var claimScript = goredis.NewScript(`
if redis.call('SISMEMBER', KEYS[3], ARGV[7]) == 1 then
  return {}
end

local dueNow = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1], 'LIMIT', 0, 256)
for _, jid in ipairs(dueNow) do
  local dueMs = tonumber(redis.call('ZSCORE', KEYS[2], jid)) or 0
  local prio = tonumber(redis.call('HGET', ARGV[6] .. jid, 'priority')) or 0
  redis.call('ZADD', KEYS[1], dueMs - prio * 1e13, jid)
  redis.call('ZREM', KEYS[2], jid)
end

local cursor = ARGV[3]
local limit = tonumber(ARGV[4])

local candidates = redis.call('ZRANGE', KEYS[1], 0, 255)
local eligible = {}
for _, jid in ipairs(candidates) do
  local vals = redis.call('HMGET', ARGV[6] .. jid, 'state', 'tenant_id', 'priority', 'next_attempt_ms')
  local state = vals[1]
  if state == 'pending' or state == 'retry_scheduled' then
    eligible[#eligible+1] = {
      id = jid,
      tenant = vals[2] or '',
      prio = tonumber(vals[3]) or 0,
      due = tonumber(vals[4]) or 0,
    }
  else
    redis.call('ZREM', KEYS[1], jid)
  end
end

table.sort(eligible, function(a, b)
  if a.prio ~= b.prio then return a.prio > b.prio end
  local ra = (cursor ~= '' and a.tenant > cursor) and 0 or 1
  local rb = (cursor ~= '' and b.tenant > cursor) and 0 or 1
  if ra ~= rb then return ra < rb end
  if a.tenant ~= b.tenant then return a.tenant < b.tenant end
  return a.due < b.due
end)

local claimed = {}
for i = 1, math.min(limit, #eligible) do
  local jid = eligible[i].id
  local key = ARGV[6] .. jid
  redis.call('HSET', key,
    'state', 'active',
    'worker_id', ARGV[2],
    'started_at', ARGV[5],
    'heartbeat_at', ARGV[5],
    'updated_at', ARGV[5])
  redis.call('HINCRBY', key, 'attempts', 1)
  redis.call('ZREM', KEYS[1], jid)
  claimed[#claimed+1] = jid
end
return claimed
`)

// cancelScript transitions a cancellable job to cancelled and removes
// it from both eligibility sets. Returns "ok", "missing", or the job's
// current state when it is not cancellable.
var cancelScript = goredis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if not state then return 'missing' end
if state == 'pending' or state == 'retry_scheduled' then
  redis.call('HSET', KEYS[1], 'state', 'cancelled', 'updated_at', ARGV[1])
  redis.call('ZREM', KEYS[2], ARGV[2])
  redis.call('ZREM', KEYS[3], ARGV[2])
  return 'ok'
end
return state
`)

// unclaimScript reverts a claim whose delivery never started: pending
// state, attempt counter, and due time revert together, guarded by
// ownership. The job lands in the delayed set; the claim script
// promotes it when due.
//
// KEYS[1] = job hash
// KEYS[2] = delayed zset
// ARGV[1] = owning worker id
// ARGV[2] = now (RFC3339Nano)
// ARGV[3] = next attempt (RFC3339Nano)
// ARGV[4] = next attempt (unix ms)
// ARGV[5] = job id
var unclaimScript = goredis.NewScript(`
local vals = redis.call('HMGET', KEYS[1], 'state', 'worker_id')
if not vals[1] then return 'missing' end
if vals[1] ~= 'active' or vals[2] ~= ARGV[1] then return 'conflict' end
local attempts = tonumber(redis.call('HGET', KEYS[1], 'attempts')) or 0
if attempts > 0 then
  redis.call('HINCRBY', KEYS[1], 'attempts', -1)
end
redis.call('HSET', KEYS[1],
  'state', 'pending',
  'worker_id', '',
  'next_attempt_at', ARGV[3],
  'next_attempt_ms', ARGV[4],
  'updated_at', ARGV[2])
redis.call('HDEL', KEYS[1], 'started_at', 'heartbeat_at')
redis.call('ZADD', KEYS[2], tonumber(ARGV[4]), ARGV[5])
return 'ok'
`)

// heartbeatScript refreshes liveness only while the job is active and
// owned by the given worker.
var heartbeatScript = goredis.NewScript(`
local vals = redis.call('HMGET', KEYS[1], 'state', 'worker_id')
if not vals[1] then return 'missing' end
if vals[1] ~= 'active' or vals[2] ~= ARGV[1] then return 'conflict' end
redis.call('HSET', KEYS[1], 'heartbeat_at', ARGV[2], 'updated_at', ARGV[2])
return 'ok'
`)

// reapScript takes over one stale active job. The compare-and-swap is
// on the heartbeat value the reaper observed, so of several concurrent
// reapers exactly one wins each job.
//
// KEYS[1] = job hash
// ARGV[1] = observed heartbeat (raw field value, may be empty)
// ARGV[2] = new worker id
// ARGV[3] = now (RFC3339Nano)
var reapScript = goredis.NewScript(`
local vals = redis.call('HMGET', KEYS[1], 'state', 'heartbeat_at')
if vals[1] ~= 'active' then return 0 end
local hb = vals[2] or ''
if hb ~= ARGV[1] then return 0 end
redis.call('HSET', KEYS[1], 'worker_id', ARGV[2], 'heartbeat_at', ARGV[3], 'updated_at', ARGV[3])
return 1
`)

// EnqueueJob stores the job as a Hash and adds it to the queue's ready
// or delayed set depending on its due time.
func (s *Store) EnqueueJob(ctx context.Context, j *job.Job) error {
	jID := j.ID.String()
	key := jobKey(jID)

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("herald/redis: enqueue check exists: %w", err)
	}
	if exists > 0 {
		return herald.ErrJobAlreadyExists
	}

	now := time.Now().UTC()
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, jobToMap(j))
	pipe.SAdd(ctx, jobIDsKey, jID)
	if zkey, score := eligibilityMember(j, now); zkey != "" {
		pipe.ZAdd(ctx, zkey, goredis.Z{Score: score, Member: jID})
	}

	if _, err = pipe.Exec(ctx); err != nil {
		return fmt.Errorf("herald/redis: enqueue job: %w", err)
	}
	return nil
}

// EnqueueJobs persists a batch of jobs. All IDs are checked before any
// job is written, mirroring the all-or-nothing batch contract.
func (s *Store) EnqueueJobs(ctx context.Context, jobs []*job.Job) error {
	for _, j := range jobs {
		exists, err := s.client.Exists(ctx, jobKey(j.ID.String())).Result()
		if err != nil {
			return fmt.Errorf("herald/redis: batch check exists: %w", err)
		}
		if exists > 0 {
			return herald.ErrJobAlreadyExists
		}
	}

	now := time.Now().UTC()
	pipe := s.client.TxPipeline()
	for _, j := range jobs {
		jID := j.ID.String()
		pipe.HSet(ctx, jobKey(jID), jobToMap(j))
		pipe.SAdd(ctx, jobIDsKey, jID)
		if zkey, score := eligibilityMember(j, now); zkey != "" {
			pipe.ZAdd(ctx, zkey, goredis.Z{Score: score, Member: jID})
		}
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("herald/redis: enqueue jobs: %w", err)
	}
	return nil
}

// ClaimJobs atomically claims up to opts.Limit eligible jobs via the
// Lua claim script. Paused queues claim nothing.
func (s *Store) ClaimJobs(ctx context.Context, queue string, opts job.ClaimOpts) ([]*job.Job, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 1
	}
	now := time.Now().UTC()

	res, err := claimScript.Run(ctx, s.client,
		[]string{queueKey(queue), delayedKey(queue), pausedQueuesKey},
		now.UnixMilli(),
		opts.WorkerID.String(),
		opts.AfterTenant,
		limit,
		now.Format(time.RFC3339Nano),
		keyPrefix+"job:",
		queue,
	).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("herald/redis: claim jobs: %w", err)
	}

	jobs := make([]*job.Job, 0, len(res))
	for _, jID := range res {
		j, getErr := s.getJobByKey(ctx, jobKey(jID))
		if getErr != nil {
			return nil, getErr
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// UnclaimJob reverts a claim whose delivery never started.
func (s *Store) UnclaimJob(ctx context.Context, jobID id.JobID, workerID id.WorkerID, nextAttemptAt time.Time) error {
	jID := jobID.String()
	key := jobKey(jID)

	q, err := s.client.HGet(ctx, key, "queue").Result()
	if err != nil {
		if isNil(err) {
			return herald.ErrJobNotFound
		}
		return fmt.Errorf("herald/redis: unclaim job get queue: %w", err)
	}

	res, err := unclaimScript.Run(ctx, s.client,
		[]string{key, delayedKey(q)},
		workerID.String(),
		time.Now().UTC().Format(time.RFC3339Nano),
		nextAttemptAt.Format(time.RFC3339Nano),
		nextAttemptAt.UnixMilli(),
		jID,
	).Text()
	if err != nil {
		return fmt.Errorf("herald/redis: unclaim job: %w", err)
	}

	switch res {
	case "ok":
		return nil
	case "missing":
		return herald.ErrJobNotFound
	default:
		return herald.ErrJobClaimed
	}
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	return s.getJobByKey(ctx, jobKey(jobID.String()))
}

// UpdateJob persists changes to an existing job and keeps the ready and
// delayed sets in sync with the job's state and due time.
func (s *Store) UpdateJob(ctx context.Context, j *job.Job) error {
	jID := j.ID.String()
	key := jobKey(jID)

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("herald/redis: update job exists: %w", err)
	}
	if exists == 0 {
		return herald.ErrJobNotFound
	}

	now := time.Now().UTC()
	fields := jobToMap(j)
	fields["updated_at"] = now.Format(time.RFC3339Nano)

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, fields)
	pipe.ZRem(ctx, queueKey(j.Queue), jID)
	pipe.ZRem(ctx, delayedKey(j.Queue), jID)
	if zkey, score := eligibilityMember(j, now); zkey != "" {
		pipe.ZAdd(ctx, zkey, goredis.Z{Score: score, Member: jID})
	}

	if _, err = pipe.Exec(ctx); err != nil {
		return fmt.Errorf("herald/redis: update job: %w", err)
	}
	return nil
}

// CancelJob transitions a pending or retry_scheduled job to cancelled.
func (s *Store) CancelJob(ctx context.Context, jobID id.JobID) error {
	jID := jobID.String()
	key := jobKey(jID)

	q, err := s.client.HGet(ctx, key, "queue").Result()
	if err != nil {
		if isNil(err) {
			return herald.ErrJobNotFound
		}
		return fmt.Errorf("herald/redis: cancel job get queue: %w", err)
	}

	res, err := cancelScript.Run(ctx, s.client,
		[]string{key, queueKey(q), delayedKey(q)},
		time.Now().UTC().Format(time.RFC3339Nano),
		jID,
	).Text()
	if err != nil {
		return fmt.Errorf("herald/redis: cancel job: %w", err)
	}

	switch res {
	case "ok":
		return nil
	case "missing":
		return herald.ErrJobNotFound
	default:
		return &herald.InvalidStateError{Op: "cancel", State: res}
	}
}

// ListJobsByState returns jobs matching the given state.
func (s *Store) ListJobsByState(ctx context.Context, state job.State, opts job.ListOpts) ([]*job.Job, error) {
	ids, err := s.client.SMembers(ctx, jobIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("herald/redis: list jobs smembers: %w", err)
	}

	jobs := make([]*job.Job, 0, len(ids))
	for _, jID := range ids {
		j, getErr := s.getJobByKey(ctx, jobKey(jID))
		if getErr != nil {
			continue // skip missing
		}
		if j.State != state {
			continue
		}
		if opts.Queue != "" && j.Queue != opts.Queue {
			continue
		}
		if opts.TenantID != "" && j.TenantID != opts.TenantID {
			continue
		}
		jobs = append(jobs, j)
	}

	if opts.Offset > 0 {
		if opts.Offset >= len(jobs) {
			return nil, nil
		}
		jobs = jobs[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(jobs) {
		jobs = jobs[:opts.Limit]
	}
	return jobs, nil
}

// CountJobs returns the number of jobs matching the given options.
func (s *Store) CountJobs(ctx context.Context, opts job.CountOpts) (int64, error) {
	ids, err := s.client.SMembers(ctx, jobIDsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("herald/redis: count smembers: %w", err)
	}

	var count int64
	for _, jID := range ids {
		j, getErr := s.getJobByKey(ctx, jobKey(jID))
		if getErr != nil {
			continue
		}
		if opts.State != "" && j.State != opts.State {
			continue
		}
		if opts.Queue != "" && j.Queue != opts.Queue {
			continue
		}
		if opts.TenantID != "" && j.TenantID != opts.TenantID {
			continue
		}
		count++
	}
	return count, nil
}

// HeartbeatJob refreshes liveness for an active job owned by the given
// worker.
func (s *Store) HeartbeatJob(ctx context.Context, jobID id.JobID, workerID id.WorkerID) error {
	res, err := heartbeatScript.Run(ctx, s.client,
		[]string{jobKey(jobID.String())},
		workerID.String(),
		time.Now().UTC().Format(time.RFC3339Nano),
	).Text()
	if err != nil {
		return fmt.Errorf("herald/redis: heartbeat job: %w", err)
	}

	switch res {
	case "ok":
		return nil
	case "missing":
		return herald.ErrJobNotFound
	default:
		return herald.ErrJobClaimed
	}
}

// ReapStaleJobs takes over active jobs whose heartbeat (or claim) is
// older than the visibility timeout. Each takeover is a Lua
// compare-and-swap on the observed heartbeat, so concurrent reapers
// never win the same job twice.
func (s *Store) ReapStaleJobs(ctx context.Context, visibility time.Duration, workerID id.WorkerID) ([]*job.Job, error) {
	now := time.Now().UTC()
	cutoff := now.Add(-visibility)

	ids, err := s.client.SMembers(ctx, jobIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("herald/redis: reap smembers: %w", err)
	}

	var stale []*job.Job
	for _, jID := range ids {
		vals, getErr := s.client.HGetAll(ctx, jobKey(jID)).Result()
		if getErr != nil || len(vals) == 0 {
			continue
		}
		j, mapErr := mapToJob(vals)
		if mapErr != nil {
			continue
		}
		if j.State != job.StateActive {
			continue
		}
		seen := j.HeartbeatAt
		if seen == nil {
			seen = j.StartedAt
		}
		if seen == nil || !seen.Before(cutoff) {
			continue
		}

		won, runErr := reapScript.Run(ctx, s.client,
			[]string{jobKey(jID)},
			vals["heartbeat_at"],
			workerID.String(),
			now.Format(time.RFC3339Nano),
		).Int64()
		if runErr != nil {
			return nil, fmt.Errorf("herald/redis: reap takeover: %w", runErr)
		}
		if won != 1 {
			continue // another reaper got there first
		}

		j.WorkerID = workerID
		hb := now
		j.HeartbeatAt = &hb
		j.UpdatedAt = now
		stale = append(stale, j)
	}
	return stale, nil
}

// ── helpers ──

// jobScore computes a ready-set score from priority class and due time.
// Lower score is claimed first: priority is negated so higher classes
// sort before lower ones, with due time breaking ties.
func jobScore(priority job.Priority, nextAttemptAt time.Time) float64 {
	return float64(nextAttemptAt.UnixMilli()) - float64(priority)*1e13
}

// eligibilityMember returns the sorted set a job belongs to at now, and
// its score there: the ready set when claimable and due, the delayed
// set (scored by due time) when claimable but not yet due, or "" when
// the job is active or terminal and belongs in neither.
func eligibilityMember(j *job.Job, now time.Time) (string, float64) {
	if j.State.Terminal() || j.State == job.StateActive {
		return "", 0
	}
	if j.NextAttemptAt.After(now) {
		return delayedKey(j.Queue), float64(j.NextAttemptAt.UnixMilli())
	}
	return queueKey(j.Queue), jobScore(j.Priority, j.NextAttemptAt)
}

func jobToMap(j *job.Job) map[string]any {
	m := map[string]any{
		"id":                  j.ID.String(),
		"tenant_id":           j.TenantID,
		"app_id":              j.AppID,
		"campaign_id":         j.CampaignID.String(),
		"recipient":           j.Recipient,
		"subject":             j.Subject,
		"html_body":           j.HTMLBody,
		"text_body":           j.TextBody,
		"template_id":         j.TemplateID,
		"variables":           marshalJSON(j.Variables),
		"identity_id":         j.IdentityID,
		"queue":               j.Queue,
		"priority":            strconv.Itoa(int(j.Priority)),
		"state":               string(j.State),
		"attempts":            strconv.Itoa(j.Attempts),
		"max_attempts":        strconv.Itoa(j.MaxAttempts),
		"last_error":          j.LastError,
		"error_class":         string(j.ErrorClass),
		"provider_message_id": j.ProviderMessageID,
		"worker_id":           j.WorkerID.String(),
		"timeout":             strconv.FormatInt(int64(j.Timeout), 10),
		"next_attempt_at":     j.NextAttemptAt.Format(time.RFC3339Nano),
		"next_attempt_ms":     strconv.FormatInt(j.NextAttemptAt.UnixMilli(), 10),
		"created_at":          j.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":          j.UpdatedAt.Format(time.RFC3339Nano),
	}
	if j.StartedAt != nil {
		m["started_at"] = j.StartedAt.Format(time.RFC3339Nano)
	}
	if j.SentAt != nil {
		m["sent_at"] = j.SentAt.Format(time.RFC3339Nano)
	}
	if j.HeartbeatAt != nil {
		m["heartbeat_at"] = j.HeartbeatAt.Format(time.RFC3339Nano)
	}
	return m
}

func (s *Store) getJobByKey(ctx context.Context, key string) (*job.Job, error) {
	vals, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("herald/redis: get job: %w", err)
	}
	if len(vals) == 0 {
		return nil, herald.ErrJobNotFound
	}
	return mapToJob(vals)
}

func mapToJob(m map[string]string) (*job.Job, error) {
	jID, err := id.ParseJobID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("herald/redis: parse job id: %w", err)
	}

	priority, _ := strconv.Atoi(m["priority"])           //nolint:errcheck // best-effort parse from trusted Redis data
	attempts, _ := strconv.Atoi(m["attempts"])           //nolint:errcheck // best-effort parse from trusted Redis data
	maxAttempts, _ := strconv.Atoi(m["max_attempts"])    //nolint:errcheck // best-effort parse from trusted Redis data
	timeout, _ := strconv.ParseInt(m["timeout"], 10, 64) //nolint:errcheck // best-effort parse from trusted Redis data

	nextAttemptAt, _ := time.Parse(time.RFC3339Nano, m["next_attempt_at"]) //nolint:errcheck // best-effort parse from trusted Redis data
	createdAt, _ := time.Parse(time.RFC3339Nano, m["created_at"])          //nolint:errcheck // best-effort parse from trusted Redis data
	updatedAt, _ := time.Parse(time.RFC3339Nano, m["updated_at"])          //nolint:errcheck // best-effort parse from trusted Redis data

	j := &job.Job{
		ID:                jID,
		TenantID:          m["tenant_id"],
		AppID:             m["app_id"],
		Recipient:         m["recipient"],
		Subject:           m["subject"],
		HTMLBody:          m["html_body"],
		TextBody:          m["text_body"],
		TemplateID:        m["template_id"],
		Variables:         unmarshalMap(m["variables"]),
		IdentityID:        m["identity_id"],
		Queue:             m["queue"],
		Priority:          job.Priority(priority),
		State:             job.State(m["state"]),
		Attempts:          attempts,
		MaxAttempts:       maxAttempts,
		LastError:         m["last_error"],
		ErrorClass:        job.ErrorClass(m["error_class"]),
		ProviderMessageID: m["provider_message_id"],
		Timeout:           time.Duration(timeout),
		NextAttemptAt:     nextAttemptAt,
		CreatedAt:         createdAt,
		UpdatedAt:         updatedAt,
	}

	if cid := m["campaign_id"]; cid != "" {
		j.CampaignID, _ = id.Parse(cid) //nolint:errcheck // best-effort parse from trusted Redis data
	}
	if wid := m["worker_id"]; wid != "" {
		j.WorkerID, _ = id.Parse(wid) //nolint:errcheck // best-effort parse from trusted Redis data
	}
	if v := m["started_at"]; v != "" {
		t, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
		j.StartedAt = &t
	}
	if v := m["sent_at"]; v != "" {
		t, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
		j.SentAt = &t
	}
	if v := m["heartbeat_at"]; v != "" {
		t, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
		j.HeartbeatAt = &t
	}

	return j, nil
}

// marshalJSON is a helper to marshal to a JSON string.
func marshalJSON(v any) string {
	b, _ := json.Marshal(v) //nolint:errcheck // marshal should not fail for basic types
	return string(b)
}

// unmarshalMap parses a JSON map.
func unmarshalMap(s string) map[string]string {
	if s == "" || s == "null" {
		return nil
	}
	out := make(map[string]string)
	_ = json.Unmarshal([]byte(s), &out) //nolint:errcheck // best-effort parse from trusted Redis data
	return out
}
