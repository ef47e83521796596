// Package memory provides a fully in-memory store implementation.
// Safe for concurrent access. Intended for unit testing and development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/heraldmail/herald"
	"github.com/heraldmail/herald/archive"
	"github.com/heraldmail/herald/id"
	"github.com/heraldmail/herald/job"
	"github.com/heraldmail/herald/queue"
	"github.com/heraldmail/herald/quota"
)

// Ensure Store implements store.Store at compile time.
// We can't import store here (import cycle), so we verify each subsystem.
var (
	_ job.Store          = (*Store)(nil)
	_ archive.Store      = (*Store)(nil)
	_ quota.UsageCounter = (*Store)(nil)
	_ queue.Store        = (*Store)(nil)
)

// Store is a fully in-memory implementation of store.Store.
type Store struct {
	mu sync.RWMutex

	jobs     map[string]*job.Job
	archives map[string]*archive.Entry
	usage    map[string]int64 // tenantID → reserved sends this period
	paused   map[string]bool  // queue name → paused
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		jobs:     make(map[string]*job.Job),
		archives: make(map[string]*archive.Entry),
		usage:    make(map[string]int64),
		paused:   make(map[string]bool),
	}
}

// ──────────────────────────────────────────────────
// Lifecycle — Migrate / Ping / Close
// ──────────────────────────────────────────────────

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }

// ──────────────────────────────────────────────────
// Job Store
// ──────────────────────────────────────────────────

// EnqueueJob persists a new job in pending state.
func (m *Store) EnqueueJob(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := j.ID.String()
	if _, exists := m.jobs[key]; exists {
		return herald.ErrJobAlreadyExists
	}
	cp := *j
	m.jobs[key] = &cp
	return nil
}

// EnqueueJobs persists a batch of jobs. All-or-nothing: if any ID
// already exists, nothing is inserted.
func (m *Store) EnqueueJobs(_ context.Context, jobs []*job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, j := range jobs {
		if _, exists := m.jobs[j.ID.String()]; exists {
			return herald.ErrJobAlreadyExists
		}
	}
	for _, j := range jobs {
		cp := *j
		m.jobs[cp.ID.String()] = &cp
	}
	return nil
}

// tenantRank orders tenants cyclically: tenants lexicographically after
// the cursor come first (ascending), then the rest wrap around.
func tenantRank(tenant, cursor string) (int, string) {
	if cursor != "" && tenant > cursor {
		return 0, tenant
	}
	return 1, tenant
}

// ClaimJobs atomically claims up to opts.Limit eligible jobs from the
// queue. Eligible means pending or retry_scheduled with NextAttemptAt
// due; a paused queue claims nothing. Ordering: priority descending,
// then round-robin across tenants starting after opts.AfterTenant, then
// NextAttemptAt ascending. The claim increments Attempts: the delivery
// attempt begins here.
func (m *Store) ClaimJobs(_ context.Context, queue string, opts job.ClaimOpts) ([]*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.paused[queue] {
		return nil, nil
	}

	now := time.Now().UTC()

	candidates := make([]*job.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		if j.Queue != queue {
			continue
		}
		if j.State != job.StatePending && j.State != job.StateRetryScheduled {
			continue
		}
		if j.NextAttemptAt.After(now) {
			continue
		}
		candidates = append(candidates, j)
	}

	sort.Slice(candidates, func(i, k int) bool {
		a, b := candidates[i], candidates[k]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		ra, ta := tenantRank(a.TenantID, opts.AfterTenant)
		rb, tb := tenantRank(b.TenantID, opts.AfterTenant)
		if ra != rb {
			return ra < rb
		}
		if ta != tb {
			return ta < tb
		}
		return a.NextAttemptAt.Before(b.NextAttemptAt)
	})

	limit := opts.Limit
	if limit <= 0 {
		limit = 1
	}
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	result := make([]*job.Job, len(candidates))
	for i, j := range candidates {
		j.State = job.StateActive
		j.Attempts++
		j.WorkerID = opts.WorkerID
		n := now
		j.StartedAt = &n
		hb := now
		j.HeartbeatAt = &hb
		j.UpdatedAt = now
		// Return a copy so callers can mutate without racing with the store.
		cp := *j
		result[i] = &cp
	}

	return result, nil
}

// UnclaimJob reverts a claim whose delivery never started, restoring
// the attempt counter along with the pending state.
func (m *Store) UnclaimJob(_ context.Context, jobID id.JobID, workerID id.WorkerID, nextAttemptAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return herald.ErrJobNotFound
	}
	if j.State != job.StateActive || j.WorkerID != workerID {
		return herald.ErrJobClaimed
	}

	j.State = job.StatePending
	if j.Attempts > 0 {
		j.Attempts--
	}
	j.WorkerID = id.Nil
	j.StartedAt = nil
	j.HeartbeatAt = nil
	j.NextAttemptAt = nextAttemptAt
	j.UpdatedAt = time.Now().UTC()
	return nil
}

// GetJob retrieves a job by ID.
func (m *Store) GetJob(_ context.Context, jobID id.JobID) (*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return nil, herald.ErrJobNotFound
	}
	cp := *j
	return &cp, nil
}

// UpdateJob persists changes to an existing job.
func (m *Store) UpdateJob(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := j.ID.String()
	if _, ok := m.jobs[key]; !ok {
		return herald.ErrJobNotFound
	}
	cp := *j
	cp.UpdatedAt = time.Now().UTC()
	m.jobs[key] = &cp
	return nil
}

// CancelJob transitions a pending or retry_scheduled job to cancelled.
func (m *Store) CancelJob(_ context.Context, jobID id.JobID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return herald.ErrJobNotFound
	}
	if !j.Cancellable() {
		return &herald.InvalidStateError{Op: "cancel", State: string(j.State)}
	}
	j.State = job.StateCancelled
	j.UpdatedAt = time.Now().UTC()
	return nil
}

// ListJobsByState returns jobs matching the given state.
func (m *Store) ListJobsByState(_ context.Context, state job.State, opts job.ListOpts) ([]*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*job.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		if j.State != state {
			continue
		}
		if opts.Queue != "" && j.Queue != opts.Queue {
			continue
		}
		if opts.TenantID != "" && j.TenantID != opts.TenantID {
			continue
		}
		cp := *j
		result = append(result, &cp)
	}

	// Sort by CreatedAt for deterministic output.
	sort.Slice(result, func(i, k int) bool {
		return result[i].CreatedAt.Before(result[k].CreatedAt)
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(result) {
			return nil, nil
		}
		result = result[opts.Offset:]
	}
	if opts.Limit > 0 && len(result) > opts.Limit {
		result = result[:opts.Limit]
	}

	return result, nil
}

// CountJobs returns the number of jobs matching the given options.
func (m *Store) CountJobs(_ context.Context, opts job.CountOpts) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var count int64
	for _, j := range m.jobs {
		if opts.Queue != "" && j.Queue != opts.Queue {
			continue
		}
		if opts.State != "" && j.State != opts.State {
			continue
		}
		if opts.TenantID != "" && j.TenantID != opts.TenantID {
			continue
		}
		count++
	}
	return count, nil
}

// HeartbeatJob updates the heartbeat timestamp for an active job owned
// by the given worker.
func (m *Store) HeartbeatJob(_ context.Context, jobID id.JobID, workerID id.WorkerID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return herald.ErrJobNotFound
	}
	if j.State != job.StateActive || j.WorkerID != workerID {
		return herald.ErrJobClaimed
	}
	now := time.Now().UTC()
	j.HeartbeatAt = &now
	return nil
}

// ReapStaleJobs takes over active jobs whose last heartbeat is older
// than the visibility timeout. Ownership moves to workerID and the
// heartbeat is refreshed inside the same lock, so a concurrent reaper
// sees the job as fresh and cannot win it again.
func (m *Store) ReapStaleJobs(_ context.Context, visibility time.Duration, workerID id.WorkerID) ([]*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	cutoff := now.Add(-visibility)
	var stale []*job.Job
	for _, j := range m.jobs {
		if j.State != job.StateActive {
			continue
		}
		last := j.HeartbeatAt
		if last == nil {
			last = j.StartedAt
		}
		if last != nil && last.Before(cutoff) {
			j.WorkerID = workerID
			hb := now
			j.HeartbeatAt = &hb
			j.UpdatedAt = now
			cp := *j
			stale = append(stale, &cp)
		}
	}
	return stale, nil
}

// ──────────────────────────────────────────────────
// Queue Store
// ──────────────────────────────────────────────────

// PauseQueue marks the queue paused for every process sharing the store.
func (m *Store) PauseQueue(_ context.Context, queue string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.paused[queue] = true
	return nil
}

// ResumeQueue clears the queue's paused flag.
func (m *Store) ResumeQueue(_ context.Context, queue string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.paused, queue)
	return nil
}

// QueuePaused reports whether the queue is paused.
func (m *Store) QueuePaused(_ context.Context, queue string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.paused[queue], nil
}

// ──────────────────────────────────────────────────
// Archive Store
// ──────────────────────────────────────────────────

// PushArchive adds a terminally failed send to the archive.
func (m *Store) PushArchive(_ context.Context, entry *archive.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *entry
	m.archives[entry.ID.String()] = &cp
	return nil
}

// ListArchive returns archive entries matching the given options,
// newest first.
func (m *Store) ListArchive(_ context.Context, opts archive.ListOpts) ([]*archive.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*archive.Entry, 0, len(m.archives))
	for _, e := range m.archives {
		if opts.Queue != "" && e.Queue != opts.Queue {
			continue
		}
		if opts.TenantID != "" && e.TenantID != opts.TenantID {
			continue
		}
		cp := *e
		result = append(result, &cp)
	}

	sort.Slice(result, func(i, k int) bool {
		return result[i].FailedAt.After(result[k].FailedAt)
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(result) {
			return nil, nil
		}
		result = result[opts.Offset:]
	}
	if opts.Limit > 0 && len(result) > opts.Limit {
		result = result[:opts.Limit]
	}

	return result, nil
}

// GetArchive retrieves an archive entry by ID.
func (m *Store) GetArchive(_ context.Context, entryID id.ArchiveID) (*archive.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.archives[entryID.String()]
	if !ok {
		return nil, herald.ErrArchiveNotFound
	}
	cp := *e
	return &cp, nil
}

// ReplayArchive marks an archive entry as replayed.
func (m *Store) ReplayArchive(_ context.Context, entryID id.ArchiveID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.archives[entryID.String()]
	if !ok {
		return herald.ErrArchiveNotFound
	}
	now := time.Now().UTC()
	e.ReplayedAt = &now
	return nil
}

// PurgeArchive removes archive entries with FailedAt before the given time.
func (m *Store) PurgeArchive(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var count int64
	for key, e := range m.archives {
		if e.FailedAt.Before(before) {
			delete(m.archives, key)
			count++
		}
	}
	return count, nil
}

// CountArchive returns the total number of entries in the archive.
func (m *Store) CountArchive(_ context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return int64(len(m.archives)), nil
}

// ──────────────────────────────────────────────────
// Usage Counter
// ──────────────────────────────────────────────────

// Usage returns the tenant's reserved sends this period.
func (m *Store) Usage(_ context.Context, tenantID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.usage[tenantID], nil
}

// TryReserve atomically reserves n sends against the tenant's limit.
func (m *Store) TryReserve(_ context.Context, tenantID string, n int64, limit int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.usage[tenantID]+n > limit {
		return false, nil
	}
	m.usage[tenantID] += n
	return true, nil
}

// ReleaseReservation returns n previously reserved sends.
func (m *Store) ReleaseReservation(_ context.Context, tenantID string, n int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.usage[tenantID] -= n
	if m.usage[tenantID] < 0 {
		m.usage[tenantID] = 0
	}
	return nil
}

// ResetUsage zeroes the tenant's period counter.
func (m *Store) ResetUsage(_ context.Context, tenantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.usage, tenantID)
	return nil
}
