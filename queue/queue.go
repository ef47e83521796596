package queue

import (
	"sync"

	"golang.org/x/time/rate"

	"github.com/heraldmail/herald"
)

// Config defines per-queue behaviour such as rate limiting and concurrency.
type Config struct {
	// Name is the queue identifier (must match the job.Queue field).
	Name string

	// MaxConcurrency limits how many jobs from this queue may run
	// simultaneously across the local worker pool. Zero means no
	// queue-specific limit (pool-wide concurrency still applies).
	MaxConcurrency int

	// RateLimit is the maximum sustained jobs per second that may be
	// claimed from this queue. Zero disables rate limiting.
	RateLimit float64

	// RateBurst is the burst size for the token-bucket rate limiter.
	// Defaults to 1 if RateLimit is set but RateBurst is zero.
	RateBurst int

	// Paused starts the queue in the paused state.
	Paused bool
}

// queueState tracks runtime state for a single queue.
type queueState struct {
	config     Config
	limiter    *rate.Limiter
	active     int
	paused     bool
	lastTenant string
}

// Manager controls queue pause state, per-queue and per-tenant rate
// limiting, and the tenant rotation cursor. It is safe for concurrent use.
type Manager struct {
	mu      sync.Mutex
	queues  map[string]*queueState
	tenants map[string]*tenantState
}

// NewManager creates a Manager with the given queue configurations.
// Every queue the engine serves must be registered here; control
// operations on unregistered names fail with herald.ErrQueueNotFound.
func NewManager(configs ...Config) *Manager {
	m := &Manager{
		queues:  make(map[string]*queueState, len(configs)),
		tenants: make(map[string]*tenantState),
	}
	for _, cfg := range configs {
		m.queues[cfg.Name] = newQueueState(cfg)
	}
	return m
}

func newQueueState(cfg Config) *queueState {
	qs := &queueState{config: cfg, paused: cfg.Paused}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		qs.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return qs
}

// Names returns the registered queue names.
func (m *Manager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.queues))
	for name := range m.queues {
		names = append(names, name)
	}
	return names
}

// Known reports whether the queue name is registered.
func (m *Manager) Known(queue string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.queues[queue]
	return ok
}

// Pause stops pending→active transitions for the queue. Idempotent:
// pausing a paused queue is a successful no-op. Active jobs are not
// affected.
func (m *Manager) Pause(queue string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	qs, ok := m.queues[queue]
	if !ok {
		return herald.ErrQueueNotFound
	}
	qs.paused = true
	return nil
}

// Resume re-enables claiming for the queue. Idempotent.
func (m *Manager) Resume(queue string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	qs, ok := m.queues[queue]
	if !ok {
		return herald.ErrQueueNotFound
	}
	qs.paused = false
	return nil
}

// Paused reports whether the queue is paused. Unknown queues report
// false; callers validate names through Known.
func (m *Manager) Paused(queue string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if qs, ok := m.queues[queue]; ok {
		return qs.paused
	}
	return false
}

// Acquire checks pause state, rate limits, and concurrency for the
// given queue and tenant. If the claim may proceed it increments the
// active counters and returns true. The caller MUST call Release when
// the job completes.
func (m *Manager) Acquire(queue, tenantID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	qs := m.queues[queue]
	if qs != nil {
		if qs.paused {
			return false
		}
		if qs.limiter != nil && !qs.limiter.Allow() {
			return false
		}
		if qs.config.MaxConcurrency > 0 && qs.active >= qs.config.MaxConcurrency {
			return false
		}
	}

	if tenantID != "" {
		ts := m.tenants[tenantKey(queue, tenantID)]
		if ts != nil {
			if ts.limiter != nil && !ts.limiter.Allow() {
				return false
			}
			if ts.maxConcurrency > 0 && ts.active >= ts.maxConcurrency {
				return false
			}
			ts.active++
		}
	}

	if qs != nil {
		qs.active++
	}
	return true
}

// Release decrements the active job count for the queue and tenant.
func (m *Manager) Release(queue, tenantID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if qs := m.queues[queue]; qs != nil && qs.active > 0 {
		qs.active--
	}
	if tenantID != "" {
		if ts := m.tenants[tenantKey(queue, tenantID)]; ts != nil && ts.active > 0 {
			ts.active--
		}
	}
}

// RotateTenant returns the queue's tenant rotation cursor and advances
// it to the given tenant. The worker pool calls it after every
// successful claim so the next claim prefers a different tenant.
func (m *Manager) RotateTenant(queue, claimedTenant string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if qs, ok := m.queues[queue]; ok {
		qs.lastTenant = claimedTenant
	}
}

// TenantCursor returns the current rotation cursor for the queue.
func (m *Manager) TenantCursor(queue string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if qs, ok := m.queues[queue]; ok {
		return qs.lastTenant
	}
	return ""
}

// SetQueueConfig dynamically updates (or creates) a queue configuration.
// Pause state and active counts survive reconfiguration.
func (m *Manager) SetQueueConfig(cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing := m.queues[cfg.Name]
	qs := newQueueState(cfg)
	if existing != nil {
		qs.active = existing.active
		qs.paused = existing.paused
		qs.lastTenant = existing.lastTenant
	}
	m.queues[cfg.Name] = qs
}

// ActiveCount returns the current number of active jobs for a queue.
func (m *Manager) ActiveCount(queue string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if qs := m.queues[queue]; qs != nil {
		return qs.active
	}
	return 0
}
