package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/heraldmail/herald/delivery"
	"github.com/heraldmail/herald/hook"
	"github.com/heraldmail/herald/id"
	"github.com/heraldmail/herald/job"
)

// QueueController gates claiming: pause state, rate limits, concurrency
// caps, and the tenant rotation cursor. The worker pool consults it
// before and after every claim.
type QueueController interface {
	// Acquire checks rate limits and concurrency for the queue/tenant
	// combination. Returns true if the send is allowed to proceed; the
	// caller must Release when it completes.
	Acquire(queue, tenantID string) bool
	// Release decrements the active count for the queue/tenant pair.
	Release(queue, tenantID string)
	// Paused reports whether the queue is paused.
	Paused(queue string) bool
	// TenantCursor returns the queue's tenant rotation cursor.
	TenantCursor(queue string) string
	// RotateTenant advances the rotation cursor past the claimed tenant.
	RotateTenant(queue, claimedTenant string)
}

// Pool manages a set of concurrent worker goroutines that claim jobs
// from the configured queues and execute them through the Executor.
// Each pool instance has a unique worker ID used for claim ownership
// and heartbeats.
type Pool struct {
	store        job.Store
	executor     *Executor
	hooks        *hook.Registry
	concurrency  int
	queues       []string
	pollInterval time.Duration
	workerID     id.WorkerID
	logger       *slog.Logger

	// Heartbeat / reaper configuration.
	heartbeatInterval time.Duration
	visibilityTimeout time.Duration

	// Queue controller (optional).
	controller QueueController

	stopCh     chan struct{}
	wg         sync.WaitGroup
	mu         sync.Mutex
	running    bool
	activeJobs map[string]context.CancelFunc
	activeMu   sync.Mutex
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithPoolConcurrency sets the number of concurrent worker goroutines.
func WithPoolConcurrency(n int) PoolOption {
	return func(p *Pool) { p.concurrency = n }
}

// WithPoolQueues sets the queues the pool will poll.
func WithPoolQueues(queues []string) PoolOption {
	return func(p *Pool) { p.queues = queues }
}

// WithPollInterval sets how often idle workers poll for new jobs.
func WithPollInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.pollInterval = d }
}

// WithHeartbeatInterval sets how often the pool refreshes liveness for
// active jobs. A zero value disables heartbeats.
func WithHeartbeatInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.heartbeatInterval = d }
}

// WithVisibilityTimeout sets the threshold after which active jobs
// without a heartbeat are presumed abandoned and reclaimed. A zero
// value disables the reaper.
func WithVisibilityTimeout(d time.Duration) PoolOption {
	return func(p *Pool) { p.visibilityTimeout = d }
}

// WithQueueController sets the controller for pause state, rate
// limiting, and tenant rotation.
func WithQueueController(c QueueController) PoolOption {
	return func(p *Pool) { p.controller = c }
}

// NewPool creates a worker pool.
func NewPool(
	store job.Store,
	executor *Executor,
	hooks *hook.Registry,
	logger *slog.Logger,
	opts ...PoolOption,
) *Pool {
	p := &Pool{
		store:        store,
		executor:     executor,
		hooks:        hooks,
		concurrency:  10,
		queues:       []string{"transactional", "bulk"},
		pollInterval: time.Second,
		workerID:     id.NewWorkerID(),
		logger:       logger,
		stopCh:       make(chan struct{}),
		activeJobs:   make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WorkerID returns the pool's unique worker identifier.
func (p *Pool) WorkerID() id.WorkerID { return p.workerID }

// Start launches the worker goroutines. It returns immediately.
func (p *Pool) Start(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	p.running = true

	p.logger.Info("worker pool starting",
		slog.String("worker_id", p.workerID.String()),
		slog.Int("concurrency", p.concurrency),
		slog.Any("queues", p.queues),
	)

	for range p.concurrency {
		p.wg.Add(1)
		go p.claimLoop()
	}

	if p.heartbeatInterval > 0 {
		p.wg.Add(1)
		go p.heartbeatLoop()
	}

	if p.visibilityTimeout > 0 {
		p.wg.Add(1)
		go p.reaperLoop()
	}

	return nil
}

// Stop signals all workers to stop and waits for in-flight sends to
// finish. If the context has a deadline, active jobs are cancelled when
// time runs out.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	p.logger.Info("worker pool stopping", slog.String("worker_id", p.workerID.String()))

	close(p.stopCh)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown timed out, cancelling active sends")
		p.cancelActiveJobs()
		p.wg.Wait()
	}

	p.hooks.EmitShutdown(context.Background())
	return nil
}

// claimLoop is run by each worker goroutine. It cycles through the
// configured queues; a successful claim executes the job, an empty
// sweep sleeps for the poll interval.
func (p *Pool) claimLoop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		claimed := false
		for _, queue := range p.queues {
			if p.claimOne(queue) {
				claimed = true
			}

			select {
			case <-p.stopCh:
				return
			default:
			}
		}

		if !claimed {
			p.sleep()
		}
	}
}

// claimOne attempts to claim and execute a single job from the queue.
// Returns true if a job was claimed.
func (p *Pool) claimOne(queue string) bool {
	ctx := context.Background()

	// Paused queues keep their jobs pending; don't touch the store.
	if p.controller != nil && p.controller.Paused(queue) {
		return false
	}

	opts := job.ClaimOpts{WorkerID: p.workerID, Limit: 1}
	if p.controller != nil {
		opts.AfterTenant = p.controller.TenantCursor(queue)
	}

	jobs, err := p.store.ClaimJobs(ctx, queue, opts)
	if err != nil {
		p.logger.Error("claim error",
			slog.String("queue", queue),
			slog.String("error", err.Error()),
		)
		return false
	}
	if len(jobs) == 0 {
		return false
	}

	j := jobs[0]

	if p.controller != nil {
		p.controller.RotateTenant(queue, j.TenantID)

		if !p.controller.Acquire(j.Queue, j.TenantID) {
			// Rate limited. The claim never became an attempt: hand the
			// job back as pending with the attempt count restored.
			p.returnRateLimited(ctx, j)
			return false
		}
		defer p.controller.Release(j.Queue, j.TenantID)
	}

	p.hooks.EmitJobStarted(ctx, j)

	execCtx, cancel := context.WithCancel(ctx)
	p.trackJob(j.ID.String(), cancel)

	execErr := p.executor.Execute(execCtx, j)
	if execErr != nil {
		p.logger.Debug("send execution failed",
			slog.String("job_id", j.ID.String()),
			slog.String("queue", j.Queue),
			slog.String("error", execErr.Error()),
		)
	}

	p.untrackJob(j.ID.String())
	cancel()

	return true
}

// returnRateLimited puts a claimed-but-throttled job back in pending
// with a short delay. The store reverts the claim atomically, undoing
// its attempt increment, because the claim never turned into a
// delivery attempt.
func (p *Pool) returnRateLimited(ctx context.Context, j *job.Job) {
	nextAttemptAt := time.Now().UTC().Add(p.pollInterval)
	if err := p.store.UnclaimJob(ctx, j.ID, p.workerID, nextAttemptAt); err != nil {
		p.logger.Error("failed to return rate-limited job",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
	}
}

// heartbeatLoop periodically refreshes liveness for all active jobs.
func (p *Pool) heartbeatLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.sendHeartbeats()
		}
	}
}

func (p *Pool) sendHeartbeats() {
	p.activeMu.Lock()
	jobIDs := make([]string, 0, len(p.activeJobs))
	for jobID := range p.activeJobs {
		jobIDs = append(jobIDs, jobID)
	}
	p.activeMu.Unlock()

	for _, jobIDStr := range jobIDs {
		parsedID, parseErr := id.ParseJobID(jobIDStr)
		if parseErr != nil {
			p.logger.Warn("heartbeat: invalid job id", slog.String("job_id", jobIDStr))
			continue
		}
		if err := p.store.HeartbeatJob(context.Background(), parsedID, p.workerID); err != nil {
			p.logger.Warn("heartbeat failed",
				slog.String("job_id", jobIDStr),
				slog.String("error", err.Error()),
			)
		}
	}
}

// reaperLoop periodically reclaims active jobs whose owning worker has
// stopped heartbeating.
func (p *Pool) reaperLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.visibilityTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.reapStaleJobs()
		}
	}
}

// reapStaleJobs treats each abandoned job as a transient delivery
// failure: the attempt was already counted at claim time, so the
// standard failure path decides between retry and terminal failure
// without re-incrementing.
func (p *Pool) reapStaleJobs() {
	ctx := context.Background()

	stale, err := p.store.ReapStaleJobs(ctx, p.visibilityTimeout, p.workerID)
	if err != nil {
		p.logger.Error("reap stale jobs error", slog.String("error", err.Error()))
		return
	}

	for _, j := range stale {
		j.WorkerID = id.Nil
		j.HeartbeatAt = nil
		j.StartedAt = nil
		j.UpdatedAt = time.Now().UTC()

		lostErr := delivery.Transient("worker_lost", "visibility timeout exceeded, worker presumed dead", nil)
		if handleErr := p.executor.handleFailure(ctx, j, lostErr, time.Now().UTC()); handleErr != nil {
			p.logger.Debug("reclaimed job routed to failure path",
				slog.String("job_id", j.ID.String()),
				slog.String("error", handleErr.Error()),
			)
		}

		p.logger.Info("reclaimed stale job",
			slog.String("job_id", j.ID.String()),
			slog.String("queue", j.Queue),
			slog.Int("attempts", j.Attempts),
		)
	}
}

func (p *Pool) sleep() {
	select {
	case <-time.After(p.pollInterval):
	case <-p.stopCh:
	}
}

func (p *Pool) trackJob(jobID string, cancel context.CancelFunc) {
	p.activeMu.Lock()
	p.activeJobs[jobID] = cancel
	p.activeMu.Unlock()
}

func (p *Pool) untrackJob(jobID string) {
	p.activeMu.Lock()
	delete(p.activeJobs, jobID)
	p.activeMu.Unlock()
}

func (p *Pool) cancelActiveJobs() {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	for jobID, cancel := range p.activeJobs {
		p.logger.Warn("cancelling active send", slog.String("job_id", jobID))
		cancel()
	}
}
