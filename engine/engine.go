// Package engine wires all Herald subsystems together: the hook
// registry, middleware chain, queue manager, quota policy, worker pool,
// and the enqueue/control surface that producers and the admin facade
// call.
//
// This package exists to break the import cycle: the root herald
// package defines the error taxonomy and Config (imported by job,
// queue, etc.) and so cannot import those packages back. The engine
// package sits above all subsystem packages and below the application
// layer.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/heraldmail/herald"
	"github.com/heraldmail/herald/archive"
	"github.com/heraldmail/herald/backoff"
	"github.com/heraldmail/herald/delivery"
	"github.com/heraldmail/herald/hook"
	"github.com/heraldmail/herald/id"
	"github.com/heraldmail/herald/job"
	mw "github.com/heraldmail/herald/middleware"
	"github.com/heraldmail/herald/queue"
	"github.com/heraldmail/herald/quota"
	"github.com/heraldmail/herald/store"
	"github.com/heraldmail/herald/worker"
)

// QueueStats is a point-in-time snapshot of one queue's counters.
// Waiting counts pending jobs, Delayed counts retry_scheduled jobs.
type QueueStats struct {
	Queue     string `json:"queue"`
	Paused    bool   `json:"paused"`
	Waiting   int64  `json:"waiting"`
	Active    int64  `json:"active"`
	Completed int64  `json:"completed"`
	Failed    int64  `json:"failed"`
	Delayed   int64  `json:"delayed"`
	Cancelled int64  `json:"cancelled"`
}

// Engine is the dispatch queue engine: it admits send requests against
// the tenant's plan, persists them, and feeds the worker pool.
type Engine struct {
	cfg      herald.Config
	store    store.Store
	hooks    *hook.Registry
	queues   *queue.Manager
	plans    quota.PlanResolver
	sender   delivery.Sender
	bo       backoff.Strategy
	archiver *archive.Service
	pool     *worker.Pool
	mws      []mw.Middleware
	logger   *slog.Logger

	queueConfigs []queue.Config

	// OpenTelemetry providers (optional; nil means use global).
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithHook registers a lifecycle hook with the engine.
func WithHook(h hook.Hook) Option {
	return func(e *Engine) { e.hooks.Register(h) }
}

// WithMiddleware appends middleware to the engine's delivery chain,
// after the default stack.
func WithMiddleware(m mw.Middleware) Option {
	return func(e *Engine) { e.mws = append(e.mws, m) }
}

// WithBackoff sets the retry backoff strategy. If not set,
// exponential-with-jitter derived from the Config delays is used.
func WithBackoff(b backoff.Strategy) Option {
	return func(e *Engine) { e.bo = b }
}

// WithQueueConfig registers queue-level rate limiting and concurrency
// configurations. Queues listed in Config.Queues but not here run
// without limits.
func WithQueueConfig(configs ...queue.Config) Option {
	return func(e *Engine) { e.queueConfigs = append(e.queueConfigs, configs...) }
}

// WithPlanResolver sets the tenant plan source. Defaults to resolving
// every tenant to the FREE plan, which fails closed.
func WithPlanResolver(p quota.PlanResolver) Option {
	return func(e *Engine) { e.plans = p }
}

// WithSender sets the delivery backend the workers call.
func WithSender(s delivery.Sender) Option {
	return func(e *Engine) { e.sender = s }
}

// WithTracerProvider sets a custom OTel TracerProvider. When set, the
// tracing middleware uses it instead of the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) { e.tracerProvider = tp }
}

// WithMeterProvider sets a custom OTel MeterProvider. When set, the
// metrics middleware uses it instead of the global provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(e *Engine) { e.meterProvider = mp }
}

// New creates an Engine on top of the given store.
func New(cfg herald.Config, st store.Store, opts ...Option) (*Engine, error) {
	if st == nil {
		return nil, herald.ErrNoStore
	}

	e := &Engine{
		cfg:    cfg,
		store:  st,
		logger: slog.Default(),
	}
	e.hooks = hook.NewRegistry(e.logger)

	for _, opt := range opts {
		opt(e)
	}

	if e.sender == nil {
		return nil, fmt.Errorf("herald/engine: no delivery sender configured")
	}
	if e.plans == nil {
		e.plans = quota.StaticPlans{}
	}
	if e.bo == nil {
		e.bo = backoff.New(cfg.RetryDelay, cfg.MaxRetryDelay)
	}

	e.archiver = archive.NewService(st, st)

	// Register every served queue; WithQueueConfig entries override the
	// bare defaults.
	configured := make(map[string]bool, len(e.queueConfigs))
	for _, qc := range e.queueConfigs {
		configured[qc.Name] = true
	}
	configs := e.queueConfigs
	for _, name := range cfg.Queues {
		if !configured[name] {
			configs = append(configs, queue.Config{Name: name})
		}
	}
	e.queues = queue.NewManager(configs...)

	// Build tracing middleware (custom provider or global).
	var tracingMw mw.Middleware
	if e.tracerProvider != nil {
		tracingMw = mw.TracingWithTracer(e.tracerProvider.Tracer("github.com/heraldmail/herald"))
	} else {
		tracingMw = mw.Tracing()
	}

	// Build metrics middleware (custom provider or global).
	var metricsMw mw.Middleware
	if e.meterProvider != nil {
		metricsMw = mw.MetricsWithMeter(e.meterProvider.Meter("github.com/heraldmail/herald"))
	} else {
		metricsMw = mw.Metrics()
	}

	// Default stack: recover → tracing → metrics → logging → tenant → timeout.
	defaultMws := []mw.Middleware{
		mw.Recover(e.logger),
		tracingMw,
		metricsMw,
		mw.Logging(e.logger),
		mw.Tenant(),
		mw.Timeout(e.logger),
	}
	allMws := make([]mw.Middleware, 0, len(defaultMws)+len(e.mws))
	allMws = append(allMws, defaultMws...)
	allMws = append(allMws, e.mws...)

	executor := worker.NewExecutor(e.sender, e.hooks, e.store, e.archiver, e.bo, e.logger, allMws...)
	e.pool = worker.NewPool(e.store, executor, e.hooks, e.logger,
		worker.WithPoolConcurrency(cfg.Concurrency),
		worker.WithPoolQueues(cfg.Queues),
		worker.WithPollInterval(cfg.PollInterval),
		worker.WithHeartbeatInterval(cfg.HeartbeatInterval),
		worker.WithVisibilityTimeout(cfg.VisibilityTimeout),
		worker.WithQueueController(e.queues),
	)

	return e, nil
}

// ──────────────────────────────────────────────────
// Enqueue
// ──────────────────────────────────────────────────

// Enqueue validates the spec, admits it against the tenant's plan,
// reserves quota, and persists one pending job per recipient. No job is
// persisted when validation or admission fails.
func (e *Engine) Enqueue(ctx context.Context, spec job.Spec) ([]*job.Job, error) {
	return e.enqueue(ctx, spec, id.Nil)
}

// EnqueueCampaign expands a bulk send eagerly: one job per recipient
// under a shared campaign ID, quota reserved all-or-nothing. A campaign
// that does not fit the remaining budget persists nothing.
func (e *Engine) EnqueueCampaign(ctx context.Context, spec job.Spec) (id.CampaignID, []*job.Job, error) {
	if spec.Queue == "" {
		spec.Queue = "bulk"
	}
	campaignID := id.NewCampaignID()
	jobs, err := e.enqueue(ctx, spec, campaignID)
	if err != nil {
		return id.Nil, nil, err
	}
	return campaignID, jobs, nil
}

func (e *Engine) enqueue(ctx context.Context, spec job.Spec, campaignID id.CampaignID) ([]*job.Job, error) {
	if spec.Queue == "" {
		spec.Queue = "transactional"
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if !e.queues.Known(spec.Queue) {
		return nil, fmt.Errorf("herald/engine: enqueue to %q: %w", spec.Queue, herald.ErrQueueNotFound)
	}

	n := int64(len(spec.Recipients))
	decision, err := e.admit(ctx, spec.TenantID, n)
	if err != nil {
		return nil, err
	}

	ok, err := e.store.TryReserve(ctx, spec.TenantID, n, decision.Limit)
	if err != nil {
		return nil, fmt.Errorf("herald/engine: reserve quota: %w", err)
	}
	if !ok {
		// Lost the race between Admit and the reservation.
		e.hooks.EmitQuotaDenied(ctx, spec.TenantID, n)
		return nil, &herald.QuotaExceededError{
			TenantID:  spec.TenantID,
			Plan:      string(decision.Plan),
			Limit:     decision.Limit,
			Used:      decision.Used,
			Requested: n,
		}
	}

	jobs := e.buildJobs(spec, campaignID)
	if err := e.store.EnqueueJobs(ctx, jobs); err != nil {
		if relErr := e.store.ReleaseReservation(ctx, spec.TenantID, n); relErr != nil {
			e.logger.Error("failed to release quota reservation",
				slog.String("tenant_id", spec.TenantID),
				slog.Int64("count", n),
				slog.String("error", relErr.Error()),
			)
		}
		return nil, fmt.Errorf("herald/engine: persist jobs: %w", err)
	}

	for _, j := range jobs {
		e.hooks.EmitJobEnqueued(ctx, j)
	}

	e.logger.Debug("jobs enqueued",
		slog.String("tenant_id", spec.TenantID),
		slog.String("queue", spec.Queue),
		slog.Int64("count", n),
	)

	return jobs, nil
}

// admit runs the pure admission check against the tenant's plan and
// current usage. The authoritative reservation still happens through
// TryReserve.
func (e *Engine) admit(ctx context.Context, tenantID string, n int64) (quota.Decision, error) {
	plan, err := e.plans.PlanFor(ctx, tenantID)
	if err != nil {
		return quota.Decision{}, fmt.Errorf("herald/engine: resolve plan for %s: %w", tenantID, err)
	}

	used, err := e.store.Usage(ctx, tenantID)
	if err != nil {
		return quota.Decision{}, fmt.Errorf("herald/engine: read usage for %s: %w", tenantID, err)
	}

	decision := quota.Admit(plan, used, n)
	if !decision.Allowed {
		e.hooks.EmitQuotaDenied(ctx, tenantID, n)
		return decision, &herald.QuotaExceededError{
			TenantID:  tenantID,
			Plan:      string(decision.Plan),
			Limit:     decision.Limit,
			Used:      decision.Used,
			Requested: n,
		}
	}
	return decision, nil
}

// buildJobs materializes one pending job per recipient.
func (e *Engine) buildJobs(spec job.Spec, campaignID id.CampaignID) []*job.Job {
	now := time.Now().UTC()
	nextAttemptAt := now
	if !spec.NotBefore.IsZero() {
		nextAttemptAt = spec.NotBefore.UTC()
	}
	maxAttempts := spec.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = e.cfg.MaxAttempts
	}
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = e.cfg.DeliveryTimeout
	}

	jobs := make([]*job.Job, 0, len(spec.Recipients))
	for _, recipient := range spec.Recipients {
		jobs = append(jobs, &job.Job{
			ID:            id.NewJobID(),
			TenantID:      spec.TenantID,
			AppID:         spec.AppID,
			CampaignID:    campaignID,
			Recipient:     recipient,
			Subject:       spec.Subject,
			HTMLBody:      spec.HTMLBody,
			TextBody:      spec.TextBody,
			TemplateID:    spec.TemplateID,
			Variables:     spec.Variables,
			IdentityID:    spec.IdentityID,
			Queue:         spec.Queue,
			Priority:      spec.Priority,
			State:         job.StatePending,
			MaxAttempts:   maxAttempts,
			Timeout:       timeout,
			NextAttemptAt: nextAttemptAt,
			CreatedAt:     now,
			UpdatedAt:     now,
		})
	}
	return jobs
}

// ──────────────────────────────────────────────────
// Control surface
// ──────────────────────────────────────────────────

// Cancel transitions a pending or retry_scheduled job to cancelled.
// Active and terminal jobs fail with herald.ErrInvalidState (wrapped);
// in-flight sends finish before cancellation takes effect.
func (e *Engine) Cancel(ctx context.Context, jobID id.JobID) error {
	if err := e.store.CancelJob(ctx, jobID); err != nil {
		return err
	}
	j, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	e.hooks.EmitJobCancelled(ctx, j)
	return nil
}

// Job retrieves a job by ID.
func (e *Engine) Job(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	return e.store.GetJob(ctx, jobID)
}

// Pause stops pending→active transitions for the queue. The flag is
// persisted to the store, so every process sharing the backend stops
// claiming, not just this one. Idempotent; active jobs run to
// completion. Fails with herald.ErrQueueNotFound for unregistered
// names.
func (e *Engine) Pause(ctx context.Context, queueName string) error {
	if !e.queues.Known(queueName) {
		return fmt.Errorf("herald/engine: pause %q: %w", queueName, herald.ErrQueueNotFound)
	}
	if err := e.store.PauseQueue(ctx, queueName); err != nil {
		return fmt.Errorf("herald/engine: pause %q: %w", queueName, err)
	}
	if err := e.queues.Pause(queueName); err != nil {
		return err
	}
	e.hooks.EmitQueuePaused(ctx, queueName)
	e.logger.Info("queue paused", slog.String("queue", queueName))
	return nil
}

// Resume re-enables claiming for the queue across every process
// sharing the backend. Idempotent.
func (e *Engine) Resume(ctx context.Context, queueName string) error {
	if !e.queues.Known(queueName) {
		return fmt.Errorf("herald/engine: resume %q: %w", queueName, herald.ErrQueueNotFound)
	}
	if err := e.store.ResumeQueue(ctx, queueName); err != nil {
		return fmt.Errorf("herald/engine: resume %q: %w", queueName, err)
	}
	if err := e.queues.Resume(queueName); err != nil {
		return err
	}
	e.hooks.EmitQueueResumed(ctx, queueName)
	e.logger.Info("queue resumed", slog.String("queue", queueName))
	return nil
}

// Stats returns a point-in-time snapshot of the queue's counters.
// Read-only; never blocks producers or workers.
func (e *Engine) Stats(ctx context.Context, queueName string) (*QueueStats, error) {
	if !e.queues.Known(queueName) {
		return nil, fmt.Errorf("herald/engine: stats for %q: %w", queueName, herald.ErrQueueNotFound)
	}

	paused, err := e.store.QueuePaused(ctx, queueName)
	if err != nil {
		return nil, fmt.Errorf("herald/engine: stats for %q: %w", queueName, err)
	}

	stats := &QueueStats{
		Queue:  queueName,
		Paused: paused,
	}

	counts := []struct {
		state job.State
		dst   *int64
	}{
		{job.StatePending, &stats.Waiting},
		{job.StateActive, &stats.Active},
		{job.StateSent, &stats.Completed},
		{job.StateFailed, &stats.Failed},
		{job.StateRetryScheduled, &stats.Delayed},
		{job.StateCancelled, &stats.Cancelled},
	}
	for _, c := range counts {
		n, err := e.store.CountJobs(ctx, job.CountOpts{Queue: queueName, State: c.state})
		if err != nil {
			return nil, fmt.Errorf("herald/engine: count %s jobs: %w", c.state, err)
		}
		*c.dst = n
	}

	return stats, nil
}

// ClaimNext returns the next eligible job from the queue, or nil when
// nothing is eligible. It honors pause state and the tenant rotation
// cursor and never blocks; external workers poll and back off. Jobs
// claimed here are owned by the pool's worker ID and must be finalized
// through the store.
func (e *Engine) ClaimNext(ctx context.Context, queueName string) (*job.Job, error) {
	if !e.queues.Known(queueName) {
		return nil, fmt.Errorf("herald/engine: claim from %q: %w", queueName, herald.ErrQueueNotFound)
	}
	if e.queues.Paused(queueName) {
		return nil, nil
	}

	jobs, err := e.store.ClaimJobs(ctx, queueName, job.ClaimOpts{
		WorkerID:    e.pool.WorkerID(),
		AfterTenant: e.queues.TenantCursor(queueName),
		Limit:       1,
	})
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, nil
	}

	e.queues.RotateTenant(queueName, jobs[0].TenantID)
	return jobs[0], nil
}

// ──────────────────────────────────────────────────
// Lifecycle
// ──────────────────────────────────────────────────

// Start begins job processing by starting the worker pool. Pause flags
// persisted by other instances are loaded into the local queue manager
// first, so a freshly started instance honors an existing pause.
func (e *Engine) Start(ctx context.Context) error {
	for _, name := range e.cfg.Queues {
		paused, err := e.store.QueuePaused(ctx, name)
		if err != nil {
			return fmt.Errorf("herald/engine: read pause state for %q: %w", name, err)
		}
		if paused {
			if err := e.queues.Pause(name); err != nil {
				return err
			}
		}
	}
	return e.pool.Start(ctx)
}

// Stop gracefully shuts down the worker pool, waiting up to the
// context deadline for in-flight sends.
func (e *Engine) Stop(ctx context.Context) error {
	return e.pool.Stop(ctx)
}

// Hooks returns the lifecycle hook registry.
func (e *Engine) Hooks() *hook.Registry { return e.hooks }

// Queues returns the queue manager.
func (e *Engine) Queues() *queue.Manager { return e.queues }

// Archive returns the dead-letter archive service.
func (e *Engine) Archive() *archive.Service { return e.archiver }

// Pool returns the worker pool.
func (e *Engine) Pool() *worker.Pool { return e.pool }

// Store returns the backing store.
func (e *Engine) Store() store.Store { return e.store }
