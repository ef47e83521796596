package worker_test

import (
	"context"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/heraldmail/herald/archive"
	"github.com/heraldmail/herald/backoff"
	"github.com/heraldmail/herald/delivery"
	"github.com/heraldmail/herald/hook"
	"github.com/heraldmail/herald/id"
	"github.com/heraldmail/herald/job"
	"github.com/heraldmail/herald/middleware"
	"github.com/heraldmail/herald/queue"
	"github.com/heraldmail/herald/store/memory"
	"github.com/heraldmail/herald/worker"
)

func setupTestPool(t *testing.T, sender delivery.Sender, opts ...worker.PoolOption) (*worker.Pool, *memory.Store, *hook.Registry) {
	t.Helper()
	logger := slog.Default()
	s := memory.New()
	hooks := hook.NewRegistry(logger)

	executor := worker.NewExecutor(
		sender,
		hooks,
		s,
		archive.NewService(s, s),
		backoff.NewConstant(10*time.Millisecond),
		logger,
		middleware.Recover(logger),
	)

	base := []worker.PoolOption{
		worker.WithPoolConcurrency(1),
		worker.WithPollInterval(10 * time.Millisecond),
		worker.WithPoolQueues([]string{"transactional"}),
	}
	pool := worker.NewPool(s, executor, hooks, logger, append(base, opts...)...)

	return pool, s, hooks
}

func newPendingJob(queue string) *job.Job {
	now := time.Now().UTC()
	return &job.Job{
		ID:            id.NewJobID(),
		TenantID:      "acme",
		Recipient:     "alice@example.com",
		Subject:       "welcome",
		HTMLBody:      "<p>hi</p>",
		IdentityID:    "identity-1",
		Queue:         queue,
		Priority:      job.PriorityTransactional,
		State:         job.StatePending,
		MaxAttempts:   3,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatal(msg)
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
}

func stopPool(t *testing.T, pool *worker.Pool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := pool.Stop(ctx); err != nil {
		t.Fatalf("stop error: %v", err)
	}
}

func TestPool_StartStop(t *testing.T) {
	sender := delivery.SenderFunc(func(_ context.Context, _ *job.Job) (*delivery.Result, error) {
		return &delivery.Result{}, nil
	})
	pool, _, _ := setupTestPool(t, sender)

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}

	// Double start should be a no-op.
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("unexpected double-start error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := pool.Stop(ctx); err != nil {
		t.Fatalf("unexpected stop error: %v", err)
	}

	// Double stop should be a no-op.
	if err := pool.Stop(ctx); err != nil {
		t.Fatalf("unexpected double-stop error: %v", err)
	}
}

func TestPool_SendsPendingJob(t *testing.T) {
	var sent atomic.Bool
	sender := delivery.SenderFunc(func(_ context.Context, j *job.Job) (*delivery.Result, error) {
		if j.Recipient != "alice@example.com" {
			t.Errorf("Recipient = %q, want alice@example.com", j.Recipient)
		}
		sent.Store(true)
		return &delivery.Result{ProviderMessageID: "prov-1"}, nil
	})
	pool, s, _ := setupTestPool(t, sender)

	j := newPendingJob("transactional")
	if err := s.EnqueueJob(context.Background(), j); err != nil {
		t.Fatalf("enqueue error: %v", err)
	}

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("start error: %v", err)
	}
	waitFor(t, sent.Load, "timed out waiting for job to be sent")
	stopPool(t, pool)

	got, err := s.GetJob(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("get job error: %v", err)
	}
	if got.State != job.StateSent {
		t.Errorf("state = %q, want %q", got.State, job.StateSent)
	}
	if got.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", got.Attempts)
	}
	if got.ProviderMessageID != "prov-1" {
		t.Errorf("ProviderMessageID = %q, want prov-1", got.ProviderMessageID)
	}
	if got.SentAt == nil {
		t.Error("expected SentAt to be set")
	}
}

func TestPool_RetriesTransientFailure(t *testing.T) {
	var calls atomic.Int32
	sender := delivery.SenderFunc(func(_ context.Context, _ *job.Job) (*delivery.Result, error) {
		if calls.Add(1) == 1 {
			return nil, delivery.Transient("timeout", "smtp timeout", nil)
		}
		return &delivery.Result{ProviderMessageID: "prov-2"}, nil
	})
	pool, s, _ := setupTestPool(t, sender)

	j := newPendingJob("transactional")
	if err := s.EnqueueJob(context.Background(), j); err != nil {
		t.Fatalf("enqueue error: %v", err)
	}

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("start error: %v", err)
	}
	waitFor(t, func() bool { return calls.Load() >= 2 }, "timed out waiting for retry attempt")
	waitFor(t, func() bool {
		got, err := s.GetJob(context.Background(), j.ID)
		return err == nil && got.State == job.StateSent
	}, "timed out waiting for job to reach sent")
	stopPool(t, pool)

	got, err := s.GetJob(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("get job error: %v", err)
	}
	if got.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", got.Attempts)
	}
}

func TestPool_PausedQueueLeavesJobsPending(t *testing.T) {
	var sent atomic.Bool
	sender := delivery.SenderFunc(func(_ context.Context, _ *job.Job) (*delivery.Result, error) {
		sent.Store(true)
		return &delivery.Result{}, nil
	})

	qm := queue.NewManager(queue.Config{Name: "transactional", Paused: true})
	pool, s, _ := setupTestPool(t, sender, worker.WithQueueController(qm))

	j := newPendingJob("transactional")
	if err := s.EnqueueJob(context.Background(), j); err != nil {
		t.Fatalf("enqueue error: %v", err)
	}

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("start error: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	stopPool(t, pool)

	if sent.Load() {
		t.Error("paused queue must not deliver jobs")
	}
	got, err := s.GetJob(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("get job error: %v", err)
	}
	if got.State != job.StatePending {
		t.Errorf("state = %q, want %q", got.State, job.StatePending)
	}
	if got.Attempts != 0 {
		t.Errorf("attempts = %d, want 0", got.Attempts)
	}
}

func TestPool_RateLimitedClaimRestoresAttempts(t *testing.T) {
	var sent atomic.Bool
	sender := delivery.SenderFunc(func(_ context.Context, _ *job.Job) (*delivery.Result, error) {
		sent.Store(true)
		return &delivery.Result{}, nil
	})

	pool, s, _ := setupTestPool(t, sender, worker.WithQueueController(denyController{}))

	j := newPendingJob("transactional")
	if err := s.EnqueueJob(context.Background(), j); err != nil {
		t.Fatalf("enqueue error: %v", err)
	}

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("start error: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	stopPool(t, pool)

	if sent.Load() {
		t.Error("throttled queue must not deliver jobs")
	}
	got, err := s.GetJob(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("get job error: %v", err)
	}
	if got.State != job.StatePending {
		t.Errorf("state = %q, want %q", got.State, job.StatePending)
	}
	if got.Attempts != 0 {
		t.Errorf("attempts = %d, want 0 (claim never became an attempt)", got.Attempts)
	}
}

func TestPool_ReclaimsAbandonedJob(t *testing.T) {
	var sent atomic.Bool
	sender := delivery.SenderFunc(func(_ context.Context, _ *job.Job) (*delivery.Result, error) {
		sent.Store(true)
		return &delivery.Result{ProviderMessageID: "prov-3"}, nil
	})
	pool, s, _ := setupTestPool(t, sender, worker.WithVisibilityTimeout(30*time.Millisecond))

	// A job claimed by a worker that died: active, one attempt counted,
	// heartbeat long past the visibility timeout.
	j := newPendingJob("transactional")
	stale := time.Now().UTC().Add(-time.Minute)
	j.State = job.StateActive
	j.Attempts = 1
	j.WorkerID = id.NewWorkerID()
	j.StartedAt = &stale
	j.HeartbeatAt = &stale
	if err := s.EnqueueJob(context.Background(), j); err != nil {
		t.Fatalf("enqueue error: %v", err)
	}

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("start error: %v", err)
	}
	waitFor(t, sent.Load, "timed out waiting for reclaimed job to be sent")
	stopPool(t, pool)

	got, err := s.GetJob(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("get job error: %v", err)
	}
	if got.State != job.StateSent {
		t.Errorf("state = %q, want %q", got.State, job.StateSent)
	}
	// One attempt from the dead worker's claim, one from the reclaim.
	if got.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", got.Attempts)
	}
	if got.ProviderMessageID != "prov-3" {
		t.Errorf("ProviderMessageID = %q, want prov-3", got.ProviderMessageID)
	}
}

func TestPool_HooksFire(t *testing.T) {
	sender := delivery.SenderFunc(func(_ context.Context, _ *job.Job) (*delivery.Result, error) {
		return &delivery.Result{}, nil
	})
	pool, s, hooks := setupTestPool(t, sender)

	tracker := &trackingHook{}
	hooks.Register(tracker)

	j := newPendingJob("transactional")
	if err := s.EnqueueJob(context.Background(), j); err != nil {
		t.Fatalf("enqueue error: %v", err)
	}

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("start error: %v", err)
	}
	waitFor(t, tracker.sent.Load, "timed out waiting for JobSent hook")
	stopPool(t, pool)

	if !tracker.started.Load() {
		t.Error("expected OnJobStarted to fire")
	}
	if !tracker.sent.Load() {
		t.Error("expected OnJobSent to fire")
	}
}

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

// denyController admits claims (queue not paused) but refuses every
// Acquire, simulating a saturated rate limit.
type denyController struct{}

func (denyController) Acquire(_, _ string) bool     { return false }
func (denyController) Release(_, _ string)          {}
func (denyController) Paused(_ string) bool         { return false }
func (denyController) TenantCursor(_ string) string { return "" }
func (denyController) RotateTenant(_, _ string)     {}

// trackingHook records which lifecycle events fired.
type trackingHook struct {
	started atomic.Bool
	sent    atomic.Bool
	failed  atomic.Bool
}

func (h *trackingHook) Name() string { return "tracker" }

func (h *trackingHook) OnJobStarted(_ context.Context, _ *job.Job) error {
	h.started.Store(true)
	return nil
}

func (h *trackingHook) OnJobSent(_ context.Context, _ *job.Job, _ time.Duration) error {
	h.sent.Store(true)
	return nil
}

func (h *trackingHook) OnJobFailed(_ context.Context, _ *job.Job, _ error) error {
	h.failed.Store(true)
	return nil
}
