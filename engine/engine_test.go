package engine_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/heraldmail/herald"
	"github.com/heraldmail/herald/delivery"
	"github.com/heraldmail/herald/engine"
	"github.com/heraldmail/herald/job"
	"github.com/heraldmail/herald/queue"
	"github.com/heraldmail/herald/quota"
	"github.com/heraldmail/herald/store/memory"
)

func testConfig() herald.Config {
	cfg := herald.DefaultConfig()
	cfg.Concurrency = 1
	cfg.PollInterval = 10 * time.Millisecond
	cfg.RetryDelay = 10 * time.Millisecond
	cfg.MaxRetryDelay = 50 * time.Millisecond
	return cfg
}

func okSender() delivery.Sender {
	return delivery.SenderFunc(func(_ context.Context, _ *job.Job) (*delivery.Result, error) {
		return &delivery.Result{ProviderMessageID: "prov-1"}, nil
	})
}

func newEngine(t *testing.T, s *memory.Store, opts ...engine.Option) *engine.Engine {
	t.Helper()
	base := []engine.Option{
		engine.WithSender(okSender()),
		engine.WithPlanResolver(quota.StaticPlans{"acme": quota.PlanFree}),
	}
	eng, err := engine.New(testConfig(), s, append(base, opts...)...)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	return eng
}

func validSpec() job.Spec {
	return job.Spec{
		TenantID:   "acme",
		AppID:      "app-1",
		Recipients: []string{"alice@example.com"},
		Subject:    "welcome",
		HTMLBody:   "<p>hi</p>",
		IdentityID: "identity-1",
		Queue:      "transactional",
		Priority:   job.PriorityTransactional,
	}
}

func TestEngine_Enqueue_PersistsPendingJob(t *testing.T) {
	s := memory.New()
	eng := newEngine(t, s)
	ctx := context.Background()

	jobs, err := eng.Enqueue(ctx, validSpec())
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("expected 1 job, got %d", len(jobs))
	}

	got, err := eng.Job(ctx, jobs[0].ID)
	if err != nil {
		t.Fatalf("Job: %v", err)
	}
	if got.State != job.StatePending {
		t.Errorf("state = %q, want %q", got.State, job.StatePending)
	}
	if got.MaxAttempts != testConfig().MaxAttempts {
		t.Errorf("MaxAttempts = %d, want config default %d", got.MaxAttempts, testConfig().MaxAttempts)
	}

	used, err := s.Usage(ctx, "acme")
	if err != nil {
		t.Fatalf("Usage: %v", err)
	}
	if used != 1 {
		t.Errorf("usage = %d, want 1", used)
	}
}

func TestEngine_Enqueue_ValidationFailurePersistsNothing(t *testing.T) {
	s := memory.New()
	eng := newEngine(t, s)
	ctx := context.Background()

	spec := validSpec()
	spec.Recipients = nil
	spec.Subject = ""

	_, err := eng.Enqueue(ctx, spec)
	if !errors.Is(err, herald.ErrValidation) {
		t.Fatalf("error = %v, want ErrValidation", err)
	}

	var verr *herald.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected *herald.ValidationError, got %T", err)
	}
	if _, ok := verr.Fields["recipients"]; !ok {
		t.Error("expected recipients violation")
	}

	count, err := s.CountJobs(ctx, job.CountOpts{})
	if err != nil {
		t.Fatalf("CountJobs: %v", err)
	}
	if count != 0 {
		t.Errorf("job count = %d, want 0", count)
	}

	used, _ := s.Usage(ctx, "acme")
	if used != 0 {
		t.Errorf("usage = %d, want 0", used)
	}
}

func TestEngine_Enqueue_QuotaDenialPersistsNothing(t *testing.T) {
	s := memory.New()
	eng := newEngine(t, s)
	ctx := context.Background()

	// FREE plan: 1,000/period. 999 already used, 5 more requested.
	if ok, err := s.TryReserve(ctx, "acme", 999, quota.PlanFree.MonthlyEmailLimit()); err != nil || !ok {
		t.Fatalf("seed usage: ok=%v err=%v", ok, err)
	}

	spec := validSpec()
	spec.Recipients = []string{
		"a@example.com", "b@example.com", "c@example.com",
		"d@example.com", "e@example.com",
	}

	_, err := eng.Enqueue(ctx, spec)
	if !errors.Is(err, herald.ErrQuotaExceeded) {
		t.Fatalf("error = %v, want ErrQuotaExceeded", err)
	}

	var qerr *herald.QuotaExceededError
	if !errors.As(err, &qerr) {
		t.Fatalf("expected *herald.QuotaExceededError, got %T", err)
	}
	if qerr.Used != 999 || qerr.Requested != 5 || qerr.Limit != 1000 {
		t.Errorf("quota error = %+v, want used=999 requested=5 limit=1000", qerr)
	}

	count, err := s.CountJobs(ctx, job.CountOpts{})
	if err != nil {
		t.Fatalf("CountJobs: %v", err)
	}
	if count != 0 {
		t.Errorf("job count = %d, want 0 — denial must not persist jobs", count)
	}

	used, _ := s.Usage(ctx, "acme")
	if used != 999 {
		t.Errorf("usage = %d, want 999 — denial must not consume quota", used)
	}
}

func TestEngine_Enqueue_UnknownQueue(t *testing.T) {
	s := memory.New()
	eng := newEngine(t, s)

	spec := validSpec()
	spec.Queue = "newsletter"

	_, err := eng.Enqueue(context.Background(), spec)
	if !errors.Is(err, herald.ErrQueueNotFound) {
		t.Fatalf("error = %v, want ErrQueueNotFound", err)
	}
}

func TestEngine_EnqueueCampaign_SharedCampaignID(t *testing.T) {
	s := memory.New()
	eng := newEngine(t, s)
	ctx := context.Background()

	spec := validSpec()
	spec.Queue = ""
	spec.Priority = job.PriorityBulk
	spec.Recipients = []string{"a@example.com", "b@example.com", "c@example.com"}

	campaignID, jobs, err := eng.EnqueueCampaign(ctx, spec)
	if err != nil {
		t.Fatalf("EnqueueCampaign: %v", err)
	}
	if campaignID.IsNil() {
		t.Fatal("expected a campaign ID")
	}
	if len(jobs) != 3 {
		t.Fatalf("expected 3 jobs, got %d", len(jobs))
	}
	for _, j := range jobs {
		if j.CampaignID != campaignID {
			t.Errorf("job %s CampaignID = %v, want %v", j.ID, j.CampaignID, campaignID)
		}
		if j.Queue != "bulk" {
			t.Errorf("job %s queue = %q, want bulk", j.ID, j.Queue)
		}
	}

	used, _ := s.Usage(ctx, "acme")
	if used != 3 {
		t.Errorf("usage = %d, want 3", used)
	}
}

func TestEngine_EnqueueCampaign_AllOrNothing(t *testing.T) {
	s := memory.New()
	eng := newEngine(t, s)
	ctx := context.Background()

	// 998 used: a 3-recipient campaign does not fit the FREE limit.
	if ok, err := s.TryReserve(ctx, "acme", 998, quota.PlanFree.MonthlyEmailLimit()); err != nil || !ok {
		t.Fatalf("seed usage: ok=%v err=%v", ok, err)
	}

	spec := validSpec()
	spec.Queue = "bulk"
	spec.Recipients = []string{"a@example.com", "b@example.com", "c@example.com"}

	_, _, err := eng.EnqueueCampaign(ctx, spec)
	if !errors.Is(err, herald.ErrQuotaExceeded) {
		t.Fatalf("error = %v, want ErrQuotaExceeded", err)
	}

	count, _ := s.CountJobs(ctx, job.CountOpts{})
	if count != 0 {
		t.Errorf("job count = %d, want 0 — campaign reservation is all-or-nothing", count)
	}
}

func TestEngine_Cancel(t *testing.T) {
	s := memory.New()
	eng := newEngine(t, s)
	ctx := context.Background()

	jobs, err := eng.Enqueue(ctx, validSpec())
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if err := eng.Cancel(ctx, jobs[0].ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	got, err := eng.Job(ctx, jobs[0].ID)
	if err != nil {
		t.Fatalf("Job: %v", err)
	}
	if got.State != job.StateCancelled {
		t.Errorf("state = %q, want %q", got.State, job.StateCancelled)
	}

	// Terminal jobs cannot be cancelled again.
	err = eng.Cancel(ctx, jobs[0].ID)
	if !errors.Is(err, herald.ErrInvalidState) {
		t.Errorf("second cancel error = %v, want ErrInvalidState", err)
	}
}

func TestEngine_PauseResume(t *testing.T) {
	s := memory.New()
	eng := newEngine(t, s)
	ctx := context.Background()

	if err := eng.Pause(ctx, "transactional"); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	// Idempotent.
	if err := eng.Pause(ctx, "transactional"); err != nil {
		t.Fatalf("second Pause: %v", err)
	}

	if _, err := eng.Enqueue(ctx, validSpec()); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	j, err := eng.ClaimNext(ctx, "transactional")
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if j != nil {
		t.Error("paused queue must not hand out jobs")
	}

	if err := eng.Resume(ctx, "transactional"); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	j, err = eng.ClaimNext(ctx, "transactional")
	if err != nil {
		t.Fatalf("ClaimNext after resume: %v", err)
	}
	if j == nil {
		t.Fatal("expected a job after resume")
	}
	if j.State != job.StateActive {
		t.Errorf("claimed state = %q, want %q", j.State, job.StateActive)
	}

	if err := eng.Pause(ctx, "nope"); !errors.Is(err, herald.ErrQueueNotFound) {
		t.Errorf("Pause unknown queue error = %v, want ErrQueueNotFound", err)
	}
	if err := eng.Resume(ctx, "nope"); !errors.Is(err, herald.ErrQueueNotFound) {
		t.Errorf("Resume unknown queue error = %v, want ErrQueueNotFound", err)
	}
}

func TestEngine_Pause_SharedAcrossInstances(t *testing.T) {
	s := memory.New()
	instanceA := newEngine(t, s)
	instanceB := newEngine(t, s)
	ctx := context.Background()

	if _, err := instanceA.Enqueue(ctx, validSpec()); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	// Pausing through one instance must stop claiming on every instance
	// sharing the store, not just the one whose admin API was hit.
	if err := instanceA.Pause(ctx, "transactional"); err != nil {
		t.Fatalf("Pause: %v", err)
	}

	j, err := instanceB.ClaimNext(ctx, "transactional")
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if j != nil {
		t.Fatalf("instance B claimed %s from a queue paused via instance A", j.ID)
	}

	stats, err := instanceB.Stats(ctx, "transactional")
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if !stats.Paused {
		t.Error("instance B reports Paused = false for a queue paused via instance A")
	}
	if stats.Waiting != 1 {
		t.Errorf("Waiting = %d, want 1 — the job must stay pending", stats.Waiting)
	}

	if err := instanceA.Resume(ctx, "transactional"); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	j, err = instanceB.ClaimNext(ctx, "transactional")
	if err != nil {
		t.Fatalf("ClaimNext after resume: %v", err)
	}
	if j == nil {
		t.Fatal("expected instance B to claim after resume")
	}
}

func TestEngine_ClaimNext_EmptyQueue(t *testing.T) {
	s := memory.New()
	eng := newEngine(t, s)

	j, err := eng.ClaimNext(context.Background(), "transactional")
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if j != nil {
		t.Errorf("expected nil job from empty queue, got %v", j.ID)
	}

	if _, err := eng.ClaimNext(context.Background(), "nope"); !errors.Is(err, herald.ErrQueueNotFound) {
		t.Errorf("ClaimNext unknown queue error = %v, want ErrQueueNotFound", err)
	}
}

func TestEngine_Stats(t *testing.T) {
	s := memory.New()
	eng := newEngine(t, s)
	ctx := context.Background()

	spec := validSpec()
	spec.Recipients = []string{"a@example.com", "b@example.com"}
	if _, err := eng.Enqueue(ctx, spec); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if _, err := eng.ClaimNext(ctx, "transactional"); err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}

	stats, err := eng.Stats(ctx, "transactional")
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Waiting != 1 {
		t.Errorf("Waiting = %d, want 1", stats.Waiting)
	}
	if stats.Active != 1 {
		t.Errorf("Active = %d, want 1", stats.Active)
	}
	if stats.Paused {
		t.Error("Paused = true, want false")
	}

	if _, err := eng.Stats(ctx, "nope"); !errors.Is(err, herald.ErrQueueNotFound) {
		t.Errorf("Stats unknown queue error = %v, want ErrQueueNotFound", err)
	}
}

func TestEngine_EndToEnd_TransientThenSent(t *testing.T) {
	s := memory.New()

	var calls atomic.Int32
	sender := delivery.SenderFunc(func(_ context.Context, _ *job.Job) (*delivery.Result, error) {
		if calls.Add(1) == 1 {
			return nil, delivery.Transient("throttled", "provider throttled", nil)
		}
		return &delivery.Result{ProviderMessageID: "prov-99"}, nil
	})

	eng := newEngine(t, s,
		engine.WithSender(sender),
		engine.WithQueueConfig(queue.Config{Name: "transactional", MaxConcurrency: 2}),
	)
	ctx := context.Background()

	jobs, err := eng.Enqueue(ctx, validSpec())
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if err := eng.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		got, getErr := eng.Job(ctx, jobs[0].ID)
		if getErr == nil && got.State == job.StateSent {
			if got.Attempts != 2 {
				t.Errorf("attempts = %d, want 2", got.Attempts)
			}
			if got.ProviderMessageID != "prov-99" {
				t.Errorf("ProviderMessageID = %q, want prov-99", got.ProviderMessageID)
			}
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for transient-then-success round trip")
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := eng.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}
