package job

import (
	"time"

	"github.com/heraldmail/herald/id"
)

// State represents the lifecycle state of a job.
type State string

const (
	// StatePending means the job is waiting to be claimed by a worker.
	StatePending State = "pending"
	// StateActive means a worker owns the job and is delivering it.
	StateActive State = "active"
	// StateSent means the provider accepted the message. Terminal.
	StateSent State = "sent"
	// StateRetryScheduled means a transient failure occurred and the job
	// is waiting out its backoff delay.
	StateRetryScheduled State = "retry_scheduled"
	// StateFailed means the job failed permanently or exhausted its
	// attempt budget. Terminal.
	StateFailed State = "failed"
	// StateCancelled means the job was cancelled before delivery. Terminal.
	StateCancelled State = "cancelled"
)

// Terminal reports whether s is a terminal state. Terminal jobs are
// never re-admitted to a queue.
func (s State) Terminal() bool {
	return s == StateSent || s == StateFailed || s == StateCancelled
}

// Priority orders claims within a queue. Higher values are claimed
// first; tenant fairness applies within a priority class, never across
// classes.
type Priority int

const (
	// PriorityBulk is the class for campaign and bulk sends.
	PriorityBulk Priority = 0
	// PriorityTransactional is the class for transactional sends
	// (receipts, password resets). Always claimed before bulk.
	PriorityTransactional Priority = 100
)

// ErrorClass categorizes the last delivery error recorded on a job.
type ErrorClass string

const (
	// ErrorClassNone means no delivery error has been recorded.
	ErrorClassNone ErrorClass = ""
	// ErrorClassTransient marks retryable provider failures: timeouts,
	// 5xx responses, throttling.
	ErrorClassTransient ErrorClass = "transient"
	// ErrorClassPermanent marks non-retryable failures: invalid
	// recipient, suppressed address, rejected content.
	ErrorClassPermanent ErrorClass = "permanent"
)

// Job represents a single email send to be executed by a worker.
type Job struct {
	ID         id.JobID      `json:"id"`
	TenantID   string        `json:"tenant_id"`
	AppID      string        `json:"app_id,omitempty"`
	CampaignID id.CampaignID `json:"campaign_id,omitempty"`

	Recipient  string            `json:"recipient"`
	Subject    string            `json:"subject"`
	HTMLBody   string            `json:"html_body,omitempty"`
	TextBody   string            `json:"text_body,omitempty"`
	TemplateID string            `json:"template_id,omitempty"`
	Variables  map[string]string `json:"variables,omitempty"`
	IdentityID string            `json:"identity_id"`

	Queue    string   `json:"queue"`
	Priority Priority `json:"priority"`
	State    State    `json:"state"`

	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"max_attempts"`
	LastError   string     `json:"last_error,omitempty"`
	ErrorClass  ErrorClass `json:"error_class,omitempty"`

	ProviderMessageID string        `json:"provider_message_id,omitempty"`
	WorkerID          id.WorkerID   `json:"worker_id,omitempty"`
	Timeout           time.Duration `json:"timeout,omitempty"`

	NextAttemptAt time.Time  `json:"next_attempt_at"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	SentAt        *time.Time `json:"sent_at,omitempty"`
	HeartbeatAt   *time.Time `json:"heartbeat_at,omitempty"`
}

// Cancellable reports whether the job may transition to cancelled from
// its current state. Active jobs finish their in-flight attempt first;
// terminal jobs are immutable.
func (j *Job) Cancellable() bool {
	return j.State == StatePending || j.State == StateRetryScheduled
}
