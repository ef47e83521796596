package archive

import (
	"time"

	"github.com/heraldmail/herald/id"
	"github.com/heraldmail/herald/job"
)

// Entry represents a send that has failed terminally and been copied to
// the failure archive for inspection or replay.
type Entry struct {
	ID          id.ArchiveID      `json:"id"`
	JobID       id.JobID          `json:"job_id"`
	TenantID    string            `json:"tenant_id"`
	AppID       string            `json:"app_id,omitempty"`
	CampaignID  id.CampaignID     `json:"campaign_id,omitempty"`
	Queue       string            `json:"queue"`
	Priority    job.Priority      `json:"priority"`
	Recipient   string            `json:"recipient"`
	Subject     string            `json:"subject"`
	HTMLBody    string            `json:"html_body,omitempty"`
	TextBody    string            `json:"text_body,omitempty"`
	TemplateID  string            `json:"template_id,omitempty"`
	Variables   map[string]string `json:"variables,omitempty"`
	IdentityID  string            `json:"identity_id"`
	Error       string            `json:"error"`
	ErrorClass  job.ErrorClass    `json:"error_class"`
	Attempts    int               `json:"attempts"`
	MaxAttempts int               `json:"max_attempts"`
	FailedAt    time.Time         `json:"failed_at"`
	ReplayedAt  *time.Time        `json:"replayed_at,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}
