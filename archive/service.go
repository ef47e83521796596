package archive

import (
	"context"
	"time"

	"github.com/heraldmail/herald/id"
	"github.com/heraldmail/herald/job"
)

// Service provides high-level archive operations over a Store.
type Service struct {
	store    Store
	jobStore job.Store
}

// NewService creates an archive service.
func NewService(store Store, jobStore job.Store) *Service {
	return &Service{store: store, jobStore: jobStore}
}

// Push builds an archive Entry from a terminally failed job and
// persists it. The error string and class are captured from the final
// delivery error.
func (s *Service) Push(ctx context.Context, j *job.Job, jobErr error) error {
	now := time.Now().UTC()
	entry := &Entry{
		ID:          id.NewArchiveID(),
		JobID:       j.ID,
		TenantID:    j.TenantID,
		AppID:       j.AppID,
		CampaignID:  j.CampaignID,
		Queue:       j.Queue,
		Priority:    j.Priority,
		Recipient:   j.Recipient,
		Subject:     j.Subject,
		HTMLBody:    j.HTMLBody,
		TextBody:    j.TextBody,
		TemplateID:  j.TemplateID,
		Variables:   j.Variables,
		IdentityID:  j.IdentityID,
		Error:       jobErr.Error(),
		ErrorClass:  j.ErrorClass,
		Attempts:    j.Attempts,
		MaxAttempts: j.MaxAttempts,
		FailedAt:    now,
		CreatedAt:   now,
	}
	return s.store.PushArchive(ctx, entry)
}

// ArchiveStore returns the underlying store for direct access to List,
// Get, Purge, and Count operations.
func (s *Service) ArchiveStore() Store {
	return s.store
}
