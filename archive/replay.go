package archive

import (
	"context"
	"time"

	"github.com/heraldmail/herald/id"
	"github.com/heraldmail/herald/job"
)

// Replay re-enqueues an archive entry as a new pending job and marks
// the entry as replayed. The new job gets a fresh ID, zero attempts,
// and is due immediately.
func (s *Service) Replay(ctx context.Context, entryID id.ArchiveID) (*job.Job, error) {
	entry, err := s.store.GetArchive(ctx, entryID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	j := &job.Job{
		ID:            id.NewJobID(),
		TenantID:      entry.TenantID,
		AppID:         entry.AppID,
		CampaignID:    entry.CampaignID,
		Recipient:     entry.Recipient,
		Subject:       entry.Subject,
		HTMLBody:      entry.HTMLBody,
		TextBody:      entry.TextBody,
		TemplateID:    entry.TemplateID,
		Variables:     entry.Variables,
		IdentityID:    entry.IdentityID,
		Queue:         entry.Queue,
		Priority:      entry.Priority,
		State:         job.StatePending,
		MaxAttempts:   entry.MaxAttempts,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := s.jobStore.EnqueueJob(ctx, j); err != nil {
		return nil, err
	}

	if err := s.store.ReplayArchive(ctx, entryID); err != nil {
		// The job is already enqueued. Return it along with the error.
		return j, err
	}

	return j, nil
}
