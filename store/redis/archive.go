package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/heraldmail/herald"
	"github.com/heraldmail/herald/archive"
	"github.com/heraldmail/herald/id"
	"github.com/heraldmail/herald/job"
)

// PushArchive adds a terminally failed send to the archive. Entries are
// stored as Hashes and indexed in a Sorted Set scored by failed_at, so
// listings come back newest-first without scanning.
func (s *Store) PushArchive(ctx context.Context, entry *archive.Entry) error {
	eID := entry.ID.String()

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, archiveKey(eID), archiveToMap(entry))
	pipe.ZAdd(ctx, archiveIndexKey, goredis.Z{Score: float64(entry.FailedAt.UnixMilli()), Member: eID})

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("herald/redis: push archive: %w", err)
	}
	return nil
}

// ListArchive returns archive entries matching the given options,
// newest first. Queue and tenant filters are applied after the index
// scan, so Offset/Limit count matching entries.
func (s *Store) ListArchive(ctx context.Context, opts archive.ListOpts) ([]*archive.Entry, error) {
	ids, err := s.client.ZRevRange(ctx, archiveIndexKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("herald/redis: list archive zrevrange: %w", err)
	}

	entries := make([]*archive.Entry, 0, len(ids))
	for _, eID := range ids {
		e, getErr := s.getArchiveByKey(ctx, archiveKey(eID))
		if getErr != nil {
			continue // skip missing
		}
		if opts.Queue != "" && e.Queue != opts.Queue {
			continue
		}
		if opts.TenantID != "" && e.TenantID != opts.TenantID {
			continue
		}
		entries = append(entries, e)
	}

	if opts.Offset > 0 {
		if opts.Offset >= len(entries) {
			return nil, nil
		}
		entries = entries[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(entries) {
		entries = entries[:opts.Limit]
	}
	return entries, nil
}

// GetArchive retrieves an archive entry by ID.
func (s *Store) GetArchive(ctx context.Context, entryID id.ArchiveID) (*archive.Entry, error) {
	return s.getArchiveByKey(ctx, archiveKey(entryID.String()))
}

// ReplayArchive marks an archive entry as replayed.
func (s *Store) ReplayArchive(ctx context.Context, entryID id.ArchiveID) error {
	key := archiveKey(entryID.String())

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("herald/redis: replay archive exists: %w", err)
	}
	if exists == 0 {
		return herald.ErrArchiveNotFound
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	if err := s.client.HSet(ctx, key, "replayed_at", now).Err(); err != nil {
		return fmt.Errorf("herald/redis: replay archive: %w", err)
	}
	return nil
}

// PurgeArchive removes archive entries with FailedAt before the given
// time. Returns the number of entries removed.
func (s *Store) PurgeArchive(ctx context.Context, before time.Time) (int64, error) {
	max := strconv.FormatInt(before.UnixMilli()-1, 10)

	ids, err := s.client.ZRangeByScore(ctx, archiveIndexKey, &goredis.ZRangeBy{
		Min: "-inf",
		Max: max,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("herald/redis: purge archive scan: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := s.client.TxPipeline()
	for _, eID := range ids {
		pipe.Del(ctx, archiveKey(eID))
	}
	pipe.ZRemRangeByScore(ctx, archiveIndexKey, "-inf", max)

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("herald/redis: purge archive: %w", err)
	}
	return int64(len(ids)), nil
}

// CountArchive returns the total number of entries in the archive.
func (s *Store) CountArchive(ctx context.Context) (int64, error) {
	n, err := s.client.ZCard(ctx, archiveIndexKey).Result()
	if err != nil {
		return 0, fmt.Errorf("herald/redis: count archive: %w", err)
	}
	return n, nil
}

// ── helpers ──

func archiveToMap(e *archive.Entry) map[string]any {
	m := map[string]any{
		"id":           e.ID.String(),
		"job_id":       e.JobID.String(),
		"tenant_id":    e.TenantID,
		"app_id":       e.AppID,
		"campaign_id":  e.CampaignID.String(),
		"queue":        e.Queue,
		"priority":     strconv.Itoa(int(e.Priority)),
		"recipient":    e.Recipient,
		"subject":      e.Subject,
		"html_body":    e.HTMLBody,
		"text_body":    e.TextBody,
		"template_id":  e.TemplateID,
		"variables":    marshalJSON(e.Variables),
		"identity_id":  e.IdentityID,
		"error":        e.Error,
		"error_class":  string(e.ErrorClass),
		"attempts":     strconv.Itoa(e.Attempts),
		"max_attempts": strconv.Itoa(e.MaxAttempts),
		"failed_at":    e.FailedAt.Format(time.RFC3339Nano),
		"created_at":   e.CreatedAt.Format(time.RFC3339Nano),
	}
	if e.ReplayedAt != nil {
		m["replayed_at"] = e.ReplayedAt.Format(time.RFC3339Nano)
	}
	return m
}

func (s *Store) getArchiveByKey(ctx context.Context, key string) (*archive.Entry, error) {
	vals, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("herald/redis: get archive: %w", err)
	}
	if len(vals) == 0 {
		return nil, herald.ErrArchiveNotFound
	}
	return mapToArchive(vals)
}

func mapToArchive(m map[string]string) (*archive.Entry, error) {
	eID, err := id.ParseArchiveID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("herald/redis: parse archive id: %w", err)
	}
	jID, err := id.ParseJobID(m["job_id"])
	if err != nil {
		return nil, fmt.Errorf("herald/redis: parse archived job id: %w", err)
	}

	priority, _ := strconv.Atoi(m["priority"])        //nolint:errcheck // best-effort parse from trusted Redis data
	attempts, _ := strconv.Atoi(m["attempts"])        //nolint:errcheck // best-effort parse from trusted Redis data
	maxAttempts, _ := strconv.Atoi(m["max_attempts"]) //nolint:errcheck // best-effort parse from trusted Redis data

	failedAt, _ := time.Parse(time.RFC3339Nano, m["failed_at"])   //nolint:errcheck // best-effort parse from trusted Redis data
	createdAt, _ := time.Parse(time.RFC3339Nano, m["created_at"]) //nolint:errcheck // best-effort parse from trusted Redis data

	e := &archive.Entry{
		ID:          eID,
		JobID:       jID,
		TenantID:    m["tenant_id"],
		AppID:       m["app_id"],
		Queue:       m["queue"],
		Priority:    job.Priority(priority),
		Recipient:   m["recipient"],
		Subject:     m["subject"],
		HTMLBody:    m["html_body"],
		TextBody:    m["text_body"],
		TemplateID:  m["template_id"],
		Variables:   unmarshalMap(m["variables"]),
		IdentityID:  m["identity_id"],
		Error:       m["error"],
		ErrorClass:  job.ErrorClass(m["error_class"]),
		Attempts:    attempts,
		MaxAttempts: maxAttempts,
		FailedAt:    failedAt,
		CreatedAt:   createdAt,
	}

	if cid := m["campaign_id"]; cid != "" {
		e.CampaignID, _ = id.Parse(cid) //nolint:errcheck // best-effort parse from trusted Redis data
	}
	if v := m["replayed_at"]; v != "" {
		t, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
		e.ReplayedAt = &t
	}

	return e, nil
}
