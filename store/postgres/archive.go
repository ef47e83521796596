package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/heraldmail/herald"
	"github.com/heraldmail/herald/archive"
	"github.com/heraldmail/herald/id"
	"github.com/heraldmail/herald/job"
)

const archiveColumns = `
	id, job_id, tenant_id, app_id, campaign_id, queue, priority,
	recipient, subject, html_body, text_body, template_id, variables, identity_id,
	error, error_class, attempts, max_attempts, failed_at, replayed_at, created_at`

// PushArchive adds a terminally failed send to the archive.
func (s *Store) PushArchive(ctx context.Context, entry *archive.Entry) error {
	vars, err := marshalVariables(entry.Variables)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO herald_archive (`+archiveColumns+`
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18, $19, $20, $21
		)`,
		entry.ID.String(), entry.JobID.String(), entry.TenantID, entry.AppID,
		entry.CampaignID.String(), entry.Queue, int(entry.Priority),
		entry.Recipient, entry.Subject, entry.HTMLBody, entry.TextBody,
		entry.TemplateID, vars, entry.IdentityID,
		entry.Error, string(entry.ErrorClass), entry.Attempts, entry.MaxAttempts,
		entry.FailedAt, entry.ReplayedAt, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("herald/postgres: push archive: %w", err)
	}
	return nil
}

// ListArchive returns archive entries matching the given options,
// newest first.
func (s *Store) ListArchive(ctx context.Context, opts archive.ListOpts) ([]*archive.Entry, error) {
	query := `SELECT ` + archiveColumns + ` FROM herald_archive WHERE 1=1`
	args := []any{}
	argIdx := 1

	if opts.Queue != "" {
		query += fmt.Sprintf(" AND queue = $%d", argIdx)
		args = append(args, opts.Queue)
		argIdx++
	}
	if opts.TenantID != "" {
		query += fmt.Sprintf(" AND tenant_id = $%d", argIdx)
		args = append(args, opts.TenantID)
		argIdx++
	}

	query += " ORDER BY failed_at DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("herald/postgres: list archive: %w", err)
	}
	defer rows.Close()

	var entries []*archive.Entry
	for rows.Next() {
		entry, scanErr := scanArchiveEntry(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("herald/postgres: scan archive row: %w", scanErr)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("herald/postgres: iterate archive rows: %w", err)
	}
	return entries, nil
}

// GetArchive retrieves an archive entry by ID.
func (s *Store) GetArchive(ctx context.Context, entryID id.ArchiveID) (*archive.Entry, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+archiveColumns+` FROM herald_archive WHERE id = $1`,
		entryID.String(),
	)

	entry, err := scanArchiveEntry(row)
	if err != nil {
		if isNoRows(err) {
			return nil, herald.ErrArchiveNotFound
		}
		return nil, fmt.Errorf("herald/postgres: get archive: %w", err)
	}
	return entry, nil
}

// ReplayArchive marks an archive entry as replayed.
func (s *Store) ReplayArchive(ctx context.Context, entryID id.ArchiveID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE herald_archive SET replayed_at = NOW() WHERE id = $1`,
		entryID.String(),
	)
	if err != nil {
		return fmt.Errorf("herald/postgres: replay archive: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return herald.ErrArchiveNotFound
	}
	return nil
}

// PurgeArchive removes archive entries that failed before the given
// time. Returns the number of entries removed.
func (s *Store) PurgeArchive(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM herald_archive WHERE failed_at < $1`, before,
	)
	if err != nil {
		return 0, fmt.Errorf("herald/postgres: purge archive: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CountArchive returns the total number of entries in the archive.
func (s *Store) CountArchive(ctx context.Context) (int64, error) {
	var count int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM herald_archive`).Scan(&count); err != nil {
		return 0, fmt.Errorf("herald/postgres: count archive: %w", err)
	}
	return count, nil
}

// scanArchiveEntry scans a single archive row.
func scanArchiveEntry(row pgx.Row) (*archive.Entry, error) {
	var (
		entry       archive.Entry
		idStr       string
		jobStr      string
		campaignStr string
		classStr    string
		vars        []byte
	)
	err := row.Scan(
		&idStr, &jobStr, &entry.TenantID, &entry.AppID, &campaignStr,
		&entry.Queue, &entry.Priority,
		&entry.Recipient, &entry.Subject, &entry.HTMLBody, &entry.TextBody,
		&entry.TemplateID, &vars, &entry.IdentityID,
		&entry.Error, &classStr, &entry.Attempts, &entry.MaxAttempts,
		&entry.FailedAt, &entry.ReplayedAt, &entry.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	entry.ErrorClass = job.ErrorClass(classStr)

	if entry.Variables, err = unmarshalVariables(vars); err != nil {
		return nil, err
	}

	parsedID, parseErr := id.ParseArchiveID(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("herald/postgres: parse archive id %q: %w", idStr, parseErr)
	}
	entry.ID = parsedID

	if jobStr != "" {
		if parsed, jErr := id.Parse(jobStr); jErr == nil {
			entry.JobID = parsed
		}
	}
	if campaignStr != "" {
		if parsed, cErr := id.Parse(campaignStr); cErr == nil {
			entry.CampaignID = parsed
		}
	}

	return &entry, nil
}
