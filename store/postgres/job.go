package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/heraldmail/herald"
	"github.com/heraldmail/herald/id"
	"github.com/heraldmail/herald/job"
)

const jobColumns = `
	id, tenant_id, app_id, campaign_id, recipient, subject,
	html_body, text_body, template_id, variables, identity_id,
	queue, priority, state, attempts, max_attempts,
	last_error, error_class, provider_message_id, worker_id, timeout_ns,
	next_attempt_at, created_at, updated_at, started_at, sent_at, heartbeat_at`

// EnqueueJob persists a new job in pending state.
func (s *Store) EnqueueJob(ctx context.Context, j *job.Job) error {
	vars, err := marshalVariables(j.Variables)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO herald_jobs (`+jobColumns+`
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11,
			$12, $13, $14, $15, $16,
			$17, $18, $19, $20, $21,
			$22, $23, $24, $25, $26, $27
		)`,
		j.ID.String(), j.TenantID, j.AppID, j.CampaignID.String(), j.Recipient, j.Subject,
		j.HTMLBody, j.TextBody, j.TemplateID, vars, j.IdentityID,
		j.Queue, int(j.Priority), string(j.State), j.Attempts, j.MaxAttempts,
		j.LastError, string(j.ErrorClass), j.ProviderMessageID, j.WorkerID.String(), j.Timeout.Nanoseconds(),
		j.NextAttemptAt, j.CreatedAt, j.UpdatedAt, j.StartedAt, j.SentAt, j.HeartbeatAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return herald.ErrJobAlreadyExists
		}
		return fmt.Errorf("herald/postgres: enqueue job: %w", err)
	}
	return nil
}

// EnqueueJobs persists a batch of jobs in a single transaction.
// All-or-nothing: any failure rolls the whole batch back.
func (s *Store) EnqueueJobs(ctx context.Context, jobs []*job.Job) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("herald/postgres: begin enqueue batch: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, j := range jobs {
		vars, varErr := marshalVariables(j.Variables)
		if varErr != nil {
			return varErr
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO herald_jobs (`+jobColumns+`
			) VALUES (
				$1, $2, $3, $4, $5, $6,
				$7, $8, $9, $10, $11,
				$12, $13, $14, $15, $16,
				$17, $18, $19, $20, $21,
				$22, $23, $24, $25, $26, $27
			)`,
			j.ID.String(), j.TenantID, j.AppID, j.CampaignID.String(), j.Recipient, j.Subject,
			j.HTMLBody, j.TextBody, j.TemplateID, vars, j.IdentityID,
			j.Queue, int(j.Priority), string(j.State), j.Attempts, j.MaxAttempts,
			j.LastError, string(j.ErrorClass), j.ProviderMessageID, j.WorkerID.String(), j.Timeout.Nanoseconds(),
			j.NextAttemptAt, j.CreatedAt, j.UpdatedAt, j.StartedAt, j.SentAt, j.HeartbeatAt,
		)
		if err != nil {
			if isDuplicateKey(err) {
				return herald.ErrJobAlreadyExists
			}
			return fmt.Errorf("herald/postgres: enqueue job %s: %w", j.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("herald/postgres: commit enqueue batch: %w", err)
	}
	return nil
}

// ClaimJobs atomically claims up to opts.Limit eligible jobs using
// FOR UPDATE SKIP LOCKED, so concurrent claimers across processes never
// double-claim. The claim counts as the start of an attempt. The pause
// flag is checked inside the claim statement, so a queue paused through
// any instance stops claiming everywhere. Ordering: priority class
// descending, then tenants cyclically after opts.AfterTenant, then due
// time.
func (s *Store) ClaimJobs(ctx context.Context, queue string, opts job.ClaimOpts) ([]*job.Job, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 1
	}

	rows, err := s.pool.Query(ctx, `
		WITH claimed AS (
			UPDATE herald_jobs
			SET state = 'active',
			    attempts = attempts + 1,
			    worker_id = $2,
			    started_at = NOW(),
			    heartbeat_at = NOW(),
			    updated_at = NOW()
			WHERE id IN (
				SELECT id FROM herald_jobs
				WHERE queue = $1
				  AND state IN ('pending', 'retry_scheduled')
				  AND next_attempt_at <= NOW()
				  AND NOT COALESCE(
				      (SELECT paused FROM herald_queues WHERE name = $1), FALSE)
				ORDER BY priority DESC,
				         (tenant_id > $3) DESC,
				         tenant_id ASC,
				         next_attempt_at ASC
				FOR UPDATE SKIP LOCKED
				LIMIT $4
			)
			RETURNING `+jobColumns+`
		)
		SELECT * FROM claimed
		ORDER BY priority DESC, next_attempt_at ASC`,
		queue, opts.WorkerID.String(), opts.AfterTenant, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("herald/postgres: claim jobs: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

// UnclaimJob reverts a claim whose delivery never started. The pending
// state, the attempt counter, and the due time revert in one statement
// guarded by ownership.
func (s *Store) UnclaimJob(ctx context.Context, jobID id.JobID, workerID id.WorkerID, nextAttemptAt time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE herald_jobs
		SET state = 'pending',
		    attempts = GREATEST(attempts - 1, 0),
		    worker_id = '',
		    started_at = NULL,
		    heartbeat_at = NULL,
		    next_attempt_at = $3,
		    updated_at = NOW()
		WHERE id = $1 AND state = 'active' AND worker_id = $2`,
		jobID.String(), workerID.String(), nextAttemptAt,
	)
	if err != nil {
		return fmt.Errorf("herald/postgres: unclaim job: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	err = s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM herald_jobs WHERE id = $1)`, jobID.String(),
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("herald/postgres: unclaim job: %w", err)
	}
	if !exists {
		return herald.ErrJobNotFound
	}
	return herald.ErrJobClaimed
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM herald_jobs WHERE id = $1`,
		jobID.String(),
	)

	j, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, herald.ErrJobNotFound
		}
		return nil, fmt.Errorf("herald/postgres: get job: %w", err)
	}
	return j, nil
}

// UpdateJob persists changes to an existing job.
func (s *Store) UpdateJob(ctx context.Context, j *job.Job) error {
	vars, err := marshalVariables(j.Variables)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE herald_jobs SET
			tenant_id = $2, app_id = $3, campaign_id = $4,
			recipient = $5, subject = $6, html_body = $7, text_body = $8,
			template_id = $9, variables = $10, identity_id = $11,
			queue = $12, priority = $13, state = $14,
			attempts = $15, max_attempts = $16,
			last_error = $17, error_class = $18, provider_message_id = $19,
			worker_id = $20, timeout_ns = $21,
			next_attempt_at = $22, started_at = $23, sent_at = $24,
			heartbeat_at = $25, updated_at = NOW()
		WHERE id = $1`,
		j.ID.String(), j.TenantID, j.AppID, j.CampaignID.String(),
		j.Recipient, j.Subject, j.HTMLBody, j.TextBody,
		j.TemplateID, vars, j.IdentityID,
		j.Queue, int(j.Priority), string(j.State),
		j.Attempts, j.MaxAttempts,
		j.LastError, string(j.ErrorClass), j.ProviderMessageID,
		j.WorkerID.String(), j.Timeout.Nanoseconds(),
		j.NextAttemptAt, j.StartedAt, j.SentAt, j.HeartbeatAt,
	)
	if err != nil {
		return fmt.Errorf("herald/postgres: update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return herald.ErrJobNotFound
	}
	return nil
}

// CancelJob transitions a pending or retry_scheduled job to cancelled.
// The guard runs in the database so a concurrent claim cannot race the
// cancellation.
func (s *Store) CancelJob(ctx context.Context, jobID id.JobID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE herald_jobs
		SET state = 'cancelled', updated_at = NOW()
		WHERE id = $1 AND state IN ('pending', 'retry_scheduled')`,
		jobID.String(),
	)
	if err != nil {
		return fmt.Errorf("herald/postgres: cancel job: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	// No row transitioned: missing, or not cancellable.
	var state string
	err = s.pool.QueryRow(ctx,
		`SELECT state FROM herald_jobs WHERE id = $1`, jobID.String(),
	).Scan(&state)
	if err != nil {
		if isNoRows(err) {
			return herald.ErrJobNotFound
		}
		return fmt.Errorf("herald/postgres: cancel job: %w", err)
	}
	return &herald.InvalidStateError{Op: "cancel", State: state}
}

// ListJobsByState returns jobs matching the given state.
func (s *Store) ListJobsByState(ctx context.Context, state job.State, opts job.ListOpts) ([]*job.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM herald_jobs WHERE state = $1`
	args := []any{string(state)}
	argIdx := 2

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

	query += " ORDER BY created_at ASC"

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
		return nil, fmt.Errorf("herald/postgres: list jobs by state: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

// CountJobs returns the number of jobs matching the given options.
func (s *Store) CountJobs(ctx context.Context, opts job.CountOpts) (int64, error) {
	query := `SELECT COUNT(*) FROM herald_jobs WHERE 1=1`
	args := []any{}
	argIdx := 1

	if opts.Queue != "" {
		query += fmt.Sprintf(" AND queue = $%d", argIdx)
		args = append(args, opts.Queue)
		argIdx++
	}
	if opts.State != "" {
		query += fmt.Sprintf(" AND state = $%d", argIdx)
		args = append(args, string(opts.State))
		argIdx++
	}
	if opts.TenantID != "" {
		query += fmt.Sprintf(" AND tenant_id = $%d", argIdx)
		args = append(args, opts.TenantID)
	}

	var count int64
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("herald/postgres: count jobs: %w", err)
	}
	return count, nil
}

// HeartbeatJob refreshes liveness for an active job owned by the given
// worker. Ownership is enforced in the WHERE clause.
func (s *Store) HeartbeatJob(ctx context.Context, jobID id.JobID, workerID id.WorkerID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE herald_jobs
		SET heartbeat_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND state = 'active' AND worker_id = $2`,
		jobID.String(), workerID.String(),
	)
	if err != nil {
		return fmt.Errorf("herald/postgres: heartbeat job: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	err = s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM herald_jobs WHERE id = $1)`, jobID.String(),
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("herald/postgres: heartbeat job: %w", err)
	}
	if !exists {
		return herald.ErrJobNotFound
	}
	return herald.ErrJobClaimed
}

// ReapStaleJobs takes over active jobs whose heartbeat (or claim, when
// no heartbeat has landed yet) is older than the visibility timeout.
// The takeover transfers ownership and refreshes the heartbeat under
// FOR UPDATE SKIP LOCKED, so each stale job has exactly one winner even
// with reapers running in several processes.
func (s *Store) ReapStaleJobs(ctx context.Context, visibility time.Duration, workerID id.WorkerID) ([]*job.Job, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE herald_jobs
		SET worker_id = $2,
		    heartbeat_at = NOW(),
		    updated_at = NOW()
		WHERE id IN (
			SELECT id FROM herald_jobs
			WHERE state = 'active'
			  AND COALESCE(heartbeat_at, started_at) < NOW() - $1::interval
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns,
		visibility.String(), workerID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("herald/postgres: reap stale jobs: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

// scanJob scans a single job row.
func scanJob(row pgx.Row) (*job.Job, error) {
	var (
		j           job.Job
		idStr       string
		campaignStr string
		stateStr    string
		classStr    string
		workerStr   string
		vars        []byte
		timeoutNs   int64
	)
	err := row.Scan(
		&idStr, &j.TenantID, &j.AppID, &campaignStr, &j.Recipient, &j.Subject,
		&j.HTMLBody, &j.TextBody, &j.TemplateID, &vars, &j.IdentityID,
		&j.Queue, &j.Priority, &stateStr, &j.Attempts, &j.MaxAttempts,
		&j.LastError, &classStr, &j.ProviderMessageID, &workerStr, &timeoutNs,
		&j.NextAttemptAt, &j.CreatedAt, &j.UpdatedAt, &j.StartedAt, &j.SentAt, &j.HeartbeatAt,
	)
	if err != nil {
		return nil, err
	}

	j.State = job.State(stateStr)
	j.ErrorClass = job.ErrorClass(classStr)
	j.Timeout = time.Duration(timeoutNs)

	if j.Variables, err = unmarshalVariables(vars); err != nil {
		return nil, err
	}

	parsedID, parseErr := id.ParseJobID(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("herald/postgres: parse job id %q: %w", idStr, parseErr)
	}
	j.ID = parsedID

	if campaignStr != "" {
		if parsed, cErr := id.Parse(campaignStr); cErr == nil {
			j.CampaignID = parsed
		}
	}
	if workerStr != "" {
		if parsed, wErr := id.Parse(workerStr); wErr == nil {
			j.WorkerID = parsed
		}
	}

	return &j, nil
}

// collectJobs collects all jobs from query rows.
func collectJobs(rows pgx.Rows) ([]*job.Job, error) {
	var jobs []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("herald/postgres: scan job row: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("herald/postgres: iterate job rows: %w", err)
	}
	return jobs, nil
}
