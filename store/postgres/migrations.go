package postgres

// migration is one ordered schema step. Migrations run inside Migrate
// and are tracked by name in herald_migrations.
type migration struct {
	name string
	sql  string
}

var migrations = []migration{
	{
		name: "001_create_jobs",
		sql: `
			CREATE TABLE IF NOT EXISTS herald_jobs (
				id                  TEXT PRIMARY KEY,
				tenant_id           TEXT NOT NULL,
				app_id              TEXT NOT NULL DEFAULT '',
				campaign_id         TEXT NOT NULL DEFAULT '',
				recipient           TEXT NOT NULL,
				subject             TEXT NOT NULL,
				html_body           TEXT NOT NULL DEFAULT '',
				text_body           TEXT NOT NULL DEFAULT '',
				template_id         TEXT NOT NULL DEFAULT '',
				variables           JSONB,
				identity_id         TEXT NOT NULL,
				queue               TEXT NOT NULL DEFAULT 'transactional',
				priority            INTEGER NOT NULL DEFAULT 0,
				state               TEXT NOT NULL DEFAULT 'pending',
				attempts            INTEGER NOT NULL DEFAULT 0,
				max_attempts        INTEGER NOT NULL DEFAULT 3,
				last_error          TEXT NOT NULL DEFAULT '',
				error_class         TEXT NOT NULL DEFAULT '',
				provider_message_id TEXT NOT NULL DEFAULT '',
				worker_id           TEXT NOT NULL DEFAULT '',
				timeout_ns          BIGINT NOT NULL DEFAULT 0,
				next_attempt_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				updated_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				started_at          TIMESTAMPTZ,
				sent_at             TIMESTAMPTZ,
				heartbeat_at        TIMESTAMPTZ
			);

			CREATE INDEX IF NOT EXISTS idx_herald_jobs_claim
				ON herald_jobs (queue, priority DESC, tenant_id, next_attempt_at)
				WHERE state IN ('pending', 'retry_scheduled');

			CREATE INDEX IF NOT EXISTS idx_herald_jobs_state
				ON herald_jobs (state);

			CREATE INDEX IF NOT EXISTS idx_herald_jobs_tenant
				ON herald_jobs (tenant_id);

			CREATE INDEX IF NOT EXISTS idx_herald_jobs_heartbeat
				ON herald_jobs (heartbeat_at)
				WHERE state = 'active';
		`,
	},
	{
		name: "002_create_archive",
		sql: `
			CREATE TABLE IF NOT EXISTS herald_archive (
				id           TEXT PRIMARY KEY,
				job_id       TEXT NOT NULL,
				tenant_id    TEXT NOT NULL,
				app_id       TEXT NOT NULL DEFAULT '',
				campaign_id  TEXT NOT NULL DEFAULT '',
				queue        TEXT NOT NULL,
				priority     INTEGER NOT NULL DEFAULT 0,
				recipient    TEXT NOT NULL,
				subject      TEXT NOT NULL,
				html_body    TEXT NOT NULL DEFAULT '',
				text_body    TEXT NOT NULL DEFAULT '',
				template_id  TEXT NOT NULL DEFAULT '',
				variables    JSONB,
				identity_id  TEXT NOT NULL,
				error        TEXT NOT NULL DEFAULT '',
				error_class  TEXT NOT NULL DEFAULT '',
				attempts     INTEGER NOT NULL DEFAULT 0,
				max_attempts INTEGER NOT NULL DEFAULT 0,
				failed_at    TIMESTAMPTZ NOT NULL,
				replayed_at  TIMESTAMPTZ,
				created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
			);

			CREATE INDEX IF NOT EXISTS idx_herald_archive_failed_at
				ON herald_archive (failed_at DESC);

			CREATE INDEX IF NOT EXISTS idx_herald_archive_tenant
				ON herald_archive (tenant_id);
		`,
	},
	{
		name: "003_create_usage",
		sql: `
			CREATE TABLE IF NOT EXISTS herald_usage (
				tenant_id  TEXT PRIMARY KEY,
				used       BIGINT NOT NULL DEFAULT 0,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			);
		`,
	},
	{
		name: "004_create_queues",
		sql: `
			CREATE TABLE IF NOT EXISTS herald_queues (
				name       TEXT PRIMARY KEY,
				paused     BOOLEAN NOT NULL DEFAULT FALSE,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			);
		`,
	},
}
