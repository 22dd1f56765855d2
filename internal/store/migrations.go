package store

import (
	"context"
	"fmt"
)

// Schema statements are idempotent and executed in order on startup. The
// table and column names are a persisted contract consumed by external
// dashboard tooling; do not rename them.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS job_processors (
		id                  TEXT PRIMARY KEY,
		hostname            TEXT NOT NULL,
		queue_name          TEXT NOT NULL,
		status              TEXT NOT NULL DEFAULT 'active',
		last_heartbeat      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		jobs_processed      BIGINT NOT NULL DEFAULT 0,
		jobs_failed         BIGINT NOT NULL DEFAULT 0,
		max_concurrent_jobs INT NOT NULL DEFAULT 1,
		current_jobs        INT NOT NULL DEFAULT 0 CHECK (current_jobs >= 0),
		created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_job_processors_queue_status ON job_processors (queue_name, status)`,
	`CREATE INDEX IF NOT EXISTS idx_job_processors_heartbeat ON job_processors (last_heartbeat)`,
	`CREATE INDEX IF NOT EXISTS idx_job_processors_hostname ON job_processors (hostname)`,

	`CREATE TABLE IF NOT EXISTS job_queues (
		id              BIGSERIAL PRIMARY KEY,
		queue_name      TEXT NOT NULL,
		job_type        TEXT NOT NULL,
		priority        INT NOT NULL DEFAULT 5,
		payload         JSONB NOT NULL DEFAULT '{}',
		status          TEXT NOT NULL DEFAULT 'pending',
		attempts        INT NOT NULL DEFAULT 0,
		max_attempts    INT NOT NULL DEFAULT 3,
		processor_id    TEXT REFERENCES job_processors(id) ON DELETE SET NULL,
		user_id         BIGINT,
		stock_symbol    TEXT,
		next_attempt_at TIMESTAMPTZ,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		started_at      TIMESTAMPTZ,
		completed_at    TIMESTAMPTZ,
		error_message   TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_job_queues_queue_status ON job_queues (queue_name, status)`,
	`CREATE INDEX IF NOT EXISTS idx_job_queues_priority_created ON job_queues (priority, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_job_queues_symbol ON job_queues (stock_symbol)`,
	`CREATE INDEX IF NOT EXISTS idx_job_queues_user ON job_queues (user_id)`,
	`CREATE INDEX IF NOT EXISTS idx_job_queues_processor ON job_queues (processor_id)`,
	`CREATE INDEX IF NOT EXISTS idx_job_queues_created ON job_queues (created_at)`,

	`CREATE TABLE IF NOT EXISTS job_locks (
		lock_key     TEXT PRIMARY KEY,
		processor_id TEXT NOT NULL REFERENCES job_processors(id) ON DELETE CASCADE,
		job_id       BIGINT REFERENCES job_queues(id) ON DELETE SET NULL,
		locked_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		expires_at   TIMESTAMPTZ NOT NULL,
		lock_type    TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_job_locks_expires ON job_locks (expires_at)`,

	`CREATE TABLE IF NOT EXISTS job_results (
		id          BIGSERIAL PRIMARY KEY,
		job_id      BIGINT NOT NULL REFERENCES job_queues(id) ON DELETE CASCADE,
		result_type TEXT NOT NULL,
		result_data JSONB NOT NULL DEFAULT '{}',
		metadata    JSONB,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_job_results_job ON job_results (job_id)`,

	`CREATE TABLE IF NOT EXISTS user_portfolio_priority (
		id                   BIGSERIAL PRIMARY KEY,
		user_id              BIGINT NOT NULL,
		stock_symbol         TEXT NOT NULL,
		last_data_fetch      TIMESTAMPTZ,
		last_analysis_update TIMESTAMPTZ,
		priority_score       INT NOT NULL DEFAULT 0,
		is_active            BOOLEAN NOT NULL DEFAULT TRUE,
		created_at           TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at           TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (user_id, stock_symbol)
	)`,
}

// RunMigrations applies the schema statements in order.
func (s *Store) RunMigrations(ctx context.Context) error {
	for i, stmt := range migrations {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration %d: %w", i, err)
		}
	}
	return nil
}
