package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS retry_records (
		webhook_id               TEXT PRIMARY KEY,
		form_id                  TEXT NOT NULL DEFAULT '',
		webhook_url              TEXT NOT NULL,
		status                   TEXT NOT NULL,
		initial_failure_time     TIMESTAMPTZ NOT NULL,
		total_attempts           INT NOT NULL DEFAULT 0,
		successful_attempts      INT NOT NULL DEFAULT 0,
		failed_attempts          INT NOT NULL DEFAULT 0,
		last_attempt_time        TIMESTAMPTZ,
		next_retry_time          TIMESTAMPTZ,
		next_retry_jitter_ms     BIGINT NOT NULL DEFAULT 0,
		permanent_failure_reason TEXT NOT NULL DEFAULT '',
		last_failure_reason      TEXT NOT NULL DEFAULT '',
		last_status_code         INT,
		created_at               TIMESTAMPTZ NOT NULL,
		updated_at               TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_retry_records_status ON retry_records (status)`,
	`CREATE TABLE IF NOT EXISTS retry_attempts (
		webhook_id           TEXT NOT NULL REFERENCES retry_records (webhook_id) ON DELETE CASCADE,
		attempt_number       INT NOT NULL,
		scheduled_at         TIMESTAMPTZ NOT NULL,
		executed_at          TIMESTAMPTZ,
		status               TEXT NOT NULL,
		response_status_code INT,
		error_message        TEXT,
		duration_ms          BIGINT,
		jitter_applied_ms    BIGINT NOT NULL DEFAULT 0,
		PRIMARY KEY (webhook_id, attempt_number)
	)`,
	`CREATE TABLE IF NOT EXISTS retry_queue (
		webhook_id TEXT PRIMARY KEY,
		seq        BIGSERIAL NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_retry_queue_seq ON retry_queue (seq)`,
	`CREATE TABLE IF NOT EXISTS retry_claims (
		claim_key  TEXT PRIMARY KEY,
		owner      TEXT NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL
	)`,
}

// Migrate creates the retry tables when missing. It is safe to run on every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for i, m := range migrations {
		if _, err := pool.Exec(ctx, m); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	return nil
}
