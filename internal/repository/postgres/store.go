// Package postgres stores retry records, their attempts and the due-queue in
// PostgreSQL through pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/menu-planning/retryd/internal/domain"
)

// Store implements repository.RetryStore.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const recordColumns = `webhook_id, form_id, webhook_url, status, initial_failure_time,
	total_attempts, successful_attempts, failed_attempts, last_attempt_time,
	next_retry_time, next_retry_jitter_ms, permanent_failure_reason,
	last_failure_reason, last_status_code, created_at, updated_at`

const attemptColumns = `webhook_id, attempt_number, scheduled_at, executed_at, status,
	response_status_code, error_message, duration_ms, jitter_applied_ms`

func (s *Store) Get(ctx context.Context, webhookID string) (*domain.RetryRecord, error) {
	const query = `SELECT ` + recordColumns + ` FROM retry_records WHERE webhook_id = $1`

	rec, err := scanRecord(s.pool.QueryRow(ctx, query, webhookID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	attempts, err := s.attempts(ctx, `WHERE webhook_id = $1`, webhookID)
	if err != nil {
		return nil, err
	}
	rec.Attempts = attempts[webhookID]
	if rec.Attempts == nil {
		rec.Attempts = []domain.RetryAttempt{}
	}
	return rec, nil
}

// Put upserts the record and its attempts in one transaction. Attempts beyond
// the record's current history are removed, which covers a fresh campaign
// replacing an old one.
func (s *Store) Put(ctx context.Context, rec *domain.RetryRecord) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const upsert = `
		INSERT INTO retry_records (` + recordColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (webhook_id) DO UPDATE SET
			form_id = EXCLUDED.form_id,
			webhook_url = EXCLUDED.webhook_url,
			status = EXCLUDED.status,
			initial_failure_time = EXCLUDED.initial_failure_time,
			total_attempts = EXCLUDED.total_attempts,
			successful_attempts = EXCLUDED.successful_attempts,
			failed_attempts = EXCLUDED.failed_attempts,
			last_attempt_time = EXCLUDED.last_attempt_time,
			next_retry_time = EXCLUDED.next_retry_time,
			next_retry_jitter_ms = EXCLUDED.next_retry_jitter_ms,
			permanent_failure_reason = EXCLUDED.permanent_failure_reason,
			last_failure_reason = EXCLUDED.last_failure_reason,
			last_status_code = EXCLUDED.last_status_code,
			created_at = EXCLUDED.created_at,
			updated_at = EXCLUDED.updated_at
	`

	batch := &pgx.Batch{}
	batch.Queue(upsert,
		rec.WebhookID,
		rec.FormID,
		rec.WebhookURL,
		rec.Status.String(),
		rec.InitialFailureTime,
		rec.TotalAttempts,
		rec.SuccessfulAttempts,
		rec.FailedAttempts,
		rec.LastAttemptTime,
		rec.NextRetryTime,
		rec.NextRetryJitterMs,
		reasonText(rec.PermanentFailureReason),
		rec.LastFailureReason,
		rec.LastStatusCode,
		rec.CreatedAt,
		rec.UpdatedAt,
	)
	batch.Queue(`DELETE FROM retry_attempts WHERE webhook_id = $1 AND attempt_number > $2`,
		rec.WebhookID, len(rec.Attempts))

	for _, a := range rec.Attempts {
		batch.Queue(`
			INSERT INTO retry_attempts (`+attemptColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (webhook_id, attempt_number) DO UPDATE SET
				scheduled_at = EXCLUDED.scheduled_at,
				executed_at = EXCLUDED.executed_at,
				status = EXCLUDED.status,
				response_status_code = EXCLUDED.response_status_code,
				error_message = EXCLUDED.error_message,
				duration_ms = EXCLUDED.duration_ms,
				jitter_applied_ms = EXCLUDED.jitter_applied_ms
		`, rec.WebhookID, a.AttemptNumber, a.ScheduledAt, a.ExecutedAt, a.Status.String(),
			a.ResponseStatusCode, a.ErrorMessage, a.DurationMs, a.JitterAppliedMs)
	}

	br := tx.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return fmt.Errorf("put retry record %s: %w", rec.WebhookID, err)
		}
	}
	if err := br.Close(); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) Delete(ctx context.Context, webhookID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM retry_queue WHERE webhook_id = $1`, webhookID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM retry_records WHERE webhook_id = $1`, webhookID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) List(ctx context.Context) ([]*domain.RetryRecord, error) {
	const query = `SELECT ` + recordColumns + ` FROM retry_records ORDER BY webhook_id`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*domain.RetryRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	attempts, err := s.attempts(ctx, "")
	if err != nil {
		return nil, err
	}
	for _, rec := range records {
		rec.Attempts = attempts[rec.WebhookID]
		if rec.Attempts == nil {
			rec.Attempts = []domain.RetryAttempt{}
		}
	}
	return records, nil
}

func (s *Store) Enqueue(ctx context.Context, webhookID string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO retry_queue (webhook_id) VALUES ($1) ON CONFLICT (webhook_id) DO NOTHING`,
		webhookID)
	return err
}

func (s *Store) Dequeue(ctx context.Context, webhookID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM retry_queue WHERE webhook_id = $1`, webhookID)
	return err
}

func (s *Store) QueuedIDs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT webhook_id FROM retry_queue ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// Claim upserts the lease row. The conflict branch only fires for the current
// owner or an expired lease, so a live lease of another owner affects no rows.
// Expiry is judged by the database clock, which every replica shares.
func (s *Store) Claim(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	const query = `INSERT INTO retry_claims (claim_key, owner, expires_at)
		VALUES ($1, $2, now() + make_interval(secs => $3))
		ON CONFLICT (claim_key) DO UPDATE
		SET owner = EXCLUDED.owner, expires_at = EXCLUDED.expires_at
		WHERE retry_claims.owner = EXCLUDED.owner OR retry_claims.expires_at <= now()`

	tag, err := s.pool.Exec(ctx, query, key, owner, ttl.Seconds())
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", key, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) Release(ctx context.Context, key, owner string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM retry_claims WHERE claim_key = $1 AND owner = $2`, key, owner)
	return err
}

// attempts loads attempts grouped by webhook id, ordered by attempt number.
func (s *Store) attempts(ctx context.Context, where string, args ...any) (map[string][]domain.RetryAttempt, error) {
	query := `SELECT ` + attemptColumns + ` FROM retry_attempts ` + where + ` ORDER BY webhook_id, attempt_number`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string][]domain.RetryAttempt)
	for rows.Next() {
		var (
			id     string
			status string
			a      domain.RetryAttempt
		)
		err := rows.Scan(
			&id,
			&a.AttemptNumber,
			&a.ScheduledAt,
			&a.ExecutedAt,
			&status,
			&a.ResponseStatusCode,
			&a.ErrorMessage,
			&a.DurationMs,
			&a.JitterAppliedMs,
		)
		if err != nil {
			return nil, err
		}
		if err := a.Status.UnmarshalText([]byte(status)); err != nil {
			return nil, err
		}
		a.ScheduledAt = a.ScheduledAt.UTC()
		a.ExecutedAt = utc(a.ExecutedAt)
		out[id] = append(out[id], a)
	}
	return out, rows.Err()
}

func scanRecord(row pgx.Row) (*domain.RetryRecord, error) {
	var (
		rec    domain.RetryRecord
		status string
		reason string
	)
	err := row.Scan(
		&rec.WebhookID,
		&rec.FormID,
		&rec.WebhookURL,
		&status,
		&rec.InitialFailureTime,
		&rec.TotalAttempts,
		&rec.SuccessfulAttempts,
		&rec.FailedAttempts,
		&rec.LastAttemptTime,
		&rec.NextRetryTime,
		&rec.NextRetryJitterMs,
		&reason,
		&rec.LastFailureReason,
		&rec.LastStatusCode,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := rec.Status.UnmarshalText([]byte(status)); err != nil {
		return nil, err
	}
	if err := rec.PermanentFailureReason.UnmarshalText([]byte(reason)); err != nil {
		return nil, err
	}

	rec.InitialFailureTime = rec.InitialFailureTime.UTC()
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	rec.LastAttemptTime = utc(rec.LastAttemptTime)
	rec.NextRetryTime = utc(rec.NextRetryTime)
	return &rec, nil
}
