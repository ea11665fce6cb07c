// Package sqlite is a single-file RetryStore for deployments without
// Postgres. Records are kept as JSON documents next to a status column; the
// due-queue is a table ordered by an autoincrement sequence.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/menu-planning/retryd/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS retry_records (
	webhook_id TEXT PRIMARY KEY,
	status     TEXT NOT NULL,
	data       TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_retry_records_status ON retry_records(status);

CREATE TABLE IF NOT EXISTS retry_queue (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	webhook_id TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS retry_claims (
	claim_key  TEXT PRIMARY KEY,
	owner      TEXT NOT NULL,
	expires_at INTEGER NOT NULL
);
`

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA busy_timeout=5000",
}

// Store implements repository.RetryStore.
type Store struct {
	db *sql.DB
}

// Open creates the database file (and its directory) when missing and
// applies the schema.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// one writer at a time; avoids SQLITE_BUSY between pooled connections
	db.SetMaxOpenConns(1)

	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Get(ctx context.Context, webhookID string) (*domain.RetryRecord, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM retry_records WHERE webhook_id = ?`, webhookID,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decode(data)
}

func (s *Store) Put(ctx context.Context, rec *domain.RetryRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode retry record %s: %w", rec.WebhookID, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO retry_records (webhook_id, status, data, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(webhook_id) DO UPDATE SET
			status = excluded.status,
			data = excluded.data,
			updated_at = excluded.updated_at
	`, rec.WebhookID, rec.Status.String(), string(data), rec.UpdatedAt.UTC())
	return err
}

func (s *Store) Delete(ctx context.Context, webhookID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM retry_queue WHERE webhook_id = ?`, webhookID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM retry_records WHERE webhook_id = ?`, webhookID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) List(ctx context.Context) ([]*domain.RetryRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM retry_records ORDER BY webhook_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*domain.RetryRecord
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		rec, err := decode(data)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *Store) Enqueue(ctx context.Context, webhookID string) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO retry_queue (webhook_id) VALUES (?)`, webhookID)
	return err
}

func (s *Store) Dequeue(ctx context.Context, webhookID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM retry_queue WHERE webhook_id = ?`, webhookID)
	return err
}

func (s *Store) QueuedIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT webhook_id FROM retry_queue ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Claim stores lease expiry as unix milliseconds. Processes sharing the file
// share the host clock.
func (s *Store) Claim(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO retry_claims (claim_key, owner, expires_at)
		VALUES (?, ?, ?)
		ON CONFLICT(claim_key) DO UPDATE SET
			owner = excluded.owner,
			expires_at = excluded.expires_at
		WHERE retry_claims.owner = excluded.owner OR retry_claims.expires_at <= ?
	`, key, owner, now.Add(ttl).UnixMilli(), now.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) Release(ctx context.Context, key, owner string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM retry_claims WHERE claim_key = ? AND owner = ?`, key, owner)
	return err
}

func decode(data string) (*domain.RetryRecord, error) {
	var rec domain.RetryRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("decode retry record: %w", err)
	}
	if rec.Attempts == nil {
		rec.Attempts = []domain.RetryAttempt{}
	}
	return &rec, nil
}
