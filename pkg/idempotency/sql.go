package idempotency

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SQLStore enforces idempotency with a primary-key claim: the losing INSERT
// observes the winner's row and is folded through evaluate. Works on both
// Postgres and SQLite.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore wraps db.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

const idempotencySchema = `
CREATE TABLE IF NOT EXISTS idempotency_records (
	key TEXT PRIMARY KEY,
	request_hash TEXT NOT NULL,
	status TEXT NOT NULL,
	status_code INT,
	response_body TEXT,
	created_at TIMESTAMP NOT NULL,
	completed_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_idempotency_created ON idempotency_records (created_at);
`

func (s *SQLStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, idempotencySchema); err != nil {
		return fmt.Errorf("idempotency: init schema: %w", err)
	}
	return nil
}

func (s *SQLStore) Claim(ctx context.Context, key, requestHash string, now time.Time) (*Claim, error) {
	rec := pendingRecord(key, requestHash, now)
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO idempotency_records (key, request_hash, status, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (key) DO NOTHING`,
		rec.Key, rec.RequestHash, rec.Status, rec.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("idempotency: claim %s: %w", key, err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("idempotency: claim %s: %w", key, err)
	}
	if inserted == 1 {
		return &Claim{Outcome: OutcomeClaimed, Record: rec}, nil
	}

	existing, err := s.get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("idempotency: read conflicting record %s: %w", key, err)
	}
	return evaluate(existing, requestHash), nil
}

func (s *SQLStore) Complete(ctx context.Context, key string, statusCode int, body []byte, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE idempotency_records
		SET status = $1, status_code = $2, response_body = $3, completed_at = $4
		WHERE key = $5 AND status = $6`,
		StatusCompleted, statusCode, string(body), now.UTC(), key, StatusPending)
	if err != nil {
		return fmt.Errorf("idempotency: complete %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("idempotency: complete %s: %w", key, err)
	}
	if n == 0 {
		return fmt.Errorf("idempotency: complete %s: no pending claim", key)
	}
	return nil
}

func (s *SQLStore) Release(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM idempotency_records WHERE key = $1 AND status = $2`,
		key, StatusPending); err != nil {
		return fmt.Errorf("idempotency: release %s: %w", key, err)
	}
	return nil
}

func (s *SQLStore) Sweep(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM idempotency_records WHERE created_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("idempotency: sweep: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("idempotency: sweep: %w", err)
	}
	return int(n), nil
}

func (s *SQLStore) get(ctx context.Context, key string) (*Record, error) {
	var (
		rec         Record
		body        sql.NullString
		statusCode  sql.NullInt64
		completedAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT key, request_hash, status, status_code, response_body, created_at, completed_at
		FROM idempotency_records WHERE key = $1`, key).
		Scan(&rec.Key, &rec.RequestHash, &rec.Status, &statusCode, &body, &rec.CreatedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("record vanished for key %s", key)
	}
	if err != nil {
		return nil, err
	}
	if statusCode.Valid {
		rec.StatusCode = int(statusCode.Int64)
	}
	if body.Valid {
		rec.ResponseBody = []byte(body.String)
	}
	if completedAt.Valid {
		t := completedAt.Time.UTC()
		rec.CompletedAt = &t
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	return &rec, nil
}
