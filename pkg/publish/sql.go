package publish

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Dialect selects driver-specific SQL. Both drivers accept $N placeholders.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// SQLStore persists publish tasks in Postgres or SQLite. Claiming uses
// FOR UPDATE SKIP LOCKED on Postgres so concurrent worker passes never pull
// the same task; terminal transitions are conditional updates.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

const publishSchema = `
CREATE TABLE IF NOT EXISTS publish_tasks (
	id TEXT PRIMARY KEY,
	manifest_id TEXT NOT NULL,
	target TEXT NOT NULL,
	status TEXT NOT NULL,
	attempts INT NOT NULL DEFAULT 0,
	next_attempt_at TIMESTAMP NOT NULL,
	proof_ref TEXT NOT NULL DEFAULT '',
	last_error TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	UNIQUE (manifest_id, target)
);
CREATE INDEX IF NOT EXISTS idx_publish_tasks_due ON publish_tasks (status, next_attempt_at, created_at);
CREATE INDEX IF NOT EXISTS idx_publish_tasks_manifest ON publish_tasks (manifest_id);
`

func (s *SQLStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, publishSchema); err != nil {
		return fmt.Errorf("publish: init schema: %w", err)
	}
	return nil
}

const taskColumns = `id, manifest_id, target, status, attempts, next_attempt_at,
	proof_ref, last_error, created_at, updated_at`

func (s *SQLStore) InsertTasks(ctx context.Context, tasks []*Task) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("publish: begin insert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, t := range tasks {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO publish_tasks (`+taskColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (manifest_id, target) DO NOTHING`,
			t.ID, t.ManifestID, t.Target, string(t.Status), t.Attempts, t.NextAttemptAt,
			t.ProofRef, t.LastError, t.CreatedAt, t.UpdatedAt); err != nil {
			return fmt.Errorf("publish: insert task %s/%s: %w", t.ManifestID, t.Target, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("publish: commit insert: %w", err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM publish_tasks WHERE id = $1`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("publish: get task: %w", err)
	}
	return t, nil
}

func (s *SQLStore) GetByManifestTarget(ctx context.Context, manifestID, target string) (*Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM publish_tasks WHERE manifest_id = $1 AND target = $2`,
		manifestID, target)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("publish: get task by target: %w", err)
	}
	return t, nil
}

func (s *SQLStore) ListByManifest(ctx context.Context, manifestID string) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM publish_tasks WHERE manifest_id = $1 ORDER BY target`,
		manifestID)
	if err != nil {
		return nil, fmt.Errorf("publish: list tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("publish: scan task: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLStore) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*Task, error) {
	if limit <= 0 {
		limit = 8
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("publish: begin claim: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `SELECT ` + taskColumns + `
		FROM publish_tasks
		WHERE status IN ('pending', 'failed_retryable') AND next_attempt_at <= $1
		ORDER BY created_at ASC
		LIMIT $2`
	if s.dialect == DialectPostgres {
		query += ` FOR UPDATE SKIP LOCKED`
	}
	rows, err := tx.QueryContext(ctx, query, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("publish: select due tasks: %w", err)
	}
	var claimed []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("publish: scan due task: %w", err)
		}
		claimed = append(claimed, t)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("publish: due task rows: %w", err)
	}
	_ = rows.Close()

	for _, t := range claimed {
		if _, err := tx.ExecContext(ctx, `
			UPDATE publish_tasks SET status = $1, updated_at = $2 WHERE id = $3`,
			string(StatusInFlight), now.UTC(), t.ID); err != nil {
			return nil, fmt.Errorf("publish: claim task %s: %w", t.ID, err)
		}
		t.Status = StatusInFlight
		t.UpdatedAt = now.UTC()
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("publish: commit claim: %w", err)
	}
	return claimed, nil
}

func (s *SQLStore) MarkSucceeded(ctx context.Context, id, proofRef string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE publish_tasks SET status = $1, proof_ref = $2, last_error = '', updated_at = $3
		WHERE id = $4 AND status NOT IN ('succeeded', 'failed_fatal')`,
		string(StatusSucceeded), proofRef, at, id)
	if err != nil {
		return fmt.Errorf("publish: mark succeeded: %w", err)
	}
	return s.checkTransition(ctx, res, id)
}

func (s *SQLStore) MarkRetry(ctx context.Context, id, lastError string, attempts int, nextAttemptAt, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE publish_tasks SET status = $1, last_error = $2, attempts = $3,
			next_attempt_at = $4, updated_at = $5
		WHERE id = $6 AND status = $7`,
		string(StatusFailedRetryable), lastError, attempts, nextAttemptAt, at, id,
		string(StatusInFlight))
	if err != nil {
		return fmt.Errorf("publish: mark retry: %w", err)
	}
	return s.checkTransition(ctx, res, id)
}

func (s *SQLStore) MarkFatal(ctx context.Context, id, lastError string, attempts int, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE publish_tasks SET status = $1, last_error = $2, attempts = $3, updated_at = $4
		WHERE id = $5 AND status NOT IN ('succeeded', 'failed_fatal')`,
		string(StatusFailedFatal), lastError, attempts, at, id)
	if err != nil {
		return fmt.Errorf("publish: mark fatal: %w", err)
	}
	return s.checkTransition(ctx, res, id)
}

func (s *SQLStore) ResetForRetry(ctx context.Context, manifestID string, at time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE publish_tasks SET status = $1, attempts = 0, next_attempt_at = $2,
			last_error = '', updated_at = $3
		WHERE manifest_id = $4 AND status IN ('failed_fatal', 'failed_retryable')`,
		string(StatusPending), at, at, manifestID)
	if err != nil {
		return 0, fmt.Errorf("publish: reset tasks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("publish: reset rows affected: %w", err)
	}
	return int(n), nil
}

func (s *SQLStore) CountByStatus(ctx context.Context, manifestID string) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM publish_tasks WHERE manifest_id = $1 GROUP BY status`,
		manifestID)
	if err != nil {
		return nil, fmt.Errorf("publish: count by status: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("publish: scan count: %w", err)
		}
		out[Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// checkTransition distinguishes a missing row from a lost conditional update.
func (s *SQLStore) checkTransition(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 1 {
		return nil
	}
	var status string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM publish_tasks WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("check task status: %w", err)
	}
	return fmt.Errorf("%w: task %s is %s", ErrStatusConflict, id, status)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var t Task
	var status string
	if err := row.Scan(&t.ID, &t.ManifestID, &t.Target, &status, &t.Attempts,
		&t.NextAttemptAt, &t.ProofRef, &t.LastError, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.Status = Status(status)
	t.NextAttemptAt = t.NextAttemptAt.UTC()
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	return &t, nil
}
