package audit

import (
	"context"
	"database/sql"
	"encoding/json"
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

// SQLStore persists the chain in Postgres or SQLite. The chain head lives in
// a single-row table; Insert compares and advances it inside one transaction,
// so concurrent appenders race only on that row and never hold locks across
// signing calls.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLStore wraps db. dialect must match the driver behind it.
func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

const auditSchema = `
CREATE TABLE IF NOT EXISTS audit_events (
	id TEXT PRIMARY KEY,
	seq BIGINT NOT NULL UNIQUE,
	event_type TEXT NOT NULL,
	payload TEXT NOT NULL,
	prev_hash TEXT NOT NULL UNIQUE,
	hash TEXT NOT NULL UNIQUE,
	signature TEXT NOT NULL,
	signer_kid TEXT NOT NULL,
	ts TIMESTAMP NOT NULL,
	metadata TEXT,
	export_status TEXT NOT NULL DEFAULT 'pending',
	export_attempts INT NOT NULL DEFAULT 0,
	last_export_at TIMESTAMP,
	last_export_error TEXT,
	object_key TEXT
);
CREATE INDEX IF NOT EXISTS idx_audit_events_ts ON audit_events (ts);
CREATE INDEX IF NOT EXISTS idx_audit_events_export ON audit_events (export_status, seq);
CREATE TABLE IF NOT EXISTS audit_chain_head (
	id INT PRIMARY KEY,
	hash TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS audit_export_batches (
	day TEXT NOT NULL,
	n INT NOT NULL,
	PRIMARY KEY (day, n)
);
`

func (s *SQLStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, auditSchema); err != nil {
		return fmt.Errorf("audit: init schema: %w", err)
	}
	return nil
}

func (s *SQLStore) Head(ctx context.Context) (string, error) {
	var head string
	err := s.db.QueryRowContext(ctx, `SELECT hash FROM audit_chain_head WHERE id = 1`).Scan(&head)
	if errors.Is(err, sql.ErrNoRows) {
		return GenesisPrevHash, nil
	}
	if err != nil {
		return "", fmt.Errorf("audit: read head: %w", err)
	}
	return head, nil
}

func (s *SQLStore) Insert(ctx context.Context, ev *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("audit: begin insert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	headQuery := `SELECT hash FROM audit_chain_head WHERE id = 1`
	if s.dialect == DialectPostgres {
		headQuery += ` FOR UPDATE`
	}
	var head string
	err = tx.QueryRowContext(ctx, headQuery).Scan(&head)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		head = GenesisPrevHash
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO audit_chain_head (id, hash) VALUES (1, $1)`, head); err != nil {
			return fmt.Errorf("audit: seed head row: %w", err)
		}
	case err != nil:
		return fmt.Errorf("audit: lock head: %w", err)
	}
	if head != ev.PrevHash {
		return fmt.Errorf("audit: insert %s: %w", ev.ID, ErrHeadMoved)
	}

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM audit_events`).Scan(&seq); err != nil {
		return fmt.Errorf("audit: next seq: %w", err)
	}

	metadataJSON := []byte("null")
	if ev.Metadata != nil {
		metadataJSON, err = json.Marshal(ev.Metadata)
		if err != nil {
			return fmt.Errorf("audit: marshal metadata: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO audit_events
			(id, seq, event_type, payload, prev_hash, hash, signature, signer_kid, ts, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		ev.ID, seq, ev.Type, string(ev.Payload), ev.PrevHash, ev.Hash,
		ev.Signature, ev.SignerKid, ev.Ts.UTC(), string(metadataJSON),
	); err != nil {
		return fmt.Errorf("audit: insert event %s: %w", ev.ID, err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE audit_chain_head SET hash = $1 WHERE id = 1`, ev.Hash); err != nil {
		return fmt.Errorf("audit: advance head: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("audit: commit insert %s: %w", ev.ID, err)
	}
	return nil
}

const eventColumns = `id, event_type, payload, prev_hash, hash, signature, signer_kid, ts, metadata`

func (s *SQLStore) GetByID(ctx context.Context, id string) (*Event, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM audit_events WHERE id = $1`, id)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("audit: get %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("audit: get %s: %w", id, err)
	}
	return ev, nil
}

func (s *SQLStore) Range(ctx context.Context, from, to time.Time) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM audit_events WHERE ts >= $1 AND ts <= $2 ORDER BY seq ASC`,
		from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("audit: range: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("audit: range scan: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: range rows: %w", err)
	}
	return out, nil
}

func (s *SQLStore) FetchPendingExport(ctx context.Context, batchSize int) ([]*Event, error) {
	if batchSize <= 0 {
		batchSize = 10
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("audit: begin export claim: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `SELECT ` + eventColumns + `
		FROM audit_events
		WHERE export_status IN ('pending', 'retry')
		ORDER BY seq ASC
		LIMIT $1`
	if s.dialect == DialectPostgres {
		query += ` FOR UPDATE SKIP LOCKED`
	}
	rows, err := tx.QueryContext(ctx, query, batchSize)
	if err != nil {
		return nil, fmt.Errorf("audit: select pending export: %w", err)
	}
	var out []*Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("audit: scan pending export: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("audit: pending export rows: %w", err)
	}
	_ = rows.Close()

	for _, ev := range out {
		if _, err := tx.ExecContext(ctx, `
			UPDATE audit_events
			SET export_status = 'in_progress',
			    export_attempts = export_attempts + 1,
			    last_export_at = $1,
			    last_export_error = NULL
			WHERE id = $2`, time.Now().UTC(), ev.ID); err != nil {
			return nil, fmt.Errorf("audit: claim event %s for export: %w", ev.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("audit: commit export claim: %w", err)
	}
	return out, nil
}

func (s *SQLStore) MarkExportResult(ctx context.Context, ids []string, objectKey string, success bool, errMsg string) error {
	for _, id := range ids {
		var err error
		if success {
			_, err = s.db.ExecContext(ctx, `
				UPDATE audit_events
				SET export_status = 'complete', object_key = $1, last_export_error = NULL
				WHERE id = $2`, objectKey, id)
		} else {
			_, err = s.db.ExecContext(ctx, `
				UPDATE audit_events
				SET last_export_error = $1,
				    export_status = CASE WHEN export_attempts >= $2 THEN 'failed' ELSE 'retry' END
				WHERE id = $3`, errMsg, maxExportAttempts, id)
		}
		if err != nil {
			return fmt.Errorf("audit: mark export result for %s: %w", id, err)
		}
	}
	return nil
}

func (s *SQLStore) NextBatchNumber(ctx context.Context, day string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("audit: begin batch number: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var n int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(n), 0) + 1 FROM audit_export_batches WHERE day = $1`, day).Scan(&n); err != nil {
		return 0, fmt.Errorf("audit: next batch number: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO audit_export_batches (day, n) VALUES ($1, $2)`, day, n); err != nil {
		return 0, fmt.Errorf("audit: record batch %s/%d: %w", day, n, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("audit: commit batch number: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*Event, error) {
	var (
		ev           Event
		payload      string
		metadataJSON sql.NullString
	)
	if err := row.Scan(&ev.ID, &ev.Type, &payload, &ev.PrevHash, &ev.Hash,
		&ev.Signature, &ev.SignerKid, &ev.Ts, &metadataJSON); err != nil {
		return nil, err
	}
	ev.Payload = json.RawMessage(payload)
	ev.Ts = ev.Ts.UTC()
	if metadataJSON.Valid && metadataJSON.String != "" && metadataJSON.String != "null" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &ev.Metadata); err != nil {
			return nil, fmt.Errorf("corrupt metadata for %s: %w", ev.ID, err)
		}
	}
	return &ev, nil
}
