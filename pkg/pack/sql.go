package pack

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SQLStore persists packages in Postgres or SQLite.
type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

const packSchema = `
CREATE TABLE IF NOT EXISTS packages (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	version TEXT NOT NULL,
	artifact_ref TEXT NOT NULL,
	sha256 TEXT NOT NULL,
	submitter TEXT NOT NULL,
	metadata TEXT,
	status TEXT NOT NULL,
	validation_job_id TEXT,
	validation_report_ref TEXT,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_packages_status ON packages(status);
CREATE INDEX IF NOT EXISTS idx_packages_name ON packages(name, version);
`

func (s *SQLStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, packSchema)
	return err
}

const packageColumns = `id, name, version, artifact_ref, sha256, submitter, metadata, status,
	validation_job_id, validation_report_ref, created_at, updated_at`

func (s *SQLStore) Insert(ctx context.Context, p *Package) error {
	metadata, err := encodeMetadata(p.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO packages (`+packageColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		p.ID, p.Name, p.Version, p.ArtifactRef, p.SHA256, p.Submitter, metadata,
		string(p.Status), p.ValidationJobID, p.ValidationReportRef, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert package: %w", err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*Package, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+packageColumns+` FROM packages WHERE id = $1`, id)
	p, err := scanPackage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get package: %w", err)
	}
	return p, nil
}

func (s *SQLStore) BeginValidation(ctx context.Context, id, jobID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE packages SET status = $1, validation_job_id = $2, updated_at = $3
		WHERE id = $4 AND status = $5`,
		string(StatusValidating), jobID, at, id, string(StatusSubmitted))
	if err != nil {
		return fmt.Errorf("begin validation: %w", err)
	}
	return s.checkTransition(ctx, res, id)
}

func (s *SQLStore) FinishValidation(ctx context.Context, id string, status Status, reportRef string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE packages SET status = $1, validation_report_ref = $2, updated_at = $3
		WHERE id = $4 AND status = $5`,
		string(status), reportRef, at, id, string(StatusValidating))
	if err != nil {
		return fmt.Errorf("finish validation: %w", err)
	}
	return s.checkTransition(ctx, res, id)
}

func (s *SQLStore) ListValidating(ctx context.Context, limit int) ([]*Package, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+packageColumns+` FROM packages
		WHERE status = $1 ORDER BY created_at LIMIT $2`,
		string(StatusValidating), limit)
	if err != nil {
		return nil, fmt.Errorf("list validating: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Package
	for rows.Next() {
		p, err := scanPackage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan package: %w", err)
		}
		out = append(out, p)
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
	err = s.db.QueryRowContext(ctx, `SELECT status FROM packages WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("check package status: %w", err)
	}
	return fmt.Errorf("%w: package %s is %s", ErrStatusConflict, id, status)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPackage(row rowScanner) (*Package, error) {
	var p Package
	var metadata, jobID, reportRef sql.NullString
	var status string
	if err := row.Scan(&p.ID, &p.Name, &p.Version, &p.ArtifactRef, &p.SHA256, &p.Submitter,
		&metadata, &status, &jobID, &reportRef, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Status = Status(status)
	p.ValidationJobID = jobID.String
	p.ValidationReportRef = reportRef.String
	if metadata.Valid && metadata.String != "" && metadata.String != "null" {
		if err := json.Unmarshal([]byte(metadata.String), &p.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return &p, nil
}

func encodeMetadata(m map[string]any) (string, error) {
	if m == nil {
		return "null", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}
	return string(b), nil
}
