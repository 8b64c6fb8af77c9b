package manifest

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SQLStore persists manifests, signatures, and history in Postgres or
// SQLite. Status movement uses conditional updates so concurrent callers
// settle to one winner per transition.
type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

const manifestSchema = `
CREATE TABLE IF NOT EXISTS manifests (
	id TEXT PRIMARY KEY,
	package_id TEXT NOT NULL,
	target TEXT NOT NULL,
	impact TEXT NOT NULL,
	rationale TEXT NOT NULL,
	preconditions TEXT,
	apply_strategy TEXT,
	status TEXT NOT NULL,
	signature_id TEXT NOT NULL DEFAULT '',
	upgrade_id TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_manifests_status ON manifests(status);
CREATE INDEX IF NOT EXISTS idx_manifests_package ON manifests(package_id);

CREATE TABLE IF NOT EXISTS manifest_signatures (
	id TEXT PRIMARY KEY,
	manifest_id TEXT NOT NULL,
	signer_kid TEXT NOT NULL,
	signature TEXT NOT NULL,
	canonical_hash TEXT NOT NULL,
	signed_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_manifest_signatures_manifest ON manifest_signatures(manifest_id);

CREATE TABLE IF NOT EXISTS manifest_history (
	manifest_id TEXT NOT NULL,
	status TEXT NOT NULL,
	actor TEXT,
	note TEXT,
	at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_manifest_history_manifest ON manifest_history(manifest_id, at);
`

func (s *SQLStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, manifestSchema)
	return err
}

const manifestColumns = `id, package_id, target, impact, rationale, preconditions, apply_strategy,
	status, signature_id, upgrade_id, created_at, updated_at`

func (s *SQLStore) Insert(ctx context.Context, m *Manifest) error {
	preconditions, err := encodePreconditions(m.Preconditions)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO manifests (`+manifestColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		m.ID, m.PackageID, m.Target, string(m.Impact), m.Rationale, preconditions,
		string(m.ApplyStrategy), string(m.Status), m.SignatureID, m.UpgradeID,
		m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert manifest: %w", err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*Manifest, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+manifestColumns+` FROM manifests WHERE id = $1`, id)
	m, err := scanManifest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get manifest: %w", err)
	}
	return m, nil
}

func (s *SQLStore) UpdateStatus(ctx context.Context, id string, from []Status, to Status, at time.Time) error {
	args := []any{string(to), at, id}
	placeholders := make([]string, len(from))
	for i, st := range from {
		args = append(args, string(st))
		placeholders[i] = fmt.Sprintf("$%d", len(args))
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE manifests SET status = $1, updated_at = $2
		WHERE id = $3 AND status IN (`+strings.Join(placeholders, ", ")+`)`, args...)
	if err != nil {
		return fmt.Errorf("update manifest status: %w", err)
	}
	return s.checkTransition(ctx, res, id)
}

func (s *SQLStore) AttachSignature(ctx context.Context, id, signatureID string, at time.Time) (Status, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE manifests SET signature_id = $1,
			status = CASE WHEN status = $2 THEN $3 ELSE status END,
			updated_at = $4
		WHERE id = $5 AND signature_id = '' AND status IN ($6, $7)`,
		signatureID, string(StatusDraft), string(StatusSigned), at, id,
		string(StatusDraft), string(StatusPendingMultisig))
	if err != nil {
		return "", fmt.Errorf("attach signature: %w", err)
	}
	if err := s.checkTransition(ctx, res, id); err != nil {
		return "", err
	}
	var status string
	if err := s.db.QueryRowContext(ctx,
		`SELECT status FROM manifests WHERE id = $1`, id).Scan(&status); err != nil {
		return "", fmt.Errorf("read status after signing: %w", err)
	}
	return Status(status), nil
}

func (s *SQLStore) SetUpgrade(ctx context.Context, id, upgradeID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE manifests SET upgrade_id = $1, status = $2, updated_at = $3
		WHERE id = $4 AND upgrade_id = '' AND status IN ($5, $6)`,
		upgradeID, string(StatusPendingMultisig), at, id,
		string(StatusDraft), string(StatusSigned))
	if err != nil {
		return fmt.Errorf("set upgrade: %w", err)
	}
	return s.checkTransition(ctx, res, id)
}

func (s *SQLStore) InsertSignature(ctx context.Context, sig *Signature) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO manifest_signatures (id, manifest_id, signer_kid, signature, canonical_hash, signed_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		sig.ID, sig.ManifestID, sig.SignerKid, sig.Signature, sig.CanonicalHash, sig.SignedAt)
	if err != nil {
		return fmt.Errorf("insert signature: %w", err)
	}
	return nil
}

func (s *SQLStore) GetSignature(ctx context.Context, id string) (*Signature, error) {
	var sig Signature
	err := s.db.QueryRowContext(ctx, `
		SELECT id, manifest_id, signer_kid, signature, canonical_hash, signed_at
		FROM manifest_signatures WHERE id = $1`, id).
		Scan(&sig.ID, &sig.ManifestID, &sig.SignerKid, &sig.Signature, &sig.CanonicalHash, &sig.SignedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get signature: %w", err)
	}
	return &sig, nil
}

func (s *SQLStore) AppendHistory(ctx context.Context, entry *HistoryEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO manifest_history (manifest_id, status, actor, note, at)
		VALUES ($1, $2, $3, $4, $5)`,
		entry.ManifestID, string(entry.Status), entry.Actor, entry.Note, entry.At)
	if err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

func (s *SQLStore) History(ctx context.Context, manifestID string) ([]HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT manifest_id, status, actor, note, at
		FROM manifest_history WHERE manifest_id = $1 ORDER BY at`, manifestID)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []HistoryEntry
	for rows.Next() {
		var entry HistoryEntry
		var status string
		var actor, note sql.NullString
		if err := rows.Scan(&entry.ManifestID, &status, &actor, &note, &entry.At); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		entry.Status = Status(status)
		entry.Actor = actor.String
		entry.Note = note.String
		out = append(out, entry)
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
	err = s.db.QueryRowContext(ctx, `SELECT status FROM manifests WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("check manifest status: %w", err)
	}
	return fmt.Errorf("%w: manifest %s is %s", ErrStatusConflict, id, status)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanManifest(row rowScanner) (*Manifest, error) {
	var m Manifest
	var impact, status string
	var preconditions, applyStrategy sql.NullString
	if err := row.Scan(&m.ID, &m.PackageID, &m.Target, &impact, &m.Rationale,
		&preconditions, &applyStrategy, &status, &m.SignatureID, &m.UpgradeID,
		&m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, err
	}
	m.Impact = Impact(impact)
	m.Status = Status(status)
	if preconditions.Valid && preconditions.String != "" && preconditions.String != "null" {
		if err := json.Unmarshal([]byte(preconditions.String), &m.Preconditions); err != nil {
			return nil, fmt.Errorf("decode preconditions: %w", err)
		}
	}
	if applyStrategy.Valid && applyStrategy.String != "" {
		m.ApplyStrategy = json.RawMessage(applyStrategy.String)
	}
	return &m, nil
}

func encodePreconditions(refs []string) (string, error) {
	if refs == nil {
		return "null", nil
	}
	b, err := json.Marshal(refs)
	if err != nil {
		return "", fmt.Errorf("encode preconditions: %w", err)
	}
	return string(b), nil
}
