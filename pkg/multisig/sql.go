package multisig

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SQLStore persists proposals, approvals, and the approver policy in
// Postgres or SQLite. The unique (upgrade_id, approver_id) index is the
// double-approval guard; conditional updates settle concurrent transitions.
type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

const multisigSchema = `
CREATE TABLE IF NOT EXISTS upgrade_proposals (
	id TEXT PRIMARY KEY,
	manifest_id TEXT NOT NULL UNIQUE,
	submitted_by TEXT NOT NULL,
	submitted_at TIMESTAMP NOT NULL,
	status TEXT NOT NULL,
	required INTEGER NOT NULL,
	applied_by TEXT NOT NULL DEFAULT '',
	applied_at TIMESTAMP,
	justification TEXT NOT NULL DEFAULT '',
	rejection_reason TEXT NOT NULL DEFAULT '',
	ratification_deadline TIMESTAMP,
	updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_upgrade_proposals_status ON upgrade_proposals(status);

CREATE TABLE IF NOT EXISTS upgrade_approvals (
	id TEXT PRIMARY KEY,
	upgrade_id TEXT NOT NULL,
	approver_id TEXT NOT NULL,
	signature TEXT NOT NULL,
	notes TEXT NOT NULL DEFAULT '',
	approved_at TIMESTAMP NOT NULL,
	UNIQUE (upgrade_id, approver_id)
);
CREATE INDEX IF NOT EXISTS idx_upgrade_approvals_upgrade ON upgrade_approvals(upgrade_id);

CREATE TABLE IF NOT EXISTS approver_policy (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	document TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
`

func (s *SQLStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, multisigSchema)
	return err
}

const proposalColumns = `id, manifest_id, submitted_by, submitted_at, status, required,
	applied_by, applied_at, justification, rejection_reason, ratification_deadline, updated_at`

func (s *SQLStore) InsertProposal(ctx context.Context, p *Proposal) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO upgrade_proposals (`+proposalColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		p.ID, p.ManifestID, p.SubmittedBy, p.SubmittedAt, string(p.Status), p.Required,
		p.AppliedBy, p.AppliedAt, p.Justification, p.RejectionReason,
		p.RatificationDeadline, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert proposal: %w", err)
	}
	return nil
}

func (s *SQLStore) GetProposal(ctx context.Context, id string) (*Proposal, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+proposalColumns+` FROM upgrade_proposals WHERE id = $1`, id)
	p, err := scanProposal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get proposal: %w", err)
	}
	return p, nil
}

func (s *SQLStore) GetProposalByManifest(ctx context.Context, manifestID string) (*Proposal, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+proposalColumns+` FROM upgrade_proposals WHERE manifest_id = $1`, manifestID)
	p, err := scanProposal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get proposal by manifest: %w", err)
	}
	return p, nil
}

func (s *SQLStore) MarkApplied(ctx context.Context, id, appliedBy string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE upgrade_proposals SET status = $1, applied_by = $2, applied_at = $3, updated_at = $3
		WHERE id = $4 AND status = $5`,
		string(StatusApplied), appliedBy, at, id, string(StatusPending))
	if err != nil {
		return fmt.Errorf("mark applied: %w", err)
	}
	return s.checkTransition(ctx, res, id)
}

func (s *SQLStore) MarkEmergencyApplied(ctx context.Context, id, appliedBy, justification string, at, deadline time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE upgrade_proposals SET status = $1, applied_by = $2, applied_at = $3,
			justification = $4, ratification_deadline = $5, updated_at = $3
		WHERE id = $6 AND status = $7`,
		string(StatusEmergencyApplied), appliedBy, at, justification, deadline, id, string(StatusPending))
	if err != nil {
		return fmt.Errorf("mark emergency applied: %w", err)
	}
	return s.checkTransition(ctx, res, id)
}

func (s *SQLStore) MarkRatified(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE upgrade_proposals SET status = $1, updated_at = $2
		WHERE id = $3 AND status = $4`,
		string(StatusRatified), at, id, string(StatusEmergencyApplied))
	if err != nil {
		return fmt.Errorf("mark ratified: %w", err)
	}
	return s.checkTransition(ctx, res, id)
}

func (s *SQLStore) MarkRejected(ctx context.Context, id, reason string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE upgrade_proposals SET status = $1, rejection_reason = $2, updated_at = $3
		WHERE id = $4 AND status = $5`,
		string(StatusRejected), reason, at, id, string(StatusPending))
	if err != nil {
		return fmt.Errorf("mark rejected: %w", err)
	}
	return s.checkTransition(ctx, res, id)
}

func (s *SQLStore) MarkRolledBack(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE upgrade_proposals SET status = $1, updated_at = $2
		WHERE id = $3 AND status = $4`,
		string(StatusRolledBack), at, id, string(StatusEmergencyApplied))
	if err != nil {
		return fmt.Errorf("mark rolled back: %w", err)
	}
	return s.checkTransition(ctx, res, id)
}

func (s *SQLStore) ListEmergencyExpired(ctx context.Context, now time.Time) ([]*Proposal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+proposalColumns+` FROM upgrade_proposals
		WHERE status = $1 AND ratification_deadline <= $2
		ORDER BY ratification_deadline`,
		string(StatusEmergencyApplied), now)
	if err != nil {
		return nil, fmt.Errorf("list expired emergencies: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan proposal: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLStore) InsertApproval(ctx context.Context, a *Approval) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO upgrade_approvals (id, upgrade_id, approver_id, signature, notes, approved_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (upgrade_id, approver_id) DO NOTHING`,
		a.ID, a.UpgradeID, a.ApproverID, a.Signature, a.Notes, a.ApprovedAt)
	if err != nil {
		return fmt.Errorf("insert approval: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrDuplicateApproval
	}
	return nil
}

func (s *SQLStore) GetApproval(ctx context.Context, upgradeID, approverID string) (*Approval, error) {
	var a Approval
	err := s.db.QueryRowContext(ctx, `
		SELECT id, upgrade_id, approver_id, signature, notes, approved_at
		FROM upgrade_approvals WHERE upgrade_id = $1 AND approver_id = $2`,
		upgradeID, approverID).
		Scan(&a.ID, &a.UpgradeID, &a.ApproverID, &a.Signature, &a.Notes, &a.ApprovedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get approval: %w", err)
	}
	return &a, nil
}

func (s *SQLStore) ListApprovals(ctx context.Context, upgradeID string) ([]*Approval, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, upgrade_id, approver_id, signature, notes, approved_at
		FROM upgrade_approvals WHERE upgrade_id = $1 ORDER BY approved_at`, upgradeID)
	if err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Approval
	for rows.Next() {
		var a Approval
		if err := rows.Scan(&a.ID, &a.UpgradeID, &a.ApproverID, &a.Signature, &a.Notes, &a.ApprovedAt); err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		out = append(out, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLStore) SavePolicy(ctx context.Context, p *ApproverPolicy, at time.Time) error {
	doc, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode policy: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO approver_policy (id, document, updated_at) VALUES (1, $1, $2)
		ON CONFLICT (id) DO UPDATE SET document = $1, updated_at = $2`,
		string(doc), at)
	if err != nil {
		return fmt.Errorf("save policy: %w", err)
	}
	return nil
}

func (s *SQLStore) LoadPolicy(ctx context.Context) (*ApproverPolicy, error) {
	var doc string
	err := s.db.QueryRowContext(ctx,
		`SELECT document FROM approver_policy WHERE id = 1`).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}
	var p ApproverPolicy
	if err := json.Unmarshal([]byte(doc), &p); err != nil {
		return nil, fmt.Errorf("decode policy: %w", err)
	}
	return &p, nil
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
	err = s.db.QueryRowContext(ctx, `SELECT status FROM upgrade_proposals WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("check proposal status: %w", err)
	}
	return fmt.Errorf("%w: upgrade %s is %s", ErrStatusConflict, id, status)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProposal(row rowScanner) (*Proposal, error) {
	var p Proposal
	var status string
	var appliedAt, deadline sql.NullTime
	if err := row.Scan(&p.ID, &p.ManifestID, &p.SubmittedBy, &p.SubmittedAt, &status, &p.Required,
		&p.AppliedBy, &appliedAt, &p.Justification, &p.RejectionReason, &deadline, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Status = Status(status)
	if appliedAt.Valid {
		t := appliedAt.Time
		p.AppliedAt = &t
	}
	if deadline.Valid {
		t := deadline.Time
		p.RatificationDeadline = &t
	}
	return &p, nil
}
