package pack

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func newMockStore(t *testing.T) (*SQLStore, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	return NewSQLStore(db), mock, func() { _ = db.Close() }
}

func TestSQLStore_InsertPersistsMetadataJSON(t *testing.T) {
	store, mock, done := newMockStore(t)
	defer done()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := &Package{
		ID: "p-1", Name: "acme.webhooks", Version: "0.1.0",
		ArtifactRef: "s3://x", SHA256: "abc", Submitter: "submitter-1",
		Metadata: map[string]any{"tier": "gold"}, Status: StatusSubmitted,
		CreatedAt: now, UpdatedAt: now,
	}

	mock.ExpectExec("INSERT INTO packages").
		WithArgs("p-1", "acme.webhooks", "0.1.0", "s3://x", "abc", "submitter-1",
			`{"tier":"gold"}`, "submitted", "", "", now, now).
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := store.Insert(context.Background(), p); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestSQLStore_GetDecodesRow(t *testing.T) {
	store, mock, done := newMockStore(t)
	defer done()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{
		"id", "name", "version", "artifact_ref", "sha256", "submitter", "metadata",
		"status", "validation_job_id", "validation_report_ref", "created_at", "updated_at",
	}).AddRow("p-1", "acme.webhooks", "0.1.0", "s3://x", "abc", "submitter-1",
		`{"tier":"gold"}`, "validating", "job-7", nil, now, now)

	mock.ExpectQuery("SELECT (.+) FROM packages WHERE id = ").
		WithArgs("p-1").
		WillReturnRows(rows)

	p, err := store.Get(context.Background(), "p-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Status != StatusValidating {
		t.Errorf("expected validating, got %s", p.Status)
	}
	if p.ValidationJobID != "job-7" {
		t.Errorf("expected job-7, got %s", p.ValidationJobID)
	}
	if p.Metadata["tier"] != "gold" {
		t.Errorf("metadata not decoded: %+v", p.Metadata)
	}
}

func TestSQLStore_GetMissingRowIsNotFound(t *testing.T) {
	store, mock, done := newMockStore(t)
	defer done()

	mock.ExpectQuery("SELECT (.+) FROM packages WHERE id = ").
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := store.Get(context.Background(), "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSQLStore_BeginValidationLostRaceIsConflict(t *testing.T) {
	store, mock, done := newMockStore(t)
	defer done()

	mock.ExpectExec("UPDATE packages SET status").
		WithArgs("validating", "job-7", sqlmock.AnyArg(), "p-1", "submitted").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT status FROM packages WHERE id = ").
		WithArgs("p-1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("validated"))

	err := store.BeginValidation(context.Background(), "p-1", "job-7", time.Now())
	if !errors.Is(err, ErrStatusConflict) {
		t.Fatalf("expected ErrStatusConflict, got %v", err)
	}
}

func TestSQLStore_FinishValidationGuardsFromState(t *testing.T) {
	store, mock, done := newMockStore(t)
	defer done()

	mock.ExpectExec("UPDATE packages SET status").
		WithArgs("validated", "validator:reports/r-1", sqlmock.AnyArg(), "p-1", "validating").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.FinishValidation(context.Background(), "p-1", StatusValidated, "validator:reports/r-1", time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
