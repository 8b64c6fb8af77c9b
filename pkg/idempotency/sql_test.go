package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestSQLStore_Claim_FreshKeyInserts(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer func() { _ = db.Close() }()
	store := NewSQLStore(db)

	mock.ExpectExec("INSERT INTO idempotency_records").
		WithArgs("key-1", "hash-1", StatusPending, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	claim, err := store.Claim(context.Background(), "key-1", "hash-1", time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if claim.Outcome != OutcomeClaimed {
		t.Errorf("expected claimed, got %s", claim.Outcome)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestSQLStore_Claim_ConflictLoadsExisting(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer func() { _ = db.Close() }()
	store := NewSQLStore(db)

	created := time.Now().Add(-time.Minute)
	completed := time.Now()

	mock.ExpectExec("INSERT INTO idempotency_records").
		WithArgs("key-1", "hash-1", StatusPending, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT key, request_hash, status").
		WithArgs("key-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"key", "request_hash", "status", "status_code", "response_body", "created_at", "completed_at",
		}).AddRow("key-1", "hash-1", StatusCompleted, 201, `{"ok":true}`, created, completed))

	claim, err := store.Claim(context.Background(), "key-1", "hash-1", time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if claim.Outcome != OutcomeReplay {
		t.Errorf("expected replay, got %s", claim.Outcome)
	}
	if claim.Record.StatusCode != 201 {
		t.Errorf("expected stored status 201, got %d", claim.Record.StatusCode)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestSQLStore_Complete_RequiresPendingClaim(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer func() { _ = db.Close() }()
	store := NewSQLStore(db)

	mock.ExpectExec("UPDATE idempotency_records").
		WithArgs(StatusCompleted, 201, `{}`, sqlmock.AnyArg(), "key-1", StatusPending).
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := store.Complete(context.Background(), "key-1", 201, []byte(`{}`), time.Now()); err == nil {
		t.Fatal("expected error for missing pending claim")
	}
}

func TestSQLStore_Sweep_CountsDeletedRows(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer func() { _ = db.Close() }()
	store := NewSQLStore(db)

	mock.ExpectExec("DELETE FROM idempotency_records").
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 7))

	n, err := store.Sweep(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 7 {
		t.Errorf("expected 7 swept, got %d", n)
	}
}
