package audit

import (
	"context"
	"database/sql"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func newMockStore(t *testing.T, dialect Dialect) (*SQLStore, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	return NewSQLStore(db, dialect), mock, func() { _ = db.Close() }
}

func TestSQLStore_Head_EmptyChainReturnsGenesis(t *testing.T) {
	store, mock, done := newMockStore(t, DialectPostgres)
	defer done()

	mock.ExpectQuery("SELECT hash FROM audit_chain_head").
		WillReturnError(sql.ErrNoRows)

	head, err := store.Head(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if head != GenesisPrevHash {
		t.Errorf("expected genesis head, got %s", head)
	}
}

func TestSQLStore_Insert_AdvancesHead(t *testing.T) {
	store, mock, done := newMockStore(t, DialectPostgres)
	defer done()

	ev := &Event{
		ID:        "ev-1",
		Type:      EventManifestCreated,
		Payload:   []byte(`{"manifestId":"m-1"}`),
		PrevHash:  GenesisPrevHash,
		Hash:      strings.Repeat("a", 64),
		Signature: "c2ln",
		SignerKid: "audit-signer-1",
		Ts:        time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT hash FROM audit_chain_head WHERE id = 1 FOR UPDATE").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("INSERT INTO audit_chain_head").
		WithArgs(GenesisPrevHash).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery(`SELECT COALESCE\(MAX\(seq\), 0\) \+ 1 FROM audit_events`).
		WillReturnRows(sqlmock.NewRows([]string{"seq"}).AddRow(int64(1)))
	mock.ExpectExec("INSERT INTO audit_events").
		WithArgs(ev.ID, int64(1), ev.Type, string(ev.Payload), ev.PrevHash, ev.Hash,
			ev.Signature, ev.SignerKid, ev.Ts, "null").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE audit_chain_head SET hash").
		WithArgs(ev.Hash).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := store.Insert(context.Background(), ev); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestSQLStore_Insert_RejectsStaleHead(t *testing.T) {
	store, mock, done := newMockStore(t, DialectPostgres)
	defer done()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT hash FROM audit_chain_head").
		WillReturnRows(sqlmock.NewRows([]string{"hash"}).AddRow(strings.Repeat("b", 64)))
	mock.ExpectRollback()

	ev := &Event{ID: "ev-2", PrevHash: strings.Repeat("a", 64)}
	err := store.Insert(context.Background(), ev)
	if err == nil {
		t.Fatal("expected head-moved error")
	}
	if !strings.Contains(err.Error(), ErrHeadMoved.Error()) {
		t.Errorf("expected ErrHeadMoved, got %v", err)
	}
}

func TestSQLStore_FetchPendingExport_ClaimsRows(t *testing.T) {
	store, mock, done := newMockStore(t, DialectSQLite)
	defer done()

	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{
		"id", "event_type", "payload", "prev_hash", "hash", "signature", "signer_kid", "ts", "metadata",
	}).
		AddRow("ev-1", EventManifestCreated, `{"a":1}`, GenesisPrevHash, strings.Repeat("a", 64), "c2ln", "k", ts, nil).
		AddRow("ev-2", EventManifestSigned, `{"a":2}`, strings.Repeat("a", 64), strings.Repeat("b", 64), "c2ln", "k", ts, `{"actorId":"op-1"}`)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, event_type, payload").
		WithArgs(2).
		WillReturnRows(rows)
	mock.ExpectExec("UPDATE audit_events").
		WithArgs(sqlmock.AnyArg(), "ev-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE audit_events").
		WithArgs(sqlmock.AnyArg(), "ev-2").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	events, err := store.FetchPendingExport(context.Background(), 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[1].Metadata["actorId"] != "op-1" {
		t.Errorf("metadata not decoded: %+v", events[1].Metadata)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestSQLStore_MarkExportResult_FailurePathUsesAttemptCap(t *testing.T) {
	store, mock, done := newMockStore(t, DialectPostgres)
	defer done()

	mock.ExpectExec("UPDATE audit_events").
		WithArgs("bucket offline", maxExportAttempts, "ev-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.MarkExportResult(context.Background(), []string{"ev-1"}, "", false, "bucket offline")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
