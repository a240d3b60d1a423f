package audit

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func newSyncSink(t *testing.T) (*DBSink, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	var nextID int64
	sink, err := NewDBSink(db, func() int64 {
		nextID++
		return nextID
	}, WithSynchronousWrite())
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}
	return sink, mock
}

func TestNewDBSinkValidation(t *testing.T) {
	if _, err := NewDBSink(nil, func() int64 { return 1 }); err == nil {
		t.Fatal("expected error for nil db")
	}

	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	if _, err := NewDBSink(db, nil); err == nil {
		t.Fatal("expected error for nil nextID")
	}
}

func TestRecordAssignsIDAndTimestamp(t *testing.T) {
	sink, mock := newSyncSink(t)

	mock.ExpectExec("INSERT INTO saga_audit_logs").
		WithArgs(int64(1), "SAGA_RETRY", "ops-alice", "saga-1", "failed", "retrying payment p-1", "req-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	entry := NewEntry(ActionSagaRetry, "ops-alice", "saga-1", "failed", "retrying payment p-1")
	entry.RequestID = "req-1"
	if err := sink.Record(context.Background(), entry); err != nil {
		t.Fatalf("record: %v", err)
	}
	if entry.ID != 1 {
		t.Fatalf("entry id = %d, want 1", entry.ID)
	}
	if entry.Timestamp == 0 {
		t.Fatal("expected timestamp to be set")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRecordKeepsExplicitID(t *testing.T) {
	sink, mock := newSyncSink(t)

	mock.ExpectExec("INSERT INTO saga_audit_logs").
		WithArgs(int64(42), "SAGA_MANUAL_RESOLVE", "ops", "saga-2", "requires_manual_resolution", "", "", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	entry := NewEntry(ActionSagaManualResolve, "ops", "saga-2", "requires_manual_resolution", "")
	entry.ID = 42
	if err := sink.Record(context.Background(), entry); err != nil {
		t.Fatalf("record: %v", err)
	}
	if entry.ID != 42 {
		t.Fatalf("entry id = %d, want 42", entry.ID)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRecordNilEntryIsNoop(t *testing.T) {
	sink, mock := newSyncSink(t)

	if err := sink.Record(context.Background(), nil); err != nil {
		t.Fatalf("record nil: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestQueryAppliesFilters(t *testing.T) {
	sink, mock := newSyncSink(t)

	mock.ExpectQuery("FROM saga_audit_logs").
		WithArgs("saga-1", "SAGA_RETRY").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "action", "actor", "saga_id", "before_status", "notes", "request_id", "timestamp",
		}).AddRow(int64(7), "SAGA_RETRY", "ops-bob", "saga-1", "failed", "note", "req-9", int64(1700000000000)))

	entries, err := sink.Query(context.Background(), &QueryFilter{
		SagaID: "saga-1",
		Action: ActionSagaRetry,
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	if entries[0].ID != 7 || entries[0].Actor != "ops-bob" || entries[0].Action != ActionSagaRetry {
		t.Fatalf("entry = %+v", entries[0])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestQueryNoFilter(t *testing.T) {
	sink, mock := newSyncSink(t)

	mock.ExpectQuery("FROM saga_audit_logs").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "action", "actor", "saga_id", "before_status", "notes", "request_id", "timestamp",
		}))

	entries, err := sink.Query(context.Background(), nil)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("entries = %d, want 0", len(entries))
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAsyncSinkDrainsQueue(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("INSERT INTO saga_audit_logs").
		WillReturnResult(sqlmock.NewResult(1, 1))

	sink, err := NewDBSink(db, func() int64 { return 1 }, WithQueueSize(4), WithErrorHandler(func(err error) {
		t.Errorf("unexpected sink error: %v", err)
	}))
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}
	defer sink.Close()

	if err := sink.Record(context.Background(), NewEntry(ActionSagaRecoverySweep, "system", "", "", "claimed=1")); err != nil {
		t.Fatalf("record: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for mock.ExpectationsWereMet() != nil {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for async insert")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
