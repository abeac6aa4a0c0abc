package approval

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestSQLBackend_Insert(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer func() { _ = db.Close() }()

	backend := newSQLBackend(db)
	ctx := context.Background()
	a := Approval{ID: "a1", ToolName: "echo", ArgsHash: "hash", CreatedAt: time.Now(), ExpiresAt: time.Now().Add(time.Minute), Status: "pending"}

	mock.ExpectExec("INSERT INTO tool_approvals").
		WithArgs(a.ID, a.ToolName, a.ArgsHash, a.CreatedAt, a.ExpiresAt, a.ConsumedAt, a.Status).
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := backend.Insert(ctx, a); err != nil {
		t.Errorf("insert: unexpected error: %s", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %s", err)
	}
}

func TestSQLBackend_ConditionalConsume_NoRowsMatched(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer func() { _ = db.Close() }()

	backend := newSQLBackend(db)
	ctx := context.Background()

	mock.ExpectExec("UPDATE tool_approvals").
		WillReturnResult(sqlmock.NewResult(0, 0))

	rows, err := backend.ConditionalConsume(ctx, "a1", "echo", "hash", time.Now())
	if err != nil {
		t.Fatalf("conditional_consume: %v", err)
	}
	if rows != 0 {
		t.Errorf("expected 0 rows affected, got %d", rows)
	}
}

func TestSQLBackend_Get_NotFoundReturnsNilNil(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer func() { _ = db.Close() }()

	backend := newSQLBackend(db)
	ctx := context.Background()

	mock.ExpectQuery("SELECT approval_id, tool_name, args_hash, created_at, expires_at, consumed_at, status").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"approval_id", "tool_name", "args_hash", "created_at", "expires_at", "consumed_at", "status"}))

	a, err := backend.Get(ctx, "missing")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if a != nil {
		t.Errorf("expected nil approval, got %+v", a)
	}
}
