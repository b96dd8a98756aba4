package queue

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
)

func newMockQueue(t *testing.T) (*Queue, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(sqlx.NewDb(db, "postgres"), nil, nil), mock
}

func TestQueue_PurgeDeadLetter(t *testing.T) {
	q, mock := newMockQueue(t)

	mock.ExpectExec("DELETE FROM action_jobs").
		WithArgs("168h0m0s").
		WillReturnResult(sqlmock.NewResult(0, 4))

	n, err := q.PurgeDeadLetter(context.Background(), 168*time.Hour)
	if err != nil {
		t.Fatalf("PurgeDeadLetter returned error: %v", err)
	}
	if n != 4 {
		t.Fatalf("purged = %d, want 4", n)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestQueue_BacklogCounts(t *testing.T) {
	q, mock := newMockQueue(t)

	rows := sqlmock.NewRows([]string{"action_type", "cnt"}).
		AddRow("webhook", int64(5)).
		AddRow("messaging", int64(2))
	mock.ExpectQuery("SELECT action_type, count").WillReturnRows(rows)

	counts, err := q.BacklogCounts(context.Background())
	if err != nil {
		t.Fatalf("BacklogCounts returned error: %v", err)
	}
	if counts["webhook"] != 5 || counts["messaging"] != 2 {
		t.Fatalf("unexpected counts: %+v", counts)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestQueue_Replay_NotFound(t *testing.T) {
	q, mock := newMockQueue(t)

	mock.ExpectExec("UPDATE action_jobs").
		WithArgs("missing-job").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := q.Replay(context.Background(), "missing-job"); err == nil {
		t.Fatal("expected error replaying an unknown job id")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
