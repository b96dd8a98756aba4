package management

import (
	"database/sql"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gorilla/mux"
	"github.com/jmoiron/sqlx"

	"github.com/R3E-Network/trigger-pipeline/domain/breaker"
	"github.com/R3E-Network/trigger-pipeline/domain/queue"
	"github.com/R3E-Network/trigger-pipeline/domain/store"
)

func newTestHandlers(t *testing.T) (*Handlers, sqlmock.Sqlmock, *mux.Router) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	sqlxDB := sqlx.NewDb(db, "postgres")
	reader := store.NewReader(sqlxDB)
	results := store.NewResultStore(sqlxDB)
	q := queue.New(sqlxDB, nil, nil)
	cb := breaker.New(reader, breaker.DefaultDefaults(), nil, nil)

	h := New(reader, results, q, cb, nil)
	router := mux.NewRouter()
	h.Register(router)
	return h, mock, router
}

func TestHandlers_ListResults(t *testing.T) {
	_, mock, router := newTestHandlers(t)

	cols := []string{
		"id", "job_id", "trigger_id", "event_id", "action_type", "status",
		"duration_ms", "error_message", "response_data", "attempt_count", "executed_at",
	}
	rows := sqlmock.NewRows(cols).AddRow(
		"res-1", "job-1", "trig-1", "evt-1", "webhook", "success",
		int64(120), nil, nil, 1, time.Now(),
	)
	mock.ExpectQuery("SELECT id, job_id, trigger_id").WillReturnRows(rows)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/triggers/trig-1/results", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", w.Code, w.Body.String())
	}
}

func TestHandlers_InspectBreaker_NotFound(t *testing.T) {
	_, mock, router := newTestHandlers(t)

	mock.ExpectQuery("SELECT id, organization_id").WillReturnError(sql.ErrNoRows)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/triggers/missing/breaker", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404, body=%s", w.Code, w.Body.String())
	}
}

func TestHandlers_ResetBreaker(t *testing.T) {
	_, mock, router := newTestHandlers(t)

	cols := []string{
		"id", "organization_id", "chain_id", "registry", "name", "enabled", "is_stateful",
		"circuit_breaker_config", "circuit_breaker_state", "created_at", "updated_at",
	}
	rows := sqlmock.NewRows(cols).AddRow(
		"trig-1", "org-1", int64(1), "identity", "t", true, false,
		[]byte(`{}`), []byte(`{"state":"open","failure_count":10}`), time.Now(), time.Now(),
	)
	mock.ExpectQuery("SELECT id, organization_id").WillReturnRows(rows)
	mock.ExpectExec("UPDATE triggers SET circuit_breaker_state").WillReturnResult(sqlmock.NewResult(0, 1))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/triggers/trig-1/breaker/reset", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", w.Code, w.Body.String())
	}
}

func TestHandlers_ListDeadLetter(t *testing.T) {
	_, mock, router := newTestHandlers(t)

	cols := []string{
		"id", "trigger_id", "event_id", "action_index", "action_type", "priority",
		"config", "event_data", "idempotency_key", "status", "attempt_count",
		"max_retries", "visible_at", "lease_token", "enqueued_at", "updated_at",
	}
	rows := sqlmock.NewRows(cols)
	mock.ExpectQuery("SELECT id, trigger_id, event_id, action_index").WillReturnRows(rows)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/dead-letter", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", w.Code, w.Body.String())
	}
}

func TestHandlers_ReplayDeadLetter_NotFound(t *testing.T) {
	_, mock, router := newTestHandlers(t)

	mock.ExpectExec("UPDATE action_jobs").WillReturnResult(sqlmock.NewResult(0, 0))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/dead-letter/webhook/missing-job/replay", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code == http.StatusOK {
		t.Fatalf("expected non-200 for replaying an unknown job, got %d", w.Code)
	}
}
