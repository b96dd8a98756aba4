package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/trigger-pipeline/domain/breaker"
	"github.com/R3E-Network/trigger-pipeline/domain/condition"
	"github.com/R3E-Network/trigger-pipeline/domain/queue"
	"github.com/R3E-Network/trigger-pipeline/domain/state"
	"github.com/R3E-Network/trigger-pipeline/domain/store"
)

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return sqlx.NewDb(db, "postgres"), mock
}

// Scenario A (spec §8): a stateless trigger matches and enqueues exactly
// one ActionJob on the webhook queue; the breaker's success path is taken.
func TestProcessor_HandleNotification_ScenarioA(t *testing.T) {
	db, mock := newMockDB(t)

	eventCols := []string{
		"id", "chain_id", "block_number", "log_index", "registry", "event_type",
		"block_hash", "transaction_hash", "contract_address", "block_timestamp",
		"fields", "created_at",
	}
	mock.ExpectQuery("SELECT id, chain_id, block_number").
		WithArgs("evt-1").
		WillReturnRows(sqlmock.NewRows(eventCols).AddRow(
			"evt-1", int64(11155111), int64(100), 0, "reputation", "NewFeedback",
			"0xblock", "0xtx", "0xcontract", time.Now(),
			[]byte(`{"agent_id":42,"score":55}`), time.Now(),
		))

	triggerCols := []string{
		"id", "organization_id", "chain_id", "registry", "name", "enabled", "is_stateful",
		"circuit_breaker_config", "circuit_breaker_state", "created_at", "updated_at",
	}
	mock.ExpectQuery("SELECT id, organization_id, chain_id, registry, name, enabled").
		WithArgs(int64(11155111), "reputation").
		WillReturnRows(sqlmock.NewRows(triggerCols).AddRow(
			"trig-1", "org-1", int64(11155111), "reputation", "T", true, false,
			[]byte(`{}`), []byte(`{"state":"closed"}`), time.Now(), time.Now(),
		))

	condCols := []string{"id", "trigger_id", "condition_type", "field", "operator", "value", "config"}
	mock.ExpectQuery("SELECT id, trigger_id, condition_type").
		WillReturnRows(sqlmock.NewRows(condCols).
			AddRow("c1", "trig-1", "event_type_equals", "", "=", "NewFeedback", []byte(`{}`)).
			AddRow("c2", "trig-1", "score_threshold", "", "<", "60", []byte(`{}`)))

	actionCols := []string{"id", "trigger_id", "action_type", "priority", "config"}
	mock.ExpectQuery("SELECT id, trigger_id, action_type").
		WillReturnRows(sqlmock.NewRows(actionCols).
			AddRow("a1", "trig-1", "webhook", 3, []byte(`{"url":"https://example.test"}`)))

	mock.ExpectExec("UPDATE triggers SET circuit_breaker_state").
		WillReturnResult(sqlmock.NewResult(0, 1))

	mock.ExpectQuery("INSERT INTO action_jobs").
		WillReturnRows(sqlmock.NewRows([]string{"id", "inserted"}).AddRow("job-1", true))

	events := store.NewEventStore(db)
	reader := store.NewReader(db)
	evaluator := condition.NewEvaluator()
	stateMgr := state.NewManager(nil, nil, nil)
	b := breaker.New(reader, breaker.DefaultDefaults(), nil, nil)
	q := queue.New(db, nil, nil)

	p := New(DefaultConfig(), events, reader, evaluator, stateMgr, b, q, nil, nil)

	err := p.HandleNotification(context.Background(), "evt-1")
	require.NoError(t, err)

	require.NoError(t, mock.ExpectationsWereMet())
}

// An event with no candidate triggers in scope is a clean no-op: no relation
// queries, no enqueue.
func TestProcessor_HandleNotification_NoCandidates(t *testing.T) {
	db, mock := newMockDB(t)

	eventCols := []string{
		"id", "chain_id", "block_number", "log_index", "registry", "event_type",
		"block_hash", "transaction_hash", "contract_address", "block_timestamp",
		"fields", "created_at",
	}
	mock.ExpectQuery("SELECT id, chain_id, block_number").
		WithArgs("evt-2").
		WillReturnRows(sqlmock.NewRows(eventCols).AddRow(
			"evt-2", int64(1), int64(1), 0, "identity", "X",
			"0xb", "0xt", "0xc", time.Now(), []byte(`{}`), time.Now(),
		))

	mock.ExpectQuery("SELECT id, organization_id, chain_id, registry, name, enabled").
		WithArgs(int64(1), "identity").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "organization_id", "chain_id", "registry", "name", "enabled", "is_stateful",
			"circuit_breaker_config", "circuit_breaker_state", "created_at", "updated_at",
		}))

	events := store.NewEventStore(db)
	reader := store.NewReader(db)
	evaluator := condition.NewEvaluator()
	stateMgr := state.NewManager(nil, nil, nil)
	b := breaker.New(reader, breaker.DefaultDefaults(), nil, nil)
	q := queue.New(db, nil, nil)

	p := New(DefaultConfig(), events, reader, evaluator, stateMgr, b, q, nil, nil)

	require.NoError(t, p.HandleNotification(context.Background(), "evt-2"))
	require.NoError(t, mock.ExpectationsWereMet())
}
