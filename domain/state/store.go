package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/R3E-Network/trigger-pipeline/infrastructure/errors"
)

// Store is the persistent backing store for trigger state (spec §3
// "TriggerState", §4.4 "Persistence contract"). Implementations must make
// Save atomic: either the whole aggregate lands or none of it does.
type Store interface {
	Load(ctx context.Context, triggerID string) (*TriggerState, error)
	Save(ctx context.Context, s *TriggerState) error
	Delete(ctx context.Context, triggerID string) error
}

// PostgresStore persists trigger_state rows via sqlx. It also provides
// WithAdvisoryLock, a per-trigger lock that holds across processor instances
// (spec §4.4 "Concurrency", §9); Manager does not call it.
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore wraps an existing *sqlx.DB.
func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

type stateRow struct {
	TriggerID   string `db:"trigger_id"`
	StateData   []byte `db:"state_data"`
	LastUpdated sql.NullTime `db:"last_updated"`
}

// Load returns the persisted state, or an empty default state if none
// exists yet (spec §4.4 "load_state(trigger_id) -> TriggerState (defaults
// to empty on absence)").
func (p *PostgresStore) Load(ctx context.Context, triggerID string) (*TriggerState, error) {
	var row stateRow
	err := p.db.GetContext(ctx, &row,
		`SELECT trigger_id, state_data, last_updated FROM trigger_state WHERE trigger_id = $1`,
		triggerID)
	if err == sql.ErrNoRows {
		return NewTriggerState(triggerID), nil
	}
	if err != nil {
		return nil, errors.DatabaseError("load_trigger_state", err)
	}

	s := NewTriggerState(triggerID)
	if len(row.StateData) > 0 {
		if err := json.Unmarshal(row.StateData, s); err != nil {
			return nil, errors.Wrap(errors.ErrCodeDatabase, "corrupt trigger_state payload", 500, err)
		}
	}
	if row.LastUpdated.Valid {
		s.LastUpdated = row.LastUpdated.Time
	}
	return s, nil
}

// Save upserts the state atomically in a single statement.
func (p *PostgresStore) Save(ctx context.Context, s *TriggerState) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("state: marshal trigger state: %w", err)
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO trigger_state (trigger_id, state_data, last_updated)
		VALUES ($1, $2, $3)
		ON CONFLICT (trigger_id)
		DO UPDATE SET state_data = EXCLUDED.state_data, last_updated = EXCLUDED.last_updated
	`, s.TriggerID, payload, s.LastUpdated)
	if err != nil {
		return errors.DatabaseError("save_trigger_state", err)
	}
	return nil
}

// Delete removes the trigger's persisted state (cascades from trigger
// deletion at the schema level; exposed here for explicit callers too).
func (p *PostgresStore) Delete(ctx context.Context, triggerID string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM trigger_state WHERE trigger_id = $1`, triggerID)
	if err != nil {
		return errors.DatabaseError("delete_trigger_state", err)
	}
	return nil
}

// advisoryLockKey hashes a trigger id into the int64 key pg_advisory_lock
// expects. Implemented with Postgres's own hashtext() so two processor
// instances derive an identical key without agreeing on a hash function in
// application code.
func (p *PostgresStore) advisoryLockKey(ctx context.Context, triggerID string) (int64, error) {
	var key int64
	err := p.db.GetContext(ctx, &key, `SELECT hashtext($1)::bigint`, triggerID)
	return key, err
}

// WithAdvisoryLock runs fn while holding a session-scoped Postgres advisory
// lock keyed by triggerID, released automatically when conn is returned to
// the pool or the connection drops (spec §9 "Per-trigger exclusive
// updates"). Nothing in this repository calls it: Manager holds only its
// in-process mutex.
func (p *PostgresStore) WithAdvisoryLock(ctx context.Context, triggerID string, fn func(ctx context.Context) error) error {
	conn, err := p.db.Connx(ctx)
	if err != nil {
		return errors.DatabaseError("acquire_connection", err)
	}
	defer conn.Close()

	key, err := p.advisoryLockKeyConn(ctx, conn, triggerID)
	if err != nil {
		return errors.BreakerLockFailed(triggerID, err)
	}

	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, key); err != nil {
		return errors.BreakerLockFailed(triggerID, err)
	}
	defer conn.ExecContext(ctx, `SELECT pg_advisory_unlock($1)`, key)

	return fn(ctx)
}

func (p *PostgresStore) advisoryLockKeyConn(ctx context.Context, conn *sqlx.Conn, triggerID string) (int64, error) {
	var key int64
	err := conn.QueryRowContext(ctx, `SELECT hashtext($1)::bigint`, triggerID).Scan(&key)
	return key, err
}
