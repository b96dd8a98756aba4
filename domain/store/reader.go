// Package store implements the trigger store reader (spec §4.2): batch
// loading of candidate triggers plus their conditions and actions in a
// bounded number of queries, independent of trigger count.
package store

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/R3E-Network/trigger-pipeline/domain/trigger"
	"github.com/R3E-Network/trigger-pipeline/infrastructure/errors"
)

// Reader loads triggers and their relations from Postgres.
type Reader struct {
	db *sqlx.DB
}

// NewReader wraps an existing *sqlx.DB.
func NewReader(db *sqlx.DB) *Reader {
	return &Reader{db: db}
}

// LoadCandidates returns every enabled trigger scoped to (chainID, registry)
// in exactly one query (spec §4.2 "load_candidates").
func (r *Reader) LoadCandidates(ctx context.Context, chainID int64, registry trigger.Registry) ([]trigger.Trigger, error) {
	var triggers []trigger.Trigger
	err := r.db.SelectContext(ctx, &triggers, `
		SELECT id, organization_id, chain_id, registry, name, enabled, is_stateful,
		       circuit_breaker_config, circuit_breaker_state, created_at, updated_at
		FROM triggers
		WHERE chain_id = $1 AND registry = $2 AND enabled
	`, chainID, registry)
	if err != nil {
		return nil, errors.DatabaseError("load_candidates", err)
	}
	return triggers, nil
}

// GetByID loads a single trigger by id, for the management surface's
// per-trigger inspection endpoints.
func (r *Reader) GetByID(ctx context.Context, triggerID string) (*trigger.Trigger, error) {
	var t trigger.Trigger
	err := r.db.GetContext(ctx, &t, `
		SELECT id, organization_id, chain_id, registry, name, enabled, is_stateful,
		       circuit_breaker_config, circuit_breaker_state, created_at, updated_at
		FROM triggers
		WHERE id = $1
	`, triggerID)
	if err != nil {
		return nil, errors.NotFound("trigger", triggerID)
	}
	return &t, nil
}

// LoadRelations returns the conditions and actions for the given trigger ids
// in exactly two queries, keyed by trigger id (spec §4.2 "load_relations").
// A trigger id absent from either map has no conditions/no actions — both
// are valid states (a trigger with zero conditions matches every event in
// its scope).
func (r *Reader) LoadRelations(ctx context.Context, triggerIDs []string) (conditionsByTrigger map[string][]trigger.Condition, actionsByTrigger map[string][]trigger.Action, err error) {
	conditionsByTrigger = make(map[string][]trigger.Condition)
	actionsByTrigger = make(map[string][]trigger.Action)

	if len(triggerIDs) == 0 {
		return conditionsByTrigger, actionsByTrigger, nil
	}

	condQuery, condArgs, err := sqlx.In(`
		SELECT id, trigger_id, condition_type, field, operator, value, config
		FROM trigger_conditions
		WHERE trigger_id IN (?)
	`, triggerIDs)
	if err != nil {
		return nil, nil, errors.DatabaseError("build_conditions_query", err)
	}
	condQuery = r.db.Rebind(condQuery)

	var conditions []trigger.Condition
	if err := r.db.SelectContext(ctx, &conditions, condQuery, condArgs...); err != nil {
		return nil, nil, errors.DatabaseError("load_conditions", err)
	}
	for _, c := range conditions {
		conditionsByTrigger[c.TriggerID] = append(conditionsByTrigger[c.TriggerID], c)
	}

	// Actions are returned sorted by (trigger_id, priority DESC, id) per
	// spec §4.2; actual dispatch urgency (lower priority number = sooner)
	// is enforced separately by the job queue's own lease ordering, so this
	// sort only governs deterministic enumeration order.
	actionQuery, actionArgs, err := sqlx.In(`
		SELECT id, trigger_id, action_type, priority, config
		FROM trigger_actions
		WHERE trigger_id IN (?)
		ORDER BY trigger_id, priority DESC, id
	`, triggerIDs)
	if err != nil {
		return nil, nil, errors.DatabaseError("build_actions_query", err)
	}
	actionQuery = r.db.Rebind(actionQuery)

	var actions []trigger.Action
	if err := r.db.SelectContext(ctx, &actions, actionQuery, actionArgs...); err != nil {
		return nil, nil, errors.DatabaseError("load_actions", err)
	}
	for _, a := range actions {
		actionsByTrigger[a.TriggerID] = append(actionsByTrigger[a.TriggerID], a)
	}

	return conditionsByTrigger, actionsByTrigger, nil
}

// SaveBreakerState persists a trigger's circuit breaker state column,
// implementing breaker.Persister.
func (r *Reader) SaveBreakerState(ctx context.Context, triggerID string, s trigger.BreakerState) error {
	payload, err := marshalBreakerState(s)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		UPDATE triggers SET circuit_breaker_state = $2, updated_at = now() WHERE id = $1
	`, triggerID, payload)
	if err != nil {
		return errors.BreakerPersistenceFailed(triggerID, err)
	}
	return nil
}
