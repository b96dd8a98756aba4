package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/R3E-Network/trigger-pipeline/infrastructure/errors"
)

// ResultStatus is the terminal or intermediate status of an action delivery
// attempt (spec §3 "ActionResult").
type ResultStatus string

const (
	ResultSuccess  ResultStatus = "success"
	ResultFailed   ResultStatus = "failed"
	ResultRetrying ResultStatus = "retrying"
)

// ActionResult is the append-only audit row written by a worker after every
// terminal or retry attempt (spec §3 "ActionResult", §4.8 "Result
// recording"). Retained 90 days.
type ActionResult struct {
	ID            string          `db:"id" json:"id"`
	JobID         string          `db:"job_id" json:"job_id"`
	TriggerID     string          `db:"trigger_id" json:"trigger_id"`
	EventID       string          `db:"event_id" json:"event_id"`
	ActionType    string          `db:"action_type" json:"action_type"`
	Status        ResultStatus    `db:"status" json:"status"`
	DurationMS    int64           `db:"duration_ms" json:"duration_ms"`
	ErrorMessage  *string         `db:"error_message" json:"error_message,omitempty"`
	ResponseData  json.RawMessage `db:"response_data" json:"response_data,omitempty"`
	AttemptCount  int             `db:"attempt_count" json:"attempt_count"`
	ExecutedAt    time.Time       `db:"executed_at" json:"executed_at"`
}

// ResultStore persists ActionResult rows.
type ResultStore struct {
	db *sqlx.DB
}

// NewResultStore wraps an existing *sqlx.DB.
func NewResultStore(db *sqlx.DB) *ResultStore {
	return &ResultStore{db: db}
}

// Append inserts one audit row. ActionResult rows are never updated.
func (s *ResultStore) Append(ctx context.Context, r ActionResult) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO action_results
			(id, job_id, trigger_id, event_id, action_type, status, duration_ms,
			 error_message, response_data, attempt_count, executed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, r.ID, r.JobID, r.TriggerID, r.EventID, r.ActionType, r.Status, r.DurationMS,
		r.ErrorMessage, r.ResponseData, r.AttemptCount, r.ExecutedAt)
	if err != nil {
		return errors.DatabaseError("append_action_result", err)
	}
	return nil
}

// ListForTrigger returns a page of ActionResult rows for a trigger, newest
// first (spec SPEC_FULL.md "Trigger execution audit list with pagination").
func (s *ResultStore) ListForTrigger(ctx context.Context, triggerID string, limit, offset int) ([]ActionResult, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var results []ActionResult
	err := s.db.SelectContext(ctx, &results, `
		SELECT id, job_id, trigger_id, event_id, action_type, status, duration_ms,
		       error_message, response_data, attempt_count, executed_at
		FROM action_results
		WHERE trigger_id = $1
		ORDER BY executed_at DESC
		LIMIT $2 OFFSET $3
	`, triggerID, limit, offset)
	if err != nil {
		return nil, errors.DatabaseError("list_action_results", err)
	}
	return results, nil
}
