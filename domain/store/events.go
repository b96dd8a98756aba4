package store

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"

	"github.com/R3E-Network/trigger-pipeline/domain/event"
	"github.com/R3E-Network/trigger-pipeline/infrastructure/errors"
)

// EventStore reads the append-only event log.
type EventStore struct {
	db *sqlx.DB
}

// NewEventStore wraps an existing *sqlx.DB.
func NewEventStore(db *sqlx.DB) *EventStore {
	return &EventStore{db: db}
}

// Get loads one event by id, implementing worker.EventLoader. A missing row
// (deleted or never written) is reported as errors.NotFound so the caller
// can drop the notification rather than retry forever.
func (s *EventStore) Get(ctx context.Context, eventID string) (*event.Event, error) {
	var ev event.Event
	err := s.db.GetContext(ctx, &ev, `
		SELECT id, chain_id, block_number, log_index, registry, event_type,
		       block_hash, transaction_hash, contract_address, block_timestamp,
		       fields, created_at
		FROM events WHERE id = $1
	`, eventID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.NotFound("event", eventID)
		}
		return nil, errors.DatabaseError("load_event", err)
	}
	return &ev, nil
}

// Load is an alias for Get satisfying domain/worker.EventLoader's naming.
func (s *EventStore) Load(ctx context.Context, eventID string) (*event.Event, error) {
	return s.Get(ctx, eventID)
}

// EventIDsSince implements domain/eventbus.Backlog: returns ids of events
// created after cursor (an event id), in ascending id order, capped at
// limit. With cursor "" (the very first scan) it returns the limit highest
// ids in descending order instead. Event ids are expected to be
// lexicographically-sortable (e.g. UUIDv7 or a ULID) so id order doubles as
// insertion order.
func (s *EventStore) EventIDsSince(ctx context.Context, cursor string, limit int) ([]string, error) {
	if limit <= 0 || limit > 5000 {
		limit = 500
	}
	var ids []string
	var err error
	if cursor == "" {
		err = s.db.SelectContext(ctx, &ids, `
			SELECT id FROM events ORDER BY id DESC LIMIT $1
		`, limit)
	} else {
		err = s.db.SelectContext(ctx, &ids, `
			SELECT id FROM events WHERE id > $1 ORDER BY id ASC LIMIT $2
		`, cursor, limit)
	}
	if err != nil {
		return nil, errors.DatabaseError("scan_event_backlog", err)
	}
	return ids, nil
}
