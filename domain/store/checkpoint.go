package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/R3E-Network/trigger-pipeline/domain/trigger"
	"github.com/R3E-Network/trigger-pipeline/infrastructure/errors"
)

func marshalBreakerState(s trigger.BreakerState) ([]byte, error) {
	return json.Marshal(s)
}

// Checkpoint is the per-chain advisory marker written by indexers (spec §3
// "Checkpoint"). The processor treats it as advisory only — reorg
// detection remains the indexer's responsibility.
type Checkpoint struct {
	ChainID         int64     `db:"chain_id"`
	LastBlockNumber int64     `db:"last_block_number"`
	LastBlockHash   string    `db:"last_block_hash"`
	UpdatedAt       time.Time `db:"updated_at"`
}

// CheckpointReader reads the advisory per-chain checkpoint row.
type CheckpointReader struct {
	db *sqlx.DB
}

// NewCheckpointReader wraps an existing *sqlx.DB.
func NewCheckpointReader(db *sqlx.DB) *CheckpointReader {
	return &CheckpointReader{db: db}
}

// Load returns the latest checkpoint for a chain, or nil if the indexer has
// not yet written one.
func (c *CheckpointReader) Load(ctx context.Context, chainID int64) (*Checkpoint, error) {
	var cp Checkpoint
	err := c.db.GetContext(ctx, &cp, `
		SELECT chain_id, last_block_number, last_block_hash, updated_at
		FROM checkpoints WHERE chain_id = $1
	`, chainID)
	if err != nil {
		if err.Error() == "sql: no rows in result set" {
			return nil, nil
		}
		return nil, errors.DatabaseError("load_checkpoint", err)
	}
	return &cp, nil
}
