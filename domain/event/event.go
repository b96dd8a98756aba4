// Package event holds the immutable, append-only Event entity consumed from
// the event store (spec §3 "Event").
package event

import (
	"encoding/json"
	"time"

	"github.com/R3E-Network/trigger-pipeline/domain/trigger"
)

// Event is a normalized on-chain event row. Registry-specific fields live in
// Fields as a flat JSON object; well-known fields are also promoted to typed
// columns so the condition evaluator never has to type-switch on raw JSON
// for the common path.
type Event struct {
	ID              string          `db:"id" json:"id"`
	ChainID         int64           `db:"chain_id" json:"chain_id"`
	BlockNumber     int64           `db:"block_number" json:"block_number"`
	LogIndex        int             `db:"log_index" json:"log_index"`
	Registry        trigger.Registry `db:"registry" json:"registry"`
	EventType       string          `db:"event_type" json:"event_type"`
	BlockHash       string          `db:"block_hash" json:"block_hash"`
	TransactionHash string          `db:"transaction_hash" json:"transaction_hash"`
	ContractAddress string          `db:"contract_address" json:"contract_address"`
	BlockTimestamp  time.Time       `db:"block_timestamp" json:"block_timestamp"`
	Fields          FieldSet        `db:"fields" json:"fields"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
}

// FieldSet is the registry-specific structured-field map (agent_id, score,
// client_address, tag1, tag2, validator_address, file_hash, response_uri,
// file_uri, ...).
type FieldSet map[string]interface{}

// Scan implements sql.Scanner for the jsonb fields column.
func (f *FieldSet) Scan(src interface{}) error {
	m := FieldSet{}
	var raw []byte
	switch v := src.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	case nil:
		*f = m
		return nil
	}
	if len(raw) == 0 {
		*f = m
		return nil
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return err
	}
	*f = m
	return nil
}

// Get returns a registry-specific field, checking the promoted well-known
// columns first and falling back to the Fields map.
func (e *Event) Get(field string) (interface{}, bool) {
	switch field {
	case "chain_id":
		return e.ChainID, true
	case "event_type":
		return e.EventType, true
	case "block_number":
		return e.BlockNumber, true
	case "block_timestamp":
		return e.BlockTimestamp, true
	case "transaction_hash":
		return e.TransactionHash, true
	case "contract_address":
		return e.ContractAddress, true
	case "registry":
		return string(e.Registry), true
	}
	if e.Fields == nil {
		return nil, false
	}
	v, ok := e.Fields[field]
	return v, ok
}

// TemplateData flattens the event into the placeholder namespace documented
// in spec §4.8 ("Template rendering"): top-level well-known fields plus a
// data.* submap of registry-specific fields.
func (e *Event) TemplateData(chainName string) map[string]interface{} {
	data := make(map[string]interface{}, len(e.Fields))
	for k, v := range e.Fields {
		data[k] = v
	}
	return map[string]interface{}{
		"event_type":       e.EventType,
		"chain_id":         e.ChainID,
		"chain_name":       chainName,
		"block_number":     e.BlockNumber,
		"block_timestamp":  e.BlockTimestamp.Unix(),
		"transaction_hash": e.TransactionHash,
		"contract_address": e.ContractAddress,
		"data":             data,
	}
}
