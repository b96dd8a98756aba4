// Package queue implements the action job queue (spec §4.7): a
// Postgres-backed priority queue with visibility-timeout leasing,
// exponential-backoff retries, and a dead-letter tier.
package queue

import (
	"encoding/hex"
	"encoding/json"
	"time"

	"golang.org/x/crypto/blake2b"
)

// JobStatus is the lifecycle state of an ActionJob row.
type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusLeased     JobStatus = "leased"
	StatusDone       JobStatus = "done"
	StatusDeadLetter JobStatus = "dead_letter"
)

// MaxRetries is the default retry budget before a job is dead-lettered
// (spec §4.7 "Defaults").
const MaxRetries = 5

// BaseBackoff and MaxBackoff bound the exponential retry delay (spec §4.7
// "Backoff": min(1s*2^(n-1), 5min) with +/-50% jitter).
const (
	BaseBackoff = time.Second
	MaxBackoff  = 5 * time.Minute
)

// ActionJob is one queued unit of action delivery (spec §3 "ActionJob").
type ActionJob struct {
	ID             string          `db:"id"`
	TriggerID      string          `db:"trigger_id"`
	EventID        string          `db:"event_id"`
	ActionIndex    int             `db:"action_index"`
	ActionType     string          `db:"action_type"`
	Priority       int             `db:"priority"`
	Config         json.RawMessage `db:"config"`
	EventData      json.RawMessage `db:"event_data"`
	IdempotencyKey string          `db:"idempotency_key"`
	Status         JobStatus       `db:"status"`
	AttemptCount   int             `db:"attempt_count"`
	MaxRetries     int             `db:"max_retries"`
	VisibleAt      time.Time       `db:"visible_at"`
	LeaseToken     *string         `db:"lease_token"`
	EnqueuedAt     time.Time       `db:"enqueued_at"`
	UpdatedAt      time.Time       `db:"updated_at"`
}

// IdempotencyKey derives the deterministic key the spec uses to collapse
// duplicate enqueue attempts for the same (trigger, event, action) triple
// (spec §4.7 "Idempotency" / §9 "hash(trigger_id, event_id, action_index)").
// It is opaque outside this package: callers must not parse it, only compare
// it for equality (per the Open Question decision recorded in DESIGN.md).
func IdempotencyKey(triggerID, eventID string, actionIndex int) string {
	h, err := blake2b.New256([]byte(idempotencyKeySalt))
	if err != nil {
		// Only possible if the key exceeds blake2b's 64-byte key bound,
		// which idempotencyKeySalt never will.
		panic(err)
	}
	h.Write([]byte(triggerID))
	h.Write([]byte{0})
	h.Write([]byte(eventID))
	h.Write([]byte{0})
	h.Write([]byte{byte(actionIndex >> 24), byte(actionIndex >> 16), byte(actionIndex >> 8), byte(actionIndex)})
	return hex.EncodeToString(h.Sum(nil))
}

// idempotencyKeySalt domain-separates this hash from any other blake2b use
// in the process; it is not a secret.
const idempotencyKeySalt = "action-job-idempotency"

// BackoffDelay returns the exponential-backoff-with-jitter delay before the
// (attempt+1)th retry, attempt being the number of attempts already made
// (spec §4.7 "Backoff"). jitter must be a caller-supplied uniform(0,1)
// sample so the computation stays deterministic and testable.
func BackoffDelay(attempt int, jitter float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	raw := BaseBackoff * time.Duration(1<<uint(attempt-1))
	if raw > MaxBackoff || raw <= 0 {
		raw = MaxBackoff
	}
	factor := 0.5 + jitter // jitter in [0,1) -> factor in [0.5, 1.5)
	return time.Duration(float64(raw) * factor)
}
