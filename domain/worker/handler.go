// Package worker implements the action worker runtime: per-action-type pools
// that lease jobs off the action job queue, render templates against the
// triggering event, deliver the action, and record the outcome.
package worker

import (
	"context"
	"time"

	"github.com/R3E-Network/trigger-pipeline/domain/event"
)

// Result is the outcome of one delivery attempt.
type Result struct {
	Success      bool
	Retriable    bool
	ResponseData []byte
	Err          error
}

// Handler executes one action delivery against a rendered template/config
// snapshot. Implementations classify failures as retriable (network
// timeout, 5xx, connection refused) or permanent (malformed config,
// template error, 4xx other than 429) — a permanent failure still consumes
// a retry budget slot but a caller may choose to skip further backoff.
type Handler interface {
	Execute(ctx context.Context, job Job) Result
}

// Job is the subset of an action_jobs row a handler needs, plus the
// resolved event it was matched against.
type Job struct {
	ID          string
	TriggerID   string
	ActionIndex int
	Config      map[string]interface{}
	Event       *event.Event
	ChainName   string
	Timeout     time.Duration
}
