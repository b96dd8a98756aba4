// Package state implements the stateful trigger state manager (spec §4.4):
// per-trigger EMA and sliding-window rate-counter aggregates, maintained
// under a per-trigger critical section, persisted through a write-through
// cache (spec §4.5).
package state

import "time"

// EMAState is the exponential-moving-average aggregate for one
// (trigger, field) pair (spec §3 TriggerState.state_data.ema).
type EMAState struct {
	Value float64 `json:"value"`
	Count int     `json:"count"`
}

// RateCounterState is the sliding-window timestamp sequence for one
// (trigger, field) pair (spec §3 TriggerState.state_data.rate_counter).
// Timestamps are kept monotonically non-decreasing, pruned to the active
// window, and capped at MaxTimestamps entries.
type RateCounterState struct {
	Timestamps []time.Time `json:"timestamps"`
}

// MaxTimestamps is the hard cap on a rate counter's retained timestamps
// (spec §3, §5 "Rate-counter timestamp bound").
const MaxTimestamps = 10000

// TriggerState is the full per-trigger aggregate bundle (spec §3
// "TriggerState"). Keys are condition `field` names.
type TriggerState struct {
	TriggerID    string                      `json:"trigger_id"`
	EMA          map[string]EMAState         `json:"ema,omitempty"`
	RateCounters map[string]RateCounterState `json:"rate_counter,omitempty"`
	LastUpdated  time.Time                   `json:"last_updated"`
}

// NewTriggerState returns the default empty state for a trigger that has
// never been evaluated.
func NewTriggerState(triggerID string) *TriggerState {
	return &TriggerState{
		TriggerID:    triggerID,
		EMA:          make(map[string]EMAState),
		RateCounters: make(map[string]RateCounterState),
	}
}

// Clone returns a deep-enough copy safe to mutate independently of the
// original (the manager computes a candidate next state before committing
// it, so in-flight callers must never observe a half-mutated aggregate).
func (s *TriggerState) Clone() *TriggerState {
	if s == nil {
		return NewTriggerState("")
	}
	out := &TriggerState{
		TriggerID:    s.TriggerID,
		EMA:          make(map[string]EMAState, len(s.EMA)),
		RateCounters: make(map[string]RateCounterState, len(s.RateCounters)),
		LastUpdated:  s.LastUpdated,
	}
	for k, v := range s.EMA {
		out.EMA[k] = v
	}
	for k, v := range s.RateCounters {
		ts := make([]time.Time, len(v.Timestamps))
		copy(ts, v.Timestamps)
		out.RateCounters[k] = RateCounterState{Timestamps: ts}
	}
	return out
}
