// Package breaker implements the per-trigger circuit breaker (spec §4.6): a
// three-state machine (Closed/Open/HalfOpen) that isolates a trigger whose
// evaluation keeps failing, persisted alongside the trigger row.
package breaker

import (
	"context"
	"sync"
	"time"

	"github.com/R3E-Network/trigger-pipeline/domain/trigger"
	"github.com/R3E-Network/trigger-pipeline/infrastructure/logging"
	"github.com/R3E-Network/trigger-pipeline/infrastructure/metrics"
)

// Defaults mirrors spec §4.6 "Defaults" / §6.7
// CIRCUIT_BREAKER_DEFAULT_*.
type Defaults struct {
	FailureThreshold    int
	RecoveryTimeout     time.Duration
	HalfOpenMaxCalls    int
}

// DefaultDefaults returns the spec's documented defaults.
func DefaultDefaults() Defaults {
	return Defaults{
		FailureThreshold: 10,
		RecoveryTimeout:  time.Hour,
		HalfOpenMaxCalls: 1,
	}
}

// Persister saves a trigger's breaker state back to the trigger row (spec
// §4.6 "Persistence"). Implementations must treat this as best-effort from
// the breaker's point of view: a failed save still leaves the in-memory
// transition in effect (spec "Graceful degradation").
type Persister interface {
	SaveBreakerState(ctx context.Context, triggerID string, s trigger.BreakerState) error
}

// Breaker guards trigger evaluation with the spec §4.6 state machine.
// Transitions for a given trigger are serialized by an in-process mutex;
// CircuitBreakerState fields are last-writer-wins across processor
// instances per spec §5.
type Breaker struct {
	persister Persister
	defaults  Defaults
	logger    *logging.Logger
	metrics   *metrics.Metrics
	locks     sync.Map // map[string]*sync.Mutex
}

// New constructs a Breaker. persister may be nil in tests that only care
// about in-memory transitions.
func New(persister Persister, defaults Defaults, logger *logging.Logger, m *metrics.Metrics) *Breaker {
	return &Breaker{persister: persister, defaults: defaults, logger: logger, metrics: m}
}

func (b *Breaker) lockFor(triggerID string) *sync.Mutex {
	v, _ := b.locks.LoadOrStore(triggerID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

func (b *Breaker) resolve(cfg trigger.BreakerConfig) (failureThreshold int, recovery time.Duration, halfOpenMax int) {
	failureThreshold = cfg.FailureThreshold
	if failureThreshold <= 0 {
		failureThreshold = b.defaults.FailureThreshold
	}
	recovery = time.Duration(cfg.RecoveryTimeoutSecs) * time.Second
	if recovery <= 0 {
		recovery = b.defaults.RecoveryTimeout
	}
	halfOpenMax = cfg.HalfOpenMaxCalls
	if halfOpenMax <= 0 {
		halfOpenMax = b.defaults.HalfOpenMaxCalls
	}
	return
}

// Allow gates one evaluation attempt against t's circuit breaker. It
// mutates t.BreakerState in place (Open -> HalfOpen transitions on cooldown
// expiry, HalfOpen probe accounting) and reports whether evaluation should
// proceed. A false return means the trigger must be recorded as "skipped
// due to open circuit" (spec §4.6 "Open").
func (b *Breaker) Allow(ctx context.Context, t *trigger.Trigger) bool {
	lock := b.lockFor(t.ID)
	lock.Lock()
	defer lock.Unlock()

	_, recovery, halfOpenMax := b.resolve(t.BreakerConfig)

	switch t.BreakerState.State {
	case trigger.BreakerClosed:
		return true

	case trigger.BreakerOpen:
		if t.BreakerState.OpenedAt == nil || time.Since(*t.BreakerState.OpenedAt) < recovery {
			return false
		}
		b.transition(ctx, t, trigger.BreakerHalfOpen, "recovery_timeout_elapsed")
		t.BreakerState.HalfOpenCalls = 1
		b.persist(ctx, t)
		return true

	case trigger.BreakerHalfOpen:
		if t.BreakerState.HalfOpenCalls >= halfOpenMax {
			return false
		}
		t.BreakerState.HalfOpenCalls++
		b.persist(ctx, t)
		return true

	default:
		return true
	}
}

// RecordSuccess records a clean evaluation outcome (spec §4.6 "Failure
// definition": a successful evaluation counts as success regardless of
// whether the trigger matched).
func (b *Breaker) RecordSuccess(ctx context.Context, t *trigger.Trigger) {
	lock := b.lockFor(t.ID)
	lock.Lock()
	defer lock.Unlock()

	switch t.BreakerState.State {
	case trigger.BreakerHalfOpen:
		b.transition(ctx, t, trigger.BreakerClosed, "half_open_probe_succeeded")
		t.BreakerState.FailureCount = 0
		t.BreakerState.OpenedAt = nil
	case trigger.BreakerClosed:
		t.BreakerState.FailureCount = 0
	}
	b.persist(ctx, t)
}

// RecordFailure records an evaluation failure (unknown condition type,
// parse error, state persistence failure — spec §4.6 "Failure
// definition"). Action-delivery failures must never be passed here.
func (b *Breaker) RecordFailure(ctx context.Context, t *trigger.Trigger) {
	lock := b.lockFor(t.ID)
	lock.Lock()
	defer lock.Unlock()

	now := time.Now().UTC()
	t.BreakerState.LastFailureTime = &now

	failureThreshold, _, _ := b.resolve(t.BreakerConfig)

	switch t.BreakerState.State {
	case trigger.BreakerHalfOpen:
		b.transition(ctx, t, trigger.BreakerOpen, "half_open_probe_failed")
		t.BreakerState.OpenedAt = &now
	case trigger.BreakerClosed:
		t.BreakerState.FailureCount++
		if t.BreakerState.FailureCount >= failureThreshold {
			b.transition(ctx, t, trigger.BreakerOpen, "failure_threshold_reached")
			t.BreakerState.OpenedAt = &now
		}
	}
	b.persist(ctx, t)
}

// Reset forces t's circuit breaker back to Closed, for manual operator
// intervention through the management surface (spec §9 "breaker reset").
// It always persists, since this is an explicit operator action rather than
// a best-effort transition.
func (b *Breaker) Reset(ctx context.Context, t *trigger.Trigger) error {
	lock := b.lockFor(t.ID)
	lock.Lock()
	defer lock.Unlock()

	b.transition(ctx, t, trigger.BreakerClosed, "manual_reset")
	t.BreakerState.FailureCount = 0
	t.BreakerState.OpenedAt = nil
	t.BreakerState.HalfOpenCalls = 0

	if b.persister == nil {
		return nil
	}
	return b.persister.SaveBreakerState(ctx, t.ID, t.BreakerState)
}

func (b *Breaker) transition(ctx context.Context, t *trigger.Trigger, to trigger.BreakerStateName, reason string) {
	from := t.BreakerState.State
	t.BreakerState.State = to
	if to != trigger.BreakerHalfOpen {
		t.BreakerState.HalfOpenCalls = 0
	}
	if b.logger != nil {
		b.logger.LogCircuitBreakerTransition(ctx, t.ID, string(from), string(to), reason)
	}
	if b.metrics != nil {
		b.metrics.RecordCircuitBreakerTransition(t.ID, string(from), string(to))
		b.metrics.SetCircuitBreakerState(t.ID, breakerStateValue(to))
	}
}

func breakerStateValue(s trigger.BreakerStateName) float64 {
	switch s {
	case trigger.BreakerClosed:
		return 0
	case trigger.BreakerHalfOpen:
		return 1
	case trigger.BreakerOpen:
		return 2
	default:
		return -1
	}
}

// persist best-effort saves the breaker state; a failure is logged and the
// in-memory transition stands, per spec's graceful-degradation rule.
func (b *Breaker) persist(ctx context.Context, t *trigger.Trigger) {
	if b.persister == nil {
		return
	}
	if err := b.persister.SaveBreakerState(ctx, t.ID, t.BreakerState); err != nil {
		if b.logger != nil {
			b.logger.WithContext(ctx).WithError(err).WithFields(map[string]interface{}{
				"trigger_id": t.ID,
			}).Warn("circuit breaker state persistence failed, transition stands in memory")
		}
	}
}
