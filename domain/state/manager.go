package state

import (
	"context"
	"sync"
	"time"

	"github.com/R3E-Network/trigger-pipeline/domain/compare"
	"github.com/R3E-Network/trigger-pipeline/domain/event"
	"github.com/R3E-Network/trigger-pipeline/domain/trigger"
	"github.com/R3E-Network/trigger-pipeline/infrastructure/errors"
	"github.com/R3E-Network/trigger-pipeline/infrastructure/logging"
	"github.com/R3E-Network/trigger-pipeline/infrastructure/metrics"
)

// Manager provides the atomic load -> evaluate -> update -> persist cycle
// for stateful conditions (spec §4.4). Per-trigger mutual exclusion is
// enforced in-process only, via a mutex keyed by trigger id. Manager does not
// take PostgresStore's advisory lock (WithAdvisoryLock), so two processor
// instances can run the cycle for the same trigger at the same time.
type Manager struct {
	store  Store
	locks  sync.Map // map[string]*sync.Mutex
	logger *logging.Logger
	metric *metrics.Metrics
}

// NewManager constructs a Manager over the given Store (ordinarily a
// *CachingStore wrapping a *PostgresStore).
func NewManager(store Store, logger *logging.Logger, m *metrics.Metrics) *Manager {
	return &Manager{store: store, logger: logger, metric: m}
}

func (m *Manager) lockFor(triggerID string) *sync.Mutex {
	v, _ := m.locks.LoadOrStore(triggerID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// EvaluateAndUpdate runs the stateful conditions (ema_threshold, rate_limit)
// in the given list against ev, holding the per-trigger lock for the
// duration, and persists the resulting aggregate (spec §4.4
// "evaluate_and_update"). Stateless conditions in the list are skipped, so
// callers may pass a trigger's full condition list.
//
// Per spec's elected resolution of the EMA/rate-counter "state update on
// non-match" open question, state always advances regardless of whether the
// trigger ultimately matches.
func (m *Manager) EvaluateAndUpdate(ctx context.Context, triggerID string, conditions []trigger.Condition, ev *event.Event) (matched bool, err error) {
	lock := m.lockFor(triggerID)
	lock.Lock()
	defer lock.Unlock()

	current, err := m.store.Load(ctx, triggerID)
	if err != nil {
		return false, err
	}
	next := current.Clone()
	next.TriggerID = triggerID

	matched = true
	for _, c := range conditions {
		if !c.ConditionType.Stateful() {
			continue
		}

		ok, evalErr := m.applyStateful(next, c, ev)
		if evalErr != nil {
			return false, evalErr
		}
		if !ok {
			matched = false
		}
	}

	next.LastUpdated = time.Now().UTC()
	if err := m.store.Save(ctx, next); err != nil {
		return false, err
	}

	return matched, nil
}

func (m *Manager) applyStateful(s *TriggerState, c trigger.Condition, ev *event.Event) (bool, error) {
	switch c.ConditionType {
	case trigger.ConditionEMAThreshold:
		return m.applyEMA(s, c, ev)
	case trigger.ConditionRateLimit:
		return m.applyRateCounter(s, c, ev)
	default:
		return false, errors.EvalUnknownCondition(string(c.ConditionType))
	}
}

func (m *Manager) applyEMA(s *TriggerState, c trigger.Condition, ev *event.Event) (bool, error) {
	raw, ok := ev.Get(c.Field)
	if !ok {
		return false, errors.EvalFieldMissing(c.Field)
	}
	current, err := compare.ToFloat(c.Field, raw)
	if err != nil {
		return false, err
	}
	threshold, err := compare.ParseFloat(c.Field, c.Value)
	if err != nil {
		return false, err
	}

	windowSize := c.Config.WindowSize(10)
	prev := s.EMA[c.Field]
	next, compareValue := UpdateEMA(prev, current, windowSize)
	s.EMA[c.Field] = next

	matched, err := compare.Numeric(c.Operator, compareValue, threshold)
	if err != nil {
		return false, err
	}
	return matched, nil
}

func (m *Manager) applyRateCounter(s *TriggerState, c trigger.Condition, ev *event.Event) (bool, error) {
	window, err := ParseWindow(c.Config.TimeWindow())
	if err != nil {
		return false, err
	}
	threshold, err := compare.ParseFloat(c.Field, c.Value)
	if err != nil {
		return false, err
	}

	prev := s.RateCounters[c.Field]
	next, count := UpdateRateCounter(prev, ev.BlockTimestamp, window)

	matched, err := compare.Numeric(c.Operator, float64(count), threshold)
	if err != nil {
		return false, err
	}

	if matched && c.Config.ResetOnTrigger() {
		next = ResetRateCounter()
	}
	s.RateCounters[c.Field] = next
	return matched, nil
}

// Delete removes a trigger's persisted state (called when the management
// surface deletes the owning trigger).
func (m *Manager) Delete(ctx context.Context, triggerID string) error {
	m.locks.Delete(triggerID)
	return m.store.Delete(ctx, triggerID)
}
