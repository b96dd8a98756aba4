package state

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/trigger-pipeline/domain/event"
	"github.com/R3E-Network/trigger-pipeline/domain/trigger"
)

// memStore is an in-memory Store fake for exercising Manager without a
// database.
type memStore struct {
	mu     sync.Mutex
	states map[string]*TriggerState
}

func newMemStore() *memStore {
	return &memStore{states: make(map[string]*TriggerState)}
}

func (m *memStore) Load(_ context.Context, triggerID string) (*TriggerState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.states[triggerID]; ok {
		return s.Clone(), nil
	}
	return NewTriggerState(triggerID), nil
}

func (m *memStore) Save(_ context.Context, s *TriggerState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[s.TriggerID] = s.Clone()
	return nil
}

func (m *memStore) Delete(_ context.Context, triggerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, triggerID)
	return nil
}

func emaCondition(windowSize int) trigger.Condition {
	return trigger.Condition{
		ConditionType: trigger.ConditionEMAThreshold,
		Field:         "score",
		Operator:      trigger.OpLt,
		Value:         "70",
		Config:        trigger.ConditionConfig{"window_size": float64(windowSize)},
	}
}

// Scenario B, driven through the full Manager atomic cycle instead of the
// raw UpdateEMA helper directly.
func TestManager_EvaluateAndUpdate_ScenarioB(t *testing.T) {
	m := NewManager(newMemStore(), nil, nil)
	conds := []trigger.Condition{emaCondition(5)}

	scores := []float64{80, 60, 50, 40, 30}
	wantMatch := []bool{false, false, true, true, true}

	for i, score := range scores {
		ev := &event.Event{ID: "e", Fields: event.FieldSet{"score": score}}
		matched, err := m.EvaluateAndUpdate(context.Background(), "t1", conds, ev)
		require.NoError(t, err)
		assert.Equal(t, wantMatch[i], matched, "event %d", i+1)
	}
}

// State always advances regardless of match (spec's elected resolution of
// the "state update on non-match" open question).
func TestManager_EvaluateAndUpdate_AdvancesStateOnNonMatch(t *testing.T) {
	store := newMemStore()
	m := NewManager(store, nil, nil)
	conds := []trigger.Condition{emaCondition(5)}

	ev := &event.Event{ID: "e", Fields: event.FieldSet{"score": float64(10)}}
	_, err := m.EvaluateAndUpdate(context.Background(), "t1", conds, ev)
	require.NoError(t, err)

	s, err := store.Load(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, s.EMA["score"].Count)
}

func TestManager_EvaluateAndUpdate_UnparseableThresholdErrors(t *testing.T) {
	m := NewManager(newMemStore(), nil, nil)
	conds := []trigger.Condition{
		{
			ConditionType: trigger.ConditionEMAThreshold,
			Field:         "score",
			Value:         "not-a-number",
			Config:        trigger.ConditionConfig{"window_size": float64(5)},
		},
	}

	ev := &event.Event{ID: "e", Fields: event.FieldSet{"score": float64(10)}}
	_, err := m.EvaluateAndUpdate(context.Background(), "t1", conds, ev)
	require.Error(t, err)
}

func TestManager_RateLimitConditionWithReset(t *testing.T) {
	m := NewManager(newMemStore(), nil, nil)
	conds := []trigger.Condition{
		{
			ConditionType: trigger.ConditionRateLimit,
			Field:         "event_count",
			Operator:      trigger.OpGt,
			Value:         "20",
			Config: trigger.ConditionConfig{
				"time_window":      "1h",
				"reset_on_trigger": true,
			},
		},
	}

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	matchedAt := -1
	for i := 1; i <= 21; i++ {
		ev := &event.Event{
			ID:             "e",
			BlockTimestamp: base.Add(time.Duration(i) * 10 * time.Second),
			Fields:         event.FieldSet{"event_count": float64(0)},
		}
		matched, err := m.EvaluateAndUpdate(context.Background(), "t-rate", conds, ev)
		require.NoError(t, err)
		if matched {
			matchedAt = i
		}
	}
	assert.Equal(t, 21, matchedAt)
}

func TestManager_PerTriggerLocksAreIndependent(t *testing.T) {
	m := NewManager(newMemStore(), nil, nil)
	l1 := m.lockFor("a")
	l2 := m.lockFor("b")
	assert.NotSame(t, l1, l2)
	assert.Same(t, l1, m.lockFor("a"))
}

func TestManager_Delete(t *testing.T) {
	store := newMemStore()
	m := NewManager(store, nil, nil)
	ev := &event.Event{ID: "e", Fields: event.FieldSet{"score": float64(10)}}
	_, err := m.EvaluateAndUpdate(context.Background(), "t1", []trigger.Condition{emaCondition(5)}, ev)
	require.NoError(t, err)

	require.NoError(t, m.Delete(context.Background(), "t1"))
	s, err := store.Load(context.Background(), "t1")
	require.NoError(t, err)
	assert.Zero(t, s.EMA["score"].Count)
}
