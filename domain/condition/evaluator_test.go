package condition

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/trigger-pipeline/domain/event"
	"github.com/R3E-Network/trigger-pipeline/domain/trigger"
)

func newEvent() *event.Event {
	return &event.Event{
		ID:              "evt-1",
		ChainID:         11155111,
		Registry:        trigger.RegistryReputation,
		EventType:       "NewFeedback",
		BlockTimestamp:  time.Now().UTC(),
		Fields: event.FieldSet{
			"agent_id": float64(42),
			"score":    float64(55),
			"tag1":     "alpha",
			"tag2":     "beta",
		},
	}
}

// Scenario A: event_type_equals + score_threshold both stateless, both pass.
func TestEvaluateStateless_ScenarioA(t *testing.T) {
	e := NewEvaluator()
	conds := []trigger.Condition{
		{ConditionType: trigger.ConditionEventTypeEquals, Operator: trigger.OpEq, Value: "NewFeedback"},
		{ConditionType: trigger.ConditionScoreThreshold, Operator: trigger.OpLt, Value: "60"},
	}
	ok, err := e.EvaluateStateless(conds, newEvent())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvaluateStateless_EmptyConditionListMatchesEverything(t *testing.T) {
	e := NewEvaluator()
	ok, err := e.EvaluateStateless(nil, newEvent())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvaluateStateless_ShortCircuitsOnFirstFalse(t *testing.T) {
	e := NewEvaluator()
	conds := []trigger.Condition{
		{ConditionType: trigger.ConditionEventTypeEquals, Operator: trigger.OpEq, Value: "SomethingElse"},
		{ConditionType: trigger.ConditionScoreThreshold, Operator: trigger.OpLt, Value: "60"},
	}
	ok, err := e.EvaluateStateless(conds, newEvent())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEvaluateStateless_StatefulConditionsIgnored(t *testing.T) {
	e := NewEvaluator()
	conds := []trigger.Condition{
		{ConditionType: trigger.ConditionEMAThreshold, Operator: trigger.OpLt, Value: "70", Field: "score"},
	}
	ok, err := e.EvaluateStateless(conds, newEvent())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvaluateStateless_UnknownConditionTypeIsError(t *testing.T) {
	e := NewEvaluator()
	conds := []trigger.Condition{
		{ConditionType: "bogus_condition", Operator: trigger.OpEq, Value: "x"},
	}
	_, err := e.EvaluateStateless(conds, newEvent())
	require.Error(t, err)
}

func TestEvaluateStateless_TagEqualsEitherSlot(t *testing.T) {
	e := NewEvaluator()
	ev := newEvent()

	ok, err := e.EvaluateStateless([]trigger.Condition{
		{ConditionType: trigger.ConditionTagEquals, Value: "beta"},
	}, ev)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.EvaluateStateless([]trigger.Condition{
		{ConditionType: trigger.ConditionTagEquals, Value: "gamma"},
	}, ev)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEvaluateStateless_ValidatorWhitelist(t *testing.T) {
	e := NewEvaluator()
	ev := newEvent()
	ev.Fields["validator_address"] = "0xAAA"

	ok, err := e.EvaluateStateless([]trigger.Condition{
		{ConditionType: trigger.ConditionValidatorWhitelist, Value: "0xBBB, 0xAAA"},
	}, ev)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvaluateStateless_FileURIExists(t *testing.T) {
	e := NewEvaluator()
	ev := newEvent()

	ok, err := e.EvaluateStateless([]trigger.Condition{
		{ConditionType: trigger.ConditionFileURIExists},
	}, ev)
	require.NoError(t, err)
	assert.False(t, ok)

	ev.Fields["file_uri"] = "ipfs://abc"
	ok, err = e.EvaluateStateless([]trigger.Condition{
		{ConditionType: trigger.ConditionFileURIExists},
	}, ev)
	require.NoError(t, err)
	assert.True(t, ok)
}

// Boundary behavior (spec §8): score coerces boundary values 0 and 100
// correctly; out-of-range values are rejected with an error, not a false.
func TestScoreThreshold_BoundaryValues(t *testing.T) {
	e := NewEvaluator()

	cases := []struct {
		name    string
		score   float64
		op      trigger.Operator
		value   string
		want    bool
		wantErr bool
	}{
		{"zero boundary", 0, trigger.OpGte, "0", true, false},
		{"hundred boundary", 100, trigger.OpLte, "100", true, false},
		{"negative rejected", -1, trigger.OpGte, "0", false, true},
		{"over-max rejected", 101, trigger.OpLte, "100", false, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev := newEvent()
			ev.Fields["score"] = tc.score
			ok, err := e.EvaluateStateless([]trigger.Condition{
				{ConditionType: trigger.ConditionScoreThreshold, Operator: tc.op, Value: tc.value},
			}, ev)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, ok)
		})
	}
}

func TestEvaluateStateless_MissingFieldIsError(t *testing.T) {
	e := NewEvaluator()
	ev := newEvent()
	delete(ev.Fields, "score")
	_, err := e.EvaluateStateless([]trigger.Condition{
		{ConditionType: trigger.ConditionScoreThreshold, Operator: trigger.OpLt, Value: "60"},
	}, ev)
	require.Error(t, err)
}

func TestEvaluateStateless_GenericFieldComparison(t *testing.T) {
	e := NewEvaluator()
	ev := newEvent()
	ev.ContractAddress = "0xCAFE"

	ok, err := e.EvaluateStateless([]trigger.Condition{
		{ConditionType: trigger.ConditionContractAddrEquals, Operator: trigger.OpEq, Field: "contract_address", Value: "0xCAFE"},
	}, ev)
	require.NoError(t, err)
	assert.True(t, ok)
}
