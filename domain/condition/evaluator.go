// Package condition implements the stateless half of the condition
// evaluator (spec §4.3): deterministic, side-effect-free evaluation of a
// trigger's non-stateful conditions against an event, combined by logical
// AND with short-circuit on the first failure.
//
// Stateful conditions (ema_threshold, rate_limit) are evaluated separately
// by domain/state.Manager once every stateless condition has already
// passed (spec §4.3 "Evaluation order").
package condition

import (
	"fmt"

	"github.com/PaesslerAG/gval"
	"github.com/PaesslerAG/jsonpath"

	"github.com/R3E-Network/trigger-pipeline/domain/compare"
	"github.com/R3E-Network/trigger-pipeline/domain/event"
	"github.com/R3E-Network/trigger-pipeline/domain/trigger"
	"github.com/R3E-Network/trigger-pipeline/infrastructure/errors"
)

// Evaluator evaluates stateless conditions against events.
type Evaluator struct{}

// NewEvaluator constructs a stateless Evaluator. It carries no state of its
// own; it is safe for concurrent use across triggers.
func NewEvaluator() *Evaluator {
	return &Evaluator{}
}

// EvaluateStateless returns whether ev satisfies every non-stateful
// condition in conditions, short-circuiting on the first false. An empty
// condition list matches every event (spec §8 "Empty condition list matches
// every event"). Any error return means the trigger failed evaluation — the
// orchestrator must record this as a circuit-breaker failure, not a
// non-match.
func (e *Evaluator) EvaluateStateless(conditions []trigger.Condition, ev *event.Event) (bool, error) {
	for _, c := range conditions {
		if c.ConditionType.Stateful() {
			continue
		}

		ok, err := e.evaluateOne(c, ev)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func (e *Evaluator) evaluateOne(c trigger.Condition, ev *event.Event) (bool, error) {
	switch c.ConditionType {
	case trigger.ConditionAgentIDEquals:
		return e.fieldEquals(ev, "agent_id", c.Value)
	case trigger.ConditionScoreThreshold:
		return e.scoreThreshold(ev, c)
	case trigger.ConditionTagEquals:
		return e.tagEquals(ev, c.Value)
	case trigger.ConditionValidatorWhitelist:
		return e.validatorWhitelist(ev, c.Value)
	case trigger.ConditionEventTypeEquals:
		return e.fieldEquals(ev, "event_type", c.Value)
	case trigger.ConditionChainIDEquals, trigger.ConditionContractAddrEquals, trigger.ConditionFieldFilter:
		return e.genericFieldComparison(ev, c)
	case trigger.ConditionFileURIExists:
		return e.fileURIExists(ev)
	default:
		return false, errors.EvalUnknownCondition(string(c.ConditionType))
	}
}

func (e *Evaluator) fieldEquals(ev *event.Event, field, value string) (bool, error) {
	raw, ok := ev.Get(field)
	if !ok {
		return false, errors.EvalFieldMissing(field)
	}
	return compare.String(trigger.OpEq, compare.ToString(raw), value)
}

func (e *Evaluator) scoreThreshold(ev *event.Event, c trigger.Condition) (bool, error) {
	raw, ok := ev.Get("score")
	if !ok {
		return false, errors.EvalFieldMissing("score")
	}
	score, err := compare.ToFloat("score", raw)
	if err != nil {
		return false, err
	}
	if score < 0 || score > 100 {
		return false, errors.OutOfRange("score", 0, 100)
	}
	threshold, err := compare.ParseFloat("score", c.Value)
	if err != nil {
		return false, err
	}
	return compare.Numeric(c.Operator, score, threshold)
}

// tagEquals matches "event.tag1 == value OR event.tag2 == value" (spec
// §4.3 "tag_equals").
func (e *Evaluator) tagEquals(ev *event.Event, value string) (bool, error) {
	tag1, has1 := ev.Get("tag1")
	tag2, has2 := ev.Get("tag2")
	if !has1 && !has2 {
		return false, errors.EvalFieldMissing("tag1/tag2")
	}
	if has1 && compare.ToString(tag1) == value {
		return true, nil
	}
	if has2 && compare.ToString(tag2) == value {
		return true, nil
	}
	return false, nil
}

func (e *Evaluator) validatorWhitelist(ev *event.Event, list string) (bool, error) {
	raw, ok := ev.Get("validator_address")
	if !ok {
		return false, errors.EvalFieldMissing("validator_address")
	}
	return compare.InList(compare.ToString(raw), list), nil
}

func (e *Evaluator) fileURIExists(ev *event.Event) (bool, error) {
	raw, ok := ev.Get("file_uri")
	if !ok {
		return false, nil
	}
	s := compare.ToString(raw)
	return s != "", nil
}

// genericFieldComparison resolves c.Field out of the event's structured
// fields via a jsonpath expression and evaluates the comparison with gval,
// covering chain_id_equals, contract_address_equals, and the open-ended
// field_filter type (spec §4.3 generic field comparison row).
func (e *Evaluator) genericFieldComparison(ev *event.Event, c trigger.Condition) (bool, error) {
	raw, err := resolveField(ev, c.Field)
	if err != nil {
		return false, errors.EvalFieldMissing(c.Field)
	}

	expr, params, err := gvalExpression(c.Operator, raw, c.Value)
	if err != nil {
		return false, err
	}

	result, err := gval.Evaluate(expr, params)
	if err != nil {
		return false, errors.Wrap(errors.ErrCodeEvalTypeMismatch, "condition expression evaluation failed", 422, err)
	}
	matched, ok := result.(bool)
	if !ok {
		return false, errors.EvalTypeMismatch(c.Field, "boolean expression")
	}
	return matched, nil
}

// resolveField looks up field on the event, trying the promoted well-known
// columns first and a jsonpath lookup into Fields for dotted paths
// (e.g. "data.metadata.category").
func resolveField(ev *event.Event, field string) (interface{}, error) {
	if v, ok := ev.Get(field); ok {
		return v, nil
	}
	return jsonpath.Get("$."+field, map[string]interface{}(ev.Fields))
}

func gvalExpression(op trigger.Operator, fieldValue interface{}, raw string) (string, map[string]interface{}, error) {
	params := map[string]interface{}{"field": fieldValue}

	switch op {
	case trigger.OpEq, trigger.OpNeq, trigger.OpLt, trigger.OpLte, trigger.OpGt, trigger.OpGte:
		if n, err := compare.ToFloat("", raw); err == nil {
			params["value"] = n
		} else {
			params["value"] = raw
			params["field"] = compare.ToString(fieldValue)
		}
		return fmt.Sprintf("field %s value", gvalOperator(op)), params, nil
	case trigger.OpContains:
		return fmt.Sprintf("%t", compare.Contains(compare.ToString(fieldValue), raw)), params, nil
	case trigger.OpIn:
		return fmt.Sprintf("%t", compare.InList(compare.ToString(fieldValue), raw)), params, nil
	default:
		return "", nil, errors.EvalUnknownOperator(string(op))
	}
}

func gvalOperator(op trigger.Operator) string {
	switch op {
	case trigger.OpEq:
		return "=="
	case trigger.OpNeq:
		return "!="
	case trigger.OpLt:
		return "<"
	case trigger.OpLte:
		return "<="
	case trigger.OpGt:
		return ">"
	case trigger.OpGte:
		return ">="
	default:
		return "=="
	}
}
