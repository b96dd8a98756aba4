// Package compare implements the closed operator set shared by the
// condition evaluator and the stateful state manager (spec §4.3
// "Operators"): = != < <= > >= in contains.
package compare

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/R3E-Network/trigger-pipeline/domain/trigger"
	"github.com/R3E-Network/trigger-pipeline/infrastructure/errors"
)

// Numeric applies op to two float64 operands. Only =, !=, <, <=, >, >= are
// valid for numeric comparisons.
func Numeric(op trigger.Operator, a, b float64) (bool, error) {
	switch op {
	case trigger.OpEq:
		return a == b, nil
	case trigger.OpNeq:
		return a != b, nil
	case trigger.OpLt:
		return a < b, nil
	case trigger.OpLte:
		return a <= b, nil
	case trigger.OpGt:
		return a > b, nil
	case trigger.OpGte:
		return a >= b, nil
	default:
		return false, errors.EvalUnknownOperator(string(op))
	}
}

// String applies op to two string operands. Only =, != are valid for plain
// string equality; contains is handled by Contains, in by InList.
func String(op trigger.Operator, a, b string) (bool, error) {
	switch op {
	case trigger.OpEq:
		return a == b, nil
	case trigger.OpNeq:
		return a != b, nil
	default:
		return false, errors.EvalUnknownOperator(string(op))
	}
}

// InList reports whether value appears in a comma-separated list string
// (spec §4.3 "validator_whitelist": "event.validator_address in value-list").
func InList(value, list string) bool {
	for _, item := range strings.Split(list, ",") {
		if strings.EqualFold(strings.TrimSpace(item), strings.TrimSpace(value)) {
			return true
		}
	}
	return false
}

// Contains reports whether needle is a substring of haystack (spec §4.3
// "contains" operator).
func Contains(haystack, needle string) bool {
	return strings.Contains(haystack, needle)
}

// ParseFloat parses a condition's string Value into a float64, returning a
// typed evaluation error (not a panic/silent zero) on failure (spec §4.3
// "Error handling": "an unparseable value ... causes the evaluator to
// return an error").
func ParseFloat(field, raw string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0, errors.EvalTypeMismatch(field, "numeric")
	}
	return v, nil
}

// ToFloat coerces an arbitrary event field value (already-decoded JSON
// scalar) into a float64.
func ToFloat(field string, v interface{}) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case string:
		return ParseFloat(field, n)
	default:
		return 0, errors.EvalTypeMismatch(field, "numeric")
	}
}

// ToString coerces an arbitrary event field value into its string form.
func ToString(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case fmt.Stringer:
		return s.String()
	default:
		return fmt.Sprintf("%v", s)
	}
}
