package rules

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	// ErrMalformedCondition is returned when a rule threshold is not a number.
	ErrMalformedCondition = errors.New("rules: malformed condition value")
	// ErrUnsupportedOperator is returned when an operator does not apply to the observed fact.
	ErrUnsupportedOperator = errors.New("rules: operator not supported for fact")
	// ErrNotFound is returned by stores when a rule does not exist.
	ErrNotFound = errors.New("rules: rule not found")
)

// ParseThreshold parses a rule's condition value as a decimal.
func ParseThreshold(raw string) (decimal.Decimal, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return decimal.Zero, fmt.Errorf("%w: empty", ErrMalformedCondition)
	}
	d, err := decimal.NewFromString(trimmed)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrMalformedCondition, raw)
	}
	return d, nil
}

// Evaluate compares observed against threshold exactly. CONTAINS and unknown
// operators never match numeric facts.
func Evaluate(observed decimal.Decimal, op Operator, threshold decimal.Decimal) bool {
	switch op {
	case OpGT:
		return observed.GreaterThan(threshold)
	case OpGTE:
		return observed.GreaterThanOrEqual(threshold)
	case OpLT:
		return observed.LessThan(threshold)
	case OpLTE:
		return observed.LessThanOrEqual(threshold)
	case OpEQ:
		return observed.Equal(threshold)
	default:
		return false
	}
}

// EvaluateString matches a string-set fact. CONTAINS and EQ both test
// membership, case-insensitively.
func EvaluateString(values []string, op Operator, want string) bool {
	if op != OpContains && op != OpEQ {
		return false
	}
	target := strings.TrimSpace(want)
	if target == "" {
		return false
	}
	for _, v := range values {
		if strings.EqualFold(strings.TrimSpace(v), target) {
			return true
		}
	}
	return false
}
