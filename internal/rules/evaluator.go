package rules

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/diegoholiveira/jsonlogic"
	"github.com/shopspring/decimal"
)

// ErrEvaluatorFailed wraps failures raised by a pluggable evaluator.
var ErrEvaluatorFailed = errors.New("rules: evaluator failed")

// Condition is one numeric comparison handed to an Evaluator.
type Condition struct {
	Operator  Operator
	Observed  decimal.Decimal
	Threshold decimal.Decimal
}

// Evaluator decides whether a numeric condition holds. Implementations must
// agree with Evaluate for every input they do not reject with an error.
type Evaluator interface {
	Name() string
	Evaluate(ctx context.Context, c Condition) (bool, error)
}

// DirectEvaluator compares decimals in process.
type DirectEvaluator struct{}

func (DirectEvaluator) Name() string { return "direct" }

func (DirectEvaluator) Evaluate(_ context.Context, c Condition) (bool, error) {
	if !c.Operator.Numeric() {
		return false, fmt.Errorf("%w: %s", ErrUnsupportedOperator, c.Operator)
	}
	return Evaluate(c.Observed, c.Operator, c.Threshold), nil
}

var jsonLogicOps = map[Operator]string{
	OpGT:  ">",
	OpGTE: ">=",
	OpLT:  "<",
	OpLTE: "<=",
	OpEQ:  "==",
}

// JSONLogicEvaluator compiles conditions into JSON-logic expressions. The
// expression compares observed-threshold against zero so the float
// conversion inside the interpreter cannot change the outcome.
type JSONLogicEvaluator struct{}

func (JSONLogicEvaluator) Name() string { return "jsonlogic" }

func (JSONLogicEvaluator) Evaluate(ctx context.Context, c Condition) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	symbol, ok := jsonLogicOps[c.Operator]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnsupportedOperator, c.Operator)
	}
	rule, data, err := compileCondition(symbol, c)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrEvaluatorFailed, err)
	}
	var out bytes.Buffer
	if err := jsonlogic.Apply(bytes.NewReader(rule), bytes.NewReader(data), &out); err != nil {
		return false, fmt.Errorf("%w: %v", ErrEvaluatorFailed, err)
	}
	var result any
	if err := json.Unmarshal(bytes.TrimSpace(out.Bytes()), &result); err != nil {
		return false, fmt.Errorf("%w: decode result: %v", ErrEvaluatorFailed, err)
	}
	matched, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("%w: non-boolean result %v", ErrEvaluatorFailed, result)
	}
	return matched, nil
}

func compileCondition(symbol string, c Condition) ([]byte, []byte, error) {
	rule, err := json.Marshal(map[string]any{
		symbol: []any{map[string]any{"var": "delta"}, 0},
	})
	if err != nil {
		return nil, nil, err
	}
	data, err := json.Marshal(map[string]any{
		"delta": json.Number(c.Observed.Sub(c.Threshold).String()),
	})
	if err != nil {
		return nil, nil, err
	}
	return rule, data, nil
}

// EvaluatorByName maps configuration values onto evaluator strategies.
func EvaluatorByName(name string) (Evaluator, error) {
	switch name {
	case "", "direct":
		return DirectEvaluator{}, nil
	case "jsonlogic":
		return JSONLogicEvaluator{}, nil
	default:
		return nil, fmt.Errorf("rules: unknown evaluator %q", name)
	}
}
