// Package expr evaluates the message name and correlation key expressions of
// catch events. Expressions are CEL; the element's variables are exposed as
// the map "vars", e.g. vars.orderId or "order-" + vars.region.
package expr

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
)

var (
	// ErrInvalidExpression is returned when an expression does not compile or
	// fails to evaluate.
	ErrInvalidExpression = errors.New("expr: invalid expression")
	// ErrInvalidMessageName is returned when a name expression is not a
	// non-empty string.
	ErrInvalidMessageName = errors.New("expr: message name must be a non-empty string")
	// ErrInvalidCorrelationKey is returned when a correlation key expression
	// is neither a string nor an integer.
	ErrInvalidCorrelationKey = errors.New("expr: correlation key must be a string or an integer")
)

// Evaluator compiles expressions once and caches the programs. It is safe for
// concurrent use.
type Evaluator struct {
	env *cel.Env

	mu    sync.Mutex
	progs map[string]cel.Program
}

// NewEvaluator creates an evaluator.
func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("vars", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, err
	}
	return &Evaluator{env: env, progs: make(map[string]cel.Program)}, nil
}

func (e *Evaluator) program(expr string) (cel.Program, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.progs[expr]; ok {
		return p, nil
	}
	ast, iss := e.env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidExpression, expr, iss.Err())
	}
	prog, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidExpression, expr, err)
	}
	e.progs[expr] = prog
	return prog, nil
}

func (e *Evaluator) eval(expr string, variables []byte) (any, error) {
	prog, err := e.program(strings.TrimSpace(expr))
	if err != nil {
		return nil, err
	}
	vars := map[string]any{}
	if len(variables) > 0 {
		if err := json.Unmarshal(variables, &vars); err != nil {
			return nil, fmt.Errorf("%w: variables are not a JSON object: %v", ErrInvalidExpression, err)
		}
	}
	out, _, err := prog.Eval(map[string]any{"vars": vars})
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidExpression, expr, err)
	}
	return out.Value(), nil
}

// MessageName evaluates a message name expression.
func (e *Evaluator) MessageName(expr string, variables []byte) (string, error) {
	v, err := e.eval(expr, variables)
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("%w: %q evaluated to %v", ErrInvalidMessageName, expr, v)
	}
	return s, nil
}

// CorrelationKey evaluates a correlation key expression. Integers, and JSON
// numbers without a fraction, are rendered in decimal.
func (e *Evaluator) CorrelationKey(expr string, variables []byte) (string, error) {
	v, err := e.eval(expr, variables)
	if err != nil {
		return "", err
	}
	switch x := v.(type) {
	case string:
		return x, nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case uint64:
		return strconv.FormatUint(x, 10), nil
	case float64:
		if x == math.Trunc(x) && math.Abs(x) < 1<<53 {
			return strconv.FormatInt(int64(x), 10), nil
		}
	}
	return "", fmt.Errorf("%w: %q evaluated to %v (%T)", ErrInvalidCorrelationKey, expr, v, v)
}
