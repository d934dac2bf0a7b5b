package expressions

import (
	"context"
	"fmt"
	"math"

	"github.com/rendis/deriva/internal/jsonpath"
	"github.com/rendis/deriva/pkg/schema"
)

// SourceReader gives builtins read access to external states. During a tick
// it is the frozen snapshot; outside a tick it falls back to the live cache.
type SourceReader interface {
	Lookup(id string) (any, bool)
}

// Env is everything an evaluation may observe.
type Env struct {
	// Vars are the variable bindings. Unbound identifiers evaluate to 0.
	Vars map[string]Value
	// Sources backs s(), v() and jp(). Nil means every read is undefined.
	Sources SourceReader
	// Extractor backs jp(). Nil uses a silent extractor.
	Extractor *jsonpath.Extractor
	// Context is passed to diagnostics emitted by builtins.
	Context context.Context
}

type evaluator struct {
	env Env
}

// Evaluate walks the AST. Only the node kinds in ast.go and the functions in
// the builtin table are accepted; anything else is an EVALUATION_ERROR.
// A panic inside a builtin is recovered into an EVALUATION_ERROR.
func Evaluate(root Node, env Env) (result Value, err error) {
	if env.Extractor == nil {
		env.Extractor = silentExtractor
	}
	if env.Context == nil {
		env.Context = context.Background()
	}
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = schema.NewErrorf(schema.ErrCodeEvaluation, "evaluation panicked: %v", r)
		}
	}()
	ev := &evaluator{env: env}
	return ev.eval(root)
}

var silentExtractor = jsonpath.NewExtractor(nil)

func (ev *evaluator) eval(node Node) (Value, error) {
	switch n := node.(type) {
	case *Literal:
		return n.Value, nil

	case *Identifier:
		if v, ok := ev.env.Vars[n.Name]; ok {
			return normalizeValue(v), nil
		}
		return 0.0, nil

	case *UnaryExpression:
		arg, err := ev.eval(n.Argument)
		if err != nil {
			return nil, err
		}
		switch n.Operator {
		case "+":
			return ToNumber(arg), nil
		case "-":
			return -ToNumber(arg), nil
		case "!":
			return !Truthy(arg), nil
		}
		return nil, notAllowed("operator", n.Operator)

	case *BinaryExpression:
		return ev.evalBinary(n)

	case *ConditionalExpression:
		test, err := ev.eval(n.Test)
		if err != nil {
			return nil, err
		}
		if Truthy(test) {
			return ev.eval(n.Consequent)
		}
		return ev.eval(n.Alternate)

	case *CallExpression:
		if n.Callee == nil {
			return nil, schema.NewError(schema.ErrCodeEvaluation, "only simple function calls are allowed")
		}
		fn, ok := builtins[n.Callee.Name]
		if !ok {
			return nil, notAllowed("function", n.Callee.Name)
		}
		args := make([]Value, len(n.Arguments))
		for i, a := range n.Arguments {
			v, err := ev.eval(a)
			if err != nil {
				return nil, err
			}
			args[i] = v
		}
		return fn(&ev.env, args)

	case nil:
		return nil, schema.NewError(schema.ErrCodeEvaluation, "invalid expression")

	default:
		return nil, schema.NewErrorf(schema.ErrCodeEvaluation,
			"expression type not allowed: %s", node.Kind())
	}
}

func (ev *evaluator) evalBinary(n *BinaryExpression) (Value, error) {
	left, err := ev.eval(n.Left)
	if err != nil {
		return nil, err
	}
	switch n.Operator {
	case "&&":
		if !Truthy(left) {
			return left, nil
		}
		return ev.eval(n.Right)
	case "||":
		if Truthy(left) {
			return left, nil
		}
		return ev.eval(n.Right)
	}
	right, err := ev.eval(n.Right)
	if err != nil {
		return nil, err
	}

	switch n.Operator {
	case "+":
		return ToNumber(left) + ToNumber(right), nil
	case "-":
		return ToNumber(left) - ToNumber(right), nil
	case "*":
		return ToNumber(left) * ToNumber(right), nil
	case "/":
		return ToNumber(left) / ToNumber(right), nil
	case "%":
		return math.Mod(ToNumber(left), ToNumber(right)), nil
	case "**":
		return jsPow(ToNumber(left), ToNumber(right)), nil
	case "==":
		return LooseEquals(left, right), nil
	case "!=":
		return !LooseEquals(left, right), nil
	case "===":
		return StrictEquals(left, right), nil
	case "!==":
		return !StrictEquals(left, right), nil
	case "<":
		return ToNumber(left) < ToNumber(right), nil
	case "<=":
		return ToNumber(left) <= ToNumber(right), nil
	case ">":
		return ToNumber(left) > ToNumber(right), nil
	case ">=":
		return ToNumber(left) >= ToNumber(right), nil
	}
	return nil, notAllowed("operator", n.Operator)
}

// jsPow is math.Pow with the two places JavaScript differs: 1 ** ±Infinity
// and anything ** NaN are NaN.
func jsPow(base, exp float64) float64 {
	if math.IsNaN(exp) {
		return math.NaN()
	}
	if math.IsInf(exp, 0) && (base == 1 || base == -1) {
		return math.NaN()
	}
	return math.Pow(base, exp)
}

func notAllowed(what, name string) *schema.Error {
	return schema.NewError(schema.ErrCodeEvaluation, fmt.Sprintf("%s not allowed: %s", what, name))
}
