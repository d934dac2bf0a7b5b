package expressions

import (
	"math"
	"sort"
	"strings"
)

// builtinFunc receives already-evaluated arguments, positionally.
type builtinFunc func(env *Env, args []Value) (Value, error)

// builtins is the closed function whitelist. IF is an alias of if.
var builtins = map[string]builtinFunc{
	"min":   fnMin,
	"max":   fnMax,
	"pow":   func(_ *Env, a []Value) (Value, error) { return jsPow(num(a, 0), num(a, 1)), nil },
	"abs":   func(_ *Env, a []Value) (Value, error) { return math.Abs(num(a, 0)), nil },
	"round": func(_ *Env, a []Value) (Value, error) { return jsRound(num(a, 0)), nil },
	"floor": func(_ *Env, a []Value) (Value, error) { return math.Floor(num(a, 0)), nil },
	"ceil":  func(_ *Env, a []Value) (Value, error) { return math.Ceil(num(a, 0)), nil },
	"clamp": fnClamp,
	"if":    fnIf,
	"IF":    fnIf,
	"s":     fnS,
	"v":     fnV,
	"jp":    fnJP,
}

// Functions lists the whitelisted function names, sorted.
func Functions() []string {
	names := make([]string, 0, len(builtins))
	for name := range builtins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ReadFunctions are the builtins whose first argument is an external state id.
var ReadFunctions = []string{"s", "v", "jp"}

func arg(args []Value, i int) Value {
	if i < len(args) {
		return args[i]
	}
	return nil
}

func num(args []Value, i int) float64 {
	return ToNumber(arg(args, i))
}

func fnMin(_ *Env, args []Value) (Value, error) {
	out := math.Inf(1)
	for i := range args {
		n := num(args, i)
		if math.IsNaN(n) {
			return math.NaN(), nil
		}
		out = math.Min(out, n)
	}
	return out, nil
}

func fnMax(_ *Env, args []Value) (Value, error) {
	out := math.Inf(-1)
	for i := range args {
		n := num(args, i)
		if math.IsNaN(n) {
			return math.NaN(), nil
		}
		out = math.Max(out, n)
	}
	return out, nil
}

// jsRound rounds half toward +Infinity like Math.round.
func jsRound(x float64) float64 {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return x
	}
	r := math.Floor(x)
	if x-r >= 0.5 {
		r++
	}
	return r
}

// fnClamp returns 0 for a non-finite value; non-finite bounds are open.
func fnClamp(_ *Env, args []Value) (Value, error) {
	v, lo, hi := num(args, 0), num(args, 1), num(args, 2)
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0.0, nil
	}
	if isFinite(lo) && v < lo {
		return lo, nil
	}
	if isFinite(hi) && v > hi {
		return hi, nil
	}
	return v, nil
}

func fnIf(_ *Env, args []Value) (Value, error) {
	if Truthy(arg(args, 0)) {
		return arg(args, 1), nil
	}
	return arg(args, 2), nil
}

func lookupSource(env *Env, args []Value) (any, string) {
	id := strings.TrimSpace(ToString(arg(args, 0)))
	if id == "" || env.Sources == nil {
		return nil, id
	}
	v, ok := env.Sources.Lookup(id)
	if !ok {
		return nil, id
	}
	return v, id
}

// fnS is a numeric read with the numeric-fallback rule applied.
func fnS(env *Env, args []Value) (Value, error) {
	v, _ := lookupSource(env, args)
	return SafeNumber(v, 0), nil
}

// fnV is a raw primitive read. Non-primitive payloads degrade to "".
func fnV(env *Env, args []Value) (Value, error) {
	v, _ := lookupSource(env, args)
	v = normalizeValue(v)
	switch v.(type) {
	case nil, float64, string, bool:
		return v, nil
	default:
		return "", nil
	}
}

// fnJP extracts a primitive at a JSONPath from the payload of a state.
func fnJP(env *Env, args []Value) (Value, error) {
	v, _ := lookupSource(env, args)
	if v == nil {
		return nil, nil
	}
	return env.Extractor.Raw(v, ToString(arg(args, 1))), nil
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
