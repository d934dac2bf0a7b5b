package expressions

import (
	"math"
	"strconv"
	"strings"
	"time"
)

// Value is a formula value: float64, string, bool, or nil for undefined.
type Value = any

// Coercion rules, one per operator family:
//
//	arithmetic (+ - * / % **), unary +/-, comparisons (< <= > >=): ToNumber on both sides
//	&& || ! and conditional tests: Truthy, no coercion of the result
//	== !=: LooseEquals (number/string/bool cross-type via ToNumber)
//	=== !==: StrictEquals (same type and same value)

// normalizeValue maps host values onto the formula value domain. Integers become
// float64, times become RFC 3339 strings; other non-primitives pass through.
func normalizeValue(v any) Value {
	switch x := v.(type) {
	case int:
		return float64(x)
	case int8:
		return float64(x)
	case int16:
		return float64(x)
	case int32:
		return float64(x)
	case int64:
		return float64(x)
	case uint:
		return float64(x)
	case uint8:
		return float64(x)
	case uint16:
		return float64(x)
	case uint32:
		return float64(x)
	case uint64:
		return float64(x)
	case float32:
		return float64(x)
	case time.Time:
		return x.UTC().Format("2006-01-02T15:04:05.000Z07:00")
	default:
		return v
	}
}

// IsPrimitive reports whether v (after normalisation) is a number, string,
// boolean or undefined.
func IsPrimitive(v any) bool {
	switch normalizeValue(v).(type) {
	case nil, float64, string, bool:
		return true
	}
	return false
}

// Primitive normalizes v and reports whether the result is a number, string
// or boolean. Undefined and non-primitives return (nil, false).
func Primitive(v any) (Value, bool) {
	switch x := normalizeValue(v).(type) {
	case float64, string, bool:
		return x, true
	}
	return nil, false
}

// ToNumber converts a value the way JavaScript's Number() does for primitives.
// Undefined and non-primitives yield NaN.
func ToNumber(v Value) float64 {
	switch x := normalizeValue(v).(type) {
	case float64:
		return x
	case bool:
		if x {
			return 1
		}
		return 0
	case string:
		return parseNumericString(x)
	default:
		return math.NaN()
	}
}

func parseNumericString(s string) float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	switch s {
	case "Infinity", "+Infinity":
		return math.Inf(1)
	case "-Infinity":
		return math.Inf(-1)
	}
	if len(s) > 2 && s[0] == '0' {
		base := 0
		switch s[1] {
		case 'x', 'X':
			base = 16
		case 'o', 'O':
			base = 8
		case 'b', 'B':
			base = 2
		}
		if base != 0 {
			u, err := strconv.ParseUint(s[2:], base, 64)
			if err != nil {
				return math.NaN()
			}
			return float64(u)
		}
	}
	// strconv accepts inf/nan/underscores/hex floats; Number() does not.
	if strings.ContainsAny(strings.ToLower(s), "inax_p") {
		return math.NaN()
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		if ne, ok := err.(*strconv.NumError); ok && ne.Err == strconv.ErrRange {
			return f
		}
		return math.NaN()
	}
	return f
}

// SafeNumber applies the numeric-fallback rule: anything that is not a finite
// number after ToNumber resolves to fallback.
func SafeNumber(v Value, fallback float64) float64 {
	n := ToNumber(v)
	if math.IsNaN(n) || math.IsInf(n, 0) {
		return fallback
	}
	return n
}

// Truthy implements JavaScript truthiness for formula values.
func Truthy(v Value) bool {
	switch x := normalizeValue(v).(type) {
	case nil:
		return false
	case bool:
		return x
	case float64:
		return x != 0 && !math.IsNaN(x)
	case string:
		return x != ""
	default:
		return true
	}
}

// LooseEquals implements == for the primitive domain.
func LooseEquals(a, b Value) bool {
	a, b = normalizeValue(a), normalizeValue(b)
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	switch x := a.(type) {
	case float64:
		switch y := b.(type) {
		case float64:
			return x == y
		case string:
			return x == ToNumber(y)
		case bool:
			return x == ToNumber(y)
		}
	case string:
		switch y := b.(type) {
		case string:
			return x == y
		case float64:
			return ToNumber(x) == y
		case bool:
			return ToNumber(x) == ToNumber(y)
		}
	case bool:
		if y, ok := b.(bool); ok {
			return x == y
		}
		return LooseEquals(ToNumber(x), b)
	}
	return false
}

// StrictEquals implements ===: same type and same value. NaN never equals itself.
func StrictEquals(a, b Value) bool {
	a, b = normalizeValue(a), normalizeValue(b)
	switch x := a.(type) {
	case nil:
		return b == nil
	case float64:
		y, ok := b.(float64)
		return ok && x == y
	case string:
		y, ok := b.(string)
		return ok && x == y
	case bool:
		y, ok := b.(bool)
		return ok && x == y
	}
	return false
}

// FormatNumber renders a number like JavaScript's String(number).
func FormatNumber(n float64) string {
	switch {
	case math.IsNaN(n):
		return "NaN"
	case math.IsInf(n, 1):
		return "Infinity"
	case math.IsInf(n, -1):
		return "-Infinity"
	case n == 0:
		return "0"
	}
	abs := math.Abs(n)
	if abs >= 1e-6 && abs < 1e21 {
		return strconv.FormatFloat(n, 'f', -1, 64)
	}
	s := strconv.FormatFloat(n, 'e', -1, 64)
	// Go writes e-07 / e+21; JavaScript writes e-7 / e+21.
	if i := strings.IndexByte(s, 'e'); i >= 0 && i+2 < len(s) {
		mant, sign, exp := s[:i], s[i+1], strings.TrimLeft(s[i+2:], "0")
		if exp == "" {
			exp = "0"
		}
		s = mant + "e" + string(sign) + exp
	}
	return s
}

// ToString converts a primitive to its string form.
func ToString(v Value) string {
	switch x := normalizeValue(v).(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		if x {
			return "true"
		}
		return "false"
	case float64:
		return FormatNumber(x)
	default:
		return ""
	}
}
