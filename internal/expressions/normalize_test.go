package expressions

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize_WordOperators(t *testing.T) {
	cases := map[string]string{
		"A AND B":         "A && B",
		"a and b":         "a && b",
		"a Or b":          "a || b",
		"NOT a":           "! a",
		"NOT(a)":          "!(a)",
		"A AND NOT B":     "A && ! B",
		"band OR sandy":   "band || sandy",
		"ORDER + ANDROID": "ORDER + ANDROID",
		"notify":          "notify",
		"x_and_y":         "x_and_y",
		"$and AND and$":   "$and && and$",
		"1e5 AND a":       "1e5 && a",
		"a&&b":            "a&&b",
	}
	for in, want := range cases {
		assert.Equal(t, want, Normalize(in), "input %q", in)
	}
}

func TestNormalize_BareEquals(t *testing.T) {
	cases := map[string]string{
		"x = 1":   "x == 1",
		"x=1":     "x==1",
		"x == 1":  "x == 1",
		"x === 1": "x === 1",
		"x != 1":  "x != 1",
		"x !== 1": "x !== 1",
		"x <= 1":  "x <= 1",
		"x >= 1":  "x >= 1",
	}
	for in, want := range cases {
		assert.Equal(t, want, Normalize(in), "input %q", in)
	}
}

func TestNormalize_LeavesStringLiteralsAlone(t *testing.T) {
	cases := []string{
		`"A AND B"`,
		`'x = y OR z'`,
		`"say \"AND\" now"`,
		`'it\'s NOT'`,
	}
	for _, in := range cases {
		assert.Equal(t, in, Normalize(in))
	}

	assert.Equal(t, `"A AND B" && x`, Normalize(`"A AND B" AND x`))
	assert.Equal(t, `v("a.b") == 'on' || v("c") == "x = y"`,
		Normalize(`v("a.b") = 'on' OR v("c") = "x = y"`))
	assert.Equal(t, `"say \"AND\" now" && x`, Normalize(`"say \"AND\" now" AND x`))
}

func TestNormalize_Idempotent(t *testing.T) {
	inputs := []string{
		"A AND B OR NOT C",
		"a = b",
		"a == b AND c = 'd = e'",
		`jp("x", "$.a") = "AND"`,
		"x <= 1 OR y >= 2",
		"IF(a AND b, 1, 0)",
		"",
		"'unterminated AND",
	}
	for _, in := range inputs {
		once := Normalize(in)
		assert.Equal(t, once, Normalize(once), "input %q", in)
	}
}
