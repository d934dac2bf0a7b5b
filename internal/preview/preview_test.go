package preview

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/deriva/internal/expressions"
	"github.com/rendis/deriva/internal/validation"
	"github.com/rendis/deriva/pkg/schema"
)

type mapReader map[string]any

func (m mapReader) Lookup(id string) (any, bool) {
	v, ok := m[id]
	return v, ok
}

func newTestService(t *testing.T, opts ...Option) (*Service, *expressions.FormulaEngine) {
	t.Helper()
	v, err := validation.NewJSONSchemaValidator()
	require.NoError(t, err)
	engine := expressions.NewFormulaEngine(expressions.DefaultLimits())
	return NewService(engine, v, opts...), engine
}

func TestPreviewFormulas(t *testing.T) {
	svc, _ := newTestService(t)

	tests := []struct {
		name string
		expr string
		vars map[string]any
		want any
	}{
		{"sum", "pv1 + pv2", map[string]any{"pv1": 3, "pv2": 4}, 7.0},
		{"if", "IF(a>0, a, 0)", map[string]any{"a": -5.0}, 0.0},
		{"clamp", "clamp(v, 0, 100)", map[string]any{"v": 150.0}, 100.0},
		{"word operators", "A AND NOT B", map[string]any{"A": true, "B": false}, true},
		{"string", `mode == "auto" ? "on" : "off"`, map[string]any{"mode": "auto"}, "on"},
		{"empty", "", nil, 0.0},
		{"unbound", "missing + 1", nil, 1.0},
		{"infinity", "1 / 0", nil, "Infinity"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			res := svc.Preview(context.Background(), Request{Expr: tc.expr, Vars: tc.vars})
			require.True(t, res.OK, res.Error)
			assert.Equal(t, tc.want, res.Value)
			assert.Empty(t, res.Error)
		})
	}
}

func TestPreviewMatchesEngine(t *testing.T) {
	svc, engine := newTestService(t)
	vars := map[string]any{"a": 2.5, "b": -4.0, "flag": true, "label": "12"}

	for _, expr := range []string{
		"a * b + 1",
		"max(a, b, 3) - min(a, b)",
		"flag OR a > 10",
		"label * 2",
		"round(a) % 2 == 1",
		"abs(b) ** 0.5",
	} {
		res := svc.Preview(context.Background(), Request{Expr: expr, Vars: vars})
		want, err := engine.Evaluate(context.Background(), expr, vars)
		require.NoError(t, err, expr)
		require.True(t, res.OK, "%s: %s", expr, res.Error)
		assert.Equal(t, want, res.Value, expr)
	}
}

func TestPreviewDoesNotGrowProgramCache(t *testing.T) {
	svc, engine := newTestService(t)
	_, err := engine.Compile("a * 2")
	require.NoError(t, err)

	for i := 0; i < 500; i++ {
		res := svc.Preview(context.Background(), Request{Expr: fmt.Sprintf("a + %d", i), Vars: map[string]any{"a": 1.0}})
		require.True(t, res.OK, res.Error)
		assert.Equal(t, float64(i+1), res.Value)
	}
	res := svc.Preview(context.Background(), Request{Expr: "a * 2", Vars: map[string]any{"a": 4.0}})
	require.True(t, res.OK, res.Error)
	assert.Equal(t, 8.0, res.Value)

	assert.Equal(t, 1, engine.CacheSize())
}

func TestPreviewJSONBindings(t *testing.T) {
	svc, _ := newTestService(t)
	vars := map[string]any{
		"doc": map[string]any{"a": map[string]any{"b": []any{10, 20, map[string]any{"c": "x"}}}},
	}

	res := svc.Preview(context.Background(), Request{Expr: `jp("doc", "$.a.b[1]") + 1`, Vars: vars})
	require.True(t, res.OK, res.Error)
	assert.Equal(t, 21.0, res.Value)

	res = svc.Preview(context.Background(), Request{Expr: `jp("doc", "$.a.b[2].c")`, Vars: vars})
	require.True(t, res.OK, res.Error)
	assert.Equal(t, "x", res.Value)

	res = svc.Preview(context.Background(), Request{Expr: `v("doc")`, Vars: vars})
	require.True(t, res.OK, res.Error)
	assert.JSONEq(t, `{"a":{"b":[10,20,{"c":"x"}]}}`, res.Value.(string))

	res = svc.Preview(context.Background(), Request{Expr: `s("doc")`, Vars: vars})
	require.True(t, res.OK, res.Error)
	assert.Equal(t, 0.0, res.Value)
}

func TestPreviewJSONBindingTooLarge(t *testing.T) {
	svc, _ := newTestService(t)
	big := make([]any, 0, 2000)
	for i := 0; i < 2000; i++ {
		big = append(big, i)
	}

	res := svc.Preview(context.Background(), Request{Expr: "1", Vars: map[string]any{"big": big}})
	assert.False(t, res.OK)
	assert.Equal(t, schema.ErrCodeValidation, res.Code)
	assert.Contains(t, res.Error, "limit is 5000")
}

func TestPreviewRejectsBindings(t *testing.T) {
	svc, _ := newTestService(t)

	tooMany := make(map[string]any, validation.MaxBindings+1)
	for i := 0; i <= validation.MaxBindings; i++ {
		tooMany[fmt.Sprintf("v%d", i)] = 1.0
	}

	for name, vars := range map[string]map[string]any{
		"leading digit": {"1abc": 1.0},
		"dash":          {"pv-1": 1.0},
		"proto":         {"__proto__": 1.0},
		"constructor":   {"constructor": 1.0},
		"too many":      tooMany,
	} {
		t.Run(name, func(t *testing.T) {
			res := svc.Preview(context.Background(), Request{Expr: "1", Vars: vars})
			assert.False(t, res.OK)
			assert.Equal(t, schema.ErrCodeValidation, res.Code)
			assert.NotEmpty(t, res.Error)
		})
	}
}

func TestPreviewErrors(t *testing.T) {
	svc, _ := newTestService(t)

	res := svc.Preview(context.Background(), Request{Expr: "1 +"})
	assert.False(t, res.OK)
	assert.Equal(t, schema.ErrCodeSyntax, res.Code)

	res = svc.Preview(context.Background(), Request{Expr: "fetch(1)"})
	assert.False(t, res.OK)
	assert.Equal(t, schema.ErrCodeEvaluation, res.Code)
	assert.Contains(t, res.Error, "function not allowed: fetch")

	res = svc.Preview(context.Background(), Request{Expr: strings.Repeat("1+", 5000) + "1"})
	assert.False(t, res.OK)
	assert.True(t, schema.IsCompileError(schema.NewError(res.Code, res.Error)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res = svc.Preview(ctx, Request{Expr: "1"})
	assert.False(t, res.OK)
}

func TestPreviewLiveSources(t *testing.T) {
	svc, _ := newTestService(t, WithSources(mapReader{"live.x": 5.0, "a": 100.0}))

	res := svc.Preview(context.Background(), Request{Expr: `s("live.x") + a`, Vars: map[string]any{"a": 1.0}})
	require.True(t, res.OK, res.Error)
	assert.Equal(t, 6.0, res.Value)

	// bindings shadow live values of the same id
	res = svc.Preview(context.Background(), Request{Expr: `s("a")`, Vars: map[string]any{"a": 1.0}})
	require.True(t, res.OK, res.Error)
	assert.Equal(t, 1.0, res.Value)
}
