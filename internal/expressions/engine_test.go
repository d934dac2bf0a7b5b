package expressions

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/deriva/pkg/schema"
)

func TestFormulaEngine_Name(t *testing.T) {
	var e Engine = NewFormulaEngine(Limits{})
	assert.Equal(t, "formula", e.Name())
}

func TestFormulaEngine_DefaultsApplied(t *testing.T) {
	e := NewFormulaEngine(Limits{MaxNodes: 10})
	assert.Equal(t, Limits{MaxNodes: 10, MaxDepth: DefaultMaxDepth, MaxLength: DefaultMaxFormulaLength}, e.Limits())
}

func TestFormulaEngine_EmptyFormulaIsZero(t *testing.T) {
	e := NewFormulaEngine(Limits{})
	prg, err := e.Compile("   ")
	require.NoError(t, err)
	assert.True(t, prg.IsConstant())

	v, err := prg.Run(Env{})
	require.NoError(t, err)
	assert.Equal(t, 0.0, v)
}

func TestFormulaEngine_CachesByNormalizedText(t *testing.T) {
	e := NewFormulaEngine(Limits{})
	a, err := e.Compile("x AND y")
	require.NoError(t, err)
	b, err := e.Compile(" x and y ")
	require.NoError(t, err)

	assert.Same(t, a, b)
	assert.Equal(t, "x && y", a.Normalized)
}

func TestFormulaEngine_CompileErrors(t *testing.T) {
	e := NewFormulaEngine(Limits{MaxLength: 10, MaxNodes: 3})

	_, err := e.Compile("1+1+1+1+1+1")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeCompile, schema.CodeOf(err))
	assert.True(t, schema.IsCompileError(err))

	_, err = e.Compile("1 + 2 + 3")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeCompile, schema.CodeOf(err))

	_, err = e.Compile("1 +")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeSyntax, schema.CodeOf(err))
	assert.True(t, schema.IsCompileError(err))
}

func TestFormulaEngine_LengthCountsNormalizedText(t *testing.T) {
	e := NewFormulaEngine(Limits{MaxLength: DefaultMaxFormulaLength})
	src := "1" + strings.Repeat(" = 1", (DefaultMaxFormulaLength-1)/4)
	require.LessOrEqual(t, len(src), DefaultMaxFormulaLength)

	_, err := e.Compile(src)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too long")
}

func TestFormulaEngine_Evaluate(t *testing.T) {
	e := NewFormulaEngine(Limits{})
	v, err := e.Evaluate(context.Background(), "a * 2 + b", map[string]any{"a": 4, "b": 0.5})
	require.NoError(t, err)
	assert.Equal(t, 8.5, v)
}

func TestFormulaEngine_WithSourcesSharesCache(t *testing.T) {
	e := NewFormulaEngine(Limits{})
	reader := &mapReader{states: map[string]any{"dev.temp": "21.5"}}
	bound := e.WithSources(reader)

	v, err := bound.Evaluate(context.Background(), "s('dev.temp') * 2", nil)
	require.NoError(t, err)
	assert.Equal(t, 43.0, v)

	// The unbound engine sees the compiled program but no sources.
	v, err = e.Evaluate(context.Background(), "s('dev.temp') * 2", nil)
	require.NoError(t, err)
	assert.Equal(t, 0.0, v)
	assert.Len(t, e.cache.programs, 1)
}

func TestFormulaEngine_Forget(t *testing.T) {
	e := NewFormulaEngine(Limits{})
	keep, err := e.Compile("a + 1")
	require.NoError(t, err)
	_, err = e.Compile("b + 1")
	require.NoError(t, err)

	e.Forget(map[string]struct{}{keep.Normalized: {}})
	assert.Len(t, e.cache.programs, 1)
	assert.Contains(t, e.cache.programs, "a + 1")
}

func TestFormulaEngine_CompileTransientDoesNotCache(t *testing.T) {
	e := NewFormulaEngine(Limits{})
	cached, err := e.Compile("a + 1")
	require.NoError(t, err)

	for i := 0; i < 1000; i++ {
		prg, err := e.CompileTransient(fmt.Sprintf("a + %d", i+2))
		require.NoError(t, err)
		v, err := prg.Run(Env{Vars: map[string]any{"a": 1.0}})
		require.NoError(t, err)
		assert.Equal(t, float64(i+3), v)
	}
	assert.Len(t, e.cache.programs, 1)

	again, err := e.CompileTransient(" a + 1 ")
	require.NoError(t, err)
	assert.Same(t, cached, again)

	_, err = e.CompileTransient("1 +")
	require.Error(t, err)
	assert.Len(t, e.cache.programs, 1)
}

func TestFormulaEngine_ConcurrentUse(t *testing.T) {
	e := NewFormulaEngine(Limits{})
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				v, err := e.Evaluate(context.Background(), "x + 1", map[string]any{"x": j})
				assert.NoError(t, err)
				assert.Equal(t, float64(j+1), v)
			}
		}()
	}
	wg.Wait()
}
