package expressions

import (
	"context"
	"strings"
	"sync"

	"github.com/rendis/deriva/pkg/schema"
)

// Engine evaluates an expression against a set of variable bindings.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Program is a compiled formula: either a validated AST or a constant.
// Programs are immutable and safe for concurrent evaluation.
type Program struct {
	Normalized string
	Root       Node
	Const      Value
}

// IsConstant reports whether the program has no AST.
func (p *Program) IsConstant() bool { return p.Root == nil }

// Run evaluates the program in env.
func (p *Program) Run(env Env) (Value, error) {
	if p.Root == nil {
		return p.Const, nil
	}
	return Evaluate(p.Root, env)
}

// FormulaEngine runs the full pipeline (Normalize, length check, Parse,
// CheckComplexity, Evaluate). The scheduler and the preview channel share it,
// so a formula behaves identically in both.
// Thread-safe: compiled programs are cached by normalized text.
type FormulaEngine struct {
	limits Limits
	reader SourceReader
	cache  *programCache
}

type programCache struct {
	mu       sync.RWMutex
	programs map[string]*Program
}

// NewFormulaEngine creates an engine with the given limits. Zero fields in
// limits take their defaults.
func NewFormulaEngine(limits Limits) *FormulaEngine {
	return &FormulaEngine{
		limits: limits.withDefaults(),
		cache:  &programCache{programs: make(map[string]*Program)},
	}
}

// WithSources returns a copy of the engine whose Evaluate resolves s/v/jp
// through reader. The compiled-program cache is shared.
func (e *FormulaEngine) WithSources(reader SourceReader) *FormulaEngine {
	return &FormulaEngine{limits: e.limits, reader: reader, cache: e.cache}
}

// Name returns the engine identifier.
func (e *FormulaEngine) Name() string {
	return "formula"
}

// Limits returns the effective limits.
func (e *FormulaEngine) Limits() Limits {
	return e.limits
}

// Compile validates a formula and returns its program. An empty formula
// compiles to the constant 0. New programs are cached until Forget drops them.
func (e *FormulaEngine) Compile(expression string) (*Program, error) {
	return e.compile(expression, true)
}

// CompileTransient is Compile without adding to the cache. Cached programs are
// still reused. Used for one-off formulas such as previews.
func (e *FormulaEngine) CompileTransient(expression string) (*Program, error) {
	return e.compile(expression, false)
}

func (e *FormulaEngine) compile(expression string, store bool) (*Program, error) {
	trimmed := strings.TrimSpace(expression)
	if trimmed == "" {
		return &Program{Const: 0.0}, nil
	}

	normalized := Normalize(trimmed)
	if len(normalized) > e.limits.MaxLength {
		return nil, schema.NewErrorf(schema.ErrCodeCompile,
			"formula too long: %d characters exceeds %d", len(normalized), e.limits.MaxLength).
			WithDetails(map[string]any{"length": len(normalized), "max_length": e.limits.MaxLength})
	}

	c := e.cache
	c.mu.RLock()
	if prg, ok := c.programs[normalized]; ok {
		c.mu.RUnlock()
		return prg, nil
	}
	c.mu.RUnlock()

	root, err := Parse(normalized)
	if err != nil {
		return nil, err
	}
	if err := CheckComplexity(root, e.limits); err != nil {
		return nil, err
	}

	prg := &Program{Normalized: normalized, Root: root}
	if !store {
		return prg, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// Double-check after acquiring write lock.
	if cached, ok := c.programs[normalized]; ok {
		return cached, nil
	}
	c.programs[normalized] = prg
	return prg, nil
}

// Evaluate compiles (or retrieves from cache) a formula and evaluates it with
// data as the variable bindings.
func (e *FormulaEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	prg, err := e.Compile(expression)
	if err != nil {
		return nil, err
	}
	return prg.Run(Env{Vars: data, Sources: e.reader, Context: ctx})
}

// CacheSize returns the number of cached programs.
func (e *FormulaEngine) CacheSize() int {
	e.cache.mu.RLock()
	defer e.cache.mu.RUnlock()
	return len(e.cache.programs)
}

// Forget drops cached programs that are not in keep. Called after an item
// list rebuild so the cache does not grow with every edit.
func (e *FormulaEngine) Forget(keep map[string]struct{}) {
	e.cache.mu.Lock()
	defer e.cache.mu.Unlock()
	for k := range e.cache.programs {
		if _, ok := keep[k]; !ok {
			delete(e.cache.programs, k)
		}
	}
}

var _ Engine = (*FormulaEngine)(nil)
