// Package preview evaluates a formula against caller-supplied bindings
// through the same pipeline the scheduler uses.
package preview

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"

	"github.com/rendis/deriva/internal/expressions"
	"github.com/rendis/deriva/internal/jsonpath"
	"github.com/rendis/deriva/internal/validation"
	"github.com/rendis/deriva/pkg/schema"
)

// MaxJSONBytes caps the encoded size of an object or array binding.
const MaxJSONBytes = 5000

// Request is a preview call.
type Request struct {
	Expr string         `json:"expr"`
	Vars map[string]any `json:"vars,omitempty"`
}

// Result is {ok:true, value} or {ok:false, error}.
type Result struct {
	OK    bool   `json:"ok"`
	Value any    `json:"value,omitempty"`
	Error string `json:"error,omitempty"`
	Code  string `json:"code,omitempty"`
}

// Service runs previews. It is safe for concurrent use.
type Service struct {
	engine    *expressions.FormulaEngine
	validator validation.Validator
	sources   expressions.SourceReader
	extractor *jsonpath.Extractor
	logger    *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithSources lets s/v/jp fall back to live source values for ids that are
// not bound by the request.
func WithSources(reader expressions.SourceReader) Option {
	return func(s *Service) { s.sources = reader }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// NewService creates a preview service on engine. Bindings are checked by
// validator.
func NewService(engine *expressions.FormulaEngine, validator validation.Validator, opts ...Option) *Service {
	s := &Service{engine: engine, validator: validator, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	s.extractor = jsonpath.NewExtractor(s.logger)
	return s
}

// Preview compiles and evaluates req.Expr. Failures are reported in the
// Result, never as a Go error.
func (s *Service) Preview(ctx context.Context, req Request) Result {
	if err := ctx.Err(); err != nil {
		return failure(schema.NewError(schema.ErrCodeEvaluation, "preview cancelled").WithCause(err))
	}
	if s.validator != nil {
		if err := s.validator.ValidateBindings(req.Vars); err != nil {
			return failure(err)
		}
	}

	vars, err := bind(req.Vars)
	if err != nil {
		return failure(err)
	}

	prg, err := s.engine.CompileTransient(req.Expr)
	if err != nil {
		s.logger.DebugContext(ctx, "preview compile failed", slog.String("error", err.Error()))
		return failure(err)
	}
	v, err := prg.Run(expressions.Env{
		Vars:      vars,
		Sources:   overlay{vars: vars, base: s.sources},
		Extractor: s.extractor,
		Context:   ctx,
	})
	if err != nil {
		s.logger.DebugContext(ctx, "preview evaluation failed", slog.String("error", err.Error()))
		return failure(err)
	}
	return Result{OK: true, Value: resultValue(v)}
}

// bind converts request values to formula values. Objects and arrays are
// bound as their JSON text.
func bind(in map[string]any) (map[string]any, error) {
	vars := make(map[string]any, len(in))
	for name, raw := range in {
		if raw == nil {
			vars[name] = nil
			continue
		}
		if p, ok := expressions.Primitive(raw); ok {
			vars[name] = p
			continue
		}
		data, err := json.Marshal(raw)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "binding %q is not serializable", name).WithCause(err)
		}
		if len(data) > MaxJSONBytes {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"binding %q is %d bytes, limit is %d", name, len(data), MaxJSONBytes).
				WithDetails(map[string]any{"binding": name, "size": len(data), "max_size": MaxJSONBytes})
		}
		vars[name] = string(data)
	}
	return vars, nil
}

// resultValue keeps the result JSON-encodable: non-finite numbers are
// reported by name.
func resultValue(v any) any {
	if f, ok := v.(float64); ok && (math.IsNaN(f) || math.IsInf(f, 0)) {
		return expressions.FormatNumber(f)
	}
	return v
}

func failure(err error) Result {
	code := schema.CodeOf(err)
	if code == "" {
		code = schema.ErrCodeEvaluation
	}
	return Result{OK: false, Error: err.Error(), Code: code}
}

// overlay resolves bindings by name before the live sources.
type overlay struct {
	vars map[string]any
	base expressions.SourceReader
}

func (o overlay) Lookup(id string) (any, bool) {
	if v, ok := o.vars[id]; ok {
		return v, v != nil
	}
	if o.base != nil {
		return o.base.Lookup(id)
	}
	return nil, false
}
