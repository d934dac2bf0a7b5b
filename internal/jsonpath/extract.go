package jsonpath

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"strconv"
	"strings"

	"github.com/rendis/deriva/internal/logging"
)

// Extractor pulls primitives out of state payloads. Payloads may be JSON text
// or already-decoded values. Diagnostics are rate limited: each distinct
// cause/key combination is logged once.
type Extractor struct {
	once *logging.OnceLogger
}

// NewExtractor creates an Extractor logging through logger (nil discards).
func NewExtractor(logger *slog.Logger) *Extractor {
	return &Extractor{once: logging.NewOnceLogger(logger)}
}

// Decode turns a payload into a JSON-shaped value. Strings are parsed as JSON;
// maps and slices pass through. Anything else (including "") is not decodable.
func Decode(payload any) (any, bool) {
	switch p := payload.(type) {
	case string:
		if strings.TrimSpace(p) == "" {
			return nil, false
		}
		var v any
		if err := json.Unmarshal([]byte(p), &v); err != nil {
			return nil, false
		}
		return v, true
	case []byte:
		var v any
		if err := json.Unmarshal(p, &v); err != nil {
			return nil, false
		}
		return v, true
	case map[string]any, []any:
		return p, true
	default:
		return nil, false
	}
}

// Raw extracts a primitive (number, string, bool) at path from payload.
// Non-primitive, missing or unparsable results are undefined (nil).
func (e *Extractor) Raw(payload any, path string) any {
	doc, ok := Decode(payload)
	if !ok {
		return nil
	}
	v, ok := Lookup(doc, path)
	if !ok {
		return nil
	}
	switch v.(type) {
	case float64, string, bool:
		return v
	default:
		return nil
	}
}

// Numeric extracts a number for key (the source id, used to rate-limit
// diagnostics). A payload that is already a number or boolean is returned as
// is. Missing paths, empty or unparsable payloads and non-numeric results
// resolve to 0.
func (e *Extractor) Numeric(ctx context.Context, key string, payload any, path string) any {
	switch p := payload.(type) {
	case float64, bool:
		e.once.Debug(ctx, "direct:"+key,
			"source is already a primitive, JSONPath skipped",
			slog.String("source", key), slog.String("path", path))
		return p
	case int, int32, int64, float32:
		e.once.Debug(ctx, "direct:"+key,
			"source is already a primitive, JSONPath skipped",
			slog.String("source", key), slog.String("path", path))
		return toFloat(p)
	}

	doc, ok := Decode(payload)
	if !ok {
		cause := "unparsable"
		if s, isStr := payload.(string); payload == nil || (isStr && strings.TrimSpace(s) == "") {
			cause = "empty"
		}
		e.once.Warn(ctx, cause+":"+key,
			"JSONPath source payload is "+cause+", using 0",
			slog.String("source", key))
		return 0.0
	}

	v, ok := Lookup(doc, path)
	if !ok {
		e.once.Warn(ctx, "missing:"+key+":"+path,
			"JSONPath did not match, using 0",
			slog.String("source", key), slog.String("path", path))
		return 0.0
	}

	switch x := v.(type) {
	case float64:
		return x
	case bool:
		return x
	case string:
		if n, err := strconv.ParseFloat(strings.TrimSpace(x), 64); err == nil && !math.IsNaN(n) && !math.IsInf(n, 0) {
			return n
		}
	}
	e.once.Warn(ctx, "type:"+key+":"+path,
		"JSONPath result is not numeric, using 0",
		slog.String("source", key), slog.String("path", path))
	return 0.0
}

func toFloat(v any) float64 {
	switch x := v.(type) {
	case int:
		return float64(x)
	case int32:
		return float64(x)
	case int64:
		return float64(x)
	case float32:
		return float64(x)
	}
	return 0
}
