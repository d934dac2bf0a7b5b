// Package items turns configured derivation items into compiled items and
// keeps them cached until the item list changes.
package items

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"strings"

	"github.com/rendis/deriva/internal/expressions"
	"github.com/rendis/deriva/internal/logging"
	"github.com/rendis/deriva/pkg/schema"
)

// DefaultMaxDiscoveredIDs caps the ids discovered inside one formula.
const DefaultMaxDiscoveredIDs = 50

var relativeIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+(\.[A-Za-z0-9_-]+)*$`)

// ValidRelativeID reports whether id is a dot-separated relative path of
// [A-Za-z0-9_-] segments.
func ValidRelativeID(id string) bool {
	return relativeIDPattern.MatchString(strings.TrimSpace(id))
}

// OutputID returns where the item publishes: group.target when both are valid,
// the target alone when only it is valid, and a COMPILE_ERROR otherwise.
func OutputID(item schema.ItemConfig) (string, error) {
	target := strings.TrimSpace(item.TargetID)
	if target == "" || !ValidRelativeID(target) {
		return "", schema.NewErrorf(schema.ErrCodeCompile, "missing or invalid target %q", item.TargetID)
	}
	if group := strings.TrimSpace(item.Group); group != "" && ValidRelativeID(group) {
		return group + "." + target, nil
	}
	return target, nil
}

// DisplayID is the unvalidated group.target label used in titles and logs.
func DisplayID(item schema.ItemConfig) string {
	group, target := strings.TrimSpace(item.Group), strings.TrimSpace(item.TargetID)
	if group != "" && target != "" {
		return group + "." + target
	}
	if target != "" {
		return target
	}
	return group
}

// Title renders the list label an editor shows for the item.
func Title(item schema.ItemConfig) string {
	name := item.Name
	if name == "" {
		name = DisplayID(item)
	}
	if name == "" {
		name = "Item"
	}
	if item.Enabled {
		return "🟢 " + name
	}
	return "⚪ " + name
}

// CompiledItem is the validated, ready-to-run form of one item.
// A failed compilation keeps OK false and the cause in Err; such items are
// skipped at evaluation time.
type CompiledItem struct {
	OK         bool
	Err        error
	Index      int
	OutputID   string
	Item       schema.ItemConfig
	Derivation schema.Derivation
	SourceIDs  []string
	Program    *expressions.Program
}

// Enabled reports whether the item should be evaluated on ticks.
func (c CompiledItem) Enabled() bool { return c.Item.Enabled }

// Normalized returns the normalized formula text, or "" for source items.
func (c CompiledItem) Normalized() string {
	if c.Program == nil {
		return ""
	}
	return c.Program.Normalized
}

// Compiler compiles single items against a shared formula engine.
type Compiler struct {
	engine        *expressions.FormulaEngine
	maxDiscovered int
	once          *logging.OnceLogger
}

// NewCompiler creates a Compiler. maxDiscovered <= 0 uses the default.
func NewCompiler(engine *expressions.FormulaEngine, maxDiscovered int, logger *slog.Logger) *Compiler {
	if maxDiscovered <= 0 {
		maxDiscovered = DefaultMaxDiscoveredIDs
	}
	return &Compiler{
		engine:        engine,
		maxDiscovered: maxDiscovered,
		once:          logging.NewOnceLogger(logger),
	}
}

// Engine returns the formula engine programs are compiled with.
func (c *Compiler) Engine() *expressions.FormulaEngine { return c.engine }

// Compile compiles one item. It never fails outright: errors are recorded on
// the returned CompiledItem.
func (c *Compiler) Compile(ctx context.Context, index int, item schema.ItemConfig) CompiledItem {
	out := CompiledItem{Index: index, Item: item}

	outputID, err := OutputID(item)
	if err != nil {
		out.Err = err
		return out
	}
	out.OutputID = outputID

	derivation, err := item.Derivation()
	if err != nil {
		out.Err = withOutput(err, outputID)
		return out
	}
	out.Derivation = derivation

	switch d := derivation.(type) {
	case schema.SourceDerivation:
		if d.SourceID != "" {
			out.SourceIDs = []string{d.SourceID}
		}
		out.OK = true

	case schema.FormulaDerivation:
		var ids []string
		for _, in := range d.Inputs {
			if in.SourceID != "" {
				ids = append(ids, in.SourceID)
			}
		}

		prg, err := c.engine.Compile(d.Expression)
		if err != nil {
			out.SourceIDs = dedupe(ids)
			out.Err = withOutput(err, outputID)
			return out
		}
		out.Program = prg

		discovered, truncated := DiscoverSourceIDs(d.Expression, c.maxDiscovered)
		if truncated {
			c.once.Warn(logging.WithOutputID(ctx, outputID), "discovery-cap:"+outputID,
				"formula references more states than can be discovered; extra ids are ignored",
				slog.String("output_id", outputID), slog.Int("max", c.maxDiscovered))
		}
		out.SourceIDs = dedupe(append(ids, discovered...))
		out.OK = true
	}
	return out
}

// withOutput tags a structured error with the output id without mutating it.
func withOutput(err error, outputID string) error {
	var se *schema.Error
	if errors.As(err, &se) {
		cp := *se
		cp.OutputID = outputID
		return &cp
	}
	return schema.NewError(schema.ErrCodeCompile, err.Error()).WithOutput(outputID).WithCause(err)
}

func dedupe(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(ids))
	out := ids[:0:0]
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
