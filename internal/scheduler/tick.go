package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/deriva/internal/expressions"
	"github.com/rendis/deriva/internal/items"
	"github.com/rendis/deriva/internal/logging"
	"github.com/rendis/deriva/internal/sources"
	"github.com/rendis/deriva/internal/store"
	"github.com/rendis/deriva/pkg/schema"
)

// RunTick performs one full tick: recompilation check, snapshot build and
// sequential evaluation within the budget, then publishes run diagnostics.
// A panic anywhere in the tick is recovered so the next tick still gets armed.
func (s *Scheduler) RunTick(ctx context.Context) (run schema.RunDiagnostics) {
	start := s.now()
	run.TickID = uuid.NewString()
	run.Status = schema.StatusOK
	ctx = logging.WithTickID(ctx, run.TickID)

	defer func() {
		if r := recover(); r != nil {
			run.LastError = fmt.Sprintf("tick failed: %v", r)
			s.logger.ErrorContext(ctx, "tick panicked", slog.Any("panic", r))
		}
		run.LastRun = s.now()
		run.ElapsedMs = run.LastRun.Sub(start).Milliseconds()
		s.finishRun(ctx, &run)
	}()

	s.refreshItems(ctx, &run)

	run.ItemsConfigured, run.ItemsEnabled = s.items.Counts()
	if run.ItemsEnabled == 0 {
		run.Status = schema.StatusNoItemsEnabled
		s.once.Warn(ctx, "no-items-enabled:"+s.items.Signature(),
			"no item is enabled; enable at least one item in the item list")
	}

	s.drain()
	snap := s.builder.Build(ctx, s.items.SourceIDs())

	var runnable []items.CompiledItem
	for _, ci := range s.items.Enabled() {
		if ci.OK {
			runnable = append(runnable, ci)
		}
	}

	// The budget covers evaluation only; the snapshot refresh delay is not charged.
	budget := Budget(s.sched, start, s.cfg.BudgetRatio)
	evalStart := s.now()
	for i, ci := range runnable {
		if elapsed := s.now().Sub(evalStart); elapsed > budget {
			run.Skipped = len(runnable) - i
			s.logger.WarnContext(ctx, "tick budget exceeded, skipping remaining items",
				slog.Duration("budget", budget),
				slog.Duration("elapsed", elapsed),
				slog.Int("skipped", run.Skipped))
			break
		}
		if err := s.evaluateItem(ctx, ci, snap); err != nil {
			run.Failed++
			run.LastError = itemName(ci) + ": " + err.Error()
		} else {
			run.Evaluated++
		}
	}
	return run
}

// refreshItems reloads the item list and, when its signature changed,
// provisions outputs and resubscribes to the new source ids.
func (s *Scheduler) refreshItems(ctx context.Context, run *schema.RunDiagnostics) {
	list, err := s.provider.Load(ctx)
	if err != nil {
		run.LastError = err.Error()
		s.once.Warn(ctx, "provider:"+err.Error(), "item list could not be loaded",
			slog.String("error", err.Error()))
	}

	res, changed := s.items.Refresh(ctx, list)
	if !changed {
		return
	}
	if s.metrics != nil {
		s.metrics.ObserveRefresh(res)
	}
	s.logger.InfoContext(ctx, "items recompiled",
		slog.Int("items", len(list)),
		slog.Int("compile_errors", res.CompileErrors),
		slog.Int("source_ids", len(res.SourceIDs)))

	compiled := s.items.Items()
	s.resetDiagnostics(compiled)
	if err := s.provision(ctx, compiled); err != nil {
		run.LastError = err.Error()
		s.logger.WarnContext(ctx, "output provisioning failed", slog.String("error", err.Error()))
	}
	s.resubscribe(ctx, res.SourceIDs)
}

func (s *Scheduler) resubscribe(ctx context.Context, ids []string) {
	s.unsubscribe()
	s.unsubscribe = func() {}
	s.changes = nil

	if len(ids) > 0 {
		ch, cancel, err := s.store.Subscribe(ctx, ids)
		if err != nil {
			s.logger.WarnContext(ctx, "cannot subscribe to source states", slog.String("error", err.Error()))
		} else {
			s.changes = ch
			s.unsubscribe = cancel
		}
	}
	s.builder.Prime(ctx, ids)
}

// evaluateItem computes, post-processes, casts and writes one item, applying
// the retry policy on failure. The returned error is the evaluation or write
// failure, if any.
func (s *Scheduler) evaluateItem(ctx context.Context, ci items.CompiledItem, snap *sources.Snapshot) error {
	ctx = logging.WithOutputID(ctx, ci.OutputID)
	typ := ci.Item.EffectiveType()

	started := s.now()
	raw, err := s.compute(ctx, ci, snap)
	elapsed := s.now().Sub(started)

	if err == nil {
		value := castValue(typ, postProcess(ci.Item, raw))
		if werr := s.write(ctx, ci.OutputID, value); werr != nil {
			s.logger.WarnContext(ctx, "cannot write output", slog.String("error", werr.Error()))
			s.updateItemDiag(ctx, ci.OutputID, elapsed, werr, false)
			s.observeItem("write_error")
			return werr
		}
		s.errors.recordSuccess(ci.OutputID, value, s.now())
		s.updateItemDiag(ctx, ci.OutputID, elapsed, nil, true)
		s.observeItem("ok")
		return nil
	}

	value, outcome := s.errors.recordFailure(ci.OutputID, typ)
	s.logger.WarnContext(ctx, "compute failed",
		slog.String("error", err.Error()),
		slog.Int("consecutive_errors", s.errors.consecutive(ci.OutputID)),
		slog.String("outcome", outcome.String()))
	if outcome != OutcomeNothing {
		if werr := s.write(ctx, ci.OutputID, value); werr != nil {
			s.logger.WarnContext(ctx, "cannot write fallback value", slog.String("error", werr.Error()))
		}
	}
	s.updateItemDiag(ctx, ci.OutputID, elapsed, err, false)
	s.observeItem(outcome.String())
	return err
}

// compute produces the raw value of an item. Panics are converted into
// evaluation errors at this boundary.
func (s *Scheduler) compute(ctx context.Context, ci items.CompiledItem, snap *sources.Snapshot) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			v = nil
			err = schema.NewErrorf(schema.ErrCodeEvaluation, "evaluation panicked: %v", r)
		}
	}()

	switch d := ci.Derivation.(type) {
	case schema.SourceDerivation:
		return s.sourceValue(ctx, ci.Item, d, snap), nil
	case schema.FormulaDerivation:
		if ci.Program == nil {
			return nil, schema.NewError(schema.ErrCodeEvaluation, "item has no compiled program")
		}
		return ci.Program.Run(expressions.Env{
			Vars:      s.inputVars(ctx, ci.Item, d, snap),
			Sources:   snap,
			Extractor: s.extractor,
			Context:   ctx,
		})
	default:
		return nil, schema.NewErrorf(schema.ErrCodeEvaluation, "unsupported derivation %T", ci.Derivation)
	}
}

// sourceValue copies a single source. Number items get the numeric fallback
// and the negative clamp at source time; other types keep the primitive.
func (s *Scheduler) sourceValue(ctx context.Context, item schema.ItemConfig, d schema.SourceDerivation, snap *sources.Snapshot) any {
	raw, _ := snap.Lookup(d.SourceID)
	if item.EffectiveType() != schema.TypeNumber {
		if d.JSONPath != "" {
			return s.extractor.Raw(raw, d.JSONPath)
		}
		v, _ := expressions.Primitive(raw)
		return v
	}
	if d.JSONPath != "" {
		raw = s.extractor.Numeric(ctx, d.SourceID, raw, d.JSONPath)
	}
	n := expressions.SafeNumber(raw, 0)
	if item.NoNegative && n < 0 {
		n = 0
	}
	return n
}

// inputVars binds each input under its sanitized key. Missing and
// non-finite values bind as 0. When the item or the input asks for it,
// numeric strings become numbers and negatives are clamped before evaluation.
func (s *Scheduler) inputVars(ctx context.Context, item schema.ItemConfig, d schema.FormulaDerivation, snap *sources.Snapshot) map[string]any {
	vars := make(map[string]any, len(d.Inputs))
	for _, in := range d.Inputs {
		key := SanitizeKey(in.Key)
		if key == "" {
			continue
		}
		raw, _ := snap.Lookup(in.SourceID)

		var v any = 0.0
		if in.JSONPath != "" {
			v = s.extractor.Numeric(ctx, in.SourceID, raw, in.JSONPath)
		} else if p, ok := expressions.Primitive(raw); ok {
			v = p
		}
		if str, ok := v.(string); ok && (item.NoNegative || in.NoNegative) {
			if f := expressions.ToNumber(str); !math.IsNaN(f) {
				v = f
			}
		}
		if f, ok := v.(float64); ok {
			if math.IsNaN(f) || math.IsInf(f, 0) {
				f = 0
			}
			if (item.NoNegative || in.NoNegative) && f < 0 {
				f = 0
			}
			v = f
		}
		vars[key] = v
	}
	return vars
}

// SanitizeKey replaces every character outside [A-Za-z0-9_] with '_'.
func SanitizeKey(key string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		}
		return '_'
	}, strings.TrimSpace(key))
}

// postProcess applies the negative clamp, then the range clamp. Only number
// items are touched.
func postProcess(item schema.ItemConfig, v any) any {
	if item.EffectiveType() != schema.TypeNumber {
		return v
	}
	n := expressions.SafeNumber(v, 0)
	if item.NoNegative && n < 0 {
		n = 0
	}
	if item.Clamp {
		if item.Min != nil && isFinite(*item.Min) && n < *item.Min {
			n = *item.Min
		}
		if item.Max != nil && isFinite(*item.Max) && n > *item.Max {
			n = *item.Max
		}
	}
	return n
}

// castValue converts v to the declared output type.
func castValue(typ schema.OutputType, v any) any {
	switch typ {
	case schema.TypeBoolean:
		return expressions.Truthy(v)
	case schema.TypeString:
		return expressions.ToString(v)
	case schema.TypeMixed:
		p, _ := expressions.Primitive(v)
		return p
	default:
		return expressions.SafeNumber(v, 0)
	}
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func itemName(ci items.CompiledItem) string {
	if name := strings.TrimSpace(ci.Item.Name); name != "" {
		return name
	}
	return ci.OutputID
}

// finishRun publishes run diagnostics and records the run.
func (s *Scheduler) finishRun(ctx context.Context, run *schema.RunDiagnostics) {
	s.diagMu.Lock()
	s.lastRun = *run
	listeners := s.listeners
	s.diagMu.Unlock()

	writes := []stateWrite{
		{"info.status", run.Status},
		{"info.itemsConfigured", float64(run.ItemsConfigured)},
		{"info.itemsEnabled", float64(run.ItemsEnabled)},
		{"info.lastRun", run.LastRun.UTC().Format(time.RFC3339Nano)},
		{"info.evalTimeMs", float64(run.ElapsedMs)},
		{"info.skippedItems", float64(run.Skipped)},
	}
	if run.LastError != "" {
		writes = append(writes, stateWrite{"info.lastError", run.LastError})
	}
	for _, w := range writes {
		if err := s.write(ctx, w.id, w.val); err != nil {
			s.logger.WarnContext(ctx, "cannot write run diagnostics",
				slog.String("state", w.id), slog.String("error", err.Error()))
		}
	}

	if rec, ok := s.store.(store.RunRecorder); ok {
		if err := rec.AppendRun(ctx, *run); err != nil {
			s.logger.WarnContext(ctx, "cannot record run", slog.String("error", err.Error()))
		}
	}
	if s.metrics != nil {
		s.metrics.ObserveTick(*run)
	}
	for _, l := range listeners {
		l.RunFinished(ctx, *run)
	}
	s.logger.DebugContext(ctx, "tick finished",
		slog.Int("evaluated", run.Evaluated),
		slog.Int("failed", run.Failed),
		slog.Int("skipped", run.Skipped),
		slog.Int64("elapsed_ms", run.ElapsedMs))
}

type stateWrite struct {
	id  string
	val any
}

// write stores v under the namespaced id.
func (s *Scheduler) write(ctx context.Context, rel string, v any) error {
	return s.store.SetState(ctx, s.fullID(rel), schema.State{Val: v, Ts: s.now(), Ack: true})
}

func (s *Scheduler) fullID(rel string) string {
	if s.cfg.Namespace == "" {
		return rel
	}
	return s.cfg.Namespace + "." + rel
}
