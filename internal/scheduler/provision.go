package scheduler

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rendis/deriva/internal/items"
	"github.com/rendis/deriva/pkg/schema"
)

type infoState struct {
	id   string
	name string
	typ  schema.OutputType
	role string
	init any
}

var infoStates = []infoState{
	{"info.status", "Status", schema.TypeString, "text", schema.StatusStarting},
	{"info.itemsConfigured", "Configured items", schema.TypeNumber, "value", 0.0},
	{"info.itemsEnabled", "Enabled items", schema.TypeNumber, "value", 0.0},
	{"info.lastError", "Last Error", schema.TypeString, "text", ""},
	{"info.lastRun", "Last Run", schema.TypeString, "date", ""},
	{"info.evalTimeMs", "Evaluation time (ms)", schema.TypeNumber, "value", 0.0},
	{"info.skippedItems", "Skipped items", schema.TypeNumber, "value", 0.0},
}

type itemDiagState struct {
	field string
	name  string
	typ   schema.OutputType
	role  string
}

var itemDiagStates = []itemDiagState{
	{"compiledOk", "Compiled", schema.TypeBoolean, "indicator"},
	{"compileError", "Compile error", schema.TypeString, "text"},
	{"lastError", "Last error", schema.TypeString, "text"},
	{"lastOkTs", "Last success", schema.TypeString, "date"},
	{"lastEvalMs", "Last evaluation (ms)", schema.TypeNumber, "value"},
	{"consecutiveErrors", "Consecutive errors", schema.TypeNumber, "value"},
}

// Init creates the info channel and states and writes their start values.
func (s *Scheduler) Init(ctx context.Context) error {
	var errs []error
	if err := s.store.EnsureObject(ctx, schema.ObjectSpec{
		ID: s.fullID("info"), Type: schema.ObjectChannel, Name: "Information",
	}); err != nil {
		errs = append(errs, err)
	}
	for _, st := range infoStates {
		if err := s.store.EnsureObject(ctx, schema.ObjectSpec{
			ID: s.fullID(st.id), Type: schema.ObjectState, Name: st.name, DataType: st.typ, Role: st.role,
		}); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := s.write(ctx, st.id, st.init); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// provision creates the channel path, state object and diagnostic states of
// every item with a valid output id, enabled or not.
func (s *Scheduler) provision(ctx context.Context, compiled []items.CompiledItem) error {
	var errs []error
	for _, ci := range compiled {
		if ci.OutputID == "" {
			continue
		}
		if err := s.ensureChannelPath(ctx, ci.OutputID); err != nil {
			errs = append(errs, err)
			continue
		}

		name := strings.TrimSpace(ci.Item.Name)
		if name == "" {
			name = ci.OutputID
		}
		role := ci.Item.Role
		if role == "" {
			role = "value"
		}
		if err := s.store.EnsureObject(ctx, schema.ObjectSpec{
			ID:       s.fullID(ci.OutputID),
			Type:     schema.ObjectState,
			Name:     name,
			DataType: ci.Item.EffectiveType(),
			Role:     role,
			Unit:     ci.Item.Unit,
			Mode:     ci.Item.EffectiveMode(),
		}); err != nil {
			errs = append(errs, err)
			continue
		}

		if err := s.provisionItemDiagnostics(ctx, ci); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Scheduler) provisionItemDiagnostics(ctx context.Context, ci items.CompiledItem) error {
	base := "items." + ci.OutputID
	if err := s.ensureChannels(ctx, base); err != nil {
		return err
	}
	for _, st := range itemDiagStates {
		if err := s.store.EnsureObject(ctx, schema.ObjectSpec{
			ID: s.fullID(base + "." + st.field), Type: schema.ObjectState,
			Name: st.name, DataType: st.typ, Role: st.role,
		}); err != nil {
			return err
		}
	}

	compileErr := ""
	if ci.Err != nil {
		compileErr = ci.Err.Error()
	}
	if err := s.write(ctx, base+".compiledOk", ci.OK); err != nil {
		return err
	}
	return s.write(ctx, base+".compileError", compileErr)
}

// ensureChannelPath creates a channel for every proper prefix of the
// relative id rel, leaving existing channels untouched.
func (s *Scheduler) ensureChannelPath(ctx context.Context, rel string) error {
	rel = strings.Trim(strings.TrimSpace(rel), ".")
	if i := strings.LastIndexByte(rel, '.'); i > 0 {
		return s.ensureChannels(ctx, rel[:i])
	}
	return nil
}

// ensureChannels creates a channel for rel and each of its prefixes.
func (s *Scheduler) ensureChannels(ctx context.Context, rel string) error {
	prefix := ""
	for _, part := range strings.Split(rel, ".") {
		if part == "" {
			continue
		}
		if prefix == "" {
			prefix = part
		} else {
			prefix += "." + part
		}
		if err := s.store.EnsureObject(ctx, schema.ObjectSpec{
			ID: s.fullID(prefix), Type: schema.ObjectChannel, Name: part,
		}); err != nil {
			return err
		}
	}
	return nil
}

// resetDiagnostics rebuilds the per-item diagnostic table after a
// recompilation and forgets error states of items that disappeared.
func (s *Scheduler) resetDiagnostics(compiled []items.CompiledItem) {
	keep := make(map[string]struct{}, len(compiled))

	s.diagMu.Lock()
	defer s.diagMu.Unlock()
	next := make(map[string]*schema.ItemDiagnostics, len(compiled))
	for _, ci := range compiled {
		if ci.OutputID == "" {
			continue
		}
		keep[ci.OutputID] = struct{}{}
		d, ok := s.itemDiag[ci.OutputID]
		if !ok {
			d = &schema.ItemDiagnostics{OutputID: ci.OutputID}
		}
		d.CompiledOK = ci.OK
		d.CompileError = ""
		if ci.Err != nil {
			d.CompileError = ci.Err.Error()
		}
		next[ci.OutputID] = d
	}
	s.itemDiag = next
	s.errors.retain(keep)
}

// updateItemDiag records an evaluation attempt and publishes the item's
// diagnostic states. evalErr is kept as last error until the next failure.
func (s *Scheduler) updateItemDiag(ctx context.Context, outputID string, elapsed time.Duration, evalErr error, ok bool) {
	s.diagMu.Lock()
	d, exists := s.itemDiag[outputID]
	if !exists {
		d = &schema.ItemDiagnostics{OutputID: outputID, CompiledOK: true}
		s.itemDiag[outputID] = d
	}
	d.LastEvalMs = elapsed.Milliseconds()
	d.ConsecutiveErrors = s.errors.consecutive(outputID)
	if evalErr != nil {
		d.LastError = evalErr.Error()
	}
	if ok {
		if ts, has := s.errors.lastGoodTs(outputID); has {
			d.LastOkTs = &ts
		}
	}
	snapshot := *d
	s.diagMu.Unlock()

	base := "items." + outputID
	writes := []stateWrite{
		{base + ".lastEvalMs", float64(snapshot.LastEvalMs)},
		{base + ".consecutiveErrors", float64(snapshot.ConsecutiveErrors)},
		{base + ".lastError", snapshot.LastError},
	}
	if snapshot.LastOkTs != nil {
		writes = append(writes, stateWrite{base + ".lastOkTs", snapshot.LastOkTs.UTC().Format(time.RFC3339Nano)})
	}
	for _, w := range writes {
		if err := s.write(ctx, w.id, w.val); err != nil {
			s.once.Warn(ctx, "diag-write:"+w.id, "cannot write item diagnostics",
				"state", w.id, "error", err.Error())
		}
	}
}
