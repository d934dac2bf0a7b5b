package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/deriva/internal/expressions"
	"github.com/rendis/deriva/internal/items"
	"github.com/rendis/deriva/internal/sources"
	"github.com/rendis/deriva/internal/store"
	"github.com/rendis/deriva/pkg/schema"
)

const testNS = "deriva.0"

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// recordingStore records every write and can charge clock time per write,
// standing in for slow items.
type recordingStore struct {
	*store.MemoryStore
	clock *fakeClock

	mu     sync.Mutex
	cost   map[string]time.Duration
	writes map[string][]any
}

func (r *recordingStore) SetState(ctx context.Context, id string, st schema.State) error {
	r.mu.Lock()
	r.writes[id] = append(r.writes[id], st.Val)
	cost := r.cost[id]
	r.mu.Unlock()
	if cost > 0 {
		r.clock.Advance(cost)
	}
	return r.MemoryStore.SetState(ctx, id, st)
}

func (r *recordingStore) history(rel string) []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]any(nil), r.writes[testNS+"."+rel]...)
}

type listProvider struct {
	mu    sync.Mutex
	list  []schema.ItemConfig
	err   error
	panic bool
}

func (p *listProvider) Load(context.Context) ([]schema.ItemConfig, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.panic {
		panic("provider exploded")
	}
	return append([]schema.ItemConfig(nil), p.list...), p.err
}

func (p *listProvider) set(list ...schema.ItemConfig) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.list = list
}

type countingMetrics struct {
	mu        sync.Mutex
	ticks     int
	refreshes int
	outcomes  map[string]int
}

func (m *countingMetrics) ObserveTick(schema.RunDiagnostics) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ticks++
}

func (m *countingMetrics) ObserveItem(outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes[outcome]++
}

func (m *countingMetrics) ObserveRefresh(items.RefreshResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshes++
}

type harness struct {
	store    *recordingStore
	provider *listProvider
	clock    *fakeClock
	metrics  *countingMetrics
	s        *Scheduler
}

func newHarness(t *testing.T, cfg Config, list ...schema.ItemConfig) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := &fakeClock{t: time.UnixMilli(1_700_000_000_000)}
	st := &recordingStore{
		MemoryStore: store.NewMemoryStore(nil),
		clock:       clock,
		cost:        make(map[string]time.Duration),
		writes:      make(map[string][]any),
	}
	provider := &listProvider{list: list}
	metrics := &countingMetrics{outcomes: make(map[string]int)}

	engine := expressions.NewFormulaEngine(expressions.DefaultLimits())
	cache := items.NewCache(items.NewCompiler(engine, 0, logger), 0, logger)
	builder := sources.NewBuilder(sources.NewCache(testNS), st, sources.BuilderOptions{}, logger)

	if cfg.Namespace == "" {
		cfg.Namespace = testNS
	}
	if cfg.Interval == 0 {
		cfg.Interval = 5 * time.Second
	}
	s, err := New(cfg, Deps{
		Store:    st,
		Provider: provider,
		Items:    cache,
		Sources:  builder,
		Metrics:  metrics,
		Logger:   logger,
		Clock:    clock.Now,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Stop() })
	return &harness{store: st, provider: provider, clock: clock, metrics: metrics, s: s}
}

func (h *harness) value(t *testing.T, rel string) any {
	t.Helper()
	st, err := h.store.GetState(context.Background(), testNS+"."+rel)
	require.NoError(t, err)
	if st == nil {
		return nil
	}
	return st.Val
}

func (h *harness) setSource(t *testing.T, id string, v any) {
	t.Helper()
	require.NoError(t, h.store.MemoryStore.SetState(context.Background(), id, schema.State{Val: v}))
}

func formula(target, expr string, inputs ...schema.InputConfig) schema.ItemConfig {
	return schema.ItemConfig{Enabled: true, TargetID: target, Formula: expr, Inputs: inputs}
}

func input(key, id string) schema.InputConfig {
	return schema.InputConfig{Key: key, SourceID: id}
}

func TestRunTickFormula(t *testing.T) {
	item := formula("total", "pv1 + pv2", input("pv1", "src.pv1"), input("pv2", "src.pv2"))
	item.Group = "pv"
	h := newHarness(t, Config{}, item)
	h.setSource(t, "src.pv1", 3.0)
	h.setSource(t, "src.pv2", 4.0)

	run := h.s.RunTick(context.Background())

	assert.NotEmpty(t, run.TickID)
	assert.Equal(t, schema.StatusOK, run.Status)
	assert.Equal(t, 1, run.Evaluated)
	assert.Equal(t, 0, run.Failed)
	assert.Equal(t, 0, run.Skipped)
	assert.Equal(t, 1, run.ItemsConfigured)
	assert.Equal(t, 1, run.ItemsEnabled)
	assert.Empty(t, run.LastError)

	assert.Equal(t, 7.0, h.value(t, "pv.total"))
	assert.Equal(t, schema.StatusOK, h.value(t, "info.status"))
	assert.Equal(t, 1.0, h.value(t, "info.itemsConfigured"))
	assert.Equal(t, 1.0, h.value(t, "info.itemsEnabled"))
	assert.Equal(t, 0.0, h.value(t, "info.skippedItems"))
	assert.NotEmpty(t, h.value(t, "info.lastRun"))

	assert.Equal(t, true, h.value(t, "items.pv.total.compiledOk"))
	assert.Equal(t, "", h.value(t, "items.pv.total.compileError"))
	assert.Equal(t, 0.0, h.value(t, "items.pv.total.consecutiveErrors"))
	assert.NotEmpty(t, h.value(t, "items.pv.total.lastOkTs"))

	assert.Equal(t, run, h.s.LastRun())
	assert.Equal(t, 1, h.metrics.ticks)
	assert.Equal(t, 1, h.metrics.outcomes["ok"])
}

func TestRunTickScenarios(t *testing.T) {
	boolean := func(it schema.ItemConfig) schema.ItemConfig {
		it.Type = schema.TypeBoolean
		return it
	}
	h := newHarness(t, Config{},
		formula("cond", "IF(a>0, a, 0)", input("a", "src.a")),
		formula("clamped", "clamp(v, 0, 100)", input("v", "src.v")),
		boolean(formula("logic", "A AND NOT B", input("A", "src.A"), input("B", "src.B"))),
		formula("numeric", `s("src.raw") * 2`),
		formula("path", `jp("src.json", "$.a.b[1]")`),
		formula("empty", ""),
	)
	h.setSource(t, "src.a", -5.0)
	h.setSource(t, "src.v", 150.0)
	h.setSource(t, "src.A", true)
	h.setSource(t, "src.B", false)
	h.setSource(t, "src.raw", "21")
	h.setSource(t, "src.json", `{"a":{"b":[10,20]}}`)

	run := h.s.RunTick(context.Background())
	assert.Equal(t, 6, run.Evaluated)

	assert.Equal(t, 0.0, h.value(t, "cond"))
	assert.Equal(t, 100.0, h.value(t, "clamped"))
	assert.Equal(t, true, h.value(t, "logic"))
	assert.Equal(t, 42.0, h.value(t, "numeric"))
	assert.Equal(t, 20.0, h.value(t, "path"))
	assert.Equal(t, 0.0, h.value(t, "empty"))
}

func TestRunTickInputs(t *testing.T) {
	strict := formula("strict", "x + y",
		schema.InputConfig{Key: "x", SourceID: "src.neg", NoNegative: true},
		input("y", "src.neg"))
	global := formula("global", "x + y", input("x", "src.neg"), input("y", "src.neg"))
	global.NoNegative = true
	mode := formula("mode", `mode == "auto"`, input("mode", "src.mode"))
	mode.Type = schema.TypeBoolean

	h := newHarness(t, Config{},
		formula("sanitized", "pv_1 * 2", input(" pv-1 ", "src.pv")),
		formula("path", "p", schema.InputConfig{Key: "p", SourceID: "src.doc", JSONPath: "$.power"}),
		formula("missing", "m + 1", input("m", "src.absent")),
		strict, global, mode,
	)
	h.setSource(t, "src.pv", 5.0)
	h.setSource(t, "src.doc", `{"power": 250}`)
	h.setSource(t, "src.neg", -4.0)
	h.setSource(t, "src.mode", "auto")

	h.s.RunTick(context.Background())

	assert.Equal(t, 10.0, h.value(t, "sanitized"))
	assert.Equal(t, 250.0, h.value(t, "path"))
	assert.Equal(t, 1.0, h.value(t, "missing"))
	assert.Equal(t, -4.0, h.value(t, "strict"))
	// the item-level clamp applies to inputs and to the result
	assert.Equal(t, 0.0, h.value(t, "global"))
	assert.Equal(t, true, h.value(t, "mode"))
}

func TestRunTickNoNegativeNumericStrings(t *testing.T) {
	label := formula("label", `a + "!"`, schema.InputConfig{Key: "a", SourceID: "src.label", NoNegative: true})
	label.Type = schema.TypeString

	h := newHarness(t, Config{},
		formula("clamped", "a * 2", schema.InputConfig{Key: "a", SourceID: "src.text", NoNegative: true}),
		formula("raw", "a * 2", input("a", "src.text")),
		formula("positive", "a + 1", schema.InputConfig{Key: "a", SourceID: "src.pos", NoNegative: true}),
		label,
	)
	h.setSource(t, "src.text", "-5")
	h.setSource(t, "src.pos", "7")
	h.setSource(t, "src.label", "off")

	h.s.RunTick(context.Background())

	assert.Equal(t, 0.0, h.value(t, "clamped"))
	assert.Equal(t, -10.0, h.value(t, "raw"))
	// bound as a number, so + adds instead of concatenating
	assert.Equal(t, 8.0, h.value(t, "positive"))
	// non-numeric strings pass through unchanged
	assert.Equal(t, "off!", h.value(t, "label"))
}

func TestRunTickSourceMode(t *testing.T) {
	source := func(target, id, path string, typ schema.OutputType) schema.ItemConfig {
		return schema.ItemConfig{Enabled: true, TargetID: target, Mode: schema.ModeSource,
			SourceID: id, JSONPath: path, Type: typ}
	}
	neg := source("neg", "src.neg", "", schema.TypeNumber)
	neg.NoNegative = true

	h := newHarness(t, Config{},
		source("num", "src.doc", "$.meter.total", schema.TypeNumber),
		source("nopath", "src.doc", "$.missing", schema.TypeNumber),
		neg,
		source("flag", "src.flag", "", schema.TypeBoolean),
		source("label", "src.num", "", schema.TypeString),
		source("raw", "src.doc", "$.meter.name", schema.TypeMixed),
		source("absent", "src.none", "", schema.TypeString),
	)
	h.setSource(t, "src.doc", `{"meter":{"total":"12.5","name":"main"}}`)
	h.setSource(t, "src.neg", -3.0)
	h.setSource(t, "src.flag", true)
	h.setSource(t, "src.num", 12.5)

	run := h.s.RunTick(context.Background())
	assert.Equal(t, 7, run.Evaluated)

	assert.Equal(t, 12.5, h.value(t, "num"))
	assert.Equal(t, 0.0, h.value(t, "nopath"))
	assert.Equal(t, 0.0, h.value(t, "neg"))
	assert.Equal(t, true, h.value(t, "flag"))
	assert.Equal(t, "12.5", h.value(t, "label"))
	assert.Equal(t, "main", h.value(t, "raw"))
	assert.Equal(t, "", h.value(t, "absent"))
}

func TestRetryFallbackPolicy(t *testing.T) {
	h := newHarness(t, Config{RetryThreshold: 3},
		formula("value", `v("mode") == "bad" ? nope() : 5`))
	ctx := context.Background()
	h.setSource(t, "mode", "ok")

	run := h.s.RunTick(ctx)
	require.Equal(t, 1, run.Evaluated)
	assert.Equal(t, []any{5.0}, h.store.history("value"))

	h.setSource(t, "mode", "bad")
	for i := 1; i <= 3; i++ {
		run = h.s.RunTick(ctx)
		assert.Equal(t, 1, run.Failed, "failure %d", i)
		assert.Contains(t, run.LastError, "function not allowed")
		assert.Equal(t, float64(i), h.value(t, "items.value.consecutiveErrors"))
	}
	assert.Equal(t, []any{5.0, 5.0, 5.0, 5.0}, h.store.history("value"))

	h.s.RunTick(ctx)
	assert.Equal(t, []any{5.0, 5.0, 5.0, 5.0, 0.0}, h.store.history("value"))
	assert.Equal(t, 4.0, h.value(t, "items.value.consecutiveErrors"))
	assert.Contains(t, h.value(t, "items.value.lastError"), "function not allowed")
	assert.Contains(t, h.value(t, "info.lastError"), "value: ")

	h.setSource(t, "mode", "ok")
	run = h.s.RunTick(ctx)
	assert.Equal(t, 1, run.Evaluated)
	assert.Equal(t, 5.0, h.value(t, "value"))
	assert.Equal(t, 0.0, h.value(t, "items.value.consecutiveErrors"))

	assert.Equal(t, 3, h.metrics.outcomes["hold"])
	assert.Equal(t, 1, h.metrics.outcomes["fallback"])
	assert.Equal(t, 2, h.metrics.outcomes["ok"])
}

func TestRetryWithoutGoodValue(t *testing.T) {
	for _, tc := range []struct {
		typ  schema.OutputType
		zero any
	}{
		{schema.TypeNumber, 0.0},
		{schema.TypeBoolean, false},
		{schema.TypeString, ""},
	} {
		t.Run(string(tc.typ), func(t *testing.T) {
			item := formula("broken", "nope()")
			item.Type = tc.typ
			h := newHarness(t, Config{}, item)
			ctx := context.Background()

			for i := 0; i < 3; i++ {
				h.s.RunTick(ctx)
			}
			assert.Empty(t, h.store.history("broken"))

			h.s.RunTick(ctx)
			assert.Equal(t, []any{tc.zero}, h.store.history("broken"))
			assert.Equal(t, 1, h.metrics.outcomes["fallback"])
			assert.Equal(t, 3, h.metrics.outcomes["none"])
		})
	}
}

func TestBudgetSkipsRemainingItems(t *testing.T) {
	h := newHarness(t, Config{Interval: 5 * time.Second, BudgetRatio: 0.8},
		formula("a", "1"), formula("b", "2"), formula("c", "3"), formula("d", "4"))
	for _, id := range []string{"a", "b", "c", "d"} {
		h.store.cost[testNS+"."+id] = 3 * time.Second
	}

	run := h.s.RunTick(context.Background())

	// budget is 4s: a runs at 0s, b at 3s, c would start at 6s
	assert.Equal(t, 2, run.Evaluated)
	assert.Equal(t, 2, run.Skipped)
	assert.Equal(t, 1.0, h.value(t, "a"))
	assert.Equal(t, 2.0, h.value(t, "b"))
	assert.Nil(t, h.value(t, "c"))
	assert.Nil(t, h.value(t, "d"))
	assert.Equal(t, 2.0, h.value(t, "info.skippedItems"))
	assert.Equal(t, int64(6000), run.ElapsedMs)
}

// slowReader charges clock time for every refresh read.
type slowReader struct {
	sources.StateReader
	clock *fakeClock
	cost  time.Duration
}

func (r slowReader) GetState(ctx context.Context, id string) (*schema.State, error) {
	r.clock.Advance(r.cost)
	return r.StateReader.GetState(ctx, id)
}

func TestBudgetExcludesSnapshotRefresh(t *testing.T) {
	h := newHarness(t, Config{Interval: time.Second}, formula("out", "a * 2", input("a", "src.a")))
	h.s.builder = sources.NewBuilder(sources.NewCache(testNS),
		slowReader{StateReader: h.store, clock: h.clock, cost: 900 * time.Millisecond},
		sources.BuilderOptions{Refresh: true}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	h.setSource(t, "src.a", 3.0)

	for i := 0; i < 3; i++ {
		run := h.s.RunTick(context.Background())
		assert.Equal(t, 1, run.Evaluated, "tick %d", i)
		assert.Equal(t, 0, run.Skipped, "tick %d", i)
		assert.GreaterOrEqual(t, run.ElapsedMs, int64(900), "tick %d", i)
	}
	assert.Equal(t, 6.0, h.value(t, "out"))
}

func TestCompileErrorIsolated(t *testing.T) {
	h := newHarness(t, Config{}, formula("bad", "1 +"), formula("good", "2"))

	run := h.s.RunTick(context.Background())
	assert.Equal(t, 1, run.Evaluated)
	assert.Equal(t, 0, run.Failed)
	assert.Equal(t, 2, run.ItemsEnabled)

	assert.Nil(t, h.value(t, "bad"))
	assert.Equal(t, 2.0, h.value(t, "good"))
	assert.Equal(t, false, h.value(t, "items.bad.compiledOk"))
	assert.NotEmpty(t, h.value(t, "items.bad.compileError"))

	diags := h.s.ItemDiagnostics()
	require.Len(t, diags, 2)
	assert.Equal(t, "bad", diags[0].OutputID)
	assert.False(t, diags[0].CompiledOK)
	assert.NotEmpty(t, diags[0].CompileError)
	assert.Equal(t, "good", diags[1].OutputID)
	assert.True(t, diags[1].CompiledOK)
	require.NotNil(t, diags[1].LastOkTs)
}

func TestNoItemsEnabled(t *testing.T) {
	item := formula("off", "1")
	item.Enabled = false
	h := newHarness(t, Config{}, item)

	run := h.s.RunTick(context.Background())
	assert.Equal(t, schema.StatusNoItemsEnabled, run.Status)
	assert.Equal(t, 1, run.ItemsConfigured)
	assert.Equal(t, 0, run.ItemsEnabled)
	assert.Equal(t, schema.StatusNoItemsEnabled, h.value(t, "info.status"))
	assert.Nil(t, h.value(t, "off"))

	// disabled items are still provisioned
	_, err := h.store.GetObject(context.Background(), testNS+".off")
	assert.NoError(t, err)
}

func TestProvisioning(t *testing.T) {
	item := formula("power", "1")
	item.Group = "house.floor1"
	item.Name = "Power"
	item.Role = "value.power"
	item.Unit = "W"
	h := newHarness(t, Config{}, item)
	ctx := context.Background()

	h.s.RunTick(ctx)

	for _, id := range []string{"house", "house.floor1", "items", "items.house", "items.house.floor1", "items.house.floor1.power"} {
		obj, err := h.store.GetObject(ctx, testNS+"."+id)
		require.NoError(t, err, id)
		assert.Equal(t, schema.ObjectChannel, obj.Type, id)
	}

	obj, err := h.store.GetObject(ctx, testNS+".house.floor1.power")
	require.NoError(t, err)
	assert.Equal(t, schema.ObjectSpec{
		ID: testNS + ".house.floor1.power", Type: schema.ObjectState, Name: "Power",
		DataType: schema.TypeNumber, Role: "value.power", Unit: "W", Mode: schema.ModeFormula,
	}, *obj)

	for _, field := range []string{"compiledOk", "compileError", "lastError", "lastOkTs", "lastEvalMs", "consecutiveErrors"} {
		_, err := h.store.GetObject(ctx, testNS+".items.house.floor1.power."+field)
		assert.NoError(t, err, field)
	}
}

func TestInitWritesInfoStates(t *testing.T) {
	h := newHarness(t, Config{})
	require.NoError(t, h.s.Init(context.Background()))

	obj, err := h.store.GetObject(context.Background(), testNS+".info")
	require.NoError(t, err)
	assert.Equal(t, schema.ObjectChannel, obj.Type)

	assert.Equal(t, schema.StatusStarting, h.value(t, "info.status"))
	assert.Equal(t, 0.0, h.value(t, "info.itemsConfigured"))
	assert.Equal(t, "", h.value(t, "info.lastError"))
	assert.Equal(t, schema.StatusStarting, h.s.LastRun().Status)
}

func TestRecompileOnlyOnSignatureChange(t *testing.T) {
	h := newHarness(t, Config{}, formula("out", "x", input("x", "src.a")))
	ctx := context.Background()
	h.setSource(t, "src.a", 1.0)
	h.setSource(t, "src.b", 2.0)

	h.s.RunTick(ctx)
	h.s.RunTick(ctx)
	assert.Equal(t, 1, h.metrics.refreshes)
	assert.Equal(t, 1.0, h.value(t, "out"))

	h.provider.set(formula("out", "x", input("x", "src.b")))
	h.s.RunTick(ctx)
	assert.Equal(t, 2, h.metrics.refreshes)
	assert.Equal(t, 2.0, h.value(t, "out"))

	// notifications for the new source reach the cache through the new subscription
	h.setSource(t, "src.b", 9.0)
	h.s.RunTick(ctx)
	assert.Equal(t, 9.0, h.value(t, "out"))
}

func TestProviderErrorIsReported(t *testing.T) {
	h := newHarness(t, Config{})
	h.provider.err = errors.New("items.json: permission denied")

	run := h.s.RunTick(context.Background())
	assert.Equal(t, "items.json: permission denied", run.LastError)
	assert.Equal(t, "items.json: permission denied", h.value(t, "info.lastError"))
	assert.Equal(t, schema.StatusNoItemsEnabled, run.Status)
}

func TestTickPanicRecovered(t *testing.T) {
	h := newHarness(t, Config{}, formula("out", "1"))
	h.provider.panic = true

	run := h.s.RunTick(context.Background())
	assert.Contains(t, run.LastError, "provider exploded")
	assert.NotEmpty(t, h.value(t, "info.lastRun"))

	h.provider.panic = false
	run = h.s.RunTick(context.Background())
	assert.Equal(t, 1, run.Evaluated)
}

func TestUnsupportedDerivation(t *testing.T) {
	h := newHarness(t, Config{})
	_, err := h.s.compute(context.Background(), items.CompiledItem{OutputID: "x"}, nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeEvaluation, schema.CodeOf(err))
}

type runCollector struct{ runs []schema.RunDiagnostics }

func (c *runCollector) RunFinished(_ context.Context, run schema.RunDiagnostics) {
	c.runs = append(c.runs, run)
}

func TestListenersSeeEveryRun(t *testing.T) {
	h := newHarness(t, Config{}, formula("out", "1"))
	c := &runCollector{}
	h.s.AddListener(c)

	first := h.s.RunTick(context.Background())
	second := h.s.RunTick(context.Background())
	require.Len(t, c.runs, 2)
	assert.Equal(t, first.TickID, c.runs[0].TickID)
	assert.Equal(t, second.TickID, c.runs[1].TickID)
}

func TestRunIsRecorded(t *testing.T) {
	h := newHarness(t, Config{}, formula("out", "1"))
	run := h.s.RunTick(context.Background())

	runs, err := h.store.RecentRuns(context.Background(), store.RunFilter{})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, run.TickID, runs[0].TickID)
	assert.Equal(t, 1, runs[0].Evaluated)
}

func TestWaitAppliesChanges(t *testing.T) {
	h := newHarness(t, Config{})
	ch := make(chan schema.StateChange, 2)
	ch <- schema.StateChange{ID: "src.x", State: schema.State{Val: 5.0}}
	ch <- schema.StateChange{ID: testNS + ".own", State: schema.State{Val: 1.0}}
	close(ch)
	h.s.changes = ch

	timer := time.NewTimer(20 * time.Millisecond)
	defer timer.Stop()
	assert.True(t, h.s.wait(context.Background(), timer))

	v, ok := h.s.builder.Cache().Lookup("src.x")
	assert.True(t, ok)
	assert.Equal(t, 5.0, v)
	_, ok = h.s.builder.Cache().Lookup(testNS + ".own")
	assert.False(t, ok)
	assert.Nil(t, h.s.changes)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, h.s.wait(ctx, time.NewTimer(time.Hour)))
}

func TestStartStop(t *testing.T) {
	h := newHarness(t, Config{Interval: 20 * time.Millisecond}, formula("out", "1"))
	h.s.now = time.Now

	require.NoError(t, h.s.Start(context.Background()))
	assert.Error(t, h.s.Start(context.Background()))

	require.Eventually(t, func() bool {
		return h.value(t, "out") == 1.0
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, h.s.Stop())
	assert.Equal(t, StateUnloading, h.s.State())

	ticks := len(h.store.history("info.lastRun"))
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, ticks, len(h.store.history("info.lastRun")))

	assert.Error(t, h.s.Start(context.Background()))
	assert.NoError(t, h.s.Stop())
}

func TestStopBeforeStart(t *testing.T) {
	h := newHarness(t, Config{})
	require.NoError(t, h.s.Stop())
	assert.Equal(t, StateUnloading, h.s.State())
	assert.Error(t, h.s.Start(context.Background()))
}

func TestNewRejectsBadCron(t *testing.T) {
	_, err := New(Config{Cron: "every tuesday"}, Deps{})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "scheduled", StateScheduled.String())
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "unloading", StateUnloading.String())
}
