// Package scheduler runs derivation ticks on wall-clock aligned boundaries.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/deriva/internal/items"
	"github.com/rendis/deriva/internal/jsonpath"
	"github.com/rendis/deriva/internal/logging"
	"github.com/rendis/deriva/internal/sources"
	"github.com/rendis/deriva/internal/store"
	"github.com/rendis/deriva/pkg/schema"
)

// State of the tick state machine.
type State int32

const (
	StateIdle State = iota
	StateScheduled
	StateRunning
	StateUnloading
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScheduled:
		return "scheduled"
	case StateRunning:
		return "running"
	case StateUnloading:
		return "unloading"
	default:
		return "unknown"
	}
}

// Config controls timing and the retry policy.
type Config struct {
	// Namespace prefixes every id the scheduler writes.
	Namespace string
	// Interval between aligned ticks. Ignored when Cron is set.
	Interval time.Duration
	// Cron is an optional standard cron spec replacing Interval.
	Cron string
	// BudgetRatio is the share of the period items may take; outside (0,1] means 0.8.
	BudgetRatio float64
	// RetryThreshold is how many consecutive failures hold the last good value.
	RetryThreshold int
}

// Metrics receives tick observations. A nil Metrics records nothing.
type Metrics interface {
	ObserveTick(run schema.RunDiagnostics)
	ObserveItem(outcome string)
	ObserveRefresh(res items.RefreshResult)
}

// RunListener is told about every finished tick.
type RunListener interface {
	RunFinished(ctx context.Context, run schema.RunDiagnostics)
}

// Deps are the collaborators a Scheduler drives.
type Deps struct {
	Store     store.Store
	Provider  items.Provider
	Items     *items.Cache
	Sources   *sources.Builder
	Extractor *jsonpath.Extractor
	Metrics   Metrics
	Listeners []RunListener
	Logger    *slog.Logger
	// Clock overrides time.Now, for tests.
	Clock func() time.Time
}

// Scheduler owns the tick loop. One goroutine applies change notifications,
// fires ticks and evaluates items, so ticks never overlap.
type Scheduler struct {
	cfg       Config
	sched     cron.Schedule
	store     store.Store
	provider  items.Provider
	items     *items.Cache
	builder   *sources.Builder
	extractor *jsonpath.Extractor
	metrics   Metrics
	listeners []RunListener
	logger    *slog.Logger
	once      *logging.OnceLogger
	now       func() time.Time

	// owned by the loop goroutine
	errors      *errorTable
	changes     <-chan schema.StateChange
	unsubscribe func()

	state atomic.Int32

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	diagMu   sync.RWMutex
	lastRun  schema.RunDiagnostics
	itemDiag map[string]*schema.ItemDiagnostics
}

// New creates a Scheduler. It fails only on an invalid cron spec.
func New(cfg Config, deps Deps) (*Scheduler, error) {
	sched, err := NewSchedule(cfg.Interval, cfg.Cron)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, err.Error()).WithCause(err)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.BudgetRatio <= 0 || cfg.BudgetRatio > 1 {
		cfg.BudgetRatio = DefaultBudgetRatio
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	extractor := deps.Extractor
	if extractor == nil {
		extractor = jsonpath.NewExtractor(logger)
	}
	now := deps.Clock
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		cfg:         cfg,
		sched:       sched,
		store:       deps.Store,
		provider:    deps.Provider,
		items:       deps.Items,
		builder:     deps.Sources,
		extractor:   extractor,
		metrics:     deps.Metrics,
		listeners:   deps.Listeners,
		logger:      logger,
		once:        logging.NewOnceLogger(logger),
		now:         now,
		errors:      newErrorTable(cfg.RetryThreshold),
		unsubscribe: func() {},
		lastRun:     schema.RunDiagnostics{Status: schema.StatusStarting},
		itemDiag:    make(map[string]*schema.ItemDiagnostics),
	}, nil
}

// Start provisions the info states and launches the tick loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	if s.State() == StateUnloading {
		s.mu.Unlock()
		return fmt.Errorf("scheduler is unloading")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	if err := s.Init(loopCtx); err != nil {
		s.logger.Warn("failed to provision info states", slog.String("error", err.Error()))
	}

	go s.loop(loopCtx)
	s.logger.Info("scheduler started",
		slog.String("namespace", s.cfg.Namespace),
		slog.Duration("interval", s.cfg.Interval),
		slog.String("cron", s.cfg.Cron))
	return nil
}

// Stop moves to Unloading, cancels the pending timer and waits for the loop.
// No tick is armed afterwards.
func (s *Scheduler) Stop() error {
	s.state.Store(int32(StateUnloading))

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return nil
	}
	s.cancel()
	<-s.done
	s.cancel = nil

	s.logger.Info("scheduler stopped")
	return nil
}

// AddListener registers l for every later tick.
func (s *Scheduler) AddListener(l RunListener) {
	s.diagMu.Lock()
	s.listeners = append(s.listeners, l)
	s.diagMu.Unlock()
}

// State returns the current state machine state.
func (s *Scheduler) State() State { return State(s.state.Load()) }

// Items returns the compiled item cache.
func (s *Scheduler) Items() *items.Cache { return s.items }

// LastRun returns the diagnostics of the most recent tick.
func (s *Scheduler) LastRun() schema.RunDiagnostics {
	s.diagMu.RLock()
	defer s.diagMu.RUnlock()
	return s.lastRun
}

// ItemDiagnostics returns per-item diagnostics ordered by output id.
func (s *Scheduler) ItemDiagnostics() []schema.ItemDiagnostics {
	s.diagMu.RLock()
	defer s.diagMu.RUnlock()
	out := make([]schema.ItemDiagnostics, 0, len(s.itemDiag))
	for _, d := range s.itemDiag {
		cp := *d
		if d.LastOkTs != nil {
			ts := *d.LastOkTs
			cp.LastOkTs = &ts
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OutputID < out[j].OutputID })
	return out
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)
	defer func() { s.unsubscribe() }()

	for {
		if ctx.Err() != nil || !s.transition(StateIdle, StateScheduled) {
			return
		}
		timer := time.NewTimer(Delay(s.sched, s.now()))
		fired := s.wait(ctx, timer)
		timer.Stop()
		if !fired || !s.transition(StateScheduled, StateRunning) {
			return
		}
		s.RunTick(ctx)
		if !s.transition(StateRunning, StateIdle) {
			return
		}
	}
}

// transition fails once Unloading has been set.
func (s *Scheduler) transition(from, to State) bool {
	return s.state.CompareAndSwap(int32(from), int32(to))
}

// wait applies change notifications until the timer fires or ctx ends.
func (s *Scheduler) wait(ctx context.Context, timer *time.Timer) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case change, ok := <-s.changes:
			if !ok {
				s.changes = nil
				continue
			}
			s.builder.Cache().Apply(change)
		case <-timer.C:
			return true
		}
	}
}

// drain applies notifications that queued up while a tick was running.
func (s *Scheduler) drain() {
	for {
		select {
		case change, ok := <-s.changes:
			if !ok {
				s.changes = nil
				return
			}
			s.builder.Cache().Apply(change)
		default:
			return
		}
	}
}

func (s *Scheduler) observeItem(outcome string) {
	if s.metrics != nil {
		s.metrics.ObserveItem(outcome)
	}
}
