package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/rendis/deriva/internal/expressions"
	"github.com/rendis/deriva/internal/items"
	"github.com/rendis/deriva/internal/jsonpath"
	"github.com/rendis/deriva/internal/metrics"
	"github.com/rendis/deriva/internal/preview"
	"github.com/rendis/deriva/internal/scheduler"
	"github.com/rendis/deriva/internal/sources"
	"github.com/rendis/deriva/internal/store"
	"github.com/rendis/deriva/internal/streaming"
	"github.com/rendis/deriva/internal/validation"
	mcpserver "github.com/rendis/deriva/pkg/mcp"
)

// app is the wired process: store, scheduler, metrics and the MCP server.
type app struct {
	cfg       Config
	store     store.Store
	scheduler *scheduler.Scheduler
	metrics   *metrics.Metrics
	mcp       *mcpserver.DerivaServer
	mcpHTTP   http.Handler
	closers   []func() error
	logger    *slog.Logger
}

func newApp(ctx context.Context, cfg Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	st, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	a.store = st

	validator, err := validation.NewJSONSchemaValidator()
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("validator: %w", err)
	}

	engine := expressions.NewFormulaEngine(expressions.Limits{
		MaxNodes:  cfg.MaxNodes,
		MaxDepth:  cfg.MaxDepth,
		MaxLength: cfg.MaxFormulaLength,
	})
	compiler := items.NewCompiler(engine, cfg.MaxDiscoveredIDs, logger)
	cache := items.NewCache(compiler, cfg.MaxSourceIDs, logger)
	sourceCache := sources.NewCache(cfg.Namespace)
	builder := sources.NewBuilder(sourceCache, st, sources.BuilderOptions{
		Refresh: cfg.SnapshotInputs,
		Delay:   time.Duration(cfg.SnapshotDelayMs) * time.Millisecond,
	}, logger)

	a.metrics = metrics.New()
	sched, err := scheduler.New(scheduler.Config{
		Namespace:      cfg.Namespace,
		Interval:       time.Duration(cfg.PollIntervalSeconds) * time.Second,
		Cron:           cfg.Cron,
		BudgetRatio:    cfg.BudgetRatio,
		RetryThreshold: cfg.RetryThreshold,
	}, scheduler.Deps{
		Store:     st,
		Provider:  items.NewFileProvider(cfg.ItemsPath, validator, logger),
		Items:     cache,
		Sources:   builder,
		Extractor: jsonpath.NewExtractor(logger),
		Metrics:   a.metrics,
		Logger:    logger,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.scheduler = sched

	// Stores without run history leave deriva.runs unavailable.
	runs, _ := st.(store.RunRecorder)
	sessions := mcpserver.NewSessionRegistry()
	a.mcp = mcpserver.NewDerivaServer(mcpserver.DerivaServerDeps{
		Preview:   preview.NewService(engine, validator, preview.WithSources(sourceCache), preview.WithLogger(logger)),
		Scheduler: sched,
		Runs:      runs,
		Sessions:  sessions,
		Version:   version,
		Logger:    logger,
	})
	a.mcpHTTP = a.mcp.HTTPHandler()
	sched.AddListener(mcpserver.NewMCPNotifier(a.mcp.MCPServer(), sessions, logger))

	return a, nil
}

func (a *app) openStore(ctx context.Context) (store.Store, error) {
	hub := streaming.NewMemoryHub()
	switch a.cfg.Store {
	case storeMemory:
		return store.NewMemoryStore(hub), nil

	case storeNATS:
		nc, err := nats.Connect(a.cfg.NATSURL, nats.Name("deriva"))
		if err != nil {
			return nil, fmt.Errorf("connect nats %s: %w", a.cfg.NATSURL, err)
		}
		a.closers = append(a.closers, func() error { return nc.Drain() })
		js, err := jetstream.New(nc)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("jetstream: %w", err)
		}
		kv, err := store.OpenKVStore(ctx, js, a.cfg.NATSBucket, a.logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append([]func() error{kv.Close}, a.closers...)
		return kv, nil

	default:
		if err := os.MkdirAll(filepath.Dir(a.cfg.DBPath), 0o700); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
		db, err := store.NewLibSQLStore(a.cfg.DBPath, hub)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, db.Close)
		if err := db.Migrate(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		return db, nil
	}
}

// mux builds the HTTP routes for cfg. /mcp is only mounted when mcp_http is on.
func (a *app) mux(cfg Config) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.metrics.Handler())
	mux.HandleFunc("/healthz", a.healthz)
	if cfg.MCPHTTP {
		mux.Handle("/mcp", a.mcpHTTP)
	}
	return mux
}

func (a *app) healthz(w http.ResponseWriter, _ *http.Request) {
	run := a.scheduler.LastRun()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"state":      a.scheduler.State().String(),
		"status":     run.Status,
		"last_run":   run.LastRun,
		"last_error": run.LastError,
	})
}

// Close releases the store and its connections, in order.
func (a *app) Close() {
	for _, c := range a.closers {
		if err := c(); err != nil {
			a.logger.Warn("close failed", slog.String("error", err.Error()))
		}
	}
	a.closers = nil
}
