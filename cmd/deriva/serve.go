package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rendis/deriva/internal/logging"
)

const shutdownTimeout = 5 * time.Second

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	itemsPath := fs.String("items", "", "item list file (overrides items_path)")
	stdio := fs.Bool("stdio", false, "also serve MCP over stdin/stdout")
	logLevel := fs.String("log-level", "", "log level: debug, info, warn, error")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg := loadConfig()
	overrides := func(c Config) Config {
		if *itemsPath != "" {
			c.ItemsPath = *itemsPath
		}
		if *stdio {
			c.MCPStdio = true
		}
		if *logLevel != "" {
			c.LogLevel = *logLevel
		}
		return c
	}
	cfg = overrides(cfg)

	logger, level := setupLogger(cfg.LogLevel, os.Stderr)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	_ = os.MkdirAll(derivaDir(), 0o700)
	if err := os.WriteFile(pidPath(), []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		logger.Warn("cannot write pid file", slog.String("path", pidPath()), slog.String("error", err.Error()))
	} else {
		defer os.Remove(pidPath())
	}

	if err := a.scheduler.Start(ctx); err != nil {
		return err
	}
	defer a.scheduler.Stop()

	swapper := newHandlerSwapper(a.mux(cfg))
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           swapper,
		ReadHeaderTimeout: 10 * time.Second,
	}
	logger.Info("http listening", slog.String("addr", cfg.ListenAddr), slog.Bool("mcp_http", cfg.MCPHTTP))
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", slog.String("error", err.Error()))
			stop()
		}
	}()

	if cfg.MCPStdio {
		go func() {
			if err := a.mcp.Serve(ctx); err != nil && ctx.Err() == nil {
				logger.Warn("mcp stdio stopped", slog.String("error", err.Error()))
			}
			stop()
		}()
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)

		case <-hup:
			next := overrides(loadConfig())
			cfg = reload(cfg, next, level, swapper, a, logger)
		}
	}
}

// reload applies the hot-reloadable parts of next and returns the config now
// in effect. Everything else is logged as needing a restart.
func reload(cur, next Config, level *slog.LevelVar, swapper *handlerSwapper, a *app, logger *slog.Logger) Config {
	d := diffConfigs(cur, next)
	if d.LogLevelChanged {
		level.Set(logging.ParseLevel(next.LogLevel))
		cur.LogLevel = next.LogLevel
		logger.Info("log level changed", slog.String("level", next.LogLevel))
	}
	if d.MCPHTTPChanged {
		cur.MCPHTTP = next.MCPHTTP
		swapper.Swap(a.mux(cur))
		logger.Info("mcp http toggled", slog.Bool("enabled", cur.MCPHTTP))
	}
	if len(d.RestartNeeded) > 0 {
		logger.Warn("configuration changes need a restart", slog.Any("fields", d.RestartNeeded))
	}
	return cur
}
