package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

func runInstall(args []string) {
	cfg := loadConfig()

	fs := flag.NewFlagSet("install", flag.ExitOnError)
	fs.StringVar(&cfg.Namespace, "namespace", cfg.Namespace, "namespace prefix for published states")
	fs.StringVar(&cfg.ItemsPath, "items", cfg.ItemsPath, "item list file")
	fs.IntVar(&cfg.PollIntervalSeconds, "interval", cfg.PollIntervalSeconds, "tick interval in seconds")
	fs.StringVar(&cfg.Cron, "cron", cfg.Cron, "cron spec replacing the interval")
	fs.StringVar(&cfg.Store, "store", cfg.Store, "store backend: libsql, nats, memory")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "libsql database path")
	fs.StringVar(&cfg.NATSURL, "nats-url", cfg.NATSURL, "NATS server URL")
	fs.StringVar(&cfg.ListenAddr, "listen-addr", cfg.ListenAddr, "HTTP listen address")
	fs.BoolVar(&cfg.MCPHTTP, "mcp-http", cfg.MCPHTTP, "serve MCP over HTTP at /mcp")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug, info, warn, error")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	if err := writeSettings(settingsPath(), cfg.normalize()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Config written to %s\n", settingsPath())

	if !signalRunningServer() {
		fmt.Println("Run `deriva serve` to start the server")
	}
}

func writeSettings(path string, cfg Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("cannot create %s: %w", dir, err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("cannot write %s: %w", path, err)
	}
	return nil
}

// signalRunningServer sends SIGHUP to a running deriva server (via pidfile).
// Returns true if the server was signaled.
func signalRunningServer() bool {
	data, err := os.ReadFile(pidPath())
	if err != nil {
		return false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		return false
	}
	if err := proc.Signal(syscall.SIGHUP); err != nil {
		return false
	}
	fmt.Printf("Signaled running server (PID %d) to reload configuration\n", pid)
	return true
}
