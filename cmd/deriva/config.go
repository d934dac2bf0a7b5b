package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rendis/deriva/internal/expressions"
	"github.com/rendis/deriva/internal/items"
	"github.com/rendis/deriva/internal/scheduler"
	"github.com/rendis/deriva/internal/sources"
)

// Config holds all deriva server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	Namespace           string  `json:"namespace"`
	ItemsPath           string  `json:"items_path"`
	PollIntervalSeconds int     `json:"poll_interval_seconds"`
	Cron                string  `json:"cron"`
	BudgetRatio         float64 `json:"budget_ratio"`
	RetryThreshold      int     `json:"retry_threshold"`
	MaxNodes            int     `json:"max_nodes"`
	MaxDepth            int     `json:"max_depth"`
	MaxFormulaLength    int     `json:"max_formula_length"`
	MaxDiscoveredIDs    int     `json:"max_discovered_ids"`
	MaxSourceIDs        int     `json:"max_source_ids"`
	SnapshotInputs      bool    `json:"snapshot_inputs"`
	SnapshotDelayMs     int     `json:"snapshot_delay_ms"`
	Store               string  `json:"store"`
	DBPath              string  `json:"db_path"`
	NATSURL             string  `json:"nats_url"`
	NATSBucket          string  `json:"nats_bucket"`
	ListenAddr          string  `json:"listen_addr"`
	MCPHTTP             bool    `json:"mcp_http"`
	MCPStdio            bool    `json:"mcp_stdio"`
	LogLevel            string  `json:"log_level"`
}

// Store backends.
const (
	storeLibSQL = "libsql"
	storeNATS   = "nats"
	storeMemory = "memory"
)

func defaultConfig() Config {
	return Config{
		Namespace:           "deriva.0",
		ItemsPath:           filepath.Join(derivaDir(), "items.json"),
		PollIntervalSeconds: int(scheduler.DefaultInterval.Seconds()),
		BudgetRatio:         scheduler.DefaultBudgetRatio,
		RetryThreshold:      scheduler.DefaultRetryThreshold,
		MaxNodes:            expressions.DefaultMaxNodes,
		MaxDepth:            expressions.DefaultMaxDepth,
		MaxFormulaLength:    expressions.DefaultMaxFormulaLength,
		MaxDiscoveredIDs:    items.DefaultMaxDiscoveredIDs,
		MaxSourceIDs:        items.DefaultMaxSourceIDs,
		Store:               storeLibSQL,
		DBPath:              filepath.Join(derivaDir(), "deriva.db"),
		NATSURL:             "nats://localhost:4222",
		NATSBucket:          "deriva",
		ListenAddr:          ":4200",
		MCPHTTP:             true,
		LogLevel:            "info",
	}
}

func derivaDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".deriva"
	}
	return filepath.Join(home, ".deriva")
}

func settingsPath() string {
	return filepath.Join(derivaDir(), "settings.json")
}

func loadConfig() Config {
	return loadConfigFrom(settingsPath(), os.Getenv)
}

// loadConfigFrom layers the settings file at path and the environment read
// through getenv over the defaults.
func loadConfigFrom(path string, getenv func(string) string) Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(path); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	envString := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	envBool := func(key string, dst *bool) {
		if v := getenv(key); v != "" {
			*dst = v == "true" || v == "1"
		}
	}

	envString("DERIVA_NAMESPACE", &cfg.Namespace)
	envString("DERIVA_ITEMS_PATH", &cfg.ItemsPath)
	envInt("DERIVA_POLL_INTERVAL_SECONDS", &cfg.PollIntervalSeconds)
	envString("DERIVA_CRON", &cfg.Cron)
	if v := getenv("DERIVA_BUDGET_RATIO"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.BudgetRatio = f
		}
	}
	envInt("DERIVA_RETRY_THRESHOLD", &cfg.RetryThreshold)
	envInt("DERIVA_MAX_NODES", &cfg.MaxNodes)
	envInt("DERIVA_MAX_DEPTH", &cfg.MaxDepth)
	envInt("DERIVA_MAX_FORMULA_LENGTH", &cfg.MaxFormulaLength)
	envInt("DERIVA_MAX_DISCOVERED_IDS", &cfg.MaxDiscoveredIDs)
	envInt("DERIVA_MAX_SOURCE_IDS", &cfg.MaxSourceIDs)
	envBool("DERIVA_SNAPSHOT_INPUTS", &cfg.SnapshotInputs)
	envInt("DERIVA_SNAPSHOT_DELAY_MS", &cfg.SnapshotDelayMs)
	envString("DERIVA_STORE", &cfg.Store)
	envString("DERIVA_DB_PATH", &cfg.DBPath)
	envString("DERIVA_NATS_URL", &cfg.NATSURL)
	envString("DERIVA_NATS_BUCKET", &cfg.NATSBucket)
	envString("DERIVA_LISTEN_ADDR", &cfg.ListenAddr)
	envBool("DERIVA_MCP_HTTP", &cfg.MCPHTTP)
	envBool("DERIVA_MCP_STDIO", &cfg.MCPStdio)
	envString("DERIVA_LOG_LEVEL", &cfg.LogLevel)

	return cfg.normalize()
}

// normalize replaces out-of-range values with their defaults.
func (c Config) normalize() Config {
	def := defaultConfig()
	c.Namespace = strings.Trim(strings.TrimSpace(c.Namespace), ".")
	if c.Namespace == "" {
		c.Namespace = def.Namespace
	}
	if c.PollIntervalSeconds <= 0 {
		c.PollIntervalSeconds = def.PollIntervalSeconds
	}
	if c.BudgetRatio <= 0 || c.BudgetRatio > 1 {
		c.BudgetRatio = def.BudgetRatio
	}
	if c.RetryThreshold <= 0 {
		c.RetryThreshold = def.RetryThreshold
	}
	if c.MaxNodes <= 0 {
		c.MaxNodes = def.MaxNodes
	}
	if c.MaxDepth <= 0 {
		c.MaxDepth = def.MaxDepth
	}
	if c.MaxFormulaLength <= 0 {
		c.MaxFormulaLength = def.MaxFormulaLength
	}
	if c.MaxDiscoveredIDs <= 0 {
		c.MaxDiscoveredIDs = def.MaxDiscoveredIDs
	}
	if c.MaxSourceIDs <= 0 {
		c.MaxSourceIDs = def.MaxSourceIDs
	}
	maxDelay := int(sources.MaxRefreshDelay.Milliseconds())
	if c.SnapshotDelayMs < 0 {
		c.SnapshotDelayMs = 0
	}
	if c.SnapshotDelayMs > maxDelay {
		c.SnapshotDelayMs = maxDelay
	}
	switch c.Store {
	case storeLibSQL, storeNATS, storeMemory:
	default:
		c.Store = def.Store
	}
	if c.NATSBucket == "" {
		c.NATSBucket = def.NATSBucket
	}
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
	return c
}

// configDiff describes what changed between two configurations.
type configDiff struct {
	LogLevelChanged bool
	MCPHTTPChanged  bool
	RestartNeeded   []string // fields that require a server restart
}

func diffConfigs(old, new Config) configDiff {
	var d configDiff
	if old.LogLevel != new.LogLevel {
		d.LogLevelChanged = true
	}
	if old.MCPHTTP != new.MCPHTTP {
		d.MCPHTTPChanged = true
	}
	restart := []struct {
		name    string
		changed bool
	}{
		{"namespace", old.Namespace != new.Namespace},
		{"items_path", old.ItemsPath != new.ItemsPath},
		{"poll_interval_seconds", old.PollIntervalSeconds != new.PollIntervalSeconds},
		{"cron", old.Cron != new.Cron},
		{"budget_ratio", old.BudgetRatio != new.BudgetRatio},
		{"retry_threshold", old.RetryThreshold != new.RetryThreshold},
		{"max_nodes", old.MaxNodes != new.MaxNodes},
		{"max_depth", old.MaxDepth != new.MaxDepth},
		{"max_formula_length", old.MaxFormulaLength != new.MaxFormulaLength},
		{"max_discovered_ids", old.MaxDiscoveredIDs != new.MaxDiscoveredIDs},
		{"max_source_ids", old.MaxSourceIDs != new.MaxSourceIDs},
		{"snapshot_inputs", old.SnapshotInputs != new.SnapshotInputs},
		{"snapshot_delay_ms", old.SnapshotDelayMs != new.SnapshotDelayMs},
		{"store", old.Store != new.Store},
		{"db_path", old.DBPath != new.DBPath},
		{"nats_url", old.NATSURL != new.NATSURL},
		{"nats_bucket", old.NATSBucket != new.NATSBucket},
		{"listen_addr", old.ListenAddr != new.ListenAddr},
		{"mcp_stdio", old.MCPStdio != new.MCPStdio},
	}
	for _, r := range restart {
		if r.changed {
			d.RestartNeeded = append(d.RestartNeeded, r.name)
		}
	}
	return d
}

func pidPath() string {
	return filepath.Join(derivaDir(), "deriva.pid")
}
