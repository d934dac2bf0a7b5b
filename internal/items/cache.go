package items

import (
	"context"
	"log/slog"
	"sync"

	"github.com/rendis/deriva/internal/logging"
	"github.com/rendis/deriva/pkg/schema"
)

// DefaultMaxSourceIDs caps the declared source-id union across all items.
const DefaultMaxSourceIDs = 500

// Cache owns the compiled items. The scheduler refreshes it once per tick;
// other goroutines (status, preview) only read.
type Cache struct {
	compiler     *Compiler
	maxSourceIDs int
	logger       *slog.Logger

	mu        sync.RWMutex
	built     bool
	signature string
	items     []CompiledItem
	byOutput  map[string]int
	sourceIDs []string
}

// NewCache creates an empty cache. maxSourceIDs <= 0 uses the default.
func NewCache(compiler *Compiler, maxSourceIDs int, logger *slog.Logger) *Cache {
	if maxSourceIDs <= 0 {
		maxSourceIDs = DefaultMaxSourceIDs
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		compiler:     compiler,
		maxSourceIDs: maxSourceIDs,
		logger:       logger,
		byOutput:     make(map[string]int),
	}
}

// RefreshResult describes a rebuild.
type RefreshResult struct {
	Signature     string
	CompileErrors int
	SourceIDs     []string
	Truncated     int
}

// Refresh recompiles the list when its signature differs from the cached one.
// It reports whether a rebuild happened.
func (c *Cache) Refresh(ctx context.Context, list []schema.ItemConfig) (RefreshResult, bool) {
	sig := Signature(list)

	c.mu.RLock()
	unchanged := c.built && sig == c.signature
	c.mu.RUnlock()
	if unchanged {
		return RefreshResult{}, false
	}

	compiled := make([]CompiledItem, len(list))
	byOutput := make(map[string]int, len(list))
	keep := make(map[string]struct{})
	res := RefreshResult{Signature: sig}

	for i, item := range list {
		ci := c.compiler.Compile(ctx, i, item)
		compiled[i] = ci
		if !ci.OK {
			res.CompileErrors++
			logging.LogWith(ctx, c.logger).Warn("item failed to compile",
				slog.Int("index", i),
				slog.String("output_id", ci.OutputID),
				slog.String("error", ci.Err.Error()))
		}
		if ci.OutputID != "" {
			prev, dup := byOutput[ci.OutputID]
			if dup && item.Enabled && compiled[prev].Enabled() {
				logging.LogWith(ctx, c.logger).Warn("enabled items share an output; the later one is published last",
					slog.String("output_id", ci.OutputID),
					slog.Int("index", prev),
					slog.Int("later_index", i))
			}
			if !dup || item.Enabled {
				byOutput[ci.OutputID] = i
			}
		}
		if n := ci.Normalized(); n != "" {
			keep[n] = struct{}{}
		}
	}

	res.SourceIDs, res.Truncated = c.unionSourceIDs(compiled)
	if res.Truncated > 0 {
		logging.LogWith(ctx, c.logger).Warn("too many source states; extra ids are not subscribed",
			slog.Int("max", c.maxSourceIDs), slog.Int("dropped", res.Truncated))
	}

	c.mu.Lock()
	c.built = true
	c.signature = sig
	c.items = compiled
	c.byOutput = byOutput
	c.sourceIDs = res.SourceIDs
	c.mu.Unlock()

	c.compiler.Engine().Forget(keep)
	return res, true
}

// unionSourceIDs collects the ids of enabled, compiled items in first-seen
// order, capped at maxSourceIDs.
func (c *Cache) unionSourceIDs(compiled []CompiledItem) ([]string, int) {
	seen := make(map[string]struct{})
	var ids []string
	dropped := 0
	for _, ci := range compiled {
		if !ci.OK || !ci.Enabled() {
			continue
		}
		for _, id := range ci.SourceIDs {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			if len(ids) >= c.maxSourceIDs {
				dropped++
				continue
			}
			ids = append(ids, id)
		}
	}
	return ids, dropped
}

// Signature returns the signature of the compiled list ("" before the first
// Refresh).
func (c *Cache) Signature() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.signature
}

// Items returns all compiled items in configured order.
func (c *Cache) Items() []CompiledItem {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]CompiledItem, len(c.items))
	copy(out, c.items)
	return out
}

// Enabled returns the enabled items in configured order, compiled or not.
func (c *Cache) Enabled() []CompiledItem {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []CompiledItem
	for _, ci := range c.items {
		if ci.Enabled() {
			out = append(out, ci)
		}
	}
	return out
}

// SourceIDs returns the declared source-id union.
func (c *Cache) SourceIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, len(c.sourceIDs))
	copy(out, c.sourceIDs)
	return out
}

// Lookup returns the compiled item publishing to outputID.
func (c *Cache) Lookup(outputID string) (CompiledItem, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	i, ok := c.byOutput[outputID]
	if !ok {
		return CompiledItem{}, false
	}
	return c.items[i], true
}

// Counts returns the number of configured and enabled items.
func (c *Cache) Counts() (configured, enabled int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, ci := range c.items {
		if ci.Enabled() {
			enabled++
		}
	}
	return len(c.items), enabled
}
