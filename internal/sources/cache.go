// Package sources holds the last known values of external states and builds
// the immutable per-tick snapshot items are evaluated against.
package sources

import (
	"strings"
	"sync"
	"time"

	"github.com/rendis/deriva/pkg/schema"
)

type entry struct {
	val any
	ts  time.Time
}

// Cache maps external state ids to their last known value. Change
// notifications and snapshot refresh reads write it; previews read it from
// transport goroutines, hence the lock.
type Cache struct {
	namespace string

	mu     sync.RWMutex
	values map[string]entry
}

// NewCache creates a cache that ignores writes under namespace (the process's
// own outputs).
func NewCache(namespace string) *Cache {
	return &Cache{namespace: namespace, values: make(map[string]entry)}
}

// Own reports whether id lies in the process's own namespace.
func (c *Cache) Own(id string) bool {
	return c.namespace != "" && (id == c.namespace || strings.HasPrefix(id, c.namespace+"."))
}

// Apply records a change notification. Notifications for own outputs are
// dropped. It reports whether the cache changed.
func (c *Cache) Apply(change schema.StateChange) bool {
	if change.ID == "" || c.Own(change.ID) {
		return false
	}
	c.Set(change.ID, change.State)
	return true
}

// Set stores a state value. A zero timestamp is replaced with now.
func (c *Cache) Set(id string, st schema.State) {
	ts := st.Ts
	if ts.IsZero() {
		ts = time.Now()
	}
	c.mu.Lock()
	c.values[id] = entry{val: st.Val, ts: ts}
	c.mu.Unlock()
}

// Get returns the cached value and its timestamp.
func (c *Cache) Get(id string) (any, time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.values[id]
	return e.val, e.ts, ok
}

// Lookup implements expressions.SourceReader over the live cache. A stored
// nil counts as undefined.
func (c *Cache) Lookup(id string) (any, bool) {
	v, _, ok := c.Get(id)
	return v, ok && v != nil
}

// Len returns the number of cached ids.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.values)
}

// Snapshot freezes the current values of ids.
func (c *Cache) Snapshot(ids []string) *Snapshot {
	values := make(map[string]any, len(ids))
	c.mu.RLock()
	for _, id := range ids {
		values[id] = c.values[id].val
	}
	c.mu.RUnlock()
	return &Snapshot{values: values}
}

// Snapshot is the immutable view of the declared ids for one tick. Every item
// evaluated in that tick reads the same values.
type Snapshot struct {
	values map[string]any
}

// NewSnapshot builds a snapshot from a map. The map is copied.
func NewSnapshot(values map[string]any) *Snapshot {
	cp := make(map[string]any, len(values))
	for k, v := range values {
		cp[k] = v
	}
	return &Snapshot{values: cp}
}

// Lookup implements expressions.SourceReader. Ids outside the snapshot and
// nil values are undefined.
func (s *Snapshot) Lookup(id string) (any, bool) {
	if s == nil {
		return nil, false
	}
	v, ok := s.values[id]
	return v, ok && v != nil
}

// Len returns the number of ids in the snapshot.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.values)
}
