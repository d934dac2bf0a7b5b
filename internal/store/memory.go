package store

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/rendis/deriva/internal/streaming"
	"github.com/rendis/deriva/pkg/schema"
)

// MemoryStore keeps states, objects and run history in process memory.
type MemoryStore struct {
	hub       streaming.Hub
	retention int

	mu      sync.RWMutex
	states  map[string]schema.State
	objects map[string]schema.ObjectSpec
	runs    []*RunRecord
	seq     int64
}

// NewMemoryStore returns an empty store publishing to hub (a private
// MemoryHub when nil).
func NewMemoryStore(hub streaming.Hub) *MemoryStore {
	if hub == nil {
		hub = streaming.NewMemoryHub()
	}
	return &MemoryStore{
		hub:       hub,
		retention: DefaultRunRetention,
		states:    make(map[string]schema.State),
		objects:   make(map[string]schema.ObjectSpec),
	}
}

func (m *MemoryStore) GetState(_ context.Context, id string) (*schema.State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.states[id]
	if !ok {
		return nil, nil
	}
	return &st, nil
}

func (m *MemoryStore) SetState(ctx context.Context, id string, st schema.State) error {
	st.Ts = timeOrNow(st.Ts)
	m.mu.Lock()
	m.states[id] = st
	m.mu.Unlock()
	return m.hub.Publish(ctx, schema.StateChange{ID: id, State: st})
}

func (m *MemoryStore) Subscribe(ctx context.Context, ids []string) (<-chan schema.StateChange, func(), error) {
	return m.hub.Subscribe(ctx, streaming.ChangeFilter{IDs: ids})
}

func (m *MemoryStore) GetObject(_ context.Context, id string) (*schema.ObjectSpec, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[id]
	if !ok {
		return nil, storeNotFound("object", id)
	}
	return &obj, nil
}

func (m *MemoryStore) EnsureObject(_ context.Context, spec schema.ObjectSpec) error {
	if err := validObject(spec); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[spec.ID]; ok && spec.Type == schema.ObjectChannel {
		return nil
	}
	m.objects[spec.ID] = spec
	return nil
}

// ListObjects returns objects whose id starts with prefix, ordered by id.
func (m *MemoryStore) ListObjects(_ context.Context, prefix string) ([]*schema.ObjectSpec, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*schema.ObjectSpec
	for id, obj := range m.objects {
		if strings.HasPrefix(id, prefix) {
			obj := obj
			out = append(out, &obj)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// States returns a copy of every stored state.
func (m *MemoryStore) States() map[string]schema.State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]schema.State, len(m.states))
	for k, v := range m.states {
		out[k] = v
	}
	return out
}

func (m *MemoryStore) AppendRun(_ context.Context, run schema.RunDiagnostics) error {
	run.LastRun = timeOrNow(run.LastRun)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	m.runs = append(m.runs, &RunRecord{Sequence: m.seq, RunDiagnostics: run})
	if over := len(m.runs) - m.retention; over > 0 {
		m.runs = append([]*RunRecord(nil), m.runs[over:]...)
	}
	return nil
}

func (m *MemoryStore) RecentRuns(_ context.Context, filter RunFilter) ([]*RunRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	limit := filter.limit()
	var out []*RunRecord
	for i := len(m.runs) - 1; i >= 0 && len(out) < limit; i-- {
		r := m.runs[i]
		if !filter.matches(r) {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }
