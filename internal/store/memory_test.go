package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/deriva/internal/streaming"
	"github.com/rendis/deriva/pkg/schema"
)

func TestMemoryStoreStates(t *testing.T) {
	m := NewMemoryStore(nil)
	ctx := context.Background()

	st, err := m.GetState(ctx, "a")
	require.NoError(t, err)
	assert.Nil(t, st)

	require.NoError(t, m.SetState(ctx, "a", schema.State{Val: 3.0}))
	st, err = m.GetState(ctx, "a")
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, 3.0, st.Val)
	assert.False(t, st.Ts.IsZero())

	st.Val = 9.0
	again, _ := m.GetState(ctx, "a")
	assert.Equal(t, 3.0, again.Val)

	assert.Len(t, m.States(), 1)
}

func TestMemoryStoreSharedHub(t *testing.T) {
	hub := streaming.NewMemoryHub()
	m := NewMemoryStore(hub)
	ctx := context.Background()

	ch, cancel, err := m.Subscribe(ctx, []string{"x"})
	require.NoError(t, err)
	defer cancel()
	assert.Equal(t, 1, hub.Subscribers())

	require.NoError(t, m.SetState(ctx, "y", schema.State{Val: 1.0}))
	require.NoError(t, m.SetState(ctx, "x", schema.State{Val: 2.0}))

	select {
	case change := <-ch:
		assert.Equal(t, "x", change.ID)
	case <-time.After(time.Second):
		t.Fatal("no change delivered")
	}
}

func TestMemoryStoreObjects(t *testing.T) {
	m := NewMemoryStore(nil)
	ctx := context.Background()

	_, err := m.GetObject(ctx, "c")
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))

	require.NoError(t, m.EnsureObject(ctx, schema.ObjectSpec{ID: "c", Type: schema.ObjectChannel, Name: "first"}))
	require.NoError(t, m.EnsureObject(ctx, schema.ObjectSpec{ID: "c", Type: schema.ObjectChannel, Name: "second"}))
	got, err := m.GetObject(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, "first", got.Name)

	require.NoError(t, m.EnsureObject(ctx, schema.ObjectSpec{ID: "c.s", Type: schema.ObjectState, Name: "first"}))
	require.NoError(t, m.EnsureObject(ctx, schema.ObjectSpec{ID: "c.s", Type: schema.ObjectState, Name: "second"}))
	got, err = m.GetObject(ctx, "c.s")
	require.NoError(t, err)
	assert.Equal(t, "second", got.Name)

	objs, err := m.ListObjects(ctx, "c")
	require.NoError(t, err)
	require.Len(t, objs, 2)
	assert.Equal(t, "c", objs[0].ID)
	assert.Equal(t, "c.s", objs[1].ID)

	assert.Error(t, m.EnsureObject(ctx, schema.ObjectSpec{ID: "", Type: schema.ObjectState}))
}

func TestMemoryStoreRuns(t *testing.T) {
	m := NewMemoryStore(nil)
	m.retention = 3
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		status := schema.StatusOK
		if i == 4 {
			status = schema.StatusNoItemsEnabled
		}
		require.NoError(t, m.AppendRun(ctx, testRun(i, status)))
	}

	runs, err := m.RecentRuns(ctx, RunFilter{})
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, int64(5), runs[0].Sequence)
	assert.Equal(t, "tick-3", runs[2].TickID)

	runs, err = m.RecentRuns(ctx, RunFilter{Status: schema.StatusNoItemsEnabled})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "tick-4", runs[0].TickID)

	runs, err = m.RecentRuns(ctx, RunFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "tick-5", runs[0].TickID)
}

func TestMemoryStoreImplementsInterfaces(t *testing.T) {
	var _ Store = (*MemoryStore)(nil)
	var _ RunRecorder = (*MemoryStore)(nil)
	var _ Store = (*KVStore)(nil)
}
