package items

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/deriva/pkg/schema"
)

func newTestCache(maxIDs int) (*Cache, *bytes.Buffer) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	return NewCache(newTestCompiler(0, logger), maxIDs, logger), &buf
}

func sampleList() []schema.ItemConfig {
	return []schema.ItemConfig{
		{Enabled: true, TargetID: "a", Mode: schema.ModeSource, SourceID: "src.a"},
		{Enabled: false, TargetID: "b", Formula: "s('src.b')"},
		{Enabled: true, TargetID: "c", Formula: "1 +", Inputs: []schema.InputConfig{{Key: "k", SourceID: "src.c"}}},
		{Enabled: true, Group: "g", TargetID: "d", Formula: "k * 2 + s('src.a') + s('src.d')",
			Inputs: []schema.InputConfig{{Key: "k", SourceID: "src.k"}}},
	}
}

func TestCache_RefreshOnlyOnSignatureChange(t *testing.T) {
	c, _ := newTestCache(0)
	ctx := context.Background()
	assert.Equal(t, "", c.Signature())

	res, changed := c.Refresh(ctx, sampleList())
	require.True(t, changed)
	assert.Equal(t, Signature(sampleList()), res.Signature)
	assert.Equal(t, res.Signature, c.Signature())
	assert.Equal(t, 1, res.CompileErrors)

	_, changed = c.Refresh(ctx, sampleList())
	assert.False(t, changed)

	renamed := sampleList()
	renamed[0].Name = "Only a label"
	_, changed = c.Refresh(ctx, renamed)
	assert.False(t, changed)

	edited := sampleList()
	edited[2].Formula = "1 + 1"
	res, changed = c.Refresh(ctx, edited)
	require.True(t, changed)
	assert.Equal(t, 0, res.CompileErrors)
}

func TestCache_EmptyListStillBuilds(t *testing.T) {
	c, _ := newTestCache(0)

	_, changed := c.Refresh(context.Background(), nil)
	assert.True(t, changed)
	_, changed = c.Refresh(context.Background(), nil)
	assert.False(t, changed)
	assert.Empty(t, c.Items())
}

func TestCache_SourceIDsFromEnabledCompiledItems(t *testing.T) {
	c, _ := newTestCache(0)

	res, _ := c.Refresh(context.Background(), sampleList())
	assert.Equal(t, []string{"src.a", "src.k", "src.d"}, res.SourceIDs)
	assert.Equal(t, res.SourceIDs, c.SourceIDs())
	assert.Zero(t, res.Truncated)
}

func TestCache_SourceIDCap(t *testing.T) {
	c, buf := newTestCache(2)

	res, _ := c.Refresh(context.Background(), sampleList())
	assert.Equal(t, []string{"src.a", "src.k"}, res.SourceIDs)
	assert.Equal(t, 1, res.Truncated)
	assert.Contains(t, buf.String(), "too many source states")
}

func TestCache_ItemsAndLookup(t *testing.T) {
	c, buf := newTestCache(0)
	c.Refresh(context.Background(), sampleList())

	all := c.Items()
	require.Len(t, all, 4)
	for i, ci := range all {
		assert.Equal(t, i, ci.Index)
	}

	enabled := c.Enabled()
	require.Len(t, enabled, 3)
	assert.Equal(t, []string{"a", "c", "g.d"}, []string{enabled[0].OutputID, enabled[1].OutputID, enabled[2].OutputID})

	ci, ok := c.Lookup("g.d")
	require.True(t, ok)
	assert.True(t, ci.OK)
	assert.Equal(t, "k * 2 + s('src.a') + s('src.d')", ci.Normalized())

	ci, ok = c.Lookup("c")
	require.True(t, ok)
	assert.False(t, ci.OK)
	assert.True(t, strings.Contains(buf.String(), "item failed to compile"))

	_, ok = c.Lookup("nope")
	assert.False(t, ok)

	configured, enabledCount := c.Counts()
	assert.Equal(t, 4, configured)
	assert.Equal(t, 3, enabledCount)
}

func TestCache_DuplicateOutputs(t *testing.T) {
	c, buf := newTestCache(0)
	_, changed := c.Refresh(context.Background(), []schema.ItemConfig{
		{Enabled: false, Group: "g", TargetID: "a", Formula: "0"},
		{Enabled: true, Group: "g", TargetID: "a", Formula: "1"},
		{Enabled: true, Group: " g ", TargetID: "a", Formula: "2"},
		{Enabled: false, Group: "g", TargetID: "a", Formula: "3"},
	})
	require.True(t, changed)

	// every enabled duplicate still runs, in list order
	enabled := c.Enabled()
	require.Len(t, enabled, 2)
	assert.Equal(t, 1, enabled[0].Index)
	assert.Equal(t, 2, enabled[1].Index)

	ci, ok := c.Lookup("g.a")
	require.True(t, ok)
	assert.Equal(t, 2, ci.Index)
	assert.Contains(t, buf.String(), "enabled items share an output")
}

func TestCache_ItemsReturnsCopy(t *testing.T) {
	c, _ := newTestCache(0)
	c.Refresh(context.Background(), sampleList())

	items := c.Items()
	items[0].OutputID = "mutated"
	assert.Equal(t, "a", c.Items()[0].OutputID)
}

func TestCache_RebuildForgetsStalePrograms(t *testing.T) {
	c, _ := newTestCache(0)
	ctx := context.Background()
	engine := c.compiler.Engine()

	c.Refresh(ctx, []schema.ItemConfig{{Enabled: true, TargetID: "x", Formula: "1 + 2"}})
	first, ok := c.Lookup("x")
	require.True(t, ok)

	c.Refresh(ctx, []schema.ItemConfig{{Enabled: true, TargetID: "x", Formula: "1 + 3"}})
	prg, err := engine.Compile("1 + 2")
	require.NoError(t, err)
	assert.NotSame(t, first.Program, prg)
}
