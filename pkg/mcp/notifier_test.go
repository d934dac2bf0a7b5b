package mcp

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/deriva/internal/scheduler"
	"github.com/rendis/deriva/pkg/schema"
)

var _ scheduler.RunListener = (*MCPNotifier)(nil)

func TestNotifyUnknownClientIsNoop(t *testing.T) {
	s := NewDerivaServer(DerivaServerDeps{Logger: discardLogger()})
	n := NewMCPNotifier(s.MCPServer(), s.Sessions(), discardLogger())

	assert.NoError(t, n.Notify(context.Background(), "nobody", map[string]any{"x": 1}))
}

func TestNotifyExpiredSessionIsDropped(t *testing.T) {
	s := NewDerivaServer(DerivaServerDeps{Logger: discardLogger()})
	n := NewMCPNotifier(s.MCPServer(), s.Sessions(), discardLogger())
	s.Sessions().Register("client-1", "gone")

	assert.NoError(t, n.Notify(context.Background(), "client-1", map[string]any{"x": 1}))
	_, ok := s.Sessions().SessionFor("client-1")
	assert.False(t, ok)
}

func TestRunFinishedBroadcasts(t *testing.T) {
	s := NewDerivaServer(DerivaServerDeps{Logger: discardLogger()})
	n := NewMCPNotifier(s.MCPServer(), s.Sessions(), discardLogger())

	first, second := newFakeSession("session-1"), newFakeSession("session-2")
	require.NoError(t, s.MCPServer().RegisterSession(context.Background(), first))
	require.NoError(t, s.MCPServer().RegisterSession(context.Background(), second))
	s.Sessions().Register("client-1", "session-1")
	s.Sessions().Register("client-2", "session-2")

	n.RunFinished(context.Background(), schema.RunDiagnostics{TickID: "tick-1", Status: schema.StatusOK, Failed: 1})

	for _, session := range []*fakeSession{first, second} {
		select {
		case note := <-session.notifications:
			assert.Equal(t, "notifications/message", note.Method)
			assert.Equal(t, "warning", note.Params.AdditionalFields["level"])
			run, ok := note.Params.AdditionalFields["data"].(schema.RunDiagnostics)
			require.True(t, ok)
			assert.Equal(t, "tick-1", run.TickID)
		default:
			t.Fatalf("session %s received no notification", session.id)
		}
	}
}
