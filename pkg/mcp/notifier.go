package mcp

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/deriva/pkg/schema"
)

// ClientNotifier pushes notifications to watching clients.
type ClientNotifier interface {
	Notify(ctx context.Context, clientID string, payload map[string]any) error
}

// MCPNotifier implements ClientNotifier using MCP server push.
type MCPNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
	logger    *slog.Logger
}

// NewMCPNotifier creates a notifier that pushes through the MCP server.
func NewMCPNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry, logger *slog.Logger) *MCPNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &MCPNotifier{mcpServer: mcpServer, sessions: sessions, logger: logger}
}

// Notify sends a notification to the client's session.
// Best-effort: returns nil if the client is not connected.
func (n *MCPNotifier) Notify(_ context.Context, clientID string, payload map[string]any) error {
	sessionID, ok := n.sessions.SessionFor(clientID)
	if !ok {
		return nil // client not watching, best-effort
	}
	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		// Session expired between lookup and send, not an error.
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}

// RunFinished broadcasts a tick summary to every watching client.
func (n *MCPNotifier) RunFinished(ctx context.Context, run schema.RunDiagnostics) {
	level := "info"
	if run.LastError != "" || run.Failed > 0 {
		level = "warning"
	}
	payload := map[string]any{
		"level":  level,
		"logger": "deriva",
		"data":   run,
	}
	for _, clientID := range n.sessions.Clients() {
		if err := n.Notify(ctx, clientID, payload); err != nil {
			n.logger.WarnContext(ctx, "cannot notify watching client",
				slog.String("client_id", clientID), slog.String("error", err.Error()))
		}
	}
}
