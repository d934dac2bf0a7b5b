package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/deriva/internal/items"
	"github.com/rendis/deriva/internal/preview"
	"github.com/rendis/deriva/internal/store"
	"github.com/rendis/deriva/pkg/schema"
)

// handlePreview evaluates a formula. Evaluation failures are part of the
// result ({ok:false, error}), not tool errors.
func (s *DerivaServer) handlePreview(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.preview == nil {
		return mcp.NewToolResultError("preview is not available"), nil
	}
	expr, err := req.RequireString("expr")
	if err != nil {
		return mcp.NewToolResultError("expr is required"), nil
	}
	vars := mcp.ParseStringMap(req, "vars", nil)

	return marshalResult(s.preview.Preview(ctx, preview.Request{Expr: expr, Vars: vars}))
}

// statusResult is the deriva.status payload.
type statusResult struct {
	State   string                   `json:"state"`
	LastRun schema.RunDiagnostics    `json:"last_run"`
	Items   []schema.ItemDiagnostics `json:"items"`
}

// handleStatus reports the scheduler state, the last run and item diagnostics.
func (s *DerivaServer) handleStatus(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.scheduler == nil {
		return mcp.NewToolResultError("scheduler is not running"), nil
	}
	outputID := req.GetString("output_id", "")

	diags := s.scheduler.ItemDiagnostics()
	if outputID != "" {
		filtered := diags[:0]
		for _, d := range diags {
			if d.OutputID == outputID {
				filtered = append(filtered, d)
			}
		}
		if len(filtered) == 0 {
			return mcp.NewToolResultError(fmt.Sprintf("no diagnostics for output %q", outputID)), nil
		}
		diags = filtered
	}

	return marshalResult(statusResult{
		State:   s.scheduler.State().String(),
		LastRun: s.scheduler.LastRun(),
		Items:   diags,
	})
}

// itemEntry is one deriva.items row.
type itemEntry struct {
	Index      int               `json:"index"`
	Title      string            `json:"title"`
	OutputID   string            `json:"output_id,omitempty"`
	Enabled    bool              `json:"enabled"`
	Mode       schema.Mode       `json:"mode"`
	Type       schema.OutputType `json:"type"`
	OK         bool              `json:"ok"`
	Error      string            `json:"error,omitempty"`
	Normalized string            `json:"normalized,omitempty"`
	SourceIDs  []string          `json:"source_ids,omitempty"`
}

// handleItems lists the compiled items in configuration order.
func (s *DerivaServer) handleItems(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.scheduler == nil || s.scheduler.Items() == nil {
		return mcp.NewToolResultError("scheduler is not running"), nil
	}
	enabledOnly := req.GetBool("enabled_only", false)
	errorsOnly := req.GetBool("errors_only", false)

	entries := make([]itemEntry, 0)
	for _, ci := range s.scheduler.Items().Items() {
		if enabledOnly && !ci.Enabled() {
			continue
		}
		if errorsOnly && ci.OK {
			continue
		}
		e := itemEntry{
			Index:      ci.Index,
			Title:      items.Title(ci.Item),
			OutputID:   ci.OutputID,
			Enabled:    ci.Enabled(),
			Mode:       ci.Item.EffectiveMode(),
			Type:       ci.Item.EffectiveType(),
			OK:         ci.OK,
			Normalized: ci.Normalized(),
			SourceIDs:  ci.SourceIDs,
		}
		if ci.Err != nil {
			e.Error = ci.Err.Error()
		}
		entries = append(entries, e)
	}
	return marshalResult(entries)
}

// handleRuns returns recent tick runs, newest first.
func (s *DerivaServer) handleRuns(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.runs == nil {
		return mcp.NewToolResultError("run history is not available"), nil
	}
	filter := mcp.ParseStringMap(req, "filter", nil)

	rf := store.RunFilter{Limit: extractInt(filter, "limit", 50)}
	if status, ok := filter["status"].(string); ok {
		rf.Status = status
	}
	if since, ok := filter["since"].(string); ok && since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid since timestamp: %v", err)), nil
		}
		rf.Since = &t
	}

	runs, err := s.runs.RecentRuns(ctx, rf)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to query runs: %v", err)), nil
	}
	if runs == nil {
		runs = []*store.RunRecord{}
	}
	return marshalResult(runs)
}

// handleWatch registers (or removes) the calling session for tick notifications.
func (s *DerivaServer) handleWatch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	clientID, err := req.RequireString("client_id")
	if err != nil {
		return mcp.NewToolResultError("client_id is required"), nil
	}

	if req.GetBool("stop", false) {
		s.sessions.Unregister(clientID)
		return marshalResult(map[string]any{"ok": true, "client_id": clientID, "watching": false})
	}

	session := server.ClientSessionFromContext(ctx)
	if session == nil {
		return mcp.NewToolResultError("watch requires a session-capable transport"), nil
	}
	s.sessions.Register(clientID, session.SessionID())
	return marshalResult(map[string]any{"ok": true, "client_id": clientID, "watching": true})
}

// extractInt reads an integer filter value given as number or string.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
