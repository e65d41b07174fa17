package api

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/pipewatch/pipewatch/internal/session"
	"github.com/pipewatch/pipewatch/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store *storage.Store
}

// NewMCPServer creates an MCP server exposing the pipeline session
// operations as tools, so agents can trigger pipelines and follow them
// to completion.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"pipewatch",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("pipewatch creates and tracks long-running product pipeline sessions (market research, release prep, and friends)."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("create_session",
			mcp.WithDescription("Start a new pipeline session for a feature. Returns the created session with its initial status."),
			mcp.WithString("feature", mcp.Description("Pipeline feature: "+strings.Join(session.Features(), ", ")), mcp.Required()),
			mcp.WithString("params", mcp.Description("Feature-specific creation parameters as a JSON object")),
		),
		mcpCreateSession(deps),
	)

	s.AddTool(
		mcp.NewTool("list_sessions",
			mcp.WithDescription("List all sessions for a feature, newest first."),
			mcp.WithString("feature", mcp.Description("Pipeline feature"), mcp.Required()),
		),
		mcpListSessions(deps),
	)

	s.AddTool(
		mcp.NewTool("get_session_status",
			mcp.WithDescription("Fetch the lightweight status snapshot for a session: status, progress counters, error message."),
			mcp.WithString("feature", mcp.Description("Pipeline feature"), mcp.Required()),
			mcp.WithString("id", mcp.Description("Session id"), mcp.Required()),
		),
		mcpGetStatus(deps),
	)

	s.AddTool(
		mcp.NewTool("retry_session",
			mcp.WithDescription("Re-invoke the pipeline for a failed session."),
			mcp.WithString("feature", mcp.Description("Pipeline feature"), mcp.Required()),
			mcp.WithString("id", mcp.Description("Session id"), mcp.Required()),
		),
		mcpRetrySession(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"pipeline://features",
			"Pipeline Features",
			mcp.WithResourceDescription("Registered pipeline features and their status graphs"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceFeatures(),
	)

	return s
}

func mcpCreateSession(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		feature, err := req.RequireString("feature")
		if err != nil {
			return mcpError("feature is required"), nil
		}
		if !session.Known(feature) {
			return mcpError(fmt.Sprintf("unknown feature %q; valid: %s", feature, strings.Join(session.Features(), ", "))), nil
		}

		var params json.RawMessage
		if raw := req.GetString("params", ""); raw != "" {
			if !json.Valid([]byte(raw)) {
				return mcpError("params is not valid JSON"), nil
			}
			params = json.RawMessage(raw)
		}

		rec, err := deps.Store.CreateSession(feature, params)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to create session: %v", err)), nil
		}
		return mcpJSON(rec.Session), nil
	}
}

func mcpListSessions(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		feature, err := req.RequireString("feature")
		if err != nil {
			return mcpError("feature is required"), nil
		}
		if !session.Known(feature) {
			return mcpError(fmt.Sprintf("unknown feature %q", feature)), nil
		}

		recs, err := deps.Store.ListSessions(feature)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list sessions: %v", err)), nil
		}

		sessions := make([]session.Session, len(recs))
		for i, rec := range recs {
			sessions[i] = rec.Session
		}
		return mcpJSON(sessions), nil
	}
}

func mcpGetStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		feature, id, errResult := requireFeatureAndID(req)
		if errResult != nil {
			return errResult, nil
		}

		rec, err := deps.Store.GetSession(feature, id)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to fetch session: %v", err)), nil
		}
		return mcpJSON(rec.Snapshot()), nil
	}
}

func mcpRetrySession(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		feature, id, errResult := requireFeatureAndID(req)
		if errResult != nil {
			return errResult, nil
		}

		rec, err := deps.Store.ResetForRetry(feature, id)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to retry session: %v", err)), nil
		}
		return mcpJSON(rec.Session), nil
	}
}

func mcpResourceFeatures() server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		type featureInfo struct {
			Feature  string           `json:"feature"`
			Steps    []session.Status `json:"steps"`
			Terminal []session.Status `json:"terminal"`
		}

		infos := make([]featureInfo, 0, len(session.Features()))
		for _, name := range session.Features() {
			g, _ := session.Lookup(name)
			infos = append(infos, featureInfo{
				Feature:  name,
				Steps:    g.Steps,
				Terminal: []session.Status{session.StatusCompleted, session.StatusFailed},
			})
		}

		b, err := json.Marshal(infos)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal features: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func requireFeatureAndID(req mcp.CallToolRequest) (feature, id string, errResult *mcp.CallToolResult) {
	feature, err := req.RequireString("feature")
	if err != nil {
		return "", "", mcpError("feature is required")
	}
	if !session.Known(feature) {
		return "", "", mcpError(fmt.Sprintf("unknown feature %q", feature))
	}
	id, err = req.RequireString("id")
	if err != nil {
		return "", "", mcpError("id is required")
	}
	return feature, id, nil
}

func mcpJSON(v any) *mcp.CallToolResult {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err))
	}
	return mcpText(string(b))
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
