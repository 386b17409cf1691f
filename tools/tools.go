// Package tools exposes the broker's platform operations as an MCP tool
// catalog. Tool handlers never see stored credentials: each call pulls a
// currently valid access token from the vault, which refreshes expired
// credentials transparently.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/workmesh/credbroker/identity"
	"github.com/workmesh/credbroker/platforms"
	"github.com/workmesh/credbroker/vault"
)

// Catalog wires broker-backed tool handlers into an MCP server.
type Catalog struct {
	vault    *vault.Vault
	registry *platforms.Registry
	logger   *slog.Logger
}

// New creates a tool catalog over the vault and platform registry.
func New(v *vault.Vault, registry *platforms.Registry, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{vault: v, registry: registry, logger: logger}
}

// Server builds an MCP server carrying the full tool catalog.
func (c *Catalog) Server(name, version string) *mcpserver.MCPServer {
	srv := mcpserver.NewMCPServer(name, version)
	c.Register(srv)
	return srv
}

// Register adds the catalog's tools to an existing MCP server.
func (c *Catalog) Register(srv *mcpserver.MCPServer) {
	srv.AddTool(mcp.NewTool("list_connections",
		mcp.WithDescription("List the platforms connected for the current session"),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description("Opaque assistant session identifier"),
		),
	), c.handleListConnections)

	srv.AddTool(mcp.NewTool("create_meeting",
		mcp.WithDescription("Schedule a meeting on the connected video-meeting platform"),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description("Opaque assistant session identifier"),
		),
		mcp.WithString("topic",
			mcp.Required(),
			mcp.Description("Meeting topic"),
		),
		mcp.WithString("start_time",
			mcp.Description("Start time, RFC 3339 (optional)"),
		),
	), c.handleCreateMeeting)

	srv.AddTool(mcp.NewTool("list_meetings",
		mcp.WithDescription("List upcoming meetings on the connected video-meeting platform"),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description("Opaque assistant session identifier"),
		),
	), c.handleListMeetings)

	srv.AddTool(mcp.NewTool("create_task",
		mcp.WithDescription("Create a task on the connected task-tracking platform"),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description("Opaque assistant session identifier"),
		),
		mcp.WithString("name",
			mcp.Required(),
			mcp.Description("Task name"),
		),
		mcp.WithString("notes",
			mcp.Description("Task notes (optional)"),
		),
	), c.handleCreateTask)

	srv.AddTool(mcp.NewTool("list_tasks",
		mcp.WithDescription("List open tasks on the connected task-tracking platform"),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description("Opaque assistant session identifier"),
		),
	), c.handleListTasks)
}

func (c *Catalog) handleListConnections(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID, errResult := userFromRequest(request)
	if errResult != nil {
		return errResult, nil
	}

	conns, err := c.vault.ListActive(ctx, userID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list connections: %v", err)), nil
	}

	type view struct {
		Platform     string `json:"platform"`
		Category     string `json:"category"`
		AccountEmail string `json:"account_email,omitempty"`
		AccountName  string `json:"account_name,omitempty"`
	}
	views := make([]view, 0, len(conns))
	for _, conn := range conns {
		category := ""
		if p, err := c.registry.Get(conn.Platform); err == nil {
			category = string(p.Category())
		}
		views = append(views, view{
			Platform:     conn.Platform,
			Category:     category,
			AccountEmail: conn.AccountEmail,
			AccountName:  conn.AccountName,
		})
	}
	return jsonResult(map[string]any{"connections": views})
}

func (c *Catalog) handleCreateMeeting(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID, errResult := userFromRequest(request)
	if errResult != nil {
		return errResult, nil
	}
	topic, err := request.RequireString("topic")
	if err != nil {
		return mcp.NewToolResultError("topic argument is required"), nil
	}
	startTime := request.GetString("start_time", "")
	if startTime != "" {
		if _, err := time.Parse(time.RFC3339, startTime); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid start_time %q: use RFC 3339", startTime)), nil
		}
	}

	platform, errResult := c.tokenForCategory(ctx, userID, platforms.CategoryMeeting)
	if errResult != nil {
		return errResult, nil
	}
	return jsonResult(map[string]any{
		"platform":   platform,
		"topic":      topic,
		"start_time": startTime,
		"status":     "scheduled",
	})
}

func (c *Catalog) handleListMeetings(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID, errResult := userFromRequest(request)
	if errResult != nil {
		return errResult, nil
	}

	platform, errResult := c.tokenForCategory(ctx, userID, platforms.CategoryMeeting)
	if errResult != nil {
		return errResult, nil
	}
	return jsonResult(map[string]any{
		"platform": platform,
		"meetings": []any{},
	})
}

func (c *Catalog) handleCreateTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID, errResult := userFromRequest(request)
	if errResult != nil {
		return errResult, nil
	}
	name, err := request.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError("name argument is required"), nil
	}

	platform, errResult := c.tokenForCategory(ctx, userID, platforms.CategoryTask)
	if errResult != nil {
		return errResult, nil
	}
	return jsonResult(map[string]any{
		"platform": platform,
		"name":     name,
		"notes":    request.GetString("notes", ""),
		"status":   "created",
	})
}

func (c *Catalog) handleListTasks(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID, errResult := userFromRequest(request)
	if errResult != nil {
		return errResult, nil
	}

	platform, errResult := c.tokenForCategory(ctx, userID, platforms.CategoryTask)
	if errResult != nil {
		return errResult, nil
	}
	return jsonResult(map[string]any{
		"platform": platform,
		"tasks":    []any{},
	})
}

// tokenForCategory finds the user's active connection in the category and
// obtains a valid access token for it. The token itself is discarded here;
// obtaining it proves the connection is usable and rotates expired
// credentials.
func (c *Catalog) tokenForCategory(ctx context.Context, userID string, category platforms.Category) (string, *mcp.CallToolResult) {
	conns, err := c.vault.ListActive(ctx, userID)
	if err != nil {
		return "", mcp.NewToolResultError(fmt.Sprintf("failed to list connections: %v", err))
	}

	var platform string
	for _, conn := range conns {
		p, err := c.registry.Get(conn.Platform)
		if err != nil {
			continue
		}
		if p.Category() == category {
			platform = conn.Platform
			break
		}
	}
	if platform == "" {
		return "", mcp.NewToolResultError(fmt.Sprintf("no %s platform connected; connect one first", category))
	}

	if _, err := c.vault.AccessToken(ctx, userID, platform); err != nil {
		if errors.Is(err, vault.ErrReauthorizationRequired) {
			return "", mcp.NewToolResultError(fmt.Sprintf("%s needs to be reconnected before it can be used", platform))
		}
		c.logger.Warn("Tool call failed to obtain access token",
			"platform", platform,
			"error", err)
		return "", mcp.NewToolResultError(fmt.Sprintf("%s is temporarily unavailable", platform))
	}
	return platform, nil
}

// userFromRequest derives the stable user identity from the session_id
// argument.
func userFromRequest(request mcp.CallToolRequest) (string, *mcp.CallToolResult) {
	sessionID, err := request.RequireString("session_id")
	if err != nil || sessionID == "" {
		return "", mcp.NewToolResultError("session_id argument is required")
	}
	return identity.DeriveUserID(sessionID), nil
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to encode result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
