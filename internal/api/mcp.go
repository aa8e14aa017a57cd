package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/itemradar/radar/internal/relay"
	"github.com/itemradar/radar/internal/storage"
	"github.com/itemradar/radar/internal/trigger"
)

// MCPRelay abstracts the chat backend for the MCP layer.
type MCPRelay interface {
	Send(ctx context.Context, turn relay.Turn) (string, error)
}

// MCPExpiry abstracts the expiry job for the MCP layer.
type MCPExpiry interface {
	RunOnce(ctx context.Context) (int, error)
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store   *storage.Store
	Hooks   *trigger.Hooks
	Relay   MCPRelay // optional; if nil, the chat tool returns an error
	Expiry  MCPExpiry
	ItemTTL time.Duration
}

// NewMCPServer creates an MCP server exposing the lost-and-found tools.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"radar",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("radar lost-and-found relay: report found items, chat with the matching assistant, and run maintenance."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("report_found_item",
			mcp.WithDescription("Register a found item so it can be matched against lost item reports."),
			mcp.WithString("name", mcp.Description("Short item name"), mcp.Required()),
			mcp.WithString("description", mcp.Description("Free-form item description")),
			mcp.WithString("location", mcp.Description("Where the item was found"), mcp.Required()),
			mcp.WithString("category", mcp.Description("Item category, e.g. bags, electronics")),
		),
		mcpReportFoundItem(deps),
	)

	s.AddTool(
		mcp.NewTool("chat",
			mcp.WithDescription("Ask the lost-and-found assistant a question about a lost or found item."),
			mcp.WithString("message", mcp.Description("The question or item description"), mcp.Required()),
			mcp.WithString("item_type", mcp.Description("Either \"lost\" or \"found\" (default lost)")),
		),
		mcpChat(deps),
	)

	s.AddTool(
		mcp.NewTool("run_expiry",
			mcp.WithDescription("Run the expiry pass now: mark every available item past its expiry date as expired."),
		),
		mcpRunExpiry(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"radar://recent-items",
			"Recent Found Items",
			mcp.WithResourceDescription("Last 10 registered found items"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecentItems(deps),
	)

	return s
}

func mcpReportFoundItem(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		name, err := req.RequireString("name")
		if err != nil {
			return mcpError("name is required"), nil
		}
		location, err := req.RequireString("location")
		if err != nil {
			return mcpError("location is required"), nil
		}

		now := time.Now().UTC()
		item := storage.FoundItem{
			ID:          uuid.New().String(),
			Name:        name,
			Description: req.GetString("description", ""),
			Category:    req.GetString("category", ""),
			Location:    location,
			Status:      storage.StatusAvailable,
			CreatedAt:   now,
			ExpiryDate:  now.Add(deps.ItemTTL),
		}
		if err := deps.Store.SaveFoundItem(item); err != nil {
			return mcpError(fmt.Sprintf("failed to save item: %v", err)), nil
		}

		if err := deps.Hooks.FoundItemCreated(ctx, item); err != nil {
			return mcpText(fmt.Sprintf("Registered item %s (fan-out incomplete: %v)", item.ID, err)), nil
		}
		return mcpText(fmt.Sprintf("Registered found item %s", item.ID)), nil
	}
}

func mcpChat(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if deps.Relay == nil {
			return mcpError("chat not available: no chat endpoint configured"), nil
		}

		message, err := req.RequireString("message")
		if err != nil {
			return mcpError("message is required"), nil
		}
		itemType := req.GetString("item_type", "lost")

		reply, err := deps.Relay.Send(ctx, relay.Turn{UserText: message, ItemType: itemType})
		if err != nil {
			return mcpError(relay.UserMessage(err)), nil
		}
		return mcpText(reply), nil
	}
}

func mcpRunExpiry(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		count, err := deps.Expiry.RunOnce(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("expiry run failed: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Expired %d items", count)), nil
	}
}

func mcpResourceRecentItems(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		items, err := deps.Store.ListFoundItems(10)
		if err != nil {
			return nil, fmt.Errorf("failed to list items: %w", err)
		}

		type itemSummary struct {
			ID        string `json:"id"`
			Name      string `json:"name"`
			Category  string `json:"category,omitempty"`
			Location  string `json:"location,omitempty"`
			Status    string `json:"status"`
			CreatedAt string `json:"created_at"`
		}

		summaries := make([]itemSummary, len(items))
		for i, it := range items {
			summaries[i] = itemSummary{
				ID:        it.ID,
				Name:      it.Name,
				Category:  it.Category,
				Location:  it.Location,
				Status:    it.Status,
				CreatedAt: it.CreatedAt.Format(time.RFC3339),
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal items: %w", err)
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
