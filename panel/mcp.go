package panel

import (
	"context"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/readtheroom/kit"
)

// RegisterMCP registers the panel tools on an MCP server.
func (c *Controller) RegisterMCP(srv *mcp.Server) {
	c.registerListTool(srv)
	c.registerToggleTool(srv)
	c.registerOpenTool(srv)
	c.registerHistoryTool(srv)
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

// logCalls logs every tool call with its outcome and duration.
func (c *Controller) logCalls(tool string) kit.Middleware {
	return func(next kit.Endpoint) kit.Endpoint {
		return func(ctx context.Context, req any) (any, error) {
			start := time.Now()
			resp, err := next(ctx, req)
			attrs := []any{"tool", tool, "transport", kit.GetTransport(ctx), "duration", time.Since(start)}
			if err != nil {
				c.logger.WarnContext(ctx, "panel: tool failed", append(attrs, "error", err)...)
			} else {
				c.logger.DebugContext(ctx, "panel: tool called", attrs...)
			}
			return resp, err
		}
	}
}

func (c *Controller) register(srv *mcp.Server, tool *mcp.Tool, endpoint kit.Endpoint, decode func(*mcp.CallToolRequest) (*kit.MCPDecodeResult, error)) {
	kit.RegisterMCPTool(srv, tool, kit.Chain(c.logCalls(tool.Name))(endpoint), decode)
}

type emptyReq struct{}

func (c *Controller) registerListTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "readtheroom_list_flagged",
		Description: "List flagged and archived posts as the moderator panel shows them.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}
	c.register(srv, tool, func(context.Context, any) (any, error) {
		return c.Overview(), nil
	}, kit.DecodeArgs[emptyReq])
}

type toggleReq struct {
	PostID string `json:"postId"`
}

func (c *Controller) registerToggleTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "readtheroom_toggle",
		Description: "Flip the flag on a post and return its new value.",
		InputSchema: inputSchema(map[string]any{
			"postId": map[string]any{"type": "string", "description": "Post identifier, e.g. t3_1abcde"},
		}, []string{"postId"}),
	}
	c.register(srv, tool, func(ctx context.Context, req any) (any, error) {
		r := req.(*toggleReq)
		flagged, err := c.Toggle(ctx, r.PostID)
		if err != nil {
			return nil, err
		}
		return toggleResponse{PostID: r.PostID, Flagged: flagged}, nil
	}, kit.DecodeArgs[toggleReq])
}

func (c *Controller) registerOpenTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "readtheroom_open_panel",
		Description: "Open the moderator panel. Opening an open panel is a no-op.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}
	c.register(srv, tool, func(context.Context, any) (any, error) {
		c.Open()
		return c.Overview(), nil
	}, kit.DecodeArgs[emptyReq])
}

type historyReq struct {
	PostID string `json:"postId"`
	Limit  int    `json:"limit"`
}

func (c *Controller) registerHistoryTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "readtheroom_history",
		Description: "Logged flag transitions: one post's history oldest first, or the latest across posts when postId is omitted.",
		InputSchema: inputSchema(map[string]any{
			"postId": map[string]any{"type": "string"},
			"limit":  map[string]any{"type": "integer", "description": "Latest N entries (default 50)"},
		}, nil),
	}
	c.register(srv, tool, func(ctx context.Context, req any) (any, error) {
		r := req.(*historyReq)
		if r.PostID != "" {
			return c.PostHistory(ctx, r.PostID)
		}
		return c.Recent(ctx, r.Limit)
	}, kit.DecodeArgs[historyReq])
}
