package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	mcp "github.com/MegaGrindStone/go-mcp"
)

// MCPCaller resolves data-fetch tools against a set of connected MCP
// servers. It satisfies the dispatcher's ToolCaller dependency.
type MCPCaller struct {
	clients []*mcp.Client
	// toolsMap maps a tool name to the index of the client serving it.
	toolsMap map[string]int

	logger *slog.Logger
}

// NewMCPCaller builds a caller over already-connected clients, indexing the
// tools each one advertises. A tool advertised by several servers resolves
// to the last one listed.
func NewMCPCaller(ctx context.Context, clients []*mcp.Client, logger *slog.Logger) (*MCPCaller, error) {
	toolsMap := make(map[string]int)
	for i, cli := range clients {
		res, err := cli.ListTools(ctx, mcp.ListToolsParams{})
		if err != nil {
			return nil, fmt.Errorf("failed to list tools for server %d: %w", i, err)
		}
		for _, tool := range res.Tools {
			toolsMap[tool.Name] = i
		}
	}

	return &MCPCaller{
		clients:  clients,
		toolsMap: toolsMap,
		logger:   logger.With(slog.String("module", "mcptools")),
	}, nil
}

// CallTool invokes the named tool and returns its content as raw JSON.
func (c *MCPCaller) CallTool(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	clientIdx, ok := c.toolsMap[name]
	if !ok {
		return nil, fmt.Errorf("tool %s is not served by any backend", name)
	}

	if len(args) == 0 {
		args = json.RawMessage("{}")
	}

	toolRes, err := c.clients[clientIdx].CallTool(ctx, mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		return nil, fmt.Errorf("tool call failed: %w", err)
	}

	resContent, err := json.Marshal(toolRes.Content)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal content: %w", err)
	}

	if toolRes.IsError {
		return nil, fmt.Errorf("tool reported an error: %s", resContent)
	}

	c.logger.Debug("Tool result content",
		slog.String("tool", name),
		slog.String("result", string(resContent)))

	return resContent, nil
}
