package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/nextlevelbuilder/akitagw/internal/tools"
)

// BridgeTool adapts one tool discovered on a remote MCP server into the
// agent loop's Tool contract, so MCP-sourced tools arbitrate exactly like
// built-in ones (spec §6.3).
type BridgeTool struct {
	serverName   string
	original     mcpgo.Tool
	client       *mcpclient.Client
	prefix       string
	timeoutSec   int
	connected    *atomic.Bool
}

// NewBridgeTool wraps a discovered MCP tool.
func NewBridgeTool(serverName string, original mcpgo.Tool, client *mcpclient.Client, prefix string, timeoutSec int, connected *atomic.Bool) *BridgeTool {
	return &BridgeTool{
		serverName: serverName,
		original:   original,
		client:     client,
		prefix:     prefix,
		timeoutSec: timeoutSec,
		connected:  connected,
	}
}

// Name is the prefixed name exposed to the agent loop, disambiguating tools
// with the same base name across multiple MCP servers.
func (b *BridgeTool) Name() string {
	if b.prefix != "" {
		return b.prefix + b.original.Name
	}
	return b.serverName + "_" + b.original.Name
}

// OriginalName is the tool name as the MCP server itself knows it.
func (b *BridgeTool) OriginalName() string {
	return b.original.Name
}

func (b *BridgeTool) Description() string {
	if b.original.Description != "" {
		return fmt.Sprintf("[mcp:%s] %s", b.serverName, b.original.Description)
	}
	return fmt.Sprintf("[mcp:%s] %s", b.serverName, b.original.Name)
}

func (b *BridgeTool) Parameters() map[string]interface{} {
	raw, err := json.Marshal(b.original.InputSchema)
	if err != nil {
		return map[string]interface{}{"type": "object"}
	}
	var schema map[string]interface{}
	if err := json.Unmarshal(raw, &schema); err != nil {
		return map[string]interface{}{"type": "object"}
	}
	return schema
}

func (b *BridgeTool) Execute(ctx context.Context, args map[string]interface{}) *tools.Result {
	if b.connected != nil && !b.connected.Load() {
		return tools.ErrorResult(fmt.Sprintf("mcp server %q is disconnected", b.serverName))
	}

	req := mcpgo.CallToolRequest{}
	req.Params.Name = b.original.Name
	req.Params.Arguments = args

	res, err := b.client.CallTool(ctx, req)
	if err != nil {
		return tools.ErrorResult(fmt.Sprintf("mcp call %s: %v", b.Name(), err))
	}

	text := renderMCPContent(res)
	if res.IsError {
		return tools.ErrorResult(text)
	}
	return tools.NewResult(text)
}

// renderMCPContent flattens an MCP tool result into plain text for the LLM.
func renderMCPContent(res *mcpgo.CallToolResult) string {
	if res == nil {
		return ""
	}
	var parts []string
	for _, c := range res.Content {
		if tc, ok := c.(mcpgo.TextContent); ok {
			parts = append(parts, tc.Text)
			continue
		}
		if b, err := json.Marshal(c); err == nil {
			parts = append(parts, string(b))
		}
	}
	return strings.Join(parts, "\n")
}
