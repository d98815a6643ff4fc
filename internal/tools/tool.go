// Package tools implements the Tool contract consumed by the agent loop
// (spec §6.3): a name, a short catalog description, a long on-demand
// schema, and a handler whose string return is echoed verbatim into the
// next turn's tool_result block.
package tools

import "context"

// Tool is one callable the agent loop may invoke. Concrete tools
// (ExecTool, ReadFileTool, ...) implement this directly; the Registry
// exposes catalog/schema lookups and dispatches Execute by name.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) *Result
}

// Registry holds every tool available to one agent loop instance.
type Registry struct {
	tools map[string]Tool
	order []string
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool, last registration for a given name wins.
func (r *Registry) Register(t Tool) {
	if _, exists := r.tools[t.Name()]; !exists {
		r.order = append(r.order, t.Name())
	}
	r.tools[t.Name()] = t
}

// Get looks up a tool by name for arbitration.
func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Unregister removes a tool, used when an MCP server disconnects or a
// bridged tool is superseded.
func (r *Registry) Unregister(name string) {
	if _, ok := r.tools[name]; !ok {
		return
	}
	delete(r.tools, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Names returns every registered tool name in registration order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}

// Catalog renders the level-1 system-prompt listing: name + short description.
func (r *Registry) Catalog() []CatalogEntry {
	out := make([]CatalogEntry, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		out = append(out, CatalogEntry{Name: t.Name(), Description: t.Description()})
	}
	return out
}

type CatalogEntry struct {
	Name        string
	Description string
}

// ToolInfo is the level-2 schema returned by get_tool_info on demand.
type ToolInfo struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

func (r *Registry) Info(name string) (ToolInfo, bool) {
	t, ok := r.tools[name]
	if !ok {
		return ToolInfo{}, false
	}
	return ToolInfo{Name: t.Name(), Description: t.Description(), Parameters: t.Parameters()}, true
}

// toolCtxKey namespaces context values the registry's callers inject so
// tool handlers can read per-turn scoping (workspace root, channel, chat)
// without mutable setter fields, keeping tools safe for concurrent turns.
type toolCtxKey string

const (
	ctxWorkspace toolCtxKey = "tool_workspace"
	ctxChannel   toolCtxKey = "tool_channel"
	ctxChatID    toolCtxKey = "tool_chat_id"
)

func WithWorkspace(ctx context.Context, workspace string) context.Context {
	return context.WithValue(ctx, ctxWorkspace, workspace)
}

func ToolWorkspaceFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxWorkspace).(string)
	return v
}

func WithChannelChat(ctx context.Context, channel, chatID string) context.Context {
	ctx = context.WithValue(ctx, ctxChannel, channel)
	return context.WithValue(ctx, ctxChatID, chatID)
}

func ChannelFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxChannel).(string)
	return v
}

func ChatIDFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxChatID).(string)
	return v
}
