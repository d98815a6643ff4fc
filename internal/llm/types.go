// Package llm implements the multi-endpoint provider pool: parallel startup
// health probing, sticky failover, background primary-recovery, and
// protocol translation between the native (Anthropic-shaped) wire format and
// foreign (OpenAI-compatible, Ollama-local) dialects.
package llm

import "context"

// Message is the native wire-format chat message, generalized from the
// teacher's providers.Message.
type Message struct {
	Role       string         `json:"role"` // system | user | assistant | tool
	Content    string         `json:"content,omitempty"`
	Images     []ImageContent `json:"images,omitempty"`
	ToolCalls  []ToolCall     `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`

	// RawAssistantContent preserves provider-specific content blocks
	// (e.g. Anthropic thinking blocks) so a follow-up request to the same
	// dialect can hand them back unmodified.
	RawAssistantContent any `json:"-"`
}

// ImageContent is an inline base64 image attached to a user message.
type ImageContent struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

// ToolCall is a single function invocation requested by the model.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolDefinition advertises one callable tool to the model.
type ToolDefinition struct {
	Type     string             `json:"type"`
	Function ToolFunctionSchema `json:"function"`
}

type ToolFunctionSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Option keys understood by ChatRequest.Options.
const (
	OptMaxTokens      = "max_tokens"
	OptTemperature    = "temperature"
	OptThinkingLevel  = "thinking_level"
)

// ChatRequest is the pool's native request shape, translated per-dialect by
// the endpoint that ultimately serves it.
type ChatRequest struct {
	System   string
	Messages []Message
	Tools    []ToolDefinition
	Model    string
	Options  map[string]any

	// Extras is an opaque passthrough bag for vendor-specific flags (e.g.
	// Qwen's enable_thinking) that have no native equivalent.
	Extras map[string]any
}

// StopReason is the pool's normalized finish-reason vocabulary: every
// dialect's provider-specific reason collapses into one of these three.
type StopReason string

const (
	StopEndTurn  StopReason = "end_turn"
	StopToolUse  StopReason = "tool_use"
	StopOther    StopReason = "other"
)

// Usage is token accounting, generalized from the teacher's providers.Usage.
type Usage struct {
	PromptTokens        int
	CompletionTokens     int
	TotalTokens          int
	CacheCreationTokens  int
	CacheReadTokens      int
}

// ChatResponse is the pool's native response shape.
type ChatResponse struct {
	Content      string
	ToolCalls    []ToolCall
	StopReason   StopReason
	Usage        *Usage
	EndpointName string // which endpoint actually served this, for logging/tests
}

// StreamChunk is one increment of a streamed response.
type StreamChunk struct {
	Content  string
	Thinking string
	Done     bool
}

// ThinkingCapable is implemented by dialects that support a thinking-budget
// knob, mirroring the teacher's providers.ThinkingCapable interface.
type ThinkingCapable interface {
	SupportsThinking() bool
}

// Dialect is what one endpoint actually speaks on the wire: native
// Anthropic-shaped, OpenAI-chat-compatible, or Ollama-local.
type Dialect interface {
	Name() string
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	ChatStream(ctx context.Context, req ChatRequest, onChunk func(StreamChunk)) (*ChatResponse, error)
}
