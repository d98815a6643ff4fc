package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/ollama/ollama/api"
)

// OllamaDialect talks to a local Ollama daemon, the pool's third wire
// format alongside native and OpenAI-compatible. Client construction and the
// streaming-callback plumbing are grounded directly on the reference
// Ollama client (NewClient/ClientFromEnvironment, api.ChatRequest/Response).
type OllamaDialect struct {
	client *api.Client
	model  string
}

func NewOllamaDialect(baseURL, model string) (*OllamaDialect, error) {
	var client *api.Client
	if baseURL != "" {
		u, err := url.Parse(baseURL)
		if err != nil {
			return nil, fmt.Errorf("parse ollama base url: %w", err)
		}
		client = api.NewClient(u, &http.Client{})
	} else {
		var err error
		client, err = api.ClientFromEnvironment()
		if err != nil {
			return nil, err
		}
	}
	return &OllamaDialect{client: client, model: model}, nil
}

func (d *OllamaDialect) Name() string { return "ollama" }

func (d *OllamaDialect) convertMessages(req ChatRequest) []api.Message {
	var msgs []api.Message
	if req.System != "" {
		msgs = append(msgs, api.Message{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		role := m.Role
		content := m.Content
		if role == "tool" {
			role = "user"
			content = fmt.Sprintf("(tool %s result) %s", m.ToolCallID, content)
		}
		msgs = append(msgs, api.Message{Role: role, Content: content})
	}
	return msgs
}

// convertTools round-trips tool definitions through JSON to avoid coupling
// to the SDK's exact tool-schema struct layout, the same defensive pattern
// the reference Ollama client uses.
func (d *OllamaDialect) convertTools(defs []ToolDefinition) []api.Tool {
	if len(defs) == 0 {
		return nil
	}
	raw, err := json.Marshal(defs)
	if err != nil {
		return nil
	}
	var tools []api.Tool
	if err := json.Unmarshal(raw, &tools); err != nil {
		return nil
	}
	return tools
}

func (d *OllamaDialect) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	stream := false
	apiReq := &api.ChatRequest{
		Model:    d.model,
		Messages: d.convertMessages(req),
		Tools:    d.convertTools(req.Tools),
		Stream:   &stream,
	}

	var final *ChatResponse
	err := d.client.Chat(ctx, apiReq, func(resp api.ChatResponse) error {
		final = ollamaToResponse(resp)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ollama chat: %w", err)
	}
	if final == nil {
		return &ChatResponse{StopReason: StopEndTurn}, nil
	}
	return final, nil
}

func (d *OllamaDialect) ChatStream(ctx context.Context, req ChatRequest, onChunk func(StreamChunk)) (*ChatResponse, error) {
	stream := true
	apiReq := &api.ChatRequest{
		Model:    d.model,
		Messages: d.convertMessages(req),
		Tools:    d.convertTools(req.Tools),
		Stream:   &stream,
	}

	var final *ChatResponse
	err := d.client.Chat(ctx, apiReq, func(resp api.ChatResponse) error {
		if resp.Message.Thinking != "" {
			onChunk(StreamChunk{Thinking: resp.Message.Thinking})
		}
		if resp.Message.Content != "" {
			onChunk(StreamChunk{Content: resp.Message.Content})
		}
		if resp.Done {
			final = ollamaToResponse(resp)
			onChunk(StreamChunk{Done: true})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ollama stream: %w", err)
	}
	if final == nil {
		return &ChatResponse{StopReason: StopEndTurn}, nil
	}
	return final, nil
}

func ollamaToResponse(resp api.ChatResponse) *ChatResponse {
	var calls []ToolCall
	for _, tc := range resp.Message.ToolCalls {
		calls = append(calls, ToolCall{ID: tc.Function.Name, Name: tc.Function.Name, Arguments: tc.Function.Arguments})
	}
	return &ChatResponse{
		Content:    resp.Message.Content,
		ToolCalls:  calls,
		StopReason: normalizeStopReason(resp.DoneReason, len(calls) > 0),
		Usage: &Usage{
			PromptTokens:     resp.PromptEvalCount,
			CompletionTokens: resp.EvalCount,
			TotalTokens:      resp.PromptEvalCount + resp.EvalCount,
		},
	}
}
