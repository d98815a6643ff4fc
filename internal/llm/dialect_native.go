package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	nativeAPIVersion = "2023-06-01"
)

// NativeDialect speaks the Anthropic-shaped wire protocol directly over
// net/http, exactly as the teacher's providers.AnthropicProvider does (no
// official SDK dependency — the teacher hand-rolls this client).
type NativeDialect struct {
	apiKey  string
	baseURL string
	model   string
	client  *http.Client
	retry   RetryConfig
}

func NewNativeDialect(apiKey, baseURL, model string) *NativeDialect {
	return &NativeDialect{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		client:  &http.Client{Timeout: 120 * time.Second},
		retry:   DefaultRetryConfig(),
	}
}

func (d *NativeDialect) Name() string { return "native" }

func (d *NativeDialect) SupportsThinking() bool { return true }

type nativeRequestBody struct {
	Model     string           `json:"model"`
	System    string           `json:"system,omitempty"`
	Messages  []nativeMessage  `json:"messages"`
	Tools     []ToolDefinition `json:"tools,omitempty"`
	MaxTokens int              `json:"max_tokens"`
	Stream    bool             `json:"stream,omitempty"`
}

type nativeMessage struct {
	Role       string `json:"role"`
	Content    string `json:"content"`
	ToolCallID string `json:"tool_call_id,omitempty"`
}

type nativeResponseBody struct {
	Content []struct {
		Type  string         `json:"type"`
		Text  string         `json:"text"`
		ID    string         `json:"id"`
		Name  string         `json:"name"`
		Input map[string]any `json:"input"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens              int `json:"input_tokens"`
		OutputTokens             int `json:"output_tokens"`
		CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
		CacheReadInputTokens     int `json:"cache_read_input_tokens"`
	} `json:"usage"`
}

func (d *NativeDialect) buildBody(req ChatRequest, stream bool) nativeRequestBody {
	maxTokens := 8192
	if v, ok := req.Options[OptMaxTokens].(int); ok && v > 0 {
		maxTokens = v
	}
	msgs := make([]nativeMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, nativeMessage{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID})
	}
	return nativeRequestBody{
		Model:     d.model,
		System:    req.System,
		Messages:  msgs,
		Tools:     req.Tools,
		MaxTokens: maxTokens,
		Stream:    stream,
	}
}

func (d *NativeDialect) doRequest(ctx context.Context, body nativeRequestBody) (io.ReadCloser, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+"/messages", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("content-type", "application/json")
	httpReq.Header.Set("x-api-key", d.apiKey)
	httpReq.Header.Set("anthropic-version", nativeAPIVersion)

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("native endpoint returned %d: %s", resp.StatusCode, string(b))
	}
	return resp.Body, nil
}

func (d *NativeDialect) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	body := d.buildBody(req, false)
	return RetryDo(ctx, d.retry, func() (*ChatResponse, error) {
		rc, err := d.doRequest(ctx, body)
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		var parsed nativeResponseBody
		if err := json.NewDecoder(rc).Decode(&parsed); err != nil {
			return nil, fmt.Errorf("decode native response: %w", err)
		}
		return parsedToResponse(parsed), nil
	})
}

func (d *NativeDialect) ChatStream(ctx context.Context, req ChatRequest, onChunk func(StreamChunk)) (*ChatResponse, error) {
	body := d.buildBody(req, true)
	rc, err := RetryDo(ctx, d.retry, func() (io.ReadCloser, error) {
		return d.doRequest(ctx, body)
	})
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	scanner := bufio.NewScanner(rc)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var text strings.Builder
	var toolCalls []ToolCall
	var usage Usage
	stopReason := "end_turn"

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" || data == "[DONE]" {
			continue
		}
		var evt map[string]any
		if err := json.Unmarshal([]byte(data), &evt); err != nil {
			continue
		}
		switch evt["type"] {
		case "content_block_delta":
			if delta, ok := evt["delta"].(map[string]any); ok {
				if t, ok := delta["text"].(string); ok && t != "" {
					text.WriteString(t)
					onChunk(StreamChunk{Content: t})
				}
				if t, ok := delta["thinking"].(string); ok && t != "" {
					onChunk(StreamChunk{Thinking: t})
				}
			}
		case "message_delta":
			if delta, ok := evt["delta"].(map[string]any); ok {
				if sr, ok := delta["stop_reason"].(string); ok && sr != "" {
					stopReason = sr
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	onChunk(StreamChunk{Done: true})

	return &ChatResponse{
		Content:    text.String(),
		ToolCalls:  toolCalls,
		StopReason: normalizeStopReason(stopReason, len(toolCalls) > 0),
		Usage:      &usage,
	}, nil
}

func parsedToResponse(p nativeResponseBody) *ChatResponse {
	var text strings.Builder
	var calls []ToolCall
	for _, block := range p.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			calls = append(calls, ToolCall{ID: block.ID, Name: block.Name, Arguments: block.Input})
		}
	}
	return &ChatResponse{
		Content:    text.String(),
		ToolCalls:  calls,
		StopReason: normalizeStopReason(p.StopReason, len(calls) > 0),
		Usage: &Usage{
			PromptTokens:        p.Usage.InputTokens,
			CompletionTokens:    p.Usage.OutputTokens,
			TotalTokens:         p.Usage.InputTokens + p.Usage.OutputTokens,
			CacheCreationTokens: p.Usage.CacheCreationInputTokens,
			CacheReadTokens:     p.Usage.CacheReadInputTokens,
		},
	}
}
