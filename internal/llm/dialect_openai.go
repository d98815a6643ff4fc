package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/r3labs/sse/v2"
)

// OpenAIDialect speaks the OpenAI chat-completions wire format, the
// reference Brain's _call_openai_endpoint target (Aliyun DashScope and any
// other OpenAI-compatible backend). Non-streaming calls go through the
// official SDK; streaming goes through a raw SSE subscription so the pool
// exercises a second, independently grounded streaming transport from the
// native dialect's hand-rolled scanner.
type OpenAIDialect struct {
	client  *openai.Client
	model   string
	baseURL string
	apiKey  string
	// Dialect-specific flags with no native equivalent (e.g. Qwen3's
	// enable_thinking) arrive in ChatRequest.Extras: ChatStream merges them
	// into the request body; Chat does not send them.
}

func NewOpenAIDialect(apiKey, baseURL, model string) *OpenAIDialect {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	client := openai.NewClient(opts...)
	return &OpenAIDialect{client: &client, model: model, baseURL: baseURL, apiKey: apiKey}
}

func (d *OpenAIDialect) Name() string { return "openai-compatible" }

func (d *OpenAIDialect) convert(req ChatRequest) []openai.ChatCompletionMessageParamUnion {
	var out []openai.ChatCompletionMessageParamUnion
	for _, fm := range flattenForForeignDialect(req) {
		switch fm.Role {
		case "system":
			out = append(out, openai.ChatCompletionMessageParamUnion{
				OfSystem: &openai.ChatCompletionSystemMessageParam{
					Role:    "system",
					Content: openai.ChatCompletionSystemMessageParamContentUnion{OfString: openai.String(fm.Content)},
				},
			})
		case "assistant":
			out = append(out, openai.ChatCompletionMessageParamUnion{
				OfAssistant: &openai.ChatCompletionAssistantMessageParam{
					Role:    "assistant",
					Content: openai.ChatCompletionAssistantMessageParamContentUnion{OfString: openai.String(fm.Content)},
				},
			})
		default:
			out = append(out, openai.ChatCompletionMessageParamUnion{
				OfUser: &openai.ChatCompletionUserMessageParam{
					Role:    "user",
					Content: openai.ChatCompletionUserMessageParamContentUnion{OfString: openai.String(fm.Content)},
				},
			})
		}
	}
	return out
}

func (d *OpenAIDialect) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(d.model),
		Messages: d.convert(req),
	}
	resp, err := d.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai-compatible chat: %w", err)
	}
	if len(resp.Choices) == 0 {
		return &ChatResponse{StopReason: StopEndTurn}, nil
	}
	choice := resp.Choices[0]
	return &ChatResponse{
		Content:    choice.Message.Content,
		StopReason: normalizeStopReason(string(choice.FinishReason), false),
		Usage: &Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}, nil
}

type sseChatRequestBody struct {
	Model     string           `json:"model"`
	Messages  []foreignMessage `json:"messages"`
	Stream    bool             `json:"stream"`
	MaxTokens int              `json:"max_tokens,omitempty"`
	ExtraBody map[string]any   `json:"-"`
}

func (d *OpenAIDialect) ChatStream(ctx context.Context, req ChatRequest, onChunk func(StreamChunk)) (*ChatResponse, error) {
	body := sseChatRequestBody{
		Model:    d.model,
		Messages: flattenForForeignDialect(req),
		Stream:   true,
	}
	if v, ok := req.Options[OptMaxTokens].(int); ok {
		body.MaxTokens = v
	}
	payload := map[string]any{
		"model":    body.Model,
		"messages": body.Messages,
		"stream":   true,
	}
	if body.MaxTokens > 0 {
		payload["max_tokens"] = body.MaxTokens
	}
	for k, v := range req.Extras {
		payload[k] = v
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	client := sse.NewClient(strings.TrimRight(d.baseURL, "/") + "/chat/completions")
	client.Method = "POST"
	client.Body = bytes.NewReader(raw)
	client.Headers["Authorization"] = "Bearer " + d.apiKey
	client.Headers["Content-Type"] = "application/json"

	var text strings.Builder
	var usage Usage
	finishReason := "stop"

	err = client.SubscribeRawWithContext(ctx, func(ev *sse.Event) {
		data := strings.TrimSpace(string(ev.Data))
		if data == "" || data == "[DONE]" {
			return
		}
		var chunk struct {
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
				FinishReason string `json:"finish_reason"`
			} `json:"choices"`
			Usage struct {
				PromptTokens     int `json:"prompt_tokens"`
				CompletionTokens int `json:"completion_tokens"`
				TotalTokens      int `json:"total_tokens"`
			} `json:"usage"`
		}
		if jsonErr := json.Unmarshal([]byte(data), &chunk); jsonErr != nil {
			return
		}
		if len(chunk.Choices) > 0 {
			c := chunk.Choices[0]
			if c.Delta.Content != "" {
				text.WriteString(c.Delta.Content)
				onChunk(StreamChunk{Content: c.Delta.Content})
			}
			if c.FinishReason != "" {
				finishReason = c.FinishReason
			}
		}
		if chunk.Usage.TotalTokens > 0 {
			usage = Usage{
				PromptTokens:     chunk.Usage.PromptTokens,
				CompletionTokens: chunk.Usage.CompletionTokens,
				TotalTokens:      chunk.Usage.TotalTokens,
			}
		}
	})
	if err != nil {
		return nil, fmt.Errorf("openai-compatible stream: %w", err)
	}
	onChunk(StreamChunk{Done: true})

	return &ChatResponse{
		Content:    text.String(),
		StopReason: normalizeStopReason(finishReason, false),
		Usage:      &usage,
	}, nil
}
