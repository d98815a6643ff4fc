package session

import (
	"encoding/json"
	"time"

	"github.com/nextlevelbuilder/akitagw/internal/llm"
)

type wireSession struct {
	Key              string         `json:"key"`
	Messages         []llm.Message  `json:"messages"`
	Summary          string         `json:"summary,omitempty"`
	Created          time.Time      `json:"created"`
	Updated          time.Time      `json:"updated"`
	Model            string         `json:"model,omitempty"`
	Provider         string         `json:"provider,omitempty"`
	Channel          string         `json:"channel,omitempty"`
	InputTokens      int64          `json:"inputTokens,omitempty"`
	OutputTokens     int64          `json:"outputTokens,omitempty"`
	ContextWindow    int            `json:"contextWindow,omitempty"`
	LastPromptTokens int            `json:"lastPromptTokens,omitempty"`
	LastMessageCount int            `json:"lastMessageCount,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

func encodeSession(s *Session) ([]byte, error) {
	w := wireSession{
		Key: s.Key, Messages: s.Messages, Summary: s.Summary,
		Created: s.Created, Updated: s.Updated,
		Model: s.Model, Provider: s.Provider, Channel: s.Channel,
		InputTokens: s.InputTokens, OutputTokens: s.OutputTokens,
		ContextWindow: s.ContextWindow, LastPromptTokens: s.LastPromptTokens,
		LastMessageCount: s.LastMessageCount, Metadata: s.Metadata,
	}
	return json.MarshalIndent(w, "", "  ")
}

func decodeSession(data []byte) (*Session, error) {
	var w wireSession
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, err
	}
	return &Session{
		Key: w.Key, Messages: w.Messages, Summary: w.Summary,
		Created: w.Created, Updated: w.Updated,
		Model: w.Model, Provider: w.Provider, Channel: w.Channel,
		InputTokens: w.InputTokens, OutputTokens: w.OutputTokens,
		ContextWindow: w.ContextWindow, LastPromptTokens: w.LastPromptTokens,
		LastMessageCount: w.LastMessageCount, Metadata: w.Metadata,
	}, nil
}
