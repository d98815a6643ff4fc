package session

import (
	"github.com/nextlevelbuilder/akitagw/internal/llm"
	"github.com/pkoukk/tiktoken-go"
)

// TokenEstimator estimates the prompt token cost of a message history, the
// same calibration role the teacher's chars/3 heuristic plays for
// ContextWindow/LastPromptTokens bookkeeping.
type TokenEstimator interface {
	Estimate(messages []llm.Message) int
}

// CharsEstimator is the teacher's own heuristic: total rune count / 3.
type CharsEstimator struct{}

func (CharsEstimator) Estimate(messages []llm.Message) int {
	total := 0
	for _, m := range messages {
		total += len([]rune(m.Content))
	}
	return total / 3
}

// TiktokenEstimator offers real BPE-based counting behind the same
// interface. No config key selects it; buildApp always uses CharsEstimator.
type TiktokenEstimator struct {
	enc *tiktoken.Tiktoken
}

// NewTiktokenEstimator loads the cl100k_base encoding (the closest public
// approximation to most modern chat models' tokenizer, and what the pack's
// tiktoken-go usage target assumes absent a model-specific encoding).
func NewTiktokenEstimator() (*TiktokenEstimator, error) {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil, err
	}
	return &TiktokenEstimator{enc: enc}, nil
}

func (t *TiktokenEstimator) Estimate(messages []llm.Message) int {
	total := 0
	for _, m := range messages {
		total += len(t.enc.Encode(m.Content, nil, nil))
	}
	return total
}
