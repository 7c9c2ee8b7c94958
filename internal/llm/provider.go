// Package llm defines the provider-agnostic interface for model calls.
package llm

import (
	"context"
	"errors"
	"strings"
)

// ErrEmptyResponse is returned when a provider answers without any text.
var ErrEmptyResponse = errors.New("empty model response")

// Provider is the abstraction over any model backend (OpenAI, Anthropic, etc.).
type Provider interface {
	// SendMessage sends a conversation to the model and returns its response.
	SendMessage(ctx context.Context, req *Request) (*Response, error)
	// Name returns the provider identifier (e.g. "openai").
	Name() string
}

// Request is a full conversation sent to a model.
type Request struct {
	Model        string
	SystemPrompt string
	Messages     []Message
	MaxTokens    int      // 0 = provider default
	Temperature  *float64 // nil = provider default
}

// Role identifies who sent a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single turn in the conversation.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// SplitSystem separates system turns from the conversation. The system
// prompt of req comes first, then every system message in order.
func SplitSystem(req *Request) (string, []Message) {
	var parts []string
	if req.SystemPrompt != "" {
		parts = append(parts, req.SystemPrompt)
	}
	msgs := make([]Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Role == RoleSystem {
			parts = append(parts, m.Content)
			continue
		}
		msgs = append(msgs, m)
	}
	return strings.Join(parts, "\n\n"), msgs
}

// Response is what the model returns.
type Response struct {
	Content    string
	Model      string
	Usage      Usage
	StopReason string
}

// Usage tracks token consumption for cost accounting.
type Usage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
}

// Total returns input plus output tokens.
func (u Usage) Total() int { return u.InputTokens + u.OutputTokens }

// Temperature returns a pointer to t, for Request literals.
func Temperature(t float64) *float64 { return &t }

// ModelConfig selects and tunes the model used for one request role.
type ModelConfig struct {
	Model         string   `json:"model"`
	Temperature   *float64 `json:"temperature,omitempty"`
	MaxTokens     int      `json:"maxTokens,omitempty"`
	FallbackModel string   `json:"fallbackModel,omitempty"` // Cheaper model used when the budget is tight.
}
