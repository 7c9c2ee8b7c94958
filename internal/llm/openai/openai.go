// Package openai implements the model provider interface on the OpenAI Chat
// Completions API. Any OpenAI-compatible endpoint works through WithBaseURL.
package openai

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/jkaninda/toolgate/internal/llm"
)

const defaultModel = "gpt-3.5-turbo"

// Client implements llm.Provider using the official OpenAI SDK.
type Client struct {
	sdk    openai.Client
	model  string
	name   string
	logger *slog.Logger
}

// Option configures the OpenAI client.
type Option func(*settings)

type settings struct {
	baseURL    string
	httpClient *http.Client
	name       string
	maxRetries int
}

// WithBaseURL overrides the API base URL.
func WithBaseURL(url string) Option {
	return func(s *settings) { s.baseURL = url }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(s *settings) { s.httpClient = hc }
}

// WithName overrides the provider name.
func WithName(name string) Option {
	return func(s *settings) { s.name = name }
}

// WithMaxRetries sets SDK-level retries. Default: 2.
func WithMaxRetries(n int) Option {
	return func(s *settings) { s.maxRetries = n }
}

// NewClient creates an OpenAI provider. model is used when a request names none.
func NewClient(apiKey, model string, logger *slog.Logger, opts ...Option) *Client {
	st := settings{name: "openai", maxRetries: 2}
	for _, opt := range opts {
		opt(&st)
	}
	sdkOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(st.maxRetries),
	}
	if st.baseURL != "" {
		sdkOpts = append(sdkOpts, option.WithBaseURL(st.baseURL))
	}
	if st.httpClient != nil {
		sdkOpts = append(sdkOpts, option.WithHTTPClient(st.httpClient))
	}
	if model == "" {
		model = defaultModel
	}
	return &Client{
		sdk:    openai.NewClient(sdkOpts...),
		model:  model,
		name:   st.name,
		logger: logger,
	}
}

func (c *Client) Name() string { return c.name }

// SendMessage sends the conversation as a chat completion.
func (c *Client) SendMessage(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: toMessages(req),
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}

	completion, err := c.sdk.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai chat completion (model %s): %w", model, err)
	}
	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("openai: %w", llm.ErrEmptyResponse)
	}

	choice := completion.Choices[0]
	resp := &llm.Response{
		Content:    choice.Message.Content,
		Model:      completion.Model,
		StopReason: choice.FinishReason,
		Usage: llm.Usage{
			InputTokens:  int(completion.Usage.PromptTokens),
			OutputTokens: int(completion.Usage.CompletionTokens),
		},
	}
	if resp.Model == "" {
		resp.Model = model
	}

	c.logger.DebugContext(ctx, "openai completion",
		slog.String("model", resp.Model),
		slog.Int("input_tokens", resp.Usage.InputTokens),
		slog.Int("output_tokens", resp.Usage.OutputTokens),
	)
	return resp, nil
}

func toMessages(req *llm.Request) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		out = append(out, openai.SystemMessage(req.SystemPrompt))
	}
	for _, m := range req.Messages {
		switch m.Role {
		case llm.RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case llm.RoleAssistant:
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}

var _ llm.Provider = (*Client)(nil)
