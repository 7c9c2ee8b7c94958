// Package anthropic implements the model provider interface for the Anthropic Messages API.
package anthropic

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/jkaninda/toolgate/internal/llm"
)

const (
	defaultModel     = "claude-3-5-haiku-latest"
	defaultMaxTokens = 4096
)

// Client implements llm.Provider using the official Anthropic SDK.
type Client struct {
	sdk    anthropic.Client
	model  string
	logger *slog.Logger
}

// Option configures the Anthropic client.
type Option func(*settings)

type settings struct {
	baseURL    string
	httpClient *http.Client
	maxRetries int
}

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(url string) Option {
	return func(s *settings) { s.baseURL = url }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(s *settings) { s.httpClient = hc }
}

// WithMaxRetries sets SDK-level retries. Default: 2.
func WithMaxRetries(n int) Option {
	return func(s *settings) { s.maxRetries = n }
}

// NewClient creates an Anthropic provider.
func NewClient(apiKey, model string, logger *slog.Logger, opts ...Option) *Client {
	st := settings{maxRetries: 2}
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
		sdk:    anthropic.NewClient(sdkOpts...),
		model:  model,
		logger: logger,
	}
}

func (c *Client) Name() string { return "anthropic" }

// SendMessage sends the conversation to the Messages API. System turns are
// lifted into the system prompt.
func (c *Client) SendMessage(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}
	system, turns := llm.SplitSystem(req)

	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: maxTokens,
		Messages:  toMessages(turns),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: system}}
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}

	result, err := c.sdk.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic message (model %s): %w", model, err)
	}

	var text strings.Builder
	for _, block := range result.Content {
		if tb, ok := block.AsAny().(anthropic.TextBlock); ok {
			text.WriteString(tb.Text)
		}
	}
	if text.Len() == 0 {
		return nil, fmt.Errorf("anthropic: %w", llm.ErrEmptyResponse)
	}

	resp := &llm.Response{
		Content:    text.String(),
		Model:      string(result.Model),
		StopReason: string(result.StopReason),
		Usage: llm.Usage{
			InputTokens:  int(result.Usage.InputTokens),
			OutputTokens: int(result.Usage.OutputTokens),
		},
	}
	if resp.Model == "" {
		resp.Model = model
	}
	c.logger.DebugContext(ctx, "anthropic message",
		slog.String("model", resp.Model),
		slog.Int("input_tokens", resp.Usage.InputTokens),
		slog.Int("output_tokens", resp.Usage.OutputTokens),
	)
	return resp, nil
}

func toMessages(turns []llm.Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(turns))
	for _, m := range turns {
		if m.Role == llm.RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
			continue
		}
		out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
	}
	return out
}

var _ llm.Provider = (*Client)(nil)
