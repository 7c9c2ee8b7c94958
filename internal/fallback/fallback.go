// Package fallback produces substitute responses when a model call cannot be
// served. Get never fails: callers always receive something to return.
package fallback

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/jkaninda/toolgate/internal/config"
	"github.com/jkaninda/toolgate/internal/observability"
)

// Scenario names why the fallback was served.
type Scenario string

const (
	BudgetExceeded Scenario = "budget_exceeded"
	ModelError     Scenario = "model_error"
	Timeout        Scenario = "timeout"
	RateLimit      Scenario = "rate_limit"
	UnknownError   Scenario = "unknown_error"
)

var defaultMessages = map[Scenario]string{
	BudgetExceeded: "Sorry, I can't process your request right now due to cost limits. Please try again later or contact support.",
	ModelError:     "Sorry, a technical error occurred. Please try again in a few moments.",
	Timeout:        "Sorry, your request is taking longer than usual. Please try again.",
	RateLimit:      "Sorry, we are experiencing high load right now. Please try again in a few moments.",
	UnknownError:   "Sorry, an unexpected error occurred. Please try again or contact support.",
}

const quoteFormMessage = "I can't generate a quote automatically right now. Please fill in the quote form and our team will get back to you."

// Context carries what the caller knows about the failed call.
type Context struct {
	Role string
	Err  error
}

// Response is a substitute model response. Content is a JSON document for
// rule-based responses and a plain message otherwise.
type Response struct {
	Content  string            `json:"content"`
	Fallback bool              `json:"fallback"`
	Scenario Scenario          `json:"scenario"`
	Reason   string            `json:"reason"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Tool serves fallback responses.
type Tool struct {
	ruleBased bool
	messages  map[Scenario]string
	metrics   *observability.MetricsCollector
}

// New creates a fallback tool. Messages in cfg override the built-in
// per-scenario messages.
func New(cfg config.FallbackConfig, metrics *observability.MetricsCollector) *Tool {
	msgs := make(map[Scenario]string, len(defaultMessages))
	for s, m := range defaultMessages {
		msgs[s] = m
	}
	for s, m := range cfg.Messages {
		if m != "" {
			msgs[Scenario(s)] = m
		}
	}
	return &Tool{ruleBased: cfg.RuleBased, messages: msgs, metrics: metrics}
}

// Get returns the fallback for scenario. With rule-based responses enabled
// the caller's role may select a structured answer instead of a message.
func (t *Tool) Get(scenario Scenario, fc Context) Response {
	t.metrics.RecordFallback(string(scenario))

	if t.ruleBased {
		if r, ok := ruleFor(fc); ok {
			r.Scenario = scenario
			return r
		}
	}

	return Response{
		Content:  t.Message(scenario),
		Fallback: true,
		Scenario: scenario,
		Reason:   reasonFor(scenario, fc.Err),
	}
}

func ruleFor(fc Context) (Response, bool) {
	var (
		body   any
		reason string
	)
	switch fc.Role {
	case "intent_detection":
		body = map[string]any{"intent": "unknown", "confidence": 0.5}
		reason = "Intent detection fallback"
	case "routing":
		body = map[string]any{"next_action": "qualification"}
		reason = "Routing fallback"
	case "recommendation":
		body = map[string]any{"recommendations": []any{}}
		reason = "Recommendation fallback"
	case "quote_generation":
		body = map[string]any{
			"assistant_message": quoteFormMessage,
			"ui_directives": map[string]any{
				"show_blocks": []string{"quote_form"},
				"hide_blocks": []string{},
			},
		}
		reason = "Quote generation fallback - escalate to form"
	default:
		return Response{}, false
	}

	content, err := json.Marshal(body)
	if err != nil {
		return Response{}, false
	}
	meta := map[string]string{"originalRole": fc.Role}
	if fc.Err != nil {
		meta["error"] = fc.Err.Error()
	}
	return Response{
		Content:  string(content),
		Fallback: true,
		Reason:   reason,
		Metadata: meta,
	}, true
}

func reasonFor(s Scenario, err error) string {
	switch s {
	case BudgetExceeded:
		return "Token budget exceeded. Remaining budget insufficient for request."
	case ModelError:
		return "LLM model error: " + errText(err, "Unknown error")
	case Timeout:
		return "Request timeout - LLM did not respond in time"
	case RateLimit:
		return "Rate limit exceeded - too many requests"
	default:
		return "Unknown error: " + errText(err, "No details")
	}
}

func errText(err error, def string) string {
	if err == nil || err.Error() == "" {
		return def
	}
	return err.Error()
}

// Classify maps a provider error to a scenario by its message.
func Classify(err error) Scenario {
	if err == nil {
		return UnknownError
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"):
		return Timeout
	case strings.Contains(msg, "rate limit"):
		return RateLimit
	case strings.Contains(msg, "model"):
		return ModelError
	default:
		return UnknownError
	}
}

// Message returns the configured message for scenario.
func (t *Tool) Message(s Scenario) string {
	if m, ok := t.messages[s]; ok {
		return m
	}
	return t.messages[UnknownError]
}
