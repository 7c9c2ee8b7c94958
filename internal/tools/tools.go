// Package tools defines the built-in tool contracts. Each one flows through
// the same validation, policy, audit and metrics pipeline as any registered
// tool; the model-backed ones delegate to the role router.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jkaninda/toolgate/internal/budget"
	"github.com/jkaninda/toolgate/internal/contract"
	"github.com/jkaninda/toolgate/internal/costs"
	"github.com/jkaninda/toolgate/internal/llm"
	"github.com/jkaninda/toolgate/internal/router"
)

// Built-in tool IDs.
const (
	TextGenerationID  = "llm_generate"
	IntentDetectionID = "intent_detect"
	CostReportID      = "cost_report"
)

const builtinVersion = "1.0.0"

// Builtins returns every built-in contract. A nil router drops the
// model-backed tools; a nil monitor drops the cost report.
func Builtins(r *router.Router, m *costs.Monitor) []*contract.Contract {
	var out []*contract.Contract
	if r != nil {
		out = append(out, TextGeneration(r), IntentDetection(r))
	}
	if m != nil {
		out = append(out, CostReport(m))
	}
	return out
}

// --- llm_generate ---

type generateInput struct {
	Prompt      string   `json:"prompt"`
	System      string   `json:"system,omitempty"`
	Role        string   `json:"role,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
}

func roleNames() []any {
	roles := []router.Role{
		router.RoleIntentDetection,
		router.RoleRouting,
		router.RoleRecommendation,
		router.RoleExplanation,
		router.RoleQuoteGeneration,
		router.RoleAnalyticsBatch,
		router.RoleGeneral,
	}
	out := make([]any, len(roles))
	for i, r := range roles {
		out[i] = string(r)
	}
	return out
}

func responseSchema() *contract.Schema {
	return contract.Object(map[string]*contract.Schema{
		"content":  contract.String("Model answer, or the fallback message."),
		"model":    contract.String("Model that served the answer."),
		"costUsd":  contract.Number("Cost of the call in USD."),
		"cached":   contract.Boolean("Served from the context cache."),
		"fallback": contract.Boolean("Served by the fallback tool."),
		"usage":    contract.Any(),
		"metadata": contract.Any(),
	}, "content", "model")
}

// TextGeneration runs a prompt through the router under the caller's role.
func TextGeneration(r *router.Router) *contract.Contract {
	maxTokens := 8192
	temp := &contract.Schema{Type: "number", Description: "Sampling temperature.", Minimum: ptr(0.0), Maximum: ptr(2.0)}
	roleSchema := contract.String("Router role selecting the model. Default: general.")
	roleSchema.Enum = roleNames()

	return &contract.Contract{
		ID:          TextGenerationID,
		Name:        "Generate text",
		Version:     builtinVersion,
		Description: "Generates text with the model mapped to the requested role. Budget, cache and fallback rules apply.",
		Category:    "llm",
		Tags:        []string{"llm", "generation"},
		RiskLevel:   contract.RiskLow,
		PIILevel:    contract.PIILow,
		Idempotency: contract.IdempotencyWeak,
		InputSchema: contract.Object(map[string]*contract.Schema{
			"prompt":      contract.String("User prompt."),
			"system":      contract.String("Optional system prompt."),
			"role":        roleSchema,
			"max_tokens":  {Type: "integer", Description: "Output token cap.", Minimum: ptr(1.0), Maximum: ptr(float64(maxTokens))},
			"temperature": temp,
		}, "prompt").Closed(),
		OutputSchema: responseSchema(),
		CostProfile: &contract.CostProfile{
			EstimatedCostPerCall: 0.01,
			MaxCostPerCall:       0.5,
			CallsExternalAPI:     true,
			IsExpensive:          true,
		},
		Examples: []contract.Example{{
			Name:  "explain",
			Input: json.RawMessage(`{"prompt":"Explain our pricing tiers","role":"explanation"}`),
		}},
		Handler: contract.HandlerFunc(func(ctx context.Context, raw json.RawMessage) (any, error) {
			var in generateInput
			if err := json.Unmarshal(raw, &in); err != nil {
				return nil, fmt.Errorf("decoding input: %w", err)
			}
			role := router.Role(in.Role)
			if role == "" {
				role = router.RoleGeneral
			}
			var msgs []llm.Message
			if in.System != "" {
				msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: in.System})
			}
			msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: in.Prompt})

			return r.Call(ctx, &router.Request{
				Role:        role,
				Messages:    msgs,
				Temperature: in.Temperature,
				MaxTokens:   in.MaxTokens,
				Budget:      budgetContext(ctx, TextGenerationID, role),
			}), nil
		}),
	}
}

// --- intent_detect ---

type intentInput struct {
	Message string   `json:"message"`
	Intents []string `json:"intents,omitempty"`
}

// Intent is the classification returned by intent_detect.
type Intent struct {
	Intent     string  `json:"intent"`
	Confidence float64 `json:"confidence"`
	Cached     bool    `json:"cached,omitempty"`
	Fallback   bool    `json:"fallback,omitempty"`
	Model      string  `json:"model"`
}

// UnknownIntent is reported when the model answer cannot be parsed.
const UnknownIntent = "unknown"

const intentPrompt = `Classify the intent of the user's message.
Answer with a single JSON object: {"intent": "<label>", "confidence": <0..1>}.`

// IntentDetection classifies a message with the intent_detection role.
func IntentDetection(r *router.Router) *contract.Contract {
	return &contract.Contract{
		ID:          IntentDetectionID,
		Name:        "Detect intent",
		Version:     builtinVersion,
		Description: "Classifies the intent of a message. Falls back to an unknown intent when the model is unavailable.",
		Category:    "llm",
		Tags:        []string{"llm", "classification"},
		RiskLevel:   contract.RiskLow,
		PIILevel:    contract.PIILow,
		Idempotency: contract.IdempotencyStrong,
		InputSchema: contract.Object(map[string]*contract.Schema{
			"message": contract.String("Message to classify."),
			"intents": contract.Array(contract.String(""), "Candidate intent labels."),
		}, "message").Closed(),
		OutputSchema: contract.Object(map[string]*contract.Schema{
			"intent":     contract.String("Detected intent label."),
			"confidence": {Type: "number", Minimum: ptr(0.0), Maximum: ptr(1.0)},
			"model":      contract.String(""),
			"cached":     contract.Boolean(""),
			"fallback":   contract.Boolean(""),
		}, "intent", "confidence"),
		CostProfile: &contract.CostProfile{EstimatedCostPerCall: 0.001, CallsExternalAPI: true},
		Examples: []contract.Example{{
			Name:           "pricing question",
			Input:          json.RawMessage(`{"message":"How much is the pro plan?","intents":["pricing","support"]}`),
			ExpectedOutput: json.RawMessage(`{"intent":"pricing","confidence":0.9}`),
		}},
		Handler: contract.HandlerFunc(func(ctx context.Context, raw json.RawMessage) (any, error) {
			var in intentInput
			if err := json.Unmarshal(raw, &in); err != nil {
				return nil, fmt.Errorf("decoding input: %w", err)
			}
			system := intentPrompt
			if len(in.Intents) > 0 {
				system += "\nChoose one of: " + strings.Join(in.Intents, ", ") + "."
			}
			resp := r.Call(ctx, &router.Request{
				Role: router.RoleIntentDetection,
				Messages: []llm.Message{
					{Role: llm.RoleSystem, Content: system},
					{Role: llm.RoleUser, Content: in.Message},
				},
				Budget: budgetContext(ctx, IntentDetectionID, router.RoleIntentDetection),
			})
			out := parseIntent(resp.Content)
			out.Cached = resp.Cached
			out.Fallback = resp.Fallback
			out.Model = resp.Model
			return out, nil
		}),
	}
}

// parseIntent reads the first JSON object in content. Anything unparseable
// becomes the unknown intent at 0.5 confidence.
func parseIntent(content string) Intent {
	unknown := Intent{Intent: UnknownIntent, Confidence: 0.5}
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end < start {
		return unknown
	}
	var out Intent
	if err := json.Unmarshal([]byte(content[start:end+1]), &out); err != nil || out.Intent == "" {
		return unknown
	}
	out.Confidence = min(max(out.Confidence, 0), 1)
	return out
}

// --- cost_report ---

type costInput struct {
	SessionID  string `json:"session_id,omitempty"`
	WorkflowID string `json:"workflow_id,omitempty"`
	ToolID     string `json:"tool_id,omitempty"`
	Role       string `json:"role,omitempty"`
	Start      string `json:"start,omitempty"`
	End        string `json:"end,omitempty"`
}

// CostReport exposes the cost monitor. The report is scoped to the caller's
// tenant.
func CostReport(m *costs.Monitor) *contract.Contract {
	return &contract.Contract{
		ID:          CostReportID,
		Name:        "Cost report",
		Version:     builtinVersion,
		Description: "Summarizes recorded model costs with breakdowns by role, model and tool.",
		Category:    "analytics",
		Tags:        []string{"costs"},
		RiskLevel:   contract.RiskLow,
		PIILevel:    contract.PIINone,
		Idempotency: contract.IdempotencyStrong,
		InputSchema: contract.Object(map[string]*contract.Schema{
			"session_id":  contract.String(""),
			"workflow_id": contract.String(""),
			"tool_id":     contract.String(""),
			"role":        contract.String(""),
			"start":       contract.String("Lower bound, RFC 3339 or YYYY-MM-DD."),
			"end":         contract.String("Upper bound, RFC 3339 or YYYY-MM-DD."),
		}).Closed(),
		OutputSchema: contract.Object(map[string]*contract.Schema{
			"totalCost":    contract.Number(""),
			"totalTokens":  contract.Integer(""),
			"requestCount": contract.Integer(""),
			"cacheHitRate": contract.Number(""),
			"fallbackRate": contract.Number(""),
			"breakdown":    contract.Any(),
			"period":       contract.Any(),
		}, "totalCost", "requestCount"),
		RequiredPermissions: []string{"costs:read"},
		Handler: contract.HandlerFunc(func(ctx context.Context, raw json.RawMessage) (any, error) {
			var in costInput
			if err := json.Unmarshal(raw, &in); err != nil {
				return nil, fmt.Errorf("decoding input: %w", err)
			}
			f := costs.Filter{
				SessionID:  in.SessionID,
				WorkflowID: in.WorkflowID,
				ToolID:     in.ToolID,
				Role:       in.Role,
			}
			if ec, ok := contract.FromContext(ctx); ok {
				f.TenantID = ec.TenantID
			}
			var err error
			if f.Start, err = costs.ParseTime(in.Start); err != nil {
				return nil, err
			}
			if f.End, err = costs.ParseTime(in.End); err != nil {
				return nil, err
			}
			return m.Report(ctx, f)
		}),
	}
}

// budgetContext charges a model call to the invocation's identifiers.
func budgetContext(ctx context.Context, toolID string, role router.Role) budget.Context {
	bc := budget.Context{ToolID: toolID, Role: string(role)}
	if ec, ok := contract.FromContext(ctx); ok {
		bc.SessionID = ec.SessionID
		bc.WorkflowID = ec.WorkflowID
		bc.TenantID = ec.TenantID
	}
	return bc
}

func ptr[T any](v T) *T { return &v }
