// Package router sends model calls to a cost-appropriate model per role.
//
// A call goes through cache lookup, budget check, the provider call, cost
// accounting and cache write. Any failure after the cache lookup is turned
// into a fallback response, so Call always answers.
package router

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/jkaninda/toolgate/internal/budget"
	"github.com/jkaninda/toolgate/internal/cache"
	"github.com/jkaninda/toolgate/internal/config"
	"github.com/jkaninda/toolgate/internal/costs"
	"github.com/jkaninda/toolgate/internal/fallback"
	"github.com/jkaninda/toolgate/internal/llm"
	"github.com/jkaninda/toolgate/internal/observability"
)

// FallbackModel is the model name reported on fallback responses.
const FallbackModel = "fallback"

// Request is one routed model call.
type Request struct {
	Role        Role
	Messages    []llm.Message
	Temperature *float64 // nil = role default
	MaxTokens   int      // 0 = role default
	Budget      budget.Context
}

// Response is the routed answer. Fallback responses carry zero usage and cost.
type Response struct {
	Content  string            `json:"content"`
	Model    string            `json:"model"`
	Usage    llm.Usage         `json:"usage"`
	CostUSD  float64           `json:"costUsd"`
	Cached   bool              `json:"cached,omitempty"`
	Fallback bool              `json:"fallback,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Router routes model calls by role.
type Router struct {
	provider        llm.Provider
	budget          *budget.Policy
	fallback        *fallback.Tool
	cache           cache.Store
	cacheTTL        time.Duration
	costs           *costs.Monitor
	roles           map[Role]llm.ModelConfig
	prices          map[string]Price
	callTimeout     time.Duration
	recordCacheHits bool
	metrics         *observability.MetricsCollector
	anomaly         *observability.AnomalyDetector
	logger          *slog.Logger
}

// Option configures a Router.
type Option func(*Router)

// WithCache enables response caching. ttl <= 0 uses cache.DefaultTTL.
func WithCache(s cache.Store, ttl time.Duration) Option {
	return func(r *Router) {
		r.cache = s
		if ttl > 0 {
			r.cacheTTL = ttl
		}
	}
}

// WithCosts records one cost record per model call and fallback.
func WithCosts(m *costs.Monitor) Option { return func(r *Router) { r.costs = m } }

func WithMetrics(m *observability.MetricsCollector) Option { return func(r *Router) { r.metrics = m } }

func WithAnomalyDetector(a *observability.AnomalyDetector) Option {
	return func(r *Router) { r.anomaly = a }
}

// WithConfig applies role overrides, extra prices, the call timeout and
// cache-hit accounting from cfg.
func WithConfig(cfg config.RouterConfig) Option {
	return func(r *Router) {
		r.roles = rolesFromConfig(cfg.Roles)
		r.prices = pricesFromConfig(cfg.Prices)
		r.callTimeout = cfg.CallTimeout()
		r.recordCacheHits = cfg.RecordCacheHits
		if ttl := cfg.CacheTTL(); ttl > 0 {
			r.cacheTTL = ttl
		}
	}
}

// New creates a router. budgetPolicy may be nil, which disables budget
// enforcement. A nil fb serves rule-based fallbacks with default messages.
func New(provider llm.Provider, budgetPolicy *budget.Policy, fb *fallback.Tool, logger *slog.Logger, opts ...Option) *Router {
	if fb == nil {
		fb = fallback.New(config.FallbackConfig{RuleBased: true}, nil)
	}
	r := &Router{
		provider: provider,
		budget:   budgetPolicy,
		fallback: fb,
		cacheTTL: cache.DefaultTTL,
		roles:    DefaultRoles(),
		prices:   DefaultPrices(),
		logger:   logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ModelConfig returns the mapping for role. Unmapped roles use the general
// mapping.
func (r *Router) ModelConfig(role Role) llm.ModelConfig {
	if mc, ok := r.roles[role]; ok {
		return mc
	}
	if mc, ok := r.roles[RoleGeneral]; ok {
		return mc
	}
	return llm.ModelConfig{Model: modelGPT4Turbo, Temperature: llm.Temperature(0.7)}
}

// Cost prices usage for model. Unknown models use gpt-4-turbo-preview prices.
func (r *Router) Cost(model string, u llm.Usage) float64 {
	p, ok := r.prices[model]
	if !ok {
		p = r.prices[modelGPT4Turbo]
	}
	return float64(u.InputTokens)/1000*p.Input + float64(u.OutputTokens)/1000*p.Output
}

// CacheKey is derived from the role and the exact messages.
func CacheKey(role Role, messages []llm.Message) string {
	data, _ := json.Marshal(messages)
	sum := sha256.Sum256(data)
	return "cache_" + string(role) + "_" + hex.EncodeToString(sum[:])
}

// Call routes req and always returns a response.
func (r *Router) Call(ctx context.Context, req *Request) *Response {
	mc := r.ModelConfig(req.Role)
	key := CacheKey(req.Role, req.Messages)

	if resp, ok := r.cached(ctx, req, key); ok {
		return resp
	}

	est := budget.EstimateTokens(req.Messages, mc.Model)
	dec, err := r.checkBudget(ctx, req.Budget, est, mc)
	if err != nil {
		r.logger.ErrorContext(ctx, "budget check failed",
			slog.String("role", string(req.Role)),
			slog.String("error", err.Error()),
		)
		return r.serveFallback(ctx, req, fallback.UnknownError, err, nil)
	}
	if !dec.Allowed {
		return r.serveFallback(ctx, req, fallback.BudgetExceeded, nil, map[string]string{"reason": dec.Reason})
	}

	messages := req.Messages
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = mc.MaxTokens
	}
	switch dec.Action {
	case budget.ActionDowngrade:
		if dec.SuggestedModel != "" {
			mc.Model = dec.SuggestedModel
		}
		if dec.MaxTokens > 0 && (maxTokens == 0 || dec.MaxTokens < maxTokens) {
			maxTokens = dec.MaxTokens
		}
	case budget.ActionTruncate:
		if dec.MaxTokens > 0 {
			// The reservation covers prompt and reply: keep room for the
			// estimated reply, then cap the reply at what the prompt left.
			reply := min(est.OutputTokens, dec.MaxTokens/2)
			messages = truncateMessages(messages, dec.MaxTokens-reply)
			rest := max(1, dec.MaxTokens-budget.EstimateTokens(messages, mc.Model).InputTokens)
			if maxTokens == 0 || rest < maxTokens {
				maxTokens = rest
			}
		}
	}

	temperature := req.Temperature
	if temperature == nil {
		temperature = mc.Temperature
	}

	callCtx := ctx
	if r.callTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, r.callTimeout)
		defer cancel()
	}
	out, err := r.provider.SendMessage(callCtx, &llm.Request{
		Model:       mc.Model,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: temperature,
	})
	if err == nil && out == nil {
		err = llm.ErrEmptyResponse
	}
	if err != nil {
		if relErr := r.budget.Release(ctx, dec.Reservation); relErr != nil {
			r.logger.WarnContext(ctx, "budget release failed", slog.String("error", relErr.Error()))
		}
		scenario := fallback.Classify(err)
		r.logger.WarnContext(ctx, "model call failed, serving fallback",
			slog.String("role", string(req.Role)),
			slog.String("model", mc.Model),
			slog.String("scenario", string(scenario)),
			slog.String("error", err.Error()),
		)
		return r.serveFallback(ctx, req, scenario, err, map[string]string{"error": err.Error()})
	}

	cost := r.Cost(mc.Model, out.Usage)
	if err := r.budget.Commit(ctx, dec.Reservation, out.Usage); err != nil {
		r.logger.WarnContext(ctx, "budget commit failed", slog.String("error", err.Error()))
	}

	resp := &Response{
		Content: out.Content,
		Model:   mc.Model,
		Usage:   out.Usage,
		CostUSD: cost,
		Metadata: map[string]string{
			"model":          mc.Model,
			"budgetDecision": string(dec.Action),
		},
	}
	if out.Model != "" {
		resp.Metadata["responseModel"] = out.Model
	}

	r.metrics.RecordLLMCost(string(req.Role), mc.Model, cost)
	r.anomaly.RecordCost("llm:"+string(req.Role), cost)
	r.recordCost(ctx, req, resp)
	if dec.Action == budget.ActionAllow {
		r.store(ctx, req.Role, key, resp)
	}
	return resp
}

func (r *Router) checkBudget(ctx context.Context, bc budget.Context, est budget.Estimate, mc llm.ModelConfig) (budget.Decision, error) {
	if !r.budget.Enabled() {
		return budget.Decision{Allowed: true, Action: budget.ActionAllow}, nil
	}
	return r.budget.Check(ctx, bc, est, mc)
}

func (r *Router) cached(ctx context.Context, req *Request, key string) (*Response, bool) {
	if r.cache == nil {
		return nil, false
	}
	e, ok, err := r.cache.Get(ctx, key)
	if err != nil {
		r.logger.WarnContext(ctx, "cache lookup failed", slog.String("error", err.Error()))
		return nil, false
	}
	r.metrics.RecordCacheLookup(string(req.Role), ok)
	if !ok {
		return nil, false
	}
	var resp Response
	if err := json.Unmarshal(e.Value, &resp); err != nil {
		r.logger.WarnContext(ctx, "discarding undecodable cache entry",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		return nil, false
	}
	resp.Cached = true
	if r.recordCacheHits {
		r.recordCost(ctx, req, &Response{Model: resp.Model, Cached: true})
	}
	return &resp, true
}

// store caches resp under the full-prompt key. Only answers to the untouched
// request are stored; downgraded or truncated ones would be served to callers
// with budget to spare.
func (r *Router) store(ctx context.Context, role Role, key string, resp *Response) {
	if r.cache == nil {
		return
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	if err := r.cache.Set(ctx, key, string(role), data, r.cacheTTL); err != nil {
		r.logger.WarnContext(ctx, "cache write failed", slog.String("error", err.Error()))
	}
}

func (r *Router) serveFallback(ctx context.Context, req *Request, scenario fallback.Scenario, cause error, meta map[string]string) *Response {
	fb := r.fallback.Get(scenario, fallback.Context{Role: string(req.Role), Err: cause})
	if meta == nil {
		meta = map[string]string{}
	}
	meta["scenario"] = string(scenario)
	resp := &Response{
		Content:  fb.Content,
		Model:    FallbackModel,
		Fallback: true,
		Metadata: meta,
	}
	r.recordCost(ctx, req, resp)
	return resp
}

func (r *Router) recordCost(ctx context.Context, req *Request, resp *Response) {
	if r.costs == nil {
		return
	}
	rec := &costs.Record{
		SessionID:    req.Budget.SessionID,
		WorkflowID:   req.Budget.WorkflowID,
		ToolID:       req.Budget.ToolID,
		TenantID:     req.Budget.TenantID,
		Role:         string(req.Role),
		Model:        resp.Model,
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
		TotalTokens:  resp.Usage.Total(),
		CostUSD:      resp.CostUSD,
		Cached:       resp.Cached,
		Fallback:     resp.Fallback,
	}
	if resp.Fallback {
		rec.Metadata = map[string]string{"scenario": resp.Metadata["scenario"]}
	}
	// Errors are logged by the monitor.
	_ = r.costs.Record(ctx, rec)
}

// truncateMessages keeps every system message and as many of the remaining
// messages as fit in maxTokens. The first message that does not fit is cut
// and suffixed with "...".
func truncateMessages(messages []llm.Message, maxTokens int) []llm.Message {
	var system, rest []llm.Message
	systemChars := 0
	for _, m := range messages {
		if m.Role == llm.RoleSystem {
			if len(system) > 0 {
				systemChars++ // "\n" separator
			}
			systemChars += len(m.Content)
			system = append(system, m)
			continue
		}
		rest = append(rest, m)
	}

	out := append([]llm.Message{}, system...)
	used := ceilDiv(systemChars, 4)
	for _, m := range rest {
		tokens := ceilDiv(len(m.Content), 4)
		if used+tokens > maxTokens {
			keep := min(max(0, (maxTokens-used)*4), len(m.Content))
			for keep > 0 && keep < len(m.Content) && !utf8.RuneStart(m.Content[keep]) {
				keep--
			}
			m.Content = m.Content[:keep] + "..."
			out = append(out, m)
			break
		}
		out = append(out, m)
		used += tokens
	}
	return out
}

func ceilDiv(n, d int) int { return (n + d - 1) / d }
