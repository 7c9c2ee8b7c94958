package router

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jkaninda/toolgate/internal/budget"
	"github.com/jkaninda/toolgate/internal/cache"
	"github.com/jkaninda/toolgate/internal/config"
	"github.com/jkaninda/toolgate/internal/costs"
	"github.com/jkaninda/toolgate/internal/fallback"
	"github.com/jkaninda/toolgate/internal/llm"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeProvider answers with a fixed response or error and records requests.
type fakeProvider struct {
	mu    sync.Mutex
	reqs  []llm.Request
	resp  *llm.Response
	err   error
	delay time.Duration
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) SendMessage(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, *req)
	f.mu.Unlock()
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func (f *fakeProvider) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reqs)
}

func (f *fakeProvider) last() llm.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reqs[len(f.reqs)-1]
}

type harness struct {
	router   *Router
	provider *fakeProvider
	budget   *budget.Policy
	costs    *costs.MemoryStore
	cache    *cache.Memory
}

func newHarness(bcfg config.BudgetConfig, opts ...Option) *harness {
	p := &fakeProvider{resp: &llm.Response{
		Content: "hello",
		Usage:   llm.Usage{InputTokens: 1000, OutputTokens: 500},
	}}
	store := costs.NewMemoryStore()
	c := cache.NewMemory(0)
	bp := budget.NewPolicy(budget.NewMemoryStore(), bcfg, nil, testLogger())
	fb := fallback.New(config.FallbackConfig{RuleBased: true}, nil)
	opts = append([]Option{
		WithCache(c, 0),
		WithCosts(costs.NewMonitor(store, testLogger())),
	}, opts...)
	return &harness{
		router:   New(p, bp, fb, testLogger(), opts...),
		provider: p,
		budget:   bp,
		costs:    store,
		cache:    c,
	}
}

func (h *harness) records(t *testing.T) []costs.Record {
	t.Helper()
	recs, err := h.costs.Query(context.Background(), costs.Filter{})
	if err != nil {
		t.Fatal(err)
	}
	return recs
}

func userMsg(s string) []llm.Message {
	return []llm.Message{{Role: llm.RoleUser, Content: s}}
}

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

// --- Model mapping and pricing ---

func TestModelConfig(t *testing.T) {
	r := New(&fakeProvider{}, nil, nil, testLogger())
	if mc := r.ModelConfig(RoleIntentDetection); mc.Model != "gpt-3.5-turbo" || *mc.Temperature != 0.3 {
		t.Errorf("intent_detection = %+v", mc)
	}
	if mc := r.ModelConfig(RoleQuoteGeneration); mc.Model != "gpt-4-turbo-preview" || mc.FallbackModel != "gpt-3.5-turbo" || *mc.Temperature != 0.5 {
		t.Errorf("quote_generation = %+v", mc)
	}
	if mc := r.ModelConfig("unmapped"); mc.Model != "gpt-4-turbo-preview" || *mc.Temperature != 0.7 {
		t.Errorf("unmapped role should use general: %+v", mc)
	}
}

func TestWithConfigOverrides(t *testing.T) {
	r := New(&fakeProvider{}, nil, nil, testLogger(), WithConfig(config.RouterConfig{
		Roles:  map[string]config.RoleModelConfig{"routing": {Model: "claude-haiku", MaxTokens: 256}},
		Prices: map[string]config.PriceConfig{"claude-haiku": {Input: 0.001, Output: 0.005}},
	}))
	if mc := r.ModelConfig(RoleRouting); mc.Model != "claude-haiku" || mc.MaxTokens != 256 {
		t.Errorf("routing = %+v", mc)
	}
	if got := r.Cost("claude-haiku", llm.Usage{InputTokens: 1000, OutputTokens: 1000}); !approx(got, 0.006) {
		t.Errorf("cost = %v", got)
	}
}

func TestCost(t *testing.T) {
	r := New(&fakeProvider{}, nil, nil, testLogger())
	u := llm.Usage{InputTokens: 1000, OutputTokens: 500}
	if got := r.Cost("gpt-3.5-turbo", u); !approx(got, 0.00125) {
		t.Errorf("gpt-3.5-turbo cost = %v", got)
	}
	if got := r.Cost("gpt-4", u); !approx(got, 0.06) {
		t.Errorf("gpt-4 cost = %v", got)
	}
	if got, want := r.Cost("mystery", u), r.Cost("gpt-4-turbo-preview", u); !approx(got, want) {
		t.Errorf("unknown model cost = %v, want %v", got, want)
	}
}

func TestCacheKey(t *testing.T) {
	a := CacheKey(RoleRouting, userMsg("x"))
	if !strings.HasPrefix(a, "cache_routing_") || len(a) != len("cache_routing_")+64 {
		t.Errorf("unexpected key %q", a)
	}
	if a == CacheKey(RoleGeneral, userMsg("x")) || a == CacheKey(RoleRouting, userMsg("y")) {
		t.Error("keys should differ by role and messages")
	}
	if a != CacheKey(RoleRouting, userMsg("x")) {
		t.Error("key should be deterministic")
	}
}

// --- Call ---

func TestCall_SuccessThenCached(t *testing.T) {
	h := newHarness(config.BudgetConfig{Enabled: true, SessionLimit: 10000})
	ctx := context.Background()
	req := &Request{Role: RoleRouting, Messages: userMsg("where next?"), Budget: budget.Context{SessionID: "s1"}}

	resp := h.router.Call(ctx, req)
	if resp.Fallback || resp.Cached || resp.Content != "hello" || resp.Model != "gpt-3.5-turbo" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if !approx(resp.CostUSD, 0.00125) {
		t.Errorf("cost = %v", resp.CostUSD)
	}
	if resp.Metadata["budgetDecision"] != "allow" {
		t.Errorf("metadata = %v", resp.Metadata)
	}
	if got := h.provider.last(); *got.Temperature != 0.5 {
		t.Errorf("temperature = %v", *got.Temperature)
	}

	st, _ := h.budget.Status(ctx, req.Budget)
	if st.Used != 1500 || st.Reserved != 0 {
		t.Errorf("budget after call: %+v", st)
	}

	again := h.router.Call(ctx, req)
	if !again.Cached || again.Content != "hello" {
		t.Errorf("second call should be cached: %+v", again)
	}
	if h.provider.calls() != 1 {
		t.Errorf("provider called %d times, want 1", h.provider.calls())
	}
	if recs := h.records(t); len(recs) != 1 || recs[0].Role != "routing" || recs[0].SessionID != "s1" {
		t.Errorf("cache hits should not be recorded by default: %+v", recs)
	}
}

func TestCall_RecordCacheHits(t *testing.T) {
	h := newHarness(config.BudgetConfig{}, WithConfig(config.RouterConfig{RecordCacheHits: true}))
	ctx := context.Background()
	req := &Request{Role: RoleGeneral, Messages: userMsg("hi")}
	h.router.Call(ctx, req)
	h.router.Call(ctx, req)

	recs := h.records(t)
	if len(recs) != 2 || !recs[1].Cached || recs[1].CostUSD != 0 {
		t.Errorf("unexpected records: %+v", recs)
	}
}

func TestCall_BudgetExceeded(t *testing.T) {
	h := newHarness(config.BudgetConfig{Enabled: true, SessionLimit: 50})
	req := &Request{Role: RoleExplanation, Messages: userMsg(strings.Repeat("a", 400)), Budget: budget.Context{SessionID: "s"}}

	resp := h.router.Call(context.Background(), req)
	if !resp.Fallback || resp.Model != FallbackModel || resp.CostUSD != 0 || resp.Usage.Total() != 0 {
		t.Fatalf("expected fallback, got %+v", resp)
	}
	if resp.Metadata["scenario"] != "budget_exceeded" || resp.Metadata["reason"] != "Budget exceeded, using fallback response" {
		t.Errorf("metadata = %v", resp.Metadata)
	}
	if h.provider.calls() != 0 {
		t.Error("provider should not be called")
	}
	if recs := h.records(t); len(recs) != 1 || !recs[0].Fallback || recs[0].Model != FallbackModel {
		t.Errorf("fallback should be recorded: %+v", recs)
	}
}

func TestCall_ProviderErrorReleasesReservation(t *testing.T) {
	h := newHarness(config.BudgetConfig{Enabled: true, SessionLimit: 10000})
	h.provider.err = errors.New("429: rate limit reached")
	ctx := context.Background()
	req := &Request{Role: RoleIntentDetection, Messages: userMsg("hi"), Budget: budget.Context{SessionID: "s"}}

	resp := h.router.Call(ctx, req)
	if !resp.Fallback || resp.Metadata["scenario"] != "rate_limit" || resp.Metadata["error"] == "" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	// intent_detection has a rule-based fallback.
	if resp.Content != `{"confidence":0.5,"intent":"unknown"}` {
		t.Errorf("content = %s", resp.Content)
	}
	st, _ := h.budget.Status(ctx, req.Budget)
	if st.Used != 0 || st.Reserved != 0 {
		t.Errorf("reservation should be released: %+v", st)
	}
	if _, ok, _ := h.cache.Get(ctx, CacheKey(req.Role, req.Messages)); ok {
		t.Error("fallback responses must not be cached")
	}
}

func TestCall_Timeout(t *testing.T) {
	h := newHarness(config.BudgetConfig{})
	h.router.callTimeout = 10 * time.Millisecond
	h.provider.delay = time.Second

	resp := h.router.Call(context.Background(), &Request{Role: RoleExplanation, Messages: userMsg("slow")})
	if !resp.Fallback || resp.Metadata["scenario"] != "timeout" {
		t.Errorf("expected timeout fallback, got %+v", resp)
	}
}

func TestCall_Downgrade(t *testing.T) {
	// 4000 chars estimate 1000 input + 200 output; 1150 left covers the input
	// plus 100, so the call is downgraded with 150 output tokens.
	h := newHarness(config.BudgetConfig{Enabled: true, SessionLimit: 1150, OnExceeded: "downgrade"})
	bc := budget.Context{SessionID: "s"}

	resp := h.router.Call(context.Background(), &Request{Role: RoleGeneral, Messages: userMsg(strings.Repeat("a", 4000)), Budget: bc})
	if resp.Fallback || resp.Model != "gpt-3.5-turbo" || resp.Metadata["budgetDecision"] != "downgrade_model" {
		t.Fatalf("expected downgrade, got %+v", resp)
	}
	if got := h.provider.last(); got.Model != "gpt-3.5-turbo" || got.MaxTokens != 150 {
		t.Errorf("provider request = model %q max_tokens %d", got.Model, got.MaxTokens)
	}
}

func TestCall_Truncate(t *testing.T) {
	h := newHarness(config.BudgetConfig{Enabled: true, SessionLimit: 200, OnExceeded: "truncate"})
	msgs := []llm.Message{
		{Role: llm.RoleSystem, Content: "be brief"},
		{Role: llm.RoleUser, Content: strings.Repeat("a", 2000)},
	}
	resp := h.router.Call(context.Background(), &Request{Role: RoleGeneral, Messages: msgs, Budget: budget.Context{SessionID: "s"}})
	if resp.Fallback || resp.Metadata["budgetDecision"] != "truncate_context" {
		t.Fatalf("expected truncate, got %+v", resp)
	}
	sent := h.provider.last().Messages
	if len(sent) != 2 || sent[0].Content != "be brief" {
		t.Fatalf("system message should be kept: %+v", sent)
	}
	// Reservation floor(200*0.8) = 160 keeps 80 for the reply (the estimate of
	// 101 is capped at half). The prompt gets 80: system uses 2, so 78*4 chars.
	if want := strings.Repeat("a", 312) + "..."; sent[1].Content != want {
		t.Errorf("truncated content has length %d, want %d", len(sent[1].Content), len(want))
	}
	// The truncated prompt estimates ceil(324/4) = 81 tokens, leaving 79.
	if got := h.provider.last().MaxTokens; got != 79 {
		t.Errorf("max_tokens = %d, want 79", got)
	}
	if _, ok, _ := h.cache.Get(context.Background(), CacheKey(RoleGeneral, msgs)); ok {
		t.Error("truncated answer must not be cached")
	}
}

func TestCall_DegradedAnswerNotServedFromCache(t *testing.T) {
	h := newHarness(config.BudgetConfig{Enabled: true, SessionLimit: 1150, OnExceeded: "downgrade"})
	ctx := context.Background()
	msgs := userMsg(strings.Repeat("a", 4000))

	resp := h.router.Call(ctx, &Request{Role: RoleGeneral, Messages: msgs, Budget: budget.Context{SessionID: "poor"}})
	if resp.Metadata["budgetDecision"] != "downgrade_model" {
		t.Fatalf("expected downgrade, got %+v", resp)
	}

	rich := h.router.Call(ctx, &Request{Role: RoleGeneral, Messages: msgs, Budget: budget.Context{SessionID: "rich"}})
	if rich.Cached || rich.Model != "gpt-4-turbo-preview" || rich.Metadata["budgetDecision"] != "allow" {
		t.Errorf("second caller got %+v, want a fresh full-model answer", rich)
	}
	if h.provider.calls() != 2 {
		t.Errorf("provider called %d times, want 2", h.provider.calls())
	}
}

func TestCall_BudgetDisabledWithoutPolicy(t *testing.T) {
	p := &fakeProvider{resp: &llm.Response{Content: "ok"}}
	r := New(p, nil, nil, testLogger())
	resp := r.Call(context.Background(), &Request{Role: RoleGeneral, Messages: userMsg("x")})
	if resp.Fallback || resp.Content != "ok" {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestCall_NilResponseFallsBack(t *testing.T) {
	p := &fakeProvider{}
	r := New(p, nil, nil, testLogger())
	resp := r.Call(context.Background(), &Request{Role: RoleGeneral, Messages: userMsg("x")})
	if !resp.Fallback || resp.Metadata["scenario"] != "model_error" {
		t.Errorf("unexpected response: %+v", resp)
	}
}

// --- Truncation ---

func TestTruncateMessages(t *testing.T) {
	msgs := []llm.Message{
		{Role: llm.RoleSystem, Content: "sys"},
		{Role: llm.RoleUser, Content: strings.Repeat("a", 40)},
		{Role: llm.RoleAssistant, Content: strings.Repeat("b", 40)},
		{Role: llm.RoleUser, Content: "never reached"},
	}
	out := truncateMessages(msgs, 15)
	if len(out) != 3 {
		t.Fatalf("got %d messages: %+v", len(out), out)
	}
	// sys = 1 token, first user = 10 tokens, 4 tokens left → 16 chars.
	if out[2].Content != strings.Repeat("b", 16)+"..." {
		t.Errorf("got %q", out[2].Content)
	}

	if out := truncateMessages(msgs[:2], 100); len(out) != 2 || out[1].Content != msgs[1].Content {
		t.Errorf("messages that fit are kept intact: %+v", out)
	}
}
