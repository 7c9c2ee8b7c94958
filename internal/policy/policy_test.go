package policy

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/jkaninda/toolgate/internal/approval"
	"github.com/jkaninda/toolgate/internal/config"
	"github.com/jkaninda/toolgate/internal/contract"
	"github.com/jkaninda/toolgate/internal/observability"
	dto "github.com/prometheus/client_model/go"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testContract(id string) *contract.Contract {
	return &contract.Contract{
		ID:        id,
		Name:      id,
		Version:   "1.0.0",
		RiskLevel: contract.RiskLow,
		InputSchema: contract.Object(map[string]*contract.Schema{
			"domain":   contract.String("domain to verify"),
			"password": contract.String("secret").Secret(),
		}),
	}
}

func execCtx() *contract.ExecutionContext {
	return &contract.ExecutionContext{RequestID: "req-1", UserID: "alice", SessionID: "s1"}
}

// --- Ordering and defaults ---

func TestCheck_AllowsByDefault(t *testing.T) {
	e := NewEngine(testLogger())
	d := e.Check(context.Background(), testContract("echo"), execCtx(), nil)
	if !d.Allowed || d.Reason != "" {
		t.Fatalf("expected allow, got %+v", d)
	}
}

func TestCheck_TenantTagging(t *testing.T) {
	e := NewEngine(testLogger())
	ec := execCtx()
	ec.TenantID = "acme"

	d := e.Check(context.Background(), testContract("echo"), ec, nil)
	if !d.Allowed || !d.TenantIsolated {
		t.Errorf("expected allowed and tenant isolated, got %+v", d)
	}

	d = e.Check(context.Background(), testContract("echo"), execCtx(), nil)
	if d.TenantIsolated {
		t.Error("call without tenant must not be tagged")
	}

	off := NewEngine(testLogger(), WithTenantIsolation(false))
	if d := off.Check(context.Background(), testContract("echo"), ec, nil); d.TenantIsolated {
		t.Error("isolation disabled must not tag")
	}
}

func TestCheck_CrossTenantDenied(t *testing.T) {
	e := NewEngine(testLogger())
	ec := execCtx()
	ec.TenantID = "acme"
	ec.Attributes = map[string]any{"tenant_id": "globex"}

	d := e.Check(context.Background(), testContract("echo"), ec, nil)
	if d.Allowed || d.Check != CheckTenant || d.Reason != "Cross-tenant access denied" {
		t.Errorf("unexpected decision: %+v", d)
	}
}

// --- RBAC ---

func TestCheck_RBAC(t *testing.T) {
	e := NewEngine(testLogger())
	c := testContract("refund")
	c.RolesAllowed = []string{"admin"}

	ec := execCtx()
	ec.Role = "viewer"
	d := e.Check(context.Background(), c, ec, nil)
	if d.Allowed || d.Reason != `Role "viewer" not allowed for tool "refund"` {
		t.Errorf("unexpected decision: %+v", d)
	}

	// No role in the context passes through.
	if d := e.Check(context.Background(), c, execCtx(), nil); !d.Allowed {
		t.Errorf("missing role should pass, got %+v", d)
	}
}

// --- ABAC ---

func TestCheck_ABACPriority(t *testing.T) {
	e := NewEngine(testLogger(),
		WithRules(
			ABACRule{Name: "allow-eng", Effect: EffectAllow, Priority: 10,
				Conditions: []Condition{{Key: "department", Value: "eng"}}},
			ABACRule{Name: "block-contractors", Effect: EffectDeny, Priority: 100,
				Conditions: []Condition{{Key: "employment", Operator: OpEquals, Value: "contractor"}}},
		),
	)
	ec := execCtx()
	ec.Attributes = map[string]any{"department": "eng", "employment": "contractor"}

	d := e.Check(context.Background(), testContract("echo"), ec, nil)
	if d.Allowed || d.Reason != `ABAC rule "block-contractors" denied access` {
		t.Errorf("higher-priority deny should win, got %+v", d)
	}

	ec.Attributes["employment"] = "staff"
	if d := e.Check(context.Background(), testContract("echo"), ec, nil); !d.Allowed {
		t.Errorf("allow rule should match, got %+v", d)
	}
}

func TestConditionOperators(t *testing.T) {
	tests := []struct {
		name   string
		cond   Condition
		actual any
		want   bool
	}{
		{"equals string", Condition{Operator: OpEquals, Value: "a"}, "a", true},
		{"equals json number vs int", Condition{Operator: OpEquals, Value: 5}, float64(5), true},
		{"equals mismatched types", Condition{Operator: OpEquals, Value: "5"}, float64(5), false},
		{"contains", Condition{Operator: OpContains, Value: "gold"}, "tier-gold-plus", true},
		{"greaterThan", Condition{Operator: OpGreaterThan, Value: 9}, float64(10), true},
		{"greaterThan numeric string", Condition{Operator: OpGreaterThan, Value: 9}, "10", true},
		{"greaterThan not a number", Condition{Operator: OpGreaterThan, Value: 9}, "ten", false},
		{"lessThan", Condition{Operator: OpLessThan, Value: 0.5}, 0.25, true},
		{"in", Condition{Operator: OpIn, Value: []any{"eu", "us"}}, "eu", true},
		{"in string slice", Condition{Operator: OpIn, Value: []string{"eu"}}, "apac", false},
		{"in non-slice", Condition{Operator: OpIn, Value: "eu"}, "eu", false},
		{"unknown operator", Condition{Operator: "regex", Value: ".*"}, "x", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cond.match(tt.actual); got != tt.want {
				t.Errorf("match(%v) = %v, want %v", tt.actual, got, tt.want)
			}
		})
	}
}

func TestABACRule_MissingAttributeNoMatch(t *testing.T) {
	r := ABACRule{Conditions: []Condition{{Key: "department", Value: "eng"}}}
	if r.Matches(map[string]any{"team": "eng"}) {
		t.Error("missing attribute must not match")
	}
}

func TestRulesFromConfig(t *testing.T) {
	rules := RulesFromConfig([]config.ABACRuleConfig{{
		Name: "night", Effect: "deny", Priority: 5,
		Conditions: []config.ConditionConfig{{Attribute: "currentHour", Operator: "lessThan", Value: 6}},
	}})
	if len(rules) != 1 || rules[0].Effect != EffectDeny || rules[0].Conditions[0].Key != "currentHour" {
		t.Fatalf("unexpected rules: %+v", rules)
	}
	e := NewEngine(testLogger(), WithRules(rules...))
	e.AddRule(DepartmentRule("ops"))
	if got := e.Rules(); got[0].Name != "department-ops" {
		t.Errorf("rules not sorted by priority: %+v", got)
	}
}

// --- Permissions ---

func TestCheck_Permissions(t *testing.T) {
	e := NewEngine(testLogger())
	c := testContract("export")
	c.RequiredPermissions = []string{"data:read", "data:export"}

	ec := execCtx()
	ec.Permissions = []string{"data:read"}
	d := e.Check(context.Background(), c, ec, nil)
	if d.Allowed || d.Reason != "Missing required permissions: data:read, data:export" {
		t.Errorf("unexpected decision: %+v", d)
	}

	ec.Permissions = append(ec.Permissions, "data:export", "extra")
	if d := e.Check(context.Background(), c, ec, nil); !d.Allowed {
		t.Errorf("superset should pass, got %+v", d)
	}
}

// --- Rate limit ---

func TestCheck_RateLimit(t *testing.T) {
	e := NewEngine(testLogger())
	c := testContract("calc")
	c.RateLimit = &contract.RateLimit{MaxCalls: 2, Window: time.Minute, Scope: contract.ScopeSession}

	for i := 0; i < 2; i++ {
		if d := e.Check(context.Background(), c, execCtx(), nil); !d.Allowed {
			t.Fatalf("call %d should pass: %+v", i+1, d)
		}
	}
	d := e.Check(context.Background(), c, execCtx(), nil)
	if d.Allowed || d.Reason != "Rate limit exceeded: 2 calls per 60000ms" {
		t.Errorf("third call should be limited, got %+v", d)
	}

	other := execCtx()
	other.SessionID = "s2"
	if d := e.Check(context.Background(), c, other, nil); !d.Allowed {
		t.Error("other session has its own window")
	}
}

func TestRateLimitKey(t *testing.T) {
	ec := &contract.ExecutionContext{UserID: "u1", TenantID: "t1"}
	tests := []struct {
		scope contract.RateLimitScope
		want  string
	}{
		{contract.ScopeGlobal, "rate:calc:global"},
		{"", "rate:calc:global"},
		{contract.ScopeUser, "rate:calc:user:u1"},
		{contract.ScopeTenant, "rate:calc:tenant:t1"},
		{contract.ScopeSession, "rate:calc:session:anonymous"},
		{contract.ScopeLead, "rate:calc:lead:anonymous"},
	}
	for _, tt := range tests {
		if got := RateLimitKey("calc", tt.scope, ec); got != tt.want {
			t.Errorf("RateLimitKey(%q) = %q, want %q", tt.scope, got, tt.want)
		}
	}
}

// --- Domain whitelist ---

func TestCheck_DomainWhitelist(t *testing.T) {
	e := NewEngine(testLogger())
	c := testContract("verify")
	c.DomainWhitelist = []string{"example.com"}

	tests := []struct {
		input string
		allow bool
	}{
		{`{"domain":"example.com"}`, true},
		{`{"domain":"API.Example.com"}`, true},
		{`{"domain":"evil.com"}`, false},
		{`{"domain":"notexample.com"}`, false},
		{`{"other":"x"}`, true},
		{`{"domain":42}`, true},
	}
	for _, tt := range tests {
		d := e.Check(context.Background(), c, execCtx(), json.RawMessage(tt.input))
		if d.Allowed != tt.allow {
			t.Errorf("input %s: allowed=%v, want %v (%s)", tt.input, d.Allowed, tt.allow, d.Reason)
		}
	}

	d := e.Check(context.Background(), c, execCtx(), json.RawMessage(`{"domain":"Evil.com"}`))
	if d.Reason != `Domain "evil.com" not in whitelist` {
		t.Errorf("reason = %q", d.Reason)
	}
}

// --- Human review ---

func TestCheck_HumanReviewFlow(t *testing.T) {
	reviews := approval.NewManager(time.Hour, testLogger())
	e := NewEngine(testLogger(), WithReviews(reviews))
	c := testContract("refund")
	c.RequiresHumanReview = true
	ctx := context.Background()
	input := json.RawMessage(`{"password":"hunter2"}`)

	d := e.Check(ctx, c, execCtx(), input)
	if d.Allowed || !d.RequiresHumanReview || d.ReviewQueueID == "" {
		t.Fatalf("expected escalation, got %+v", d)
	}
	if !strings.HasSuffix(d.Reason, "Review ID: "+d.ReviewQueueID) {
		t.Errorf("reason should reference review: %q", d.Reason)
	}

	pa, err := reviews.Get(ctx, d.ReviewQueueID)
	if err != nil {
		t.Fatalf("review not stored: %v", err)
	}
	if in, _ := pa.Input.(map[string]any); in["password"] != contract.Redacted {
		t.Errorf("review input not redacted: %v", pa.Input)
	}

	// Pending review presented on retry: still escalates.
	ec := execCtx()
	ec.ReviewID = d.ReviewQueueID
	if d2 := e.Check(ctx, c, ec, input); d2.Allowed {
		t.Fatal("pending review must not allow")
	}

	if err := reviews.Approve(ctx, d.ReviewQueueID, "bob"); err != nil {
		t.Fatalf("Approve: %v", err)
	}

	// Another user cannot use it.
	mallory := execCtx()
	mallory.UserID = "mallory"
	mallory.ReviewID = d.ReviewQueueID
	if d4 := e.Check(ctx, c, mallory, input); d4.Allowed {
		t.Error("review must be bound to its user")
	}

	if d3 := e.Check(ctx, c, ec, input); !d3.Allowed || d3.Check != CheckHumanReview {
		t.Errorf("approved review should allow, got %+v", d3)
	}
	if d5 := e.Check(ctx, c, ec, input); d5.Allowed || !d5.RequiresHumanReview {
		t.Errorf("a review authorizes one call, got %+v", d5)
	}
}

func TestCheck_HumanReviewBoundToInput(t *testing.T) {
	reviews := approval.NewManager(time.Hour, testLogger())
	e := NewEngine(testLogger(), WithReviews(reviews))
	c := testContract("transfer")
	c.RequiresHumanReview = true
	ctx := context.Background()

	approved := json.RawMessage(`{"amount":5}`)
	d := e.Check(ctx, c, execCtx(), approved)
	if err := reviews.Approve(ctx, d.ReviewQueueID, "bob"); err != nil {
		t.Fatalf("Approve: %v", err)
	}

	ec := execCtx()
	ec.ReviewID = d.ReviewQueueID
	for i := 0; i < 3; i++ {
		if got := e.Check(ctx, c, ec, json.RawMessage(`{"amount":999999}`)); got.Allowed {
			t.Fatalf("call %d: a review of amount=5 allowed amount=999999", i)
		}
	}
	pa, _ := reviews.Get(ctx, d.ReviewQueueID)
	if pa.Status != approval.StatusApproved {
		t.Errorf("mismatched calls must not use up the review, status = %s", pa.Status)
	}
	if got := e.Check(ctx, c, ec, approved); !got.Allowed {
		t.Errorf("approved input should still run once, got %+v", got)
	}
}

func TestCheck_AutoApproval(t *testing.T) {
	auto := approval.NewAutoApprover(&config.AutoApprovalConfig{
		AllowedTools:      []string{"refund"},
		RequiredApprovals: 1,
	}, testLogger())
	reviews := approval.NewManager(time.Hour, testLogger()).WithAutoApprover(auto)
	e := NewEngine(testLogger(), WithReviews(reviews), WithAutoApprover(auto))
	c := testContract("refund")
	c.RequiresHumanReview = true
	ctx := context.Background()
	input := json.RawMessage(`{"domain":"a.com"}`)

	d := e.Check(ctx, c, execCtx(), input)
	if err := reviews.Approve(ctx, d.ReviewQueueID, "bob"); err != nil {
		t.Fatalf("Approve: %v", err)
	}

	d = e.Check(ctx, c, execCtx(), input)
	if !d.Allowed || d.Reason == "" {
		t.Errorf("identical call should be auto-approved, got %+v", d)
	}
}

func TestCheck_ShortCircuitsBeforeReview(t *testing.T) {
	reviews := approval.NewManager(time.Hour, testLogger())
	e := NewEngine(testLogger(), WithReviews(reviews))
	c := Apply(testContract("wipe"), HighRiskToolPolicy())

	ec := execCtx()
	ec.Role = "viewer"
	d := e.Check(context.Background(), c, ec, nil)
	if d.Check != CheckRBAC || d.RequiresHumanReview {
		t.Errorf("RBAC denial should come first, got %+v", d)
	}
}

// --- Metrics ---

func TestCheck_RecordsMetrics(t *testing.T) {
	m := observability.NewMetricsCollector()
	e := NewEngine(testLogger(), WithMetrics(m))
	c := testContract("refund")
	c.RolesAllowed = []string{"admin"}
	ec := execCtx()
	ec.Role = "viewer"

	e.Check(context.Background(), c, ec, nil)
	e.Check(context.Background(), testContract("echo"), execCtx(), nil)

	if v := counter(t, m, CheckRBAC, "denied"); v != 1 {
		t.Errorf("rbac denied = %v, want 1", v)
	}
	if v := counter(t, m, "all", "allowed"); v != 1 {
		t.Errorf("all allowed = %v, want 1", v)
	}
}

func counter(t *testing.T, m *observability.MetricsCollector, check, result string) float64 {
	t.Helper()
	var metric dto.Metric
	if err := m.PolicyDecisionsTotal.WithLabelValues(check, result).Write(&metric); err != nil {
		t.Fatalf("reading counter: %v", err)
	}
	return metric.GetCounter().GetValue()
}

// --- Recipes ---

func TestRecipes(t *testing.T) {
	c := Apply(testContract("lookup"), PIISensitiveToolPolicy())
	if !c.InputSchema.Properties["password"].Sensitive {
		t.Error("password should be sensitive")
	}
	if c.RateLimit.MaxCalls != 50 || c.RateLimit.Scope != contract.ScopeUser {
		t.Errorf("unexpected rate limit: %+v", c.RateLimit)
	}

	c = Apply(testContract("pub"), PublicToolPolicy(0))
	if c.RateLimit.MaxCalls != 100 || c.RateLimit.Window != time.Hour {
		t.Errorf("public default: %+v", c.RateLimit)
	}

	c = Apply(testContract("verify"), VerifyToolPolicy("example.com"))
	if len(c.DomainWhitelist) != 1 || c.RateLimit.Scope != contract.ScopeSession {
		t.Errorf("verify recipe: %+v", c)
	}

	c = Apply(testContract("admin"), TenantIsolatedToolPolicy(), AdminOnlyToolPolicy())
	if c.RateLimit.Scope != contract.ScopeGlobal || len(c.RolesAllowed) != 1 || c.RolesAllowed[0] != "admin" {
		t.Errorf("later recipes should win: %+v %v", c.RateLimit, c.RolesAllowed)
	}
	c = Apply(testContract("tenant"), TenantIsolatedToolPolicy())
	if c.RateLimit.Scope != contract.ScopeTenant || c.RateLimit.MaxCalls != 1000 {
		t.Errorf("tenant recipe: %+v", c.RateLimit)
	}

	r := TimeWindowRule(9, 17)
	if !r.Matches(map[string]any{"currentHour": 12}) || r.Matches(map[string]any{"currentHour": 17}) {
		t.Error("time window bounds are exclusive")
	}
	if !CostLimitRule(0.5).Matches(map[string]any{"estimatedCost": 0.1}) {
		t.Error("cost below limit should match")
	}
}
