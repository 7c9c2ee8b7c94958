package registry

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jkaninda/toolgate/internal/audit"
	"github.com/jkaninda/toolgate/internal/contract"
	"github.com/jkaninda/toolgate/internal/observability"
	"github.com/jkaninda/toolgate/internal/policy"
	dto "github.com/prometheus/client_model/go"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func echoContract(id string, h contract.HandlerFunc) *contract.Contract {
	if h == nil {
		h = func(_ context.Context, input json.RawMessage) (any, error) {
			var in struct{ Message string }
			_ = json.Unmarshal(input, &in)
			return map[string]any{"echo": in.Message}, nil
		}
	}
	return &contract.Contract{
		ID:          id,
		Name:        "Echo",
		Version:     "1.2.0",
		Description: "Echoes a message",
		Category:    "test",
		Tags:        []string{"demo"},
		RiskLevel:   contract.RiskLow,
		PIILevel:    contract.PIILow,
		Idempotency: contract.IdempotencyStrong,
		InputSchema: contract.Object(map[string]*contract.Schema{
			"message": contract.String("text to echo"),
			"token":   contract.String("api token").Secret(),
		}, "message"),
		OutputSchema: contract.Object(map[string]*contract.Schema{
			"echo": contract.String(""),
		}, "echo"),
		CostProfile: &contract.CostProfile{EstimatedCostPerCall: 0.002},
		Handler:     h,
	}
}

type fixture struct {
	reg     *Registry
	audit   *audit.MemoryStore
	tracer  *observability.TracerSetup
	metrics *observability.MetricsCollector
}

func newFixture(t *testing.T, engine *policy.Engine) *fixture {
	t.Helper()
	tracer, err := observability.NewTracerSetup(nil)
	if err != nil {
		t.Fatalf("NewTracerSetup: %v", err)
	}
	t.Cleanup(func() { _ = tracer.Shutdown(context.Background()) })

	store := audit.NewMemoryStore()
	metrics := observability.NewMetricsCollector()
	return &fixture{
		reg:     New(engine, store, testLogger(), WithTracer(tracer), WithMetrics(metrics)),
		audit:   store,
		tracer:  tracer,
		metrics: metrics,
	}
}

func (f *fixture) entries(t *testing.T) []audit.Entry {
	t.Helper()
	es, err := f.audit.List(context.Background(), audit.Filter{})
	if err != nil {
		t.Fatal(err)
	}
	return es
}

func (f *fixture) executions(t *testing.T, tool, status string) float64 {
	t.Helper()
	var m dto.Metric
	if err := f.metrics.ToolExecutionsTotal.WithLabelValues(tool, status).Write(&m); err != nil {
		t.Fatal(err)
	}
	return m.GetCounter().GetValue()
}

// --- Registration ---

func TestRegister(t *testing.T) {
	f := newFixture(t, nil)
	if err := f.reg.Register(echoContract("echo", nil)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	err := f.reg.Register(echoContract("echo", nil))
	if !errors.Is(err, ErrDuplicateTool) {
		t.Errorf("expected ErrDuplicateTool, got %v", err)
	}

	bad := echoContract("bad", nil)
	bad.Version = "one"
	if err := f.reg.Register(bad); !errors.Is(err, contract.ErrInvalidContract) {
		t.Errorf("expected ErrInvalidContract, got %v", err)
	}
	if f.reg.Len() != 1 {
		t.Errorf("Len() = %d, want 1", f.reg.Len())
	}

	old := echoContract("echo_v0", nil)
	old.Deprecated = &contract.Deprecation{Message: "use echo", ReplacementToolID: "echo"}
	if err := f.reg.Register(old); err != nil {
		t.Errorf("deprecated tools still register: %v", err)
	}
}

// --- Invoke ---

func TestInvoke_Success(t *testing.T) {
	f := newFixture(t, nil)
	f.reg.MustRegister(echoContract("echo", nil))

	res := f.reg.Invoke(context.Background(), "echo",
		&contract.ExecutionContext{UserID: "alice", SessionID: "s1"},
		json.RawMessage(`{"message":"hi","token":"sk-123"}`))

	if !res.Success || res.Error != nil {
		t.Fatalf("expected success, got %+v", res)
	}
	if string(res.Output) != `{"echo":"hi"}` {
		t.Errorf("output = %s", res.Output)
	}
	if res.RequestID == "" || res.CorrelationID == "" || res.TraceID == "" || res.AuditID == "" {
		t.Errorf("ids not generated: %+v", res)
	}
	if res.Cost == nil || *res.Cost != 0.002 {
		t.Errorf("cost = %v", res.Cost)
	}
	if res.PolicyDecision == nil || !res.PolicyDecision.Allowed {
		t.Errorf("policy decision = %+v", res.PolicyDecision)
	}

	es := f.entries(t)
	if len(es) != 1 {
		t.Fatalf("got %d audit entries, want 1", len(es))
	}
	e := es[0]
	if e.Status != audit.StatusSuccess || e.ID != res.AuditID || e.UserID != "alice" || e.ToolVersion != "1.2.0" {
		t.Errorf("unexpected entry: %+v", e)
	}
	in, _ := e.Input.(map[string]any)
	if in["token"] != contract.Redacted || in["message"] != "hi" {
		t.Errorf("input not redacted: %v", e.Input)
	}
	if e.Metadata["requestId"] != res.RequestID || e.Metadata["cost"] != 0.002 {
		t.Errorf("metadata = %v", e.Metadata)
	}
	if got := f.executions(t, "echo", "success"); got != 1 {
		t.Errorf("success counter = %v", got)
	}
}

func TestInvoke_KeepsCallerIDs(t *testing.T) {
	f := newFixture(t, nil)
	f.reg.MustRegister(echoContract("echo", nil))
	res := f.reg.Invoke(context.Background(), "echo",
		&contract.ExecutionContext{RequestID: "r1", CorrelationID: "c1", TraceID: "t1"},
		json.RawMessage(`{"message":"x"}`))
	if res.RequestID != "r1" || res.CorrelationID != "c1" || res.TraceID != "t1" {
		t.Errorf("caller ids not kept: %+v", res)
	}
}

func TestInvoke_NotFound(t *testing.T) {
	f := newFixture(t, nil)
	res := f.reg.Invoke(context.Background(), "missing", nil, json.RawMessage(`{}`))
	if res.Success || res.Error == nil || res.Error.Status != 404 {
		t.Fatalf("expected not found, got %+v", res)
	}
	if es := f.entries(t); len(es) != 1 || es[0].Status != audit.StatusError {
		t.Errorf("not found should be audited once: %+v", es)
	}
}

func TestInvoke_ValidationFailed(t *testing.T) {
	f := newFixture(t, nil)
	called := false
	f.reg.MustRegister(echoContract("echo", func(context.Context, json.RawMessage) (any, error) {
		called = true
		return map[string]any{"echo": ""}, nil
	}))

	res := f.reg.Invoke(context.Background(), "echo", nil, json.RawMessage(`{"message":42}`))
	if res.Success || res.Error == nil || res.Error.Status != 400 || len(res.Error.Errors["input"]) == 0 {
		t.Fatalf("expected validation problem, got %+v", res)
	}
	if called {
		t.Error("handler must not run on invalid input")
	}
	if es := f.entries(t); len(es) != 1 || es[0].Status != audit.StatusError {
		t.Errorf("unexpected audit: %+v", es)
	}

	tr, ok := f.tracer.Export(res.TraceID)
	if !ok || len(tr.Spans) != 1 {
		t.Fatalf("trace not recorded: %+v", tr)
	}
	span := tr.Spans[0]
	if span.Name != "tool.echo" || span.Status != "error" || span.Attributes["validation_error"] == nil {
		t.Errorf("unexpected span: %+v", span)
	}
}

func TestInvoke_ValidationFailedKeepsSecretsOut(t *testing.T) {
	const secret = "SUPER-SECRET-123"
	f := newFixture(t, nil)
	c := echoContract("echo", nil)
	token := contract.String("api token").Secret()
	token.Pattern = "^tok_[a-z]+$"
	c.InputSchema.Properties["token"] = token
	f.reg.MustRegister(c)

	res := f.reg.Invoke(context.Background(), "echo", nil,
		json.RawMessage(`{"message":"hi","token":"`+secret+`"}`))
	if res.Success || res.Error == nil || res.Error.Status != 400 {
		t.Fatalf("expected validation problem, got %+v", res)
	}
	if got := res.Error.Errors["input"]; len(got) != 1 || got[0] != "/token: invalid value" {
		t.Errorf("got details %v, want [/token: invalid value]", got)
	}
	problem, _ := json.Marshal(res.Error)
	if strings.Contains(string(problem), secret) {
		t.Errorf("secret in problem: %s", problem)
	}

	tr, ok := f.tracer.Export(res.TraceID)
	if !ok || len(tr.Spans) != 1 || tr.Spans[0].Attributes["validation_error"] == nil {
		t.Fatalf("trace not recorded: %+v", tr)
	}
	spans, _ := json.Marshal(tr)
	if strings.Contains(string(spans), secret) {
		t.Errorf("secret in trace export: %s", spans)
	}

	entries, _ := json.Marshal(f.entries(t))
	if strings.Contains(string(entries), secret) {
		t.Errorf("secret in audit: %s", entries)
	}
}

func TestInvoke_PolicyBlocked(t *testing.T) {
	f := newFixture(t, policy.NewEngine(testLogger()))
	c := echoContract("admin_echo", nil)
	c.RolesAllowed = []string{"admin"}
	f.reg.MustRegister(c)

	res := f.reg.Invoke(context.Background(), "admin_echo",
		&contract.ExecutionContext{Role: "guest"}, json.RawMessage(`{"message":"x"}`))
	if res.Success || res.Error == nil || res.Error.Status != 403 {
		t.Fatalf("expected policy problem, got %+v", res)
	}
	if res.Error.Detail != `Role "guest" not allowed for tool "admin_echo"` {
		t.Errorf("detail = %q", res.Error.Detail)
	}
	if res.PolicyDecision == nil || res.PolicyDecision.Allowed {
		t.Errorf("decision = %+v", res.PolicyDecision)
	}
	es := f.entries(t)
	if len(es) != 1 || es[0].Status != audit.StatusBlocked || es[0].PolicyReason == "" {
		t.Errorf("unexpected audit: %+v", es)
	}
	if got := f.executions(t, "admin_echo", "blocked"); got != 1 {
		t.Errorf("blocked counter = %v", got)
	}
}

func TestInvoke_HandlerErrorAndPanic(t *testing.T) {
	f := newFixture(t, nil)
	f.reg.MustRegister(echoContract("fails", func(context.Context, json.RawMessage) (any, error) {
		return nil, errors.New("upstream down")
	}))
	f.reg.MustRegister(echoContract("panics", func(context.Context, json.RawMessage) (any, error) {
		panic("boom")
	}))
	f.reg.MustRegister(echoContract("bad_output", func(context.Context, json.RawMessage) (any, error) {
		return map[string]any{"echo": 1}, nil
	}))

	tests := []struct {
		tool, detail string
	}{
		{"fails", "upstream down"},
		{"panics", "handler panic: boom"},
		{"bad_output", "Output validation failed"},
	}
	for _, tt := range tests {
		t.Run(tt.tool, func(t *testing.T) {
			res := f.reg.Invoke(context.Background(), tt.tool, nil, json.RawMessage(`{"message":"x"}`))
			if res.Success || res.Error == nil || res.Error.Status != 500 {
				t.Fatalf("expected execution problem, got %+v", res)
			}
			if !strings.Contains(res.Error.Detail, tt.detail) {
				t.Errorf("detail = %q, want %q", res.Error.Detail, tt.detail)
			}
		})
	}
	if n := len(f.entries(t)); n != 3 {
		t.Errorf("got %d audit entries, want 3", n)
	}
}

func TestInvoke_HandlerSeesExecutionContext(t *testing.T) {
	f := newFixture(t, nil)
	var got *contract.ExecutionContext
	f.reg.MustRegister(echoContract("ctx", func(ctx context.Context, _ json.RawMessage) (any, error) {
		got, _ = contract.FromContext(ctx)
		return map[string]any{"echo": "ok"}, nil
	}))
	res := f.reg.Invoke(context.Background(), "ctx", &contract.ExecutionContext{TenantID: "acme"}, json.RawMessage(`{"message":"x"}`))
	if got == nil || got.TenantID != "acme" || got.RequestID != res.RequestID || got.StartTime.IsZero() {
		t.Errorf("handler context = %+v", got)
	}
}

func TestInvoke_Concurrent(t *testing.T) {
	f := newFixture(t, nil)
	f.reg.MustRegister(echoContract("echo", nil))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.reg.Invoke(context.Background(), "echo", nil, json.RawMessage(`{"message":"x"}`))
		}()
	}
	wg.Wait()
	if n := len(f.entries(t)); n != 20 {
		t.Errorf("got %d audit entries, want 20", n)
	}
}

func TestInvoke_Latency(t *testing.T) {
	f := newFixture(t, nil)
	f.reg.MustRegister(echoContract("slow", func(context.Context, json.RawMessage) (any, error) {
		time.Sleep(20 * time.Millisecond)
		return map[string]any{"echo": "ok"}, nil
	}))
	res := f.reg.Invoke(context.Background(), "slow", nil, json.RawMessage(`{"message":"x"}`))
	if res.LatencyMs < 20 {
		t.Errorf("latency = %dms, want >= 20", res.LatencyMs)
	}
}

// --- Discovery ---

func TestDiscovery(t *testing.T) {
	f := newFixture(t, nil)
	f.reg.MustRegister(echoContract("b_tool", nil))
	f.reg.MustRegister(echoContract("a_tool", nil))

	list := f.reg.List()
	if len(list) != 2 || list[0].ID != "b_tool" || list[1].ID != "a_tool" {
		t.Fatalf("list should keep registration order: %+v", list)
	}
	if list[0].InputSchema["type"] != "object" || list[0].RiskLevel != contract.RiskLow {
		t.Errorf("descriptor = %+v", list[0])
	}

	fns := f.reg.OpenAITools()
	if len(fns) != 2 || fns[0].Type != "function" || fns[0].Function.Name != "b_tool" {
		t.Fatalf("openai tools = %+v", fns)
	}
	data, err := json.Marshal(fns[0])
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"parameters":{`) {
		t.Errorf("unexpected JSON: %s", data)
	}
}
