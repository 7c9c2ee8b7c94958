package mcpserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/jkaninda/toolgate/internal/approval"
	"github.com/jkaninda/toolgate/internal/audit"
	"github.com/jkaninda/toolgate/internal/contract"
	"github.com/jkaninda/toolgate/internal/policy"
	"github.com/jkaninda/toolgate/internal/registry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func echoContract(id string, risk contract.RiskLevel, review bool) *contract.Contract {
	return &contract.Contract{
		ID:          id,
		Name:        "Echo",
		Version:     "1.0.0",
		Description: "Echoes a message",
		Category:    "test",
		RiskLevel:   risk,
		PIILevel:    contract.PIILow,
		Idempotency: contract.IdempotencyStrong,
		InputSchema: contract.Object(map[string]*contract.Schema{
			"message": contract.String("text to echo"),
		}, "message"),
		OutputSchema: contract.Object(map[string]*contract.Schema{
			"echo": contract.String(""),
		}, "echo"),
		RequiresHumanReview: review,
		Handler: contract.HandlerFunc(func(_ context.Context, input json.RawMessage) (any, error) {
			var in struct{ Message string }
			_ = json.Unmarshal(input, &in)
			return map[string]any{"echo": in.Message}, nil
		}),
	}
}

type fixture struct {
	client  *mcpclient.Client
	audit   *audit.MemoryStore
	reviews *approval.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reviews := approval.NewManager(time.Hour, testLogger())
	store := audit.NewMemoryStore()
	reg := registry.New(policy.NewEngine(testLogger(), policy.WithReviews(reviews)), store, testLogger())
	reg.MustRegister(echoContract("echo", contract.RiskLow, false))
	reg.MustRegister(echoContract("deploy", contract.RiskHigh, true))

	g := New(Config{
		Version: "test",
		Context: contract.ExecutionContext{UserID: "operator", SessionID: "stdio"},
	}, reg, testLogger())

	ctx := context.Background()
	c, err := mcpclient.NewInProcessClient(g.Server())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })
	if err := c.Start(ctx); err != nil {
		t.Fatal(err)
	}
	init := mcp.InitializeRequest{}
	init.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	init.Params.ClientInfo = mcp.Implementation{Name: "test", Version: "0"}
	if _, err := c.Initialize(ctx, init); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return &fixture{client: c, audit: store, reviews: reviews}
}

func (f *fixture) call(t *testing.T, name string, args map[string]any, meta *mcp.Meta) *mcp.CallToolResult {
	t.Helper()
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	req.Params.Meta = meta
	res, err := f.client.CallTool(context.Background(), req)
	if err != nil {
		t.Fatalf("CallTool(%s): %v", name, err)
	}
	return res
}

func text(res *mcp.CallToolResult) string {
	var parts []string
	for _, c := range res.Content {
		if tc, ok := mcp.AsTextContent(c); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func TestListTools(t *testing.T) {
	f := newFixture(t)
	res, err := f.client.ListTools(context.Background(), mcp.ListToolsRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Tools) != 2 {
		t.Fatalf("tools = %d, want 2", len(res.Tools))
	}
	byName := map[string]mcp.Tool{}
	for _, tool := range res.Tools {
		byName[tool.Name] = tool
	}

	echo := byName["echo"]
	if echo.Description != "Echoes a message" {
		t.Errorf("description = %q", echo.Description)
	}
	if h := echo.Annotations.ReadOnlyHint; h == nil || !*h {
		t.Error("low-risk tool should be read-only")
	}
	if h := byName["deploy"].Annotations.DestructiveHint; h == nil || !*h {
		t.Error("high-risk tool should be destructive")
	}

	var schema map[string]any
	raw := echo.RawInputSchema
	if len(raw) == 0 {
		raw, _ = json.Marshal(echo.InputSchema)
	}
	if err := json.Unmarshal(raw, &schema); err != nil {
		t.Fatal(err)
	}
	if schema["type"] != "object" {
		t.Errorf("schema = %v", schema)
	}
}

func TestCallTool(t *testing.T) {
	f := newFixture(t)
	res := f.call(t, "echo", map[string]any{"message": "hi"}, nil)
	if res.IsError || text(res) != `{"echo":"hi"}` {
		t.Fatalf("result = %+v", res)
	}

	entries, _ := f.audit.List(context.Background(), audit.Filter{})
	if len(entries) != 1 || entries[0].UserID != "operator" || entries[0].SessionID != "stdio" {
		t.Errorf("audit = %+v", entries)
	}
}

func TestCallTool_ValidationError(t *testing.T) {
	f := newFixture(t)
	res := f.call(t, "echo", map[string]any{}, nil)
	if !res.IsError {
		t.Fatal("expected error result")
	}
	if !strings.Contains(text(res), "message") {
		t.Errorf("error text = %q", text(res))
	}
}

func TestCallTool_HumanReview(t *testing.T) {
	f := newFixture(t)
	args := map[string]any{"message": "ship it"}

	res := f.call(t, "deploy", args, nil)
	if !res.IsError || !strings.Contains(text(res), "_meta.reviewId") {
		t.Fatalf("result = %q", text(res))
	}
	entries, _ := f.audit.List(context.Background(), audit.Filter{Status: audit.StatusBlocked})
	if len(entries) != 1 {
		t.Fatalf("blocked entries = %d", len(entries))
	}

	// The review id is embedded in the policy reason.
	reason := text(res)
	id := strings.TrimSuffix(reason[strings.Index(reason, "Review ID: ")+len("Review ID: "):], ". Retry with _meta.reviewId once a reviewer approves it.")
	if err := f.reviews.Approve(context.Background(), id, "reviewer"); err != nil {
		t.Fatalf("Approve(%q): %v", id, err)
	}

	res = f.call(t, "deploy", args, &mcp.Meta{AdditionalFields: map[string]any{"reviewId": id}})
	if res.IsError {
		t.Fatalf("approved retry failed: %q", text(res))
	}
}

func TestErrorText(t *testing.T) {
	res := &registry.Result{Error: &contract.Problem{
		Title:  "Validation failed",
		Detail: "input does not match the schema",
		Errors: map[string][]string{"input": {"b", "a"}},
	}}
	want := "Validation failed: input does not match the schema\n- input: b\n- input: a"
	if got := errorText(res); got != want {
		t.Errorf("errorText = %q, want %q", got, want)
	}
	if got := errorText(&registry.Result{}); got != "tool invocation failed" {
		t.Errorf("empty = %q", got)
	}
}
