package contract

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"
)

func validContract() *Contract {
	return &Contract{
		ID:          "lead_lookup",
		Name:        "Lead lookup",
		Version:     "1.0.0",
		Description: "Finds a lead by email",
		Category:    "crm",
		RiskLevel:   RiskLow,
		PIILevel:    PIIMedium,
		Idempotency: IdempotencyStrong,
		InputSchema: Object(map[string]*Schema{
			"email": {Type: "string", Format: "email"},
			"limit": Integer("max rows"),
		}, "email"),
		OutputSchema: Object(map[string]*Schema{
			"found": Boolean(""),
		}, "found"),
		Handler: HandlerFunc(func(ctx context.Context, input json.RawMessage) (any, error) {
			return map[string]any{"found": true}, nil
		}),
	}
}

// --- Contract validation ---

func TestValidate_OK(t *testing.T) {
	if err := Validate(validContract()); err != nil {
		t.Fatalf("Validate() error: %v", err)
	}
}

func TestValidate_Problems(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Contract)
		want   string
	}{
		{"missing id", func(c *Contract) { c.ID = "" }, "valid id"},
		{"bad version", func(c *Contract) { c.Version = "v1" }, "not valid semver"},
		{"bad risk", func(c *Contract) { c.RiskLevel = "extreme" }, "invalid riskLevel"},
		{"no handler", func(c *Contract) { c.Handler = nil }, "must have a handler"},
		{"no input schema", func(c *Contract) { c.InputSchema = nil }, "inputSchema"},
		{"zero rate limit", func(c *Contract) { c.RateLimit = &RateLimit{MaxCalls: 0, Window: time.Second} }, "maxCalls"},
		{"zero window", func(c *Contract) { c.RateLimit = &RateLimit{MaxCalls: 1} }, "window"},
		{"negative cost", func(c *Contract) { c.CostProfile = &CostProfile{EstimatedCostPerCall: -1} }, "estimatedCostPerCall"},
		{"example without input", func(c *Contract) { c.Examples = []Example{{Name: "x"}} }, "must have an input"},
		{"example not matching", func(c *Contract) {
			c.Examples = []Example{{Name: "x", Input: json.RawMessage(`{"limit":1}`)}}
		}, "does not match inputSchema"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validContract()
			tt.mutate(c)
			err := Validate(c)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !errors.Is(err, ErrInvalidContract) {
				t.Errorf("error should wrap ErrInvalidContract, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("got %q, want substring %q", err.Error(), tt.want)
			}
		})
	}
}

func TestValidate_ReportsAllProblems(t *testing.T) {
	err := Validate(&Contract{})
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"valid id", "valid name", "valid version", "valid description", "valid category"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("missing %q in %q", want, err.Error())
		}
	}
}

// --- Payload validation ---

func TestCompiled_ValidateInput(t *testing.T) {
	c, err := Compile(validContract())
	if err != nil {
		t.Fatalf("Compile() error: %v", err)
	}
	if err := c.ValidateInput(json.RawMessage(`{"email":"a@example.com","limit":3}`)); err != nil {
		t.Fatalf("valid input rejected: %v", err)
	}

	err = c.ValidateInput(json.RawMessage(`{"email":"not-an-email"}`))
	if err == nil {
		t.Fatal("expected format violation")
	}
	if !errors.Is(err, ErrValidation) {
		t.Errorf("error should wrap ErrValidation")
	}
	var ve *ValidationError
	if !errors.As(err, &ve) || len(ve.Details) == 0 {
		t.Fatalf("expected ValidationError with details, got %v", err)
	}
	if !strings.HasPrefix(err.Error(), "Validation failed:") {
		t.Errorf("got %q, want prefix %q", err.Error(), "Validation failed:")
	}

	if err := c.ValidateInput(json.RawMessage(`{`)); err == nil {
		t.Error("expected error for malformed JSON")
	}
}

func TestValidator_SensitiveMessagesOmitValue(t *testing.T) {
	tok := String("api token").Secret()
	tok.Pattern = "^tok_[a-z]+$"
	s := Object(map[string]*Schema{
		"token": tok,
		"keys":  Array(String("").Secret(), ""),
		"name":  {Type: "string", Pattern: "^[a-z]+$"},
	}, "token")
	v, err := s.Compile()
	if err != nil {
		t.Fatalf("Compile() error: %v", err)
	}

	msgs := v.ValidateJSON(json.RawMessage(`{"token":"SUPER-SECRET-123","keys":[7],"name":"Visible-9"}`))
	joined := strings.Join(msgs, "\n")
	if strings.Contains(joined, "SUPER-SECRET-123") {
		t.Errorf("secret value leaked into %q", joined)
	}
	for _, want := range []string{"/token: invalid value", "/keys/0: invalid value"} {
		if !slices.Contains(msgs, want) {
			t.Errorf("missing %q in %v", want, msgs)
		}
	}
	// non-sensitive fields keep the full constraint message
	if !strings.Contains(joined, "/name: ") || strings.Contains(joined, "/name: invalid value") {
		t.Errorf("expected detailed message for /name, got %v", msgs)
	}
}

func TestCompiled_ValidateOutput(t *testing.T) {
	c, err := Compile(validContract())
	if err != nil {
		t.Fatalf("Compile() error: %v", err)
	}
	raw, err := c.ValidateOutput(map[string]any{"found": true})
	if err != nil {
		t.Fatalf("ValidateOutput() error: %v", err)
	}
	if string(raw) != `{"found":true}` {
		t.Errorf("got %s, want %s", raw, `{"found":true}`)
	}
	if _, err := c.ValidateOutput(map[string]any{"found": "yes"}); err == nil {
		t.Fatal("expected output validation error")
	} else if !strings.HasPrefix(err.Error(), "Output validation failed:") {
		t.Errorf("got %q", err.Error())
	}
}

func TestSchema_JSON(t *testing.T) {
	s := Object(map[string]*Schema{
		"token": String("api token").Secret(),
	}, "token").Closed()
	doc := s.JSON()
	if doc["type"] != "object" {
		t.Errorf("got type %v, want object", doc["type"])
	}
	if doc["additionalProperties"] != false {
		t.Errorf("got additionalProperties %v, want false", doc["additionalProperties"])
	}
	props := doc["properties"].(map[string]any)
	token := props["token"].(map[string]any)
	if token["x-sensitive"] != true {
		t.Errorf("sensitive annotation not serialized: %v", token)
	}
}

// --- Redaction ---

func TestRedact_Nested(t *testing.T) {
	s := Object(map[string]*Schema{
		"name":     String(""),
		"password": String("").Secret(),
		"card": Object(map[string]*Schema{
			"number": String("").Secret(),
			"brand":  String(""),
		}),
		"contacts": Array(Object(map[string]*Schema{
			"phone": String("").Secret(),
		}), ""),
	})
	in := map[string]any{
		"name":     "Ada",
		"password": "hunter2",
		"card":     map[string]any{"number": "4111", "brand": "visa"},
		"contacts": []any{map[string]any{"phone": "555"}},
		"extra":    "kept",
	}
	out := Redact(s, in).(map[string]any)
	if out["name"] != "Ada" || out["extra"] != "kept" {
		t.Errorf("non-sensitive values changed: %v", out)
	}
	if out["password"] != Redacted {
		t.Errorf("password: got %v, want %s", out["password"], Redacted)
	}
	card := out["card"].(map[string]any)
	if card["number"] != Redacted || card["brand"] != "visa" {
		t.Errorf("card: got %v", card)
	}
	phone := out["contacts"].([]any)[0].(map[string]any)["phone"]
	if phone != Redacted {
		t.Errorf("phone: got %v, want %s", phone, Redacted)
	}
	if in["password"] != "hunter2" {
		t.Error("input map was mutated")
	}
}

// --- Problems & context ---

func TestProblems(t *testing.T) {
	if p := NotFound("x"); p.Status != 404 || !strings.HasSuffix(p.Type, "tool-not-found") {
		t.Errorf("NotFound: %+v", p)
	}
	if p := ValidationFailed("x", []string{"a"}); p.Status != 400 || len(p.Errors["input"]) != 1 {
		t.Errorf("ValidationFailed: %+v", p)
	}
	if p := PolicyBlocked("x", "nope"); p.Status != 403 || p.Detail != "nope" {
		t.Errorf("PolicyBlocked: %+v", p)
	}
	if p := ExecutionFailed("x", "boom"); p.Status != 500 || !strings.HasSuffix(p.Type, "tool-execution-failed") {
		t.Errorf("ExecutionFailed: %+v", p)
	}
	if p := ProblemFor("budget_exceeded", ""); p.Status != 429 || !strings.HasSuffix(p.Type, "budget-exceeded") {
		t.Errorf("ProblemFor: %+v", p)
	}
}

func TestExecutionContext_RoundTrip(t *testing.T) {
	ec := &ExecutionContext{RequestID: "r1", Attributes: map[string]any{"dept": "sales"}}
	ctx := WithExecutionContext(context.Background(), ec)
	got, ok := FromContext(ctx)
	if !ok || got.RequestID != "r1" {
		t.Fatalf("FromContext: got %v, %v", got, ok)
	}
	if v, ok := got.Attribute("dept"); !ok || v != "sales" {
		t.Errorf("Attribute: got %v, %v", v, ok)
	}
	if _, ok := FromContext(context.Background()); ok {
		t.Error("expected no context on background")
	}
}
