// Package contract defines tool contracts: the typed metadata, schemas and
// handler a tool exposes, plus the validation applied to contracts and to the
// payloads that flow through them.
package contract

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Sentinel errors for contract handling.
var (
	ErrInvalidContract = errors.New("invalid tool contract")
	ErrValidation      = errors.New("validation failed")
)

// RiskLevel classifies the danger of invoking a tool.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Valid reports whether r is a known risk level.
func (r RiskLevel) Valid() bool {
	switch r {
	case RiskLow, RiskMedium, RiskHigh, RiskCritical:
		return true
	}
	return false
}

// PIILevel declares how much personal data a tool touches.
type PIILevel string

const (
	PIINone     PIILevel = "none"
	PIILow      PIILevel = "low"
	PIIMedium   PIILevel = "medium"
	PIIHigh     PIILevel = "high"
	PIICritical PIILevel = "critical"
)

func (p PIILevel) Valid() bool {
	switch p {
	case PIINone, PIILow, PIIMedium, PIIHigh, PIICritical:
		return true
	}
	return false
}

// Idempotency declares whether repeated calls with the same input are safe.
type Idempotency string

const (
	IdempotencyNone   Idempotency = "none"
	IdempotencyWeak   Idempotency = "weak"
	IdempotencyStrong Idempotency = "strong"
)

func (i Idempotency) Valid() bool {
	switch i {
	case IdempotencyNone, IdempotencyWeak, IdempotencyStrong:
		return true
	}
	return false
}

// RateLimitScope selects the entity a rate-limit counter is keyed by.
type RateLimitScope string

const (
	ScopeGlobal  RateLimitScope = "global"
	ScopeSession RateLimitScope = "session"
	ScopeLead    RateLimitScope = "lead"
	ScopeUser    RateLimitScope = "user"
	ScopeTenant  RateLimitScope = "tenant"
)

func (s RateLimitScope) Valid() bool {
	switch s {
	case ScopeGlobal, ScopeSession, ScopeLead, ScopeUser, ScopeTenant:
		return true
	}
	return false
}

// RateLimit caps calls per fixed window.
type RateLimit struct {
	MaxCalls int            `json:"maxCalls"`
	Window   time.Duration  `json:"-"`
	Scope    RateLimitScope `json:"scope"`
}

// MarshalJSON emits the window in milliseconds.
func (r RateLimit) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		MaxCalls int            `json:"maxCalls"`
		WindowMs int64          `json:"windowMs"`
		Scope    RateLimitScope `json:"scope"`
	}{r.MaxCalls, r.Window.Milliseconds(), r.Scope})
}

// CostProfile describes the expected monetary cost of one call.
type CostProfile struct {
	EstimatedCostPerCall float64 `json:"estimatedCostPerCall"`
	MaxCostPerCall       float64 `json:"maxCostPerCall,omitempty"`
	CallsExternalAPI     bool    `json:"callsExternalApi"`
	IsExpensive          bool    `json:"isExpensive"`
}

// Example is a documented sample invocation.
type Example struct {
	Name           string          `json:"name"`
	Description    string          `json:"description,omitempty"`
	Input          json.RawMessage `json:"input"`
	ExpectedOutput json.RawMessage `json:"expectedOutput,omitempty"`
}

// Deprecation marks a contract as superseded.
type Deprecation struct {
	Message           string `json:"message,omitempty"`
	ReplacementToolID string `json:"replacementToolId,omitempty"`
}

// Handler executes a tool. The ExecutionContext of the call is available
// through FromContext.
type Handler interface {
	Execute(ctx context.Context, input json.RawMessage) (any, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, input json.RawMessage) (any, error)

// Execute calls f(ctx, input).
func (f HandlerFunc) Execute(ctx context.Context, input json.RawMessage) (any, error) {
	return f(ctx, input)
}

// Contract is the full declaration of a callable tool.
type Contract struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	Description string   `json:"description"`
	Category    string   `json:"category"`
	Tags        []string `json:"tags,omitempty"`

	RiskLevel   RiskLevel   `json:"riskLevel"`
	PIILevel    PIILevel    `json:"piiLevel"`
	Idempotency Idempotency `json:"idempotency"`

	InputSchema  *Schema `json:"inputSchema"`
	OutputSchema *Schema `json:"outputSchema"`

	// Policy metadata.
	RolesAllowed        []string   `json:"rolesAllowed,omitempty"`
	RequiredPermissions []string   `json:"requiredPermissions,omitempty"`
	RateLimit           *RateLimit `json:"rateLimit,omitempty"`
	DomainWhitelist     []string   `json:"domainWhitelist,omitempty"`
	RequiresHumanReview bool       `json:"requiresHumanReview,omitempty"`

	CostProfile *CostProfile `json:"costProfile,omitempty"`
	Examples    []Example    `json:"examples,omitempty"`
	Deprecated  *Deprecation `json:"deprecated,omitempty"`

	Author           string `json:"author,omitempty"`
	DocumentationURL string `json:"documentationUrl,omitempty"`

	Handler Handler `json:"-"`
}
