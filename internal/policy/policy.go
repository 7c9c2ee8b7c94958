// Package policy decides whether a tool invocation may proceed. Checks run
// in a fixed order and the first denial wins:
//
//	tenant → rbac → abac → permissions → rate_limit → domain → human_review
//
// A denial names the check that produced it.
package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/jkaninda/toolgate/internal/approval"
	"github.com/jkaninda/toolgate/internal/contract"
	"github.com/jkaninda/toolgate/internal/observability"
	"github.com/jkaninda/toolgate/internal/ratelimit"
)

// Check names.
const (
	CheckTenant      = "tenant"
	CheckRBAC        = "rbac"
	CheckABAC        = "abac"
	CheckPermissions = "permissions"
	CheckRateLimit   = "rate_limit"
	CheckDomain      = "domain"
	CheckHumanReview = "human_review"
)

// Decision is the outcome of a policy evaluation.
type Decision struct {
	Allowed             bool   `json:"allowed"`
	Reason              string `json:"reason,omitempty"`
	RequiresHumanReview bool   `json:"requiresHumanReview,omitempty"`
	ReviewQueueID       string `json:"reviewQueueId,omitempty"`
	TenantIsolated      bool   `json:"tenantIsolated,omitempty"`
	Check               string `json:"check,omitempty"`
}

func deny(check, format string, args ...any) Decision {
	return Decision{Check: check, Reason: fmt.Sprintf(format, args...)}
}

// Engine evaluates contracts against an execution context. Safe for concurrent use.
type Engine struct {
	tenantIsolation bool
	rules           *ruleSet
	counter         ratelimit.Counter
	reviews         approval.ApprovalManager
	auto            *approval.AutoApprover
	metrics         *observability.MetricsCollector
	logger          *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithTenantIsolation toggles tenant tagging and cross-tenant denial.
func WithTenantIsolation(enabled bool) Option {
	return func(e *Engine) { e.tenantIsolation = enabled }
}

// WithRules installs ABAC rules.
func WithRules(rules ...ABACRule) Option {
	return func(e *Engine) { e.rules.add(rules...) }
}

// WithCounter sets the rate-limit backend. Default: in-memory window.
func WithCounter(c ratelimit.Counter) Option {
	return func(e *Engine) { e.counter = c }
}

// WithReviews sets the review queue. Default: in-memory with a 24h TTL.
func WithReviews(m approval.ApprovalManager) Option {
	return func(e *Engine) { e.reviews = m }
}

// WithAutoApprover lets repeatedly approved calls skip review.
func WithAutoApprover(a *approval.AutoApprover) Option {
	return func(e *Engine) { e.auto = a }
}

// WithMetrics records every decision.
func WithMetrics(m *observability.MetricsCollector) Option {
	return func(e *Engine) { e.metrics = m }
}

// NewEngine creates a policy engine. Tenant isolation is on by default.
func NewEngine(logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		tenantIsolation: true,
		rules:           &ruleSet{},
		logger:          logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.counter == nil {
		e.counter = ratelimit.NewWindow()
	}
	if e.reviews == nil {
		e.reviews = approval.NewManager(24*time.Hour, logger)
	}
	return e
}

// AddRule appends an ABAC rule and keeps rules in priority order.
func (e *Engine) AddRule(r ABACRule) { e.rules.add(r) }

// Rules returns a copy of the installed ABAC rules, highest priority first.
func (e *Engine) Rules() []ABACRule { return e.rules.list() }

// Reviews returns the review queue used for human-review escalation.
func (e *Engine) Reviews() approval.ApprovalManager { return e.reviews }

// Check evaluates every policy stage for one invocation of c.
func (e *Engine) Check(ctx context.Context, c *contract.Contract, ec *contract.ExecutionContext, input json.RawMessage) Decision {
	d := e.evaluate(ctx, c, ec, input)

	check := d.Check
	if check == "" {
		check = "all"
	}
	e.metrics.RecordPolicyDecision(check, d.Allowed)
	if !d.Allowed {
		e.logger.WarnContext(ctx, "policy denied",
			slog.String("tool_id", c.ID),
			slog.String("check", d.Check),
			slog.String("reason", d.Reason),
			slog.String("request_id", ec.RequestID),
		)
	}
	return d
}

func (e *Engine) evaluate(ctx context.Context, c *contract.Contract, ec *contract.ExecutionContext, input json.RawMessage) Decision {
	var isolated bool

	// 1. Tenant isolation.
	if e.tenantIsolation && ec.TenantID != "" {
		if owner, ok := ec.Attribute("tenant_id"); ok {
			if s, isStr := owner.(string); isStr && s != "" && s != ec.TenantID {
				d := deny(CheckTenant, "Cross-tenant access denied")
				d.TenantIsolated = true
				return d
			}
		}
		isolated = true
	}

	tag := func(d Decision) Decision {
		d.TenantIsolated = isolated
		return d
	}

	// 2. RBAC.
	if len(c.RolesAllowed) > 0 && ec.Role != "" && !slices.Contains(c.RolesAllowed, ec.Role) {
		return tag(deny(CheckRBAC, "Role %q not allowed for tool %q", ec.Role, c.ID))
	}

	// 3. ABAC.
	if len(ec.Attributes) > 0 {
		if rule, ok := e.rules.firstMatch(ec.Attributes); ok && rule.Effect == EffectDeny {
			return tag(deny(CheckABAC, "ABAC rule %q denied access", rule.Name))
		}
	}

	// 4. Permissions.
	if len(c.RequiredPermissions) > 0 {
		for _, p := range c.RequiredPermissions {
			if !slices.Contains(ec.Permissions, p) {
				return tag(deny(CheckPermissions, "Missing required permissions: %s", strings.Join(c.RequiredPermissions, ", ")))
			}
		}
	}

	// 5. Rate limit.
	if rl := c.RateLimit; rl != nil {
		key := RateLimitKey(c.ID, rl.Scope, ec)
		if res := e.counter.Hit(ctx, key, rl.MaxCalls, rl.Window); !res.Allowed {
			return tag(deny(CheckRateLimit, "Rate limit exceeded: %d calls per %dms", rl.MaxCalls, rl.Window.Milliseconds()))
		}
	}

	// 6. Domain whitelist.
	if len(c.DomainWhitelist) > 0 {
		if domain := inputDomain(input); domain != "" && !domainAllowed(domain, c.DomainWhitelist) {
			return tag(deny(CheckDomain, "Domain %q not in whitelist", domain))
		}
	}

	// 7. Human review.
	if c.RequiresHumanReview {
		return tag(e.checkReview(ctx, c, ec, input))
	}

	return tag(Decision{Allowed: true})
}

func (e *Engine) checkReview(ctx context.Context, c *contract.Contract, ec *contract.ExecutionContext, input json.RawMessage) Decision {
	if ec.ReviewID != "" {
		err := approval.CheckApproved(ctx, e.reviews, ec.ReviewID, c.ID, ec.UserID, input)
		if err == nil {
			return Decision{Allowed: true, Check: CheckHumanReview, ReviewQueueID: ec.ReviewID}
		}
		e.logger.InfoContext(ctx, "presented review not usable",
			slog.String("review_id", ec.ReviewID),
			slog.String("tool_id", c.ID),
			slog.String("error", err.Error()),
		)
	}

	redacted := contract.RedactJSON(c.InputSchema, input)
	if ok, reason := e.auto.ShouldAutoApprove(ec.UserID, c.ID, redacted); ok {
		return Decision{Allowed: true, Check: CheckHumanReview, Reason: reason}
	}

	id, err := e.reviews.Create(ctx, &approval.CreateRequest{
		UserID:        ec.UserID,
		ToolID:        c.ID,
		Input:         redacted,
		InputHash:     approval.InputHash(input),
		RiskLevel:     string(c.RiskLevel),
		CorrelationID: ec.CorrelationID,
		SessionID:     ec.SessionID,
		TenantID:      ec.TenantID,
	})
	if err != nil {
		e.logger.ErrorContext(ctx, "failed to create review request",
			slog.String("tool_id", c.ID),
			slog.String("error", err.Error()),
		)
		d := deny(CheckHumanReview, "Tool %q requires human review", c.ID)
		d.RequiresHumanReview = true
		return d
	}

	d := deny(CheckHumanReview, "Tool %q requires human review. Review ID: %s", c.ID, id)
	d.RequiresHumanReview = true
	d.ReviewQueueID = id
	return d
}

// RateLimitKey builds the counter key for a tool call:
// rate:<tool>:global or rate:<tool>:<scope>:<entity>.
func RateLimitKey(toolID string, scope contract.RateLimitScope, ec *contract.ExecutionContext) string {
	var entity string
	switch scope {
	case contract.ScopeSession:
		entity = ec.SessionID
	case contract.ScopeLead:
		entity = ec.LeadID
	case contract.ScopeUser:
		entity = ec.UserID
	case contract.ScopeTenant:
		entity = ec.TenantID
	default:
		return "rate:" + toolID + ":global"
	}
	if entity == "" {
		entity = "anonymous"
	}
	return "rate:" + toolID + ":" + string(scope) + ":" + entity
}

func inputDomain(input json.RawMessage) string {
	if len(input) == 0 {
		return ""
	}
	var probe struct {
		Domain any `json:"domain"`
	}
	if err := json.Unmarshal(input, &probe); err != nil {
		return ""
	}
	s, _ := probe.Domain.(string)
	return strings.ToLower(strings.TrimSpace(s))
}

// domainAllowed matches domain against each entry exactly or as a subdomain.
func domainAllowed(domain string, whitelist []string) bool {
	for _, allowed := range whitelist {
		allowed = strings.ToLower(strings.TrimPrefix(allowed, "."))
		if domain == allowed || strings.HasSuffix(domain, "."+allowed) {
			return true
		}
	}
	return false
}
