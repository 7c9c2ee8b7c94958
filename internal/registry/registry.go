// Package registry holds validated tool contracts and runs every invocation
// through the governed pipeline:
//
//	lookup → context → span → input validation → policy → handler →
//	output validation → cost → audit/metrics
//
// Every outcome yields exactly one audit entry, written before Invoke returns.
// Handler failures never propagate; they become problems on the Result.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/toolgate/internal/audit"
	"github.com/jkaninda/toolgate/internal/contract"
	"github.com/jkaninda/toolgate/internal/observability"
	"github.com/jkaninda/toolgate/internal/policy"
)

// ErrDuplicateTool is returned when a contract id is already registered.
var ErrDuplicateTool = errors.New("tool already registered")

// Result is the immutable outcome of one invocation.
type Result struct {
	Success        bool              `json:"success"`
	Output         json.RawMessage   `json:"output,omitempty"`
	Error          *contract.Problem `json:"error,omitempty"`
	AuditID        string            `json:"auditId,omitempty"`
	RequestID      string            `json:"requestId"`
	CorrelationID  string            `json:"correlationId"`
	TraceID        string            `json:"traceId"`
	LatencyMs      int64             `json:"latencyMs"`
	// Cost is the contract's estimated per-call cost from its CostProfile,
	// not a metered amount. Token spend is tracked by the budget tracker.
	Cost           *float64          `json:"cost,omitempty"`
	PolicyDecision *policy.Decision  `json:"policyDecision,omitempty"`
}

// Registry is safe for concurrent use. Registration is append-only.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*contract.Compiled
	order []string

	policy  *policy.Engine
	audit   audit.Logger
	tracer  *observability.TracerSetup
	metrics *observability.MetricsCollector
	anomaly *observability.AnomalyDetector
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

func WithTracer(t *observability.TracerSetup) Option { return func(r *Registry) { r.tracer = t } }

func WithMetrics(m *observability.MetricsCollector) Option {
	return func(r *Registry) { r.metrics = m }
}

func WithAnomalyDetector(a *observability.AnomalyDetector) Option {
	return func(r *Registry) { r.anomaly = a }
}

// New creates an empty registry. A nil engine uses a default policy engine;
// a nil audit logger keeps entries in memory.
func New(engine *policy.Engine, auditLog audit.Logger, logger *slog.Logger, opts ...Option) *Registry {
	if engine == nil {
		engine = policy.NewEngine(logger)
	}
	if auditLog == nil {
		auditLog = audit.NewMemoryStore()
	}
	r := &Registry{
		tools:  make(map[string]*contract.Compiled),
		policy: engine,
		audit:  auditLog,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register validates c and adds it to the registry.
func (r *Registry) Register(c *contract.Contract) error {
	compiled, err := contract.Compile(c)
	if err != nil {
		return fmt.Errorf("registering tool %q: %w", c.ID, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[c.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, c.ID)
	}
	r.tools[c.ID] = compiled
	r.order = append(r.order, c.ID)

	if c.Deprecated != nil {
		r.logger.Warn("registered deprecated tool",
			slog.String("tool_id", c.ID),
			slog.String("message", c.Deprecated.Message),
			slog.String("replacement", c.Deprecated.ReplacementToolID),
		)
	}
	return nil
}

// MustRegister registers c and panics on error. For built-in tools wired at
// startup.
func (r *Registry) MustRegister(c *contract.Contract) {
	if err := r.Register(c); err != nil {
		panic(err)
	}
}

// Get returns the contract registered under id.
func (r *Registry) Get(id string) (*contract.Contract, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.tools[id]
	if !ok {
		return nil, false
	}
	return c.Contract, true
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Policy returns the engine guarding invocations.
func (r *Registry) Policy() *policy.Engine { return r.policy }

func (r *Registry) lookup(id string) *contract.Compiled {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[id]
}

// Invoke runs toolID with input on behalf of the caller described by
// partial. It never returns nil.
func (r *Registry) Invoke(ctx context.Context, toolID string, partial *contract.ExecutionContext, input json.RawMessage) *Result {
	ec := r.executionContext(partial)
	inv := &invocation{r: r, toolID: toolID, ec: ec}

	c := r.lookup(toolID)
	if c == nil {
		return inv.fail(ctx, contract.NotFound(toolID), audit.StatusError, nil)
	}
	inv.c = c

	ctx, span := r.tracer.StartSpan(ctx, ec.TraceID, "tool."+toolID,
		attribute.String("tool_id", c.ID),
		attribute.String("tool_version", c.Version),
		attribute.String("request_id", ec.RequestID),
		attribute.String("risk_level", string(c.RiskLevel)),
	)
	defer span.End()
	inv.span = span

	inv.input = contract.RedactJSON(c.InputSchema, input)
	if data, err := json.Marshal(inv.input); err == nil {
		span.SetAttributes(attribute.String("tool.input", string(data)))
	}

	if err := c.ValidateInput(input); err != nil {
		span.SetAttributes(attribute.String("validation_error", err.Error()))
		return inv.fail(ctx, contract.ValidationFailed(toolID, validationDetails(err)), audit.StatusError, nil)
	}

	decision := r.policy.Check(ctx, c.Contract, ec, input)
	if !decision.Allowed {
		span.SetAttributes(
			attribute.Bool("policy_blocked", true),
			attribute.String("policy_reason", decision.Reason),
		)
		return inv.fail(ctx, contract.PolicyBlocked(toolID, decision.Reason), audit.StatusBlocked, &decision)
	}

	out, err := execute(contract.WithExecutionContext(ctx, ec), c.Handler, input)
	if err != nil {
		return inv.fail(ctx, contract.ExecutionFailed(toolID, err.Error()), audit.StatusError, &decision)
	}
	raw, err := c.ValidateOutput(out)
	if err != nil {
		return inv.fail(ctx, contract.ExecutionFailed(toolID, err.Error()), audit.StatusError, &decision)
	}

	var cost *float64
	if c.CostProfile != nil {
		v := c.CostProfile.EstimatedCostPerCall
		cost = &v
	}
	return inv.succeed(ctx, raw, cost, &decision)
}

// executionContext builds a fresh context from the caller's partial one.
func (r *Registry) executionContext(partial *contract.ExecutionContext) *contract.ExecutionContext {
	ec := &contract.ExecutionContext{}
	if partial != nil {
		*ec = *partial
	}
	if ec.RequestID == "" {
		ec.RequestID = uuid.NewString()
	}
	if ec.CorrelationID == "" {
		ec.CorrelationID = uuid.NewString()
	}
	if ec.TraceID == "" {
		ec.TraceID = uuid.NewString()
	}
	ec.StartTime = r.now()
	return ec
}

// execute runs the handler, converting a panic into an error.
func execute(ctx context.Context, h contract.Handler, input json.RawMessage) (out any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()
	return h.Execute(ctx, input)
}

func validationDetails(err error) []string {
	var ve *contract.ValidationError
	if errors.As(err, &ve) {
		return ve.Details
	}
	return []string{err.Error()}
}

// invocation carries the state of one Invoke call to its single exit.
type invocation struct {
	r      *Registry
	toolID string
	ec     *contract.ExecutionContext
	c      *contract.Compiled
	span   trace.Span
	input  any
}

func (inv *invocation) fail(ctx context.Context, p *contract.Problem, status audit.Status, d *policy.Decision) *Result {
	if inv.span != nil {
		inv.span.RecordError(p)
		inv.span.SetStatus(codes.Error, p.Detail)
	}
	e := inv.entry(status)
	e.Error = p.Detail
	if d != nil && !d.Allowed {
		e.PolicyReason = d.Reason
	}
	res := inv.finish(ctx, e, status)
	res.Error = p
	res.PolicyDecision = d
	return res
}

func (inv *invocation) succeed(ctx context.Context, raw json.RawMessage, cost *float64, d *policy.Decision) *Result {
	e := inv.entry(audit.StatusSuccess)
	if inv.c != nil {
		e.Output = contract.RedactJSON(inv.c.OutputSchema, raw)
	}
	e.Cost = cost
	if data, err := json.Marshal(e.Output); err == nil {
		inv.span.SetAttributes(attribute.String("tool.output", string(data)))
	}
	inv.span.SetStatus(codes.Ok, "")

	res := inv.finish(ctx, e, audit.StatusSuccess)
	res.Success = true
	res.Output = raw
	res.Cost = cost
	res.PolicyDecision = d
	return res
}

func (inv *invocation) entry(status audit.Status) *audit.Entry {
	e := &audit.Entry{
		ToolID:        inv.toolID,
		Status:        status,
		UserID:        inv.ec.UserID,
		SessionID:     inv.ec.SessionID,
		TenantID:      inv.ec.TenantID,
		Role:          inv.ec.Role,
		RequestID:     inv.ec.RequestID,
		CorrelationID: inv.ec.CorrelationID,
		TraceID:       inv.ec.TraceID,
		Input:         inv.input,
	}
	if inv.c != nil {
		e.ToolVersion = inv.c.Version
	}
	return e
}

// finish writes the audit entry, metrics and log line shared by every outcome.
func (inv *invocation) finish(ctx context.Context, e *audit.Entry, status audit.Status) *Result {
	r := inv.r
	latency := r.now().Sub(inv.ec.StartTime)
	e.LatencyMs = latency.Milliseconds()
	e.Metadata = map[string]any{
		"requestId":     inv.ec.RequestID,
		"correlationId": inv.ec.CorrelationID,
		"traceId":       inv.ec.TraceID,
		"latencyMs":     e.LatencyMs,
	}
	if e.Cost != nil {
		e.Metadata["cost"] = *e.Cost
	}

	audit.Prepare(e)
	if err := r.audit.Append(ctx, e); err != nil {
		r.logger.ErrorContext(ctx, "audit append failed",
			slog.String("tool_id", inv.toolID),
			slog.String("request_id", inv.ec.RequestID),
			slog.String("error", err.Error()),
		)
	}

	var cost float64
	if e.Cost != nil {
		cost = *e.Cost
	}
	r.metrics.RecordToolExecution(inv.toolID, string(status), latency, cost)
	if status == audit.StatusSuccess {
		r.anomaly.RecordSuccess("tool:" + inv.toolID)
	} else {
		r.anomaly.RecordError("tool:" + inv.toolID)
	}

	r.logger.InfoContext(ctx, "tool execution",
		slog.String("tool_id", inv.toolID),
		slog.String("request_id", inv.ec.RequestID),
		slog.String("correlation_id", inv.ec.CorrelationID),
		slog.String("trace_id", inv.ec.TraceID),
		slog.String("status", string(status)),
		slog.Int64("latency_ms", e.LatencyMs),
	)

	return &Result{
		AuditID:       e.ID,
		RequestID:     inv.ec.RequestID,
		CorrelationID: inv.ec.CorrelationID,
		TraceID:       inv.ec.TraceID,
		LatencyMs:     e.LatencyMs,
	}
}
