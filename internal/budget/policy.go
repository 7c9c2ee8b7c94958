package budget

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jkaninda/toolgate/internal/config"
	"github.com/jkaninda/toolgate/internal/llm"
	"github.com/jkaninda/toolgate/internal/observability"
)

// Default limits in tokens.
const (
	DefaultSessionLimit  = 10000
	DefaultWorkflowLimit = 5000
	DefaultToolLimit     = 2000
	DefaultDailyLimit    = 100000
)

// EstimateTokens approximates token counts at four characters per token.
// Output is a fifth of the input, clamped to [100, 2000].
func EstimateTokens(messages []llm.Message, _ string) Estimate {
	parts := make([]string, len(messages))
	for i, m := range messages {
		parts[i] = m.Content
	}
	input := int(math.Ceil(float64(len(strings.Join(parts, "\n"))) / 4))
	output := max(100, min(2000, int(math.Ceil(float64(input)*0.2))))
	return Estimate{
		InputTokens:  input,
		OutputTokens: output,
		TotalTokens:  input + output,
		Confidence:   "medium",
	}
}

// Reservation holds tokens against a budget until committed or released.
type Reservation struct {
	Key    Key
	Limit  int
	Tokens int
	done   atomic.Bool
}

// Policy decides how to treat a request against its budget.
type Policy struct {
	store   Store
	cfg     config.BudgetConfig
	metrics *observability.MetricsCollector
	logger  *slog.Logger
	now     func() time.Time
}

// NewPolicy creates a budget policy over store.
func NewPolicy(store Store, cfg config.BudgetConfig, metrics *observability.MetricsCollector, logger *slog.Logger) *Policy {
	return &Policy{
		store:   store,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
	}
}

// Enabled reports whether budgets are enforced.
func (p *Policy) Enabled() bool { return p != nil && p.cfg.Enabled }

// Check reserves est.TotalTokens against the budget for bc. When the request
// does not fit, the configured on_exceeded action decides the outcome.
func (p *Policy) Check(ctx context.Context, bc Context, est Estimate, mc llm.ModelConfig) (Decision, error) {
	if !p.Enabled() {
		return Decision{Allowed: true, Action: ActionAllow}, nil
	}

	key := p.resolve(bc)
	limit := p.limitFor(key.Scope)

	row, ok, err := p.store.Reserve(ctx, key, limit, est.TotalTokens)
	if err != nil {
		return Decision{}, fmt.Errorf("reserving budget %s: %w", key, err)
	}
	if ok {
		p.metrics.RecordBudgetDecision(string(ActionAllow), true)
		return Decision{
			Allowed:     true,
			Action:      ActionAllow,
			Reservation: &Reservation{Key: key, Limit: limit, Tokens: est.TotalTokens},
		}, nil
	}

	remaining := row.Remaining()
	d, err := p.exceeded(ctx, key, limit, remaining, est, mc)
	if err != nil {
		return Decision{}, err
	}
	p.metrics.RecordBudgetDecision(string(d.Action), d.Allowed)
	p.logger.WarnContext(ctx, "budget exceeded",
		slog.String("budget", key.String()),
		slog.Int("remaining", remaining),
		slog.Int("required", est.TotalTokens),
		slog.String("action", string(d.Action)),
	)
	return d, nil
}

func (p *Policy) exceeded(ctx context.Context, key Key, limit, remaining int, est Estimate, mc llm.ModelConfig) (Decision, error) {
	fallback := Decision{Action: ActionFallback, Reason: "Budget exceeded, using fallback response"}

	switch p.cfg.OnExceeded {
	case "reject":
		return Decision{
			Action: ActionReject,
			Reason: fmt.Sprintf("Budget exceeded. Remaining: %d, required: %d", remaining, est.TotalTokens),
		}, nil

	case "downgrade":
		if mc.FallbackModel == "" || remaining < est.InputTokens+100 {
			return fallback, nil
		}
		r, err := p.reserveRest(ctx, key, limit, remaining)
		if err != nil || r == nil {
			return fallback, err
		}
		return Decision{
			Allowed:        true,
			Action:         ActionDowngrade,
			Reason:         "Downgrading to cheaper model due to budget",
			SuggestedModel: mc.FallbackModel,
			MaxTokens:      remaining - est.InputTokens,
			Reservation:    r,
		}, nil

	case "truncate":
		maxTokens := int(math.Floor(float64(remaining) * 0.8))
		if maxTokens <= 0 {
			return fallback, nil
		}
		r, err := p.reserveRest(ctx, key, limit, maxTokens)
		if err != nil || r == nil {
			return fallback, err
		}
		return Decision{
			Allowed:     true,
			Action:      ActionTruncate,
			Reason:      "Truncating context due to budget",
			MaxTokens:   maxTokens,
			Reservation: r,
		}, nil
	}
	return fallback, nil
}

// reserveRest reserves a reduced amount. A nil reservation means a concurrent
// request took the remainder first.
func (p *Policy) reserveRest(ctx context.Context, key Key, limit, tokens int) (*Reservation, error) {
	_, ok, err := p.store.Reserve(ctx, key, limit, tokens)
	if err != nil {
		return nil, fmt.Errorf("reserving budget %s: %w", key, err)
	}
	if !ok {
		return nil, nil
	}
	return &Reservation{Key: key, Limit: limit, Tokens: tokens}, nil
}

// Commit converts a reservation into consumed tokens. Calling it again, or
// after Release, does nothing.
func (p *Policy) Commit(ctx context.Context, r *Reservation, usage llm.Usage) error {
	if r == nil || !r.done.CompareAndSwap(false, true) {
		return nil
	}
	if err := p.store.Settle(ctx, r.Key, r.Limit, r.Tokens, usage.Total()); err != nil {
		return fmt.Errorf("committing budget %s: %w", r.Key, err)
	}
	return nil
}

// Release drops a reservation without recording usage.
func (p *Policy) Release(ctx context.Context, r *Reservation) error {
	if r == nil || !r.done.CompareAndSwap(false, true) {
		return nil
	}
	if err := p.store.Settle(ctx, r.Key, r.Limit, r.Tokens, 0); err != nil {
		return fmt.Errorf("releasing budget %s: %w", r.Key, err)
	}
	return nil
}

// RecordUsage adds usage to the budget for bc without a reservation.
func (p *Policy) RecordUsage(ctx context.Context, bc Context, usage llm.Usage) error {
	key := p.resolve(bc)
	if err := p.store.Settle(ctx, key, p.limitFor(key.Scope), 0, usage.Total()); err != nil {
		return fmt.Errorf("recording budget usage %s: %w", key, err)
	}
	return nil
}

// Status reports the budget that applies to bc.
func (p *Policy) Status(ctx context.Context, bc Context) (Status, error) {
	key := p.resolve(bc)
	b, err := p.store.Get(ctx, key, p.limitFor(key.Scope))
	if err != nil {
		return Status{}, fmt.Errorf("loading budget %s: %w", key, err)
	}
	var pct float64
	if b.Limit > 0 {
		pct = float64(b.Consumed) * 100 / float64(b.Limit)
	}
	return Status{
		Limit:      b.Limit,
		Used:       b.Consumed,
		Reserved:   b.Reserved,
		Remaining:  b.Remaining(),
		Percentage: pct,
	}, nil
}

// PruneDaily deletes daily rows from before today.
func (p *Policy) PruneDaily(ctx context.Context) (int64, error) {
	return p.store.Prune(ctx, p.today())
}

// Resolve returns the budget key bc is charged to.
func (p *Policy) Resolve(bc Context) Key { return p.resolve(bc) }

// resolve picks the explicit period when its id is set, otherwise the first
// of session, workflow, tenant-daily and tool. The tool row never resets and
// is shared by every caller, so it only applies to calls without a tenant.
func (p *Policy) resolve(bc Context) Key {
	switch {
	case bc.Period == ScopeSession && bc.SessionID != "":
		return Key{Scope: ScopeSession, ID: bc.SessionID}
	case bc.Period == ScopeWorkflow && bc.WorkflowID != "":
		return Key{Scope: ScopeWorkflow, ID: bc.WorkflowID}
	case bc.Period == ScopeTool && bc.ToolID != "":
		return Key{Scope: ScopeTool, ID: bc.ToolID}
	case bc.Period == ScopeDaily && bc.TenantID != "":
		return Key{Scope: ScopeDaily, ID: bc.TenantID, PeriodStart: p.today()}
	case bc.SessionID != "":
		return Key{Scope: ScopeSession, ID: bc.SessionID}
	case bc.WorkflowID != "":
		return Key{Scope: ScopeWorkflow, ID: bc.WorkflowID}
	case bc.TenantID != "":
		return Key{Scope: ScopeDaily, ID: bc.TenantID, PeriodStart: p.today()}
	case bc.ToolID != "":
		return Key{Scope: ScopeTool, ID: bc.ToolID}
	}
	return Key{Scope: ScopeSession, ID: "anonymous"}
}

// today returns local midnight.
func (p *Policy) today() time.Time {
	y, m, d := p.now().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.Local)
}

func (p *Policy) limitFor(s Scope) int {
	pick := func(v, def int) int {
		if v > 0 {
			return v
		}
		return def
	}
	switch s {
	case ScopeSession:
		return pick(p.cfg.SessionLimit, DefaultSessionLimit)
	case ScopeWorkflow:
		return pick(p.cfg.WorkflowLimit, DefaultWorkflowLimit)
	case ScopeTool:
		return pick(p.cfg.ToolLimit, DefaultToolLimit)
	}
	return pick(p.cfg.DailyLimit, DefaultDailyLimit)
}
