// Package budget enforces token budgets per session, workflow, tool and
// tenant-day. Checks reserve the estimated tokens atomically; callers commit
// actual usage or release the reservation when the call is abandoned.
package budget

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrExceeded wraps the reason of a denied budget decision.
var ErrExceeded = errors.New("token budget exceeded")

// Scope is the dimension a budget is tracked along.
type Scope string

const (
	ScopeSession  Scope = "session"
	ScopeWorkflow Scope = "workflow"
	ScopeTool     Scope = "tool"
	ScopeDaily    Scope = "daily"
)

// Action tells the caller how to proceed.
type Action string

const (
	ActionAllow     Action = "allow"
	ActionDowngrade Action = "downgrade_model"
	ActionTruncate  Action = "truncate_context"
	ActionFallback  Action = "fallback"
	ActionReject    Action = "reject"
)

// Context identifies the budget a request is charged to.
type Context struct {
	SessionID  string `json:"sessionId,omitempty"`
	WorkflowID string `json:"workflowId,omitempty"`
	ToolID     string `json:"toolId,omitempty"`
	TenantID   string `json:"tenantId,omitempty"`
	Role       string `json:"role,omitempty"`
	Period     Scope  `json:"period,omitempty"` // Explicit scope. Empty = first identifier present.
}

// Key addresses one budget row. PeriodStart is zero except for daily budgets.
type Key struct {
	Scope       Scope
	ID          string
	PeriodStart time.Time
}

func (k Key) String() string {
	if k.PeriodStart.IsZero() {
		return fmt.Sprintf("%s:%s", k.Scope, k.ID)
	}
	return fmt.Sprintf("%s:%s:%s", k.Scope, k.ID, k.PeriodStart.Format("2006-01-02"))
}

// Budget is the state of one budget row.
type Budget struct {
	Scope       Scope     `json:"scope"`
	Key         string    `json:"key"`
	Limit       int       `json:"limit"`
	Consumed    int       `json:"consumed"`
	Reserved    int       `json:"reserved"`
	PeriodStart time.Time `json:"periodStart,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Remaining is the limit minus consumed and reserved tokens.
func (b Budget) Remaining() int { return b.Limit - b.Consumed - b.Reserved }

// Store persists budget rows. Implementations must make Reserve atomic with
// respect to concurrent Reserve and Settle calls on the same key.
type Store interface {
	// Reserve loads or creates the row for key with the given limit and adds
	// tokens to its reserved counter if they fit. It returns the row state
	// after the attempt and whether the reservation was taken.
	Reserve(ctx context.Context, key Key, limit, tokens int) (Budget, bool, error)
	// Settle subtracts released from reserved (floored at zero) and adds
	// consumed to consumed, creating the row when needed.
	Settle(ctx context.Context, key Key, limit, released, consumed int) error
	// Get loads or creates the row for key.
	Get(ctx context.Context, key Key, limit int) (Budget, error)
	// Prune deletes period rows that started before cutoff.
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// Estimate is a pre-flight token estimate.
type Estimate struct {
	InputTokens  int    `json:"inputTokens"`
	OutputTokens int    `json:"outputTokens"`
	TotalTokens  int    `json:"totalTokens"`
	Confidence   string `json:"confidence"`
}

// Decision is the outcome of a budget check. A non-nil Reservation must be
// committed or released.
type Decision struct {
	Allowed        bool         `json:"allowed"`
	Reason         string       `json:"reason,omitempty"`
	Action         Action       `json:"action"`
	SuggestedModel string       `json:"suggestedModel,omitempty"`
	MaxTokens      int          `json:"maxTokens,omitempty"`
	Reservation    *Reservation `json:"-"`
}

// Status summarizes a budget for reporting.
type Status struct {
	Limit      int     `json:"limit"`
	Used       int     `json:"used"`
	Reserved   int     `json:"reserved"`
	Remaining  int     `json:"remaining"`
	Percentage float64 `json:"percentage"`
}

// Err returns nil for allowed decisions and an ErrExceeded-wrapped reason otherwise.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrExceeded, d.Reason)
}
