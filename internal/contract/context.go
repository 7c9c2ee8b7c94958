package contract

import (
	"context"
	"time"
)

// ExecutionContext identifies the caller and correlates one invocation
// across audit, trace and metrics.
type ExecutionContext struct {
	RequestID     string         `json:"requestId"`
	CorrelationID string         `json:"correlationId"`
	TraceID       string         `json:"traceId"`
	UserID        string         `json:"userId,omitempty"`
	SessionID     string         `json:"sessionId,omitempty"`
	LeadID        string         `json:"leadId,omitempty"`
	TenantID      string         `json:"tenantId,omitempty"`
	WorkflowID    string         `json:"workflowId,omitempty"`
	Role          string         `json:"role,omitempty"`
	Permissions   []string       `json:"permissions,omitempty"`
	Attributes    map[string]any `json:"attributes,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	// ReviewID presents an approved human review on a retried call.
	ReviewID  string    `json:"reviewId,omitempty"`
	StartTime time.Time `json:"startTime"`
}

// Attribute returns a named ABAC attribute.
func (ec *ExecutionContext) Attribute(key string) (any, bool) {
	if ec == nil || ec.Attributes == nil {
		return nil, false
	}
	v, ok := ec.Attributes[key]
	return v, ok
}

type ctxKey struct{}

// WithExecutionContext returns a context carrying ec.
func WithExecutionContext(ctx context.Context, ec *ExecutionContext) context.Context {
	return context.WithValue(ctx, ctxKey{}, ec)
}

// FromContext returns the ExecutionContext carried by ctx, if any.
func FromContext(ctx context.Context) (*ExecutionContext, bool) {
	ec, ok := ctx.Value(ctxKey{}).(*ExecutionContext)
	return ec, ok && ec != nil
}
