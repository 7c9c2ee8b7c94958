// Package audit records one append-only entry per tool invocation outcome.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Status is the outcome class of an invocation.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
	StatusBlocked Status = "blocked"
)

// Entry is one audit record. Input and Output are stored already redacted.
type Entry struct {
	ID            string         `json:"id"`
	Timestamp     time.Time      `json:"timestamp"`
	ToolID        string         `json:"tool_id"`
	ToolVersion   string         `json:"tool_version,omitempty"`
	Status        Status         `json:"status"`
	UserID        string         `json:"user_id,omitempty"`
	SessionID     string         `json:"session_id,omitempty"`
	TenantID      string         `json:"tenant_id,omitempty"`
	Role          string         `json:"role,omitempty"`
	RequestID     string         `json:"request_id"`
	CorrelationID string         `json:"correlation_id"`
	TraceID       string         `json:"trace_id,omitempty"`
	Input         any            `json:"input,omitempty"`
	Output        any            `json:"output,omitempty"`
	Error         string         `json:"error,omitempty"`
	PolicyReason  string         `json:"policy_reason,omitempty"`
	LatencyMs     int64          `json:"latency_ms"`
	Cost          *float64       `json:"cost,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	ToolID    string
	SessionID string
	Status    Status
	Limit     int
	Offset    int
}

const defaultListLimit = 100

// Match reports whether e satisfies the filter's field predicates.
func (f Filter) Match(e *Entry) bool {
	if f.ToolID != "" && e.ToolID != f.ToolID {
		return false
	}
	if f.SessionID != "" && e.SessionID != f.SessionID {
		return false
	}
	if f.Status != "" && e.Status != f.Status {
		return false
	}
	return true
}

// PageLimit returns the effective page size.
func (f Filter) PageLimit() int {
	if f.Limit <= 0 {
		return defaultListLimit
	}
	return f.Limit
}

// Logger appends audit entries.
type Logger interface {
	Append(ctx context.Context, e *Entry) error
}

// Store is a Logger that can also be queried.
type Store interface {
	Logger
	// List returns matching entries, newest first.
	List(ctx context.Context, f Filter) ([]Entry, error)
}

// Prepare fills in the id and timestamp when absent.
func Prepare(e *Entry) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
}

// paginate applies offset and limit to a newest-first slice.
func paginate(entries []Entry, f Filter) []Entry {
	if f.Offset >= len(entries) {
		return []Entry{}
	}
	entries = entries[f.Offset:]
	if limit := f.PageLimit(); len(entries) > limit {
		entries = entries[:limit]
	}
	return entries
}
