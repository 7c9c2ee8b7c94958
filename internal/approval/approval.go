// Package approval implements the human-review queue for tool invocations
// whose contracts require sign-off before they run.
package approval

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound        = errors.New("review not found")
	ErrExpired         = errors.New("review expired")
	ErrAlreadyResolved = errors.New("review already resolved")
	ErrNotApproved     = errors.New("review not approved")
	ErrMismatch        = errors.New("review does not match this invocation")
)

// Status represents the state of a review request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
	StatusExpired  Status = "expired"
	// StatusConsumed marks an approved review that already authorized its call.
	StatusConsumed Status = "consumed"
)

// PendingApproval is a review request. Input is stored redacted; InputHash
// identifies the exact raw input the reviewer signed off on.
type PendingApproval struct {
	ID            string     `json:"id"`
	UserID        string     `json:"user_id,omitempty"`
	ToolID        string     `json:"tool_id"`
	Input         any        `json:"input,omitempty"`
	InputHash     string     `json:"input_hash,omitempty"`
	RiskLevel     string     `json:"risk_level"`
	CorrelationID string     `json:"correlation_id,omitempty"`
	SessionID     string     `json:"session_id,omitempty"`
	TenantID      string     `json:"tenant_id,omitempty"`
	Status        Status     `json:"status"`
	ApprovedBy    string     `json:"approved_by,omitempty"` // Set when approved or denied.
	CreatedAt     time.Time  `json:"created_at"`
	ExpiresAt     time.Time  `json:"expires_at"`
	ResolvedAt    *time.Time `json:"resolved_at,omitempty"`
}

// CreateRequest contains the fields needed to open a review.
type CreateRequest struct {
	UserID        string
	ToolID        string
	Input         any
	InputHash     string
	RiskLevel     string
	CorrelationID string
	SessionID     string
	TenantID      string
}

// Manager stores review requests in memory.
// Thread-safe. Reviews expire after a configurable TTL.
type Manager struct {
	mu      sync.Mutex
	pending map[string]*PendingApproval
	ttl     time.Duration
	auto    *AutoApprover
	logger  *slog.Logger
}

// NewManager creates a review manager with the given TTL.
func NewManager(ttl time.Duration, logger *slog.Logger) *Manager {
	return &Manager{
		pending: make(map[string]*PendingApproval),
		ttl:     ttl,
		logger:  logger,
	}
}

// WithAutoApprover feeds manual approvals into a.
func (m *Manager) WithAutoApprover(a *AutoApprover) *Manager {
	m.auto = a
	return m
}

// Create stores a new pending review and returns its ID.
func (m *Manager) Create(ctx context.Context, req *CreateRequest) (string, error) {
	id := uuid.NewString()
	now := time.Now().UTC()
	pa := &PendingApproval{
		ID:            id,
		UserID:        req.UserID,
		ToolID:        req.ToolID,
		Input:         req.Input,
		InputHash:     req.InputHash,
		RiskLevel:     req.RiskLevel,
		CorrelationID: req.CorrelationID,
		SessionID:     req.SessionID,
		TenantID:      req.TenantID,
		Status:        StatusPending,
		CreatedAt:     now,
		ExpiresAt:     now.Add(m.ttl),
	}

	m.mu.Lock()
	m.pending[id] = pa
	m.mu.Unlock()

	m.logger.InfoContext(ctx, "review created",
		slog.String("review_id", id),
		slog.String("user_id", req.UserID),
		slog.String("tool_id", req.ToolID),
		slog.String("risk", req.RiskLevel),
	)
	return id, nil
}

// Approve marks a pending review as approved by the given approver.
func (m *Manager) Approve(ctx context.Context, id, approverID string) error {
	pa, err := m.resolve(ctx, id, approverID, StatusApproved)
	if err != nil {
		return err
	}
	m.auto.RecordManualApproval(pa.UserID, pa.ToolID, pa.Input)
	return nil
}

// Deny marks a pending review as denied.
func (m *Manager) Deny(ctx context.Context, id, denierID string) error {
	_, err := m.resolve(ctx, id, denierID, StatusDenied)
	return err
}

func (m *Manager) resolve(ctx context.Context, id, resolverID string, status Status) (PendingApproval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pa, ok := m.pending[id]
	if !ok {
		return PendingApproval{}, ErrNotFound
	}

	now := time.Now().UTC()
	if pa.Status == StatusPending && now.After(pa.ExpiresAt) {
		pa.Status = StatusExpired
	}
	switch pa.Status {
	case StatusExpired:
		return PendingApproval{}, ErrExpired
	case StatusPending:
	default:
		return PendingApproval{}, ErrAlreadyResolved
	}

	pa.Status = status
	pa.ApprovedBy = resolverID
	pa.ResolvedAt = &now

	m.logger.InfoContext(ctx, "review resolved",
		slog.String("review_id", id),
		slog.String("resolver", resolverID),
		slog.String("status", string(status)),
		slog.String("tool_id", pa.ToolID),
	)
	return *pa, nil
}

// Consume marks an approved, unexpired review as used.
func (m *Manager) Consume(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pa, ok := m.pending[id]
	if !ok {
		return ErrNotFound
	}
	if err := consumable(pa, time.Now().UTC()); err != nil {
		return err
	}
	pa.Status = StatusConsumed

	m.logger.InfoContext(ctx, "review consumed",
		slog.String("review_id", id),
		slog.String("tool_id", pa.ToolID),
	)
	return nil
}

// consumable reports why pa cannot authorize a call at now, if it cannot.
func consumable(pa *PendingApproval, now time.Time) error {
	switch {
	case pa.Status == StatusConsumed:
		return ErrAlreadyResolved
	case now.After(pa.ExpiresAt):
		return ErrExpired
	case pa.Status != StatusApproved:
		return fmt.Errorf("%w: status %s", ErrNotApproved, pa.Status)
	}
	return nil
}

// Get retrieves a review by ID. The returned value is a copy.
func (m *Manager) Get(_ context.Context, id string) (*PendingApproval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pa, ok := m.pending[id]
	if !ok {
		return nil, ErrNotFound
	}

	// Mark as expired on access if past TTL.
	if pa.Status == StatusPending && time.Now().UTC().After(pa.ExpiresAt) {
		pa.Status = StatusExpired
	}
	cp := *pa
	return &cp, nil
}

// Cleanup expires stale reviews and removes anything resolved or expired
// more than one TTL past its expiry.
func (m *Manager) Cleanup(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	for id, pa := range m.pending {
		if pa.Status == StatusPending && now.After(pa.ExpiresAt) {
			pa.Status = StatusExpired
		}
		if pa.Status != StatusPending && now.After(pa.ExpiresAt.Add(m.ttl)) {
			delete(m.pending, id)
		}
	}
	return nil
}

// CheckApproved verifies that id names an approved, unexpired review of this
// exact call (tool, user and input) and consumes it. A review authorizes one
// call; a second use fails with ErrAlreadyResolved.
func CheckApproved(ctx context.Context, m ApprovalManager, id, toolID, userID string, input json.RawMessage) error {
	pa, err := m.Get(ctx, id)
	if err != nil {
		return err
	}
	if pa.ToolID != toolID || pa.UserID != userID || pa.InputHash != InputHash(input) {
		return ErrMismatch
	}
	if err := consumable(pa, time.Now().UTC()); err != nil {
		return err
	}
	return m.Consume(ctx, id)
}

// InputHash fingerprints a raw JSON input. Key order and whitespace do not
// change the hash; any change to a value does.
func InputHash(input json.RawMessage) string {
	data := []byte(input)
	dec := json.NewDecoder(bytes.NewReader(input))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err == nil {
		if canonical, err := json.Marshal(v); err == nil {
			data = canonical
		}
	}
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

var _ ApprovalManager = (*Manager)(nil)
