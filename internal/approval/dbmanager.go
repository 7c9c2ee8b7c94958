package approval

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// DBManager is an ApprovalManager over a persistent ApprovalStore.
type DBManager struct {
	store  ApprovalStore
	ttl    time.Duration
	auto   *AutoApprover
	logger *slog.Logger
}

func NewDBManager(store ApprovalStore, ttl time.Duration, logger *slog.Logger) *DBManager {
	return &DBManager{
		store:  store,
		ttl:    ttl,
		logger: logger,
	}
}

// WithAutoApprover feeds manual approvals into a.
func (m *DBManager) WithAutoApprover(a *AutoApprover) *DBManager {
	m.auto = a
	return m
}

// Create stores a new pending review and returns its ID.
func (m *DBManager) Create(ctx context.Context, req *CreateRequest) (string, error) {
	id, err := m.store.Create(ctx, req, m.ttl)
	if err != nil {
		return "", fmt.Errorf("creating review: %w", err)
	}

	m.logger.InfoContext(ctx, "review created (db)",
		slog.String("review_id", id),
		slog.String("user_id", req.UserID),
		slog.String("tool_id", req.ToolID),
		slog.String("risk", req.RiskLevel),
	)
	return id, nil
}

// Get retrieves a review by ID.
func (m *DBManager) Get(ctx context.Context, id string) (*PendingApproval, error) {
	return m.store.Get(ctx, id)
}

// Approve marks a pending review as approved.
func (m *DBManager) Approve(ctx context.Context, id, approverID string) error {
	if err := m.store.Approve(ctx, id, approverID); err != nil {
		return err
	}
	m.logger.InfoContext(ctx, "review approved (db)",
		slog.String("review_id", id),
		slog.String("approver", approverID),
	)
	if m.auto != nil {
		if pa, err := m.store.Get(ctx, id); err == nil {
			m.auto.RecordManualApproval(pa.UserID, pa.ToolID, pa.Input)
		}
	}
	return nil
}

// Deny marks a pending review as denied.
func (m *DBManager) Deny(ctx context.Context, id, denierID string) error {
	if err := m.store.Deny(ctx, id, denierID); err != nil {
		return err
	}
	m.logger.InfoContext(ctx, "review denied (db)",
		slog.String("review_id", id),
		slog.String("denier", denierID),
	)
	return nil
}

// Consume marks an approved review as used.
func (m *DBManager) Consume(ctx context.Context, id string) error {
	if err := m.store.Consume(ctx, id); err != nil {
		return err
	}
	m.logger.InfoContext(ctx, "review consumed (db)", slog.String("review_id", id))
	return nil
}

// Cleanup expires stale reviews and deletes resolved rows older than 2x TTL.
func (m *DBManager) Cleanup(ctx context.Context) error {
	expired, err := m.store.ExpireOld(ctx)
	if err != nil {
		return fmt.Errorf("expiring reviews: %w", err)
	}
	deleted, err := m.store.DeleteResolved(ctx, 2*m.ttl)
	if err != nil {
		return fmt.Errorf("deleting resolved reviews: %w", err)
	}
	if expired > 0 || deleted > 0 {
		m.logger.InfoContext(ctx, "review cleanup",
			slog.Int64("expired", expired),
			slog.Int64("deleted", deleted),
		)
	}
	return nil
}

var _ ApprovalManager = (*DBManager)(nil)
