package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jkaninda/toolgate/internal/approval"
)

// ReviewRepository implements approval.ApprovalStore with GORM.
type ReviewRepository struct {
	db  *gorm.DB
	now func() time.Time
}

// NewReviewRepository creates a ReviewRepository.
func NewReviewRepository(db *gorm.DB) *ReviewRepository {
	return &ReviewRepository{db: db, now: time.Now}
}

// Create persists a new pending review and returns its ID.
func (r *ReviewRepository) Create(ctx context.Context, req *approval.CreateRequest, ttl time.Duration) (string, error) {
	now := r.now().UTC()
	model := ReviewModel{
		ID:            uuid.NewString(),
		UserID:        req.UserID,
		ToolID:        req.ToolID,
		Input:         toJSON(req.Input),
		InputHash:     req.InputHash,
		RiskLevel:     req.RiskLevel,
		CorrelationID: req.CorrelationID,
		SessionID:     req.SessionID,
		TenantID:      req.TenantID,
		Status:        string(approval.StatusPending),
		CreatedAt:     now,
		ExpiresAt:     now.Add(ttl),
	}
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return "", fmt.Errorf("creating review: %w", err)
	}
	return model.ID, nil
}

// Get retrieves a review by ID, marking it expired if past ExpiresAt.
func (r *ReviewRepository) Get(ctx context.Context, id string) (*approval.PendingApproval, error) {
	var model ReviewModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, approval.ErrNotFound
		}
		return nil, fmt.Errorf("getting review: %w", err)
	}

	if model.Status == string(approval.StatusPending) && r.now().UTC().After(model.ExpiresAt) {
		if err := r.db.WithContext(ctx).Model(&model).Update("status", string(approval.StatusExpired)).Error; err != nil {
			return nil, fmt.Errorf("expiring review: %w", err)
		}
		model.Status = string(approval.StatusExpired)
	}
	return toReviewDomain(&model), nil
}

// Approve transitions a pending review to StatusApproved.
func (r *ReviewRepository) Approve(ctx context.Context, id, approverID string) error {
	return r.resolve(ctx, id, approverID, approval.StatusApproved)
}

// Deny transitions a pending review to StatusDenied.
func (r *ReviewRepository) Deny(ctx context.Context, id, denierID string) error {
	return r.resolve(ctx, id, denierID, approval.StatusDenied)
}

func (r *ReviewRepository) resolve(ctx context.Context, id, resolverID string, status approval.Status) error {
	var expired bool
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model ReviewModel
		if err := tx.First(&model, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return approval.ErrNotFound
			}
			return err
		}

		now := r.now().UTC()
		if model.Status == string(approval.StatusPending) && now.After(model.ExpiresAt) {
			expired = true
			return tx.Model(&model).Update("status", string(approval.StatusExpired)).Error
		}
		if model.Status == string(approval.StatusExpired) {
			return approval.ErrExpired
		}
		if model.Status != string(approval.StatusPending) {
			return approval.ErrAlreadyResolved
		}

		return tx.Model(&model).Updates(map[string]any{
			"status":      string(status),
			"approved_by": resolverID,
			"resolved_at": now,
		}).Error
	})
	if err != nil {
		return err
	}
	if expired {
		return approval.ErrExpired
	}
	return nil
}

// Consume transitions an approved, unexpired review to StatusConsumed. The
// conditional update lets exactly one of several concurrent callers win.
func (r *ReviewRepository) Consume(ctx context.Context, id string) error {
	now := r.now().UTC()
	res := r.db.WithContext(ctx).
		Model(&ReviewModel{}).
		Where("id = ? AND status = ? AND expires_at >= ?", id, string(approval.StatusApproved), now).
		Update("status", string(approval.StatusConsumed))
	if res.Error != nil {
		return fmt.Errorf("consuming review: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}

	pa, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	switch {
	case pa.Status == approval.StatusConsumed:
		return approval.ErrAlreadyResolved
	case now.After(pa.ExpiresAt):
		return approval.ErrExpired
	}
	return fmt.Errorf("%w: status %s", approval.ErrNotApproved, pa.Status)
}

// ExpireOld bulk-updates status to expired for all pending rows past expires_at.
func (r *ReviewRepository) ExpireOld(ctx context.Context) (int64, error) {
	res := r.db.WithContext(ctx).
		Model(&ReviewModel{}).
		Where("status = ? AND expires_at < ?", string(approval.StatusPending), r.now().UTC()).
		Update("status", string(approval.StatusExpired))
	if res.Error != nil {
		return 0, fmt.Errorf("expiring reviews: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// DeleteResolved removes resolved or expired rows created before the given age.
func (r *ReviewRepository) DeleteResolved(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := r.now().UTC().Add(-olderThan)
	res := r.db.WithContext(ctx).
		Where("status != ? AND created_at < ?", string(approval.StatusPending), cutoff).
		Delete(&ReviewModel{})
	if res.Error != nil {
		return 0, fmt.Errorf("deleting resolved reviews: %w", res.Error)
	}
	return res.RowsAffected, nil
}

var _ approval.ApprovalStore = (*ReviewRepository)(nil)
