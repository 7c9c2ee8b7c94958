package postgres

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/jkaninda/toolgate/internal/audit"
)

// AuditRepository implements audit.Store with GORM.
// Append-only: no Update or Delete methods exist on this type.
type AuditRepository struct {
	db *gorm.DB
}

// NewAuditRepository creates an AuditRepository.
func NewAuditRepository(db *gorm.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Append inserts a single audit entry.
func (r *AuditRepository) Append(ctx context.Context, e *audit.Entry) error {
	audit.Prepare(e)
	model := toAuditModel(e)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("appending audit entry: %w", err)
	}
	return nil
}

// List returns matching entries, newest first.
func (r *AuditRepository) List(ctx context.Context, f audit.Filter) ([]audit.Entry, error) {
	q := r.db.WithContext(ctx).
		Order("recorded_at DESC").
		Limit(f.PageLimit()).
		Offset(max(f.Offset, 0))

	if f.ToolID != "" {
		q = q.Where("tool_id = ?", f.ToolID)
	}
	if f.SessionID != "" {
		q = q.Where("session_id = ?", f.SessionID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", string(f.Status))
	}

	var models []AuditEntryModel
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("querying audit entries: %w", err)
	}

	entries := make([]audit.Entry, len(models))
	for i := range models {
		entries[i] = toAuditDomain(&models[i])
	}
	return entries, nil
}

var _ audit.Store = (*AuditRepository)(nil)
