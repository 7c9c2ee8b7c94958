package postgres

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/jkaninda/toolgate/internal/costs"
)

// CostRepository implements costs.Store with GORM.
type CostRepository struct {
	db *gorm.DB
}

// NewCostRepository creates a CostRepository.
func NewCostRepository(db *gorm.DB) *CostRepository {
	return &CostRepository{db: db}
}

// Append inserts one cost record.
func (r *CostRepository) Append(ctx context.Context, rec *costs.Record) error {
	model := toCostModel(rec)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("appending cost record: %w", err)
	}
	return nil
}

// Query returns records matching f, oldest first.
func (r *CostRepository) Query(ctx context.Context, f costs.Filter) ([]costs.Record, error) {
	q := r.db.WithContext(ctx).Order("created_at ASC")

	for col, v := range map[string]string{
		"session_id":  f.SessionID,
		"workflow_id": f.WorkflowID,
		"tool_id":     f.ToolID,
		"role":        f.Role,
		"tenant_id":   f.TenantID,
	} {
		if v != "" {
			q = q.Where(col+" = ?", v)
		}
	}
	if !f.Start.IsZero() {
		q = q.Where("created_at >= ?", f.Start.UTC())
	}
	if !f.End.IsZero() {
		q = q.Where("created_at <= ?", f.End.UTC())
	}

	var models []CostRecordModel
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("querying cost records: %w", err)
	}

	records := make([]costs.Record, len(models))
	for i := range models {
		records[i] = toCostDomain(&models[i])
	}
	return records, nil
}

var _ costs.Store = (*CostRepository)(nil)
