package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jkaninda/toolgate/internal/budget"
)

// BudgetRepository implements budget.Store with GORM.
// Uses SELECT ... FOR UPDATE for atomic reservation on PostgreSQL; SQLite
// ignores the locking clause and serializes writers on its single connection.
type BudgetRepository struct {
	db *gorm.DB
}

// NewBudgetRepository creates a BudgetRepository.
func NewBudgetRepository(db *gorm.DB) *BudgetRepository {
	return &BudgetRepository{db: db}
}

// Reserve atomically checks the remaining budget and adds tokens to the
// reserved counter when they fit.
func (r *BudgetRepository) Reserve(ctx context.Context, key budget.Key, limit, tokens int) (budget.Budget, bool, error) {
	var (
		out      budget.Budget
		reserved bool
	)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		m, err := lockBudget(tx, key, limit)
		if err != nil {
			return err
		}
		if toBudgetDomain(&m).Remaining() < tokens {
			out = toBudgetDomain(&m)
			return nil
		}

		m.Reserved += tokens
		if err := tx.Model(&m).Update("reserved", m.Reserved).Error; err != nil {
			return fmt.Errorf("reserving tokens: %w", err)
		}
		out = toBudgetDomain(&m)
		reserved = true
		return nil
	})
	if err != nil {
		return budget.Budget{}, false, err
	}
	return out, reserved, nil
}

// Settle releases reserved tokens and records consumption in one transaction.
func (r *BudgetRepository) Settle(ctx context.Context, key budget.Key, limit, released, consumed int) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		m, err := lockBudget(tx, key, limit)
		if err != nil {
			return err
		}
		if err := tx.Model(&m).Updates(map[string]any{
			"reserved": max(0, m.Reserved-released),
			"consumed": m.Consumed + consumed,
		}).Error; err != nil {
			return fmt.Errorf("settling budget: %w", err)
		}
		return nil
	})
}

// Get loads or creates the row for key.
func (r *BudgetRepository) Get(ctx context.Context, key budget.Key, limit int) (budget.Budget, error) {
	tx := r.db.WithContext(ctx)
	if err := ensureBudget(tx, key, limit); err != nil {
		return budget.Budget{}, err
	}
	var m BudgetModel
	if err := tx.Where("scope = ? AND budget_key = ? AND period_start = ?", string(key.Scope), key.ID, key.PeriodStart.UTC()).
		First(&m).Error; err != nil {
		return budget.Budget{}, fmt.Errorf("loading budget: %w", err)
	}
	return toBudgetDomain(&m), nil
}

// Prune deletes period rows that started before cutoff.
func (r *BudgetRepository) Prune(ctx context.Context, before time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("period_start > ? AND period_start < ?", time.Time{}, before.UTC()).
		Delete(&BudgetModel{})
	if res.Error != nil {
		return 0, fmt.Errorf("pruning budgets: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// ensureBudget inserts the row for key unless it already exists.
func ensureBudget(tx *gorm.DB, key budget.Key, limit int) error {
	m := BudgetModel{
		ID:          uuid.NewString(),
		Scope:       string(key.Scope),
		Key:         key.ID,
		PeriodStart: key.PeriodStart.UTC(),
		Limit:       limit,
	}
	err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "scope"}, {Name: "budget_key"}, {Name: "period_start"}},
		DoNothing: true,
	}).Create(&m).Error
	if err != nil {
		return fmt.Errorf("creating budget: %w", err)
	}
	return nil
}

// lockBudget loads the row for key with a row lock, creating it first when absent.
func lockBudget(tx *gorm.DB, key budget.Key, limit int) (BudgetModel, error) {
	if err := ensureBudget(tx, key, limit); err != nil {
		return BudgetModel{}, err
	}
	var m BudgetModel
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("scope = ? AND budget_key = ? AND period_start = ?", string(key.Scope), key.ID, key.PeriodStart.UTC()).
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return BudgetModel{}, fmt.Errorf("budget %s vanished during reservation", key)
	}
	if err != nil {
		return BudgetModel{}, fmt.Errorf("locking budget: %w", err)
	}
	return m, nil
}

var _ budget.Store = (*BudgetRepository)(nil)
