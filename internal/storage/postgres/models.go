package postgres

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

// JSON is a JSON document column. It maps to jsonb on PostgreSQL and to
// text everywhere else.
type JSON json.RawMessage

// GormDBDataType picks the column type per dialect.
func (JSON) GormDBDataType(db *gorm.DB, _ *schema.Field) string {
	if db.Dialector.Name() == "postgres" {
		return "JSONB"
	}
	return "TEXT"
}

func (j JSON) Value() (driver.Value, error) {
	if len(j) == 0 {
		return nil, nil
	}
	return string(j), nil
}

func (j *JSON) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*j = nil
	case []byte:
		*j = append((*j)[:0], v...)
	case string:
		*j = JSON(v)
	default:
		return fmt.Errorf("scanning JSON column: unsupported type %T", src)
	}
	return nil
}

// AuditEntryModel maps to the "audit_entries" table.
// No UpdatedAt or DeletedAt: the audit log is append-only.
type AuditEntryModel struct {
	ID            string    `gorm:"primaryKey"`
	Timestamp     time.Time `gorm:"column:recorded_at;not null;index"`
	ToolID        string    `gorm:"not null;index"`
	ToolVersion   string
	Status        string `gorm:"not null;index"`
	UserID        string
	SessionID     string `gorm:"index"`
	TenantID      string
	Role          string
	RequestID     string `gorm:"not null"`
	CorrelationID string `gorm:"index"`
	TraceID       string
	Input         JSON
	Output        JSON
	Error         string `gorm:"type:text"`
	PolicyReason  string `gorm:"type:text"`
	LatencyMs     int64
	Cost          *float64
	Metadata      JSON
}

func (AuditEntryModel) TableName() string { return "audit_entries" }

// BudgetModel maps to the "token_budgets" table. PeriodStart is the zero
// time for budgets that never roll over.
type BudgetModel struct {
	ID          string    `gorm:"primaryKey"`
	Scope       string    `gorm:"not null;uniqueIndex:idx_budget_key"`
	Key         string    `gorm:"column:budget_key;not null;uniqueIndex:idx_budget_key"`
	PeriodStart time.Time `gorm:"not null;uniqueIndex:idx_budget_key"`
	Limit       int       `gorm:"column:token_limit;not null"`
	Consumed    int       `gorm:"not null;default:0"`
	Reserved    int       `gorm:"not null;default:0"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (BudgetModel) TableName() string { return "token_budgets" }

// CacheEntryModel maps to the "cache_entries" table.
type CacheEntryModel struct {
	Key       string    `gorm:"column:cache_key;primaryKey"`
	Role      string    `gorm:"index"`
	Value     JSON      `gorm:"not null"`
	ExpiresAt time.Time `gorm:"not null;index"`
	HitCount  int64     `gorm:"not null;default:0"`
	CreatedAt time.Time
}

func (CacheEntryModel) TableName() string { return "cache_entries" }

// CostRecordModel maps to the "cost_records" table.
type CostRecordModel struct {
	ID           string `gorm:"primaryKey"`
	SessionID    string `gorm:"index"`
	WorkflowID   string `gorm:"index"`
	ToolID       string `gorm:"index"`
	Role         string `gorm:"index"`
	TenantID     string `gorm:"index"`
	Model        string
	InputTokens  int
	OutputTokens int
	TotalTokens  int
	CostUSD      float64 `gorm:"not null;default:0"`
	Cached       bool
	Fallback     bool
	Metadata     JSON
	CreatedAt    time.Time `gorm:"not null;index"`
}

func (CostRecordModel) TableName() string { return "cost_records" }

// ReviewModel maps to the "reviews" table.
type ReviewModel struct {
	ID            string `gorm:"primaryKey"`
	UserID        string
	ToolID        string `gorm:"not null"`
	Input         JSON
	InputHash     string
	RiskLevel     string `gorm:"not null"`
	CorrelationID string
	SessionID     string
	TenantID      string
	Status        string `gorm:"not null;index"`
	ApprovedBy    string
	CreatedAt     time.Time
	ExpiresAt     time.Time `gorm:"index"`
	ResolvedAt    *time.Time
}

func (ReviewModel) TableName() string { return "reviews" }

// Models lists every table in migration order.
func Models() []any {
	return []any{
		&AuditEntryModel{},
		&BudgetModel{},
		&CacheEntryModel{},
		&CostRecordModel{},
		&ReviewModel{},
	}
}
