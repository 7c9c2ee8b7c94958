package postgres

import (
	"encoding/json"

	"github.com/jkaninda/toolgate/internal/approval"
	"github.com/jkaninda/toolgate/internal/audit"
	"github.com/jkaninda/toolgate/internal/budget"
	"github.com/jkaninda/toolgate/internal/cache"
	"github.com/jkaninda/toolgate/internal/costs"
)

func toJSON(v any) JSON {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return JSON(data)
}

func fromJSON(j JSON) any {
	if len(j) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(j, &v); err != nil {
		return nil
	}
	return v
}

// --- Audit ---

func toAuditModel(e *audit.Entry) AuditEntryModel {
	return AuditEntryModel{
		ID:            e.ID,
		Timestamp:     e.Timestamp.UTC(),
		ToolID:        e.ToolID,
		ToolVersion:   e.ToolVersion,
		Status:        string(e.Status),
		UserID:        e.UserID,
		SessionID:     e.SessionID,
		TenantID:      e.TenantID,
		Role:          e.Role,
		RequestID:     e.RequestID,
		CorrelationID: e.CorrelationID,
		TraceID:       e.TraceID,
		Input:         toJSON(e.Input),
		Output:        toJSON(e.Output),
		Error:         e.Error,
		PolicyReason:  e.PolicyReason,
		LatencyMs:     e.LatencyMs,
		Cost:          e.Cost,
		Metadata:      toJSON(e.Metadata),
	}
}

func toAuditDomain(m *AuditEntryModel) audit.Entry {
	e := audit.Entry{
		ID:            m.ID,
		Timestamp:     m.Timestamp,
		ToolID:        m.ToolID,
		ToolVersion:   m.ToolVersion,
		Status:        audit.Status(m.Status),
		UserID:        m.UserID,
		SessionID:     m.SessionID,
		TenantID:      m.TenantID,
		Role:          m.Role,
		RequestID:     m.RequestID,
		CorrelationID: m.CorrelationID,
		TraceID:       m.TraceID,
		Input:         fromJSON(m.Input),
		Output:        fromJSON(m.Output),
		Error:         m.Error,
		PolicyReason:  m.PolicyReason,
		LatencyMs:     m.LatencyMs,
		Cost:          m.Cost,
	}
	if len(m.Metadata) > 0 {
		_ = json.Unmarshal(m.Metadata, &e.Metadata)
	}
	return e
}

// --- Budget ---

func toBudgetDomain(m *BudgetModel) budget.Budget {
	return budget.Budget{
		Scope:       budget.Scope(m.Scope),
		Key:         m.Key,
		Limit:       m.Limit,
		Consumed:    m.Consumed,
		Reserved:    m.Reserved,
		PeriodStart: m.PeriodStart,
		UpdatedAt:   m.UpdatedAt,
	}
}

// --- Cache ---

func toCacheDomain(m *CacheEntryModel) *cache.Entry {
	return &cache.Entry{
		Key:       m.Key,
		Role:      m.Role,
		Value:     json.RawMessage(m.Value),
		ExpiresAt: m.ExpiresAt,
		HitCount:  m.HitCount,
		CreatedAt: m.CreatedAt,
	}
}

// --- Costs ---

func toCostModel(r *costs.Record) CostRecordModel {
	m := CostRecordModel{
		ID:           r.ID,
		SessionID:    r.SessionID,
		WorkflowID:   r.WorkflowID,
		ToolID:       r.ToolID,
		Role:         r.Role,
		TenantID:     r.TenantID,
		Model:        r.Model,
		InputTokens:  r.InputTokens,
		OutputTokens: r.OutputTokens,
		TotalTokens:  r.TotalTokens,
		CostUSD:      r.CostUSD,
		Cached:       r.Cached,
		Fallback:     r.Fallback,
		CreatedAt:    r.CreatedAt.UTC(),
	}
	if len(r.Metadata) > 0 {
		m.Metadata = toJSON(r.Metadata)
	}
	return m
}

func toCostDomain(m *CostRecordModel) costs.Record {
	r := costs.Record{
		ID:           m.ID,
		SessionID:    m.SessionID,
		WorkflowID:   m.WorkflowID,
		ToolID:       m.ToolID,
		Role:         m.Role,
		TenantID:     m.TenantID,
		Model:        m.Model,
		InputTokens:  m.InputTokens,
		OutputTokens: m.OutputTokens,
		TotalTokens:  m.TotalTokens,
		CostUSD:      m.CostUSD,
		Cached:       m.Cached,
		Fallback:     m.Fallback,
		CreatedAt:    m.CreatedAt,
	}
	if len(m.Metadata) > 0 {
		_ = json.Unmarshal(m.Metadata, &r.Metadata)
	}
	return r
}

// --- Review ---

func toReviewDomain(m *ReviewModel) *approval.PendingApproval {
	return &approval.PendingApproval{
		ID:            m.ID,
		UserID:        m.UserID,
		ToolID:        m.ToolID,
		Input:         fromJSON(m.Input),
		InputHash:     m.InputHash,
		RiskLevel:     m.RiskLevel,
		CorrelationID: m.CorrelationID,
		SessionID:     m.SessionID,
		TenantID:      m.TenantID,
		Status:        approval.Status(m.Status),
		ApprovedBy:    m.ApprovedBy,
		CreatedAt:     m.CreatedAt,
		ExpiresAt:     m.ExpiresAt,
		ResolvedAt:    m.ResolvedAt,
	}
}
