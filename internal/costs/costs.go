// Package costs records the cost of model calls and aggregates the records
// into reports and dashboards.
package costs

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Record is one model call, cached response or fallback.
type Record struct {
	ID           string            `json:"id"`
	SessionID    string            `json:"sessionId,omitempty"`
	WorkflowID   string            `json:"workflowId,omitempty"`
	ToolID       string            `json:"toolId,omitempty"`
	Role         string            `json:"role,omitempty"`
	TenantID     string            `json:"tenantId,omitempty"`
	Model        string            `json:"model"`
	InputTokens  int               `json:"inputTokens"`
	OutputTokens int               `json:"outputTokens"`
	TotalTokens  int               `json:"totalTokens"`
	CostUSD      float64           `json:"costUsd"`
	Cached       bool              `json:"cached,omitempty"`
	Fallback     bool              `json:"fallback,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
}

// Filter narrows a report. Zero values match everything; Start and End are
// inclusive.
type Filter struct {
	SessionID  string
	WorkflowID string
	ToolID     string
	Role       string
	TenantID   string
	Start      time.Time
	End        time.Time
}

// Match reports whether r satisfies the filter.
func (f Filter) Match(r *Record) bool {
	switch {
	case f.SessionID != "" && r.SessionID != f.SessionID,
		f.WorkflowID != "" && r.WorkflowID != f.WorkflowID,
		f.ToolID != "" && r.ToolID != f.ToolID,
		f.Role != "" && r.Role != f.Role,
		f.TenantID != "" && r.TenantID != f.TenantID,
		!f.Start.IsZero() && r.CreatedAt.Before(f.Start),
		!f.End.IsZero() && r.CreatedAt.After(f.End):
		return false
	}
	return true
}

// ParseTime reads a filter bound given as RFC 3339 or as a YYYY-MM-DD date.
// The empty string is the zero time, meaning unbounded.
func ParseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q: want RFC 3339 or YYYY-MM-DD", s)
	}
	return t, nil
}

// Store persists cost records. Records are never updated.
type Store interface {
	Append(ctx context.Context, r *Record) error
	// Query returns matching records, oldest first.
	Query(ctx context.Context, f Filter) ([]Record, error)
}

// Breakdown aggregates one group of records.
type Breakdown struct {
	Cost     float64 `json:"cost"`
	Tokens   int     `json:"tokens"`
	Requests int     `json:"requests"`
}

func (b *Breakdown) add(r *Record) {
	b.Cost += r.CostUSD
	b.Tokens += r.TotalTokens
	b.Requests++
}

// Period is the time range a report covers.
type Period struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Report summarizes the records matching a filter.
type Report struct {
	TotalCost    float64 `json:"totalCost"`
	TotalTokens  int     `json:"totalTokens"`
	RequestCount int     `json:"requestCount"`
	CacheHitRate float64 `json:"cacheHitRate"`
	FallbackRate float64 `json:"fallbackRate"`
	Breakdown    struct {
		ByRole  map[string]*Breakdown `json:"byRole"`
		ByModel map[string]*Breakdown `json:"byModel"`
		ByTool  map[string]*Breakdown `json:"byTool"`
	} `json:"breakdown"`
	Period Period `json:"period"`
}

// Summary is the headline block of a dashboard.
type Summary struct {
	TotalCost             float64 `json:"totalCost"`
	TotalTokens           int     `json:"totalTokens"`
	AverageCostPerRequest float64 `json:"averageCostPerRequest"`
	CacheHitRate          float64 `json:"cacheHitRate"`
	FallbackRate          float64 `json:"fallbackRate"`
}

// Trend is the aggregate of one UTC calendar day.
type Trend struct {
	Date string `json:"date"`
	Breakdown
}

// Consumer is a role or tool ranked by cost.
type Consumer struct {
	Type string `json:"type"`
	Name string `json:"name"`
	Breakdown
}

// Dashboard is the cost overview for a recent period.
type Dashboard struct {
	Summary      Summary    `json:"summary"`
	Trends       []Trend    `json:"trends"`
	TopConsumers []Consumer `json:"topConsumers"`
}

const topConsumers = 10

// Monitor records costs and builds reports.
type Monitor struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewMonitor creates a monitor over store.
func NewMonitor(store Store, logger *slog.Logger) *Monitor {
	return &Monitor{store: store, logger: logger, now: time.Now}
}

// Record appends r, filling in the id, creation time and total tokens.
func (m *Monitor) Record(ctx context.Context, r *Record) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = m.now().UTC()
	}
	if r.TotalTokens == 0 {
		r.TotalTokens = r.InputTokens + r.OutputTokens
	}
	if err := m.store.Append(ctx, r); err != nil {
		m.logger.WarnContext(ctx, "cost record dropped",
			slog.String("model", r.Model),
			slog.Float64("cost_usd", r.CostUSD),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("recording cost: %w", err)
	}
	return nil
}

// Report aggregates the records matching f. The period defaults to the
// epoch through now.
func (m *Monitor) Report(ctx context.Context, f Filter) (*Report, error) {
	records, err := m.store.Query(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("querying costs: %w", err)
	}
	rep := aggregate(records)
	rep.Period = Period{Start: f.Start, End: f.End}
	if rep.Period.Start.IsZero() {
		rep.Period.Start = time.Unix(0, 0).UTC()
	}
	if rep.Period.End.IsZero() {
		rep.Period.End = m.now()
	}
	return rep, nil
}

func aggregate(records []Record) *Report {
	rep := &Report{}
	rep.Breakdown.ByRole = map[string]*Breakdown{}
	rep.Breakdown.ByModel = map[string]*Breakdown{}
	rep.Breakdown.ByTool = map[string]*Breakdown{}

	var cached, fallbacks int
	for i := range records {
		r := &records[i]
		rep.TotalCost += r.CostUSD
		rep.TotalTokens += r.TotalTokens
		if r.Cached {
			cached++
		}
		if r.Fallback {
			fallbacks++
		}
		group(rep.Breakdown.ByRole, orUnknown(r.Role)).add(r)
		group(rep.Breakdown.ByModel, orUnknown(r.Model)).add(r)
		group(rep.Breakdown.ByTool, orUnknown(r.ToolID)).add(r)
	}
	rep.RequestCount = len(records)
	if rep.RequestCount > 0 {
		rep.CacheHitRate = float64(cached) / float64(rep.RequestCount)
		rep.FallbackRate = float64(fallbacks) / float64(rep.RequestCount)
	}
	return rep
}

func group(m map[string]*Breakdown, key string) *Breakdown {
	b, ok := m[key]
	if !ok {
		b = &Breakdown{}
		m[key] = b
	}
	return b
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

// Dashboard summarizes the last day, week or month. Any other period is
// treated as "day".
func (m *Monitor) Dashboard(ctx context.Context, period string) (*Dashboard, error) {
	now := m.now()
	var start time.Time
	switch period {
	case "week":
		start = now.AddDate(0, 0, -7)
	case "month":
		start = now.AddDate(0, -1, 0)
	default:
		start = now.AddDate(0, 0, -1)
	}

	records, err := m.store.Query(ctx, Filter{Start: start, End: now})
	if err != nil {
		return nil, fmt.Errorf("querying costs: %w", err)
	}
	rep := aggregate(records)

	d := &Dashboard{
		Summary: Summary{
			TotalCost:    rep.TotalCost,
			TotalTokens:  rep.TotalTokens,
			CacheHitRate: rep.CacheHitRate,
			FallbackRate: rep.FallbackRate,
		},
		Trends:       trends(records),
		TopConsumers: consumers(rep),
	}
	if rep.RequestCount > 0 {
		d.Summary.AverageCostPerRequest = rep.TotalCost / float64(rep.RequestCount)
	}
	return d, nil
}

func trends(records []Record) []Trend {
	days := map[string]*Breakdown{}
	var order []string
	for i := range records {
		date := records[i].CreatedAt.UTC().Format("2006-01-02")
		if _, ok := days[date]; !ok {
			order = append(order, date)
		}
		group(days, date).add(&records[i])
	}
	sort.Strings(order)
	out := make([]Trend, 0, len(order))
	for _, date := range order {
		out = append(out, Trend{Date: date, Breakdown: *days[date]})
	}
	return out
}

func consumers(rep *Report) []Consumer {
	var out []Consumer
	for name, b := range rep.Breakdown.ByRole {
		out = append(out, Consumer{Type: "role", Name: name, Breakdown: *b})
	}
	for name, b := range rep.Breakdown.ByTool {
		out = append(out, Consumer{Type: "tool", Name: name, Breakdown: *b})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Cost != out[j].Cost {
			return out[i].Cost > out[j].Cost
		}
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].Name < out[j].Name
	})
	if len(out) > topConsumers {
		out = out[:topConsumers]
	}
	return out
}
