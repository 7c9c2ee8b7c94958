package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "toolgate"

// MetricsCollector holds all Prometheus metrics for the gateway.
// Uses a custom registry, no global state. Record* helpers are nil-safe.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Tool invocation metrics.
	ToolExecutionsTotal   *prometheus.CounterVec
	ToolExecutionDuration *prometheus.HistogramVec
	ToolCostTotal         *prometheus.CounterVec

	// Policy metrics.
	PolicyDecisionsTotal *prometheus.CounterVec

	// LLM metrics.
	LLMRequestsTotal   *prometheus.CounterVec
	LLMRequestDuration *prometheus.HistogramVec
	LLMTokensUsed      *prometheus.CounterVec
	LLMCostTotal       *prometheus.CounterVec

	// Budget, cache and fallback metrics.
	BudgetDecisionsTotal *prometheus.CounterVec
	CacheLookupsTotal    *prometheus.CounterVec
	FallbacksTotal       *prometheus.CounterVec

	// HTTP gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Background jobs.
	MaintenanceRunsTotal *prometheus.CounterVec

	// System metrics.
	ActiveRequests prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		ToolExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tool",
			Name:      "executions_total",
			Help:      "Total tool invocations by outcome.",
		}, []string{"tool", "status"}),

		ToolExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "tool",
			Name:      "execution_duration_seconds",
			Help:      "Tool invocation duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tool"}),

		ToolCostTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tool",
			Name:      "cost_usd_total",
			Help:      "Estimated tool cost in USD.",
		}, []string{"tool"}),

		PolicyDecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "policy",
			Name:      "decisions_total",
			Help:      "Policy decisions by deciding check.",
		}, []string{"check", "result"}),

		LLMRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "llm",
			Name:      "requests_total",
			Help:      "Total LLM API requests.",
		}, []string{"provider", "model", "status"}),

		LLMRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "llm",
			Name:      "request_duration_seconds",
			Help:      "LLM API request duration in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"provider", "model"}),

		LLMTokensUsed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "llm",
			Name:      "tokens_used_total",
			Help:      "Total LLM tokens consumed.",
		}, []string{"provider", "model", "direction"}),

		LLMCostTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "llm",
			Name:      "cost_usd_total",
			Help:      "LLM spend in USD by role and model.",
		}, []string{"role", "model"}),

		BudgetDecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "budget",
			Name:      "decisions_total",
			Help:      "Token budget decisions by action.",
		}, []string{"action", "result"}),

		CacheLookupsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Context cache lookups.",
		}, []string{"role", "result"}),

		FallbacksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fallback",
			Name:      "responses_total",
			Help:      "Fallback responses served by scenario.",
		}, []string{"scenario"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		MaintenanceRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "maintenance",
			Name:      "runs_total",
			Help:      "Maintenance job runs.",
		}, []string{"job", "status"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),
	}

	reg.MustRegister(
		m.ToolExecutionsTotal,
		m.ToolExecutionDuration,
		m.ToolCostTotal,
		m.PolicyDecisionsTotal,
		m.LLMRequestsTotal,
		m.LLMRequestDuration,
		m.LLMTokensUsed,
		m.LLMCostTotal,
		m.BudgetDecisionsTotal,
		m.CacheLookupsTotal,
		m.FallbacksTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.MaintenanceRunsTotal,
		m.ActiveRequests,
	)

	return m
}

// RecordToolExecution records one tool invocation outcome.
func (m *MetricsCollector) RecordToolExecution(tool, status string, d time.Duration, cost float64) {
	if m == nil {
		return
	}
	m.ToolExecutionsTotal.WithLabelValues(tool, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(tool).Observe(d.Seconds())
	if cost > 0 {
		m.ToolCostTotal.WithLabelValues(tool).Add(cost)
	}
}

// RecordPolicyDecision records which check decided and whether it allowed.
func (m *MetricsCollector) RecordPolicyDecision(check string, allowed bool) {
	if m == nil {
		return
	}
	m.PolicyDecisionsTotal.WithLabelValues(check, resultLabel(allowed)).Inc()
}

// RecordLLMCost records spend attributed to a router role.
func (m *MetricsCollector) RecordLLMCost(role, model string, cost float64) {
	if m == nil || cost <= 0 {
		return
	}
	m.LLMCostTotal.WithLabelValues(role, model).Add(cost)
}

// RecordBudgetDecision records a budget check outcome.
func (m *MetricsCollector) RecordBudgetDecision(action string, allowed bool) {
	if m == nil {
		return
	}
	m.BudgetDecisionsTotal.WithLabelValues(action, resultLabel(allowed)).Inc()
}

// RecordCacheLookup records a cache hit or miss for a role.
func (m *MetricsCollector) RecordCacheLookup(role string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookupsTotal.WithLabelValues(role, result).Inc()
}

// RecordFallback records a served fallback response.
func (m *MetricsCollector) RecordFallback(scenario string) {
	if m == nil {
		return
	}
	m.FallbacksTotal.WithLabelValues(scenario).Inc()
}

// RecordMaintenance records a maintenance job run.
func (m *MetricsCollector) RecordMaintenance(job string, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.MaintenanceRunsTotal.WithLabelValues(job, status).Inc()
}

func resultLabel(allowed bool) string {
	if allowed {
		return "allowed"
	}
	return "denied"
}
