package observability

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jkaninda/toolgate/internal/config"
)

const (
	defaultAnomalyWindow = 300 * time.Second
	minAnomalySamples    = 5
	maxRecentAnomalies   = 100
)

// Anomaly kinds.
const (
	AnomalyErrorRate = "error_rate"
	AnomalyCostSpike = "cost_spike"
)

// Anomaly is a detected threshold breach.
type Anomaly struct {
	Kind      string    `json:"kind"`
	Key       string    `json:"key"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	At        time.Time `json:"at"`
}

// AnomalyDetector performs threshold-based anomaly detection over tool
// outcomes and spend using sliding windows.
type AnomalyDetector struct {
	mu            sync.Mutex
	errorCounts   map[string]*slidingWindow
	successCounts map[string]*slidingWindow
	costs         map[string]*slidingWindow
	recent        []Anomaly
	cfg           *config.AnomalyConfig
	logger        *slog.Logger
}

type slidingWindow struct {
	entries []windowEntry
	window  time.Duration
}

type windowEntry struct {
	timestamp time.Time
	value     float64
}

// NewAnomalyDetector creates an anomaly detector from config.
func NewAnomalyDetector(cfg *config.AnomalyConfig, logger *slog.Logger) *AnomalyDetector {
	if cfg == nil {
		cfg = &config.AnomalyConfig{}
	}
	return &AnomalyDetector{
		errorCounts:   make(map[string]*slidingWindow),
		successCounts: make(map[string]*slidingWindow),
		costs:         make(map[string]*slidingWindow),
		cfg:           cfg,
		logger:        logger,
	}
}

func (a *AnomalyDetector) windowDuration() time.Duration {
	if a.cfg.WindowSeconds <= 0 {
		return defaultAnomalyWindow
	}
	return time.Duration(a.cfg.WindowSeconds) * time.Second
}

// RecordError records a failed operation for anomaly tracking.
func (a *AnomalyDetector) RecordError(operation string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.getOrCreateWindow(a.errorCounts, operation).add(1)
	a.checkErrorRate(operation)
}

// RecordSuccess records a successful operation.
func (a *AnomalyDetector) RecordSuccess(operation string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.getOrCreateWindow(a.successCounts, operation).add(1)
}

// RecordCost records spend under key and flags amounts far above the
// window average.
func (a *AnomalyDetector) RecordCost(key string, amount float64) {
	if a == nil || amount <= 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	w := a.getOrCreateWindow(a.costs, key)
	a.checkCostSpike(key, w, amount)
	w.add(amount)
}

// Recent returns the most recent anomalies, oldest first.
func (a *AnomalyDetector) Recent() []Anomaly {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Anomaly, len(a.recent))
	copy(out, a.recent)
	return out
}

// checkErrorRate checks if the error rate exceeds the configured threshold.
// Must be called with a.mu held.
func (a *AnomalyDetector) checkErrorRate(operation string) {
	threshold := a.cfg.ErrorRateThreshold
	if threshold <= 0 {
		return
	}

	errs := a.getOrCreateWindow(a.errorCounts, operation).sum()
	successes := a.getOrCreateWindow(a.successCounts, operation).sum()
	total := errs + successes
	if total < minAnomalySamples {
		return
	}

	rate := errs / total
	if rate <= threshold {
		return
	}
	a.flag(Anomaly{Kind: AnomalyErrorRate, Key: operation, Value: rate, Threshold: threshold})
	if a.logger != nil {
		a.logger.Warn("anomaly detected: high error rate",
			slog.String("operation", operation),
			slog.Float64("error_rate", rate),
			slog.Float64("threshold", threshold),
			slog.Float64("errors", errs),
			slog.Float64("total", total),
		)
	}
}

// checkCostSpike compares amount against the window average before it is added.
// Must be called with a.mu held.
func (a *AnomalyDetector) checkCostSpike(key string, w *slidingWindow, amount float64) {
	multiplier := a.cfg.CostSpikeMultiplier
	if multiplier <= 0 {
		return
	}
	n := w.count()
	if n < minAnomalySamples {
		return
	}
	avg := w.sum() / float64(n)
	if avg <= 0 || amount <= avg*multiplier {
		return
	}
	a.flag(Anomaly{Kind: AnomalyCostSpike, Key: key, Value: amount, Threshold: avg * multiplier})
	if a.logger != nil {
		a.logger.Warn("anomaly detected: cost spike",
			slog.String("key", key),
			slog.Float64("cost", amount),
			slog.Float64("window_average", avg),
			slog.Float64("multiplier", multiplier),
		)
	}
}

func (a *AnomalyDetector) flag(an Anomaly) {
	an.At = time.Now()
	a.recent = append(a.recent, an)
	if len(a.recent) > maxRecentAnomalies {
		a.recent = a.recent[len(a.recent)-maxRecentAnomalies:]
	}
}

func (a *AnomalyDetector) getOrCreateWindow(m map[string]*slidingWindow, key string) *slidingWindow {
	w, ok := m[key]
	if !ok {
		w = &slidingWindow{window: a.windowDuration()}
		m[key] = w
	}
	return w
}

// add appends a value and prunes expired entries.
func (w *slidingWindow) add(value float64) {
	now := time.Now()
	w.entries = append(w.entries, windowEntry{timestamp: now, value: value})
	w.prune(now)
}

// sum returns the total value within the window.
func (w *slidingWindow) sum() float64 {
	w.prune(time.Now())
	var total float64
	for _, e := range w.entries {
		total += e.value
	}
	return total
}

func (w *slidingWindow) count() int {
	w.prune(time.Now())
	return len(w.entries)
}

// prune removes entries older than the window duration.
func (w *slidingWindow) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.entries) && w.entries[i].timestamp.Before(cutoff) {
		i++
	}
	if i > 0 {
		w.entries = w.entries[i:]
	}
}
