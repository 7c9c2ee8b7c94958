// Package observability provides Prometheus metrics, OpenTelemetry tracing,
// health checks, and anomaly detection for the tool gateway.
// Metrics and the anomaly detector are nil-safe; when disabled, callers
// skip recording with a single nil check per operation. The tracer always
// records spans in memory so traces can be exported over the API.
package observability

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jkaninda/toolgate/internal/config"
)

// Observability is the top-level facade holding all observability components.
// Metrics and Anomaly may be nil when disabled.
type Observability struct {
	Metrics *MetricsCollector
	Tracer  *TracerSetup
	Anomaly *AnomalyDetector
	Health  *HealthChecker
}

// New creates an Observability instance from config. A nil config keeps
// metrics on and leaves exporters and anomaly detection off.
func New(cfg *config.ObservabilityConfig, logger *slog.Logger) (*Observability, error) {
	if cfg == nil {
		cfg = &config.ObservabilityConfig{}
	}

	obs := &Observability{}

	if cfg.Metrics == nil || cfg.Metrics.Enabled {
		obs.Metrics = NewMetricsCollector()
	}

	ts, err := NewTracerSetup(cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("initializing tracing: %w", err)
	}
	obs.Tracer = ts

	if cfg.Anomaly != nil && cfg.Anomaly.Enabled {
		obs.Anomaly = NewAnomalyDetector(cfg.Anomaly, logger)
	}

	// Checks are added by the serve command once stores are open.
	obs.Health = NewHealthChecker(logger)

	return obs, nil
}

// Shutdown releases observability resources.
func (o *Observability) Shutdown(ctx context.Context) {
	if o == nil {
		return
	}
	if o.Tracer != nil {
		_ = o.Tracer.Shutdown(ctx)
	}
}

// TracerOrNil returns the tracer setup or nil.
func (o *Observability) TracerOrNil() *TracerSetup {
	if o == nil {
		return nil
	}
	return o.Tracer
}

// MetricsOrNil returns the metrics collector or nil.
func (o *Observability) MetricsOrNil() *MetricsCollector {
	if o == nil {
		return nil
	}
	return o.Metrics
}

// AnomalyOrNil returns the anomaly detector or nil.
func (o *Observability) AnomalyOrNil() *AnomalyDetector {
	if o == nil {
		return nil
	}
	return o.Anomaly
}
