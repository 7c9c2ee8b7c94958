package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/toolgate/internal/llm"
)

// InstrumentedProvider records every model call the router makes: a child
// span of the invocation, request/token metrics, and error-rate anomalies.
type InstrumentedProvider struct {
	inner   llm.Provider
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

// NewInstrumentedProvider wraps inner. Any of metrics, ts and anomaly may be nil.
func NewInstrumentedProvider(inner llm.Provider, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedProvider {
	p := &InstrumentedProvider{inner: inner, metrics: metrics, anomaly: anomaly}
	if ts != nil {
		p.tracer = ts.Tracer()
	}
	return p
}

func (p *InstrumentedProvider) Name() string { return p.inner.Name() }

func (p *InstrumentedProvider) SendMessage(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	span := trace.SpanFromContext(ctx)
	if p.tracer != nil {
		ctx, span = p.tracer.Start(ctx, "llm.generate", trace.WithAttributes(
			attribute.String("llm.provider", p.inner.Name()),
			attribute.String("llm.model", req.Model),
			attribute.Int("llm.messages", len(req.Messages)),
			attribute.Int("llm.max_tokens", req.MaxTokens),
		))
		defer span.End()
	}

	start := time.Now()
	resp, err := p.inner.SendMessage(ctx, req)
	p.observe(span, req, resp, err, time.Since(start))
	return resp, err
}

func (p *InstrumentedProvider) observe(span trace.Span, req *llm.Request, resp *llm.Response, err error, elapsed time.Duration) {
	provider := p.inner.Name()
	model := req.Model
	if model == "" && resp != nil {
		model = resp.Model
	}

	status := "success"
	if err != nil {
		status = "error"
		p.anomaly.RecordError("llm:" + provider)
	} else {
		p.anomaly.RecordSuccess("llm:" + provider)
	}

	if p.tracer != nil {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else if resp != nil {
			span.SetAttributes(
				attribute.Int("llm.input_tokens", resp.Usage.InputTokens),
				attribute.Int("llm.output_tokens", resp.Usage.OutputTokens),
				attribute.String("llm.stop_reason", resp.StopReason),
			)
		}
	}

	if p.metrics == nil {
		return
	}
	p.metrics.LLMRequestsTotal.WithLabelValues(provider, model, status).Inc()
	p.metrics.LLMRequestDuration.WithLabelValues(provider, model).Observe(elapsed.Seconds())
	if resp != nil {
		p.metrics.LLMTokensUsed.WithLabelValues(provider, model, "input").Add(float64(resp.Usage.InputTokens))
		p.metrics.LLMTokensUsed.WithLabelValues(provider, model, "output").Add(float64(resp.Usage.OutputTokens))
	}
}

var _ llm.Provider = (*InstrumentedProvider)(nil)
