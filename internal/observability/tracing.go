package observability

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/jkaninda/toolgate/internal/config"
)

// TracerSetup holds the OTel TracerProvider, a named tracer and the in-memory
// span recorder backing trace export.
// Not set as global; injected where spans are needed.
type TracerSetup struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
	recorder *SpanRecorder
}

// NewTracerSetup creates a TracerProvider that always records finished spans
// in memory. An OTLP exporter is added when cfg.Endpoint is set.
func NewTracerSetup(cfg *config.TracingConfig) (*TracerSetup, error) {
	if cfg == nil {
		cfg = &config.TracingConfig{}
	}
	ctx := context.Background()

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "toolgate"
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("creating resource: %w", err)
	}

	sampleRate := cfg.SampleRate
	if sampleRate <= 0 {
		sampleRate = 1.0
	}
	ratio := sdktrace.TraceIDRatioBased(sampleRate)

	recorder := NewSpanRecorder()
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithSpanProcessor(recorder),
		sdktrace.WithResource(res),
		// Root spans hang off an unsampled synthetic parent, so the ratio
		// sampler decides for them too.
		sdktrace.WithSampler(sdktrace.ParentBased(ratio,
			sdktrace.WithRemoteParentNotSampled(ratio),
		)),
	}

	if cfg.Endpoint != "" {
		exporter, err := newExporter(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("creating OTLP exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}

	tp := sdktrace.NewTracerProvider(opts...)
	return &TracerSetup{
		provider: tp,
		tracer:   tp.Tracer(serviceName),
		recorder: recorder,
	}, nil
}

func newExporter(ctx context.Context, cfg *config.TracingConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Protocol {
	case "http":
		opts := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(cfg.Endpoint),
		}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		return otlptracehttp.New(ctx, opts...)
	default: // "grpc" or empty
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(cfg.Endpoint),
		}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		return otlptracegrpc.New(ctx, opts...)
	}
}

// Tracer returns the named tracer for creating spans.
func (t *TracerSetup) Tracer() trace.Tracer {
	if t == nil {
		return noop.NewTracerProvider().Tracer("")
	}
	return t.tracer
}

// Recorder returns the in-memory span recorder, or nil.
func (t *TracerSetup) Recorder() *SpanRecorder {
	if t == nil {
		return nil
	}
	return t.recorder
}

// StartSpan starts a span. When ctx carries no span, the new span becomes the
// root of the trace identified by traceID.
func (t *TracerSetup) StartSpan(ctx context.Context, traceID, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if !trace.SpanContextFromContext(ctx).IsValid() && traceID != "" {
		ctx = trace.ContextWithRemoteSpanContext(ctx, syntheticParent(traceID))
	}
	return t.Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

// Export returns the recorded spans of a trace.
func (t *TracerSetup) Export(traceID string) (*TraceExport, bool) {
	return t.Recorder().Export(traceID)
}

// Shutdown flushes any pending spans and shuts down the TracerProvider.
func (t *TracerSetup) Shutdown(ctx context.Context) error {
	if t == nil || t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

// TraceIDFor maps an application trace identifier onto an OTel trace ID.
// A 32-character hex string is used as-is; anything else is hashed.
func TraceIDFor(id string) trace.TraceID {
	if tid, err := trace.TraceIDFromHex(id); err == nil {
		return tid
	}
	sum := sha256.Sum256([]byte(id))
	var tid trace.TraceID
	copy(tid[:], sum[:16])
	return tid
}

func syntheticParent(traceID string) trace.SpanContext {
	sum := sha256.Sum256([]byte("parent:" + traceID))
	var sid trace.SpanID
	copy(sid[:], sum[:8])
	if !sid.IsValid() {
		sid[7] = 1
	}
	return trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: TraceIDFor(traceID),
		SpanID:  sid,
		Remote:  true,
	})
}

// --- SpanRecorder ---

// SpanRecorder is a SpanProcessor that keeps finished spans in memory,
// grouped by trace.
type SpanRecorder struct {
	mu     sync.RWMutex
	traces map[trace.TraceID]*recordedTrace
}

type recordedTrace struct {
	spans   []sdktrace.ReadOnlySpan
	updated time.Time
}

// NewSpanRecorder creates an empty recorder.
func NewSpanRecorder() *SpanRecorder {
	return &SpanRecorder{traces: make(map[trace.TraceID]*recordedTrace)}
}

func (r *SpanRecorder) OnStart(context.Context, sdktrace.ReadWriteSpan) {}

func (r *SpanRecorder) OnEnd(s sdktrace.ReadOnlySpan) {
	tid := s.SpanContext().TraceID()
	r.mu.Lock()
	defer r.mu.Unlock()
	rt, ok := r.traces[tid]
	if !ok {
		rt = &recordedTrace{}
		r.traces[tid] = rt
	}
	rt.spans = append(rt.spans, s)
	rt.updated = time.Now()
}

func (r *SpanRecorder) Shutdown(context.Context) error   { return nil }
func (r *SpanRecorder) ForceFlush(context.Context) error { return nil }

// Len returns the number of traces held.
func (r *SpanRecorder) Len() int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.traces)
}

// Cleanup drops traces whose last span ended more than maxAge ago and
// returns how many were removed.
func (r *SpanRecorder) Cleanup(maxAge time.Duration) int {
	if r == nil {
		return 0
	}
	cutoff := time.Now().Add(-maxAge)
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for tid, rt := range r.traces {
		if rt.updated.Before(cutoff) {
			delete(r.traces, tid)
			removed++
		}
	}
	return removed
}

// TraceExport is the JSON view of one trace.
type TraceExport struct {
	TraceID string       `json:"traceId"`
	Spans   []SpanExport `json:"spans"`
}

// SpanExport is the JSON view of one finished span. Duration is in milliseconds.
type SpanExport struct {
	SpanID       string         `json:"spanId"`
	ParentSpanID string         `json:"parentSpanId,omitempty"`
	Name         string         `json:"name"`
	StartTime    time.Time      `json:"startTime"`
	EndTime      time.Time      `json:"endTime"`
	Duration     int64          `json:"duration"`
	Attributes   map[string]any `json:"attributes,omitempty"`
	Events       []EventExport  `json:"events,omitempty"`
	Status       string         `json:"status"`
	Error        string         `json:"error,omitempty"`
}

// EventExport is a span event.
type EventExport struct {
	Name       string         `json:"name"`
	Timestamp  time.Time      `json:"timestamp"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Export returns the spans recorded for traceID ordered by start time.
func (r *SpanRecorder) Export(traceID string) (*TraceExport, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	rt, ok := r.traces[TraceIDFor(traceID)]
	var spans []sdktrace.ReadOnlySpan
	if ok {
		spans = append(spans, rt.spans...)
	}
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}

	sort.SliceStable(spans, func(i, j int) bool {
		return spans[i].StartTime().Before(spans[j].StartTime())
	})

	out := &TraceExport{TraceID: traceID, Spans: make([]SpanExport, 0, len(spans))}
	for _, s := range spans {
		se := SpanExport{
			SpanID:     s.SpanContext().SpanID().String(),
			Name:       s.Name(),
			StartTime:  s.StartTime(),
			EndTime:    s.EndTime(),
			Duration:   s.EndTime().Sub(s.StartTime()).Milliseconds(),
			Attributes: attributeMap(s.Attributes()),
			Status:     statusName(s.Status().Code),
		}
		if p := s.Parent(); p.IsValid() && !p.IsRemote() {
			se.ParentSpanID = p.SpanID().String()
		}
		if s.Status().Code == codes.Error {
			se.Error = s.Status().Description
		}
		for _, ev := range s.Events() {
			se.Events = append(se.Events, EventExport{
				Name:       ev.Name,
				Timestamp:  ev.Time,
				Attributes: attributeMap(ev.Attributes),
			})
		}
		out.Spans = append(out.Spans, se)
	}
	return out, true
}

func attributeMap(kvs []attribute.KeyValue) map[string]any {
	if len(kvs) == 0 {
		return nil
	}
	m := make(map[string]any, len(kvs))
	for _, kv := range kvs {
		m[string(kv.Key)] = kv.Value.AsInterface()
	}
	return m
}

func statusName(c codes.Code) string {
	switch c {
	case codes.Ok:
		return "ok"
	case codes.Error:
		return "error"
	default:
		return "unset"
	}
}

var _ sdktrace.SpanProcessor = (*SpanRecorder)(nil)
