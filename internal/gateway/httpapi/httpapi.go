// Package httpapi implements the HTTP API for tool discovery, invocation,
// cost reports, trace export, human reviews and the audit log.
//
// Security:
//   - API key authentication on /v1 (constant-time comparison)
//   - Request body size limits (default 1 MB)
//   - Per-caller rate limiting via token bucket
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jkaninda/okapi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/toolgate/internal/approval"
	"github.com/jkaninda/toolgate/internal/audit"
	"github.com/jkaninda/toolgate/internal/costs"
	"github.com/jkaninda/toolgate/internal/observability"
	"github.com/jkaninda/toolgate/internal/ratelimit"
	"github.com/jkaninda/toolgate/internal/registry"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// AnonymousUser is the caller id used when no API keys are configured.
const AnonymousUser = "anonymous"

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr     string // e.g., ":8080"
	EnableDocs     bool
	Version        string
	APIKeys        map[string]string // API key → user ID. Empty = authentication off.
	MaxRequestSize int64             // Maximum request body in bytes. 0 = 1 MB default.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Deps are the components the API exposes. Nil optional components disable
// their endpoints.
type Deps struct {
	Registry *registry.Registry // required
	Costs    *costs.Monitor
	Tracer   *observability.TracerSetup
	Reviews  approval.ApprovalManager
	Audit    audit.Store
	Hub      *audit.Hub
	Limiter  *ratelimit.Bucket
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	config Config
	deps   Deps
	logger *slog.Logger
	server *http.Server
	okapi  *okapi.Okapi
	group  *okapi.Group
}

// New creates the gateway and mounts every route.
func New(cfg Config, deps Deps, logger *slog.Logger) *Gateway {
	if cfg.MaxRequestSize <= 0 {
		cfg.MaxRequestSize = defaultMaxRequestSize
	}
	g := &Gateway{
		config: cfg,
		deps:   deps,
		logger: logger,
		okapi:  okapi.New(okapi.WithMaxMultipartMemory(cfg.MaxRequestSize)),
	}
	g.mount()
	return g
}

// Handler returns the gateway as an http.Handler.
func (g *Gateway) Handler() http.Handler {
	return g.okapi
}

func (g *Gateway) mount() {
	// Metrics/tracing middleware (applied globally).
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, next)
		})
	}
	g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, g.config.MaxRequestSize)
			}
			next.ServeHTTP(w, r)
		})
	})

	// The WebSocket stream authenticates itself: browsers cannot set headers
	// on an upgrade request, so it also accepts ?token=.
	if g.deps.Hub != nil {
		g.okapi.HandleStd(http.MethodGet, "/v1/audit/stream", g.handleAuditStream)
	}

	g.group = g.okapi.Group("/v1", g.authenticate, g.rateLimit)

	g.group.Get("/tools", g.handleListTools,
		okapi.DocSummary("List registered tools"),
		okapi.DocTags("Tools"),
		okapi.DocResponse([]registry.Descriptor{}),
	)
	g.group.Get("/tools/openai", g.handleOpenAITools,
		okapi.DocSummary("List tools as OpenAI function definitions"),
		okapi.DocTags("Tools"),
		okapi.DocResponse([]registry.OpenAITool{}),
	)
	g.group.Post("/tools/{id}/invoke", g.handleInvoke,
		okapi.DocSummary("Invoke a tool"),
		okapi.DocTags("Tools"),
		okapi.DocPathParam("id", "string", "Tool ID"),
		okapi.DocRequestBody(InvokeRequest{}),
		okapi.DocResponse(registry.Result{}),
		okapi.DocResponse(http.StatusAccepted, registry.Result{}),
		okapi.DocResponse(http.StatusBadRequest, registry.Result{}),
		okapi.DocResponse(http.StatusForbidden, registry.Result{}),
		okapi.DocResponse(http.StatusNotFound, registry.Result{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)

	if g.deps.Costs != nil {
		g.group.Get("/costs", g.handleCostReport,
			okapi.DocSummary("Cost report"),
			okapi.DocTags("Costs"),
			okapi.DocQueryParam("session_id", "string", "Session filter", false),
			okapi.DocQueryParam("workflow_id", "string", "Workflow filter", false),
			okapi.DocQueryParam("tool_id", "string", "Tool filter", false),
			okapi.DocQueryParam("role", "string", "Router role filter", false),
			okapi.DocQueryParam("tenant_id", "string", "Tenant filter", false),
			okapi.DocQueryParam("start", "string", "RFC 3339 or YYYY-MM-DD", false),
			okapi.DocQueryParam("end", "string", "RFC 3339 or YYYY-MM-DD", false),
			okapi.DocResponse(costs.Report{}),
			okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		)
		g.group.Get("/costs/dashboard", g.handleCostDashboard,
			okapi.DocSummary("Cost dashboard"),
			okapi.DocTags("Costs"),
			okapi.DocQueryParam("period", "string", "day, week or month", false),
			okapi.DocResponse(costs.Dashboard{}),
		)
	}

	if g.deps.Tracer != nil {
		g.group.Get("/traces/{id}", g.handleTrace,
			okapi.DocSummary("Export the spans of a trace"),
			okapi.DocTags("Traces"),
			okapi.DocPathParam("id", "string", "Trace ID"),
			okapi.DocResponse(observability.TraceExport{}),
			okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		)
	}

	if g.deps.Reviews != nil {
		g.group.Get("/reviews/{id}", g.handleGetReview,
			okapi.DocSummary("Get a human review"),
			okapi.DocTags("Reviews"),
			okapi.DocPathParam("id", "string", "Review ID"),
			okapi.DocResponse(approval.PendingApproval{}),
			okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		)
		g.group.Post("/reviews/{id}/approve", g.handleApproveReview,
			okapi.DocSummary("Approve a human review"),
			okapi.DocTags("Reviews"),
			okapi.DocPathParam("id", "string", "Review ID"),
			okapi.DocResponse(approval.PendingApproval{}),
			okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
			okapi.DocResponse(http.StatusConflict, ErrorBody{}),
			okapi.DocResponse(http.StatusGone, ErrorBody{}),
		)
		g.group.Post("/reviews/{id}/deny", g.handleDenyReview,
			okapi.DocSummary("Deny a human review"),
			okapi.DocTags("Reviews"),
			okapi.DocPathParam("id", "string", "Review ID"),
			okapi.DocResponse(approval.PendingApproval{}),
			okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
			okapi.DocResponse(http.StatusConflict, ErrorBody{}),
		)
	}

	if g.deps.Audit != nil {
		g.group.Get("/audit", g.handleListAudit,
			okapi.DocSummary("List audit entries, newest first"),
			okapi.DocTags("Audit"),
			okapi.DocQueryParam("tool_id", "string", "Tool filter", false),
			okapi.DocQueryParam("session_id", "string", "Session filter", false),
			okapi.DocQueryParam("status", "string", "success, error or blocked", false),
			okapi.DocQueryParam("limit", "integer", "Page size", false),
			okapi.DocQueryParam("offset", "integer", "Page offset", false),
			okapi.DocResponse([]audit.Entry{}),
		)
	}

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd(http.MethodGet, path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.okapi.WithOpenAPIDocs(okapi.OpenAPI{
			Title:   "toolgate",
			Version: g.config.Version,
		})
	}
}

// Start launches the HTTP server and blocks until it exits.
func (g *Gateway) Start(ctx context.Context) error {
	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      120 * time.Second, // Invocations may wait on model calls.
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api gateway starting", slog.String("addr", g.config.ListenAddr))
	err := g.okapi.StartServer(g.server)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(_ context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// --- Authentication ---

// authenticate maps the bearer API key to a user ID. With no keys
// configured every request runs as AnonymousUser.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		if len(g.config.APIKeys) == 0 {
			c.Set("userID", AnonymousUser)
			return next(c)
		}
		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		userID := g.lookupKey(strings.TrimPrefix(authHeader, "Bearer "))
		if userID == "" {
			return c.AbortUnauthorized("invalid API key")
		}
		c.Set("userID", userID)
		return next(c)
	}
}

func (g *Gateway) lookupKey(apiKey string) string {
	userID := ""
	for key, id := range g.config.APIKeys {
		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
			userID = id
		}
	}
	return userID
}

// rateLimit applies the per-caller token bucket.
func (g *Gateway) rateLimit(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		if wait, err := g.deps.Limiter.Allow(c.GetString("userID")); err != nil {
			c.SetHeader("Retry-After", strconv.Itoa(int(wait.Seconds())+1))
			return c.AbortTooManyRequests("rate limit exceeded")
		}
		return next(c)
	}
}

// --- Health ---

// HealthResponse is the JSON response for /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}
	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}
