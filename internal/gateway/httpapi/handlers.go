package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/toolgate/internal/approval"
	"github.com/jkaninda/toolgate/internal/audit"
	"github.com/jkaninda/toolgate/internal/contract"
	"github.com/jkaninda/toolgate/internal/costs"
	"github.com/jkaninda/toolgate/internal/registry"
)

// --- Tools ---

func (g *Gateway) handleListTools(c *okapi.Context) error {
	return c.OK(g.deps.Registry.List())
}

func (g *Gateway) handleOpenAITools(c *okapi.Context) error {
	return c.OK(g.deps.Registry.OpenAITools())
}

// InvokeRequest is the JSON body for POST /v1/tools/{id}/invoke.
type InvokeRequest struct {
	Context *contract.ExecutionContext `json:"context,omitempty"`
	Input   json.RawMessage            `json:"input"`
}

// handleInvoke runs one invocation. The authenticated user replaces any
// userId in the body. The status code follows the problem: 202 when a
// human review was queued.
func (g *Gateway) handleInvoke(c *okapi.Context) error {
	var req InvokeRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	ec := req.Context
	if ec == nil {
		ec = &contract.ExecutionContext{}
	}
	if userID := c.GetString("userID"); userID != AnonymousUser {
		ec.UserID = userID
	}

	res := g.deps.Registry.Invoke(c.Context(), c.Param("id"), ec, req.Input)
	return c.JSON(statusFor(res), res)
}

func statusFor(res *registry.Result) int {
	switch {
	case res.Success:
		return http.StatusOK
	case res.PolicyDecision != nil && res.PolicyDecision.RequiresHumanReview && res.PolicyDecision.ReviewQueueID != "":
		return http.StatusAccepted
	case res.Error != nil && res.Error.Status != 0:
		return res.Error.Status
	default:
		return http.StatusInternalServerError
	}
}

// --- Costs ---

func (g *Gateway) handleCostReport(c *okapi.Context) error {
	f := costs.Filter{
		SessionID:  c.Query("session_id"),
		WorkflowID: c.Query("workflow_id"),
		ToolID:     c.Query("tool_id"),
		Role:       c.Query("role"),
		TenantID:   c.Query("tenant_id"),
	}
	var err error
	if f.Start, err = costs.ParseTime(c.Query("start")); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorBody{Error: err.Error()})
	}
	if f.End, err = costs.ParseTime(c.Query("end")); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorBody{Error: err.Error()})
	}

	rep, err := g.deps.Costs.Report(c.Context(), f)
	if err != nil {
		g.logger.ErrorContext(c.Context(), "cost report failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("cost report failed")
	}
	return c.OK(rep)
}

func (g *Gateway) handleCostDashboard(c *okapi.Context) error {
	d, err := g.deps.Costs.Dashboard(c.Context(), c.Query("period"))
	if err != nil {
		g.logger.ErrorContext(c.Context(), "cost dashboard failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("cost dashboard failed")
	}
	return c.OK(d)
}

// --- Traces ---

func (g *Gateway) handleTrace(c *okapi.Context) error {
	export, ok := g.deps.Tracer.Recorder().Export(c.Param("id"))
	if !ok {
		return c.JSON(http.StatusNotFound, ErrorBody{Error: "trace not found"})
	}
	return c.OK(export)
}

// --- Reviews ---

func (g *Gateway) handleGetReview(c *okapi.Context) error {
	pa, err := g.deps.Reviews.Get(c.Context(), c.Param("id"))
	if err != nil {
		return g.reviewError(c, err)
	}
	return c.OK(pa)
}

func (g *Gateway) handleApproveReview(c *okapi.Context) error {
	return g.resolveReview(c, approval.StatusApproved)
}

func (g *Gateway) handleDenyReview(c *okapi.Context) error {
	return g.resolveReview(c, approval.StatusDenied)
}

func (g *Gateway) resolveReview(c *okapi.Context, status approval.Status) error {
	id := c.Param("id")
	userID := c.GetString("userID")

	var err error
	if status == approval.StatusApproved {
		err = g.deps.Reviews.Approve(c.Context(), id, userID)
	} else {
		err = g.deps.Reviews.Deny(c.Context(), id, userID)
	}
	if err != nil {
		return g.reviewError(c, err)
	}

	pa, err := g.deps.Reviews.Get(c.Context(), id)
	if err != nil {
		return g.reviewError(c, err)
	}
	return c.OK(pa)
}

// reviewError maps review errors to appropriate HTTP responses.
func (g *Gateway) reviewError(c *okapi.Context, err error) error {
	switch {
	case errors.Is(err, approval.ErrNotFound):
		return c.JSON(http.StatusNotFound, ErrorBody{Error: "review not found"})
	case errors.Is(err, approval.ErrExpired):
		return c.JSON(http.StatusGone, ErrorBody{Error: "review expired"})
	case errors.Is(err, approval.ErrAlreadyResolved):
		return c.JSON(http.StatusConflict, ErrorBody{Error: "review already resolved"})
	default:
		g.logger.ErrorContext(c.Context(), "review operation failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("review error")
	}
}

// --- Audit ---

func (g *Gateway) handleListAudit(c *okapi.Context) error {
	f, err := auditFilter(c.Query)
	if err != nil {
		return c.JSON(http.StatusBadRequest, ErrorBody{Error: err.Error()})
	}
	entries, err := g.deps.Audit.List(c.Context(), f)
	if err != nil {
		g.logger.ErrorContext(c.Context(), "listing audit entries failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("audit query failed")
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	return c.OK(entries)
}

// auditFilter reads the audit query parameters through get.
func auditFilter(get func(string) string) (audit.Filter, error) {
	f := audit.Filter{
		ToolID:    get("tool_id"),
		SessionID: get("session_id"),
		Status:    audit.Status(get("status")),
	}
	switch f.Status {
	case "", audit.StatusSuccess, audit.StatusError, audit.StatusBlocked:
	default:
		return f, errors.New("status must be success, error or blocked")
	}
	var err error
	if f.Limit, err = intParam(get("limit")); err != nil {
		return f, errors.New("limit must be a non-negative integer")
	}
	if f.Offset, err = intParam(get("offset")); err != nil {
		return f, errors.New("offset must be a non-negative integer")
	}
	return f, nil
}

func intParam(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, errors.New("invalid integer")
	}
	return n, nil
}
