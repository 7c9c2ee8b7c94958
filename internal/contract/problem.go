package contract

import (
	"fmt"
	"net/http"
)

const problemBase = "https://toolgate.dev/errors/"

// Problem is an RFC 7807 problem detail returned to callers.
type Problem struct {
	Type     string              `json:"type"`
	Title    string              `json:"title"`
	Status   int                 `json:"status"`
	Detail   string              `json:"detail,omitempty"`
	Instance string              `json:"instance,omitempty"`
	Errors   map[string][]string `json:"errors,omitempty"`
}

func (p *Problem) Error() string {
	if p.Detail == "" {
		return p.Title
	}
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

// NotFound reports an unknown tool id.
func NotFound(toolID string) *Problem {
	return &Problem{
		Type:     problemBase + "tool-not-found",
		Title:    "Tool Not Found",
		Status:   http.StatusNotFound,
		Detail:   fmt.Sprintf("Tool %q not found", toolID),
		Instance: "/tools/" + toolID,
	}
}

// ValidationFailed reports an input that violated the tool's schema.
func ValidationFailed(toolID string, details []string) *Problem {
	return &Problem{
		Type:     problemBase + "validation-failed",
		Title:    "Validation Failed",
		Status:   http.StatusBadRequest,
		Detail:   "Input validation failed",
		Instance: "/tools/" + toolID,
		Errors:   map[string][]string{"input": details},
	}
}

// PolicyBlocked reports a policy denial; detail carries the reason.
func PolicyBlocked(toolID, reason string) *Problem {
	return &Problem{
		Type:     problemBase + "policy-blocked",
		Title:    "Policy Blocked",
		Status:   http.StatusForbidden,
		Detail:   reason,
		Instance: "/tools/" + toolID,
	}
}

// ExecutionFailed reports a handler failure.
func ExecutionFailed(toolID, detail string) *Problem {
	return &Problem{
		Type:     problemBase + "tool-execution-failed",
		Title:    "Tool Execution Failed",
		Status:   http.StatusInternalServerError,
		Detail:   detail,
		Instance: "/tools/" + toolID,
	}
}

// ProblemFor builds a problem for a fallback scenario of the model pipeline.
func ProblemFor(scenario, detail string) *Problem {
	status := http.StatusInternalServerError
	switch scenario {
	case "budget_exceeded", "rate_limit":
		status = http.StatusTooManyRequests
	case "timeout":
		status = http.StatusGatewayTimeout
	case "model_error":
		status = http.StatusBadGateway
	}
	return &Problem{
		Type:   problemBase + slug(scenario),
		Title:  http.StatusText(status),
		Status: status,
		Detail: detail,
	}
}

func slug(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c == '_' {
			b[i] = '-'
		}
	}
	return string(b)
}
