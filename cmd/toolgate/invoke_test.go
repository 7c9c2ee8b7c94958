package main

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/jkaninda/toolgate/internal/contract"
	"github.com/jkaninda/toolgate/internal/policy"
	"github.com/jkaninda/toolgate/internal/registry"
)

func TestReportExitCodes(t *testing.T) {
	tests := []struct {
		name string
		res  registry.Result
		want int
	}{
		{"success", registry.Result{Success: true, Output: json.RawMessage(`{"ok":true}`)}, ExitSuccess},
		{"review queued", registry.Result{PolicyDecision: &policy.Decision{
			RequiresHumanReview: true, ReviewQueueID: "r-1", Reason: "needs review",
		}}, ExitPolicyDenied},
		{"forbidden", registry.Result{Error: &contract.Problem{Title: "Policy denied", Status: http.StatusForbidden}}, ExitPolicyDenied},
		{"validation", registry.Result{Error: &contract.Problem{
			Title: "Validation failed", Status: http.StatusBadRequest,
			Errors: map[string][]string{"input": {"missing message"}},
		}}, ExitFailure},
		{"no problem", registry.Result{}, ExitFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := report(&tt.res); got != tt.want {
				t.Errorf("report() = %d, want %d", got, tt.want)
			}
		})
	}
}
