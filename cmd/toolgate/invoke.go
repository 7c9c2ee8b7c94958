package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	goutils "github.com/jkaninda/go-utils"
	"github.com/spf13/cobra"

	"github.com/jkaninda/toolgate/internal/contract"
	"github.com/jkaninda/toolgate/internal/gateway/httpapi"
	"github.com/jkaninda/toolgate/internal/registry"
)

// Exit codes for the invoke command.
const (
	ExitSuccess            = 0
	ExitFailure            = 1
	ExitPolicyDenied       = 2
	ExitGatewayUnavailable = 3
)

var (
	invokeInput      string
	invokeGatewayURL string
	invokeAPIKey     string
	invokeSession    string
	invokeTenant     string
	invokeWorkflow   string
	invokeRole       string
	invokeReviewID   string
	invokeTimeout    int
)

var invokeCmd = &cobra.Command{
	Use:   "invoke <tool-id>",
	Short: "Invoke a tool through a running gateway",
	Long: `Send one invocation to the toolgate HTTP API and print the result.
The call passes through validation, policy, budget and audit on the server.

Examples:
  toolgate invoke intent_detect -i '{"message":"How much is the pro plan?"}'
  toolgate invoke deploy -i '{"env":"prod"}' --review-id 5f0c...

Exit codes:
  0  success
  1  execution or validation failure
  2  policy denied, review required, or rate limited
  3  gateway unavailable`,
	Args: cobra.ExactArgs(1),
	RunE: runInvoke,
}

func init() {
	invokeCmd.Flags().StringVarP(&invokeInput, "input", "i", "{}", "tool input as JSON")
	invokeCmd.Flags().StringVar(&invokeGatewayURL, "gateway-url", "http://localhost:8080", "gateway HTTP API URL (or TOOLGATE_GATEWAY_URL env)")
	invokeCmd.Flags().StringVar(&invokeAPIKey, "api-key", "", "API key (or TOOLGATE_API_KEY env)")
	invokeCmd.Flags().StringVar(&invokeSession, "session", "", "session id")
	invokeCmd.Flags().StringVar(&invokeTenant, "tenant", "", "tenant id")
	invokeCmd.Flags().StringVar(&invokeWorkflow, "workflow", "", "workflow id")
	invokeCmd.Flags().StringVar(&invokeRole, "role", "", "caller role")
	invokeCmd.Flags().StringVar(&invokeReviewID, "review-id", "", "approved human review id for a retried call")
	invokeCmd.Flags().IntVar(&invokeTimeout, "timeout", 120, "timeout in seconds")
}

func runInvoke(_ *cobra.Command, args []string) error {
	if !json.Valid([]byte(invokeInput)) {
		return fmt.Errorf("--input is not valid JSON")
	}
	body, _ := json.Marshal(httpapi.InvokeRequest{
		Context: &contract.ExecutionContext{
			SessionID:  invokeSession,
			TenantID:   invokeTenant,
			WorkflowID: invokeWorkflow,
			Role:       invokeRole,
			ReviewID:   invokeReviewID,
		},
		Input: json.RawMessage(invokeInput),
	})

	gatewayURL := goutils.Env("TOOLGATE_GATEWAY_URL", invokeGatewayURL)
	apiKey := goutils.Env("TOOLGATE_API_KEY", invokeAPIKey)

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(invokeTimeout)*time.Second)
	defer cancel()

	endpoint := gatewayURL + "/v1/tools/" + url.PathEscape(args[0]) + "/invoke"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot reach gateway at %s: %v\n", gatewayURL, err)
		os.Exit(ExitGatewayUnavailable)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		fmt.Fprintln(os.Stderr, "Error: unauthorized (check API key)")
		os.Exit(ExitPolicyDenied)
	case http.StatusTooManyRequests:
		fmt.Fprintln(os.Stderr, "Error: rate limited, try again later")
		os.Exit(ExitPolicyDenied)
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		fmt.Fprintf(os.Stderr, "Error: gateway unavailable (%d)\n", resp.StatusCode)
		os.Exit(ExitGatewayUnavailable)
	}

	var res registry.Result
	if err := json.Unmarshal(respBody, &res); err != nil {
		fmt.Fprintf(os.Stderr, "Error: gateway returned %d: %s\n", resp.StatusCode, string(respBody))
		os.Exit(ExitFailure)
	}
	os.Exit(report(&res))
	return nil
}

// report prints the result and returns the exit code.
func report(res *registry.Result) int {
	if res.Success {
		var pretty bytes.Buffer
		if json.Indent(&pretty, res.Output, "", "  ") != nil {
			pretty.Write(res.Output)
		}
		fmt.Println(pretty.String())
		fmt.Fprintf(os.Stderr, "\n[request_id=%s trace_id=%s latency=%dms]\n", res.RequestID, res.TraceID, res.LatencyMs)
		return ExitSuccess
	}

	if d := res.PolicyDecision; d != nil && d.RequiresHumanReview && d.ReviewQueueID != "" {
		fmt.Fprintf(os.Stderr, "Review required: %s\n", d.Reason)
		fmt.Fprintf(os.Stderr, "  review_id: %s\n", d.ReviewQueueID)
		fmt.Fprintln(os.Stderr, "Retry with --review-id once a reviewer approves it.")
		return ExitPolicyDenied
	}
	if res.Error == nil {
		fmt.Fprintln(os.Stderr, "Error: invocation failed")
		return ExitFailure
	}
	fmt.Fprintf(os.Stderr, "Error: %s", res.Error.Title)
	if res.Error.Detail != "" {
		fmt.Fprintf(os.Stderr, ": %s", res.Error.Detail)
	}
	fmt.Fprintln(os.Stderr)
	for field, errs := range res.Error.Errors {
		for _, e := range errs {
			fmt.Fprintf(os.Stderr, "  %s: %s\n", field, e)
		}
	}
	if res.Error.Status == http.StatusForbidden {
		return ExitPolicyDenied
	}
	return ExitFailure
}
