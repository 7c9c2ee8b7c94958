package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jkaninda/toolgate/internal/costs"
)

var (
	costsFilter    costs.Filter
	costsStart     string
	costsEnd       string
	costsDashboard string
)

var costsCmd = &cobra.Command{
	Use:   "costs",
	Short: "Print a cost report or dashboard from the configured store",
	Long: `Aggregate recorded LLM and tool costs without a running gateway.

Examples:
  toolgate costs --session sess-42
  toolgate costs --tenant acme --start 2026-10-01 --end 2026-10-18
  toolgate costs --dashboard week`,
	RunE: runCosts,
}

func init() {
	f := costsCmd.Flags()
	f.StringVar(&costsFilter.SessionID, "session", "", "filter by session id")
	f.StringVar(&costsFilter.WorkflowID, "workflow", "", "filter by workflow id")
	f.StringVar(&costsFilter.ToolID, "tool", "", "filter by tool id")
	f.StringVar(&costsFilter.Role, "role", "", "filter by LLM role")
	f.StringVar(&costsFilter.TenantID, "tenant", "", "filter by tenant id")
	f.StringVar(&costsStart, "start", "", "period start (RFC 3339 or YYYY-MM-DD)")
	f.StringVar(&costsEnd, "end", "", "period end (RFC 3339 or YYYY-MM-DD)")
	f.StringVar(&costsDashboard, "dashboard", "", "print a dashboard for a period instead (hour, day, week, month)")
}

func runCosts(_ *cobra.Command, _ []string) error {
	logger := newLogger()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := context.Background()
	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer store.Close()

	monitor := costs.NewMonitor(store.Costs(), logger)
	var out any
	if costsDashboard != "" {
		out, err = monitor.Dashboard(ctx, costsDashboard)
	} else {
		if costsFilter.Start, err = costs.ParseTime(costsStart); err != nil {
			return fmt.Errorf("--start: %w", err)
		}
		if costsFilter.End, err = costs.ParseTime(costsEnd); err != nil {
			return fmt.Errorf("--end: %w", err)
		}
		out, err = monitor.Report(ctx, costsFilter)
	}
	if err != nil {
		return err
	}
	return printJSON(out)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
