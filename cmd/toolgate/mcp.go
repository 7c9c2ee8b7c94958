package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jkaninda/toolgate/internal/contract"
	"github.com/jkaninda/toolgate/internal/gateway"
	"github.com/jkaninda/toolgate/internal/gateway/mcpserver"
	"github.com/jkaninda/toolgate/internal/ratelimit"
)

var (
	mcpUser        string
	mcpTenant      string
	mcpSession     string
	mcpRole        string
	mcpPermissions []string
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve every tool over MCP on stdio",
	Long: `Serve the tool registry to an MCP client (an IDE or agent runtime) over
stdin/stdout. Calls carry the identity given by the flags below, so the
policy engine, audit log and budgets apply exactly as for HTTP callers.

Logs go to stderr; stdout carries only the protocol.`,
	RunE: runMCP,
}

func init() {
	mcpCmd.Flags().StringVar(&mcpUser, "user", "mcp", "user id recorded for every call")
	mcpCmd.Flags().StringVar(&mcpTenant, "tenant", "", "tenant id for every call")
	mcpCmd.Flags().StringVar(&mcpSession, "session", "", "session id for budgets and cost reports")
	mcpCmd.Flags().StringVar(&mcpRole, "role", "", "caller role checked against tool RBAC")
	mcpCmd.Flags().StringSliceVar(&mcpPermissions, "permission", nil, "granted permission (repeatable)")
}

func runMCP(_ *cobra.Command, _ []string) error {
	logger := newLogger()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sc, err := initShared(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	cancelMaintenance, err := startMaintenance(ctx, sc, ratelimit.NewBucket(ratelimit.BucketConfig{}))
	if err != nil {
		return err
	}
	defer cancelMaintenance()

	srv := mcpserver.New(mcpserver.Config{
		Version: version,
		Context: contract.ExecutionContext{
			UserID:      mcpUser,
			TenantID:    mcpTenant,
			SessionID:   mcpSession,
			Role:        mcpRole,
			Permissions: mcpPermissions,
		},
	}, sc.Registry, logger)
	return gateway.Run(ctx, logger, shutdownGrace, srv)
}
