// Package mcpserver exposes every registered tool over the Model Context
// Protocol on stdio. Calls run through the registry, so MCP clients get the
// same validation, policy, audit and budget handling as HTTP callers.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"slices"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jkaninda/toolgate/internal/contract"
	"github.com/jkaninda/toolgate/internal/registry"
)

// Config configures the stdio server.
type Config struct {
	Name    string // Default: "toolgate".
	Version string
	// Context is the base execution context of every call. Clients on stdio
	// are local processes, so identity comes from the operator, not the peer.
	Context contract.ExecutionContext
	Stdin   io.Reader // Default: os.Stdin.
	Stdout  io.Writer // Default: os.Stdout.
}

// Gateway serves registry tools to one MCP client over stdio.
type Gateway struct {
	config   Config
	registry *registry.Registry
	server   *server.MCPServer
	logger   *slog.Logger
}

// New builds the MCP server and registers a handler per contract.
func New(cfg Config, reg *registry.Registry, logger *slog.Logger) *Gateway {
	if cfg.Name == "" {
		cfg.Name = "toolgate"
	}
	if cfg.Stdin == nil {
		cfg.Stdin = os.Stdin
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}
	g := &Gateway{
		config:   cfg,
		registry: reg,
		logger:   logger,
		server: server.NewMCPServer(cfg.Name, cfg.Version,
			server.WithToolCapabilities(false),
			server.WithRecovery(),
		),
	}
	for _, c := range reg.Contracts() {
		g.server.AddTool(toolFor(c), g.handler(c.ID))
	}
	return g
}

// Server returns the underlying MCP server.
func (g *Gateway) Server() *server.MCPServer {
	return g.server
}

// Start serves stdio until ctx is canceled or stdin closes.
func (g *Gateway) Start(ctx context.Context) error {
	g.logger.Info("mcp stdio server starting", slog.Int("tools", g.registry.Len()))
	stdio := server.NewStdioServer(g.server)
	stdio.SetErrorLogger(slog.NewLogLogger(g.logger.Handler(), slog.LevelError))
	err := stdio.Listen(ctx, g.config.Stdin, g.config.Stdout)
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}

// Stop is a no-op; the server exits when its context is canceled.
func (g *Gateway) Stop(context.Context) error {
	return nil
}

// toolFor converts a contract into an MCP tool definition.
func toolFor(c *contract.Contract) mcp.Tool {
	schema, _ := json.Marshal(c.InputSchema.JSON())
	t := mcp.NewToolWithRawSchema(c.ID, c.Description, schema)

	readOnly := c.RiskLevel == contract.RiskLow && !c.RequiresHumanReview
	idempotent := c.Idempotency != contract.IdempotencyNone
	destructive := c.RiskLevel == contract.RiskHigh || c.RiskLevel == contract.RiskCritical
	openWorld := c.CostProfile != nil && c.CostProfile.CallsExternalAPI
	t.Annotations = mcp.ToolAnnotation{
		Title:           c.Name,
		ReadOnlyHint:    &readOnly,
		DestructiveHint: &destructive,
		IdempotentHint:  &idempotent,
		OpenWorldHint:   &openWorld,
	}
	return t
}

func (g *Gateway) handler(toolID string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		input, err := json.Marshal(req.GetArguments())
		if err != nil {
			return mcp.NewToolResultError("arguments are not valid JSON"), nil
		}

		ec := g.config.Context
		ec.ReviewID = reviewID(req)
		res := g.registry.Invoke(ctx, toolID, &ec, input)
		if res.Success {
			return mcp.NewToolResultText(string(res.Output)), nil
		}
		return mcp.NewToolResultError(errorText(res)), nil
	}
}

// errorText renders a failed result for a model to read.
func errorText(res *registry.Result) string {
	d := res.PolicyDecision
	if d != nil && d.RequiresHumanReview && d.ReviewQueueID != "" {
		return fmt.Sprintf("%s. Retry with _meta.reviewId once a reviewer approves it.", d.Reason)
	}
	if res.Error == nil {
		return "tool invocation failed"
	}
	msg := res.Error.Title
	if res.Error.Detail != "" {
		msg += ": " + res.Error.Detail
	}
	for _, field := range slices.Sorted(maps.Keys(res.Error.Errors)) {
		for _, e := range res.Error.Errors[field] {
			msg += fmt.Sprintf("\n- %s: %s", field, e)
		}
	}
	return msg
}

// reviewID reads an approved review id from the request's _meta.
func reviewID(req mcp.CallToolRequest) string {
	if req.Params.Meta == nil {
		return ""
	}
	id, _ := req.Params.Meta.AdditionalFields["reviewId"].(string)
	return id
}
