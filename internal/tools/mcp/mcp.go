// Package mcp bridges tools served by external MCP (Model Context Protocol)
// servers into tool contracts. Imported tools go through the same
// validation, policy, audit and budget pipeline as native tools.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/jkaninda/toolgate/internal/config"
	"github.com/jkaninda/toolgate/internal/contract"
)

// Category is the contract category of every imported tool.
const Category = "mcp"

const importedVersion = "1.0.0"

// ToolID namespaces an MCP tool name so it is unique across servers.
func ToolID(server, tool string) string {
	return fmt.Sprintf("mcp__%s__%s", server, tool)
}

// Bridge manages MCP client connections and the contracts built from them.
type Bridge struct {
	clients []mcpclient.MCPClient
	version string
	logger  *slog.Logger
}

// NewBridge creates a bridge. version is announced to servers in the
// initialize handshake.
func NewBridge(version string, logger *slog.Logger) *Bridge {
	return &Bridge{version: version, logger: logger}
}

// Connect dials one configured server and returns its tools as contracts.
func (b *Bridge) Connect(ctx context.Context, cfg config.MCPServerConfig) ([]*contract.Contract, error) {
	c, err := b.createClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating MCP client for %q: %w", cfg.Name, err)
	}
	contracts, err := b.Discover(ctx, c, cfg)
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	b.logger.Info("MCP server connected",
		slog.String("server", cfg.Name),
		slog.String("transport", cfg.Transport),
		slog.Int("tools_discovered", len(contracts)),
	)
	return contracts, nil
}

// Discover runs the initialize handshake on an already started client and
// adapts every tool it lists. The bridge owns c afterwards.
func (b *Bridge) Discover(ctx context.Context, c mcpclient.MCPClient, cfg config.MCPServerConfig) ([]*contract.Contract, error) {
	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    "toolgate",
		Version: b.version,
	}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	if _, err := c.Initialize(ctx, initReq); err != nil {
		return nil, fmt.Errorf("MCP initialize for %q: %w", cfg.Name, err)
	}

	listResp, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("MCP list tools for %q: %w", cfg.Name, err)
	}
	b.clients = append(b.clients, c)

	risk := contract.RiskMedium
	if cfg.RiskLevel != "" {
		risk = contract.RiskLevel(cfg.RiskLevel)
	}

	out := make([]*contract.Contract, 0, len(listResp.Tools))
	for _, t := range listResp.Tools {
		schema, err := inputSchema(t)
		if err != nil {
			b.logger.Warn("skipping MCP tool with unreadable schema",
				slog.String("server", cfg.Name),
				slog.String("tool", t.Name),
				slog.String("error", err.Error()),
			)
			continue
		}
		desc := t.Description
		if desc == "" {
			desc = t.Name
		}
		out = append(out, &contract.Contract{
			ID:                  ToolID(cfg.Name, t.Name),
			Name:                t.Name,
			Version:             importedVersion,
			Description:         fmt.Sprintf("[MCP:%s] %s", cfg.Name, desc),
			Category:            Category,
			Tags:                []string{"mcp", cfg.Name},
			RiskLevel:           risk,
			PIILevel:            contract.PIILow,
			Idempotency:         idempotency(t),
			InputSchema:         schema,
			OutputSchema:        outputSchema(),
			RolesAllowed:        cfg.RolesAllowed,
			RequiresHumanReview: cfg.HumanReview,
			CostProfile:         &contract.CostProfile{CallsExternalAPI: true},
			Author:              cfg.Name,
			Handler: &toolHandler{
				client: c,
				server: cfg.Name,
				tool:   t.Name,
				logger: b.logger,
			},
		})
	}
	return out, nil
}

// Close shuts down every MCP client connection.
func (b *Bridge) Close() {
	for _, c := range b.clients {
		if err := c.Close(); err != nil {
			b.logger.Error("closing MCP client", slog.String("error", err.Error()))
		}
	}
	b.clients = nil
}

// Output is what an imported tool returns.
type Output struct {
	Content    string `json:"content"`
	Structured any    `json:"structured,omitempty"`
	Items      int    `json:"items"`
}

func outputSchema() *contract.Schema {
	return contract.Object(map[string]*contract.Schema{
		"content":    contract.String("Text content returned by the server."),
		"structured": contract.Any(),
		"items":      contract.Integer("Number of content items."),
	}, "content")
}

type toolHandler struct {
	client mcpclient.MCPClient
	server string
	tool   string
	logger *slog.Logger
}

func (h *toolHandler) Execute(ctx context.Context, input json.RawMessage) (any, error) {
	var args map[string]any
	if len(input) > 0 {
		if err := json.Unmarshal(input, &args); err != nil {
			return nil, fmt.Errorf("decoding arguments: %w", err)
		}
	}

	h.logger.DebugContext(ctx, "mcp tool executing",
		slog.String("server", h.server),
		slog.String("tool", h.tool),
	)

	req := mcp.CallToolRequest{}
	req.Params.Name = h.tool
	req.Params.Arguments = args
	res, err := h.client.CallTool(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("MCP call to %s/%s failed: %w", h.server, h.tool, err)
	}

	text := formatContent(res.Content)
	if res.IsError {
		return nil, fmt.Errorf("MCP tool %s/%s returned an error: %s", h.server, h.tool, text)
	}
	return Output{Content: text, Structured: res.StructuredContent, Items: len(res.Content)}, nil
}

// formatContent joins text items and serializes anything else as JSON.
func formatContent(content []mcp.Content) string {
	var sb strings.Builder
	for i, c := range content {
		if i > 0 {
			sb.WriteString("\n")
		}
		if tc, ok := mcp.AsTextContent(c); ok {
			sb.WriteString(tc.Text)
			continue
		}
		data, _ := json.Marshal(c)
		sb.Write(data)
	}
	return sb.String()
}

// inputSchema converts the tool's JSON Schema into a contract schema.
// Keywords the contract schema does not model are dropped.
func inputSchema(t mcp.Tool) (*contract.Schema, error) {
	raw := t.RawInputSchema
	if len(raw) == 0 {
		data, err := json.Marshal(t.InputSchema)
		if err != nil {
			return nil, err
		}
		raw = data
	}
	var s contract.Schema
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	if s.Type == "" {
		s.Type = "object"
	}
	return &s, nil
}

func idempotency(t mcp.Tool) contract.Idempotency {
	if h := t.Annotations.IdempotentHint; h != nil && *h {
		return contract.IdempotencyStrong
	}
	if h := t.Annotations.ReadOnlyHint; h != nil && *h {
		return contract.IdempotencyStrong
	}
	return contract.IdempotencyNone
}

// createClient creates and starts the client for the configured transport.
func (b *Bridge) createClient(ctx context.Context, cfg config.MCPServerConfig) (*mcpclient.Client, error) {
	var (
		c   *mcpclient.Client
		err error
	)
	switch cfg.Transport {
	case "stdio":
		// The stdio client starts its subprocess on creation.
		return mcpclient.NewStdioMCPClient(cfg.Command, expandEnvList(cfg.Env), cfg.Args...)

	case "sse":
		var opts []transport.ClientOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, transport.WithHeaders(expandEnvMap(cfg.Headers)))
		}
		c, err = mcpclient.NewSSEMCPClient(cfg.URL, opts...)

	case "streamable_http":
		var opts []transport.StreamableHTTPCOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(expandEnvMap(cfg.Headers)))
		}
		c, err = mcpclient.NewStreamableHttpClient(cfg.URL, opts...)

	default:
		return nil, fmt.Errorf("unsupported transport: %s", cfg.Transport)
	}
	if err != nil {
		return nil, err
	}
	if err := c.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting %s transport: %w", cfg.Transport, err)
	}
	return c, nil
}

// expandEnvList converts key→value into "KEY=expanded_value" entries.
func expandEnvList(m map[string]string) []string {
	env := make([]string, 0, len(m))
	for k, v := range m {
		env = append(env, k+"="+os.ExpandEnv(v))
	}
	return env
}

func expandEnvMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = os.ExpandEnv(v)
	}
	return out
}
