// toolgate: a contract-first tool gateway for LLM agents.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/jkaninda/toolgate/internal/config"
)

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "toolgate",
	Short: "toolgate: contract-first tool gateway for LLM agents.",
	Long: `toolgate exposes typed tool contracts to LLM agents. Every invocation is
validated against its schema, checked by the policy engine, audited, traced,
and charged against a token budget. Model calls are routed by role to the
cheapest capable model, cached, and degrade to fallback responses.`,
	RunE:          runServe, // Default to serve mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultConfigPath(), "path to config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.AddCommand(serveCmd, mcpCmd, toolsCmd, invokeCmd, costsCmd, reviewsCmd, versionCmd)
	_ = godotenv.Load()
}

// newLogger writes JSON logs to stderr; stdout is reserved for command
// output and the MCP stdio transport.
func newLogger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
