package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var (
	toolsJSON   bool
	toolsOpenAI bool
)

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List registered tools, including those imported from MCP servers",
	RunE:  runTools,
}

func init() {
	toolsCmd.Flags().BoolVar(&toolsJSON, "json", false, "print full discovery records as JSON")
	toolsCmd.Flags().BoolVar(&toolsOpenAI, "openai", false, "print OpenAI function definitions as JSON")
}

func runTools(_ *cobra.Command, _ []string) error {
	logger := newLogger()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	sc, err := initShared(context.Background(), cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	switch {
	case toolsOpenAI:
		return enc.Encode(sc.Registry.OpenAITools())
	case toolsJSON:
		return enc.Encode(sc.Registry.List())
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tVERSION\tCATEGORY\tRISK\tDESCRIPTION")
	for _, d := range sc.Registry.List() {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", d.ID, d.Version, d.Category, d.RiskLevel, d.Description)
	}
	return w.Flush()
}
