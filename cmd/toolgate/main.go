// Package main provides the CLI entry point for toolgate, a reverse proxy
// that augments an OpenAI-compatible chat-completions upstream with
// concurrent, agentic tool-calling against a declarative set of backend
// processes.
//
// # Basic Usage
//
// Start the proxy:
//
//	BACKEND_LIST_PATH=backends.yaml toolgate serve
//
// # Environment Variables
//
// Configuration is loaded from the environment; see internal/config for the
// full table. The most commonly set variables:
//
//   - UPSTREAM_BASE_URL: base URL of the upstream chat-completions gateway
//   - UPSTREAM_API_KEY: API key the proxy presents to that upstream
//   - BACKEND_LIST_PATH: path to the YAML file describing tool backends
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main() to keep main() testable.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "toolgate",
		Short: "toolgate - agentic tool-calling proxy for OpenAI-compatible chat completions",
		Long: `toolgate sits in front of an OpenAI-compatible chat-completions upstream
and runs a bounded tool-calling loop against a declarative set of backend
processes, so clients that only speak chat-completions can use tools
without implementing the loop themselves.`,
		Version:      fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage: true,
	}
	rootCmd.AddCommand(buildServeCmd())
	return rootCmd
}
