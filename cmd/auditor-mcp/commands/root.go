// Package commands implements the auditor-mcp CLI's cobra command tree.
//
// Grounded on go-cli/cmd/ag-ui-cli/commands/root.go's RootCmd/Execute
// pattern: a package-level root command, persistent flags registered in
// init, and a single Execute entrypoint main calls.
package commands

import "github.com/spf13/cobra"

var configFile string

// RootCmd is the base command invoked when auditor-mcp runs with no
// subcommand.
var RootCmd = &cobra.Command{
	Use:   "auditor-mcp",
	Short: "Iterative code-audit orchestration service",
	Long: `auditor-mcp drives an external auditor executable across
repeated submit-audit-feedback cycles over a stdio JSON-RPC tool
protocol, tracking per-session iteration history and applying a tiered
completion policy.`,
}

// Execute runs the command tree and returns any error for main to report.
func Execute() error {
	return RootCmd.Execute()
}

func init() {
	RootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to an optional YAML config file")
	RootCmd.AddCommand(serveCmd)
	RootCmd.AddCommand(healthcheckCmd)
	RootCmd.AddCommand(versionCmd)
}
