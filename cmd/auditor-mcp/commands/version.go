package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// buildVersion is overridden at release-build time via -ldflags.
var buildVersion = "dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the auditor-mcp version",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Fprintln(cmd.OutOrStdout(), buildVersion)
		return nil
	},
}
