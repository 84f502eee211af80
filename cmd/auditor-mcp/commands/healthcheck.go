package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ganaudit/auditor-mcp/internal/auditor"
	"github.com/ganaudit/auditor-mcp/internal/config"
)

var healthcheckCmd = &cobra.Command{
	Use:   "healthcheck",
	Short: "Probe the configured auditor executable and exit nonzero if unreachable",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		drv := auditor.New(cfg.AuditorExecutable, nil)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if !drv.IsAvailable(ctx) {
			fmt.Fprintf(cmd.ErrOrStderr(), "auditor executable %q is not reachable\n", cfg.AuditorExecutable)
			os.Exit(1)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "ok")
		return nil
	},
}

// loadConfig builds the process configuration from an optional YAML file
// overlaid with environment variables and validates it, mirroring the
// loading order serve uses (§6).
func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if configFile != "" {
		var err error
		cfg, err = config.LoadFromFile(cfg, configFile)
		if err != nil {
			return nil, err
		}
	}
	cfg = config.LoadFromEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
