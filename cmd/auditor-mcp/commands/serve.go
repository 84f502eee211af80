package commands

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ganaudit/auditor-mcp/internal/admin"
	"github.com/ganaudit/auditor-mcp/internal/auditor"
	"github.com/ganaudit/auditor-mcp/internal/engine"
	"github.com/ganaudit/auditor-mcp/internal/externalcontext"
	"github.com/ganaudit/auditor-mcp/internal/logging"
	"github.com/ganaudit/auditor-mcp/internal/mcp"
	"github.com/ganaudit/auditor-mcp/internal/metrics"
	"github.com/ganaudit/auditor-mcp/internal/session"
	"github.com/ganaudit/auditor-mcp/internal/tracing"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the audit_thought JSON-RPC server over stdio",
	RunE:  runServe,
}

// runServe wires every collaborator (§11's domain stack) and drives the
// stdio JSON-RPC loop until the process receives SIGINT/SIGTERM or stdin
// closes, then shuts down tracing and the admin HTTP server (if enabled).
//
// Grounded on go-cli/cmd/ag-ui-cli/main.go's signal-handling shutdown
// idiom: a buffered signal channel, a goroutine that cancels a shared
// context on receipt, and <-ctx.Done() as the shutdown gate.
func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Environment)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	}()

	provider, err := tracing.New(ctx, "auditor-mcp", cfg.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}()

	store, err := session.New(cfg.SessionStateDir, cfg.SessionMaxAge, cfg.EnableSessionPersist, logger)
	if err != nil {
		return err
	}
	drv := auditor.New(cfg.AuditorExecutable, logger)
	m := metrics.New()
	ectx, err := externalcontext.New(0, m, logger)
	if err != nil {
		return err
	}

	eng, err := engine.New(cfg, store, drv, ectx, m, logger)
	if err != nil {
		return err
	}

	var adminServer *http.Server
	if cfg.AdminHTTPAddr != "" {
		adminServer = &http.Server{
			Addr:    cfg.AdminHTTPAddr,
			Handler: admin.New(store, drv, m, logger).Handler(),
		}
		go func() {
			logger.Info("admin surface listening", zap.String("addr", cfg.AdminHTTPAddr))
			if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("admin server stopped", zap.Error(err))
			}
		}()
	}

	server := mcp.New(eng, logger, os.Stdin, os.Stdout)
	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Serve(ctx) }()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			logger.Warn("stdio transport exited", zap.Error(err))
		}
		cancel()
	}

	if adminServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = adminServer.Shutdown(shutdownCtx)
	}

	return nil
}
