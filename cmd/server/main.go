/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the billing ledger server, and exposes the
  maintenance commands that operate on the same store.

COMMANDS:
  serve         HTTP API with background audit drain (default)
  drain-audit   Deliver pending audit outbox entries once and exit
  recompute     Recompute invoice totals (given ids, or every invoice)

STARTUP SEQUENCE:
  1. Load configuration (.env, environment, then flags)
  2. Open the store for STORE_DRIVER
  3. Wire Redis locker and Pub/Sub publisher when configured
  4. Configure HTTP router and audit drain scheduler
  5. Start server with graceful shutdown

FLAGS (override the environment):
  --port        HTTP server port
  --store       memory | sqlite | firestore
  --db          SQLite database path (":memory:" for in-memory)
  --log-level   logrus level

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the drain scheduler and run a final drain
  4. Close store and integrations

EXAMPLES:
  # Run with file database
  ./server serve --store=sqlite --db=./data/ledger.db

  # Drain the outbox from a cron job
  STORE_DRIVER=firestore FIRESTORE_PROJECT=acme ./server drain-audit

  # Recompute two invoices
  ./server recompute inv-1 inv-2

SEE ALSO:
  - app.go: Store and integration wiring
  - config/config.go: Environment keys
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/warp/billing-ledger/api"
	"github.com/warp/billing-ledger/config"
	"github.com/warp/billing-ledger/ledger"
)

var version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "server",
		Short:   "Billing ledger server",
		Long:    "Billing ledger server: invoices, line item adjustments and their audit trail over a document store.",
		Version: version,
		RunE:    runServe,
		// Errors are printed once by main.
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.String("port", "", "HTTP server port")
	flags.String("store", "", "Store driver: memory, sqlite or firestore")
	flags.String("db", "", "SQLite database path")
	flags.String("log-level", "", "Log level")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP API",
			RunE:  runServe,
		},
		&cobra.Command{
			Use:   "drain-audit",
			Short: "Deliver pending audit outbox entries and exit",
			RunE:  runDrainAudit,
		},
		&cobra.Command{
			Use:   "recompute [invoice-id...]",
			Short: "Recompute invoice totals from their line items",
			Long:  "Recompute the totals of the given invoices, or of every invoice when no id is given.",
			RunE:  runRecompute,
		},
	)
	return root
}

// loadConfig reads the environment and applies flag overrides.
func loadConfig(cmd *cobra.Command) (config.Config, *logrus.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, nil, err
	}
	flags := cmd.Flags()
	override := func(name string, dst *string) {
		if flags.Changed(name) {
			*dst, _ = flags.GetString(name)
		}
	}
	override("port", &cfg.Port)
	override("store", &cfg.StoreDriver)
	override("db", &cfg.SQLitePath)
	override("log-level", &cfg.LogLevel)
	if flags.Changed("db") && !flags.Changed("store") {
		cfg.StoreDriver = config.DriverSQLite
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, nil, err
	}
	return cfg, config.NewLogger(cfg), nil
}

// =============================================================================
// SERVE
// =============================================================================

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	handler := api.NewHandler(a.engine, logger)
	router := api.NewRouter(handler)

	scheduler := api.NewAuditDrainScheduler(a.engine.Recorder, cfg.AuditDrainInterval, logger)
	scheduler.Start()

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.WithFields(logrus.Fields{
			"port":    cfg.Port,
			"store":   cfg.StoreDriver,
			"version": version,
		}).Info("server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serverErr:
		scheduler.Stop()
		return fmt.Errorf("server failed: %w", err)
	}

	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		config.LogError(logger, "server", "shutdown", nil, err)
	}
	scheduler.Stop()

	if n, err := a.engine.Recorder.Drain(shutdownCtx); err != nil {
		config.LogError(logger, "server", "final_drain", map[string]int{"delivered": n}, err)
	}

	logger.Info("server stopped")
	return nil
}

// =============================================================================
// MAINTENANCE
// =============================================================================

func runDrainAudit(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	n, err := a.engine.Recorder.Drain(ctx)
	if err != nil {
		return fmt.Errorf("drain failed after %d entries: %w", n, err)
	}
	pending, err := a.engine.Recorder.Pending(ctx)
	if err != nil {
		return err
	}
	logger.WithFields(logrus.Fields{"delivered": n, "pending": pending}).Info("audit outbox drained")
	return nil
}

func runRecompute(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	ids := args
	if len(ids) == 0 {
		err := a.engine.Reader().ScanAll(ctx, ledger.Invoices, ledger.FilterSpec{}, 100, func(snap *ledger.Snapshot) error {
			ids = append(ids, snap.ID)
			return nil
		})
		if err != nil {
			return err
		}
	}

	failed := 0
	for _, id := range ids {
		totals, err := a.engine.RecomputeInvoiceTotals(ctx, id)
		if err != nil {
			failed++
			config.LogError(logger, "recompute", "recompute_invoice", map[string]string{"invoice_id": id}, err)
			continue
		}
		logger.WithFields(logrus.Fields{
			"invoice_id": id,
			"total":      ledger.FormatMoney(totals.Total),
		}).Info("invoice recomputed")
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d invoices failed to recompute", failed, len(ids))
	}
	return nil
}
