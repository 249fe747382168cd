package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/keywheel/keywheel/internal/health"
	"github.com/keywheel/keywheel/internal/notify"
	"github.com/keywheel/keywheel/internal/rotation"
	"github.com/keywheel/keywheel/internal/scheduler"
)

// NewRunCommand creates the long-running service command.
func NewRunCommand(opts *Options) *cobra.Command {
	var dsnToSave string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the keywheel service",
		Long: `Start the long-running service: background job scheduler, rotation probe
loops, audit flusher, notification delivery and the Prometheus metrics
endpoint.`,
		Example: `  # Run with the default config file
  keywheel run

  # Store the database DSN in the OS keyring, then run
  keywheel run --save-dsn "postgres://keywheel@db/keywheel"`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if dsnToSave != "" {
				if err := saveDSN(dsnToSave); err != nil {
					return fmt.Errorf("saving DSN to keyring: %w", err)
				}
			}
			return runService(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVar(&dsnToSave, "save-dsn", "", "Store the database DSN in the OS keyring before starting")

	return cmd
}

func runService(ctx context.Context, opts *Options) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	app, err := newApp(ctx, opts)
	if err != nil {
		return err
	}
	logger := app.logger.With("run")

	health.InitMetrics()
	rotation.InitMetrics()
	notify.InitMetrics()

	app.start(ctx)
	defer app.shutdown()

	if err := app.engine.Resume(ctx); err != nil {
		return fmt.Errorf("resuming rotation sessions: %w", err)
	}

	deps := scheduler.Deps{
		Store:     app.store,
		Monitor:   app.monitor,
		Emergency: app.emergency,
		Notifier:  app.notifier,
		Clock:     app.clk,
	}
	if err := scheduler.RegisterDefaultJobs(app.sched, deps, app.cfg.JobsConfig()); err != nil {
		return err
	}
	if err := app.sched.Start(ctx); err != nil {
		return err
	}

	var metricsSrv *http.Server
	if listen := app.cfg.Metrics.Listen; listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{Addr: listen, Handler: mux}
		go func() {
			logger.Info("metrics listening on %s", listen)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server: %v", err)
			}
		}()
	}

	logger.Info("keywheel service started (store driver %s)", app.cfg.Store.Driver)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("received %s, shutting down", sig)
	case <-ctx.Done():
	}

	if metricsSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	return nil
}
