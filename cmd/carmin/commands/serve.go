package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newServeCommand() *cobra.Command {
	var (
		reconcileInterval time.Duration
		watch             bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the execution server",
		Long: `Run the execution server until interrupted.

Startup:
  - Validates the platform properties and directories
  - Migrates the database
  - Exports every vendor descriptor (any failure is fatal)
  - Reconciles executions left Running by a previous process

While running, the pipeline catalog follows the pipeline directory,
executions whose supervisor process died are reconciled periodically and
metrics are exposed when enabled. On shutdown, running supervisions are drained.`,
		Example: `  # Serve with a properties file
  carmin serve --config carmin.yml

  # Reconcile every minute
  carmin serve --config carmin.yml --reconcile-interval 1m`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withApp(ctx, true, func(r *app) error {
				report := r.service.Reconcile(ctx)
				r.logger.WithFields(map[string]interface{}{
					"checked":        report.Checked,
					"marked_unknown": report.MarkedUnknown,
					"orphans":        report.Orphans,
				}).Info("startup reconciliation complete")

				if err := r.telemetry.StartMetricsServer(); err != nil {
					return fmt.Errorf("failed to start metrics server: %w", err)
				}

				if watch {
					go func() {
						if err := r.catalog.Watch(ctx, nil); err != nil {
							r.logger.WithError(err).Error("pipeline watcher stopped")
						}
					}()
				}

				log.Info().
					Str("platform", r.platform.PlatformName).
					Str("data_directory", r.platform.DataDirectory).
					Int("workers", r.platform.Workers).
					Msg("CARMIN server ready")

				runReconcileLoop(ctx, r, reconcileInterval)

				log.Info().Msg("Shutting down, draining running executions")
				return nil
			})
		},
	}

	cmd.Flags().DurationVar(&reconcileInterval, "reconcile-interval", 5*time.Minute, "interval between reconciliation passes (0 disables)")
	cmd.Flags().BoolVar(&watch, "watch", true, "refresh the pipeline catalog when the pipeline directory changes")

	return cmd
}

// runReconcileLoop blocks until ctx is done, sweeping every interval.
func runReconcileLoop(ctx context.Context, r *app, interval time.Duration) {
	if interval <= 0 {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.service.Sweep(ctx)
		}
	}
}
