package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/systmms/dskeys/internal/api"
	"github.com/systmms/dskeys/internal/config"
	"github.com/systmms/dskeys/internal/scheduler"
)

const shutdownTimeout = 10 * time.Second

// NewServeCommand runs the HTTP API with background reconciliation, audits
// and alert delivery
func NewServeCommand(cfg *config.Config) *cobra.Command {
	var (
		listen      string
		runOnStart  bool
		noScheduler bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the key lifecycle service",
		Long: `Start the HTTP API and the background jobs:

- reconciliation validates every key against its provider (reconcile.interval)
- the vault audit re-evaluates all rules (audit.interval)
- the alert outbox retries failed deliveries (alerts.redelivery_interval)

The process stops cleanly on SIGINT or SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			eng, err := openEngine(ctx, cfg, engineOptions{})
			if err != nil {
				return err
			}
			defer eng.Close()

			logger := cfg.Logger
			serverCfg := eng.def.ServerConfig()
			if listen != "" {
				serverCfg.Listen = listen
			}
			server := api.New(eng.svc, serverCfg,
				api.WithLogger(logger),
				api.WithHealthCheck(eng.store.Ping))

			sched := scheduler.New(eng.def.SchedulerConfig(), eng.svc, scheduler.WithLogger(logger))

			eng.alerts.Start(ctx)
			if _, err := server.Start(); err != nil {
				return err
			}
			if !noScheduler {
				if err := sched.Start(ctx); err != nil {
					return err
				}
				if runOnStart {
					for _, job := range []string{scheduler.JobReconcile, scheduler.JobAudit} {
						if err := sched.RunNow(ctx, job); err != nil {
							logger.Warn("Initial %s run failed: %v", job, err)
						}
					}
				}
			}
			logger.Info("dskeys is running (storage: %s, master key: %s)", eng.def.Storage.Driver, eng.envelope.Name())

			<-ctx.Done()
			logger.Info("Shutting down...")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := server.Stop(shutdownCtx); err != nil {
				logger.Warn("HTTP shutdown: %v", err)
			}
			sched.Stop()
			eng.alerts.Stop()
			eng.flush(shutdownCtx)
			return nil
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "Override server.listen")
	cmd.Flags().BoolVar(&runOnStart, "run-on-start", true, "Reconcile and audit once at startup")
	cmd.Flags().BoolVar(&noScheduler, "no-scheduler", false, "Serve the API without background jobs")
	return cmd
}
