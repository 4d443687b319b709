package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/nexusdb/nexus/internal/observability"
	"github.com/nexusdb/nexus/internal/scheduler"
)

var scheduleRetryAttempts int

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Run the delayed-function scheduler without the HTTP/WebSocket gateway",
	Long: `schedule runs only the scan loop that dispatches run_after/run_at
functions. It registers no handlers of its own: an embedder links this
binary after calling scheduler.RegisterHandler, or runs "serve" instead
if the gateway should own dispatch too.`,
	RunE: runSchedule,
}

func init() {
	scheduleCmd.Flags().IntVar(&scheduleRetryAttempts, "db-retry-attempts", 5, "database connection attempts before giving up")
	rootCmd.AddCommand(scheduleCmd)
}

func runSchedule(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s, err := connectStoreWithRetry(ctx, cfg.Database, scheduleRetryAttempts)
	if err != nil {
		return err
	}
	defer s.Close()

	var metrics *observability.Metrics
	if cfg.Metrics.Enabled {
		metrics = observability.NewMetrics()
	}

	sched := scheduler.New(s.Pool(),
		scheduler.WithBaseDelay(cfg.Scheduler.BaseDelay),
		scheduler.WithConcurrency(cfg.Scheduler.MaxConcurrent),
	)
	if metrics != nil {
		sched.SetMetrics(metrics)
	}

	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer sched.Stop()

	log.Info().Msg("nexus: scheduler running")
	<-ctx.Done()
	log.Info().Msg("nexus: scheduler stopped")
	return nil
}
