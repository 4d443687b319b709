package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/nexusdb/nexus/internal/api"
	"github.com/nexusdb/nexus/internal/invalidation"
	"github.com/nexusdb/nexus/internal/observability"
	"github.com/nexusdb/nexus/internal/pubsub"
	"github.com/nexusdb/nexus/internal/realtime"
	"github.com/nexusdb/nexus/internal/scheduler"
	"github.com/nexusdb/nexus/internal/sync"
)

var serveRetryAttempts int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP/WebSocket gateway, scheduler, and realtime hub",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().IntVar(&serveRetryAttempts, "db-retry-attempts", 5, "database connection attempts before giving up")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logConfigSummary(cfg)

	log.Info().Str("version", Version).Str("commit", Commit).Str("build_date", BuildDate).Msg("nexus: starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s, err := connectStoreWithRetry(ctx, cfg.Database, serveRetryAttempts)
	if err != nil {
		return err
	}
	defer s.Close()

	log.Info().Msg("nexus: running migrations")
	if err := s.Migrate(); err != nil {
		return err
	}

	var metrics *observability.Metrics
	if cfg.Metrics.Enabled {
		metrics = observability.NewMetrics()
		s.SetMetrics(metrics)
	}

	tracer := newTracer(ctx, cfg.Tracing)
	if tracer != nil {
		s.SetTracer(tracer)
		defer tracer.Shutdown(context.Background())
	}

	ps, err := pubsub.New(cfg.Realtime)
	if err != nil {
		return err
	}

	bus := invalidation.New()
	bus.SetPubSub(ps)

	sched := scheduler.New(s.Pool(),
		scheduler.WithBaseDelay(cfg.Scheduler.BaseDelay),
		scheduler.WithConcurrency(cfg.Scheduler.MaxConcurrent),
	)
	if metrics != nil {
		sched.SetMetrics(metrics)
	}
	if tracer != nil {
		sched.SetTracer(tracer)
	}

	resolver := sync.NewResolver(sync.Strategy(cfg.Sync.DefaultStrategy))
	actions := api.NewActionRegistry()

	pusher := realtime.NewConnectionPusher()
	hub := realtime.New(bus, api.ResolveQuery(s), pusher, realtime.Config{
		ReconnectGraceWindow: cfg.Realtime.ReconnectGraceWindow,
		HeartbeatInterval:    cfg.Realtime.HeartbeatInterval,
	})
	if metrics != nil {
		hub.SetMetrics(metrics)
	}

	// Every committed write recomputes and pushes affected
	// subscriptions; OnWrite itself matches the written table against
	// live query paths before touching anything.
	s.SetInvalidationFunc(func(table string, changedIDs []string) {
		hub.OnWrite(ctx, table, changedIDs)
	})

	hub.Start(ctx)
	defer hub.Shutdown()

	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer sched.Stop()

	srv := api.NewServer(cfg.Server, cfg.Debug, s, hub, pusher, resolver, actions)
	if metrics != nil {
		srv.SetMetrics(metrics)
	}

	go func() {
		if err := srv.Start(); err != nil {
			log.Error().Err(err).Msg("nexus: server stopped")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("nexus: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("nexus: graceful shutdown failed")
	}

	log.Info().Msg("nexus: stopped")
	return nil
}
