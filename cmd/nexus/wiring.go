package main

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/nexusdb/nexus/internal/config"
	"github.com/nexusdb/nexus/internal/observability"
	"github.com/nexusdb/nexus/internal/store"
)

// connectStoreWithRetry opens the document store with exponential
// backoff, since the database is frequently still starting up when
// nexus is brought up alongside it (compose, k8s init order).
func connectStoreWithRetry(ctx context.Context, cfg config.DatabaseConfig, maxAttempts int) (*store.Store, error) {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		log.Info().Int("attempt", attempt).Int("max_attempts", maxAttempts).
			Str("host", cfg.Host).Int("port", cfg.Port).Msg("nexus: connecting to database")

		s, err := store.Open(ctx, cfg)
		if err == nil {
			return s, nil
		}
		lastErr = err

		if attempt >= maxAttempts {
			break
		}
		backoff := time.Duration(math.Pow(2, float64(attempt-1))) * time.Second
		log.Warn().Err(err).Dur("retry_in", backoff).Msg("nexus: database connection failed, retrying")
		time.Sleep(backoff)
	}
	return nil, fmt.Errorf("connect to database after %d attempts: %w", maxAttempts, lastErr)
}

// newTracer builds a Tracer from TracingConfig, logging but not
// failing startup if the exporter can't be reached.
func newTracer(ctx context.Context, cfg config.TracingConfig) *observability.Tracer {
	tracer, err := observability.NewTracer(ctx, observability.TracerConfig{
		Enabled:     cfg.Enabled,
		Endpoint:    cfg.Endpoint,
		ServiceName: cfg.ServiceName,
		Environment: cfg.Environment,
		SampleRate:  cfg.SampleRate,
		Insecure:    cfg.Insecure,
	})
	if err != nil {
		log.Warn().Err(err).Msg("nexus: tracer init failed, continuing without tracing")
		return nil
	}
	return tracer
}

func logConfigSummary(cfg *config.Config) {
	log.Info().
		Str("server_address", cfg.Server.Address).
		Str("database", fmt.Sprintf("%s:%d/%s", cfg.Database.Host, cfg.Database.Port, cfg.Database.Database)).
		Str("pubsub_backend", cfg.Realtime.PubSubBackend).
		Str("sync_default_strategy", cfg.Sync.DefaultStrategy).
		Bool("tracing_enabled", cfg.Tracing.Enabled).
		Bool("metrics_enabled", cfg.Metrics.Enabled).
		Bool("debug", cfg.Debug).
		Msg("nexus: configuration loaded")
}
