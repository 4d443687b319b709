package pubsub

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/nexusdb/nexus/internal/config"
)

// New builds the pub/sub backend InvalidationBus uses to fan invalidation
// events out across instances. "local" (the default) keeps everything
// in-process; "redis" is the only cross-instance option config.Validate
// admits.
func New(cfg config.RealtimeConfig) (PubSub, error) {
	switch cfg.PubSubBackend {
	case "local", "":
		log.Info().Msg("pubsub: using local backend (single instance)")
		return NewLocalPubSub(), nil

	case "redis":
		if cfg.RedisURL == "" {
			return nil, fmt.Errorf("redis_url is required for the redis pub/sub backend")
		}
		log.Info().Msg("pubsub: using redis backend (multi-instance)")
		ps, err := NewRedisPubSub(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("connect to redis for pub/sub: %w", err)
		}
		return ps, nil

	default:
		return nil, fmt.Errorf("unknown pub/sub backend: %s (valid options: local, redis)", cfg.PubSubBackend)
	}
}
