// Package main is the nexus server binary: serve runs the HTTP/WebSocket
// gateway and background components, migrate applies the document store's
// schema, and schedule runs the delayed-function queue standalone.
package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/nexusdb/nexus/internal/config"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "nexus",
	Short: "nexus is a reactive document backend",
	Long: `nexus serves documents over HTTP and pushes live query updates over
WebSocket, with a built-in delayed-function scheduler and an offline
sync conflict resolver.`,
	SilenceUsage: true,
	Version:      Version,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("nexus: fatal error")
		os.Exit(1)
	}
}

// loadConfig loads and validates configuration, then points zerolog's
// global logger at the requested format and level.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if cfg.Logging.Pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	level, err := zerolog.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	if cfg.Debug {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)

	return cfg, nil
}
