package main

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var migrateRetryAttempts int

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending document store migrations and exit",
	RunE:  runMigrate,
}

func init() {
	migrateCmd.Flags().IntVar(&migrateRetryAttempts, "db-retry-attempts", 5, "database connection attempts before giving up")
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	s, err := connectStoreWithRetry(context.Background(), cfg.Database, migrateRetryAttempts)
	if err != nil {
		return err
	}
	defer s.Close()

	log.Info().Msg("nexus: running migrations")
	if err := s.Migrate(); err != nil {
		return err
	}
	log.Info().Msg("nexus: migrations applied")
	return nil
}
