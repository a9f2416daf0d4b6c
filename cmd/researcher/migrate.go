package main

import (
	"fmt"

	"github.com/mohammad-safakhou/researcher/internal/store"
	"github.com/spf13/cobra"
)

func migrateCMD(cfgPath *string) *cobra.Command {
	var direction string
	var steps int

	migrate := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, closeLog, err := loadConfig(*cfgPath)
			if err != nil {
				return err
			}
			defer closeLog()
			if !cfg.Storage.Postgres.Enabled() {
				return fmt.Errorf("postgres not configured (storage.postgres.url or host/dbname)")
			}
			if err := store.Migrate(cfg.Storage.Postgres.DSN(), direction, steps); err != nil {
				return err
			}
			log.Info().Str("direction", direction).Int("steps", steps).Msg("migrations applied")
			return nil
		},
	}
	migrate.Flags().StringVar(&direction, "direction", "up", "up or down")
	migrate.Flags().IntVar(&steps, "steps", 0, "number of steps (0 = all)")
	return migrate
}
