package main

import (
	"github.com/md-rashed-zaman/eventorder/libs/db"
	"github.com/md-rashed-zaman/eventorder/libs/runtime"
	"github.com/md-rashed-zaman/eventorder/services/ordering-service/internal/storage/postgres"
	"github.com/md-rashed-zaman/eventorder/services/ordering-service/internal/storage/sqlite"
	"github.com/spf13/cobra"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the tables of the configured store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(nil)
			if err != nil {
				return err
			}
			logger := runtime.NewLogger(cfg.ServiceName, cfg.LogLevel)
			ctx := cmd.Context()

			switch cfg.StoreDriver {
			case driverPostgres:
				pool, err := db.Open(ctx, cfg.DatabaseURL)
				if err != nil {
					return err
				}
				defer pool.Close()
				if err := postgres.Migrate(ctx, pool); err != nil {
					return err
				}
			case driverSQLite:
				// Open applies the schema.
				store, err := sqlite.Open(cfg.SQLitePath)
				if err != nil {
					return err
				}
				if err := store.Close(); err != nil {
					return err
				}
			default:
				logger.Info("nothing to migrate", "store_driver", cfg.StoreDriver)
				return nil
			}
			logger.Info("schema applied", "store_driver", cfg.StoreDriver)
			return nil
		},
	}
}
