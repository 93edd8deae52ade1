package main

import (
	"github.com/mohammad-safakhou/reasoner/config"
	srv "github.com/mohammad-safakhou/reasoner/internal/server"
	"github.com/spf13/cobra"
)

func migrateCMD(cfgPath *string) *cobra.Command {
	var migDir string
	var direction string
	var steps int

	migrate := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(*cfgPath)
			dsn, err := cfg.Storage.Postgres.DSN()
			if err != nil {
				return err
			}
			return srv.Migrate(migDir, dsn, direction, steps)
		},
	}
	migrate.Flags().StringVar(&migDir, "dir", "file://migrations", "migrations source (file://migrations)")
	migrate.Flags().StringVar(&direction, "direction", "up", "up or down")
	migrate.Flags().IntVar(&steps, "steps", 0, "number of steps (0 = all)")
	return migrate
}
