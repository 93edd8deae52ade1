package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/mohammad-safakhou/reasoner/config"
	"github.com/mohammad-safakhou/reasoner/internal/runtime"
	"github.com/mohammad-safakhou/reasoner/internal/scheduler"
	srv "github.com/mohammad-safakhou/reasoner/internal/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func serveCMD(cfgPath *string) *cobra.Command {
	var addr string
	var migrateUp bool
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API server and the conversation scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(*cfgPath)
			if addr != "" {
				cfg.Server.Address = addr
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			if migrateUp && cfg.Storage.Postgres.Enabled() {
				dsn, err := cfg.Storage.Postgres.DSN()
				if err != nil {
					return err
				}
				if err := srv.Migrate("file://migrations", dsn, "up", 0); err != nil {
					return err
				}
			}

			a, err := buildApp(ctx, cfg, "SERVE")
			if err != nil {
				return err
			}
			defer a.close()

			secret, err := runtime.LoadJWTSecret(cfg)
			if err != nil {
				return err
			}
			opts := srv.Options{
				Config:  cfg,
				Secret:  secret,
				Team:    a.team,
				Memory:  a.memory,
				Metrics: a.telemetry.MetricsHandler(),
			}
			if a.store != nil {
				opts.Lister = a.store.Messages()
			}
			if a.tailer != nil {
				opts.Tailer = a.tailer
			}
			e, err := srv.New(opts)
			if err != nil {
				return err
			}
			sched, err := scheduler.New(cfg.Schedules, a.team, scheduler.WithRedis(a.rdb))
			if err != nil {
				return err
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return srv.Run(gctx, e, cfg.Server.Address) })
			g.Go(func() error { return sched.Run(gctx) })
			return g.Wait()
		},
	}
	serve.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.address)")
	serve.Flags().BoolVar(&migrateUp, "migrate", true, "apply pending migrations before serving")
	return serve
}

