package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pario-ai/querycache/pkg/config"
	"github.com/pario-ai/querycache/pkg/observe"
	"github.com/pario-ai/querycache/pkg/server"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the cache HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			provider, err := observe.NewProvider(cfg.Metrics.Exporter)
			if err != nil {
				return fmt.Errorf("init metrics: %w", err)
			}
			defer func() { _ = provider.Shutdown(context.Background()) }()
			metrics, err := provider.Metrics()
			if err != nil {
				return fmt.Errorf("init metrics: %w", err)
			}

			a, err := openApp(ctx, cfg, metrics)
			if err != nil {
				return err
			}
			defer a.Close()

			janitor := a.engine.StartJanitor(a.cfg.Janitor.CleanupInterval, a.cfg.Janitor.ReloadInterval)
			defer janitor.Close()

			srv := server.New(a.engine, server.Options{
				Listen:  a.cfg.Listen,
				Metrics: provider.Handler(),
				Logger:  a.log,
			})

			a.log.Infof("starting querycache with config: %s (store: %s)", configPath, a.cfg.Store.Driver)
			return srv.ListenAndServe(ctx)
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}
