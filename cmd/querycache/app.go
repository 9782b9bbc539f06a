package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/pario-ai/querycache/pkg/cache"
	"github.com/pario-ai/querycache/pkg/cache/postgres"
	"github.com/pario-ai/querycache/pkg/cache/sqlite"
	"github.com/pario-ai/querycache/pkg/config"
	"github.com/pario-ai/querycache/pkg/conversation"
	"github.com/pario-ai/querycache/pkg/engine"
	"github.com/pario-ai/querycache/pkg/logging"
	"github.com/pario-ai/querycache/pkg/observe"
)

// app holds everything a command needs, opened from one config file.
type app struct {
	cfg    *config.Config
	log    *logrus.Logger
	engine *engine.Manager
	conv   *conversation.Store
	logOut io.Closer
}

func addConfigFlag(cmd *cobra.Command, path *string) {
	cmd.PersistentFlags().StringVarP(path, "config", "c", "querycache.yaml", "path to config file")
}

// loadApp loads the config file and opens the app without metrics.
func loadApp(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return openApp(ctx, cfg, nil)
}

func openApp(ctx context.Context, cfg *config.Config, metrics observe.Metrics) (*app, error) {
	logger, logOut, err := logging.New(logging.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
	})
	if err != nil {
		return nil, err
	}

	store, db, driverName, err := openStore(ctx, cfg)
	if err != nil {
		_ = logOut.Close()
		return nil, err
	}

	conv, err := conversation.New(db, driverName, cfg.Store.MessagesTable)
	if err == nil {
		err = conv.Migrate(ctx)
	}
	if err != nil {
		_ = store.Close()
		_ = logOut.Close()
		return nil, fmt.Errorf("init conversation store: %w", err)
	}

	m, err := engine.New(ctx, engine.Options{
		Store:     store,
		Resolver:  conv,
		History:   conv,
		Dimension: cfg.Embedding.Dimension,
		OpTimeout: cfg.Store.OpTimeout,
		Logger:    logger,
		Metrics:   metrics,
	})
	if err != nil {
		_ = store.Close()
		_ = logOut.Close()
		return nil, fmt.Errorf("init engine: %w", err)
	}

	return &app{cfg: cfg, log: logger, engine: m, conv: conv, logOut: logOut}, nil
}

// openStore opens the configured backend. The returned pool is owned by
// the store and shared with the conversation store.
func openStore(ctx context.Context, cfg *config.Config) (cache.Store, *sql.DB, string, error) {
	switch cfg.Store.Driver {
	case "postgres":
		pgCfg := postgres.Config{
			Schema:       cfg.Store.Schema,
			Dimension:    cfg.Embedding.Dimension,
			MaxOpenConns: cfg.Store.MaxOpenConns,
		}
		db, err := postgres.Open(cfg.Store.DSN, pgCfg)
		if err != nil {
			return nil, nil, "", err
		}
		s, err := postgres.New(ctx, db, pgCfg)
		if err != nil {
			_ = db.Close()
			return nil, nil, "", fmt.Errorf("init cache store: %w", err)
		}
		return s, db, "pgx", nil
	default:
		db, err := sqlite.Open(cfg.Store.DSN)
		if err != nil {
			return nil, nil, "", err
		}
		s, err := sqlite.New(db)
		if err != nil {
			return nil, nil, "", fmt.Errorf("init cache store: %w", err)
		}
		return s, db, "sqlite", nil
	}
}

func (a *app) Close() {
	if err := a.engine.Close(); err != nil {
		a.log.WithError(err).Warn("close cache store")
	}
	_ = a.logOut.Close()
}
