package main

import (
	"context"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/ezcar24/dealersync/internal/assets"
	"github.com/ezcar24/dealersync/internal/config"
	"github.com/ezcar24/dealersync/internal/queue"
	"github.com/ezcar24/dealersync/internal/remote"
	"github.com/ezcar24/dealersync/internal/store"
	dealersync "github.com/ezcar24/dealersync/internal/sync"
)

// app is everything a command needs, opened from the loaded config.
type app struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *store.Store
	queue  *queue.Queue
	client *remote.HTTPClient
	assets *assets.Manager
	engine dealersync.Engine
}

// openLocal opens the local database and offline queue.
func openLocal(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	if cfg.DealerID == "" {
		return nil, fmt.Errorf("dealer_id is not set (use --dealer or DEALERSYNC_DEALER_ID)")
	}

	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	if err := st.InitSchemaContext(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}

	q := queue.New(st.RawDB(), queue.Options{Policy: cfg.RetryPolicy(), Logger: logger})
	if err := q.InitSchema(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}

	return &app{cfg: cfg, logger: logger, store: st, queue: q}, nil
}

// openApp opens the local side and connects the sync engine to the backend.
func openApp(ctx context.Context, cfg *config.Config, logger *zap.Logger, httpClient *http.Client) (*app, error) {
	if err := cfg.RequireRemote(); err != nil {
		return nil, err
	}
	a, err := openLocal(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	a.client = remote.NewHTTPClient(cfg.RemoteClientConfig(), httpClient)

	opts := dealersync.Options{
		Logger:        logger,
		PushBatchSize: cfg.Sync.PushBatchSize,
		SuccessLinger: cfg.Sync.SuccessLinger,
		FailureLinger: cfg.Sync.FailureLinger,
	}
	if cfg.Assets.Enabled {
		a.assets, err = assets.NewManager(a.client, assets.Config{
			Bucket:      cfg.Assets.Bucket,
			CacheDir:    cfg.Assets.CacheDir,
			Concurrency: cfg.Assets.Concurrency,
			Logger:      logger,
		})
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		opts.Assets = a.assets
	}

	a.engine = dealersync.New(a.store, a.queue, a.client, opts)
	return a, nil
}

func (a *app) dealer() string { return a.cfg.DealerID }

// Close waits for background work and closes the database.
func (a *app) Close() error {
	if a.engine != nil {
		if err := a.engine.Close(); err != nil {
			a.logger.Warn("engine close failed", zap.Error(err))
		}
	}
	return a.store.Close()
}
