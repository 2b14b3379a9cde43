package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/warp/billing-ledger/config"
	"github.com/warp/billing-ledger/ledger"
	"github.com/warp/billing-ledger/ledger/store"
	"github.com/warp/billing-ledger/store/eventbus"
	"github.com/warp/billing-ledger/store/firestore"
	"github.com/warp/billing-ledger/store/redislocker"
	"github.com/warp/billing-ledger/store/sqlite"
)

// app is the wired ledger: store, engine and optional integrations.
type app struct {
	cfg    config.Config
	logger *logrus.Logger
	store  ledger.Store
	engine *ledger.Engine

	closers []func() error
}

type capableStore interface {
	ledger.Store
	Capabilities() ledger.Capabilities
}

// newApp builds the store for cfg.StoreDriver and the engine over it.
// Redis and Pub/Sub are wired only when configured.
func newApp(ctx context.Context, cfg config.Config, logger *logrus.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	st, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	a.store = st

	planner := ledger.NewPlanner(st.Capabilities())
	planner.DefaultPageSize = cfg.DefaultPageSize
	reader := ledger.NewReader(st, planner)
	reader.MaxResidualFetches = cfg.MaxResidualFetches
	a.engine = ledger.NewEngine(st, reader, cfg.Engine(), logger)

	if cfg.RedisAddr != "" {
		locker, rdb, err := redislocker.Connect(ctx, cfg.RedisAddr, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.engine.Locker = locker
		a.closers = append(a.closers, rdb.Close)
		logger.WithField("redis_addr", cfg.RedisAddr).Info("using redis locker")
	}

	if cfg.PubSubProject != "" {
		publisher, client, err := eventbus.Connect(ctx, cfg.PubSubProject, cfg.PubSubTopic, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.engine.Recorder.Publisher = publisher
		a.closers = append(a.closers, func() error {
			publisher.Stop()
			return client.Close()
		})
		logger.WithFields(logrus.Fields{
			"project": cfg.PubSubProject,
			"topic":   cfg.PubSubTopic,
		}).Info("publishing change log to pubsub")
	}

	return a, nil
}

func (a *app) openStore(ctx context.Context) (capableStore, error) {
	log := a.logger.WithField("store_driver", a.cfg.StoreDriver)
	switch a.cfg.StoreDriver {
	case config.DriverSQLite:
		if dir := filepath.Dir(a.cfg.SQLitePath); dir != "." && a.cfg.SQLitePath != ":memory:" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create %s: %w", dir, err)
			}
		}
		st, err := sqlite.NewWithCapabilities(a.cfg.SQLitePath, a.cfg.Capabilities())
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, st.Close)
		log.WithField("path", a.cfg.SQLitePath).Info("store opened")
		return st, nil
	case config.DriverFirestore:
		st, err := firestore.NewWithCapabilities(ctx, a.cfg.FirestoreProject, a.cfg.Capabilities())
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, st.Close)
		log.WithField("project", a.cfg.FirestoreProject).Info("store opened")
		return st, nil
	default:
		log.Warn("in-memory store, data is lost on exit")
		return store.NewMemoryWithCapabilities(a.cfg.Capabilities()), nil
	}
}

// Close releases integrations in reverse order of opening.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			config.LogError(a.logger, "server", "close", nil, err)
		}
	}
	a.closers = nil
}
