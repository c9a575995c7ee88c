package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/rpattn/zonemap/internal/backup"
	"github.com/rpattn/zonemap/internal/config"
	"github.com/rpattn/zonemap/internal/db"
	"github.com/rpattn/zonemap/internal/domain"
	"github.com/rpattn/zonemap/internal/ingestion"
	"github.com/rpattn/zonemap/internal/ledger"
	"github.com/rpattn/zonemap/internal/logger"
	"github.com/rpattn/zonemap/internal/notify"
	"github.com/rpattn/zonemap/internal/reconcile"
	"github.com/rpattn/zonemap/internal/service"
	"github.com/rpattn/zonemap/internal/snapshot"
)

// app is the wired process: every command builds one and closes it on exit.
type app struct {
	cfg       config.Config
	logger    *slog.Logger
	loader    *ingestion.Loader
	ledger    ledger.Store
	snapshots *snapshot.Store
	backups   *backup.Manager
	hub       *notify.Hub
	service   *service.Service

	closers []io.Closer
}

func loadApp(ctx context.Context, opts *rootOptions) (*app, error) {
	cfg, err := config.Load(opts.configDir)
	if err != nil {
		return nil, err
	}
	log := logger.Setup(cfg.Log.Level, cfg.Log.Format)
	a := &app{cfg: cfg, logger: log, hub: notify.NewHub()}
	if err := a.wire(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	cfg := a.cfg
	aliases := cfg.Reconcile.CodeAliases
	a.loader = ingestion.NewLoader(ingestion.WithLogger(a.logger), ingestion.WithCodeAliases(aliases))
	engine := reconcile.NewEngine(reconcile.WithLogger(a.logger), reconcile.WithCodeAliases(aliases))

	store, err := a.openLedger(ctx)
	if err != nil {
		return err
	}
	a.ledger = store
	a.closers = append(a.closers, store)

	backupOpts := []backup.Option{
		backup.WithLogger(a.logger),
		backup.WithMinInterval(cfg.Backup.MinInterval),
		backup.WithSources(backup.Sources{
			Base:   func() (domain.BaseDataset, error) { return a.loader.Load(cfg.Data.BasePath) },
			Ledger: store,
			Engine: engine,
		}),
	}
	if cfg.Backup.GCS.Bucket != "" {
		mirror, err := backup.NewGCSMirror(ctx, cfg.Backup.GCS.Bucket, cfg.Backup.GCS.Prefix, cfg.Backup.GCS.CredentialsFile)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, mirror)
		backupOpts = append(backupOpts, backup.WithMirror(mirror))
		a.logger.Info("backup_mirror_enabled", "bucket", cfg.Backup.GCS.Bucket, "prefix", cfg.Backup.GCS.Prefix)
	}
	a.backups, err = backup.NewManager(cfg.Backup.Dir, cfg.Backup.Retain, backupOpts...)
	if err != nil {
		return err
	}

	a.snapshots, err = snapshot.NewStore(cfg.Data.SnapshotPath,
		snapshot.WithLogger(a.logger),
		snapshot.WithBeforeReplace(a.backups.BeforeReplace),
	)
	if err != nil {
		return err
	}

	colors := domain.ZoneColors{}
	if cfg.Data.ColorsPath != "" {
		colors, err = domain.LoadZoneColors(cfg.Data.ColorsPath)
		if err != nil {
			a.logger.Warn("zone_colors_unavailable", "path", cfg.Data.ColorsPath, "error", err)
			colors = domain.ZoneColors{}
		}
	}

	notifiers := notify.Multi{a.hub}
	if cfg.Notify.Redis.Addr != "" {
		client := notify.NewRedisClient(cfg.Notify.Redis.Addr, cfg.Notify.Redis.Password, cfg.Notify.Redis.DB)
		publisher := notify.NewRedisPublisher(client, cfg.Notify.Redis.Channel)
		a.closers = append(a.closers, publisher)
		notifiers = append(notifiers, publisher)
		a.logger.Info("redis_fanout_enabled", "addr", cfg.Notify.Redis.Addr, "channel", cfg.Notify.Redis.Channel)
	}

	a.service = service.New(service.Deps{
		BasePath:  cfg.Data.BasePath,
		Loader:    a.loader,
		Ledger:    store,
		Snapshots: a.snapshots,
		Backups:   a.backups,
		Engine:    engine,
		Notifier:  notifiers,
		Colors:    colors,
	},
		service.WithLogger(a.logger),
		service.WithPersistInterval(cfg.Persist.MinInterval),
		service.WithRetryDelay(cfg.Persist.RetryDelay),
		service.WithNotifyBuffer(cfg.Notify.Buffer),
	)
	return nil
}

func (a *app) openLedger(ctx context.Context) (ledger.Store, error) {
	switch a.cfg.Ledger.Driver {
	case "postgres":
		dsn := a.cfg.Database.URL()
		if err := db.RunMigrations(dsn); err != nil {
			return nil, err
		}
		conn, err := db.NewConnection(ctx, a.cfg.Database)
		if err != nil {
			return nil, err
		}
		a.logger.Info("ledger_opened", "driver", "postgres", "host", a.cfg.Database.Host, "db", a.cfg.Database.DBName)
		return ledger.NewPostgresStore(conn), nil
	case "file", "":
		store, err := ledger.OpenFile(a.cfg.Ledger.Path, a.logger)
		if err != nil {
			return nil, err
		}
		a.logger.Info("ledger_opened", "driver", "file", "path", a.cfg.Ledger.Path)
		return store, nil
	default:
		return nil, fmt.Errorf("unknown ledger driver %q", a.cfg.Ledger.Driver)
	}
}

// runService opens the service, runs its loops while fn executes, then shuts
// them down so pending snapshot writes are flushed.
func (a *app) runService(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := a.service.Open(ctx); err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- a.service.Run(runCtx) }()

	err := fn(ctx)
	cancel()
	return errors.Join(err, <-done)
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.logger.Warn("close_failed", "error", err)
		}
	}
}
