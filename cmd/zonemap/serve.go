package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rpattn/zonemap/internal/metrics"
	"github.com/rpattn/zonemap/internal/middleware"
	"github.com/rpattn/zonemap/internal/watch"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the dataset service until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := loadApp(ctx, opts)
			if err != nil {
				return err
			}
			defer a.Close()
			return serve(ctx, a)
		},
	}
}

func serve(ctx context.Context, a *app) error {
	cfg := a.cfg
	if err := a.service.Open(ctx); err != nil {
		return err
	}
	a.logger.Info("dataset_ready",
		"records", a.service.Dataset().Len(),
		"version", a.service.Version(),
		"snapshot", cfg.Data.SnapshotPath,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.service.Run(gctx)
	})
	g.Go(func() error {
		return a.backups.Run(gctx, cfg.Backup.Interval, cfg.Data.SnapshotPath)
	})
	g.Go(func() error {
		return logChanges(gctx, a)
	})
	if cfg.Watch.Enabled {
		w := watch.New(cfg.Data.BasePath, a.service,
			watch.WithDebounce(cfg.Watch.Debounce),
			watch.WithLogger(a.logger),
		)
		g.Go(func() error {
			return w.Run(gctx)
		})
	}
	if cfg.Metrics.Addr != "" {
		g.Go(func() error {
			return serveOps(gctx, a)
		})
	}

	err := g.Wait()
	a.logger.Info("shutdown_complete", "version", a.service.Version())
	return err
}

// logChanges subscribes to the in-process hub, the attachment point for
// transports that push changes to clients.
func logChanges(ctx context.Context, a *app) error {
	changes, cancel := a.hub.Subscribe(a.cfg.Notify.Buffer)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case change, ok := <-changes:
			if !ok {
				return nil
			}
			a.logger.Debug("dataset_change", "kind", change.Kind, "version", change.Version, "actor", change.Actor)
		}
	}
}

// serveOps exposes /metrics and /healthz on the operations listener.
func serveOps(ctx context.Context, a *app) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ds := a.service.Dataset()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":   "ok",
			"version":  ds.Version(),
			"sequence": ds.Sequence(),
			"records":  ds.Len(),
		})
	})

	server := &http.Server{
		Addr:         a.cfg.Metrics.Addr,
		Handler:      middleware.LoggingMiddleware(a.logger)(mux),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("ops_listener_started", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("ops_listener_shutdown_failed", "error", err)
	}
	return nil
}
