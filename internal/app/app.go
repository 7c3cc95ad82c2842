package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"ledgersync/internal/config"
	"ledgersync/internal/logger"
	"ledgersync/internal/metrics"
	"ledgersync/internal/service"
	"ledgersync/internal/storage"
)

const shutdownGrace = 30 * time.Second

// App wires configuration, the cache database and the sync service.
// Every CLI command runs against one App.
type App struct {
	cfg  *config.Config
	db   *storage.DB
	sync *service.SyncService
	log  *zap.Logger
}

// New opens the cache database named by cfg and builds the services.
func New(cfg *config.Config, emitter service.EventEmitter) (*App, error) {
	db, err := storage.New(cfg.Cache.Path)
	if err != nil {
		return nil, fmt.Errorf("open cache %s: %w", cfg.Cache.Path, err)
	}
	if emitter == nil {
		emitter = service.LogEmitter{Log: logger.WithModule("events")}
	}
	return &App{
		cfg:  cfg,
		db:   db,
		sync: service.NewSyncService(db, cfg.Jobs, emitter, service.WithLeaseTTL(cfg.Cache.LeaseTTL)),
		log:  logger.WithModule("app"),
	}, nil
}

// Sync returns the sync service.
func (a *App) Sync() *service.SyncService {
	return a.sync
}

// Shutdown stops triggers, waits for in-flight cycles and closes the database.
func (a *App) Shutdown(ctx context.Context) error {
	a.sync.Stop()
	a.sync.WaitRunning(ctx)
	if running := a.sync.Running(); len(running) > 0 {
		a.log.Warn("shutting down with jobs still running", zap.Strings("jobs", running))
	}
	return multierr.Combine(a.db.Close(), ignoreSyncErr(logger.Sync()))
}

// ignoreSyncErr drops the error fsync reports for stderr when it is a
// terminal or pipe.
func ignoreSyncErr(err error) error {
	if errors.Is(err, syscall.EINVAL) || errors.Is(err, syscall.ENOTTY) {
		return nil
	}
	return err
}

// Serve installs the schedule and file-watch triggers, exposes metrics when
// enabled, and blocks until ctx is cancelled.
func (a *App) Serve(ctx context.Context) error {
	if err := a.sync.RestartWatchers(ctx); err != nil {
		// Triggers that could be installed keep running.
		a.log.Error("some triggers could not be installed", zap.Error(err))
	}

	if !a.cfg.Metrics.Enabled {
		a.log.Info("serving triggers", zap.Int("jobs", len(a.cfg.Jobs)))
		<-ctx.Done()
		return nil
	}

	ln, err := net.Listen("tcp", a.cfg.Metrics.Listen)
	if err != nil {
		return fmt.Errorf("metrics listen %s: %w", a.cfg.Metrics.Listen, err)
	}
	srv := &http.Server{
		Handler:           a.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	a.log.Info("serving triggers and metrics", zap.Int("jobs", len(a.cfg.Jobs)), zap.String("listen", ln.Addr().String()))

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// routes serves /metrics and a liveness probe.
func (a *App) routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte("ok\n"))
	})
	return mux
}
