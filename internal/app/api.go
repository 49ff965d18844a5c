package app

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	v1 "github.com/jaennil/guide_helper/backend/tileloader/internal/infrastructure/http/v1"
	"github.com/jaennil/guide_helper/backend/tileloader/internal/infrastructure/http/v1/handler"
	"github.com/jaennil/guide_helper/backend/tileloader/internal/repository/store"
	"github.com/jaennil/guide_helper/backend/tileloader/internal/transport"
	"github.com/jaennil/guide_helper/backend/tileloader/internal/usecase"
	"github.com/jaennil/guide_helper/backend/tileloader/pkg/config"
	"github.com/jaennil/guide_helper/backend/tileloader/pkg/http_server"
	"github.com/jaennil/guide_helper/backend/tileloader/pkg/logger"
	"github.com/jaennil/guide_helper/backend/tileloader/pkg/telemetry"
)

func Run(cfg *config.Config) {
	l := logger.NewZapLogger(cfg.Logger)
	defer l.Sync()

	l.Info("app config", "cfg", cfg.Redacted())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ctx = logger.WithLogger(ctx, l)

	if cfg.Telemetry.Enabled {
		shutdownTelemetry, err := telemetry.InitTracer(telemetry.Config{
			ServiceName:    cfg.Telemetry.ServiceName,
			ServiceVersion: cfg.Telemetry.ServiceVersion,
			Environment:    cfg.Telemetry.Environment,
			OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		}, l)
		if err != nil {
			l.Fatal("failed to initialize telemetry", "error", err)
		}
		defer func() {
			if err := shutdownTelemetry(context.Background()); err != nil {
				l.Error("failed to shutdown telemetry", "error", err)
			}
		}()
	}

	sources, err := loadDataSources(cfg.DataSources)
	if err != nil {
		l.Fatal("failed to load data sources", "error", err)
	}

	tileStore, err := store.New(cfg.Store, l)
	if err != nil {
		l.Fatal("failed to initialize tile store", "error", err)
	}

	tr := transport.NewHTTPTransport(
		transport.WithMaxConcurrent(cfg.Transport.MaxConcurrent),
		transport.WithUserAgent(cfg.Transport.UserAgent),
		transport.WithReferer(cfg.Transport.Referer),
		transport.WithMaxBodySize(cfg.Transport.MaxBodyBytes),
		transport.WithLogger(l),
	)

	opts := []usecase.Option{
		usecase.WithLogger(l),
		usecase.WithMaxConcurrentLoads(cfg.Loader.MaxConcurrentLoads),
		usecase.WithMaxRetries(cfg.Loader.MaxRetries),
		usecase.WithRetryDelay(cfg.Loader.RetryDelay),
		usecase.WithMaxRetryDelay(cfg.Loader.MaxRetryDelay),
		usecase.WithRequestTimeout(cfg.Loader.RequestTimeout),
		usecase.WithPrefetchRadius(cfg.Loader.PrefetchRadius),
		usecase.WithMaxBackgroundTasks(cfg.Loader.MaxBackgroundTasks),
		usecase.WithGlobeRadius(cfg.Loader.GlobeRadius),
		usecase.WithPayloadValidation(cfg.Loader.ValidatePayload),
		usecase.WithCacheLimits(cfg.Cache.MaxTiles, cfg.Cache.MaxMemoryBytes),
	}
	if tileStore != nil {
		opts = append(opts, usecase.WithStore(tileStore))
	}
	for _, src := range sources {
		opts = append(opts, usecase.WithDataSource(src))
	}

	tileLoader := usecase.NewTileLoader(tr, opts...)
	l.Info("tile loader initialized", "sources", tileLoader.DataSources())

	go runEviction(ctx, tileLoader, cfg.Cache, l)

	validate := validator.New()
	h := handler.NewHandler(validate, tileLoader)
	router := v1.NewRouter(h, l, cfg.Telemetry.Enabled, cfg.Telemetry.ServiceName)

	httpServer := http_server.NewServer(ctx, cfg.HTTP.Server, router)

	serverErr := make(chan error, 1)
	go func() {
		l.Info("starting http server...", "address", httpServer.Addr)
		serverErr <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.Error("http server failed", "error", err)
		}
	case <-ctx.Done():
		l.Info("received shutdown signal")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	shutdownCtx = logger.WithLogger(shutdownCtx, l)

	// Shutdown logs its own failure; the loader still has to be disposed.
	_ = http_server.Shutdown(shutdownCtx, httpServer)

	if err := tileLoader.Dispose(shutdownCtx); err != nil {
		l.Warn("tile loader did not stop cleanly", "error", err)
	}

	l.Info("application shutdown completed")
}

// runEviction periodically drops tiles idle for longer than cfg.MaxAge.
func runEviction(ctx context.Context, tl *usecase.TileLoader, cfg config.Cache, l logger.Logger) {
	if cfg.MaxAge <= 0 || cfg.EvictionInterval <= 0 {
		return
	}

	ticker := time.NewTicker(cfg.EvictionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := tl.EvictByAge(cfg.MaxAge); n > 0 {
				l.Debug("evicted stale tiles", "count", n, "max_age", cfg.MaxAge)
			}
		}
	}
}
