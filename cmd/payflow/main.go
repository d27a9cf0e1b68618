package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"log/slog"

	"github.com/payflow-hq/payflow/internal/app"
	"github.com/payflow-hq/payflow/internal/permissions"
	platformcache "github.com/payflow-hq/payflow/internal/platform/cache"
	"github.com/payflow-hq/payflow/internal/platform/db"
	"github.com/payflow-hq/payflow/internal/shared"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	permCache := permissions.NewCache(cfg.PermissionCacheTTL, cfg.PermissionSweepInterval)
	go permCache.Run(ctx)

	var fanout *permissions.Fanout
	redisClient, err := platformcache.New(ctx, cfg.RedisAddr)
	if err != nil {
		// Redis only carries cross-instance invalidation; entries still age
		// out by TTL without it.
		logger.Warn("redis unavailable, cache invalidation fanout disabled", slog.Any("error", err))
	} else {
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}()
		fanout = permissions.NewFanout(redisClient, permCache, logger)
		if err := fanout.Listen(ctx); err != nil {
			logger.Warn("subscribe cache invalidation", slog.Any("error", err))
		}
	}

	service := permissions.NewService(permissions.ServiceParams{
		Store:  permissions.NewRepository(pool),
		Cache:  permCache,
		Fanout: fanout,
		Audit:  shared.NewAuditLogger(pool),
		Logger: logger,
	})

	router := app.NewRouter(app.RouterParams{
		Logger:             logger,
		Config:             cfg,
		PermissionsHandler: permissions.NewHandler(logger, service),
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", slog.String("addr", cfg.AppAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown", slog.Any("error", err))
		}
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", slog.Any("error", err))
			os.Exit(1)
		}
	}
}
