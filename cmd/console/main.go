package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/agentsync/internal/cache"
	"github.com/xela07ax/agentsync/internal/console/server"
	"github.com/xela07ax/agentsync/internal/engine"
	"github.com/xela07ax/agentsync/internal/infra"
	"github.com/xela07ax/agentsync/internal/repository/sqlrepo"
)

func main() {
	cfg, err := infra.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Инициализация ресурсов
	store, err := sqlrepo.Open(ctx, cfg.Database.Driver, cfg.Database.URL, cfg.Database.MaxConns)
	if err != nil {
		logger.Fatal("database unreachable", zap.Error(err))
	}
	defer store.Close()

	// Redis нужен, чтобы записи из админки сбрасывали кэши syncd
	rdb, err := infra.NewRedisClient(ctx, cfg.Redis)
	if err != nil {
		logger.Fatal("redis unreachable", zap.Error(err))
	}
	if rdb == nil {
		logger.Warn("redis disabled: syncd caches will catch up by TTL only")
	} else {
		defer rdb.Close()
	}

	// 2. Инициализация слоев (Dependency Injection)
	l1 := cache.New(infra.SystemClock())
	bus := cache.NewBus(l1, rdb, logger)
	go bus.Listen(ctx, nil)

	metrics := engine.NewMetrics(nil)
	eng := engine.New(engine.Deps{
		Store:   store,
		Cache:   l1,
		Bus:     bus,
		Clock:   infra.SystemClock(),
		Metrics: metrics,
		Logger:  logger,
	}, engine.OptionsFromConfig(cfg))

	// 3. Запуск сервера
	srv := &http.Server{
		Addr:         cfg.Server.ConsoleAddr,
		Handler:      server.New(eng, metrics, logger),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("console API started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("console API failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("console shutdown failed", zap.Error(err))
	}
	logger.Info("console exited properly")
}
