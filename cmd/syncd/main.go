package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/xela07ax/agentsync/internal/api"
	"github.com/xela07ax/agentsync/internal/cache"
	"github.com/xela07ax/agentsync/internal/control"
	"github.com/xela07ax/agentsync/internal/engine"
	"github.com/xela07ax/agentsync/internal/infra"
	"github.com/xela07ax/agentsync/internal/jobs"
	"github.com/xela07ax/agentsync/internal/outbox"
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

	if err := run(cfg, logger); err != nil {
		logger.Fatal("syncd failed", zap.Error(err))
	}
}

func run(cfg *infra.Config, logger *zap.Logger) error {
	// Контекст жизненного цикла фоновых горутин, отменяется по SIGINT/SIGTERM
	appCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Инфраструктура и ресурсы
	store, err := sqlrepo.Open(appCtx, cfg.Database.Driver, cfg.Database.URL, cfg.Database.MaxConns)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer store.Close()

	rdb, err := infra.NewRedisClient(appCtx, cfg.Redis)
	if err != nil {
		return err
	}
	if rdb != nil {
		defer rdb.Close()
	}

	// Метрики
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := engine.NewMetrics(reg)

	// 2. Кэш и шина инвалидации между процессами
	l1 := cache.New(infra.SystemClock())
	bus := cache.NewBus(l1, rdb, logger)
	go bus.Listen(appCtx, func() { logger.Info("cache invalidation bus subscribed") })

	// 3. Исходящие сообщения: буфер -> (rate limit, retry, circuit breaker) -> Redis или лог
	var sink outbox.Sink = outbox.NewLogSink(logger)
	if rdb != nil {
		sink = outbox.NewRedisSink(rdb, cfg.Outbox.SplitByKind)
	}
	reliable := outbox.NewReliable(sink, outbox.ReliableOptionsFromConfig(cfg.Outbox), metrics.OutboxBreakerState, logger)
	out := outbox.New(reliable, outbox.OptionsFromConfig(cfg.Outbox), metrics.OutboxBufferFill, logger)
	out.Start()

	// 4. Ядро
	eng := engine.New(engine.Deps{
		Store:     store,
		Cache:     l1,
		Bus:       bus,
		Publisher: out,
		Clock:     infra.SystemClock(),
		Metrics:   metrics,
		Logger:    logger,
	}, engine.OptionsFromConfig(cfg))

	// allow-list привилегированных агентов перечитывается без рестарта
	cfg.WatchAdmins(func(ids []int64, err error) {
		if err != nil {
			logger.Error("failed to reload admin ids", zap.Error(err))
			return
		}
		eng.Auth.SetPrivileged(ids)
		logger.Info("admin ids reloaded", zap.Int64s("ids", ids))
	})

	// 5. Фоновые задачи
	scheduler, err := jobs.New(eng.Commands, l1, jobs.OptionsFromConfig(cfg), logger)
	if err != nil {
		return err
	}
	scheduler.Start(appCtx)

	// 6. Серверы
	srv := &http.Server{
		Addr:         cfg.Server.HTTPAddr,
		Handler:      api.NewServer(eng, metrics, logger),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	metricsSrv := &http.Server{
		Addr:    cfg.Server.MetricsAddr,
		Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	}

	grpcSrv := grpc.NewServer(grpc.UnaryInterceptor(control.UnaryAuthInterceptor(eng.Auth, logger)))
	control.RegisterControlServer(grpcSrv, control.NewServer(eng, logger))

	lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		return fmt.Errorf("failed to listen gRPC: %w", err)
	}

	errCh := make(chan error, 3)
	go func() {
		logger.Info("gRPC control started", zap.String("addr", cfg.Server.GRPCAddr))
		if err := grpcSrv.Serve(lis); err != nil {
			errCh <- fmt.Errorf("grpc: %w", err)
		}
	}()
	go func() {
		logger.Info("metrics started", zap.String("addr", metricsSrv.Addr))
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("metrics: %w", err)
		}
	}()
	go func() {
		logger.Info("syncd started", zap.String("addr", srv.Addr), zap.String("db", store.Driver()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http: %w", err)
		}
	}()

	// 7. Graceful Shutdown
	var runErr error
	select {
	case <-appCtx.Done():
		logger.Info("syncd stopping...")
	case runErr = <-errCh:
		logger.Error("server failed, stopping", zap.Error(runErr))
	}

	// Даем 5 секунд на завершение запросов
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", zap.Error(err))
	}
	grpcSrv.GracefulStop()
	<-scheduler.Stop().Done()
	// после остановки приема запросов: дописываем буфер исходящих
	out.Stop()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics shutdown failed", zap.Error(err))
	}
	logger.Info("syncd exited properly")
	return runErr
}
