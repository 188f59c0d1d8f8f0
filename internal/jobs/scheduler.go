package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/xela07ax/agentsync/internal/infra"
)

// Purger очистка истории команд (engine.CommandQueue).
type Purger interface {
	Purge(ctx context.Context, retention time.Duration) (int64, error)
}

// Sweeper вычистка давно протухших записей кэша (cache.Cache).
type Sweeper interface {
	Sweep(maxStale time.Duration) int
}

type Options struct {
	Retention     time.Duration
	PurgeSchedule string // cron-выражение или дескриптор (@every 1h, @daily)
	SweepInterval time.Duration
	MaxStale      time.Duration
}

func OptionsFromConfig(cfg *infra.Config) Options {
	return Options{
		Retention:     cfg.Commands.Retention,
		PurgeSchedule: cfg.Commands.PurgeSchedule,
		SweepInterval: cfg.Cache.SweepInterval,
		MaxStale:      cfg.Cache.MaxStale,
	}
}

// Scheduler запускает фоновые задачи syncd: очистку команд и чистку кэша.
type Scheduler struct {
	cron    *cron.Cron
	purger  Purger
	sweeper Sweeper
	opts    Options
	logger  *zap.Logger

	ctx context.Context
}

// New проверяет расписания и регистрирует задачи. Пустое расписание отключает задачу.
func New(purger Purger, sweeper Sweeper, opts Options, logger *zap.Logger) (*Scheduler, error) {
	logger = logger.Named("jobs")
	cl := cronLogger{s: logger.Sugar()}
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

	s := &Scheduler{
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		purger:  purger,
		sweeper: sweeper,
		opts:    opts,
		logger:  logger,
		ctx:     context.Background(),
	}

	if purger != nil && opts.PurgeSchedule != "" {
		if opts.Retention <= 0 {
			return nil, fmt.Errorf("purge retention must be positive, got %v", opts.Retention)
		}
		if _, err := s.cron.AddFunc(opts.PurgeSchedule, func() { s.RunPurge(s.ctx) }); err != nil {
			return nil, fmt.Errorf("invalid purge schedule %q: %w", opts.PurgeSchedule, err)
		}
	}
	if sweeper != nil && opts.SweepInterval > 0 {
		s.cron.Schedule(cron.Every(opts.SweepInterval), cron.FuncJob(func() { s.RunSweep() }))
	}
	return s, nil
}

// Start запускает расписание. ctx передается в задачи.
func (s *Scheduler) Start(ctx context.Context) {
	s.ctx = ctx
	s.cron.Start()
	s.logger.Info("scheduler started", zap.Int("jobs", len(s.cron.Entries())))
}

// Stop останавливает расписание; возвращенный контекст закрывается после завершения текущих задач.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// RunPurge одна итерация очистки.
func (s *Scheduler) RunPurge(ctx context.Context) {
	start := time.Now()
	n, err := s.purger.Purge(ctx, s.opts.Retention)
	if err != nil {
		s.logger.Error("purge failed", zap.Error(err))
		return
	}
	s.logger.Info("commands purged",
		zap.Int64("deleted", n),
		zap.Duration("retention", s.opts.Retention),
		zap.Duration("took", time.Since(start)))
}

func (s *Scheduler) RunSweep() {
	if n := s.sweeper.Sweep(s.opts.MaxStale); n > 0 {
		s.logger.Debug("cache swept", zap.Int("evicted", n))
	}
}

// cronLogger адаптер zap под cron.Logger
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
