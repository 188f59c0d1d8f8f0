package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xela07ax/agentsync/internal/domain"
	"github.com/xela07ax/agentsync/internal/infra"
)

type ReliableOptions struct {
	Rate        float64 // пачек в секунду
	Burst       int
	Attempts    uint
	CallTimeout time.Duration
	CBTimeout   time.Duration // через сколько предохранитель попробует "закрыться"
}

func ReliableOptionsFromConfig(cfg infra.OutboxConfig) ReliableOptions {
	return ReliableOptions{
		Rate:        cfg.Rate,
		Burst:       cfg.Burst,
		Attempts:    cfg.RetryAttempts,
		CallTimeout: cfg.CallTimeout,
		CBTimeout:   cfg.CBTimeout,
	}
}

// Reliable оборачивает Sink лимитером, предохранителем и повторами.
type Reliable struct {
	next    Sink
	cb      *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	opts    ReliableOptions
}

// NewReliable собирает обертку. state может быть nil.
func NewReliable(next Sink, opts ReliableOptions, state prometheus.Gauge, logger *zap.Logger) *Reliable {
	if opts.Rate <= 0 {
		opts.Rate = 30
	}
	if opts.Burst <= 0 {
		opts.Burst = 10
	}
	if opts.Attempts == 0 {
		opts.Attempts = 3
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 5 * time.Second
	}
	if opts.CBTimeout <= 0 {
		opts.CBTimeout = 30 * time.Second
	}

	// Настройка предохранителя
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "outbox-sink",
		MaxRequests: 3,
		Interval:    5 * time.Second,
		Timeout:     opts.CBTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			// Если более 5 ошибок подряд — открываемся
			return counts.ConsecutiveFailures > 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("outbox breaker state changed",
				zap.String("from", from.String()),
				zap.String("to", to.String()))
			if state != nil {
				state.Set(breakerValue(to))
			}
		},
	})

	return &Reliable{
		next:    next,
		cb:      cb,
		limiter: rate.NewLimiter(rate.Limit(opts.Rate), opts.Burst),
		opts:    opts,
	}
}

func breakerValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 1
	case gobreaker.StateHalfOpen:
		return 0.5
	}
	return 0
}

// State текущее состояние предохранителя.
func (r *Reliable) State() gobreaker.State { return r.cb.State() }

func (r *Reliable) WriteBatch(ctx context.Context, msgs []domain.OutboundMessage) error {
	// 1. Rate Limiter
	if err := r.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit exceeded: %w", err)
	}

	// 2. Circuit Breaker, внутри — повторы с бэкоффом
	_, err := r.cb.Execute(func() (interface{}, error) {
		rt := retry.New(
			retry.Context(ctx),
			retry.Attempts(r.opts.Attempts),
			retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
				return retry.BackOffDelay(n, err, config)
			}),
		)
		return nil, rt.Do(func() error {
			tCtx, cancel := context.WithTimeout(ctx, r.opts.CallTimeout)
			defer cancel()
			return r.next.WriteBatch(tCtx, msgs)
		})
	})
	return err
}
