package outbox

/*
Очередь исходящих сообщений агентов (уведомления, уловы, ответы на команды).

- Publish никогда не блокирует запрос: при переполнении буфера сообщение
  отбрасывается с ErrQueueFull (Load Shedding).
- Воркер копит пачку и сбрасывает ее в Sink по размеру или по таймеру.
- Stop запирает вход, вычитывает канал до дна и делает финальный flush.
*/

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/xela07ax/agentsync/internal/domain"
	"github.com/xela07ax/agentsync/internal/infra"
)

var (
	ErrQueueFull = errors.New("outbound queue is full")
	ErrClosed    = errors.New("outbound queue is stopped")
)

// Sink определяет, куда физически уходят сообщения.
type Sink interface {
	// WriteBatch доставляет пачку сообщений за один раз
	WriteBatch(ctx context.Context, msgs []domain.OutboundMessage) error
}

type Options struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
}

func OptionsFromConfig(cfg infra.OutboxConfig) Options {
	return Options{
		BufferSize:    cfg.BufferSize,
		BatchSize:     cfg.BatchSize,
		FlushInterval: cfg.FlushInterval,
	}
}

type Outbox struct {
	ch     chan domain.OutboundMessage
	sink   Sink
	logger *zap.Logger
	fill   prometheus.Gauge
	opts   Options
	wg     sync.WaitGroup

	// mu защищает закрытие канала от одновременного Publish
	mu     sync.RWMutex
	closed bool
}

// New создает очередь. fill может быть nil.
func New(sink Sink, opts Options, fill prometheus.Gauge, logger *zap.Logger) *Outbox {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 10000
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 500 * time.Millisecond
	}
	if fill == nil {
		fill = prometheus.NewGauge(prometheus.GaugeOpts{Name: "outbox_buffer_unregistered"})
	}
	return &Outbox{
		ch:     make(chan domain.OutboundMessage, opts.BufferSize),
		sink:   sink,
		logger: logger.With(zap.String("mod", "outbox")),
		fill:   fill,
		opts:   opts,
	}
}

func (o *Outbox) Start() {
	o.wg.Add(1)
	go o.worker()
}

// Stop запирает вход и ждет, пока воркер все допишет.
func (o *Outbox) Stop() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	o.logger.Info("stopping outbox: closing channel and flushing buffer...")
	close(o.ch)
	o.mu.Unlock()

	o.wg.Wait()
	o.logger.Info("outbox stopped gracefully")
}

// Publish кладет сообщение в буфер, не блокируясь.
func (o *Outbox) Publish(msg domain.OutboundMessage) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.closed {
		return ErrClosed
	}

	select {
	case o.ch <- msg:
		o.fill.Set(float64(len(o.ch)))
		return nil
	default:
		o.logger.Error("outbox_buffer_overflow",
			zap.Int64("agent_id", msg.AgentID),
			zap.String("kind", string(msg.Kind)))
		return ErrQueueFull
	}
}

// Len текущая глубина буфера.
func (o *Outbox) Len() int { return len(o.ch) }

func (o *Outbox) worker() {
	defer o.wg.Done()

	batch := make([]domain.OutboundMessage, 0, o.opts.BatchSize)
	ticker := time.NewTicker(o.opts.FlushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		// Background: при остановке внешний контекст уже отменен
		if err := o.sink.WriteBatch(context.Background(), batch); err != nil {
			o.logger.Error("outbox flush failed", zap.Int("dropped", len(batch)), zap.Error(err))
		}
		batch = batch[:0]
		o.fill.Set(float64(len(o.ch)))
	}

	for {
		select {
		case msg, ok := <-o.ch:
			if !ok {
				flush()
				o.logger.Info("outbox worker finished")
				return
			}
			batch = append(batch, msg)
			if len(batch) >= o.opts.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
