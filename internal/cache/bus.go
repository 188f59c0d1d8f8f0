package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/agentsync/internal/infra"
)

// signal сообщение инвалидации между процессами.
type signal struct {
	Origin   string   `json:"origin"`
	Keys     []string `json:"keys,omitempty"`
	Prefixes []string `json:"prefixes,omitempty"`
}

// Bus инвалидирует L1 кэш синхронно и рассылает сигнал соседним процессам через Redis.
// Без Redis работает только локально.
type Bus struct {
	cache   *Cache
	rdb     *redis.Client
	channel string
	origin  string
	logger  *zap.Logger

	retryDelay time.Duration
}

func NewBus(c *Cache, rdb *redis.Client, logger *zap.Logger) *Bus {
	return &Bus{
		cache:      c,
		rdb:        rdb,
		channel:    infra.RedisChanCacheInvalidate,
		origin:     uuid.NewString(),
		logger:     logger.With(zap.String("mod", "cache-bus")),
		retryDelay: 5 * time.Second,
	}
}

func (b *Bus) Cache() *Cache { return b.cache }

// Invalidate удаляет ключи локально и публикует сигнал.
// Ошибка публикации не возвращается: локальная инвалидация уже выполнена,
// а соседи догонят по TTL.
func (b *Bus) Invalidate(ctx context.Context, keys ...string) {
	if len(keys) == 0 {
		return
	}
	b.cache.Invalidate(keys...)
	b.publish(ctx, signal{Origin: b.origin, Keys: keys})
}

func (b *Bus) InvalidatePrefix(ctx context.Context, prefix string) {
	b.cache.InvalidatePrefix(prefix)
	b.publish(ctx, signal{Origin: b.origin, Prefixes: []string{prefix}})
}

func (b *Bus) publish(ctx context.Context, s signal) {
	if b.rdb == nil {
		return
	}
	payload, err := json.Marshal(s)
	if err != nil {
		b.logger.Error("failed to encode invalidation", zap.Error(err))
		return
	}
	if err := b.rdb.Publish(ctx, b.channel, payload).Err(); err != nil {
		b.logger.Warn("invalidation signal delivery failed",
			zap.String("channel", b.channel),
			zap.Strings("keys", s.Keys),
			zap.Error(err))
	}
}

// apply применяет сигнал соседа. Свои сигналы игнорируются.
func (b *Bus) apply(payload string) {
	var s signal
	if err := json.Unmarshal([]byte(payload), &s); err != nil {
		b.logger.Error("invalid signal format", zap.String("payload", payload))
		return
	}
	if s.Origin == b.origin {
		return
	}
	b.cache.Invalidate(s.Keys...)
	for _, p := range s.Prefixes {
		b.cache.InvalidatePrefix(p)
	}
}

// Listen "живучая" подписка на сигналы инвалидации. Блокирует до отмены ctx.
// При каждом (пере)подключении L1 сбрасывается целиком: сигналы за время обрыва потеряны.
func (b *Bus) Listen(ctx context.Context, ready func()) {
	if b.rdb == nil {
		return
	}
	for {
		pubsub := b.rdb.Subscribe(ctx, b.channel)

		if _, err := pubsub.Receive(ctx); err != nil {
			pubsub.Close()
			if ctx.Err() != nil {
				return
			}
			b.logger.Error("failed to subscribe", zap.String("chan", b.channel), zap.Error(err))
			if !sleepCtx(ctx, b.retryDelay) {
				return
			}
			continue
		}

		b.cache.Flush()
		if ready != nil {
			ready()
		}

		ch := pubsub.Channel()

	loop:
		for {
			select {
			case <-ctx.Done():
				pubsub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break loop // Канал закрыт, идем на переподключение
				}
				b.apply(msg.Payload)
			}
		}

		pubsub.Close()
		if !sleepCtx(ctx, time.Second) {
			return
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
