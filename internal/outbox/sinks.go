package outbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/agentsync/internal/domain"
	"github.com/xela07ax/agentsync/internal/infra"
)

// RedisSink дописывает сообщения в список Redis, откуда их забирает слой представления.
type RedisSink struct {
	rdb         *redis.Client
	splitByKind bool
}

func NewRedisSink(rdb *redis.Client, splitByKind bool) *RedisSink {
	return &RedisSink{rdb: rdb, splitByKind: splitByKind}
}

func (s *RedisSink) key(kind domain.MessageKind) string {
	if !s.splitByKind {
		return infra.RedisKeyOutbox
	}
	return infra.GetOutboxKey(string(kind))
}

// WriteBatch кладет всю пачку одним pipeline, порядок сообщений сохраняется.
func (s *RedisSink) WriteBatch(ctx context.Context, msgs []domain.OutboundMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	pipe := s.rdb.Pipeline()
	for _, m := range msgs {
		raw, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("encode message: %w", err)
		}
		pipe.RPush(ctx, s.key(m.Kind), raw)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis outbox push: %w", err)
	}
	return nil
}

// LogSink пишет сообщения в лог. Используется, когда Redis не настроен.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger.With(zap.String("mod", "outbox-log"))}
}

func (s *LogSink) WriteBatch(_ context.Context, msgs []domain.OutboundMessage) error {
	for _, m := range msgs {
		s.logger.Info("outbound message",
			zap.Int64("agent_id", m.AgentID),
			zap.String("kind", string(m.Kind)),
			zap.String("text", m.Text),
			zap.Time("created_at", m.CreatedAt))
	}
	return nil
}
