package infra

import "fmt"

const (
	// RedisNamespace Базовый префикс для изоляции данных проекта в Redis
	RedisNamespace = "agentsync"
)

// Ключи для Lists (очереди)
const (
	// RedisKeyOutbox исходящие сообщения для слоя представления (RPUSH / BLPOP).
	RedisKeyOutbox = RedisNamespace + ":outbox:messages"
)

// Каналы Pub/Sub (события)
const (
	// RedisChanCacheInvalidate рассылка инвалидаций кэша между процессами syncd и console.
	RedisChanCacheInvalidate = RedisNamespace + ":cache:invalidate"
)

// GetOutboxKey Генератор ключей очереди исходящих для отдельного вида сообщений
func GetOutboxKey(kind string) string {
	if kind == "" {
		return RedisKeyOutbox
	}
	return fmt.Sprintf("%s:%s", RedisKeyOutbox, kind)
}
