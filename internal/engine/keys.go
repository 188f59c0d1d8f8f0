package engine

import (
	"context"
	"errors"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/agentsync/internal/cache"
	"github.com/xela07ax/agentsync/internal/domain"
)

// Ключи L1 кэша. Префиксы совпадают с именем сущности в метриках.
const (
	prefixAgent    = "agent:"
	prefixToken    = "token:"
	prefixConfig   = "config:"
	prefixCoords   = "coords:"
	prefixStatus   = "status:"
	prefixCommands = "commands:"
	prefixTokens   = "tokens:"
	keyStats       = "stats"
)

func agentKey(id int64) string    { return prefixAgent + strconv.FormatInt(id, 10) }
func tokenKey(id int64) string    { return prefixToken + strconv.FormatInt(id, 10) }
func configKey(id int64) string   { return prefixConfig + strconv.FormatInt(id, 10) }
func coordsKey(id int64) string   { return prefixCoords + strconv.FormatInt(id, 10) }
func statusKey(id int64) string   { return prefixStatus + strconv.FormatInt(id, 10) }
func commandsKey(id int64) string { return prefixCommands + strconv.FormatInt(id, 10) }

func tokensPageKey(limit, offset int) string {
	return prefixTokens + strconv.Itoa(limit) + ":" + strconv.Itoa(offset)
}

// readThrough отдает свежее значение из кэша, иначе грузит из хранилища.
// Если хранилище недоступно, а в кэше есть протухшее значение, возвращает его.
// Доменные ошибки (ErrNotFound и т.п.) не маскируются.
func readThrough[T any](ctx context.Context, c *core, entity, key string, ttl time.Duration, load func(ctx context.Context) (T, error)) (T, error) {
	lookups := c.metrics.CacheLookups
	if v, ok := cache.Typed[T](c.cache.Get(key)); ok {
		lookups.WithLabelValues(entity, "hit").Inc()
		return v, nil
	}
	lookups.WithLabelValues(entity, "miss").Inc()

	gen := c.cache.Generation(key)
	sctx, cancel := c.storeCtx(ctx)
	v, err := load(sctx)
	cancel()
	if err == nil {
		// ключ могли инвалидировать, пока шло чтение: такое значение не кэшируем
		c.cache.SetIfGeneration(key, v, ttl, gen)
		return v, nil
	}

	err = normalizeStoreErr(err)
	if !errors.Is(err, domain.ErrStoreUnavailable) {
		var zero T
		return zero, err
	}
	c.storeFailed(entity+".load", err, zap.String("key", key))
	if stale, ok := cache.Typed[T](c.cache.Stale(key)); ok {
		lookups.WithLabelValues(entity, "stale").Inc()
		return stale, nil
	}
	var zero T
	return zero, err
}

// write выполняет запись с таймаутом хранилища и приводит таймаут к ErrStoreUnavailable.
func write[T any](ctx context.Context, c *core, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	sctx, cancel := c.storeCtx(ctx)
	defer cancel()
	v, err := fn(sctx)
	if err != nil {
		err = normalizeStoreErr(err)
		c.storeFailed(op, err)
	}
	return v, err
}
