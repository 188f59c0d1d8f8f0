package cache

import (
	"strings"
	"sync"
	"time"

	"github.com/xela07ax/agentsync/internal/infra"
)

type entry struct {
	value    any
	storedAt time.Time
	ttl      time.Duration
}

func (e entry) fresh(now time.Time) bool {
	return !now.After(e.storedAt.Add(e.ttl))
}

// Generation номер поколения ключа. Меняется при каждой инвалидации ключа,
// его префикса или всего кэша.
type Generation struct {
	epoch uint64
	key   uint64
}

// Cache L1 кэш в памяти процесса с TTL на каждую запись.
// Протухшие записи не удаляются при чтении: они нужны как запасное значение,
// когда хранилище недоступно. Убирает их Sweep.
type Cache struct {
	mu    sync.RWMutex
	items map[string]entry
	clock infra.Clock

	// epoch растет на InvalidatePrefix и Flush, gens на Invalidate.
	// gens не чистится, иначе поколение ключа может вернуться к старому значению.
	epoch uint64
	gens  map[string]uint64
}

func New(clock infra.Clock) *Cache {
	if clock == nil {
		clock = infra.SystemClock()
	}
	return &Cache{
		items: make(map[string]entry),
		gens:  make(map[string]uint64),
		clock: clock,
	}
}

// Generation снимается до чтения из хранилища и передается в SetIfGeneration.
func (c *Cache) Generation(key string) Generation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Generation{epoch: c.epoch, key: c.gens[key]}
}

// SetIfGeneration кладет значение, только если ключ не инвалидировали после g.
// Иначе значение могло быть прочитано до записи и затерло бы ее инвалидацию.
func (c *Cache) SetIfGeneration(key string, value any, ttl time.Duration, g Generation) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch != g.epoch || c.gens[key] != g.key {
		return false
	}
	c.items[key] = entry{value: value, storedAt: c.clock.Now(), ttl: ttl}
	return true
}

// Get возвращает только свежее значение.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.RLock()
	e, ok := c.items[key]
	c.mu.RUnlock()
	if !ok || !e.fresh(c.clock.Now()) {
		return nil, false
	}
	return e.value, true
}

// Stale возвращает значение любой давности, если оно не было инвалидировано.
func (c *Cache) Stale(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.items[key]
	return e.value, ok
}

func (c *Cache) Set(key string, value any, ttl time.Duration) {
	c.mu.Lock()
	c.items[key] = entry{value: value, storedAt: c.clock.Now(), ttl: ttl}
	c.mu.Unlock()
}

func (c *Cache) Invalidate(keys ...string) {
	c.mu.Lock()
	for _, k := range keys {
		delete(c.items, k)
		c.gens[k]++
	}
	c.mu.Unlock()
}

// InvalidatePrefix удаляет все ключи с префиксом и возвращает их число.
func (c *Cache) InvalidatePrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch++
	n := 0
	for k := range c.items {
		if strings.HasPrefix(k, prefix) {
			delete(c.items, k)
			n++
		}
	}
	return n
}

// Sweep удаляет записи, протухшие больше чем на maxStale.
func (c *Cache) Sweep(maxStale time.Duration) int {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, e := range c.items {
		if now.After(e.storedAt.Add(e.ttl + maxStale)) {
			delete(c.items, k)
			n++
		}
	}
	return n
}

// Flush очищает кэш целиком.
func (c *Cache) Flush() {
	c.mu.Lock()
	c.items = make(map[string]entry)
	c.epoch++
	c.mu.Unlock()
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Typed достает значение нужного типа.
func Typed[T any](v any, ok bool) (T, bool) {
	var zero T
	if !ok {
		return zero, false
	}
	t, ok := v.(T)
	return t, ok
}
