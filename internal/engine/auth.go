package engine

import (
	"context"
	"errors"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/xela07ax/agentsync/internal/cache"
	"github.com/xela07ax/agentsync/internal/domain"
	"github.com/xela07ax/agentsync/internal/infra/auth"
)

// AuthGate проверяет сервисный ключ и токен агента.
// Проверка ключа наследуется от auth.BaseValidator.
type AuthGate struct {
	*auth.BaseValidator
	core       *core
	privileged atomic.Pointer[map[int64]struct{}]
}

func newAuthGate(c *core, credential string, admins []int64) *AuthGate {
	g := &AuthGate{
		BaseValidator: auth.NewBaseValidator(credential),
		core:          c,
	}
	g.SetPrivileged(admins)
	return g
}

// SetPrivileged атомарно подменяет allow-list привилегированных агентов.
func (g *AuthGate) SetPrivileged(ids []int64) {
	set := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	g.privileged.Store(&set)
	// stats считает привилегированных, пересчитаем
	g.core.cache.Invalidate(keyStats)
}

func (g *AuthGate) IsPrivileged(agentID int64) bool {
	set := g.privileged.Load()
	if set == nil {
		return false
	}
	_, ok := (*set)[agentID]
	return ok
}

// PrivilegedIDs снимок allow-list.
func (g *AuthGate) PrivilegedIDs() []int64 {
	set := g.privileged.Load()
	if set == nil {
		return nil
	}
	ids := make([]int64, 0, len(*set))
	for id := range *set {
		ids = append(ids, id)
	}
	return ids
}

// Authenticate проверяет сервисный ключ, затем токен агента.
func (g *AuthGate) Authenticate(ctx context.Context, credential string, agentID int64, token string) (*domain.Agent, error) {
	if err := g.CheckServiceCredential(credential); err != nil {
		g.core.metrics.AuthFailures.WithLabelValues("credential").Inc()
		return nil, err
	}
	return g.AuthenticateAgent(ctx, agentID, token)
}

// AuthenticateAgent проверяет только токен агента. Агент создается лениво,
// last_seen пишется не чаще раза в status TTL.
func (g *AuthGate) AuthenticateAgent(ctx context.Context, agentID int64, token string) (*domain.Agent, error) {
	c := g.core
	tok, err := readThrough(ctx, c, "token", tokenKey(agentID), c.opts.StatusTTL, func(ctx context.Context) (domain.AccessToken, error) {
		t, err := c.store.TokenForAgent(ctx, agentID)
		if errors.Is(err, domain.ErrNotFound) {
			// кэшируем и отсутствие токена: неактивированные агенты тоже опрашивают сервер
			return domain.AccessToken{}, nil
		}
		return t, err
	})
	if err != nil {
		return nil, err
	}
	if !tok.Accepts(agentID, token) {
		g.core.metrics.AuthFailures.WithLabelValues("token").Inc()
		return nil, domain.ErrInvalidAgentToken
	}

	agent, err := g.touch(ctx, agentID)
	if err != nil {
		return nil, err
	}
	agent.Privileged = g.IsPrivileged(agentID)
	return &agent, nil
}

// touch обновляет last_seen, если агент не был замечен в пределах status TTL.
func (g *AuthGate) touch(ctx context.Context, agentID int64) (domain.Agent, error) {
	c := g.core
	key := agentKey(agentID)
	if a, ok := cache.Typed[domain.Agent](c.cache.Get(key)); ok {
		return a, nil
	}
	gen := c.cache.Generation(key)
	agent, err := write(ctx, c, "touch agent", func(ctx context.Context) (domain.Agent, error) {
		return c.store.EnsureAgent(ctx, agentID, nil, c.clock.Now())
	})
	if err != nil {
		// токен уже проверен: отказ хранилища на last_seen не должен ронять опрос
		if a, ok := cache.Typed[domain.Agent](c.cache.Stale(key)); ok {
			return a, nil
		}
		c.logger.Warn("agent touch failed", zap.Int64("agent_id", agentID), zap.Error(err))
		return domain.Agent{ID: agentID}, nil
	}
	c.cache.SetIfGeneration(key, agent, c.opts.StatusTTL, gen)
	return agent, nil
}
