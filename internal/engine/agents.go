package engine

import (
	"context"
	"strings"

	"github.com/xela07ax/agentsync/internal/domain"
)

// AgentDirectory реестр агентов и сводная статистика.
type AgentDirectory struct {
	core *core
	auth *AuthGate
}

// Register создает агента (или обновляет метку) вместе со строками настроек и статуса.
func (d *AgentDirectory) Register(ctx context.Context, agentID int64, label string) (*domain.Agent, error) {
	c := d.core
	var l *string
	if label = strings.TrimSpace(label); label != "" {
		l = &label
	}
	agent, err := write(ctx, c, "register agent", func(ctx context.Context) (domain.Agent, error) {
		return c.store.EnsureAgent(ctx, agentID, l, c.clock.Now())
	})
	if err != nil {
		return nil, err
	}
	c.bus.Invalidate(ctx, agentKey(agentID), keyStats)
	agent.Privileged = d.auth.IsPrivileged(agentID)
	return &agent, nil
}

func (d *AgentDirectory) Get(ctx context.Context, agentID int64) (*domain.Agent, error) {
	c := d.core
	agent, err := write(ctx, c, "get agent", func(ctx context.Context) (domain.Agent, error) {
		return c.store.GetAgent(ctx, agentID)
	})
	if err != nil {
		return nil, err
	}
	agent.Privileged = d.auth.IsPrivileged(agentID)
	return &agent, nil
}

// Stats сводка по агентам, токенам, скриптам и очереди.
func (d *AgentDirectory) Stats(ctx context.Context) (domain.Stats, error) {
	c := d.core
	return readThrough(ctx, c, "stats", keyStats, c.opts.StatsTTL, func(ctx context.Context) (domain.Stats, error) {
		return c.store.Stats(ctx, d.auth.PrivilegedIDs(), c.clock.Now())
	})
}
