package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/agentsync/internal/domain"
)

// CommandQueue очередь одноразовых команд агента (FIFO, без дедупликации).
type CommandQueue struct {
	core *core
}

// Enqueue добавляет команду и возвращает ее id.
func (q *CommandQueue) Enqueue(ctx context.Context, agentID int64, typ string, params map[string]any) (int64, error) {
	typ = strings.TrimSpace(typ)
	if typ == "" {
		return 0, fmt.Errorf("%w: empty command type", domain.ErrValidation)
	}
	c := q.core
	id, err := write(ctx, c, "insert command", func(ctx context.Context) (int64, error) {
		return c.store.InsertCommand(ctx, agentID, typ, params, c.clock.Now())
	})
	if err != nil {
		return 0, err
	}
	c.bus.Invalidate(ctx, commandsKey(agentID), keyStats)
	c.metrics.CommandsEnqueued.WithLabelValues(typ).Inc()
	c.logger.Info("command enqueued",
		zap.Int64("agent_id", agentID),
		zap.Int64("command_id", id),
		zap.String("type", typ))
	return id, nil
}

// ListPending невыполненные команды в порядке постановки.
func (q *CommandQueue) ListPending(ctx context.Context, agentID int64) ([]domain.Command, error) {
	c := q.core
	cmds, err := readThrough(ctx, c, "commands", commandsKey(agentID), c.opts.StatusTTL, func(ctx context.Context) ([]domain.Command, error) {
		return c.store.PendingCommands(ctx, agentID)
	})
	if err != nil {
		return nil, err
	}
	out := make([]domain.Command, len(cmds))
	copy(out, cmds)
	return out, nil
}

// Complete помечает команду выполненной. Повторный вызов — (false, nil), результат первого сохраняется.
func (q *CommandQueue) Complete(ctx context.Context, commandID int64, result *string) (bool, error) {
	c := q.core
	cmd, err := write(ctx, c, "command by id", func(ctx context.Context) (domain.Command, error) {
		return c.store.CommandByID(ctx, commandID)
	})
	if err != nil {
		return false, err
	}
	return q.complete(ctx, cmd, result)
}

// CompleteForAgent то же для агента: чужая команда неотличима от несуществующей.
func (q *CommandQueue) CompleteForAgent(ctx context.Context, agentID, commandID int64, result *string) (bool, error) {
	c := q.core
	cmd, err := write(ctx, c, "command by id", func(ctx context.Context) (domain.Command, error) {
		return c.store.CommandByID(ctx, commandID)
	})
	if err != nil {
		return false, err
	}
	if cmd.AgentID != agentID {
		return false, fmt.Errorf("%w: command %d", domain.ErrNotFound, commandID)
	}
	return q.complete(ctx, cmd, result)
}

func (q *CommandQueue) complete(ctx context.Context, cmd domain.Command, result *string) (bool, error) {
	if !cmd.Pending() {
		return false, nil
	}
	c := q.core
	changed, err := write(ctx, c, "complete command", func(ctx context.Context) (bool, error) {
		return c.store.CompleteCommand(ctx, cmd.ID, result, c.clock.Now())
	})
	if err != nil {
		return false, err
	}
	if changed {
		c.bus.Invalidate(ctx, commandsKey(cmd.AgentID), keyStats)
	}
	return changed, nil
}

// CompleteByType закрывает все невыполненные команды типа typ.
func (q *CommandQueue) CompleteByType(ctx context.Context, agentID int64, typ string) (int64, error) {
	c := q.core
	n, err := write(ctx, c, "complete by type", func(ctx context.Context) (int64, error) {
		return c.store.CompleteCommandsByType(ctx, agentID, typ, c.clock.Now())
	})
	if err != nil {
		return 0, err
	}
	if n > 0 {
		c.bus.Invalidate(ctx, commandsKey(agentID), keyStats)
	}
	return n, nil
}

// Purge удаляет команды старше retention независимо от статуса.
func (q *CommandQueue) Purge(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, fmt.Errorf("%w: retention must be positive", domain.ErrValidation)
	}
	c := q.core
	before := c.clock.Now().Add(-retention)
	// чистка идет фоном, короткий таймаут хранилища ей не подходит
	n, err := c.store.PurgeCommands(ctx, before)
	if err != nil {
		c.storeFailed("purge commands", err)
		return 0, err
	}
	c.bus.InvalidatePrefix(ctx, prefixCommands)
	c.bus.Invalidate(ctx, keyStats)
	return n, nil
}

// paramOrZero значение параметра, 0 если его нет.
func paramOrZero(params map[string]any, name string) any {
	if v, ok := params[name]; ok && v != nil {
		return v
	}
	return 0
}

// Coalesce сворачивает очередь в ответ агенту: тип -> значение.
// saleskin несет цену, compcheck — значение проверки, остальные — true.
// При повторах побеждает более поздняя команда.
func Coalesce(cmds []domain.Command) map[string]any {
	out := make(map[string]any, len(cmds))
	for _, cmd := range cmds {
		switch cmd.Type {
		case domain.CmdSaleSkin:
			out[cmd.Type] = paramOrZero(cmd.Params, "salePrice")
		case domain.CmdCompCheck:
			out[cmd.Type] = paramOrZero(cmd.Params, "compCheckVal")
		default:
			out[cmd.Type] = true
		}
	}
	return out
}
