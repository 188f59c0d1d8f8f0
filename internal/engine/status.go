package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/agentsync/internal/domain"
)

// StatusTracker состояние скрипта агента: offline / running / paused.
type StatusTracker struct {
	core     *core
	commands *CommandQueue

	// последние известные флаги по агенту (int64 -> statusFlags):
	// stats сбрасывается только при их смене, а не на каждый heartbeat
	flags sync.Map
}

// statusFlags то, что из статуса попадает в сводку.
type statusFlags struct {
	running bool
	paused  bool
	until   int64
}

func flagsOf(st domain.ScriptStatus) statusFlags {
	f := statusFlags{running: st.IsRunning, paused: st.IsPaused}
	if st.PauseUntil != nil {
		f.until = st.PauseUntil.UnixNano()
	}
	return f
}

// Get отдает сырое состояние. Агент без строки читается как нулевой статус.
func (t *StatusTracker) Get(ctx context.Context, agentID int64) (domain.ScriptStatus, error) {
	c := t.core
	return readThrough(ctx, c, "status", statusKey(agentID), c.opts.StatusTTL, func(ctx context.Context) (domain.ScriptStatus, error) {
		return c.store.GetStatus(ctx, agentID)
	})
}

// State эффективное состояние на текущий момент.
func (t *StatusTracker) State(ctx context.Context, agentID int64) (domain.ScriptState, error) {
	st, err := t.Get(ctx, agentID)
	if err != nil {
		return "", err
	}
	return st.State(t.core.clock.Now()), nil
}

// UpdateHeartbeat только отмечает время последнего сигнала.
func (t *StatusTracker) UpdateHeartbeat(ctx context.Context, agentID int64) error {
	_, err := t.mutate(ctx, "touch heartbeat", agentID, func(ctx context.Context, now time.Time) (domain.ScriptStatus, error) {
		return t.core.store.TouchHeartbeat(ctx, agentID, now)
	})
	return err
}

// Heartbeat сигнал агента со статусом. status == "running" выставляет is_running,
// активная пауза сохраняется, истекшая снимается.
func (t *StatusTracker) Heartbeat(ctx context.Context, agentID int64, status string) (domain.ScriptStatus, error) {
	running := status == string(domain.StateRunning)
	return t.mutate(ctx, "heartbeat", agentID, func(ctx context.Context, now time.Time) (domain.ScriptStatus, error) {
		return t.core.store.Heartbeat(ctx, agentID, running, now)
	})
}

// SetRunning прямая установка флагов. Stop — (false, false), снимает и pause_until.
func (t *StatusTracker) SetRunning(ctx context.Context, agentID int64, running, paused bool) (domain.ScriptStatus, error) {
	st, err := t.mutate(ctx, "set running", agentID, func(ctx context.Context, now time.Time) (domain.ScriptStatus, error) {
		return t.core.store.SetRunning(ctx, agentID, running, paused, now)
	})
	if err == nil {
		t.core.logger.Info("script state changed",
			zap.Int64("agent_id", agentID),
			zap.Bool("running", running),
			zap.Bool("paused", paused))
	}
	return st, err
}

// Stop остановка скрипта. Очередь команд при этом не трогается.
func (t *StatusTracker) Stop(ctx context.Context, agentID int64) (domain.ScriptStatus, error) {
	return t.SetRunning(ctx, agentID, false, false)
}

// SetPause: seconds > 0 — пауза до now+seconds, 0 — снять паузу.
func (t *StatusTracker) SetPause(ctx context.Context, agentID int64, seconds int64) (domain.ScriptStatus, error) {
	if seconds < 0 {
		return domain.ScriptStatus{}, fmt.Errorf("%w: negative pause duration", domain.ErrValidation)
	}
	return t.mutate(ctx, "set pause", agentID, func(ctx context.Context, now time.Time) (domain.ScriptStatus, error) {
		var until *time.Time
		if seconds > 0 {
			u := now.Add(time.Duration(seconds) * time.Second)
			until = &u
		}
		return t.core.store.SetPause(ctx, agentID, until)
	})
}

// CheckCommands быстрый опрос агента: можно ли работать и есть ли команды.
func (t *StatusTracker) CheckCommands(ctx context.Context, agentID int64) (domain.CommandCheck, error) {
	st, err := t.Get(ctx, agentID)
	if err != nil {
		return domain.CommandCheck{}, err
	}
	pending, err := t.commands.ListPending(ctx, agentID)
	if err != nil {
		return domain.CommandCheck{}, err
	}
	paused := st.PauseActive(t.core.clock.Now())
	check := domain.CommandCheck{
		IsRunning:   st.IsRunning,
		IsPaused:    paused,
		HasCommands: len(pending) > 0,
	}
	if paused {
		check.PauseUntil = st.PauseUntil
	}
	return check, nil
}

func (t *StatusTracker) mutate(ctx context.Context, op string, agentID int64, fn func(ctx context.Context, now time.Time) (domain.ScriptStatus, error)) (domain.ScriptStatus, error) {
	c := t.core
	st, err := write(ctx, c, op, func(ctx context.Context) (domain.ScriptStatus, error) {
		return fn(ctx, c.clock.Now())
	})
	if err != nil {
		return domain.ScriptStatus{}, err
	}
	keys := []string{statusKey(agentID)}
	next := flagsOf(st)
	if prev, ok := t.flags.Swap(agentID, next); !ok || prev.(statusFlags) != next {
		keys = append(keys, keyStats)
	}
	c.bus.Invalidate(ctx, keys...)
	return st, nil
}
