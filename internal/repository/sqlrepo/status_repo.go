package sqlrepo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/xela07ax/agentsync/internal/domain"
)

func readStatus(ctx context.Context, q queryer, agentID int64) (domain.ScriptStatus, error) {
	var (
		st            = domain.ScriptStatus{AgentID: agentID}
		pauseUntil    sql.NullTime
		lastHeartbeat sql.NullTime
	)
	err := q.QueryRowContext(ctx, `
		SELECT is_running, is_paused, pause_until, last_heartbeat
		FROM script_status WHERE agent_id = $1`, agentID).
		Scan(&st.IsRunning, &st.IsPaused, &pauseUntil, &lastHeartbeat)
	if errors.Is(err, sql.ErrNoRows) {
		return st, nil
	}
	if err != nil {
		return domain.ScriptStatus{}, err
	}
	st.PauseUntil = nullTime(pauseUntil)
	st.LastHeartbeat = nullTime(lastHeartbeat)
	return st, nil
}

// GetStatus возвращает статус скрипта; агент без строки читается как нулевой статус.
func (s *Store) GetStatus(ctx context.Context, agentID int64) (domain.ScriptStatus, error) {
	st, err := readStatus(ctx, s.db, agentID)
	if err != nil {
		return domain.ScriptStatus{}, storeErr("get status", err)
	}
	return st, nil
}

func writeStatus(ctx context.Context, tx *sql.Tx, st domain.ScriptStatus) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO script_status (agent_id, is_running, is_paused, pause_until, last_heartbeat)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (agent_id) DO UPDATE
		SET is_running = excluded.is_running,
		    is_paused = excluded.is_paused,
		    pause_until = excluded.pause_until,
		    last_heartbeat = excluded.last_heartbeat`,
		st.AgentID, st.IsRunning, st.IsPaused, timeArg(st.PauseUntil), timeArg(st.LastHeartbeat))
	return err
}

// mutateStatus read-modify-write статуса в одной транзакции.
func (s *Store) mutateStatus(ctx context.Context, op string, agentID int64, fn func(st *domain.ScriptStatus)) (domain.ScriptStatus, error) {
	var out domain.ScriptStatus
	err := s.withTx(ctx, op, func(tx *sql.Tx) error {
		st, err := readStatus(ctx, tx, agentID)
		if err != nil {
			return err
		}
		fn(&st)
		if err := writeStatus(ctx, tx, st); err != nil {
			return err
		}
		out = st
		return nil
	})
	return out, err
}

// TouchHeartbeat только отмечает время последнего heartbeat.
func (s *Store) TouchHeartbeat(ctx context.Context, agentID int64, now time.Time) (domain.ScriptStatus, error) {
	return s.mutateStatus(ctx, "touch heartbeat", agentID, func(st *domain.ScriptStatus) {
		t := now.UTC()
		st.LastHeartbeat = &t
	})
}

// Heartbeat отмечает heartbeat и флаг работы. Действующая пауза сохраняется,
// истекшая — снимается.
func (s *Store) Heartbeat(ctx context.Context, agentID int64, running bool, now time.Time) (domain.ScriptStatus, error) {
	return s.mutateStatus(ctx, "heartbeat", agentID, func(st *domain.ScriptStatus) {
		t := now.UTC()
		st.LastHeartbeat = &t
		st.IsRunning = running
		if st.IsPaused && st.PauseUntil != nil && now.After(*st.PauseUntil) {
			st.IsPaused = false
			st.PauseUntil = nil
		}
	})
}

// SetRunning прямой сеттер флагов. Снятие паузы стирает и pause_until.
func (s *Store) SetRunning(ctx context.Context, agentID int64, running, paused bool, now time.Time) (domain.ScriptStatus, error) {
	return s.mutateStatus(ctx, "set running", agentID, func(st *domain.ScriptStatus) {
		t := now.UTC()
		st.IsRunning = running
		st.IsPaused = paused
		if !paused {
			st.PauseUntil = nil
		}
		st.LastHeartbeat = &t
	})
}

// SetPause ставит паузу до until или снимает ее (until == nil).
func (s *Store) SetPause(ctx context.Context, agentID int64, until *time.Time) (domain.ScriptStatus, error) {
	return s.mutateStatus(ctx, "set pause", agentID, func(st *domain.ScriptStatus) {
		st.IsPaused = until != nil
		st.PauseUntil = nil
		if until != nil {
			t := until.UTC()
			st.PauseUntil = &t
		}
	})
}
