package domain

import "time"

// ScriptState эффективное состояние скрипта, вычисленное из сырых флагов и времени.
type ScriptState string

const (
	StateOffline ScriptState = "offline"
	StateRunning ScriptState = "running"
	StatePaused  ScriptState = "paused"
)

// ScriptStatus сырое состояние скрипта агента.
// PauseUntil носит рекомендательный характер: фонового таймера нет,
// истечение паузы проверяет читатель.
type ScriptStatus struct {
	AgentID       int64      `json:"user_id"`
	IsRunning     bool       `json:"is_running"`
	IsPaused      bool       `json:"is_paused"`
	PauseUntil    *time.Time `json:"pause_until"`
	LastHeartbeat *time.Time `json:"last_heartbeat"`
}

// PauseActive пауза выставлена и еще не истекла. Пауза без срока бессрочна.
func (s ScriptStatus) PauseActive(now time.Time) bool {
	if !s.IsPaused {
		return false
	}
	return s.PauseUntil == nil || !now.After(*s.PauseUntil)
}

// State вычисляет Offline / Running / Paused на момент now.
func (s ScriptStatus) State(now time.Time) ScriptState {
	switch {
	case !s.IsRunning:
		return StateOffline
	case s.PauseActive(now):
		return StatePaused
	default:
		return StateRunning
	}
}
