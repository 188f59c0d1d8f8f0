package domain

import (
	"time"

	core "github.com/xela07ax/agentsync/internal/domain"
)

// AgentOverview карточка агента в админке: агент, скрипт, токен и очередь.
type AgentOverview struct {
	Agent           core.Agent        `json:"agent"`
	Status          core.ScriptStatus `json:"status"`
	State           core.ScriptState  `json:"state"`
	Token           *core.AccessToken `json:"token,omitempty"`
	ConfigVersion   int64             `json:"config_version"`
	PendingCommands int               `json:"pending_commands"`
	CheckedAt       time.Time         `json:"checked_at"`
}
