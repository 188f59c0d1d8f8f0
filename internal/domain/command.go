package domain

import (
	"encoding/json"
	"time"
)

type CommandStatus string

const (
	CommandPending   CommandStatus = "pending"
	CommandCompleted CommandStatus = "completed"
)

// Известные типы команд. Очередь принимает и любые другие.
const (
	CmdRestartSkin   = "restskin"
	CmdSaleSkin      = "saleskin"
	CmdCompCheck     = "compcheck"
	CmdGetDeviceInfo = "get_device_info"
	CmdGetScriptInfo = "get_script_info"
	CmdStop          = "stop"
)

// Command одноразовая директива для агента.
// Переход pending -> completed происходит ровно один раз и не откатывается.
type Command struct {
	ID          int64          `json:"id"`
	AgentID     int64          `json:"user_id"`
	Type        string         `json:"command_type"`
	Params      map[string]any `json:"params,omitempty"`
	Status      CommandStatus  `json:"status"`
	Result      *string        `json:"result,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	CompletedAt *time.Time     `json:"executed_at,omitempty"`
}

func (c Command) Pending() bool {
	return c.Status == CommandPending
}

// Number достает числовой параметр команды (например, salePrice).
func (c Command) Number(key string) (float64, bool) {
	switch v := c.Params[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	}
	return 0, false
}

// CommandCheck ответ на быстрый опрос "можно ли работать".
type CommandCheck struct {
	IsRunning   bool       `json:"is_running"`
	IsPaused    bool       `json:"is_paused"`
	PauseUntil  *time.Time `json:"pause_until"`
	HasCommands bool       `json:"has_commands"`
}
