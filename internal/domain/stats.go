package domain

// Stats сводка для админки.
type Stats struct {
	Agents           int64 `json:"agents"`
	PrivilegedAgents int64 `json:"privileged_agents"`
	Tokens           int64 `json:"tokens"`
	BoundTokens      int64 `json:"bound_tokens"`
	FrozenTokens     int64 `json:"frozen_tokens"`
	FreeTokens       int64 `json:"free_tokens"`
	Running          int64 `json:"running_scripts"`
	Paused           int64 `json:"paused_scripts"`
	PendingCommands  int64 `json:"pending_commands"`
}
