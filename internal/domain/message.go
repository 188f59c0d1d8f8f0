package domain

import "time"

type MessageKind string

const (
	MsgNotify        MessageKind = "notify"
	MsgCatch         MessageKind = "catch"
	MsgCatchCopy     MessageKind = "catch_copy"
	MsgScriptStopped MessageKind = "script_stopped"
	MsgDeviceInfo    MessageKind = "device_info"
	MsgScriptInfo    MessageKind = "script_info"
)

// OutboundMessage сообщение для доставки в чат владельцу агента.
// Очередь исходящих вычитывает слой представления.
type OutboundMessage struct {
	AgentID   int64       `json:"user_id"`
	Kind      MessageKind `json:"kind"`
	Text      string      `json:"text"`
	CreatedAt time.Time   `json:"created_at"`
}
