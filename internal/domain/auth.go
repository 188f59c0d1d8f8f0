package domain

import (
	"crypto/subtle"
	"strconv"
	"time"
)

// AccessToken ключ доступа агента (аналог лицензионного ключа).
// Инвариант: к одному агенту привязан максимум один токен.
type AccessToken struct {
	ID           int64      `json:"id"`
	Value        string     `json:"key"`
	CreatedBy    int64      `json:"created_by"`
	CreatedAt    time.Time  `json:"created_at"`
	BoundAgentID *int64     `json:"activated_by,omitempty"`
	BoundAt      *time.Time `json:"activated_at,omitempty"`
	Frozen       bool       `json:"is_frozen"`
}

// Bound сообщает, привязан ли токен к агенту.
func (t AccessToken) Bound() bool {
	return t.BoundAgentID != nil
}

// Accepts проверяет, может ли агент agentID пройти авторизацию этим значением.
func (t AccessToken) Accepts(agentID int64, value string) bool {
	if t.Frozen || t.BoundAgentID == nil {
		return false
	}
	if *t.BoundAgentID != agentID {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(t.Value), []byte(value)) == 1
}

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}
