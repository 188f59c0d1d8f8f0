package domain

import "time"

// Agent удаленный скрипт автоматизации, который опрашивает сервер.
type Agent struct {
	ID    int64  `json:"id"`    // Telegram ID владельца
	Label string `json:"label"` // Человекочитаемое имя (username)

	// Privileged никогда не хранится в БД: вычисляется по allow-list на каждом чтении.
	Privileged bool `json:"privileged"`

	CreatedAt time.Time `json:"created_at"`
	LastSeen  time.Time `json:"last_seen"`
}

// DisplayName возвращает метку агента или его ID, если метки нет.
func (a Agent) DisplayName() string {
	if a.Label != "" {
		return a.Label
	}
	return "id" + formatID(a.ID)
}
