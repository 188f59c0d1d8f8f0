package sqlrepo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/xela07ax/agentsync/internal/domain"
)

const agentColumns = `id, label, created_at, last_seen`

func scanAgent(row interface{ Scan(...any) error }) (domain.Agent, error) {
	var a domain.Agent
	if err := row.Scan(&a.ID, &a.Label, &a.CreatedAt, &a.LastSeen); err != nil {
		return domain.Agent{}, err
	}
	a.CreatedAt = a.CreatedAt.UTC()
	a.LastSeen = a.LastSeen.UTC()
	return a, nil
}

// EnsureAgent создает агента при первом контакте (или обновляет last_seen),
// и материализует строки настроек и статуса. label == nil сохраняет текущую метку.
func (s *Store) EnsureAgent(ctx context.Context, id int64, label *string, now time.Time) (domain.Agent, error) {
	var agent domain.Agent
	err := s.withTx(ctx, "ensure agent", func(tx *sql.Tx) error {
		var err error
		agent, err = upsertAgent(ctx, tx, id, label, now)
		if err != nil {
			return err
		}
		if err := ensureSettings(ctx, tx, id, now); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO script_status (agent_id, is_running, is_paused) VALUES ($1, FALSE, FALSE)
			 ON CONFLICT (agent_id) DO NOTHING`, id)
		return err
	})
	return agent, err
}

func upsertAgent(ctx context.Context, q queryer, id int64, label *string, now time.Time) (domain.Agent, error) {
	var l sql.NullString
	if label != nil {
		l = sql.NullString{String: *label, Valid: true}
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO agents (id, label, created_at, last_seen)
		VALUES ($1, COALESCE($2, ''), $3, $3)
		ON CONFLICT (id) DO UPDATE
		SET last_seen = excluded.last_seen,
		    label = CASE WHEN $2 IS NULL THEN agents.label ELSE excluded.label END`, id, l, now.UTC())
	if err != nil {
		return domain.Agent{}, err
	}
	// RETURNING в SQLite теряет объявленный тип колонок, поэтому перечитываем строку
	return scanAgent(q.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = $1`, id))
}

// GetAgent возвращает агента или ErrNotFound.
func (s *Store) GetAgent(ctx context.Context, id int64) (domain.Agent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = $1`, id)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Agent{}, fmt.Errorf("%w: agent %d", domain.ErrNotFound, id)
	}
	if err != nil {
		return domain.Agent{}, storeErr("get agent", err)
	}
	return a, nil
}

// ensureSettings вставляет дефолтную карту с версией 1, если строки еще нет.
func ensureSettings(ctx context.Context, q queryer, agentID int64, now time.Time) error {
	raw, err := json.Marshal(domain.DefaultSettings())
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx,
		`INSERT INTO settings (agent_id, params, version, updated_at) VALUES ($1, $2, 1, $3)
		 ON CONFLICT (agent_id) DO NOTHING`, agentID, string(raw), now.UTC())
	return err
}
