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

const commandColumns = `id, agent_id, type, params, status, result, created_at, completed_at`

func scanCommand(row interface{ Scan(...any) error }) (domain.Command, error) {
	var (
		c           domain.Command
		params      sql.NullString
		result      sql.NullString
		status      string
		completedAt sql.NullTime
	)
	if err := row.Scan(&c.ID, &c.AgentID, &c.Type, &params, &status, &result, &c.CreatedAt, &completedAt); err != nil {
		return domain.Command{}, err
	}
	c.Status = domain.CommandStatus(status)
	c.CreatedAt = c.CreatedAt.UTC()
	c.CompletedAt = nullTime(completedAt)
	if result.Valid {
		r := result.String
		c.Result = &r
	}
	if params.Valid && params.String != "" {
		if err := json.Unmarshal([]byte(params.String), &c.Params); err != nil {
			return domain.Command{}, fmt.Errorf("decode params of command %d: %w", c.ID, err)
		}
	}
	return c, nil
}

// InsertCommand добавляет команду в очередь. Дедупликации нет.
func (s *Store) InsertCommand(ctx context.Context, agentID int64, typ string, params map[string]any, now time.Time) (int64, error) {
	var raw sql.NullString
	if len(params) > 0 {
		b, err := json.Marshal(params)
		if err != nil {
			return 0, fmt.Errorf("%w: params: %v", domain.ErrValidation, err)
		}
		raw = sql.NullString{String: string(b), Valid: true}
	}

	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO commands (agent_id, type, params, status, created_at)
		VALUES ($1, $2, $3, 'pending', $4)
		RETURNING id`, agentID, typ, raw, now.UTC()).Scan(&id)
	if err != nil {
		return 0, storeErr("insert command", err)
	}
	return id, nil
}

// PendingCommands невыполненные команды агента, старые первыми.
func (s *Store) PendingCommands(ctx context.Context, agentID int64) ([]domain.Command, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+commandColumns+` FROM commands
		WHERE agent_id = $1 AND status = 'pending'
		ORDER BY created_at ASC, id ASC`, agentID)
	if err != nil {
		return nil, storeErr("pending commands", err)
	}
	defer rows.Close()

	var out []domain.Command
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			return nil, storeErr("pending commands", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("pending commands", err)
	}
	return out, nil
}

func (s *Store) CommandByID(ctx context.Context, id int64) (domain.Command, error) {
	c, err := scanCommand(s.db.QueryRowContext(ctx, `SELECT `+commandColumns+` FROM commands WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Command{}, fmt.Errorf("%w: command %d", domain.ErrNotFound, id)
	}
	if err != nil {
		return domain.Command{}, storeErr("command by id", err)
	}
	return c, nil
}

// CompleteCommand переводит pending -> completed. Повторный вызов возвращает false без ошибки,
// результат первого вызова сохраняется. Неизвестный id — ErrNotFound.
func (s *Store) CompleteCommand(ctx context.Context, id int64, result *string, now time.Time) (bool, error) {
	var changed bool
	err := s.withTx(ctx, "complete command", func(tx *sql.Tx) error {
		var r sql.NullString
		if result != nil {
			r = sql.NullString{String: *result, Valid: true}
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE commands SET status = 'completed', result = $1, completed_at = $2
			WHERE id = $3 AND status = 'pending'`, r, now.UTC(), id)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		if n > 0 {
			changed = true
			return nil
		}
		var exists int
		err = tx.QueryRowContext(ctx, `SELECT 1 FROM commands WHERE id = $1`, id).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: command %d", domain.ErrNotFound, id)
		}
		return err
	})
	return changed, err
}

// CompleteCommandsByType закрывает все pending команды агента данного типа.
func (s *Store) CompleteCommandsByType(ctx context.Context, agentID int64, typ string, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE commands SET status = 'completed', completed_at = $1
		WHERE agent_id = $2 AND type = $3 AND status = 'pending'`, now.UTC(), agentID, typ)
	if err != nil {
		return 0, storeErr("complete commands by type", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// PurgeCommands удаляет команды старше before вне зависимости от статуса.
func (s *Store) PurgeCommands(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM commands WHERE created_at < $1`, before.UTC())
	if err != nil {
		return 0, storeErr("purge commands", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
