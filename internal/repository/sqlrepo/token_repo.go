package sqlrepo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/xela07ax/agentsync/internal/domain"
)

const tokenColumns = `id, value, created_by, created_at, bound_agent_id, bound_at, frozen`

func scanToken(row interface{ Scan(...any) error }) (domain.AccessToken, error) {
	var (
		t       domain.AccessToken
		bound   sql.NullInt64
		boundAt sql.NullTime
	)
	if err := row.Scan(&t.ID, &t.Value, &t.CreatedBy, &t.CreatedAt, &bound, &boundAt, &t.Frozen); err != nil {
		return domain.AccessToken{}, err
	}
	t.CreatedAt = t.CreatedAt.UTC()
	if bound.Valid {
		id := bound.Int64
		t.BoundAgentID = &id
	}
	t.BoundAt = nullTime(boundAt)
	return t, nil
}

func tokenNotFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: token %s", domain.ErrNotFound, what)
	}
	return err
}

// CreateToken сохраняет новый свободный токен. Совпадение значения — ErrConflict.
func (s *Store) CreateToken(ctx context.Context, value string, createdBy int64, now time.Time) (domain.AccessToken, error) {
	var tok domain.AccessToken
	err := s.withTx(ctx, "create token", func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM tokens WHERE value = $1`, value).Scan(&exists)
		if err == nil {
			return fmt.Errorf("%w: token value already exists", domain.ErrConflict)
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		var id int64
		err = tx.QueryRowContext(ctx, `
			INSERT INTO tokens (value, created_by, created_at, frozen)
			VALUES ($1, $2, $3, FALSE)
			RETURNING id`, value, createdBy, now.UTC()).Scan(&id)
		if err != nil {
			return err
		}
		tok, err = tokenByID(ctx, tx, id)
		return err
	})
	return tok, err
}

func tokenByID(ctx context.Context, q queryer, id int64) (domain.AccessToken, error) {
	t, err := scanToken(q.QueryRowContext(ctx, `SELECT `+tokenColumns+` FROM tokens WHERE id = $1`, id))
	if err != nil {
		return domain.AccessToken{}, tokenNotFound(err, fmt.Sprint(id))
	}
	return t, nil
}

func (s *Store) TokenByID(ctx context.Context, id int64) (domain.AccessToken, error) {
	t, err := tokenByID(ctx, s.db, id)
	if err != nil {
		return domain.AccessToken{}, storeErr("token by id", tokenNotFound(err, fmt.Sprint(id)))
	}
	return t, nil
}

func (s *Store) TokenByValue(ctx context.Context, value string) (domain.AccessToken, error) {
	t, err := scanToken(s.db.QueryRowContext(ctx, `SELECT `+tokenColumns+` FROM tokens WHERE value = $1`, value))
	if err != nil {
		return domain.AccessToken{}, storeErr("token by value", tokenNotFound(err, "by value"))
	}
	return t, nil
}

// TokenForAgent возвращает единственный привязанный к агенту токен.
func (s *Store) TokenForAgent(ctx context.Context, agentID int64) (domain.AccessToken, error) {
	t, err := scanToken(s.db.QueryRowContext(ctx,
		`SELECT `+tokenColumns+` FROM tokens WHERE bound_agent_id = $1`, agentID))
	if err != nil {
		return domain.AccessToken{}, storeErr("token for agent", tokenNotFound(err, fmt.Sprintf("for agent %d", agentID)))
	}
	return t, nil
}

// BindToken привязывает свободный токен к агенту.
// Замороженный токен — ErrInvalidAgentToken; уже привязанный токен или агент
// с другим токеном — ErrConflict. Повторная привязка к тому же агенту — no-op.
func (s *Store) BindToken(ctx context.Context, value string, agentID int64, now time.Time) (domain.AccessToken, error) {
	var tok domain.AccessToken
	err := s.withTx(ctx, "bind token", func(tx *sql.Tx) error {
		t, err := scanToken(tx.QueryRowContext(ctx, `SELECT `+tokenColumns+` FROM tokens WHERE value = $1`, value))
		if err != nil {
			return tokenNotFound(err, "by value")
		}
		if t.Frozen {
			return fmt.Errorf("%w: token is frozen", domain.ErrInvalidAgentToken)
		}
		if t.BoundAgentID != nil {
			if *t.BoundAgentID == agentID {
				tok = t
				return nil
			}
			return fmt.Errorf("%w: token already bound", domain.ErrConflict)
		}

		var other int64
		err = tx.QueryRowContext(ctx, `SELECT id FROM tokens WHERE bound_agent_id = $1`, agentID).Scan(&other)
		if err == nil {
			return fmt.Errorf("%w: agent %d already has a token", domain.ErrConflict, agentID)
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		if _, err := upsertAgent(ctx, tx, agentID, nil, now); err != nil {
			return err
		}
		if err := ensureSettings(ctx, tx, agentID, now); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO script_status (agent_id, is_running, is_paused) VALUES ($1, FALSE, FALSE)
			 ON CONFLICT (agent_id) DO NOTHING`, agentID); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE tokens SET bound_agent_id = $1, bound_at = $2 WHERE id = $3`,
			agentID, now.UTC(), t.ID); err != nil {
			return err
		}
		tok, err = tokenByID(ctx, tx, t.ID)
		return err
	})
	return tok, err
}

// SetTokenFrozen замораживает/размораживает токен, привязка не меняется.
func (s *Store) SetTokenFrozen(ctx context.Context, id int64, frozen bool) (domain.AccessToken, error) {
	var tok domain.AccessToken
	err := s.withTx(ctx, "freeze token", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE tokens SET frozen = $1 WHERE id = $2`, frozen, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: token %d", domain.ErrNotFound, id)
		}
		tok, err = tokenByID(ctx, tx, id)
		return err
	})
	return tok, err
}

// UnbindToken отвязывает токен и возвращает его состояние до изменения.
func (s *Store) UnbindToken(ctx context.Context, id int64) (domain.AccessToken, error) {
	var prev domain.AccessToken
	err := s.withTx(ctx, "unbind token", func(tx *sql.Tx) error {
		var err error
		prev, err = tokenByID(ctx, tx, id)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE tokens SET bound_agent_id = NULL, bound_at = NULL WHERE id = $1`, id)
		return err
	})
	return prev, err
}

// DeleteToken удаляет токен и возвращает его последнее состояние.
func (s *Store) DeleteToken(ctx context.Context, id int64) (domain.AccessToken, error) {
	var prev domain.AccessToken
	err := s.withTx(ctx, "delete token", func(tx *sql.Tx) error {
		var err error
		prev, err = tokenByID(ctx, tx, id)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM tokens WHERE id = $1`, id)
		return err
	})
	return prev, err
}

// ListTokens страница токенов, новые первыми.
func (s *Store) ListTokens(ctx context.Context, limit, offset int) ([]domain.AccessToken, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+tokenColumns+` FROM tokens
		ORDER BY created_at DESC, id DESC
		LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, storeErr("list tokens", err)
	}
	defer rows.Close()

	out := make([]domain.AccessToken, 0, limit)
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, storeErr("list tokens", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list tokens", err)
	}
	return out, nil
}
