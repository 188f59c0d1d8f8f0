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

// LoadSettings читает карту параметров и версию; при отсутствии строки создает дефолтную.
func (s *Store) LoadSettings(ctx context.Context, agentID int64, now time.Time) (domain.ConfigSnapshot, error) {
	snap, err := readSettings(ctx, s.db, agentID)
	if err == nil {
		return snap, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return domain.ConfigSnapshot{}, storeErr("load settings", err)
	}

	err = s.withTx(ctx, "materialize settings", func(tx *sql.Tx) error {
		if err := ensureSettings(ctx, tx, agentID, now); err != nil {
			return err
		}
		snap, err = readSettings(ctx, tx, agentID)
		return err
	})
	return snap, err
}

func readSettings(ctx context.Context, q queryer, agentID int64) (domain.ConfigSnapshot, error) {
	var (
		raw  string
		snap domain.ConfigSnapshot
	)
	err := q.QueryRowContext(ctx, `SELECT params, version FROM settings WHERE agent_id = $1`, agentID).
		Scan(&raw, &snap.Version)
	if err != nil {
		return domain.ConfigSnapshot{}, err
	}
	if err := json.Unmarshal([]byte(raw), &snap.Params); err != nil {
		return domain.ConfigSnapshot{}, fmt.Errorf("decode settings of agent %d: %w", agentID, err)
	}
	if snap.Params == nil {
		snap.Params = domain.ConfigMap{}
	}
	return snap, nil
}

// SaveSettings заменяет карту целиком и увеличивает версию.
// expected != nil включает compare-and-swap: если версия в БД другая — ErrConflict.
// Отсутствующая строка считается дефолтной с версией 1.
func (s *Store) SaveSettings(ctx context.Context, agentID int64, m domain.ConfigMap, expected *int64, now time.Time) (int64, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}

	var version int64
	err = s.withTx(ctx, "save settings", func(tx *sql.Tx) error {
		if err := ensureSettings(ctx, tx, agentID, now); err != nil {
			return err
		}

		query := `UPDATE settings SET params = $1, version = version + 1, updated_at = $2 WHERE agent_id = $3`
		args := []any{string(raw), now.UTC(), agentID}
		if expected != nil {
			query += ` AND version = $4`
			args = append(args, *expected)
		}
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			if expected == nil {
				return fmt.Errorf("settings row of agent %d vanished", agentID)
			}
			return fmt.Errorf("%w: settings of agent %d changed since version %d", domain.ErrConflict, agentID, *expected)
		}
		return tx.QueryRowContext(ctx, `SELECT version FROM settings WHERE agent_id = $1`, agentID).Scan(&version)
	})
	return version, err
}

// bumpVersion увеличивает версию конфигурации внутри чужой транзакции.
func bumpVersion(ctx context.Context, tx *sql.Tx, agentID int64, now time.Time) (int64, error) {
	if err := ensureSettings(ctx, tx, agentID, now); err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE settings SET version = version + 1, updated_at = $1 WHERE agent_id = $2`, now.UTC(), agentID); err != nil {
		return 0, err
	}
	var v int64
	err := tx.QueryRowContext(ctx, `SELECT version FROM settings WHERE agent_id = $1`, agentID).Scan(&v)
	return v, err
}

// LoadCoordinates возвращает сохраненные точки агента: имя -> (x, y).
func (s *Store) LoadCoordinates(ctx context.Context, agentID int64) (map[string][2]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, x, y FROM coordinates WHERE agent_id = $1`, agentID)
	if err != nil {
		return nil, storeErr("load coordinates", err)
	}
	defer rows.Close()

	out := make(map[string][2]int)
	for rows.Next() {
		var (
			name string
			x, y int
		)
		if err := rows.Scan(&name, &x, &y); err != nil {
			return nil, storeErr("load coordinates", err)
		}
		out[name] = [2]int{x, y}
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("load coordinates", err)
	}
	return out, nil
}

// SaveCoordinate делает upsert точки и поднимает версию конфигурации в одной транзакции.
func (s *Store) SaveCoordinate(ctx context.Context, agentID int64, name string, x, y int, now time.Time) (int64, error) {
	var version int64
	err := s.withTx(ctx, "save coordinate", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO coordinates (agent_id, name, x, y, updated_at) VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (agent_id, name) DO UPDATE
			SET x = excluded.x, y = excluded.y, updated_at = excluded.updated_at`,
			agentID, name, x, y, now.UTC())
		if err != nil {
			return err
		}
		version, err = bumpVersion(ctx, tx, agentID, now)
		return err
	})
	return version, err
}

// DeleteCoordinate удаляет переопределение точки. Версия поднимается в любом случае.
func (s *Store) DeleteCoordinate(ctx context.Context, agentID int64, name string, now time.Time) (bool, int64, error) {
	var (
		removed bool
		version int64
	)
	err := s.withTx(ctx, "delete coordinate", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM coordinates WHERE agent_id = $1 AND name = $2`, agentID, name)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		removed = n > 0
		version, err = bumpVersion(ctx, tx, agentID, now)
		return err
	})
	return removed, version, err
}
