package sqlrepo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // Драйвер Postgres
	_ "github.com/mattn/go-sqlite3"    // Драйвер SQLite

	"github.com/xela07ax/agentsync/internal/domain"
)

const (
	DriverPostgres = "pgx"
	DriverSQLite   = "sqlite3"
)

// Store персистентное хранилище движка поверх database/sql.
// Один набор запросов обслуживает PostgreSQL и SQLite: плейсхолдеры $N
// понимают оба драйвера, время всегда передается из Go в UTC.
type Store struct {
	db     *sql.DB
	driver string
}

// Open открывает БД, проверяет соединение и накатывает схему.
func Open(ctx context.Context, driver, dsn string, maxConns int) (*Store, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlrepo: open %s: %w", driver, err)
	}
	s, err := New(db, driver, maxConns)
	if err != nil {
		db.Close()
		return nil, err
	}
	if err := s.Ping(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New оборачивает уже открытый *sql.DB.
func New(db *sql.DB, driver string, maxConns int) (*Store, error) {
	switch driver {
	case DriverPostgres:
		if maxConns <= 0 {
			maxConns = 15
		}
		db.SetMaxOpenConns(maxConns)
		db.SetMaxIdleConns(maxConns)
		db.SetConnMaxLifetime(5 * time.Minute)
	case DriverSQLite:
		// SQLite пишет в один поток; для :memory: одно соединение = одна БД
		db.SetMaxOpenConns(1)
	default:
		return nil, fmt.Errorf("sqlrepo: unsupported driver %q", driver)
	}
	return &Store{db: db, driver: driver}, nil
}

func (s *Store) Driver() string { return s.driver }

// Ping проверяет доступность базы при старте
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return storeErr("ping", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate создает таблицы и индексы, если их нет.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema(s.driver) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return storeErr("migrate", fmt.Errorf("%s: %w", firstLine(stmt), err))
		}
	}
	return nil
}

func schema(driver string) []string {
	ts, serial := "TIMESTAMPTZ", "BIGSERIAL PRIMARY KEY"
	if driver == DriverSQLite {
		ts, serial = "TIMESTAMP", "INTEGER PRIMARY KEY AUTOINCREMENT"
	}
	r := strings.NewReplacer("{ts}", ts, "{serial}", serial)

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS agents (
			id BIGINT PRIMARY KEY,
			label TEXT NOT NULL DEFAULT '',
			created_at {ts} NOT NULL,
			last_seen {ts} NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS tokens (
			id {serial},
			value TEXT NOT NULL UNIQUE,
			created_by BIGINT NOT NULL,
			created_at {ts} NOT NULL,
			bound_agent_id BIGINT,
			bound_at {ts},
			frozen BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_tokens_bound_agent ON tokens(bound_agent_id) WHERE bound_agent_id IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_tokens_frozen ON tokens(frozen)`,
		`CREATE TABLE IF NOT EXISTS settings (
			agent_id BIGINT PRIMARY KEY,
			params TEXT NOT NULL,
			version BIGINT NOT NULL DEFAULT 1,
			updated_at {ts} NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_settings_updated ON settings(updated_at)`,
		`CREATE TABLE IF NOT EXISTS coordinates (
			agent_id BIGINT NOT NULL,
			name TEXT NOT NULL,
			x INTEGER NOT NULL,
			y INTEGER NOT NULL,
			updated_at {ts} NOT NULL,
			PRIMARY KEY (agent_id, name)
		)`,
		`CREATE TABLE IF NOT EXISTS commands (
			id {serial},
			agent_id BIGINT NOT NULL,
			type TEXT NOT NULL,
			params TEXT,
			status TEXT NOT NULL DEFAULT 'pending',
			result TEXT,
			created_at {ts} NOT NULL,
			completed_at {ts}
		)`,
		`CREATE INDEX IF NOT EXISTS idx_commands_agent_status ON commands(agent_id, status, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_commands_created ON commands(created_at)`,
		`CREATE TABLE IF NOT EXISTS script_status (
			agent_id BIGINT PRIMARY KEY,
			is_running BOOLEAN NOT NULL DEFAULT FALSE,
			is_paused BOOLEAN NOT NULL DEFAULT FALSE,
			pause_until {ts},
			last_heartbeat {ts}
		)`,
		`CREATE INDEX IF NOT EXISTS idx_status_running ON script_status(is_running)`,
	}
	for i := range stmts {
		stmts[i] = r.Replace(stmts[i])
	}
	return stmts
}

// withTx выполняет fn в одной транзакции: логическая операция либо применяется целиком, либо нет.
func (s *Store) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr(op, err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		if isDomainErr(err) {
			return err
		}
		return storeErr(op, err)
	}
	if err := tx.Commit(); err != nil {
		return storeErr(op, err)
	}
	return nil
}

// storeErr помечает ошибку ввода-вывода как ErrStoreUnavailable.
func storeErr(op string, err error) error {
	if isDomainErr(err) {
		return err
	}
	return fmt.Errorf("sqlrepo: %s: %w: %w", op, domain.ErrStoreUnavailable, err)
}

func isDomainErr(err error) bool {
	return errors.Is(err, domain.ErrNotFound) ||
		errors.Is(err, domain.ErrConflict) ||
		errors.Is(err, domain.ErrInvalidAgentToken) ||
		errors.Is(err, domain.ErrValidation) ||
		errors.Is(err, domain.ErrStoreUnavailable)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i > 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}

// queryer общее у *sql.DB и *sql.Tx
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func timeArg(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
