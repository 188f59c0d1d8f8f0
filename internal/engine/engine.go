package engine

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/agentsync/internal/cache"
	"github.com/xela07ax/agentsync/internal/domain"
	"github.com/xela07ax/agentsync/internal/infra"
)

// Store описывает требования движка к персистентному хранилищу.
type Store interface {
	EnsureAgent(ctx context.Context, id int64, label *string, now time.Time) (domain.Agent, error)
	GetAgent(ctx context.Context, id int64) (domain.Agent, error)

	CreateToken(ctx context.Context, value string, createdBy int64, now time.Time) (domain.AccessToken, error)
	TokenByID(ctx context.Context, id int64) (domain.AccessToken, error)
	TokenByValue(ctx context.Context, value string) (domain.AccessToken, error)
	TokenForAgent(ctx context.Context, agentID int64) (domain.AccessToken, error)
	BindToken(ctx context.Context, value string, agentID int64, now time.Time) (domain.AccessToken, error)
	SetTokenFrozen(ctx context.Context, id int64, frozen bool) (domain.AccessToken, error)
	UnbindToken(ctx context.Context, id int64) (domain.AccessToken, error)
	DeleteToken(ctx context.Context, id int64) (domain.AccessToken, error)
	ListTokens(ctx context.Context, limit, offset int) ([]domain.AccessToken, error)

	LoadSettings(ctx context.Context, agentID int64, now time.Time) (domain.ConfigSnapshot, error)
	SaveSettings(ctx context.Context, agentID int64, m domain.ConfigMap, expected *int64, now time.Time) (int64, error)
	LoadCoordinates(ctx context.Context, agentID int64) (map[string][2]int, error)
	SaveCoordinate(ctx context.Context, agentID int64, name string, x, y int, now time.Time) (int64, error)
	DeleteCoordinate(ctx context.Context, agentID int64, name string, now time.Time) (bool, int64, error)

	InsertCommand(ctx context.Context, agentID int64, typ string, params map[string]any, now time.Time) (int64, error)
	PendingCommands(ctx context.Context, agentID int64) ([]domain.Command, error)
	CommandByID(ctx context.Context, id int64) (domain.Command, error)
	CompleteCommand(ctx context.Context, id int64, result *string, now time.Time) (bool, error)
	CompleteCommandsByType(ctx context.Context, agentID int64, typ string, now time.Time) (int64, error)
	PurgeCommands(ctx context.Context, before time.Time) (int64, error)

	GetStatus(ctx context.Context, agentID int64) (domain.ScriptStatus, error)
	TouchHeartbeat(ctx context.Context, agentID int64, now time.Time) (domain.ScriptStatus, error)
	Heartbeat(ctx context.Context, agentID int64, running bool, now time.Time) (domain.ScriptStatus, error)
	SetRunning(ctx context.Context, agentID int64, running, paused bool, now time.Time) (domain.ScriptStatus, error)
	SetPause(ctx context.Context, agentID int64, until *time.Time) (domain.ScriptStatus, error)

	Stats(ctx context.Context, privileged []int64, now time.Time) (domain.Stats, error)
}

// Invalidator синхронная инвалидация кэша с рассылкой соседям (cache.Bus).
type Invalidator interface {
	Invalidate(ctx context.Context, keys ...string)
	InvalidatePrefix(ctx context.Context, prefix string)
}

// Publisher очередь исходящих сообщений (outbox.Outbox).
type Publisher interface {
	Publish(msg domain.OutboundMessage) error
}

// Options настройки движка, собираются из infra.Config.
type Options struct {
	ServiceCredential string
	AdminIDs          []int64
	TokenPrefix       string

	StatusTTL   time.Duration
	SettingsTTL time.Duration
	TokensTTL   time.Duration
	StatsTTL    time.Duration

	StoreTimeout time.Duration
}

// OptionsFromConfig переносит значения из конфигурации.
func OptionsFromConfig(cfg *infra.Config) Options {
	return Options{
		ServiceCredential: cfg.Auth.ServiceCredential,
		AdminIDs:          cfg.Auth.AdminIDs,
		TokenPrefix:       cfg.Auth.TokenPrefix,
		StatusTTL:         cfg.Cache.StatusTTL,
		SettingsTTL:       cfg.Cache.SettingsTTL,
		TokensTTL:         cfg.Cache.TokensTTL,
		StatsTTL:          cfg.Cache.StatsTTL,
		StoreTimeout:      cfg.Engine.StoreTimeout,
	}
}

func (o *Options) setDefaults() {
	if o.TokenPrefix == "" {
		o.TokenPrefix = "DV_"
	}
	if o.StatusTTL <= 0 {
		o.StatusTTL = 3 * time.Second
	}
	if o.SettingsTTL <= 0 {
		o.SettingsTTL = 30 * time.Second
	}
	if o.TokensTTL <= 0 {
		o.TokensTTL = 10 * time.Second
	}
	if o.StatsTTL <= 0 {
		o.StatsTTL = 30 * time.Second
	}
}

// Deps внешние зависимости движка. Все, кроме Store, опциональны.
type Deps struct {
	Store     Store
	Cache     *cache.Cache
	Bus       Invalidator
	Publisher Publisher
	Clock     infra.Clock
	Metrics   *Metrics
	Logger    *zap.Logger
}

// core общее состояние компонентов движка.
type core struct {
	store   Store
	cache   *cache.Cache
	bus     Invalidator
	clock   infra.Clock
	metrics *Metrics
	logger  *zap.Logger
	opts    Options
}

// Engine движок синхронизации команд и статусов.
type Engine struct {
	Auth     *AuthGate
	Config   *ConfigStore
	Commands *CommandQueue
	Status   *StatusTracker
	Tokens   *TokenService
	Agents   *AgentDirectory
	Notify   *Notifier

	core *core
}

func New(deps Deps, opts Options) *Engine {
	opts.setDefaults()
	if deps.Clock == nil {
		deps.Clock = infra.SystemClock()
	}
	if deps.Cache == nil {
		deps.Cache = cache.New(deps.Clock)
	}
	if deps.Bus == nil {
		deps.Bus = localInvalidator{deps.Cache}
	}
	if deps.Metrics == nil {
		deps.Metrics = NewMetrics(nil)
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	c := &core{
		store:   deps.Store,
		cache:   deps.Cache,
		bus:     deps.Bus,
		clock:   deps.Clock,
		metrics: deps.Metrics,
		logger:  deps.Logger.Named("engine"),
		opts:    opts,
	}

	e := &Engine{core: c}
	e.Auth = newAuthGate(c, opts.ServiceCredential, opts.AdminIDs)
	e.Config = &ConfigStore{core: c}
	e.Commands = &CommandQueue{core: c}
	e.Status = &StatusTracker{core: c, commands: e.Commands}
	e.Tokens = &TokenService{core: c}
	e.Agents = &AgentDirectory{core: c, auth: e.Auth}
	e.Notify = &Notifier{core: c, out: deps.Publisher, auth: e.Auth, config: e.Config, status: e.Status, commands: e.Commands}
	return e
}

// localInvalidator инвалидация без Redis.
type localInvalidator struct{ c *cache.Cache }

func (l localInvalidator) Invalidate(_ context.Context, keys ...string) { l.c.Invalidate(keys...) }
func (l localInvalidator) InvalidatePrefix(_ context.Context, p string) { l.c.InvalidatePrefix(p) }

// storeCtx ограничивает обращение к хранилищу коротким таймаутом.
func (c *core) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.opts.StoreTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.opts.StoreTimeout)
}

// storeFailed учитывает ошибку хранилища в метриках и логах.
func (c *core) storeFailed(op string, err error, fields ...zap.Field) {
	if !errors.Is(err, domain.ErrStoreUnavailable) && !errors.Is(err, context.DeadlineExceeded) {
		return
	}
	c.metrics.StoreErrors.WithLabelValues(op).Inc()
	c.logger.Warn("store call failed", append(fields, zap.String("op", op), zap.Error(err))...)
}

// normalizeStoreErr гарантирует, что таймаут хранилища наружу выходит как ErrStoreUnavailable.
func normalizeStoreErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, domain.ErrStoreUnavailable) {
		return errors.Join(domain.ErrStoreUnavailable, err)
	}
	return err
}
