package infra

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config корневая структура конфигурации движка синхронизации.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Commands CommandsConfig `mapstructure:"commands"`
	Outbox   OutboxConfig   `mapstructure:"outbox"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Logger   LoggerConfig   `mapstructure:"logger"`

	v *viper.Viper
}

// ServerConfig описывает адреса HTTP/gRPC серверов.
type ServerConfig struct {
	HTTPAddr     string        `mapstructure:"http_addr"`    // API агентов и бота (syncd)
	ConsoleAddr  string        `mapstructure:"console_addr"` // Админка (console)
	GRPCAddr     string        `mapstructure:"grpc_addr"`
	MetricsAddr  string        `mapstructure:"metrics_addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig описывает подключение к хранилищу.
// driver: pgx (PostgreSQL) или sqlite3.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	URL      string `mapstructure:"url"`
	MaxConns int    `mapstructure:"max_conns"`
}

// RedisConfig описывает подключение к Redis (инвалидация кэша и очередь исходящих).
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AuthConfig содержит сервисный ключ и allow-list привилегированных агентов.
type AuthConfig struct {
	ServiceCredential string  `mapstructure:"service_credential"`
	AdminIDs          []int64 `mapstructure:"admin_ids"`
	TokenPrefix       string  `mapstructure:"token_prefix"`
}

// CacheConfig TTL записей кэша по сущностям.
type CacheConfig struct {
	StatusTTL     time.Duration `mapstructure:"status_ttl"`
	SettingsTTL   time.Duration `mapstructure:"settings_ttl"`
	TokensTTL     time.Duration `mapstructure:"tokens_ttl"`
	StatsTTL      time.Duration `mapstructure:"stats_ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	MaxStale      time.Duration `mapstructure:"max_stale"`
}

type CommandsConfig struct {
	Retention     time.Duration `mapstructure:"retention"`
	PurgeSchedule string        `mapstructure:"purge_schedule"` // cron-выражение
}

// OutboxConfig настраивает очередь исходящих сообщений и ее доставку.
type OutboxConfig struct {
	BufferSize    int           `mapstructure:"buffer_size"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	SplitByKind   bool          `mapstructure:"split_by_kind"` // отдельный список Redis на каждый вид сообщений

	// Надежность доставки
	Rate          float64       `mapstructure:"rate"`
	Burst         int           `mapstructure:"burst"`
	RetryAttempts uint          `mapstructure:"retry_attempts"`
	CallTimeout   time.Duration `mapstructure:"call_timeout"`
	CBTimeout     time.Duration `mapstructure:"cb_timeout"`
}

// EngineConfig таймауты обращений к хранилищу и клиента статуса.
type EngineConfig struct {
	StoreTimeout  time.Duration `mapstructure:"store_timeout"`
	ClientTimeout time.Duration `mapstructure:"client_timeout"`
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

// LoadConfig инициализирует конфигурацию, объединяя значения из файла, .env и ENV.
func LoadConfig(paths ...string) (*Config, error) {
	// .env не обязателен
	_ = godotenv.Load()

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")
	for _, p := range paths {
		v.AddConfigPath(p)
	}

	// REDIS_ADDR=... перекроет redis.addr
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Файла нет — работаем на ENV и дефолтах
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}
	cfg.v = v
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.http_addr", ":8080")
	v.SetDefault("server.console_addr", ":8081")
	v.SetDefault("server.grpc_addr", ":50052")
	v.SetDefault("server.metrics_addr", ":9090")
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)

	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.url", "agentsync.db")
	v.SetDefault("database.max_conns", 15)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("auth.service_credential", "")
	v.SetDefault("auth.admin_ids", []int64{})
	v.SetDefault("auth.token_prefix", "DV_")

	v.SetDefault("cache.status_ttl", 3*time.Second)
	v.SetDefault("cache.settings_ttl", 30*time.Second)
	v.SetDefault("cache.tokens_ttl", 10*time.Second)
	v.SetDefault("cache.stats_ttl", 30*time.Second)
	v.SetDefault("cache.sweep_interval", time.Minute)
	v.SetDefault("cache.max_stale", 10*time.Minute)

	v.SetDefault("commands.retention", 7*24*time.Hour)
	v.SetDefault("commands.purge_schedule", "@every 1h")

	v.SetDefault("outbox.buffer_size", 10000)
	v.SetDefault("outbox.batch_size", 100)
	v.SetDefault("outbox.flush_interval", 500*time.Millisecond)
	v.SetDefault("outbox.split_by_kind", false)
	v.SetDefault("outbox.rate", 30.0)
	v.SetDefault("outbox.burst", 10)
	v.SetDefault("outbox.retry_attempts", 3)
	v.SetDefault("outbox.call_timeout", 5*time.Second)
	v.SetDefault("outbox.cb_timeout", 30*time.Second)

	v.SetDefault("engine.store_timeout", 300*time.Millisecond)
	v.SetDefault("engine.client_timeout", 2*time.Second)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
}

// WatchAdmins следит за файлом конфигурации и отдает новый allow-list при каждом изменении.
// Без файла конфигурации ничего не делает.
func (c *Config) WatchAdmins(onChange func(ids []int64, err error)) {
	if c.v == nil || c.v.ConfigFileUsed() == "" {
		return
	}
	c.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		fresh, err := decode(c.v)
		if err != nil {
			onChange(nil, err)
			return
		}
		onChange(fresh.Auth.AdminIDs, nil)
	})
	c.v.WatchConfig()
}
