package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig      `mapstructure:"server"`
	Storage   StorageConfig     `mapstructure:"storage"`
	Delivery  DeliveryConfig    `mapstructure:"delivery"`
	Breaker   BreakerConfig     `mapstructure:"breaker"`
	Health    HealthConfig      `mapstructure:"health"`
	Platforms PlatformsConfig   `mapstructure:"platforms"`
	Templates map[string]string `mapstructure:"templates"`
	Logging   LoggingConfig     `mapstructure:"logging"`
	Metrics   MetricsConfig     `mapstructure:"metrics"`
	Alerting  AlertingConfig    `mapstructure:"alerting"`
	Events    EventsConfig      `mapstructure:"events"`
	Cache     CacheConfig       `mapstructure:"cache"`
}

type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	APIKey       string        `mapstructure:"api_key"`
}

type StorageConfig struct {
	Driver   string         `mapstructure:"driver"`
	SQLite   SQLiteConfig   `mapstructure:"sqlite"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

type PostgresConfig struct {
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

type DeliveryConfig struct {
	Workers      int           `mapstructure:"workers"`
	QueueSize    int           `mapstructure:"queue_size"`
	BatchSize    int           `mapstructure:"batch_size"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
	BaseDelay    time.Duration `mapstructure:"base_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
	Jitter       float64       `mapstructure:"jitter"`
	// processing rows untouched for this long are treated as abandoned
	StaleAfter time.Duration `mapstructure:"stale_after"`
	// 0 disables expiry
	ExpireAfter time.Duration `mapstructure:"expire_after"`
}

type BreakerConfig struct {
	Threshold    int           `mapstructure:"threshold"`
	ResetTimeout time.Duration `mapstructure:"reset_timeout"`
}

type HealthConfig struct {
	MinSample        int64         `mapstructure:"min_sample"`
	MinSuccessRate   float64       `mapstructure:"min_success_rate"`
	MaxCategoryShare float64       `mapstructure:"max_category_share"`
	StoreErrorWindow time.Duration `mapstructure:"store_error_window"`
	DurationWindow   int           `mapstructure:"duration_window"`
}

type PlatformsConfig struct {
	Telegram TelegramConfig `mapstructure:"telegram"`
	WhatsApp WhatsAppConfig `mapstructure:"whatsapp"`
}

type TelegramConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Token     string        `mapstructure:"token"`
	RateLimit int           `mapstructure:"rate_limit"` // messages per second, 0 = unlimited
	Timeout   time.Duration `mapstructure:"timeout"`
}

type WhatsAppConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	URL       string        `mapstructure:"url"`
	Token     string        `mapstructure:"token"`
	Secret    string        `mapstructure:"secret"`
	RateLimit int           `mapstructure:"rate_limit"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

type AlertingConfig struct {
	SentryDSN   string `mapstructure:"sentry_dsn"`
	Environment string `mapstructure:"environment"`
}

type EventsConfig struct {
	AMQPURL  string `mapstructure:"amqp_url"`
	Exchange string `mapstructure:"exchange"`
}

type CacheConfig struct {
	RedisAddr string        `mapstructure:"redis_addr"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	TTL       time.Duration `mapstructure:"ttl"`
}

func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("remindrelay")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/remindrelay")
	}

	setDefaults(v)

	v.SetEnvPrefix("REMINDRELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.api_key", "")

	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.sqlite.path", "./data/remindrelay.db")
	v.SetDefault("storage.postgres.dsn", "")
	v.SetDefault("storage.postgres.max_open_conns", 10)

	v.SetDefault("delivery.workers", 5)
	v.SetDefault("delivery.queue_size", 100)
	v.SetDefault("delivery.batch_size", 100)
	v.SetDefault("delivery.poll_interval", 10*time.Second)
	v.SetDefault("delivery.max_attempts", 10)
	v.SetDefault("delivery.base_delay", 5*time.Minute)
	v.SetDefault("delivery.max_delay", 12*time.Hour)
	v.SetDefault("delivery.jitter", 0.15)
	v.SetDefault("delivery.stale_after", 15*time.Minute)
	v.SetDefault("delivery.expire_after", 0)

	v.SetDefault("breaker.threshold", 5)
	v.SetDefault("breaker.reset_timeout", 60*time.Second)

	v.SetDefault("health.min_sample", 20)
	v.SetDefault("health.min_success_rate", 0.90)
	v.SetDefault("health.max_category_share", 0.10)
	v.SetDefault("health.store_error_window", 5*time.Minute)
	v.SetDefault("health.duration_window", 256)

	v.SetDefault("platforms.telegram.enabled", false)
	v.SetDefault("platforms.telegram.token", "")
	v.SetDefault("platforms.telegram.rate_limit", 30)
	v.SetDefault("platforms.telegram.timeout", 15*time.Second)
	v.SetDefault("platforms.whatsapp.enabled", false)
	v.SetDefault("platforms.whatsapp.url", "")
	v.SetDefault("platforms.whatsapp.token", "")
	v.SetDefault("platforms.whatsapp.secret", "")
	v.SetDefault("platforms.whatsapp.rate_limit", 20)
	v.SetDefault("platforms.whatsapp.timeout", 15*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("alerting.sentry_dsn", "")
	v.SetDefault("alerting.environment", "production")

	v.SetDefault("events.amqp_url", "")
	v.SetDefault("events.exchange", "remindrelay.events")

	v.SetDefault("cache.redis_addr", "")
	v.SetDefault("cache.password", "")
	v.SetDefault("cache.db", 0)
	v.SetDefault("cache.ttl", 7*24*time.Hour)
}

func (c *Config) Validate() error {
	var errs []error

	switch c.Storage.Driver {
	case "sqlite":
		if c.Storage.SQLite.Path == "" {
			errs = append(errs, errors.New("storage.sqlite.path is required"))
		}
	case "postgres":
		if c.Storage.Postgres.DSN == "" {
			errs = append(errs, errors.New("storage.postgres.dsn is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported storage driver: %q", c.Storage.Driver))
	}

	d := c.Delivery
	if d.Workers < 1 {
		errs = append(errs, errors.New("delivery.workers must be >= 1"))
	}
	if d.QueueSize < 1 {
		errs = append(errs, errors.New("delivery.queue_size must be >= 1"))
	}
	if d.BatchSize < 1 {
		errs = append(errs, errors.New("delivery.batch_size must be >= 1"))
	}
	if d.PollInterval <= 0 {
		errs = append(errs, errors.New("delivery.poll_interval must be positive"))
	}
	if d.MaxAttempts < 1 {
		errs = append(errs, errors.New("delivery.max_attempts must be >= 1"))
	}
	if d.BaseDelay <= 0 || d.MaxDelay < d.BaseDelay {
		errs = append(errs, errors.New("delivery.base_delay must be positive and <= delivery.max_delay"))
	}
	if d.Jitter < 0 || d.Jitter >= 1 {
		errs = append(errs, errors.New("delivery.jitter must be in [0, 1)"))
	}
	if d.StaleAfter <= 0 {
		errs = append(errs, errors.New("delivery.stale_after must be positive"))
	}
	if d.ExpireAfter < 0 {
		errs = append(errs, errors.New("delivery.expire_after must not be negative"))
	}

	if c.Breaker.Threshold < 1 {
		errs = append(errs, errors.New("breaker.threshold must be >= 1"))
	}
	if c.Breaker.ResetTimeout <= 0 {
		errs = append(errs, errors.New("breaker.reset_timeout must be positive"))
	}

	h := c.Health
	if h.MinSuccessRate < 0 || h.MinSuccessRate > 1 {
		errs = append(errs, errors.New("health.min_success_rate must be in [0, 1]"))
	}
	if h.MaxCategoryShare < 0 || h.MaxCategoryShare > 1 {
		errs = append(errs, errors.New("health.max_category_share must be in [0, 1]"))
	}
	if h.DurationWindow < 1 {
		errs = append(errs, errors.New("health.duration_window must be >= 1"))
	}

	if tg := c.Platforms.Telegram; tg.Enabled && tg.Token == "" {
		errs = append(errs, errors.New("platforms.telegram.token is required when telegram is enabled"))
	}
	if wa := c.Platforms.WhatsApp; wa.Enabled && wa.URL == "" {
		errs = append(errs, errors.New("platforms.whatsapp.url is required when whatsapp is enabled"))
	}

	switch c.Logging.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("unsupported logging format: %q", c.Logging.Format))
	}

	return errors.Join(errs...)
}
