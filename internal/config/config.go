package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"pricefeed/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Sources   SourcesConfig   `mapstructure:"sources"`
	Failover  FailoverConfig  `mapstructure:"failover"`
	Extrema   ExtremaConfig   `mapstructure:"extrema"`
	Publisher PublisherConfig `mapstructure:"publisher"`
	History   HistoryConfig   `mapstructure:"history"`
	Export    ExportConfig    `mapstructure:"export"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates persistence settings. Driver is "postgres" or
// "memory".
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	EnsureSchema    bool          `mapstructure:"ensure_schema"`
}

// HTTPConfig configures the admin/storefront API.
type HTTPConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Addr            string        `mapstructure:"addr"`
	Mode            string        `mapstructure:"mode"`
	AdminToken      string        `mapstructure:"admin_token"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// SourcesConfig holds both upstream feeds.
type SourcesConfig struct {
	Primary  SourceConfig `mapstructure:"primary"`
	Fallback SourceConfig `mapstructure:"fallback"`
}

// SourceConfig describes one upstream feed.
type SourceConfig struct {
	URL              string            `mapstructure:"url"`
	Interval         time.Duration     `mapstructure:"interval"`
	Timeout          time.Duration     `mapstructure:"timeout"`
	FailureThreshold int               `mapstructure:"failure_threshold"`
	UserAgent        string            `mapstructure:"user_agent"`
	Headers          map[string]string `mapstructure:"headers"`
}

// FailoverConfig seeds the failover state machine.
type FailoverConfig struct {
	CheckInterval     time.Duration `mapstructure:"check_interval"`
	StaleAfterSeconds int           `mapstructure:"stale_after_seconds"`
	AutoFallback      bool          `mapstructure:"auto_fallback"`
	DefaultSource     string        `mapstructure:"default_source"`
}

// ExtremaConfig sets the calendar used for the daily reset.
type ExtremaConfig struct {
	Timezone string `mapstructure:"timezone"`
}

// PublisherConfig tunes fan-out.
type PublisherConfig struct {
	SubscriberBuffer int           `mapstructure:"subscriber_buffer"`
	QueueSize        int           `mapstructure:"queue_size"`
	PersistTimeout   time.Duration `mapstructure:"persist_timeout"`
}

// HistoryConfig enables periodic price sampling.
type HistoryConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// AlertingConfig defines notification routing.
type AlertingConfig struct {
	Telegram TelegramConfig `mapstructure:"telegram"`
	Push     PushConfig     `mapstructure:"push"`
}

// TelegramConfig 描述 Telegram 运维通知参数。
type TelegramConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	BotToken string        `mapstructure:"bot_token"`
	ChatID   string        `mapstructure:"chat_id"`
	APIBase  string        `mapstructure:"api_base"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// PushConfig describes the device push gateway.
type PushConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	URL       string        `mapstructure:"url"`
	ServerKey string        `mapstructure:"server_key"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// RedisConfig enables the cross-process snapshot mirror.
type RedisConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	LatestKey string `mapstructure:"latest_key"`
	Channel   string `mapstructure:"channel"`
}

// MetricsConfig toggles the /metrics endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PRICEFEED")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "pricefeed")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.advisory_lock_key", int64(0x70726963))
	v.SetDefault("database.ensure_schema", true)

	v.SetDefault("http.enabled", true)
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.mode", "release")
	v.SetDefault("http.shutdown_timeout", "10s")

	v.SetDefault("sources.primary.interval", "5s")
	v.SetDefault("sources.primary.timeout", "10s")
	v.SetDefault("sources.primary.failure_threshold", 5)
	v.SetDefault("sources.primary.user_agent", "pricefeed/1.0")
	v.SetDefault("sources.fallback.interval", "30s")
	v.SetDefault("sources.fallback.timeout", "10s")
	v.SetDefault("sources.fallback.failure_threshold", 5)
	v.SetDefault("sources.fallback.user_agent", "pricefeed/1.0")

	v.SetDefault("failover.check_interval", "10s")
	v.SetDefault("failover.stale_after_seconds", 60)
	v.SetDefault("failover.auto_fallback", true)
	v.SetDefault("failover.default_source", "primary")

	v.SetDefault("extrema.timezone", "Local")

	v.SetDefault("publisher.subscriber_buffer", 16)
	v.SetDefault("publisher.queue_size", 64)
	v.SetDefault("publisher.persist_timeout", "5s")

	v.SetDefault("history.enabled", true)
	v.SetDefault("history.interval", "1m")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.telegram.timeout", "10s")
	v.SetDefault("alerting.push.enabled", false)
	v.SetDefault("alerting.push.url", "https://fcm.googleapis.com/fcm/send")
	v.SetDefault("alerting.push.timeout", "10s")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.latest_key", "pricefeed:latest")
	v.SetDefault("redis.channel", "pricefeed:prices")

	v.SetDefault("metrics.enabled", true)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	case "memory":
	default:
		return fmt.Errorf("database.driver must be postgres or memory, got %q", c.Database.Driver)
	}

	for name, src := range map[string]SourceConfig{"primary": c.Sources.Primary, "fallback": c.Sources.Fallback} {
		if src.URL == "" {
			return fmt.Errorf("sources.%s.url is required", name)
		}
		if _, err := url.ParseRequestURI(src.URL); err != nil {
			return fmt.Errorf("sources.%s.url: %w", name, err)
		}
		if src.Interval <= 0 || src.Timeout <= 0 {
			return fmt.Errorf("sources.%s interval and timeout must be greater than zero", name)
		}
		if src.FailureThreshold <= 0 {
			return fmt.Errorf("sources.%s.failure_threshold must be greater than zero", name)
		}
	}

	if c.Failover.CheckInterval <= 0 {
		return fmt.Errorf("failover.check_interval must be greater than zero")
	}
	if c.Failover.StaleAfterSeconds <= 0 {
		return fmt.Errorf("failover.stale_after_seconds must be greater than zero")
	}
	if c.Failover.DefaultSource != "primary" && c.Failover.DefaultSource != "fallback" {
		return fmt.Errorf("failover.default_source must be primary or fallback")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if c.Publisher.PersistTimeout <= 0 {
		return fmt.Errorf("publisher.persist_timeout must be greater than zero")
	}
	if c.History.Enabled && c.History.Interval <= 0 {
		return fmt.Errorf("history.interval must be greater than zero")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	if c.Alerting.Push.Enabled {
		if c.Alerting.Push.URL == "" || c.Alerting.Push.ServerKey == "" {
			return fmt.Errorf("alerting.push.url and alerting.push.server_key are required when push is enabled")
		}
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when redis is enabled")
	}
	return nil
}

// Location resolves the extrema calendar timezone.
func (c *Config) Location() (*time.Location, error) {
	tz := c.Extrema.Timezone
	if tz == "" || strings.EqualFold(tz, "local") {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("extrema.timezone: %w", err)
	}
	return loc, nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
