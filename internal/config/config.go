// Package config loads settings from a YAML file, NEARBY_* environment
// variables and built-in defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Remote        RemoteConfig        `mapstructure:"remote"`
	Cache         CacheConfig         `mapstructure:"cache"`
	Feed          FeedConfig          `mapstructure:"feed"`
	Conversation  ConversationConfig  `mapstructure:"conversation"`
	Geo           GeoConfig           `mapstructure:"geo"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	Logging       LoggingConfig       `mapstructure:"logging"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

type RemoteConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	Token     string        `mapstructure:"token"`
	Timeout   time.Duration `mapstructure:"timeout"`
	GeoRSSURL string        `mapstructure:"georss_url"` // optional read-only feed source
}

type CacheConfig struct {
	Driver        string `mapstructure:"driver"`
	Path          string `mapstructure:"path"` // For SQLite
	DSN           string `mapstructure:"dsn"`  // For Postgres
	SchemaVersion string `mapstructure:"schema_version"`
	Pages         int    `mapstructure:"pages"`
}

type FeedConfig struct {
	PageSize      int           `mapstructure:"page_size"`
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
}

type ConversationConfig struct {
	PageSize     int           `mapstructure:"page_size"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

type GeoConfig struct {
	Timeout      time.Duration `mapstructure:"timeout"`
	HighAccuracy bool          `mapstructure:"high_accuracy"`
	MaximumAge   time.Duration `mapstructure:"maximum_age"`
}

type NotificationsConfig struct {
	Attempts   int           `mapstructure:"attempts"`
	RetryDelay time.Duration `mapstructure:"retry_delay"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", "127.0.0.1:8787")
	v.SetDefault("remote.base_url", "http://localhost:8080")
	v.SetDefault("remote.timeout", 15*time.Second)
	v.SetDefault("cache.driver", "sqlite")
	v.SetDefault("cache.path", "nearby.db")
	v.SetDefault("cache.schema_version", "v1.1")
	v.SetDefault("cache.pages", 2)
	v.SetDefault("feed.page_size", 20)
	v.SetDefault("feed.probe_interval", 30*time.Second)
	v.SetDefault("conversation.page_size", 50)
	v.SetDefault("conversation.poll_interval", 5*time.Second)
	v.SetDefault("geo.timeout", 10*time.Second)
	v.SetDefault("geo.high_accuracy", true)
	v.SetDefault("geo.maximum_age", time.Duration(0))
	v.SetDefault("notifications.attempts", 5)
	v.SetDefault("notifications.retry_delay", time.Second)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// LoadConfig reads path, if non-empty, and overlays NEARBY_* environment
// variables on the defaults.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("NEARBY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	switch c.Cache.Driver {
	case "sqlite", "":
		if c.Cache.Path == "" {
			return errors.New("config: cache.path is required for sqlite")
		}
	case "postgres":
		if c.Cache.DSN == "" {
			return errors.New("config: cache.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("config: unsupported cache.driver %q", c.Cache.Driver)
	}
	if c.Remote.BaseURL == "" {
		return errors.New("config: remote.base_url is required")
	}
	if c.Cache.SchemaVersion == "" {
		return errors.New("config: cache.schema_version must not be empty")
	}
	if c.Feed.PageSize <= 0 || c.Conversation.PageSize <= 0 {
		return errors.New("config: page sizes must be positive")
	}
	if c.Feed.ProbeInterval <= 0 || c.Conversation.PollInterval <= 0 {
		return errors.New("config: poll intervals must be positive")
	}
	return nil
}
