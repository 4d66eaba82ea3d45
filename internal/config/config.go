// Package config loads intermail settings from defaults, an optional config
// file, a .env file and INTERMAIL_* environment variables, in rising order
// of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. INTERMAIL_STORE_PATH.
const EnvPrefix = "INTERMAIL"

type Config struct {
	Store        StoreConfig        `mapstructure:"store"`
	Server       ServerConfig       `mapstructure:"server"`
	Retention    RetentionConfig    `mapstructure:"retention"`
	Reservations ReservationsConfig `mapstructure:"reservations"`
	Messages     MessagesConfig     `mapstructure:"messages"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Auth         AuthConfig         `mapstructure:"auth"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
}

type StoreConfig struct {
	Path        string        `mapstructure:"path"`
	BusyTimeout time.Duration `mapstructure:"busy_timeout"`
	// SlowQuery is the duration at which a statement is logged at warn.
	SlowQuery time.Duration `mapstructure:"slow_query"`
}

type ServerConfig struct {
	Addr       string `mapstructure:"addr"`
	SocketPath string `mapstructure:"socket_path"`
}

type RetentionConfig struct {
	// Days is the purge horizon. Zero or less only expires reservations.
	Days     int           `mapstructure:"days"`
	Interval time.Duration `mapstructure:"interval"`
}

type ReservationsConfig struct {
	DefaultTTL time.Duration `mapstructure:"default_ttl"`
}

type MessagesConfig struct {
	// AckPolicy is "overwrite" or "write_once".
	AckPolicy string `mapstructure:"ack_policy"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type AuthConfig struct {
	KeysFile string `mapstructure:"keys_file"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			Path:        "intermail.db",
			BusyTimeout: 5 * time.Second,
			SlowQuery:   100 * time.Millisecond,
		},
		Server: ServerConfig{
			Addr: "127.0.0.1:8765",
		},
		Retention: RetentionConfig{
			Days:     30,
			Interval: time.Hour,
		},
		Reservations: ReservationsConfig{
			DefaultTTL: time.Hour,
		},
		Messages: MessagesConfig{
			AckPolicy: "overwrite",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Auth: AuthConfig{
			KeysFile: "intermail.keys.yaml",
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// SetDefaults registers every key with its default so that environment
// overrides are visible to Unmarshal.
func SetDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("store.path", d.Store.Path)
	v.SetDefault("store.busy_timeout", d.Store.BusyTimeout)
	v.SetDefault("store.slow_query", d.Store.SlowQuery)

	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.socket_path", d.Server.SocketPath)

	v.SetDefault("retention.days", d.Retention.Days)
	v.SetDefault("retention.interval", d.Retention.Interval)

	v.SetDefault("reservations.default_ttl", d.Reservations.DefaultTTL)

	v.SetDefault("messages.ack_policy", d.Messages.AckPolicy)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)

	v.SetDefault("auth.keys_file", d.Auth.KeysFile)

	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
}

// NewViper builds a viper instance with defaults and environment binding.
// When configFile is empty, ./intermail.yaml is read if it exists.
func NewViper(configFile string) (*viper.Viper, error) {
	// .env is optional
	_ = godotenv.Load()

	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configFile, err)
		}
		return v, nil
	}

	v.SetConfigName("intermail")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return v, nil
}

// Load reads the configuration from v into a Config and validates it.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, errs
	}
	return &cfg, nil
}
