// Package config loads the configuration of the tasksync command.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/erennakbas/tasksync"
)

// EnvPrefix is the prefix of environment variables read by Load.
const EnvPrefix = "TASKSYNC"

// Config is the full configuration of the command.
type Config struct {
	Parse    ParseConfig    `mapstructure:"parse"`
	Sync     SyncConfig     `mapstructure:"sync"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	UI       UIConfig       `mapstructure:"ui"`
	Log      LogConfig      `mapstructure:"log"`
}

// ParseConfig locates the remote Parse server.
type ParseConfig struct {
	ServerURL     string `mapstructure:"server_url"`
	ApplicationID string `mapstructure:"application_id"`
	RESTAPIKey    string `mapstructure:"rest_api_key"`
	SessionToken  string `mapstructure:"session_token"`
	ClassName     string `mapstructure:"class_name"`
}

// SyncConfig tunes the synchronization client.
type SyncConfig struct {
	Concurrency  int           `mapstructure:"concurrency"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
	RetryBase    time.Duration `mapstructure:"retry_base"`
	RetryMax     time.Duration `mapstructure:"retry_max"`
	CallTimeout  time.Duration `mapstructure:"call_timeout"`
	FlushTimeout time.Duration `mapstructure:"flush_timeout"`
}

// RedisConfig enables the operation journal when Addr is set.
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	Namespace string `mapstructure:"namespace"`
}

// PostgresConfig enables the snapshot store when DSN is set.
type PostgresConfig struct {
	DSN     string `mapstructure:"dsn"`
	Migrate bool   `mapstructure:"migrate"`
}

// UIConfig configures the dashboard of the serve command.
type UIConfig struct {
	Addr          string `mapstructure:"addr"`
	AllowedOrigin string `mapstructure:"allowed_origin"`
}

// LogConfig configures logrus.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("parse.server_url", "https://parseapi.back4app.com")
	v.SetDefault("parse.application_id", "")
	v.SetDefault("parse.rest_api_key", "")
	v.SetDefault("parse.session_token", "")
	v.SetDefault("parse.class_name", "Task")

	v.SetDefault("sync.concurrency", tasksync.DefaultConcurrency)
	v.SetDefault("sync.max_attempts", tasksync.DefaultMaxAttempts)
	v.SetDefault("sync.retry_base", tasksync.DefaultRetryBaseDuration)
	v.SetDefault("sync.retry_max", tasksync.DefaultRetryMaxDuration)
	v.SetDefault("sync.call_timeout", tasksync.DefaultCallTimeout)
	v.SetDefault("sync.flush_timeout", 15*time.Second)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.namespace", "default")

	v.SetDefault("postgres.dsn", "")
	v.SetDefault("postgres.migrate", true)

	v.SetDefault("ui.addr", ":8080")
	v.SetDefault("ui.allowed_origin", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load reads .env, then the optional config file, then TASKSYNC_* environment
// variables (e.g. TASKSYNC_PARSE_APPLICATION_ID), later sources winning.
// An empty path looks for tasksync.yaml in the working directory.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("tasksync")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	return cfg, nil
}

// Validate checks the settings required to reach the remote store.
func (c *Config) Validate() error {
	if c.Parse.ServerURL == "" {
		return errors.New("parse.server_url is required")
	}
	if c.Parse.ApplicationID == "" {
		return errors.New("parse.application_id is required (TASKSYNC_PARSE_APPLICATION_ID)")
	}
	if c.Sync.Concurrency <= 0 {
		return fmt.Errorf("sync.concurrency must be positive, got %d", c.Sync.Concurrency)
	}
	if c.Sync.MaxAttempts <= 0 {
		return fmt.Errorf("sync.max_attempts must be positive, got %d", c.Sync.MaxAttempts)
	}
	return nil
}

// NewLogger builds a logrus logger from the log settings.
func (c LogConfig) NewLogger() (*logrus.Logger, error) {
	logger := logrus.New()

	level, err := logrus.ParseLevel(c.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", c.Level, err)
	}
	logger.SetLevel(level)

	switch c.Format {
	case "", "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, fmt.Errorf("invalid log format %q", c.Format)
	}

	logger.SetOutput(os.Stderr)
	return logger, nil
}
