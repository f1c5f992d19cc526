// Package config loads genwatch settings from a .env file, GENWATCH_*
// environment variables and an optional config file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const EnvPrefix = "GENWATCH"

type Config struct {
	API    APIConfig    `mapstructure:"api" validate:"required"`
	Poll   PollConfig   `mapstructure:"poll" validate:"required"`
	Cache  CacheConfig  `mapstructure:"cache" validate:"required"`
	Notify NotifyConfig `mapstructure:"notify"`
	Log    LogConfig    `mapstructure:"log" validate:"required"`
	Server ServerConfig `mapstructure:"server" validate:"required"`
}

// APIConfig points the client at the job service.
type APIConfig struct {
	BaseURL string        `mapstructure:"base_url" validate:"required,url"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout" validate:"gt=0"`
}

type PollConfig struct {
	Interval time.Duration `mapstructure:"interval" validate:"gt=0"`
	Timeout  time.Duration `mapstructure:"timeout" validate:"gte=0"`
}

type CacheConfig struct {
	Backend    string        `mapstructure:"backend" validate:"oneof=memory redis sqlite"`
	RedisAddr  string        `mapstructure:"redis_addr" validate:"required_if=Backend redis"`
	SQLitePath string        `mapstructure:"sqlite_path" validate:"required_if=Backend sqlite"`
	TTL        time.Duration `mapstructure:"ttl" validate:"gt=0"`
}

// NotifyConfig enables e-mail notifications when both an API key and a
// recipient are set.
type NotifyConfig struct {
	SendGridAPIKey string `mapstructure:"sendgrid_api_key"`
	FromName       string `mapstructure:"from_name"`
	FromAddress    string `mapstructure:"from_address" validate:"omitempty,email"`
	To             string `mapstructure:"to" validate:"omitempty,email"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=text json"`
}

type ServerConfig struct {
	Port        int    `mapstructure:"port" validate:"gt=0,lt=65536"`
	RedisAddr   string `mapstructure:"redis_addr" validate:"required"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
	Workers     int    `mapstructure:"workers" validate:"gt=0"`
}

var defaults = map[string]any{
	"api.base_url": "http://localhost:8080",
	"api.token":    "",
	"api.timeout":  30 * time.Second,

	"poll.interval": 3 * time.Second,
	"poll.timeout":  10 * time.Second,

	"cache.backend":     "sqlite",
	"cache.redis_addr":  "localhost:6379",
	"cache.sqlite_path": defaultSQLitePath(),
	"cache.ttl":         24 * time.Hour,

	"notify.sendgrid_api_key": "",
	"notify.from_name":        "genwatch",
	"notify.from_address":     "",
	"notify.to":               "",

	"log.level":  "info",
	"log.format": "text",

	"server.port":         8080,
	"server.redis_addr":   "localhost:6379",
	"server.postgres_dsn": "",
	"server.workers":      2,
}

// Load reads configuration. Environment variables take precedence over the
// config file, which takes precedence over defaults. configFile may be empty.
func Load(configFile string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}

func defaultSQLitePath() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "genwatch", "cache.db")
}
