// Package config loads radar configuration from a YAML file and environment
// variables. Priority: ENV > YAML > defaults (via env-default tags).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config is the full radar configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Chat    ChatConfig    `yaml:"chat"`
	Storage StorageConfig `yaml:"storage"`
	Queue   QueueConfig   `yaml:"queue"`
	Expiry  ExpiryConfig  `yaml:"expiry"`
	Log     LogConfig     `yaml:"log"`
}

type ServerConfig struct {
	Port  int    `yaml:"port"  env:"RADAR_PORT"      env-default:"4300"`
	Token string `yaml:"token" env:"RADAR_API_TOKEN"`
}

// ChatConfig points at the external chat agent. An empty BaseURL means the
// chat surface is unavailable; callers must treat that as fatal before any
// turn is attempted.
type ChatConfig struct {
	BaseURL string `yaml:"base_url" env:"RADAR_CHAT_URL"`
}

type StorageConfig struct {
	DataDir string `yaml:"data_dir" env:"RADAR_DATA_DIR"`
}

type QueueConfig struct {
	Topic      string `yaml:"topic"       env:"RADAR_QUEUE_TOPIC" env-default:"found-item-work"`
	MatcherURL string `yaml:"matcher_url" env:"RADAR_MATCHER_URL"`
}

type ExpiryConfig struct {
	At      string `yaml:"at"       env:"RADAR_EXPIRY_AT" env-default:"03:00"`
	ItemTTL string `yaml:"item_ttl" env:"RADAR_ITEM_TTL"  env-default:"720h"`

	// Parsed from At and ItemTTL by Load.
	Hour   int           `yaml:"-"`
	Minute int           `yaml:"-"`
	TTL    time.Duration `yaml:"-"`
}

type LogConfig struct {
	Level string `yaml:"level" env:"RADAR_LOG_LEVEL" env-default:"info"`
}

// Load reads configuration from the file at RADAR_CONFIG (fallback
// "./radar.yaml") plus environment variables. A missing file is only an
// error when RADAR_CONFIG named it explicitly.
func Load() (*Config, error) {
	var cfg Config

	path := os.Getenv("RADAR_CONFIG")
	explicitPath := path != ""
	if !explicitPath {
		path = "./radar.yaml"
	}

	if _, err := os.Stat(path); err == nil {
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	} else if explicitPath {
		return nil, fmt.Errorf("config: file %s: %w", path, err)
	} else {
		if err := cleanenv.ReadEnv(&cfg); err != nil {
			return nil, fmt.Errorf("config: read env: %w", err)
		}
	}

	if err := cfg.finish(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &cfg, nil
}

// finish validates raw fields and fills the parsed ones.
func (c *Config) finish() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Server.Port)
	}

	at, err := time.Parse("15:04", c.Expiry.At)
	if err != nil {
		return fmt.Errorf("invalid expiry time %q (want HH:MM): %w", c.Expiry.At, err)
	}
	c.Expiry.Hour = at.Hour()
	c.Expiry.Minute = at.Minute()

	ttl, err := time.ParseDuration(c.Expiry.ItemTTL)
	if err != nil {
		return fmt.Errorf("invalid item TTL %q: %w", c.Expiry.ItemTTL, err)
	}
	if ttl <= 0 {
		return fmt.Errorf("item TTL must be positive, got %s", ttl)
	}
	c.Expiry.TTL = ttl

	if c.Storage.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("resolving home directory: %w", err)
		}
		c.Storage.DataDir = filepath.Join(home, ".radar")
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level %q", c.Log.Level)
	}

	return nil
}
