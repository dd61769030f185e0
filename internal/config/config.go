package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Telegram TelegramConfig `yaml:"telegram"`
	Database DatabaseConfig `yaml:"database"`
	AMQP     AMQPConfig     `yaml:"amqp"`
	Proxy    ProxyConfig    `yaml:"proxy"`
	LogLevel string         `yaml:"log_level"`
}

// ProxyConfig steers proxy pool selection. DefaultRegion is the pool used
// for phone numbers that cannot be geolocated.
type ProxyConfig struct {
	DefaultRegion string `yaml:"default_region"`
}

type TelegramConfig struct {
	APIID      int    `yaml:"api_id"`
	APIHash    string `yaml:"api_hash"`
	SessionDir string `yaml:"session_dir"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AMQPConfig configures the notification queue. Leaving URL empty disables
// queue delivery; notifications are then only logged.
type AMQPConfig struct {
	URL   string `yaml:"url"`
	Queue string `yaml:"queue"`
}

func Dir() string {
	cfgDir, err := os.UserConfigDir()
	if err != nil {
		cfgDir = filepath.Join(os.Getenv("HOME"), ".config")
	}
	return filepath.Join(cfgDir, "tgsentinel")
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Telegram.SessionDir == "" {
		cfg.Telegram.SessionDir = filepath.Join(Dir(), "sessions")
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = filepath.Join(Dir(), "tgsentinel.db")
	}
	if cfg.AMQP.Queue == "" {
		cfg.AMQP.Queue = "notifications"
	}

	return &cfg, nil
}
