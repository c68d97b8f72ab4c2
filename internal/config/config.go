package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. RESPONDER_WEB_PORT.
const EnvPrefix = "RESPONDER"

type Config struct {
	Path                   string        `mapstructure:"-"`
	StatePath              string        `mapstructure:"state_path"`
	WebPort                int           `mapstructure:"web_port"`
	WebBind                string        `mapstructure:"web_bind"`
	WebToken               string        `mapstructure:"web_token"`
	LogLevel               string        `mapstructure:"log_level"`
	ActionLogRetentionDays int           `mapstructure:"action_log_retention_days"`
	Agent                  AgentConfig   `mapstructure:"agent"`
	Email                  EmailSection  `mapstructure:"email"`
	ShutdownGrace          time.Duration `mapstructure:"shutdown_grace"`
}

// AgentConfig describes the command that turns an inbound message into reply text.
type AgentConfig struct {
	Command string        `mapstructure:"command"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// EmailSection mirrors the on-disk layout: named accounts plus top-level
// fields that describe the implicit default account. The top-level enabled
// flag switches the whole channel.
type EmailSection struct {
	Accounts      map[string]AccountConfig `mapstructure:"accounts"`
	AccountConfig `mapstructure:",squash"`
}

// DefaultPath returns the config file used when none is given.
func DefaultPath() string {
	if p := os.Getenv(EnvPrefix + "_CONFIG"); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "responder.yaml"
	}
	return filepath.Join(home, ".config", "inbox-responder", "config.yaml")
}

// Load reads the YAML config at path. A .env file in the working directory is
// loaded first so credential references like env:IMAP_PASSWORD resolve.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	if path == "" {
		path = DefaultPath()
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("state_path", "responder.db")
	v.SetDefault("web_port", 8080)
	v.SetDefault("web_bind", "127.0.0.1")
	v.SetDefault("log_level", "info")
	v.SetDefault("action_log_retention_days", 30)
	v.SetDefault("agent.timeout", 2*time.Minute)
	v.SetDefault("shutdown_grace", 10*time.Second)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	cfg.Path = path

	if cfg.StatePath != "" && !filepath.IsAbs(cfg.StatePath) {
		cfg.StatePath = filepath.Join(filepath.Dir(path), cfg.StatePath)
	}

	return cfg, nil
}
