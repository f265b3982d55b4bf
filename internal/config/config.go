// Package config loads client settings from livechat.yaml and LIVECHAT_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/and161185/livechat/internal/crypto"
	"github.com/and161185/livechat/internal/model"
	"github.com/spf13/viper"
)

// Config is the resolved client configuration.
type Config struct {
	Store struct {
		Driver  string        `mapstructure:"driver"`
		Path    string        `mapstructure:"path"`
		DSN     string        `mapstructure:"dsn"`
		Timeout time.Duration `mapstructure:"timeout"`
	} `mapstructure:"store"`
	Auth struct {
		SigningKey string        `mapstructure:"signing_key"`
		SessionTTL time.Duration `mapstructure:"session_ttl"`
	} `mapstructure:"auth"`
	Subscriber struct {
		MaxBackoff time.Duration `mapstructure:"max_backoff"`
	} `mapstructure:"subscriber"`
	Chat struct {
		Window    int           `mapstructure:"window"`
		GroupGap  time.Duration `mapstructure:"group_gap"`
		SendRate  float64       `mapstructure:"send_rate"`
		SendBurst int           `mapstructure:"send_burst"`
	} `mapstructure:"chat"`
	Login struct {
		MaxFailures int           `mapstructure:"max_failures"`
		Window      time.Duration `mapstructure:"window"`
		BlockFor    time.Duration `mapstructure:"block_for"`
	} `mapstructure:"login"`
	Metrics struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"metrics"`
	Tenants []model.Tenant `mapstructure:"tenants"`
}

const (
	DriverBolt     = "bolt"
	DriverPostgres = "postgres"
)

// DefaultTenants is used when the configuration lists none.
var DefaultTenants = []model.Tenant{
	{ID: "main", Name: "Main", Description: "General community server", Color: "#5865F2"},
	{ID: "dev", Name: "Developers", Description: "Engineering chat", Color: "#57F287"},
}

// Load reads file when set, otherwise searches livechat.yaml in the working
// directory and in dir. A missing file is not an error.
func Load(file, dir string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("LIVECHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for _, k := range []string{
		"store.driver", "store.path", "store.dsn", "store.timeout",
		"auth.signing_key", "auth.session_ttl",
		"subscriber.max_backoff",
		"chat.window", "chat.group_gap", "chat.send_rate", "chat.send_burst",
		"login.max_failures", "login.window", "login.block_for",
		"metrics.addr",
	} {
		if err := v.BindEnv(k); err != nil {
			return nil, fmt.Errorf("bind %s: %w", k, err)
		}
	}

	v.SetDefault("store.driver", DriverBolt)
	v.SetDefault("store.path", filepath.Join(dir, "livechat.db"))
	v.SetDefault("store.timeout", 10*time.Second)
	v.SetDefault("auth.session_ttl", 24*time.Hour)
	v.SetDefault("subscriber.max_backoff", 30*time.Second)
	v.SetDefault("chat.window", 100)
	v.SetDefault("chat.group_gap", 5*time.Minute)
	v.SetDefault("chat.send_rate", 2.0)
	v.SetDefault("chat.send_burst", 5)
	v.SetDefault("login.max_failures", 5)
	v.SetDefault("login.window", 15*time.Minute)
	v.SetDefault("login.block_for", 15*time.Minute)

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("livechat")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if dir != "" {
			v.AddConfigPath(dir)
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if len(cfg.Tenants) == 0 {
		cfg.Tenants = append([]model.Tenant(nil), DefaultTenants...)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the values that cannot be defaulted.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case DriverBolt:
		if c.Store.Path == "" {
			return errors.New("config: store.path is required for the bolt driver")
		}
	case DriverPostgres:
		if c.Store.DSN == "" {
			return errors.New("config: store.dsn is required for the postgres driver (LIVECHAT_STORE_DSN)")
		}
	default:
		return fmt.Errorf("config: unknown store.driver %q", c.Store.Driver)
	}
	if c.Chat.Window <= 0 {
		return fmt.Errorf("config: chat.window must be positive, got %d", c.Chat.Window)
	}
	seen := map[string]bool{}
	for _, t := range c.Tenants {
		if t.ID == "" {
			return errors.New("config: tenant without id")
		}
		if seen[t.ID] {
			return fmt.Errorf("config: duplicate tenant %q", t.ID)
		}
		seen[t.ID] = true
	}
	return nil
}

// Tenant looks a tenant up by id.
func (c *Config) Tenant(id string) (model.Tenant, bool) {
	for _, t := range c.Tenants {
		if t.ID == id {
			return t, true
		}
	}
	return model.Tenant{}, false
}

// SigningKey returns the configured key, or a per-installation key persisted
// under dir when none is set.
func (c *Config) SigningKey(dir string) ([]byte, error) {
	if c.Auth.SigningKey != "" {
		return []byte(c.Auth.SigningKey), nil
	}
	name := filepath.Join(dir, "signing.key")
	if b, err := os.ReadFile(name); err == nil && len(b) > 0 {
		return b, nil
	}
	key, err := crypto.RandBytes(32)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	if err := os.WriteFile(name, key, 0o600); err != nil {
		return nil, err
	}
	return key, nil
}
