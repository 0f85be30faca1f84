// Package config loads service configuration from the environment.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/open-rails/activitykit/vault"
)

// Config holds everything the service needs to start.
type Config struct {
	Host string `env:"HOST" envDefault:"0.0.0.0"`
	Port int    `env:"PORT" envDefault:"8080"`

	DatabaseURL string `env:"DATABASE_URL"`
	RedisAddr   string `env:"REDIS_ADDR"`

	DiscordClientID     string `env:"DISCORD_CLIENT_ID"`
	DiscordClientSecret string `env:"DISCORD_CLIENT_SECRET"`
	DiscordRedirectURI  string `env:"DISCORD_REDIRECT_URI"`
	DiscordBotToken     string `env:"DISCORD_BOT_TOKEN"`
	PremiumSKUID        int64  `env:"PREMIUM_SKU_ID"`

	JWTSecret     string        `env:"JWT_SECRET"`
	SessionTTL    time.Duration `env:"SESSION_TTL" envDefault:"1h"`
	EncryptionKey string        `env:"ENCRYPTION_KEY"`

	ProviderTimeout time.Duration `env:"PROVIDER_TIMEOUT" envDefault:"30s"`
	StateTTL        time.Duration `env:"STATE_TTL" envDefault:"10m"`

	// Cron expression for the background entitlement re-sync sweep.
	SyncSchedule string `env:"SYNC_SCHEDULE" envDefault:"*/15 * * * *"`
	SyncBatch    int    `env:"SYNC_BATCH" envDefault:"100"`
}

// Load parses the environment and validates required values.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch {
	case c.DiscordClientID == "":
		return errors.New("config: DISCORD_CLIENT_ID is required")
	case c.DiscordClientSecret == "":
		return errors.New("config: DISCORD_CLIENT_SECRET is required")
	case c.DiscordRedirectURI == "":
		return errors.New("config: DISCORD_REDIRECT_URI is required")
	case c.JWTSecret == "":
		return errors.New("config: JWT_SECRET is required")
	case c.EncryptionKey == "":
		return errors.New("config: ENCRYPTION_KEY is required")
	}
	if _, err := c.VaultKey(); err != nil {
		return err
	}
	return nil
}

// VaultKey decodes ENCRYPTION_KEY from base64 and checks its length.
func (c *Config) VaultKey() ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(c.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("config: ENCRYPTION_KEY is not valid base64: %w", err)
	}
	if len(key) != vault.KeySize {
		return nil, fmt.Errorf("config: ENCRYPTION_KEY must decode to %d bytes, got %d", vault.KeySize, len(key))
	}
	return key, nil
}

// Addr returns the host:port listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
