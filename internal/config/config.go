// Package config loads runtime configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	DBFile      string        `envconfig:"DB_FILE" default:"tetatet.db"`
	APIAddr     string        `envconfig:"API_ADDR" default:":8080"`
	AdminAddr   string        `envconfig:"ADMIN_ADDR" default:"localhost:8081"`
	BaseURL     string        `envconfig:"BASE_URL" default:"http://localhost:8080"`
	AvatarsPath string        `envconfig:"AVATARS_PATH" default:"avatars"`
	TokenExpiry time.Duration `envconfig:"TOKEN_EXPIRY" default:"24h"`

	// Web push is optional: without VAPID keys offline users simply get no
	// browser notifications.
	VAPIDPublicKey  string `envconfig:"VAPID_PUBLIC_KEY"`
	VAPIDPrivateKey string `envconfig:"VAPID_PRIVATE_KEY"`
	PushSubscriber  string `envconfig:"PUSH_SUBSCRIBER" default:"mailto:admin@localhost"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.TokenExpiry <= 0 {
		return fmt.Errorf("TOKEN_EXPIRY must be greater than 0")
	}
	if (c.VAPIDPublicKey == "") != (c.VAPIDPrivateKey == "") {
		return fmt.Errorf("VAPID_PUBLIC_KEY and VAPID_PRIVATE_KEY must be set together")
	}
	return nil
}
