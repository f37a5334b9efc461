package dispatch

import (
	"fmt"
	"os"
	"time"

	"github.com/loomstack/loom/internal/registry"
)

// Environment variable overrides for queue gateway settings.
const (
	EnvQueueURL   = "LOOM_QUEUE_URL"
	EnvQueueToken = "LOOM_QUEUE_TOKEN"
)

// Config holds queue gateway connection settings.
type Config struct {
	BaseURL     string            `toml:"base_url"`
	Token       string            `toml:"token"`
	Timeout     registry.Duration `toml:"timeout"`
	Concurrency int               `toml:"concurrency"`
}

// Merge overlays non-zero values from other onto c.
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}
	if other.BaseURL != "" {
		c.BaseURL = other.BaseURL
	}
	if other.Token != "" {
		c.Token = other.Token
	}
	if other.Timeout != 0 {
		c.Timeout = other.Timeout
	}
	if other.Concurrency != 0 {
		c.Concurrency = other.Concurrency
	}
}

// Finalize applies defaults, environment overrides, and validation.
func (c *Config) Finalize() error {
	c.loadDefaults()
	c.loadEnv()
	return c.validate()
}

func (c *Config) loadDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = "http://localhost:8100"
	}
	if c.Timeout == 0 {
		c.Timeout = registry.Duration(15 * time.Second)
	}
	if c.Concurrency == 0 {
		c.Concurrency = 8
	}
}

func (c *Config) loadEnv() {
	if v := os.Getenv(EnvQueueURL); v != "" {
		c.BaseURL = v
	}
	if v := os.Getenv(EnvQueueToken); v != "" {
		c.Token = v
	}
}

func (c *Config) validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("queue base_url is required")
	}
	if c.Timeout < 0 {
		return fmt.Errorf("queue timeout must not be negative")
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("queue concurrency must be positive")
	}
	return nil
}
