package prompts

import (
	"fmt"
	"os"
	"time"

	"github.com/loomstack/loom/internal/registry"
)

// Environment variable overrides for prompt store settings.
const (
	EnvPromptStoreURL       = "LOOM_PROMPT_STORE_URL"
	EnvPromptStorePublicKey = "LOOM_PROMPT_STORE_PUBLIC_KEY"
	EnvPromptStoreSecretKey = "LOOM_PROMPT_STORE_SECRET_KEY"
	EnvPromptStoreLabel     = "LOOM_PROMPT_STORE_LABEL"
)

// Config holds prompt store connection and cache settings.
type Config struct {
	BaseURL       string            `toml:"base_url"`
	PublicKey     string            `toml:"public_key"`
	SecretKey     string            `toml:"secret_key"`
	Label         string            `toml:"label"`
	CacheTTL      registry.Duration `toml:"cache_ttl"`
	FetchTimeout  registry.Duration `toml:"fetch_timeout"`
	SweepInterval registry.Duration `toml:"sweep_interval"`
}

// Merge overlays non-zero values from other onto c.
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}
	if other.BaseURL != "" {
		c.BaseURL = other.BaseURL
	}
	if other.PublicKey != "" {
		c.PublicKey = other.PublicKey
	}
	if other.SecretKey != "" {
		c.SecretKey = other.SecretKey
	}
	if other.Label != "" {
		c.Label = other.Label
	}
	if other.CacheTTL != 0 {
		c.CacheTTL = other.CacheTTL
	}
	if other.FetchTimeout != 0 {
		c.FetchTimeout = other.FetchTimeout
	}
	if other.SweepInterval != 0 {
		c.SweepInterval = other.SweepInterval
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
		c.BaseURL = "http://localhost:3000"
	}
	if c.Label == "" {
		c.Label = "production"
	}
	if c.CacheTTL == 0 {
		c.CacheTTL = registry.Duration(time.Hour)
	}
	if c.FetchTimeout == 0 {
		c.FetchTimeout = registry.Duration(10 * time.Second)
	}
}

func (c *Config) loadEnv() {
	if v := os.Getenv(EnvPromptStoreURL); v != "" {
		c.BaseURL = v
	}
	if v := os.Getenv(EnvPromptStorePublicKey); v != "" {
		c.PublicKey = v
	}
	if v := os.Getenv(EnvPromptStoreSecretKey); v != "" {
		c.SecretKey = v
	}
	if v := os.Getenv(EnvPromptStoreLabel); v != "" {
		c.Label = v
	}
}

func (c *Config) validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("prompt store base_url is required")
	}
	if c.CacheTTL < 0 || c.FetchTimeout < 0 || c.SweepInterval < 0 {
		return fmt.Errorf("prompt store durations must not be negative")
	}
	return nil
}
