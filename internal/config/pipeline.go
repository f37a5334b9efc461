package config

import (
	"fmt"
	"os"
)

const (
	EnvPipelineRegistry  = "LOOM_PIPELINE_REGISTRY"
	EnvPipelineTemplates = "LOOM_PIPELINE_TEMPLATES"
	EnvPipelineDomains   = "LOOM_PIPELINE_DOMAINS"
)

// PipelineConfig names the declarative pipeline definition files: the
// step registry, the workflow templates, and the optional domain
// variable configuration.
type PipelineConfig struct {
	Registry  string `toml:"registry"`
	Templates string `toml:"templates"`
	Domains   string `toml:"domains"`
}

// Merge overwrites non-zero fields from overlay.
func (c *PipelineConfig) Merge(overlay *PipelineConfig) {
	if overlay.Registry != "" {
		c.Registry = overlay.Registry
	}
	if overlay.Templates != "" {
		c.Templates = overlay.Templates
	}
	if overlay.Domains != "" {
		c.Domains = overlay.Domains
	}
}

// Finalize applies defaults, environment variable overrides, and validation.
// Registry and template files must exist at startup; the domains file is
// optional.
func (c *PipelineConfig) Finalize() error {
	c.loadDefaults()
	c.loadEnv()
	return c.validate()
}

func (c *PipelineConfig) loadDefaults() {
	if c.Registry == "" {
		c.Registry = "registry.toml"
	}
	if c.Templates == "" {
		c.Templates = "templates.toml"
	}
	if c.Domains == "" {
		c.Domains = "domains.toml"
	}
}

func (c *PipelineConfig) loadEnv() {
	if v := os.Getenv(EnvPipelineRegistry); v != "" {
		c.Registry = v
	}
	if v := os.Getenv(EnvPipelineTemplates); v != "" {
		c.Templates = v
	}
	if v := os.Getenv(EnvPipelineDomains); v != "" {
		c.Domains = v
	}
}

func (c *PipelineConfig) validate() error {
	for _, path := range []string{c.Registry, c.Templates} {
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("pipeline file %s: %w", path, err)
		}
	}
	return nil
}
