package prompts

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// DomainSet holds per-domain variable overrides applied during rendering.
// Overrides scoped to a prompt name take precedence over domain-wide ones.
type DomainSet struct {
	domains map[string]domainConfig
}

type domainConfig struct {
	Variables map[string]string            `toml:"variables"`
	Prompts   map[string]map[string]string `toml:"prompts"`
}

type domainsFile struct {
	Domains map[string]domainConfig `toml:"domain"`
}

// LoadDomains reads domain variable configuration. A missing file yields
// an empty set: domain overrides are opt-in.
func LoadDomains(path string) (*DomainSet, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &DomainSet{domains: map[string]domainConfig{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read domains: %w", err)
	}
	return ParseDomains(data)
}

// ParseDomains builds a DomainSet from TOML data.
func ParseDomains(data []byte) (*DomainSet, error) {
	var file domainsFile
	if err := toml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse domains: %w", err)
	}
	if file.Domains == nil {
		file.Domains = map[string]domainConfig{}
	}
	return &DomainSet{domains: file.Domains}, nil
}

// Variables returns the merged overrides for a domain and prompt name.
func (d *DomainSet) Variables(domain, prompt string) map[string]string {
	cfg, ok := d.domains[domain]
	if !ok {
		return nil
	}

	out := make(map[string]string, len(cfg.Variables))
	for k, v := range cfg.Variables {
		out[k] = v
	}
	for k, v := range cfg.Prompts[prompt] {
		out[k] = v
	}
	return out
}
