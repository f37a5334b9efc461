// Package registry implements the step registry for loom.
// It maps a step's logical name to its dispatch metadata: target queue,
// required payload keys, retry policy, criticality, and prompt binding.
// The registry is loaded once at startup from a TOML file and is
// read-only afterwards.
package registry

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// Registry holds the closed set of step specifications, keyed by logical name.
type Registry struct {
	specs map[string]StepSpec
	names []string
}

type registryFile struct {
	Steps []StepSpec `toml:"step"`
}

// Load reads and parses a registry file.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read registry: %w", err)
	}
	return Parse(data)
}

// Parse builds a Registry from TOML data, applying defaults and validating
// every entry. A malformed entry fails the whole load.
func Parse(data []byte) (*Registry, error) {
	var file registryFile
	if err := toml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSpec, err)
	}

	if len(file.Steps) == 0 {
		return nil, fmt.Errorf("%w: no step entries", ErrInvalidSpec)
	}

	r := &Registry{
		specs: make(map[string]StepSpec, len(file.Steps)),
		names: make([]string, 0, len(file.Steps)),
	}

	for i := range file.Steps {
		spec := file.Steps[i]
		if err := spec.finalize(); err != nil {
			return nil, fmt.Errorf("%w: step %q: %w", ErrInvalidSpec, spec.Name, err)
		}
		if _, exists := r.specs[spec.Name]; exists {
			return nil, fmt.Errorf("%w: duplicate step %q", ErrInvalidSpec, spec.Name)
		}
		r.specs[spec.Name] = spec
		r.names = append(r.names, spec.Name)
	}

	return r, nil
}

// Lookup returns the spec registered under the given logical name.
func (r *Registry) Lookup(name string) (StepSpec, error) {
	spec, ok := r.specs[name]
	if !ok {
		return StepSpec{}, fmt.Errorf("%w: %s", ErrUnknownStep, name)
	}
	return spec, nil
}

// Names returns the registered step names in file order.
func (r *Registry) Names() []string {
	return r.names
}
