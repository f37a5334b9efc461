// Package templates implements the workflow template store. A template is
// an ordered list of step references with dependency annotations; jobs are
// instantiated from templates. Templates are loaded from TOML at startup,
// validated against the step registry, and immutable afterwards.
package templates

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"

	"github.com/loomstack/loom/internal/registry"
)

// Dependency names an upstream step. Optional dependencies allow the
// dependent to proceed once the upstream is terminal, regardless of how
// it finished.
type Dependency struct {
	Step     string `toml:"step" json:"step"`
	Optional bool   `toml:"optional" json:"optional,omitempty"`
}

// StepRef binds a step name within a template to its registry spec and
// its upstream dependencies. Name defaults to the spec key when a
// template uses a spec once.
type StepRef struct {
	Name      string       `toml:"name" json:"name"`
	Spec      string       `toml:"spec" json:"spec"`
	DependsOn []Dependency `toml:"depends_on" json:"depends_on,omitempty"`
}

// Template is a named workflow definition.
type Template struct {
	ID    string    `toml:"id" json:"id"`
	Steps []StepRef `toml:"step" json:"steps"`
}

// Step returns the ref with the given name, or nil.
func (t Template) Step(name string) *StepRef {
	for i := range t.Steps {
		if t.Steps[i].Name == name {
			return &t.Steps[i]
		}
	}
	return nil
}

// Store holds the loaded templates, keyed by ID.
type Store struct {
	templates map[string]Template
	ids       []string
}

type templatesFile struct {
	Templates []Template `toml:"template"`
}

// Load reads a template file and validates it against the registry.
func Load(path string, reg *registry.Registry) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read templates: %w", err)
	}
	return Parse(data, reg)
}

// Parse builds a Store from TOML data. Every step ref must name a
// registered spec, every dependency must name an earlier step in the same
// template, and the dependency graph must be acyclic.
func Parse(data []byte, reg *registry.Registry) (*Store, error) {
	var file templatesFile
	if err := toml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTemplate, err)
	}

	if len(file.Templates) == 0 {
		return nil, fmt.Errorf("%w: no template entries", ErrInvalidTemplate)
	}

	s := &Store{
		templates: make(map[string]Template, len(file.Templates)),
		ids:       make([]string, 0, len(file.Templates)),
	}

	for _, t := range file.Templates {
		if err := validate(&t, reg); err != nil {
			return nil, fmt.Errorf("%w: template %q: %w", ErrInvalidTemplate, t.ID, err)
		}
		if _, exists := s.templates[t.ID]; exists {
			return nil, fmt.Errorf("%w: duplicate template %q", ErrInvalidTemplate, t.ID)
		}
		s.templates[t.ID] = t
		s.ids = append(s.ids, t.ID)
	}

	return s, nil
}

// Lookup returns the template registered under the given ID.
func (s *Store) Lookup(id string) (Template, error) {
	t, ok := s.templates[id]
	if !ok {
		return Template{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return t, nil
}

// IDs returns the template IDs in file order.
func (s *Store) IDs() []string {
	return s.ids
}

func validate(t *Template, reg *registry.Registry) error {
	if t.ID == "" {
		return fmt.Errorf("id is required")
	}
	if len(t.Steps) == 0 {
		return fmt.Errorf("at least one step is required")
	}

	names := make(map[string]bool, len(t.Steps))
	for i := range t.Steps {
		ref := &t.Steps[i]
		if ref.Spec == "" {
			ref.Spec = ref.Name
		}
		if ref.Name == "" {
			ref.Name = ref.Spec
		}
		if ref.Name == "" {
			return fmt.Errorf("step %d: name or spec is required", i)
		}
		if _, err := reg.Lookup(ref.Spec); err != nil {
			return fmt.Errorf("step %q: %w", ref.Name, err)
		}
		if names[ref.Name] {
			return fmt.Errorf("duplicate step %q", ref.Name)
		}
		names[ref.Name] = true
	}

	for _, ref := range t.Steps {
		for _, dep := range ref.DependsOn {
			if dep.Step == ref.Name {
				return fmt.Errorf("step %q depends on itself", ref.Name)
			}
			if !names[dep.Step] {
				return fmt.Errorf("step %q depends on unknown step %q", ref.Name, dep.Step)
			}
		}
	}

	return checkAcyclic(t)
}

// checkAcyclic runs Kahn's algorithm over the dependency edges. Any steps
// left unprocessed sit on a cycle.
func checkAcyclic(t *Template) error {
	degree := make(map[string]int, len(t.Steps))
	dependents := make(map[string][]string, len(t.Steps))

	for _, ref := range t.Steps {
		degree[ref.Name] += 0
		for _, dep := range ref.DependsOn {
			degree[ref.Name]++
			dependents[dep.Step] = append(dependents[dep.Step], ref.Name)
		}
	}

	queue := make([]string, 0, len(t.Steps))
	for _, ref := range t.Steps {
		if degree[ref.Name] == 0 {
			queue = append(queue, ref.Name)
		}
	}

	processed := 0
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		processed++
		for _, next := range dependents[name] {
			degree[next]--
			if degree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if processed != len(t.Steps) {
		return fmt.Errorf("dependency cycle detected")
	}
	return nil
}
