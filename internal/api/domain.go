package api

import (
	"fmt"

	"github.com/loomstack/loom/internal/config"
	"github.com/loomstack/loom/internal/dispatch"
	"github.com/loomstack/loom/internal/jobs"
	"github.com/loomstack/loom/internal/orchestrator"
	"github.com/loomstack/loom/internal/prompts"
	"github.com/loomstack/loom/internal/registry"
	"github.com/loomstack/loom/internal/templates"
)

// Domain holds all domain systems that comprise the API.
type Domain struct {
	Registry     *registry.Registry
	Templates    *templates.Store
	Prompts      prompts.System
	Jobs         jobs.System
	Orchestrator orchestrator.System
}

// NewDomain creates all domain systems from the API runtime. The step
// registry and workflow templates load from the configured pipeline
// files; a malformed definition fails startup.
func NewDomain(cfg *config.Config, runtime *Runtime) (*Domain, error) {
	reg, err := registry.Load(cfg.Pipeline.Registry)
	if err != nil {
		return nil, fmt.Errorf("load registry: %w", err)
	}

	ts, err := templates.Load(cfg.Pipeline.Templates, reg)
	if err != nil {
		return nil, fmt.Errorf("load templates: %w", err)
	}

	domains, err := prompts.LoadDomains(cfg.Pipeline.Domains)
	if err != nil {
		return nil, fmt.Errorf("load domains: %w", err)
	}

	source, err := prompts.NewHTTPSource(&cfg.PromptStore)
	if err != nil {
		return nil, fmt.Errorf("prompt store: %w", err)
	}

	promptSystem := prompts.New(&cfg.PromptStore, source, domains, runtime.Logger)

	jobStore := jobs.NewStore(
		runtime.Database.Connection(),
		runtime.Logger,
		runtime.Pagination,
	)
	jobSystem := jobs.New(jobStore, ts, reg, runtime.Logger)

	dispatcher := dispatch.NewDispatcher(
		runtime.Queue,
		promptSystem,
		reg,
		&cfg.Queue,
		runtime.Logger,
	)

	orchestratorSystem := orchestrator.New(
		jobSystem,
		dispatcher,
		runtime.Queue,
		reg,
		runtime.Logger,
		runtime.Pagination,
	)

	return &Domain{
		Registry:     reg,
		Templates:    ts,
		Prompts:      promptSystem,
		Jobs:         jobSystem,
		Orchestrator: orchestratorSystem,
	}, nil
}
