// Package api assembles the API module with all domain systems and route registration.
package api

import (
	"net/http"

	"github.com/loomstack/loom/internal/config"
	"github.com/loomstack/loom/internal/infrastructure"
	"github.com/loomstack/loom/pkg/middleware"
	"github.com/loomstack/loom/pkg/module"
)

// NewModule creates the API module with all domain handlers and middleware,
// and registers the orchestrator and prompt cache lifecycle hooks.
func NewModule(cfg *config.Config, infra *infrastructure.Infrastructure) (*module.Module, error) {
	runtime := NewRuntime(cfg, infra)

	domain, err := NewDomain(cfg, runtime)
	if err != nil {
		return nil, err
	}

	domain.Prompts.Start(infra.Lifecycle)
	domain.Orchestrator.Start(infra.Lifecycle)

	spec, err := buildSpec(cfg)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	registerRoutes(mux, domain, spec)

	m := module.New(cfg.API.BasePath, mux)
	m.Use(middleware.CORS(&cfg.API.CORS))
	m.Use(middleware.Logger(runtime.Infrastructure.Logger))

	return m, nil
}
