package api

import (
	"net/http"

	"github.com/loomstack/loom/pkg/openapi"
	"github.com/loomstack/loom/pkg/routes"
)

func registerRoutes(mux *http.ServeMux, domain *Domain, spec []byte) {
	routes.Register(
		mux,
		domain.Orchestrator.Handler().Routes(),
		domain.Prompts.Handler().Routes(),
	)

	mux.HandleFunc("GET /openapi.json", openapi.ServeSpec(spec))
}
