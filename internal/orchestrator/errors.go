package orchestrator

import (
	"errors"
	"net/http"

	"github.com/loomstack/loom/internal/jobs"
	"github.com/loomstack/loom/internal/templates"
)

// MapHTTPStatus maps orchestration errors to HTTP status codes,
// delegating job-domain errors to the jobs package.
func MapHTTPStatus(err error) int {
	if errors.Is(err, templates.ErrNotFound) {
		return http.StatusUnprocessableEntity
	}
	return jobs.MapHTTPStatus(err)
}
