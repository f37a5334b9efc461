package prompts

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/loomstack/loom/pkg/handlers"
	"github.com/loomstack/loom/pkg/routes"
)

// Handler provides HTTP endpoints for prompt resolution diagnostics and
// cache control.
type Handler struct {
	sys    System
	logger *slog.Logger
}

// InvalidateCommand targets either one cache key or every key under a
// prefix. Exactly one field must be set.
type InvalidateCommand struct {
	Key    string `json:"key,omitempty"`
	Prefix string `json:"prefix,omitempty"`
}

// InvalidateResult reports how many entries an invalidation removed.
// Removed is -1 for single-key invalidation, which does not count.
type InvalidateResult struct {
	Removed int `json:"removed"`
}

// NewHandler creates a Handler with the given system and logger.
func NewHandler(sys System, logger *slog.Logger) *Handler {
	return &Handler{
		sys:    sys,
		logger: logger.With("handler", "prompts"),
	}
}

// Routes returns the route group definition for prompt endpoints.
func (h *Handler) Routes() routes.Group {
	return routes.Group{
		Prefix: "/prompts",
		Routes: []routes.Route{
			{Method: "GET", Pattern: "/{name}/resolve", Handler: h.Resolve},
			{Method: "POST", Pattern: "/cache/invalidate", Handler: h.Invalidate},
		},
	}
}

// Resolve previews a prompt resolution without dispatching a task.
// Language and domain come from query parameters; variables default to
// the base set, so placeholder-heavy prompts may report missing values.
func (h *Handler) Resolve(w http.ResponseWriter, r *http.Request) {
	req := Request{
		Name:     r.PathValue("name"),
		Language: r.URL.Query().Get("language"),
		Domain:   r.URL.Query().Get("domain"),
	}

	resolution, err := h.sys.Resolve(r.Context(), req)
	if err != nil {
		handlers.RespondError(w, h.logger, MapHTTPStatus(err), err)
		return
	}

	handlers.RespondJSON(w, http.StatusOK, resolution)
}

// Invalidate removes cache entries by exact key or by prefix.
func (h *Handler) Invalidate(w http.ResponseWriter, r *http.Request) {
	var cmd InvalidateCommand
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		handlers.RespondError(w, h.logger, http.StatusBadRequest, err)
		return
	}

	switch {
	case cmd.Key != "" && cmd.Prefix != "":
		handlers.RespondError(w, h.logger, http.StatusBadRequest,
			errors.New("key and prefix are mutually exclusive"))
	case cmd.Key != "":
		h.sys.Invalidate(cmd.Key)
		handlers.RespondJSON(w, http.StatusOK, InvalidateResult{Removed: -1})
	case cmd.Prefix != "":
		removed := h.sys.InvalidatePrefix(cmd.Prefix)
		handlers.RespondJSON(w, http.StatusOK, InvalidateResult{Removed: removed})
	default:
		handlers.RespondError(w, h.logger, http.StatusBadRequest,
			errors.New("key or prefix is required"))
	}
}
