package endpoint

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/wisbric/forge/internal/httpserver"
)

// Handler provides the endpoint registry's HTTP surface: /get-url,
// /invalidate-cache, and the legacy /generate* and /list-*models
// passthrough routes.
type Handler struct {
	registry *Registry
	logger   *slog.Logger
}

// NewHandler creates an endpoint Handler.
func NewHandler(registry *Registry, logger *slog.Logger) *Handler {
	return &Handler{registry: registry, logger: logger}
}

// Routes returns a chi.Router with the registry's routes mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/get-url", h.handleGetURL)
	r.Post("/invalidate-cache", h.handleInvalidateCache)
	r.Post("/generate", h.handleGenerate(Image))
	r.Post("/generate-video", h.handleGenerate(Video))
	r.Get("/list-models", h.handleListModels(Image))
	r.Get("/list-video-models", h.handleListModels(Video))
	return r
}

func (h *Handler) handleGetURL(w http.ResponseWriter, r *http.Request) {
	jt := JobType(r.URL.Query().Get("job_type"))
	if jt != Image && jt != Video {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "job_type must be image or video")
		return
	}

	url, cached, err := h.registry.GetURL(r.Context(), jt)
	if err != nil {
		h.logger.Error("getting active endpoint url", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to look up endpoint")
		return
	}
	if url == "" {
		httpserver.RespondError(w, http.StatusServiceUnavailable, "no_deployment", "no active deployment for job type")
		return
	}

	httpserver.Respond(w, http.StatusOK, map[string]any{
		"success": true,
		"url":     url,
		"cached":  cached,
		"source":  "registry",
	})
}

func (h *Handler) handleInvalidateCache(w http.ResponseWriter, _ *http.Request) {
	h.registry.InvalidateCache()
	httpserver.Respond(w, http.StatusOK, map[string]any{"success": true})
}
