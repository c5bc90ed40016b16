package endpoint

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/wisbric/forge/internal/httpserver"
)

// passthroughClient is used only by the legacy /generate* and /list-*models
// routes, which forward the caller's request straight to the currently
// active deployment rather than going through pkg/dispatcher's
// classify/retry/rotate pipeline. Unlike /jobs, a transport failure here
// surfaces directly to the caller as 503 rather than being retried or
// triggering rotation.
var passthroughClient = &http.Client{Timeout: 60 * time.Second}

// handleGenerate forwards body to the active image (or video, for
// /generate-video) deployment URL and relays its response verbatim.
func (h *Handler) handleGenerate(jt JobType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		url, _, err := h.registry.GetURL(r.Context(), jt)
		if err != nil {
			h.logger.Error("getting active endpoint url for passthrough", "error", err)
			httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to look up endpoint")
			return
		}
		if url == "" {
			httpserver.RespondError(w, http.StatusServiceUnavailable, "no_deployment", "no active deployment for job type")
			return
		}

		req, err := http.NewRequestWithContext(r.Context(), http.MethodPost, url, r.Body)
		if err != nil {
			httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to build passthrough request")
			return
		}
		req.Header.Set("Content-Type", r.Header.Get("Content-Type"))

		resp, err := passthroughClient.Do(req)
		if err != nil {
			h.logger.Warn("passthrough generate call failed", "job_type", jt, "error", err)
			httpserver.RespondError(w, http.StatusServiceUnavailable, "transport_error", "inference endpoint unreachable")
			return
		}
		defer resp.Body.Close()

		w.Header().Set("Content-Type", resp.Header.Get("Content-Type"))
		w.WriteHeader(resp.StatusCode)
		io.Copy(w, resp.Body)
	}
}

// modelsResponse is the normalized shape every /list-*models route returns,
// regardless of how the upstream deployment shapes its own model listing.
type modelsResponse struct {
	Models []string `json:"models"`
}

// handleListModels forwards to the active deployment's own model listing
// and normalizes its body to a flat {"models": [name, ...]} shape.
func (h *Handler) handleListModels(jt JobType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		url, _, err := h.registry.GetURL(r.Context(), jt)
		if err != nil {
			h.logger.Error("getting active endpoint url for passthrough", "error", err)
			httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to look up endpoint")
			return
		}
		if url == "" {
			httpserver.RespondError(w, http.StatusServiceUnavailable, "no_deployment", "no active deployment for job type")
			return
		}

		req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, url+"/models", nil)
		if err != nil {
			httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to build passthrough request")
			return
		}

		resp, err := passthroughClient.Do(req)
		if err != nil {
			h.logger.Warn("passthrough list-models call failed", "job_type", jt, "error", err)
			httpserver.RespondError(w, http.StatusServiceUnavailable, "transport_error", "inference endpoint unreachable")
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 {
			httpserver.RespondError(w, http.StatusServiceUnavailable, "transport_error", "inference endpoint returned an error")
			return
		}

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			httpserver.RespondError(w, http.StatusServiceUnavailable, "transport_error", "failed to read inference endpoint response")
			return
		}

		httpserver.Respond(w, http.StatusOK, modelsResponse{Models: normalizeModelNames(body)})
	}
}

// normalizeModelNames accepts the several shapes an upstream model-listing
// endpoint might reasonably return — a flat string array, {"models": [...]},
// or an array of {"name": ...} objects — and flattens them to names.
func normalizeModelNames(body []byte) []string {
	var flat []string
	if err := json.Unmarshal(body, &flat); err == nil {
		return flat
	}

	var wrapped struct {
		Models []json.RawMessage `json:"models"`
	}
	if err := json.Unmarshal(body, &wrapped); err == nil && wrapped.Models != nil {
		return extractNames(wrapped.Models)
	}

	var bare []json.RawMessage
	if err := json.Unmarshal(body, &bare); err == nil {
		return extractNames(bare)
	}

	return nil
}

func extractNames(raw []json.RawMessage) []string {
	names := make([]string, 0, len(raw))
	for _, r := range raw {
		var s string
		if json.Unmarshal(r, &s) == nil {
			names = append(names, s)
			continue
		}
		var obj struct {
			Name string `json:"name"`
		}
		if json.Unmarshal(r, &obj) == nil && obj.Name != "" {
			names = append(names, obj.Name)
		}
	}
	return names
}
