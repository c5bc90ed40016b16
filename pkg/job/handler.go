package job

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/wisbric/forge/internal/httpserver"
	"github.com/wisbric/forge/internal/identity"
	"github.com/wisbric/forge/pkg/endpoint"
	"github.com/wisbric/forge/pkg/ledger"
	"github.com/wisbric/forge/pkg/mediastore"
	"github.com/wisbric/forge/pkg/realtime"
)

// keepaliveInterval is the SSE handler's idle timeout: 30 seconds of no row
// change before a keepalive comment is emitted.
const keepaliveInterval = 30 * time.Second

// Handler provides the /jobs HTTP surface: submit, list, fetch, cancel,
// stats, in-progress lookup, and the SSE stream.
type Handler struct {
	service *Service
	media   *mediastore.Rotator
	hub     *realtime.Hub
	logger  *slog.Logger
}

// NewHandler creates a jobs Handler.
func NewHandler(service *Service, media *mediastore.Rotator, hub *realtime.Hub, logger *slog.Logger) *Handler {
	return &Handler{service: service, media: media, hub: hub, logger: logger}
}

// Routes returns the authenticated /jobs routes.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.handleSubmit)
	r.Get("/", h.handleList)
	r.Get("/stats", h.handleStats)
	r.Get("/in-progress", h.handleInProgress)
	r.Get("/{id}", h.handleGet)
	r.Delete("/{id}", h.handleCancel)
	r.Get("/{id}/stream", h.handleStream)
	return r
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	userID := identity.FromContext(r.Context())

	req, inlineImage, err := parseSubmitRequest(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if req.Prompt == "" {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "prompt is required")
		return
	}
	if req.JobType != endpoint.Image && req.JobType != endpoint.Video {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "job_type must be image or video")
		return
	}

	if inlineImage != nil {
		data, err := io.ReadAll(inlineImage)
		if err != nil {
			httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "failed to read inline image")
			return
		}
		url, _, err := h.media.Upload(r.Context(), data, fmt.Sprintf("input-%s", uuid.NewString()), "forge/inputs")
		if err != nil {
			h.logger.Error("uploading inline input image", "error", err)
			httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to upload input image")
			return
		}
		if req.Metadata == nil {
			req.Metadata = map[string]any{}
		}
		req.Metadata["input_image_url"] = url
	}

	j, wallet, err := h.service.Submit(r.Context(), userID, req)
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientCoins) {
			coinsNeeded := ledger.GenerationCost
			var insufficient *ledger.InsufficientFundsError
			if errors.As(err, &insufficient) {
				coinsNeeded = insufficient.Shortfall()
			}
			httpserver.Respond(w, http.StatusPaymentRequired, map[string]any{
				"success":      false,
				"error":        "insufficient_coins",
				"coins_needed": coinsNeeded,
			})
			return
		}
		h.logger.Error("submitting job", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to submit job")
		return
	}

	httpserver.Respond(w, http.StatusCreated, map[string]any{
		"job":             j,
		"coins_remaining": wallet.Balance,
	})
}

// parseSubmitRequest accepts either multipart/form-data or a JSON body.
func parseSubmitRequest(r *http.Request) (SubmitRequest, multipart.File, error) {
	ct := r.Header.Get("Content-Type")
	if len(ct) >= 19 && ct[:19] == "multipart/form-data" {
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			return SubmitRequest{}, nil, fmt.Errorf("parsing multipart form: %w", err)
		}
		req := SubmitRequest{
			Prompt:         r.FormValue("prompt"),
			Model:          r.FormValue("model"),
			AspectRatio:    r.FormValue("aspect_ratio"),
			NegativePrompt: r.FormValue("negative_prompt"),
			JobType:        endpoint.JobType(r.FormValue("job_type")),
		}
		if d := r.FormValue("duration"); d != "" {
			var secs int
			if _, err := fmt.Sscanf(d, "%d", &secs); err == nil {
				req.DurationSeconds = &secs
			}
		}
		if imgURL := r.FormValue("image_url"); imgURL != "" {
			req.Metadata = map[string]any{"input_image_url": imgURL}
		}

		var inline multipart.File
		if f, _, err := r.FormFile("image"); err == nil {
			inline = f
		}
		return req, inline, nil
	}

	var body struct {
		Prompt          string         `json:"prompt"`
		Model           string         `json:"model"`
		AspectRatio     string         `json:"aspect_ratio"`
		NegativePrompt  string         `json:"negative_prompt"`
		JobType         string         `json:"job_type"`
		Duration        *int           `json:"duration"`
		ImageURL        string         `json:"image_url"`
		Metadata        map[string]any `json:"metadata"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return SubmitRequest{}, nil, fmt.Errorf("invalid JSON: %w", err)
	}

	meta := body.Metadata
	if body.ImageURL != "" {
		if meta == nil {
			meta = map[string]any{}
		}
		meta["input_image_url"] = body.ImageURL
	}

	return SubmitRequest{
		Prompt:          body.Prompt,
		Model:           body.Model,
		AspectRatio:     body.AspectRatio,
		NegativePrompt:  body.NegativePrompt,
		JobType:         endpoint.JobType(body.JobType),
		DurationSeconds: body.Duration,
		Metadata:        meta,
	}, nil, nil
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	userID := identity.FromContext(r.Context())
	status := Status(r.URL.Query().Get("status"))
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		fmt.Sscanf(v, "%d", &limit)
	}

	jobs, err := h.service.List(r.Context(), userID, status, limit)
	if err != nil {
		h.logger.Error("listing jobs", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list jobs")
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	userID := identity.FromContext(r.Context())
	stats, err := h.service.Stats(r.Context(), userID)
	if err != nil {
		h.logger.Error("computing job stats", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to compute job stats")
		return
	}
	httpserver.Respond(w, http.StatusOK, stats)
}

func (h *Handler) handleInProgress(w http.ResponseWriter, r *http.Request) {
	userID := identity.FromContext(r.Context())
	jt := endpoint.JobType(r.URL.Query().Get("job_type"))
	if jt != endpoint.Image && jt != endpoint.Video {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "job_type must be image or video")
		return
	}

	j, ok, err := h.service.InProgress(r.Context(), userID, jt)
	if err != nil {
		h.logger.Error("looking up in-progress job", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to look up in-progress job")
		return
	}
	if !ok {
		httpserver.Respond(w, http.StatusOK, map[string]any{"job": nil})
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"job": j})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	userID := identity.FromContext(r.Context())
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid job id")
		return
	}

	j, err := h.service.Get(r.Context(), userID, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			httpserver.RespondError(w, http.StatusNotFound, "not_found", "job not found")
			return
		}
		h.logger.Error("getting job", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to get job")
		return
	}
	httpserver.Respond(w, http.StatusOK, j)
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	userID := identity.FromContext(r.Context())
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid job id")
		return
	}

	if err := h.service.Cancel(r.Context(), userID, id); err != nil {
		if errors.Is(err, ErrCannotCancel) {
			httpserver.RespondError(w, http.StatusBadRequest, "cannot_cancel", "job can only be cancelled while pending")
			return
		}
		h.logger.Error("cancelling job", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to cancel job")
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"success": true})
}

// handleStream serves /jobs/{id}/stream: an SSE connection relaying every
// row change for the job until it reaches a terminal status.
func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	userID := identity.FromContext(r.Context())
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid job id")
		return
	}

	j, err := h.service.Get(r.Context(), userID, id)
	if err != nil {
		httpserver.RespondError(w, http.StatusNotFound, "not_found", "job not found")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	writeSSE(w, flusher, map[string]any{"type": "connected", "job": j})

	if j.Status.IsTerminal() {
		writeSSE(w, flusher, map[string]any{"type": "update", "event": "terminal", "job": j})
		return
	}

	sink := realtime.NewSink()
	h.hub.Subscribe(id, sink)
	defer h.hub.Unsubscribe(id, sink)

	ctx := r.Context()
	timer := time.NewTimer(keepaliveInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-sink:
			if !ok {
				return
			}
			var updated Job
			if err := json.Unmarshal(payload, &updated); err != nil {
				h.logger.Error("decoding job change payload", "error", err)
				continue
			}
			writeSSE(w, flusher, map[string]any{"type": "update", "event": "change", "job": updated})
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(keepaliveInterval)

			if updated.Status.IsTerminal() {
				return
			}
		case <-timer.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
			timer.Reset(keepaliveInterval)
		}
	}
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", payload)
	flusher.Flush()
}
