package adsession

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/wisbric/forge/internal/httpserver"
	"github.com/wisbric/forge/internal/identity"
)

// Handler provides HTTP handlers for the ad-view flow.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates an ad-session Handler.
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// Routes returns the authenticated ad-flow routes: /ads/start-session,
// /ads/check-session/{id}, /ads/claim-reward, /ads/verify-and-reward.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/start-session", h.handleStartSession)
	r.Get("/check-session/{id}", h.handleCheckSession)
	r.Post("/claim-reward", h.handleClaimReward)
	r.Post("/verify-and-reward", h.handleVerifyAndReward)
	return r
}

// PostbackHandler returns the unauthenticated /api/monetag/postback route,
// mounted separately since ad networks cannot present a bearer token.
func (h *Handler) PostbackHandler() http.HandlerFunc {
	return h.handlePostback
}

type startSessionRequest struct {
	ZoneID string `json:"zone_id" validate:"required"`
	AdType string `json:"ad_type" validate:"required"`
}

func (h *Handler) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	userID := identity.FromContext(r.Context())
	sess, err := h.service.Start(r.Context(), userID, req.ZoneID, req.AdType, r.RemoteAddr, r.UserAgent())
	if err != nil {
		if errors.Is(err, ErrDailyLimitReached) {
			httpserver.RespondError(w, http.StatusPaymentRequired, "ad_daily_limit_reached", "daily ad limit reached")
			return
		}
		h.logger.Error("starting ad session", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to start ad session")
		return
	}

	httpserver.Respond(w, http.StatusOK, map[string]any{
		"success":    true,
		"session_id": sess.SessionID,
		"click_id":   sess.ClickID,
	})
}

func (h *Handler) handleCheckSession(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid session id")
		return
	}

	sess, err := h.service.CheckSession(r.Context(), id)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			httpserver.RespondError(w, http.StatusNotFound, "not_found", "ad session not found")
			return
		}
		h.logger.Error("checking ad session", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to check ad session")
		return
	}

	httpserver.Respond(w, http.StatusOK, sess)
}

type claimRewardRequest struct {
	SessionID uuid.UUID `json:"session_id" validate:"required"`
}

func (h *Handler) handleClaimReward(w http.ResponseWriter, r *http.Request) {
	var req claimRewardRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	userID := identity.FromContext(r.Context())
	wallet, coins, err := h.service.Claim(r.Context(), userID, req.SessionID)
	if err != nil {
		respondClaimError(w, h.logger, err)
		return
	}

	httpserver.Respond(w, http.StatusOK, map[string]any{
		"success":       true,
		"coins_earned":  coins,
		"total_balance": wallet.Balance,
	})
}

type verifyAndRewardRequest struct {
	SessionID uuid.UUID `json:"session_id" validate:"required"`
}

func (h *Handler) handleVerifyAndReward(w http.ResponseWriter, r *http.Request) {
	var req verifyAndRewardRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	userID := identity.FromContext(r.Context())
	wallet, coins, pending, err := h.service.VerifyAndReward(r.Context(), userID, req.SessionID)
	if err != nil {
		respondClaimError(w, h.logger, err)
		return
	}
	if pending {
		httpserver.Respond(w, http.StatusAccepted, map[string]any{
			"success": true,
			"pending": true,
		})
		return
	}

	httpserver.Respond(w, http.StatusOK, map[string]any{
		"success":       true,
		"coins_earned":  coins,
		"total_balance": wallet.Balance,
	})
}

func respondClaimError(w http.ResponseWriter, logger *slog.Logger, err error) {
	switch {
	case errors.Is(err, ErrSessionNotFound):
		httpserver.RespondError(w, http.StatusNotFound, "not_found", "ad session not found")
	case errors.Is(err, ErrNotVerified):
		httpserver.RespondError(w, http.StatusBadRequest, "ad_not_verified", "ad not verified yet")
	case errors.Is(err, ErrAlreadyClaimed):
		httpserver.RespondError(w, http.StatusBadRequest, "already_claimed", "reward already claimed")
	default:
		logger.Error("claiming ad reward", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to claim ad reward")
	}
}

type postbackPayload struct {
	ClickID string `json:"click_id"`
	ZoneID  string `json:"zone_id"`
	Revenue string `json:"revenue"`
	Status  string `json:"status"`
}

// handlePostback accepts the ad network's server-to-server notification,
// JSON or form-encoded, validates the optional X-Monetag-Signature header,
// and applies it idempotently.
func (h *Handler) handlePostback(w http.ResponseWriter, r *http.Request) {
	payload, err := decodePostback(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "missing required postback fields")
		return
	}

	revenue, err := decimal.NewFromString(payload.Revenue)
	if err != nil {
		revenue = decimal.Zero
	}

	signature := r.Header.Get("X-Monetag-Signature")
	sess, err := h.service.Postback(r.Context(), payload.ClickID, payload.ZoneID, revenue, payload.Status, signature)
	if err != nil {
		switch {
		case errors.Is(err, ErrBadSignature):
			httpserver.RespondError(w, http.StatusForbidden, "bad_signature", "invalid postback signature")
		case errors.Is(err, ErrUnknownZone):
			httpserver.RespondError(w, http.StatusBadRequest, "unknown_zone", "zone_id not recognised")
		default:
			h.logger.Error("applying ad postback", "error", err)
			httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to apply postback")
		}
		return
	}

	httpserver.Respond(w, http.StatusOK, map[string]any{"success": true, "verified": sess.Verified})
}

func decodePostback(r *http.Request) (postbackPayload, error) {
	var p postbackPayload

	ct := r.Header.Get("Content-Type")
	if ct == "application/x-www-form-urlencoded" {
		if err := r.ParseForm(); err != nil {
			return postbackPayload{}, err
		}
		p = postbackPayload{
			ClickID: r.Form.Get("click_id"),
			ZoneID:  r.Form.Get("zone_id"),
			Revenue: r.Form.Get("revenue"),
			Status:  r.Form.Get("status"),
		}
	} else {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			return postbackPayload{}, err
		}
		if err := json.Unmarshal(body, &p); err != nil {
			return postbackPayload{}, err
		}
	}

	if p.ClickID == "" || p.ZoneID == "" || p.Status == "" {
		return postbackPayload{}, errors.New("missing required postback fields")
	}
	return p, nil
}
