package ledger

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/wisbric/forge/internal/httpserver"
	"github.com/wisbric/forge/internal/identity"
)

// Handler provides the /coins/balance and /coins/history HTTP endpoints.
type Handler struct {
	store  *Store
	ledger *Service
	logger *slog.Logger
}

// NewHandler creates a ledger Handler.
func NewHandler(store *Store, ledgerSvc *Service, logger *slog.Logger) *Handler {
	return &Handler{store: store, ledger: ledgerSvc, logger: logger}
}

// Routes returns the authenticated /coins routes.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/balance", h.handleBalance)
	r.Get("/history", h.handleHistory)
	return r
}

func (h *Handler) handleBalance(w http.ResponseWriter, r *http.Request) {
	userID := identity.FromContext(r.Context())

	wallet, err := h.ledger.Balance(r.Context(), userID)
	if err != nil {
		h.logger.Error("getting wallet balance", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to get balance")
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{
		"balance":               wallet.Balance,
		"lifetime_earned":       wallet.LifetimeEarned,
		"lifetime_spent":        wallet.LifetimeSpent,
		"generations_available": wallet.Balance / GenerationCost,
	})
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	userID := identity.FromContext(r.Context())

	params, err := httpserver.ParseOffsetParams(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	txns, err := h.store.ListTransactions(r.Context(), userID, params.PageSize, params.Offset)
	if err != nil {
		h.logger.Error("listing transactions", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list transactions")
		return
	}

	total, err := h.store.CountTransactions(r.Context(), userID)
	if err != nil {
		h.logger.Error("counting transactions", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to count transactions")
		return
	}

	httpserver.Respond(w, http.StatusOK, httpserver.NewOffsetPage(txns, params, total))
}
