// Package handlers provides read-only HTTP handlers for transaction intents.
// Intents are created by the allocation pipeline and updated from broker
// signals, so the API surface is queries only.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/dstamatis/pietra/internal/domain"
	"github.com/dstamatis/pietra/internal/modules/orders"
)

var validStatuses = map[domain.TransactionStatus]bool{
	domain.TxPending:   true,
	domain.TxSubmitted: true,
	domain.TxFilled:    true,
	domain.TxPartial:   true,
	domain.TxCancelled: true,
	domain.TxFailed:    true,
}

// Handler handles transaction intent HTTP requests
type Handler struct {
	repo *orders.Repository
	log  zerolog.Logger
}

// NewHandler creates a new transactions handler
func NewHandler(repo *orders.Repository, log zerolog.Logger) *Handler {
	return &Handler{
		repo: repo,
		log:  log.With().Str("handler", "transactions").Logger(),
	}
}

// RegisterRoutes mounts the transaction endpoints
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/transactions", func(r chi.Router) {
		r.Get("/", h.HandleList)
		r.Get("/{id}", h.HandleGet)
	})
	r.Get("/deposits/{depositID}/transactions", h.HandleListByDeposit)
}

// HandleList returns intents filtered by status. With no filter it returns
// the open ones, pending and submitted and partial, which is what the UI
// watches.
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	if raw := r.URL.Query().Get("status"); raw != "" {
		status := domain.TransactionStatus(raw)
		if !validStatuses[status] {
			h.writeError(w, http.StatusBadRequest, "unknown status: "+raw)
			return
		}
		intents, err := h.repo.ListByStatus(status)
		if err != nil {
			h.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		h.writeJSON(w, http.StatusOK, nonNil(intents))
		return
	}

	open := []*domain.TransactionIntent{}
	for _, status := range []domain.TransactionStatus{domain.TxPending, domain.TxSubmitted, domain.TxPartial} {
		intents, err := h.repo.ListByStatus(status)
		if err != nil {
			h.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		open = append(open, intents...)
	}
	h.writeJSON(w, http.StatusOK, open)
}

// HandleGet returns one intent
func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	intent, err := h.repo.GetByID(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if intent == nil {
		h.writeError(w, http.StatusNotFound, "transaction not found")
		return
	}
	h.writeJSON(w, http.StatusOK, intent)
}

// HandleListByDeposit returns every intent funded by a deposit together with
// the total cents committed so far.
func (h *Handler) HandleListByDeposit(w http.ResponseWriter, r *http.Request) {
	depositID := chi.URLParam(r, "depositID")

	intents, err := h.repo.ListByDeposit(depositID)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	total, err := h.repo.SumCentsByDeposit(depositID)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"transactions": nonNil(intents),
		"total_cents":  total,
	})
}

func nonNil(intents []*domain.TransactionIntent) []*domain.TransactionIntent {
	if intents == nil {
		return []*domain.TransactionIntent{}
	}
	return intents
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode response")
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
