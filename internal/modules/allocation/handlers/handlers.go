// Package handlers provides HTTP handlers for the deposit lifecycle.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/dstamatis/pietra/internal/domain"
	"github.com/dstamatis/pietra/internal/modules/allocation"
)

// Handler handles deposit HTTP requests
type Handler struct {
	repo    *allocation.Repository
	service *allocation.Service
	log     zerolog.Logger
}

// NewHandler creates a new allocation handler
func NewHandler(repo *allocation.Repository, service *allocation.Service, log zerolog.Logger) *Handler {
	return &Handler{
		repo:    repo,
		service: service,
		log:     log.With().Str("handler", "allocation").Logger(),
	}
}

// RegisterRoutes mounts the deposit endpoints
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/deposits", func(r chi.Router) {
		r.Post("/", h.HandleSubmitDeposit)
		r.Get("/{id}", h.HandleGetDeposit)
		r.Post("/{id}/cancel", h.HandleCancelDeposit)
	})
	r.Get("/portfolios/{id}/deposits", h.HandleListDeposits)
}

type submitDepositRequest struct {
	PortfolioID string `json:"portfolio_id"`
	AmountCents int64  `json:"amount_cents"`
	Source      string `json:"source"`
}

// HandleSubmitDeposit records a deposit and allocates it across the tree
func (h *Handler) HandleSubmitDeposit(w http.ResponseWriter, r *http.Request) {
	var req submitDepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.PortfolioID == "" {
		h.writeError(w, http.StatusBadRequest, "portfolio_id is required")
		return
	}

	d, err := h.service.SubmitDeposit(req.PortfolioID, req.AmountCents, req.Source)
	if err != nil {
		if errors.Is(err, allocation.ErrAllocationUnderdetermined) {
			h.writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.writeJSON(w, http.StatusCreated, d)
}

// HandleGetDeposit returns one deposit with its allocation progress
func (h *Handler) HandleGetDeposit(w http.ResponseWriter, r *http.Request) {
	d, err := h.repo.GetByID(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if d == nil {
		h.writeError(w, http.StatusNotFound, "Deposit not found")
		return
	}
	h.writeJSON(w, http.StatusOK, d)
}

// HandleListDeposits returns a portfolio's deposits
func (h *Handler) HandleListDeposits(w http.ResponseWriter, r *http.Request) {
	deposits, err := h.repo.ListByPortfolio(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if deposits == nil {
		deposits = []*domain.Deposit{}
	}
	h.writeJSON(w, http.StatusOK, deposits)
}

// HandleCancelDeposit forfeits the deposit's remaining deferred cash
func (h *Handler) HandleCancelDeposit(w http.ResponseWriter, r *http.Request) {
	d, err := h.service.CancelDeposit(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, d)
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
