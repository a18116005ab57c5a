// Package handlers provides HTTP handlers for hierarchy management.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/dstamatis/pietra/internal/domain"
	"github.com/dstamatis/pietra/internal/modules/pies"
	"github.com/dstamatis/pietra/internal/modules/weights"
)

// Handler handles hierarchy HTTP requests
type Handler struct {
	repo    *pies.Repository
	service *pies.Service
	log     zerolog.Logger
}

// NewHandler creates a new hierarchy handler
func NewHandler(repo *pies.Repository, service *pies.Service, log zerolog.Logger) *Handler {
	return &Handler{
		repo:    repo,
		service: service,
		log:     log.With().Str("handler", "pies").Logger(),
	}
}

// RegisterRoutes mounts the hierarchy endpoints
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/portfolios", func(r chi.Router) {
		r.Get("/", h.HandleListPortfolios)
		r.Post("/", h.HandleCreatePortfolio)
		r.Get("/{id}", h.HandleGetPortfolio)
		r.Put("/{id}", h.HandleUpdatePortfolio)
		r.Delete("/{id}", h.HandleDeletePortfolio)
		r.Get("/{id}/pies", h.HandleListPies)
		r.Post("/{id}/pies", h.HandleCreatePie)
	})
	r.Route("/pies", func(r chi.Router) {
		r.Get("/{id}", h.HandleGetPie)
		r.Put("/{id}", h.HandleUpdatePie)
		r.Delete("/{id}", h.HandleDeletePie)
		r.Post("/{id}/slices", h.HandleCreateSlice)
	})
	r.Route("/slices", func(r chi.Router) {
		r.Get("/{id}", h.HandleGetSlice)
		r.Put("/{id}", h.HandleUpdateSlice)
		r.Delete("/{id}", h.HandleDeleteSlice)
	})
}

type createPortfolioRequest struct {
	UserID          string `json:"user_id"`
	Name            string `json:"name"`
	Description     string `json:"description"`
	AccountType     string `json:"account_type"`
	BrokerAccountID string `json:"broker_account_id"`
}

// HandleCreatePortfolio creates a portfolio root
func (h *Handler) HandleCreatePortfolio(w http.ResponseWriter, r *http.Request) {
	var req createPortfolioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.UserID == "" {
		h.writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	p, err := h.service.CreatePortfolio(req.UserID, req.Name, req.Description, req.AccountType, req.BrokerAccountID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.writeJSON(w, http.StatusCreated, p)
}

// HandleListPortfolios returns a user's portfolios
func (h *Handler) HandleListPortfolios(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		h.writeError(w, http.StatusBadRequest, "user_id query parameter is required")
		return
	}

	portfolios, err := h.repo.ListPortfolios(userID)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if portfolios == nil {
		portfolios = []*pies.Portfolio{}
	}
	h.writeJSON(w, http.StatusOK, portfolios)
}

// HandleGetPortfolio returns one portfolio
func (h *Handler) HandleGetPortfolio(w http.ResponseWriter, r *http.Request) {
	p, err := h.repo.GetPortfolio(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if p == nil {
		h.writeError(w, http.StatusNotFound, "Portfolio not found")
		return
	}
	h.writeJSON(w, http.StatusOK, p)
}

// HandleUpdatePortfolio rewrites portfolio fields
func (h *Handler) HandleUpdatePortfolio(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	existing, err := h.repo.GetPortfolio(id)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if existing == nil {
		h.writeError(w, http.StatusNotFound, "Portfolio not found")
		return
	}

	var p pies.Portfolio
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	p.ID = id
	p.UserID = existing.UserID

	if err := h.repo.UpdatePortfolio(&p); err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, p)
}

// HandleDeletePortfolio removes a portfolio and its subtree
func (h *Handler) HandleDeletePortfolio(w http.ResponseWriter, r *http.Request) {
	if err := h.repo.DeletePortfolio(chi.URLParam(r, "id")); err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

type createPieRequest struct {
	Name         string  `json:"name"`
	Description  string  `json:"description"`
	Color        string  `json:"color"`
	Icon         string  `json:"icon"`
	TargetWeight float64 `json:"target_weight"`
	DisplayOrder int     `json:"display_order"`
}

// HandleCreatePie adds a pie under a portfolio
func (h *Handler) HandleCreatePie(w http.ResponseWriter, r *http.Request) {
	portfolioID := chi.URLParam(r, "id")

	var req createPieRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	p, err := h.service.CreatePie(portfolioID, req.Name, req.Description, req.Color, req.Icon, req.TargetWeight, req.DisplayOrder)
	if err != nil {
		h.writeWeightError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, p)
}

// HandleListPies returns all pies in a portfolio
func (h *Handler) HandleListPies(w http.ResponseWriter, r *http.Request) {
	list, err := h.repo.ListPies(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if list == nil {
		list = []*pies.Pie{}
	}
	h.writeJSON(w, http.StatusOK, list)
}

// HandleGetPie returns a pie with its slices
func (h *Handler) HandleGetPie(w http.ResponseWriter, r *http.Request) {
	out, err := h.service.GetPieWithSlices(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, out)
}

// HandleUpdatePie rewrites a pie through the weight ledger
func (h *Handler) HandleUpdatePie(w http.ResponseWriter, r *http.Request) {
	var p pies.Pie
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	p.ID = chi.URLParam(r, "id")

	updated, err := h.service.UpdatePie(&p)
	if err != nil {
		h.writeWeightError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, updated)
}

// HandleDeletePie removes a pie
func (h *Handler) HandleDeletePie(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeletePie(chi.URLParam(r, "id")); err != nil {
		h.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

type createSliceRequest struct {
	Symbol       string  `json:"symbol"`
	Name         string  `json:"name"`
	TargetWeight float64 `json:"target_weight"`
	PositionType string  `json:"position_type"`
	DisplayOrder int     `json:"display_order"`
	Notes        string  `json:"notes"`
}

// HandleCreateSlice adds an instrument to a pie
func (h *Handler) HandleCreateSlice(w http.ResponseWriter, r *http.Request) {
	pieID := chi.URLParam(r, "id")

	var req createSliceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	sl, err := h.service.CreateSlice(pieID, req.Symbol, req.Name, req.TargetWeight,
		domain.PositionType(req.PositionType), req.DisplayOrder, req.Notes)
	if err != nil {
		h.writeWeightError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, sl)
}

// HandleGetSlice returns one slice
func (h *Handler) HandleGetSlice(w http.ResponseWriter, r *http.Request) {
	sl, err := h.repo.GetSlice(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if sl == nil {
		h.writeError(w, http.StatusNotFound, "Slice not found")
		return
	}
	h.writeJSON(w, http.StatusOK, sl)
}

// HandleUpdateSlice rewrites a slice through the weight ledger
func (h *Handler) HandleUpdateSlice(w http.ResponseWriter, r *http.Request) {
	var sl pies.Slice
	if err := json.NewDecoder(r.Body).Decode(&sl); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	sl.ID = chi.URLParam(r, "id")

	updated, err := h.service.UpdateSlice(&sl)
	if err != nil {
		h.writeWeightError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, updated)
}

// HandleDeleteSlice removes a slice
func (h *Handler) HandleDeleteSlice(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeleteSlice(chi.URLParam(r, "id")); err != nil {
		h.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// writeWeightError maps weight cap violations to 422 so the UI can show
// the remaining headroom; everything else is a 400.
func (h *Handler) writeWeightError(w http.ResponseWriter, err error) {
	var weightErr *weights.WeightExceededError
	if errors.As(err, &weightErr) {
		h.writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
			"error":           weightErr.Error(),
			"level":           string(weightErr.Level),
			"parent_id":       weightErr.ParentID,
			"current_total":   weightErr.CurrentTotal,
			"attempted_total": weightErr.AttemptedTotal,
		})
		return
	}
	h.writeError(w, http.StatusBadRequest, err.Error())
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
