// Package handlers provides HTTP handlers for build rule management.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dstamatis/pietra/internal/modules/triggers"
)

// Handler handles build rule HTTP requests
type Handler struct {
	repo *triggers.Repository
	log  zerolog.Logger
}

// NewHandler creates a new build rule handler
func NewHandler(repo *triggers.Repository, log zerolog.Logger) *Handler {
	return &Handler{
		repo: repo,
		log:  log.With().Str("handler", "build_rules").Logger(),
	}
}

// RegisterRoutes mounts the build rule endpoints
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/rules", func(r chi.Router) {
		r.Get("/", h.HandleListActive)
		r.Get("/{id}", h.HandleGet)
		r.Put("/{id}/params", h.HandleUpdateParams)
		r.Put("/{id}/active", h.HandleSetActive)
	})
	r.Route("/slices/{sliceID}/rule", func(r chi.Router) {
		r.Get("/", h.HandleGetForSlice)
		r.Post("/", h.HandleCreate)
	})
}

type ruleRequest struct {
	Kind   string          `json:"kind"`
	Params json.RawMessage `json:"params"`
}

// HandleCreate attaches a build rule to a slice. A slice holds at most one
// rule; a second create is rejected.
func (h *Handler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	sliceID := chi.URLParam(r, "sliceID")

	var req ruleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	params, err := triggers.ParseParams(triggers.Kind(req.Kind), req.Params)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	existing, err := h.repo.GetBySliceID(sliceID)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if existing != nil {
		h.writeError(w, http.StatusConflict, "slice already has a build rule")
		return
	}

	rule := &triggers.Rule{
		ID:       uuid.New().String(),
		SliceID:  sliceID,
		Params:   params,
		IsActive: true,
	}
	if err := h.repo.Create(rule); err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	created, err := h.repo.GetByID(rule.ID)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusCreated, created)
}

// HandleGet returns one rule
func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	rule, err := h.repo.GetByID(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if rule == nil {
		h.writeError(w, http.StatusNotFound, "build rule not found")
		return
	}
	h.writeJSON(w, http.StatusOK, rule)
}

// HandleGetForSlice returns the slice's rule
func (h *Handler) HandleGetForSlice(w http.ResponseWriter, r *http.Request) {
	rule, err := h.repo.GetBySliceID(chi.URLParam(r, "sliceID"))
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if rule == nil {
		h.writeError(w, http.StatusNotFound, "slice has no build rule")
		return
	}
	h.writeJSON(w, http.StatusOK, rule)
}

// HandleListActive returns every active rule
func (h *Handler) HandleListActive(w http.ResponseWriter, r *http.Request) {
	rules, err := h.repo.ListActive()
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if rules == nil {
		rules = []*triggers.Rule{}
	}
	h.writeJSON(w, http.StatusOK, rules)
}

// HandleUpdateParams replaces a rule's kind and parameters
func (h *Handler) HandleUpdateParams(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req ruleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	params, err := triggers.ParseParams(triggers.Kind(req.Kind), req.Params)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.repo.UpdateParams(id, params); err != nil {
		h.writeError(w, http.StatusNotFound, err.Error())
		return
	}

	updated, err := h.repo.GetByID(id)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, updated)
}

type setActiveRequest struct {
	Active bool `json:"active"`
}

// HandleSetActive pauses or resumes a rule
func (h *Handler) HandleSetActive(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req setActiveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := h.repo.SetActive(id, req.Active); err != nil {
		h.writeError(w, http.StatusNotFound, err.Error())
		return
	}

	updated, err := h.repo.GetByID(id)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, updated)
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
