// Package handlers provides HTTP handlers for the price history backfill.
// The engine evaluates triggers against stored candles only; these endpoints
// are how candles and earnings dates get into history.db.
package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/dstamatis/pietra/internal/modules/marketdata"
)

// PricePublisher announces fresh candles to interested listeners
type PricePublisher interface {
	PublishPricesUpdated(symbols []string)
}

// Handler handles market data HTTP requests
type Handler struct {
	service   *marketdata.Service
	repo      *marketdata.Repository
	publisher PricePublisher
	log       zerolog.Logger
}

// NewHandler creates a new market data handler
func NewHandler(service *marketdata.Service, repo *marketdata.Repository, publisher PricePublisher, log zerolog.Logger) *Handler {
	return &Handler{
		service:   service,
		repo:      repo,
		publisher: publisher,
		log:       log.With().Str("handler", "marketdata").Logger(),
	}
}

// RegisterRoutes mounts the market data endpoints
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/marketdata/{symbol}", func(r chi.Router) {
		r.Get("/price", h.HandleLatestPrice)
		r.Post("/candles", h.HandleImportCandles)
		r.Post("/earnings", h.HandleImportEarnings)
	})
}

// HandleLatestPrice returns the most recent close for a symbol
func (h *Handler) HandleLatestPrice(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")

	price, err := h.service.LatestPrice(symbol)
	if err != nil {
		h.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"symbol": symbol,
		"price":  price,
	})
}

type candlePayload struct {
	Date   string  `json:"date"` // YYYY-MM-DD
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

// HandleImportCandles stores daily bars for a symbol
func (h *Handler) HandleImportCandles(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")

	var payload []candlePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if len(payload) == 0 {
		h.writeError(w, http.StatusBadRequest, "no candles provided")
		return
	}

	candles := make([]marketdata.Candle, 0, len(payload))
	for _, p := range payload {
		day, err := time.Parse("2006-01-02", p.Date)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid date: "+p.Date)
			return
		}
		candles = append(candles, marketdata.Candle{
			Date:   day.UTC().Unix(),
			Open:   p.Open,
			High:   p.High,
			Low:    p.Low,
			Close:  p.Close,
			Volume: p.Volume,
		})
	}

	if err := h.service.Ingest(symbol, candles); err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if h.publisher != nil {
		h.publisher.PublishPricesUpdated([]string{symbol})
	}

	h.log.Info().Str("symbol", symbol).Int("candles", len(candles)).Msg("Imported candles")
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"symbol":   symbol,
		"imported": len(candles),
	})
}

type earningsPayload struct {
	Dates []string `json:"dates"` // YYYY-MM-DD
}

// HandleImportEarnings stores upcoming and past earnings dates for a symbol
func (h *Handler) HandleImportEarnings(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")

	var payload earningsPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if len(payload.Dates) == 0 {
		h.writeError(w, http.StatusBadRequest, "no dates provided")
		return
	}

	dates := make([]time.Time, 0, len(payload.Dates))
	for _, raw := range payload.Dates {
		day, err := time.Parse("2006-01-02", raw)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid date: "+raw)
			return
		}
		dates = append(dates, day.UTC())
	}

	if err := h.repo.UpsertEarnings(symbol, dates); err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	h.log.Info().Str("symbol", symbol).Int("dates", len(dates)).Msg("Imported earnings dates")
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"symbol":   symbol,
		"imported": len(dates),
	})
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
