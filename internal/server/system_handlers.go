package server

import (
	"encoding/json"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/disk"

	"github.com/dstamatis/pietra/internal/clients/gateway"
	"github.com/dstamatis/pietra/internal/database"
	"github.com/dstamatis/pietra/internal/scheduler"
)

// SystemHandlers serves the operational endpoints: process status, database
// and disk statistics, market hours, and manual job runs.
type SystemHandlers struct {
	log         zerolog.Logger
	dataDir     string
	databases   map[string]*database.DB
	gateway     *gateway.Client
	marketHours *scheduler.MarketHoursService
	sched       *scheduler.Scheduler
	jobs        map[string]scheduler.Job
	startedAt   time.Time
}

// NewSystemHandlers creates the system handlers
func NewSystemHandlers(
	log zerolog.Logger,
	dataDir string,
	databases map[string]*database.DB,
	gw *gateway.Client,
	marketHours *scheduler.MarketHoursService,
) *SystemHandlers {
	return &SystemHandlers{
		log:         log.With().Str("handler", "system").Logger(),
		dataDir:     dataDir,
		databases:   databases,
		gateway:     gw,
		marketHours: marketHours,
		jobs:        make(map[string]scheduler.Job),
		startedAt:   time.Now(),
	}
}

// SetJobs registers jobs that can be triggered manually through the API
func (h *SystemHandlers) SetJobs(sched *scheduler.Scheduler, jobs ...scheduler.Job) {
	h.sched = sched
	for _, job := range jobs {
		h.jobs[job.Name()] = job
	}
}

// RegisterRoutes mounts the system endpoints
func (h *SystemHandlers) RegisterRoutes(r chi.Router) {
	r.Route("/system", func(r chi.Router) {
		r.Get("/status", h.HandleStatus)
		r.Get("/databases", h.HandleDatabases)
		r.Get("/disk", h.HandleDisk)
		r.Get("/market", h.HandleMarket)
		r.Post("/jobs/{name}/run", h.HandleRunJob)
	})
}

// HandleStatus returns process health and broker connectivity
func (h *SystemHandlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
		"market_open":    h.marketHours.IsOpenNow(),
	}
	if h.gateway != nil {
		status["gateway_connected"] = h.gateway.IsConnected()
	}
	h.writeJSON(w, http.StatusOK, status)
}

type databaseStats struct {
	Name      string `json:"name"`
	Profile   string `json:"profile"`
	SizeBytes int64  `json:"size_bytes"`
}

// HandleDatabases returns per-database file statistics
func (h *SystemHandlers) HandleDatabases(w http.ResponseWriter, r *http.Request) {
	stats := make([]databaseStats, 0, len(h.databases))
	for _, db := range h.databases {
		entry := databaseStats{
			Name:    db.Name(),
			Profile: string(db.Profile()),
		}
		if info, err := os.Stat(db.Path()); err == nil {
			entry.SizeBytes = info.Size()
		}
		stats = append(stats, entry)
	}
	h.writeJSON(w, http.StatusOK, stats)
}

// HandleDisk returns disk usage for the data directory
func (h *SystemHandlers) HandleDisk(w http.ResponseWriter, r *http.Request) {
	usage, err := disk.Usage(h.dataDir)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"path":         h.dataDir,
		"total_bytes":  usage.Total,
		"free_bytes":   usage.Free,
		"used_percent": usage.UsedPercent,
	})
}

// HandleMarket returns the market hours view used by the trigger cycles
func (h *SystemHandlers) HandleMarket(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"open":      h.marketHours.IsOpenNow(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// HandleRunJob runs a registered scheduler job immediately
func (h *SystemHandlers) HandleRunJob(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	job, ok := h.jobs[name]
	if !ok || h.sched == nil {
		h.writeError(w, http.StatusNotFound, "unknown job: "+name)
		return
	}

	h.log.Info().Str("job", name).Msg("Manual job run requested")
	if err := h.sched.RunNow(job); err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "completed", "job": name})
}

func (h *SystemHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode response")
	}
}

func (h *SystemHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
