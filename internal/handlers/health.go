package handlers

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"vod-transcoder/internal/logging"
	"vod-transcoder/internal/startup"
)

const (
	statusHealthy  = "healthy"
	statusDegraded = "degraded"

	probeTimeout = 2 * time.Second
)

// HealthResponse contains the health check response
type HealthResponse struct {
	Status   string `json:"status"`
	Ready    bool   `json:"ready"`
	Version  string `json:"version"`
	Uptime   string `json:"uptime"`
	Database string `json:"database"`

	// Jobs counts records by status; omitted when the store is unreachable.
	Jobs        map[string]int `json:"jobs,omitempty"`
	PendingJobs int            `json:"pendingJobs"`

	GoVersion    string `json:"goVersion"`
	NumCPU       int    `json:"numCpu"`
	NumGoroutine int    `json:"numGoroutine"`
}

// HealthCheck returns the health status of the service
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
	defer cancel()

	response := HealthResponse{
		Status:       statusHealthy,
		Ready:        true,
		Version:      startup.Version,
		Uptime:       time.Since(h.startTime).Round(time.Second).String(),
		Database:     "ok",
		PendingJobs:  h.jobs.Pending(),
		GoVersion:    runtime.Version(),
		NumCPU:       runtime.NumCPU(),
		NumGoroutine: runtime.NumGoroutine(),
	}

	if err := h.store.Ping(ctx); err != nil {
		logging.Warn("Health check: database unreachable: %v", err)
		response.Status = statusDegraded
		response.Ready = false
		response.Database = "unreachable"
	} else if counts, err := h.store.CountByStatus(ctx); err == nil {
		response.Jobs = counts
	}

	code := http.StatusOK
	if !response.Ready {
		code = http.StatusServiceUnavailable
	}
	writeJSONStatusCode(w, code, response)
}

// LivenessCheck is a simple liveness probe (always returns 200 if server is running)
func (h *Handlers) LivenessCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	if r.Method != http.MethodHead {
		writeJSON(w, map[string]string{
			"status": "alive",
		})
	}
}

// ReadinessCheck returns 200 only when the metadata store answers.
func (h *Handlers) ReadinessCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
	defer cancel()

	if err := h.store.Ping(ctx); err != nil {
		writeJSONStatusCode(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
		})
		return
	}
	writeJSONStatusCode(w, http.StatusOK, map[string]string{
		"status": "ready",
	})
}
