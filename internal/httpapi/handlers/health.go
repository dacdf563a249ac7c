package handlers

import (
	"context"
	"net/http"
	"time"
)

type HealthHandler struct {
	dbPing  func(context.Context) error
	busPing func(context.Context) error
	stats   func() map[string]any
}

type HealthHandlerConfig struct {
	DBPing  func(context.Context) error
	BusPing func(context.Context) error
	// Stats supplies process gauges for the detailed view (SSE clients,
	// consumer subscriptions, dead letters).
	Stats func() map[string]any
}

func NewHealthHandler(cfg HealthHandlerConfig) *HealthHandler {
	return &HealthHandler{dbPing: cfg.DBPing, busPing: cfg.BusPing, stats: cfg.Stats}
}

type healthStatus struct {
	Status     string               `json:"status"`
	Timestamp  time.Time            `json:"timestamp"`
	Components map[string]component `json:"components,omitempty"`
	Stats      map[string]any       `json:"stats,omitempty"`
}

type component struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Latency int64  `json:"latency_ms,omitempty"`
}

// Basic handles GET /api/health, a lightweight liveness probe.
func (h *HealthHandler) Basic(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"}, http.StatusOK)
}

// Detailed handles GET /health/detailed, checking every dependency.
func (h *HealthHandler) Detailed(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	status := healthStatus{
		Status:     "healthy",
		Timestamp:  time.Now().UTC(),
		Components: make(map[string]component),
	}

	check := func(name string, ping func(context.Context) error) {
		if ping == nil {
			return
		}
		start := time.Now()
		err := ping(ctx)
		latency := time.Since(start).Milliseconds()
		if err != nil {
			status.Components[name] = component{Status: "unhealthy", Message: err.Error(), Latency: latency}
			status.Status = "unhealthy"
			return
		}
		status.Components[name] = component{Status: "healthy", Latency: latency}
	}

	check("database", h.dbPing)
	check("bus", h.busPing)

	if h.stats != nil {
		status.Stats = h.stats()
	}

	httpStatus := http.StatusOK
	if status.Status == "unhealthy" {
		httpStatus = http.StatusServiceUnavailable
	}
	respondJSON(w, status, httpStatus)
}
