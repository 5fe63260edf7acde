package handler

import (
	"context"
	"net/http"
	"time"

	"request-governor/internal/service"
)

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler handles health check requests.
type HealthHandler struct {
	store      Pinger
	dispatcher *service.Dispatcher
	version    string
	started    time.Time
}

func NewHealthHandler(store Pinger, d *service.Dispatcher, version string) *HealthHandler {
	return &HealthHandler{store: store, dispatcher: d, version: version, started: time.Now()}
}

// LivenessResponse represents liveness probe response.
type LivenessResponse struct {
	Status string `json:"status"`
	Time   int64  `json:"timestamp"`
}

// ReadinessResponse represents readiness probe response.
type ReadinessResponse struct {
	Status string `json:"status"`
	Store  string `json:"store"`
	Error  string `json:"error,omitempty"`
}

// StatusResponse summarizes the running service.
type StatusResponse struct {
	Service   string                 `json:"service"`
	Version   string                 `json:"version"`
	Timestamp int64                  `json:"timestamp"`
	Uptime    float64                `json:"uptime_seconds"`
	Endpoints map[service.Health]int `json:"endpoints"`
}

// Liveness returns 200 if the service is running.
func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, LivenessResponse{Status: "alive", Time: time.Now().Unix()})
}

// Readiness returns 200 when the admission store answers a ping.
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.store.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, ReadinessResponse{Status: "not_ready", Store: "unreachable", Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, ReadinessResponse{Status: "ready", Store: "ok"})
}

// Status returns service information and how many endpoints are in each health state.
func (h *HealthHandler) Status(w http.ResponseWriter, r *http.Request) {
	counts := map[service.Health]int{
		service.HealthHealthy:  0,
		service.HealthDegraded: 0,
		service.HealthDisabled: 0,
	}
	for _, ep := range h.dispatcher.Registry().List() {
		counts[ep.Health]++
	}
	writeJSON(w, http.StatusOK, StatusResponse{
		Service:   "request-governor",
		Version:   h.version,
		Timestamp: time.Now().Unix(),
		Uptime:    durationSeconds(time.Since(h.started)),
		Endpoints: counts,
	})
}
