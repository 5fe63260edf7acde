package handler

import (
	"net/http"
	"time"

	"request-governor/internal/service"
)

// StatusHandler serves the governor's diagnostics view.
type StatusHandler struct {
	dispatcher *service.Dispatcher
	now        func() time.Time
}

func NewStatusHandler(d *service.Dispatcher) *StatusHandler {
	return &StatusHandler{dispatcher: d, now: time.Now}
}

// RateLimitStatus is the body of GET /api/rate-limits/status.
type RateLimitStatus struct {
	GeneratedAt time.Time                         `json:"generated_at"`
	Endpoints   map[string]service.EndpointStatus `json:"endpoints"`
}

// ServeHTTP returns the status of every endpoint. It changes nothing.
func (h *StatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, RateLimitStatus{
		GeneratedAt: h.now().UTC(),
		Endpoints:   h.dispatcher.Status(),
	})
}
