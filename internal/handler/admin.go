package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"request-governor/internal/service"
)

// AdminHandler manages endpoints at runtime.
type AdminHandler struct {
	dispatcher *service.Dispatcher
	log        zerolog.Logger
}

func NewAdminHandler(d *service.Dispatcher, log zerolog.Logger) *AdminHandler {
	return &AdminHandler{dispatcher: d, log: log}
}

// EndpointRequest is the body of POST /admin/endpoints.
type EndpointRequest struct {
	ID         string  `json:"id"`
	Provider   string  `json:"provider"`
	URL        string  `json:"url"`
	Capability string  `json:"capability"`
	Ceiling    float64 `json:"ceiling"`
	MaxCeiling float64 `json:"max_ceiling"`
}

// Routes returns the admin routes, relative to where they are mounted.
func (a *AdminHandler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/endpoints", a.list)
	r.Post("/endpoints", a.register)
	r.Post("/endpoints/{id}/deactivate", a.deactivate)
	r.Post("/endpoints/{id}/activate", a.activate)
	r.Post("/endpoints/{id}/reset", a.reset)
	return r
}

func (a *AdminHandler) list(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.dispatcher.Registry().List())
}

func (a *AdminHandler) register(w http.ResponseWriter, r *http.Request) {
	var req EndpointRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, a.log, fmt.Errorf("%w: %v", service.ErrInvalidEndpoint, err))
		return
	}
	err := a.dispatcher.Register(service.EndpointSpec{
		ID:         req.ID,
		Provider:   req.Provider,
		URL:        req.URL,
		Capability: req.Capability,
		Ceiling:    req.Ceiling,
		MaxCeiling: req.MaxCeiling,
	})
	if err != nil {
		writeError(w, a.log, err)
		return
	}
	ep, err := a.dispatcher.Registry().Get(strings.TrimSpace(req.ID))
	if err != nil {
		writeError(w, a.log, err)
		return
	}
	a.log.Info().Str("endpoint", ep.ID).Str("url", ep.URL).Float64("ceiling", ep.Ceiling).Msg("endpoint registered")
	writeJSON(w, http.StatusCreated, ep)
}

func (a *AdminHandler) deactivate(w http.ResponseWriter, r *http.Request) {
	a.apply(w, r, "deactivated", a.dispatcher.Deactivate)
}

func (a *AdminHandler) activate(w http.ResponseWriter, r *http.Request) {
	a.apply(w, r, "activated", a.dispatcher.Activate)
}

func (a *AdminHandler) reset(w http.ResponseWriter, r *http.Request) {
	a.apply(w, r, "reset", func(id string) error {
		return a.dispatcher.Reset(r.Context(), id)
	})
}

func (a *AdminHandler) apply(w http.ResponseWriter, r *http.Request, action string, fn func(string) error) {
	id := chi.URLParam(r, "id")
	if err := fn(id); err != nil {
		writeError(w, a.log, err)
		return
	}
	ep, err := a.dispatcher.Registry().Get(id)
	if err != nil {
		writeError(w, a.log, err)
		return
	}
	a.log.Info().Str("endpoint", id).Str("action", action).Msg("endpoint updated")
	writeJSON(w, http.StatusOK, ep)
}
