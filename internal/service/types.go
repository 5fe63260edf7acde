package service

import (
	"sync"
	"time"
)

// Health is the recovery state of an endpoint.
type Health string

const (
	HealthHealthy  Health = "healthy"
	HealthDegraded Health = "degraded"
	HealthDisabled Health = "disabled"
)

// Class classifies the outcome of a dispatched call.
type Class string

const (
	ClassSuccess     Class = "success"
	ClassTransient   Class = "transient"
	ClassRateLimited Class = "rate_limited"
	ClassFatal       Class = "fatal"
)

// EndpointSpec declares an endpoint to the registry.
type EndpointSpec struct {
	ID         string
	Provider   string
	URL        string
	Capability string
	// Ceiling is the initial requests-per-window estimate. Zero means the configured default.
	Ceiling float64
	// MaxCeiling caps growth for this endpoint. Zero means the configured hard maximum.
	MaxCeiling float64
}

// Endpoint is a point-in-time snapshot of an endpoint and its learned state.
type Endpoint struct {
	ID            string    `json:"id"`
	Provider      string    `json:"provider,omitempty"`
	URL           string    `json:"url,omitempty"`
	Capability    string    `json:"capability,omitempty"`
	Ceiling       float64   `json:"ceiling"`
	MaxCeiling    float64   `json:"max_ceiling"`
	Confidence    float64   `json:"confidence"`
	Health        Health    `json:"health"`
	Active        bool      `json:"active"`
	DisabledUntil time.Time `json:"disabled_until,omitempty"`
}

// RequestOutcome records how one dispatched call resolved.
type RequestOutcome struct {
	Endpoint   string
	At         time.Time
	Latency    time.Duration
	Success    bool
	Class      Class
	RetryAfter time.Duration
}

// Admission is the estimator's verdict for a call.
type Admission struct {
	Allowed bool
	Wait    time.Duration
}

// EndpointStatus is the diagnostics view of one endpoint.
type EndpointStatus struct {
	Provider          string    `json:"provider,omitempty"`
	Capability        string    `json:"capability,omitempty"`
	Ceiling           float64   `json:"ceiling"`
	MaxCeiling        float64   `json:"max_ceiling"`
	Confidence        float64   `json:"confidence"`
	Health            Health    `json:"health"`
	Active            bool      `json:"active"`
	RecentSuccessRate float64   `json:"recent_success_rate"`
	AvgLatencyMs      float64   `json:"avg_latency_ms"`
	Samples           int       `json:"samples"`
	DisabledUntil     time.Time `json:"disabled_until,omitempty"`
}

// endpoint holds the mutable per-endpoint state. Admission decisions, learning
// and health transitions for one endpoint all happen under mu.
type endpoint struct {
	mu sync.Mutex

	id         string
	provider   string
	url        string
	capability string
	active     bool
	// declared is false for endpoints registered on first use
	declared bool

	initialCeiling    float64
	initialConfidence float64
	maxCeiling        float64

	ceiling       float64
	confidence    float64
	successStreak int
	backoffFactor float64
	backoffUntil  time.Time

	health        Health
	failures      int
	cooldown      time.Duration
	disabledUntil time.Time
	probing       bool
}

// snapshot must be called with e.mu held.
func (e *endpoint) snapshot() Endpoint {
	return Endpoint{
		ID:            e.id,
		Provider:      e.provider,
		URL:           e.url,
		Capability:    e.capability,
		Ceiling:       e.ceiling,
		MaxCeiling:    e.maxCeiling,
		Confidence:    e.confidence,
		Health:        e.health,
		Active:        e.active,
		DisabledUntil: e.disabledUntil,
	}
}

// resetLearned must be called with e.mu held.
func (e *endpoint) resetLearned() {
	e.ceiling = e.initialCeiling
	e.confidence = e.initialConfidence
	e.successStreak = 0
	e.backoffFactor = 1
	e.backoffUntil = time.Time{}
	e.health = HealthHealthy
	e.failures = 0
	e.cooldown = 0
	e.disabledUntil = time.Time{}
	e.probing = false
}
