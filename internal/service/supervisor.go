package service

import (
	"time"

	"github.com/rs/zerolog"

	"request-governor/internal/config"
)

// Supervisor runs the per-endpoint health state machine:
// healthy -> degraded -> disabled -> (probe) -> healthy.
type Supervisor struct {
	cfg config.GovernorConfig
	log zerolog.Logger
}

// NewSupervisor constructs a Supervisor.
func NewSupervisor(cfg config.GovernorConfig, log zerolog.Logger) *Supervisor {
	return &Supervisor{cfg: cfg, log: log}
}

// gate decides whether the endpoint may take a call now. probe is true when
// the call would be the single probe of a disabled endpoint whose cooldown
// has elapsed. ep.mu must be held.
func (s *Supervisor) gate(ep *endpoint, now time.Time) (probe bool, err error) {
	if !ep.active {
		return false, &AdmissionError{Endpoint: ep.id, Err: ErrEndpointUnavailable}
	}
	if ep.health != HealthDisabled {
		return false, nil
	}
	if now.Before(ep.disabledUntil) {
		return false, &AdmissionError{Endpoint: ep.id, Err: ErrEndpointUnavailable, RetryAfter: ep.disabledUntil.Sub(now)}
	}
	if ep.probing {
		return false, &AdmissionError{Endpoint: ep.id, Err: ErrEndpointUnavailable}
	}
	return true, nil
}

// evaluate applies an outcome to the health state. ep.mu must be held.
func (s *Supervisor) evaluate(ep *endpoint, class Class, probe bool, now time.Time) {
	if probe {
		ep.probing = false
	}
	// a reset while the probe was in flight already reinstated the endpoint
	if probe && ep.health == HealthDisabled {
		if class == ClassSuccess || class == ClassFatal {
			s.reinstate(ep)
			return
		}
		ep.cooldown *= 2
		if ep.cooldown > s.cfg.CooldownMax {
			ep.cooldown = s.cfg.CooldownMax
		}
		ep.disabledUntil = now.Add(ep.cooldown)
		s.log.Warn().
			Str("endpoint", ep.id).
			Str("class", string(class)).
			Dur("cooldown", ep.cooldown).
			Msg("probe failed, endpoint stays disabled")
		return
	}

	switch class {
	case ClassSuccess:
		ep.failures = 0
		if ep.health == HealthDegraded {
			s.transition(ep, HealthHealthy)
		}
	case ClassFatal:
	default:
		if ep.health == HealthDisabled {
			// late result of a call admitted before the endpoint was disabled
			return
		}
		ep.failures++
		switch {
		case ep.failures >= s.cfg.DisabledAfter:
			ep.cooldown = s.cfg.CooldownBase
			ep.disabledUntil = now.Add(ep.cooldown)
			s.transition(ep, HealthDisabled)
		case ep.failures >= s.cfg.DegradedAfter && ep.health == HealthHealthy:
			s.transition(ep, HealthDegraded)
		}
	}
}

func (s *Supervisor) reinstate(ep *endpoint) {
	ep.failures = 0
	ep.cooldown = 0
	ep.disabledUntil = time.Time{}
	s.transition(ep, HealthHealthy)
}

func (s *Supervisor) transition(ep *endpoint, to Health) {
	from := ep.health
	ep.health = to
	evt := s.log.Info()
	if to != HealthHealthy {
		evt = s.log.Warn()
	}
	evt.Str("endpoint", ep.id).
		Str("from", string(from)).
		Str("to", string(to)).
		Int("failures", ep.failures).
		Time("disabled_until", ep.disabledUntil).
		Msg("endpoint health changed")
}
