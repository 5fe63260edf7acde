package service

import (
	"context"
	"math"
	"time"

	"request-governor/internal/config"
)

// Estimator turns tracker history into an adaptive per-endpoint ceiling and
// decides whether a call may proceed now.
type Estimator struct {
	cfg      config.GovernorConfig
	registry *Registry
	tracker  *Tracker
	clock    Clock
}

// NewEstimator constructs an Estimator.
func NewEstimator(cfg config.GovernorConfig, registry *Registry, tracker *Tracker, clock Clock) *Estimator {
	if clock == nil {
		clock = realClock{}
	}
	return &Estimator{cfg: cfg, registry: registry, tracker: tracker, clock: clock}
}

// MayProceed reports whether a call to the endpoint would be admitted now and,
// if not, how long to wait before asking again. It records nothing.
func (e *Estimator) MayProceed(ctx context.Context, id string) (Admission, error) {
	ep, err := e.registry.lookup(id)
	if err != nil {
		return Admission{}, err
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return e.check(ctx, ep, e.clock.Now())
}

// check must be called with ep.mu held. On store errors it returns an
// allowing admission together with the error.
func (e *Estimator) check(ctx context.Context, ep *endpoint, now time.Time) (Admission, error) {
	admitted, err := e.tracker.Admissions(ctx, ep.id, now, e.cfg.Window)
	if err != nil {
		return Admission{Allowed: true}, err
	}

	var wait time.Duration
	if now.Before(ep.backoffUntil) {
		wait = ep.backoffUntil.Sub(now)
	}

	threshold := e.cfg.SafetyMargin * ep.ceiling
	if float64(len(admitted)) >= threshold {
		// Wait until enough admissions age out to drop below the threshold.
		keep := int(math.Ceil(threshold)) - 1
		if keep < 0 {
			keep = 0
		}
		idx := len(admitted) - keep - 1
		rollover := admitted[idx].Add(e.cfg.Window).Sub(now)
		if w := time.Duration(float64(rollover) * ep.backoffFactor); w > wait {
			wait = w
		}
	}

	if wait <= 0 {
		return Admission{Allowed: true}, nil
	}
	return Admission{Allowed: false, Wait: e.clampWait(wait)}, nil
}

// observe feeds an outcome back into the endpoint's estimate. ep.mu must be held.
func (e *Estimator) observe(ep *endpoint, o RequestOutcome) {
	switch o.Class {
	case ClassSuccess:
		ep.confidence += e.cfg.ConfidenceGain * (1 - ep.confidence)
		ep.backoffFactor = math.Max(1, ep.backoffFactor/e.cfg.BackoffMultiplier)
		ep.successStreak++
		if ep.successStreak >= e.cfg.GrowthStreak && ep.confidence > e.cfg.GrowthConfidence {
			ep.ceiling = ep.ceiling * (1 + e.cfg.GrowthStep)
			ep.successStreak = 0
		}
	case ClassRateLimited:
		successes := e.tracker.WindowStats(ep.id, e.cfg.Window, o.At).Successes
		if limit := math.Max(1, float64(successes-1)); ep.ceiling > limit {
			ep.ceiling = limit
		}
		ep.backoffFactor = math.Min(ep.backoffFactor*e.cfg.BackoffMultiplier, e.cfg.MaxBackoffFactor)
		ep.confidence *= 1 - e.cfg.ConfidencePenalty
		ep.successStreak = 0
		if o.RetryAfter > 0 {
			// never hold an endpoint longer than a disabled one would be
			retryAfter := min(o.RetryAfter, e.cfg.CooldownMax)
			if until := o.At.Add(retryAfter); until.After(ep.backoffUntil) {
				ep.backoffUntil = until
			}
		}
	case ClassTransient:
		ep.confidence *= 1 - e.cfg.ConfidencePenalty
		ep.successStreak = 0
	case ClassFatal:
		// the endpoint answered; the request itself was bad
	}
	ep.ceiling = boundCeiling(ep.ceiling, ep.maxCeiling)
	ep.confidence = math.Min(1, math.Max(0, ep.confidence))
}

func (e *Estimator) clampWait(d time.Duration) time.Duration {
	if d < e.cfg.MinBackoff {
		return e.cfg.MinBackoff
	}
	if d > e.cfg.MaxBackoff {
		return e.cfg.MaxBackoff
	}
	return d
}
