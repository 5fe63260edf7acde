package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"request-governor/internal/config"
)

// Operation is the unit of work executed against an endpoint. target is the
// endpoint the call was admitted on, which can be an alternate of the one
// requested when that one is disabled.
type Operation func(ctx context.Context, target Endpoint) error

// Observer receives dispatcher events, typically to export metrics.
type Observer interface {
	ObserveOutcome(ep Endpoint, o RequestOutcome)
	ObserveWait(endpoint string, wait time.Duration)
	ObserveRejection(endpoint string, reason string)
	ObserveEndpoint(ep Endpoint)
}

type nopObserver struct{}

func (nopObserver) ObserveOutcome(Endpoint, RequestOutcome) {}
func (nopObserver) ObserveWait(string, time.Duration)       {}
func (nopObserver) ObserveRejection(string, string)         {}
func (nopObserver) ObserveEndpoint(Endpoint)                {}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithClock replaces the wall clock, mostly for tests.
func WithClock(c Clock) Option {
	return func(d *Dispatcher) { d.clock = c }
}

// WithLogger sets the logger used for admission and health events.
func WithLogger(l zerolog.Logger) Option {
	return func(d *Dispatcher) { d.log = l }
}

// WithObserver registers an Observer for dispatcher events.
func WithObserver(o Observer) Option {
	return func(d *Dispatcher) {
		if o != nil {
			d.observer = o
		}
	}
}

type callOptions struct {
	timeout time.Duration
}

// CallOption configures a single Do call.
type CallOption func(*callOptions)

// WithTimeout bounds the dispatched operation. Expiry counts as a transient failure.
func WithTimeout(d time.Duration) CallOption {
	return func(o *callOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// Dispatcher is the single choke point for outbound calls. Admission for an
// endpoint is serialized on that endpoint only; calls to different endpoints
// never wait on each other.
type Dispatcher struct {
	cfg        config.GovernorConfig
	registry   *Registry
	tracker    *Tracker
	estimator  *Estimator
	supervisor *Supervisor
	clock      Clock
	log        zerolog.Logger
	observer   Observer
}

// NewDispatcher wires an estimator and a supervisor around registry and tracker.
func NewDispatcher(cfg config.GovernorConfig, registry *Registry, tracker *Tracker, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		cfg:      cfg,
		registry: registry,
		tracker:  tracker,
		clock:    realClock{},
		log:      zerolog.Nop(),
		observer: nopObserver{},
	}
	for _, opt := range opts {
		opt(d)
	}
	d.estimator = NewEstimator(cfg, registry, tracker, d.clock)
	d.supervisor = NewSupervisor(cfg, d.log)
	return d
}

// Registry returns the endpoint registry the dispatcher governs.
func (d *Dispatcher) Registry() *Registry { return d.registry }

// Estimator returns the dispatcher's limit estimator.
func (d *Dispatcher) Estimator() *Estimator { return d.estimator }

// Do runs op against the endpoint once it is admitted. Unknown endpoints are
// registered on first use with conservative defaults.
//
// While the call waits for admission, cancelling ctx abandons it. Once
// dispatched, op runs to completion (bounded by the call timeout) and its
// outcome is recorded even if ctx is cancelled meanwhile.
func (d *Dispatcher) Do(ctx context.Context, id string, op Operation, opts ...CallOption) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	co := callOptions{timeout: d.cfg.OperationTimeout}
	for _, opt := range opts {
		opt(&co)
	}

	ep, created := d.registry.ensure(id)
	if created {
		d.log.Info().Str("endpoint", id).Float64("ceiling", d.cfg.DefaultCeiling).Msg("endpoint registered on first use")
		d.publish(id)
	}

	for attempt := 0; ; attempt++ {
		target, probe, adm, err := d.admit(ctx, ep)
		if err != nil {
			d.reject(id, err)
			return err
		}
		if adm.Allowed {
			return d.execute(ctx, target, probe, op, co)
		}
		if attempt >= d.cfg.MaxAdmissionRetries {
			err := &AdmissionError{Endpoint: id, Err: ErrThrottleExceeded, RetryAfter: adm.Wait}
			d.reject(id, err)
			return err
		}

		d.observer.ObserveWait(target.id, adm.Wait)
		d.log.Debug().
			Str("endpoint", target.id).
			Int("attempt", attempt+1).
			Dur("wait", adm.Wait).
			Msg("admission delayed")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.clock.After(adm.Wait):
		}
	}
}

// Submit is Do for operations that produce a value.
func Submit[T any](ctx context.Context, d *Dispatcher, id string, fn func(context.Context, Endpoint) (T, error), opts ...CallOption) (T, error) {
	var out T
	err := d.Do(ctx, id, func(ctx context.Context, target Endpoint) error {
		v, err := fn(ctx, target)
		if err != nil {
			return err
		}
		out = v
		return nil
	}, opts...)
	return out, err
}

// admit asks ep for admission and, when it is unavailable, tries the
// alternates that share its capability.
func (d *Dispatcher) admit(ctx context.Context, ep *endpoint) (*endpoint, bool, Admission, error) {
	adm, probe, err := d.admitOne(ctx, ep)
	if err == nil {
		return ep, probe, adm, nil
	}
	if !errors.Is(err, ErrEndpointUnavailable) {
		return nil, false, Admission{}, err
	}
	for _, alt := range d.registry.alternates(ep) {
		altAdm, altProbe, altErr := d.admitOne(ctx, alt)
		if altErr != nil {
			continue
		}
		d.log.Debug().Str("endpoint", ep.id).Str("alternate", alt.id).Msg("routing to alternate endpoint")
		return alt, altProbe, altAdm, nil
	}
	return nil, false, Admission{}, err
}

// admitOne makes the check-then-record admission decision atomically for ep.
func (d *Dispatcher) admitOne(ctx context.Context, ep *endpoint) (Admission, bool, error) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	now := d.clock.Now()
	probe, err := d.supervisor.gate(ep, now)
	if err != nil {
		return Admission{}, false, err
	}

	adm, err := d.estimator.check(ctx, ep, now)
	if err != nil {
		d.log.Error().Err(err).Str("endpoint", ep.id).Msg("admission store unavailable, admitting")
	}
	if !adm.Allowed {
		return adm, false, nil
	}
	if err := d.tracker.Attempt(ctx, ep.id, now, d.cfg.Window); err != nil {
		d.log.Error().Err(err).Str("endpoint", ep.id).Msg("failed to log admission")
	}
	if probe {
		ep.probing = true
		d.log.Info().Str("endpoint", ep.id).Msg("probing disabled endpoint")
	}
	return adm, probe, nil
}

func (d *Dispatcher) execute(ctx context.Context, ep *endpoint, probe bool, op Operation, co callOptions) error {
	opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), co.timeout)
	defer cancel()

	ep.mu.Lock()
	target := ep.snapshot()
	ep.mu.Unlock()

	start := d.clock.Now()
	finished := false
	defer func() {
		if finished {
			return
		}
		// the attempt still counts and a probe must not stay in flight
		p := recover()
		d.record(ep, probe, start, fmt.Errorf("operation did not return: %v", p))
		if p != nil {
			panic(p)
		}
	}()
	err := op(opCtx, target)
	finished = true

	class, snap := d.record(ep, probe, start, err)
	if err != nil {
		d.log.Warn().Err(err).
			Str("endpoint", ep.id).
			Str("class", string(class)).
			Float64("ceiling", snap.Ceiling).
			Str("health", string(snap.Health)).
			Msg("upstream call failed")
		return &UpstreamError{Endpoint: ep.id, Class: class, Err: err}
	}
	return nil
}

// record feeds the outcome of a dispatched call to the tracker, estimator and supervisor.
func (d *Dispatcher) record(ep *endpoint, probe bool, start time.Time, err error) (Class, Endpoint) {
	end := d.clock.Now()
	class := Classify(err)
	outcome := RequestOutcome{
		Endpoint:   ep.id,
		At:         end,
		Latency:    end.Sub(start),
		Success:    class == ClassSuccess,
		Class:      class,
		RetryAfter: retryAfterOf(err),
	}
	d.tracker.Record(outcome)

	ep.mu.Lock()
	d.estimator.observe(ep, outcome)
	d.supervisor.evaluate(ep, class, probe, end)
	snap := ep.snapshot()
	ep.mu.Unlock()

	d.observer.ObserveOutcome(snap, outcome)
	return class, snap
}

func (d *Dispatcher) reject(id string, err error) {
	var ae *AdmissionError
	if errors.As(err, &ae) {
		d.observer.ObserveRejection(id, ae.Err.Code)
		d.log.Debug().Str("endpoint", id).Str("reason", ae.Err.Code).Dur("retry_after", ae.RetryAfter).Msg("call rejected")
	}
}

// Status returns a read-only view of every endpoint. With no calls in
// between, two invocations return identical results.
func (d *Dispatcher) Status() map[string]EndpointStatus {
	out := make(map[string]EndpointStatus)
	for _, ep := range d.registry.all() {
		ep.mu.Lock()
		snap := ep.snapshot()
		ep.mu.Unlock()

		stats := d.tracker.Summary(snap.ID)
		out[snap.ID] = EndpointStatus{
			Provider:          snap.Provider,
			Capability:        snap.Capability,
			Ceiling:           snap.Ceiling,
			MaxCeiling:        snap.MaxCeiling,
			Confidence:        snap.Confidence,
			Health:            snap.Health,
			Active:            snap.Active,
			RecentSuccessRate: stats.SuccessRate,
			AvgLatencyMs:      float64(stats.AvgLatency) / float64(time.Millisecond),
			Samples:           stats.Count,
			DisabledUntil:     snap.DisabledUntil,
		}
	}
	return out
}

// Reset returns an endpoint to its initial ceiling and confidence, marks it
// healthy and forgets its history.
func (d *Dispatcher) Reset(ctx context.Context, id string) error {
	ep, err := d.registry.lookup(id)
	if err != nil {
		return err
	}
	ep.mu.Lock()
	ep.resetLearned()
	ep.mu.Unlock()
	err = d.tracker.Reset(ctx, id)
	d.publish(id)
	if err != nil {
		return err
	}
	d.log.Info().Str("endpoint", id).Msg("endpoint state reset")
	return nil
}

// Register declares an endpoint in the registry.
func (d *Dispatcher) Register(spec EndpointSpec) error {
	if err := d.registry.Register(spec); err != nil {
		return err
	}
	d.publish(spec.ID)
	return nil
}

// Deactivate stops the endpoint from taking new calls.
func (d *Dispatcher) Deactivate(id string) error {
	if err := d.registry.Deactivate(id); err != nil {
		return err
	}
	d.publish(id)
	return nil
}

// Activate lets a deactivated endpoint take calls again.
func (d *Dispatcher) Activate(id string) error {
	if err := d.registry.Activate(id); err != nil {
		return err
	}
	d.publish(id)
	return nil
}

// publish hands the endpoint's current state to the observer.
func (d *Dispatcher) publish(id string) {
	if ep, err := d.registry.Get(strings.TrimSpace(id)); err == nil {
		d.observer.ObserveEndpoint(ep)
	}
}
