package service

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"request-governor/internal/config"
)

// Registry is the table of known endpoints. Endpoints are never removed,
// only deactivated.
type Registry struct {
	mu        sync.RWMutex
	endpoints map[string]*endpoint
	cfg       config.GovernorConfig
}

// NewRegistry creates an empty registry using cfg for defaults and bounds.
func NewRegistry(cfg config.GovernorConfig) *Registry {
	return &Registry{
		endpoints: make(map[string]*endpoint),
		cfg:       cfg,
	}
}

// Register adds a declared endpoint with its initial ceiling. An endpoint
// that was only registered on first use takes the declared definition; its
// learned confidence and health are kept.
func (r *Registry) Register(spec EndpointSpec) error {
	spec.ID = strings.TrimSpace(spec.ID)
	if spec.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidEndpoint)
	}
	if spec.Ceiling < 0 || spec.MaxCeiling < 0 {
		return fmt.Errorf("%w: %s: ceilings must not be negative", ErrInvalidEndpoint, spec.ID)
	}

	r.mu.Lock()
	ep, exists := r.endpoints[spec.ID]
	if !exists {
		ep = r.newEndpoint(spec, r.cfg.InitialConfidence)
		ep.declared = true
		r.endpoints[spec.ID] = ep
	}
	r.mu.Unlock()
	if !exists {
		return nil
	}

	ep.mu.Lock()
	defer ep.mu.Unlock()
	if ep.declared {
		return fmt.Errorf("%w: %s", ErrDuplicateEndpoint, spec.ID)
	}
	r.declare(ep, spec)
	return nil
}

// declare applies spec to an endpoint created on first use. ep.mu must be held.
func (r *Registry) declare(ep *endpoint, spec EndpointSpec) {
	fresh := r.newEndpoint(spec, ep.initialConfidence)
	ep.declared = true
	ep.provider = fresh.provider
	ep.url = fresh.url
	ep.capability = fresh.capability
	ep.maxCeiling = fresh.maxCeiling
	ep.initialCeiling = fresh.initialCeiling
	if spec.Ceiling > 0 {
		ep.ceiling = fresh.ceiling
	}
	ep.ceiling = boundCeiling(ep.ceiling, ep.maxCeiling)
}

// Get returns a snapshot of the endpoint or ErrUnknownEndpoint.
func (r *Registry) Get(id string) (Endpoint, error) {
	ep, err := r.lookup(id)
	if err != nil {
		return Endpoint{}, err
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.snapshot(), nil
}

// List returns snapshots of every endpoint ordered by ID.
func (r *Registry) List() []Endpoint {
	eps := r.all()
	out := make([]Endpoint, 0, len(eps))
	for _, ep := range eps {
		ep.mu.Lock()
		out = append(out, ep.snapshot())
		ep.mu.Unlock()
	}
	return out
}

// Deactivate stops the endpoint from taking new calls.
func (r *Registry) Deactivate(id string) error {
	return r.setActive(id, false)
}

// Activate lets a deactivated endpoint take calls again.
func (r *Registry) Activate(id string) error {
	return r.setActive(id, true)
}

func (r *Registry) setActive(id string, active bool) error {
	ep, err := r.lookup(id)
	if err != nil {
		return err
	}
	ep.mu.Lock()
	ep.active = active
	ep.mu.Unlock()
	return nil
}

func (r *Registry) lookup(id string) (*endpoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ep, ok := r.endpoints[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEndpoint, id)
	}
	return ep, nil
}

// ensure returns the endpoint, registering it with cold-start defaults
// (default ceiling, zero confidence) when it has never been seen.
func (r *Registry) ensure(id string) (*endpoint, bool) {
	r.mu.RLock()
	ep, ok := r.endpoints[id]
	r.mu.RUnlock()
	if ok {
		return ep, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if ep, ok := r.endpoints[id]; ok {
		return ep, false
	}
	ep = r.newEndpoint(EndpointSpec{ID: id}, 0)
	r.endpoints[id] = ep
	return ep, true
}

// alternates returns the other endpoints serving the same capability.
// No endpoint lock may be held by the caller.
func (r *Registry) alternates(ep *endpoint) []*endpoint {
	ep.mu.Lock()
	capability := ep.capability
	ep.mu.Unlock()
	if capability == "" {
		return nil
	}
	var out []*endpoint
	for _, other := range r.all() {
		if other == ep {
			continue
		}
		other.mu.Lock()
		same := other.capability == capability
		other.mu.Unlock()
		if same {
			out = append(out, other)
		}
	}
	return out
}

func (r *Registry) all() []*endpoint {
	r.mu.RLock()
	out := make([]*endpoint, 0, len(r.endpoints))
	for _, ep := range r.endpoints {
		out = append(out, ep)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (r *Registry) newEndpoint(spec EndpointSpec, confidence float64) *endpoint {
	maxCeiling := spec.MaxCeiling
	if maxCeiling == 0 || maxCeiling > r.cfg.HardMaxCeiling {
		maxCeiling = r.cfg.HardMaxCeiling
	}
	if maxCeiling < 1 {
		maxCeiling = 1
	}
	ceiling := spec.Ceiling
	if ceiling == 0 {
		ceiling = r.cfg.DefaultCeiling
	}
	ceiling = boundCeiling(ceiling, maxCeiling)

	ep := &endpoint{
		id:                spec.ID,
		provider:          spec.Provider,
		url:               spec.URL,
		capability:        spec.Capability,
		active:            true,
		initialCeiling:    ceiling,
		initialConfidence: confidence,
		maxCeiling:        maxCeiling,
	}
	ep.resetLearned()
	return ep
}

// boundCeiling keeps a ceiling within [1, max].
func boundCeiling(v, limit float64) float64 {
	if v < 1 {
		return 1
	}
	if v > limit {
		return limit
	}
	return v
}
