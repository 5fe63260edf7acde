package service

import (
	"context"
	"sync"
	"time"

	"request-governor/internal/repository"
)

// Stats summarizes recorded outcomes.
type Stats struct {
	Count       int
	Successes   int
	Failures    int
	RateLimited int
	SuccessRate float64
	AvgLatency  time.Duration
}

// ring is a fixed-size buffer of outcomes; the oldest entry is overwritten
// once it is full.
type ring struct {
	mu    sync.Mutex
	buf   []RequestOutcome
	pos   int // next write position
	count int
}

func (r *ring) add(o RequestOutcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.pos] = o
	r.pos = (r.pos + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
}

// scan calls fn for every retained outcome, oldest first.
func (r *ring) scan(fn func(RequestOutcome)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	start := (r.pos - r.count + len(r.buf)) % len(r.buf)
	for i := 0; i < r.count; i++ {
		fn(r.buf[(start+i)%len(r.buf)])
	}
}

func (r *ring) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pos = 0
	r.count = 0
}

// Tracker keeps per-endpoint outcome history and the admission log.
type Tracker struct {
	store repository.Store
	size  int

	mu    sync.RWMutex
	rings map[string]*ring
}

// NewTracker creates a tracker retaining at most size outcomes per endpoint.
func NewTracker(store repository.Store, size int) *Tracker {
	if size < 1 {
		size = 1
	}
	return &Tracker{
		store: store,
		size:  size,
		rings: make(map[string]*ring),
	}
}

// Record appends an outcome, evicting the oldest one when the buffer is full.
func (t *Tracker) Record(o RequestOutcome) {
	t.ring(o.Endpoint).add(o)
}

// Recent returns the retained outcomes for an endpoint, oldest first.
func (t *Tracker) Recent(id string) []RequestOutcome {
	var out []RequestOutcome
	t.ring(id).scan(func(o RequestOutcome) { out = append(out, o) })
	return out
}

// WindowStats summarizes outcomes recorded in (now-window, now].
func (t *Tracker) WindowStats(id string, window time.Duration, now time.Time) Stats {
	cutoff := now.Add(-window)
	return t.stats(id, func(o RequestOutcome) bool {
		return o.At.After(cutoff) && !o.At.After(now)
	})
}

// Summary summarizes every retained outcome for an endpoint.
func (t *Tracker) Summary(id string) Stats {
	return t.stats(id, func(RequestOutcome) bool { return true })
}

func (t *Tracker) stats(id string, keep func(RequestOutcome) bool) Stats {
	var (
		s     Stats
		total time.Duration
	)
	t.ring(id).scan(func(o RequestOutcome) {
		if !keep(o) {
			return
		}
		s.Count++
		total += o.Latency
		if o.Success {
			s.Successes++
		} else {
			s.Failures++
		}
		if o.Class == ClassRateLimited {
			s.RateLimited++
		}
	})
	if s.Count > 0 {
		s.SuccessRate = float64(s.Successes) / float64(s.Count)
		s.AvgLatency = total / time.Duration(s.Count)
	}
	return s
}

// Attempt logs an admitted call in the admission store.
func (t *Tracker) Attempt(ctx context.Context, id string, at time.Time, window time.Duration) error {
	return t.store.Admit(ctx, id, at, window)
}

// Admissions returns the admissions of an endpoint inside the window ending at now.
func (t *Tracker) Admissions(ctx context.Context, id string, now time.Time, window time.Duration) ([]time.Time, error) {
	return t.store.Admissions(ctx, id, now, window)
}

// Reset clears an endpoint's outcome history and admission log.
func (t *Tracker) Reset(ctx context.Context, id string) error {
	t.ring(id).reset()
	return t.store.Reset(ctx, id)
}

func (t *Tracker) ring(id string) *ring {
	t.mu.RLock()
	r, ok := t.rings[id]
	t.mu.RUnlock()
	if ok {
		return r
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if r, ok := t.rings[id]; ok {
		return r
	}
	r = &ring{buf: make([]RequestOutcome, t.size)}
	t.rings[id] = r
	return r
}
