package repository

import (
	"context"
	"time"
)

// Store keeps the admission log used to compute rolling-window utilization.
// Implementations must be concurrency-safe; the Redis-backed one lets several
// governor replicas share the same window per endpoint.
type Store interface {
	// Admit records an admission for key at the given instant and drops
	// entries that fell out of the window.
	Admit(ctx context.Context, key string, at time.Time, window time.Duration) error

	// Admissions returns the admission timestamps in (now-window, now], oldest first.
	Admissions(ctx context.Context, key string, now time.Time, window time.Duration) ([]time.Time, error)

	// Reset forgets every admission recorded for key.
	Reset(ctx context.Context, key string) error

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error

	Close() error
}
