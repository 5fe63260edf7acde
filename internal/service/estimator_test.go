package service

import (
	"context"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"request-governor/internal/config"
	"request-governor/internal/repository"
)

type estimatorFixture struct {
	est   *Estimator
	reg   *Registry
	tr    *Tracker
	clock *fakeClock
}

func newEstimatorFixture(cfg config.GovernorConfig) *estimatorFixture {
	clock := newFakeClock()
	reg := NewRegistry(cfg)
	tr := NewTracker(repository.NewMemoryStore(), cfg.HistorySize)
	return &estimatorFixture{
		est:   NewEstimator(cfg, reg, tr, clock),
		reg:   reg,
		tr:    tr,
		clock: clock,
	}
}

// feed records an outcome at the current fake time and lets the estimator learn from it.
func (f *estimatorFixture) feed(t *testing.T, id string, class Class, retryAfter time.Duration) {
	t.Helper()
	ep, err := f.reg.lookup(id)
	require.NoError(t, err)
	o := RequestOutcome{
		Endpoint:   id,
		At:         f.clock.Now(),
		Success:    class == ClassSuccess,
		Class:      class,
		RetryAfter: retryAfter,
	}
	f.tr.Record(o)
	ep.mu.Lock()
	f.est.observe(ep, o)
	ep.mu.Unlock()
}

func TestMayProceedUnknownEndpoint(t *testing.T) {
	f := newEstimatorFixture(config.DefaultGovernor())
	_, err := f.est.MayProceed(context.Background(), "nope")
	require.ErrorIs(t, err, ErrUnknownEndpoint)
}

func TestMayProceedBelowThreshold(t *testing.T) {
	f := newEstimatorFixture(config.DefaultGovernor())
	require.NoError(t, f.reg.Register(EndpointSpec{ID: "rpc", Ceiling: 10}))
	ctx := context.Background()

	// 0.85 * 10 = 8.5, so eight admissions still leave room
	for i := 0; i < 8; i++ {
		require.NoError(t, f.tr.Attempt(ctx, "rpc", f.clock.Now(), time.Minute))
	}
	adm, err := f.est.MayProceed(ctx, "rpc")
	require.NoError(t, err)
	require.True(t, adm.Allowed)

	require.NoError(t, f.tr.Attempt(ctx, "rpc", f.clock.Now(), time.Minute))
	adm, err = f.est.MayProceed(ctx, "rpc")
	require.NoError(t, err)
	require.False(t, adm.Allowed)
}

func TestMayProceedWaitNeverGrowsWithoutEvents(t *testing.T) {
	cfg := config.DefaultGovernor()
	cfg.SafetyMargin = 1
	f := newEstimatorFixture(cfg)
	require.NoError(t, f.reg.Register(EndpointSpec{ID: "rpc", Ceiling: 10}))
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, f.tr.Attempt(ctx, "rpc", epoch.Add(time.Duration(i)*100*time.Millisecond), time.Minute))
	}
	f.clock.Advance(time.Second)

	adm, err := f.est.MayProceed(ctx, "rpc")
	require.NoError(t, err)
	require.False(t, adm.Allowed)
	require.Equal(t, cfg.MaxBackoff, adm.Wait)

	prev := adm.Wait
	for i := 0; i < 100; i++ {
		f.clock.Advance(time.Second)
		adm, err = f.est.MayProceed(ctx, "rpc")
		require.NoError(t, err)
		if adm.Allowed {
			break
		}
		require.LessOrEqual(t, adm.Wait, prev)
		require.GreaterOrEqual(t, adm.Wait, cfg.MinBackoff)
		prev = adm.Wait
	}
	require.True(t, adm.Allowed)
	require.False(t, f.clock.Now().Before(epoch.Add(time.Minute)))
}

func TestRateLimitShrinksCeilingBelowObservedSuccesses(t *testing.T) {
	f := newEstimatorFixture(config.DefaultGovernor())
	require.NoError(t, f.reg.Register(EndpointSpec{ID: "rpc", Ceiling: 20}))

	for i := 0; i < 6; i++ {
		f.feed(t, "rpc", ClassSuccess, 0)
	}
	before, _ := f.reg.Get("rpc")

	f.feed(t, "rpc", ClassRateLimited, 0)
	after, _ := f.reg.Get("rpc")
	require.InDelta(t, 5.0, after.Ceiling, 1e-9)
	require.Less(t, after.Confidence, before.Confidence)

	ep, _ := f.reg.lookup("rpc")
	ep.mu.Lock()
	require.InDelta(t, 1.5, ep.backoffFactor, 1e-9)
	ep.mu.Unlock()

	f.feed(t, "rpc", ClassSuccess, 0)
	ep.mu.Lock()
	require.InDelta(t, 1.0, ep.backoffFactor, 1e-9)
	ep.mu.Unlock()
}

func TestBackoffFactorIsCapped(t *testing.T) {
	cfg := config.DefaultGovernor()
	f := newEstimatorFixture(cfg)
	require.NoError(t, f.reg.Register(EndpointSpec{ID: "rpc"}))

	for i := 0; i < 20; i++ {
		f.feed(t, "rpc", ClassRateLimited, 0)
	}
	ep, _ := f.reg.lookup("rpc")
	ep.mu.Lock()
	defer ep.mu.Unlock()
	require.InDelta(t, cfg.MaxBackoffFactor, ep.backoffFactor, 1e-9)
	require.InDelta(t, 1.0, ep.ceiling, 1e-9)
}

func TestRetryAfterDelaysAdmission(t *testing.T) {
	f := newEstimatorFixture(config.DefaultGovernor())
	require.NoError(t, f.reg.Register(EndpointSpec{ID: "rpc", Ceiling: 10}))
	ctx := context.Background()

	f.feed(t, "rpc", ClassRateLimited, 10*time.Second)

	adm, err := f.est.MayProceed(ctx, "rpc")
	require.NoError(t, err)
	require.False(t, adm.Allowed)
	require.Equal(t, 10*time.Second, adm.Wait)

	f.clock.Advance(10 * time.Second)
	adm, err = f.est.MayProceed(ctx, "rpc")
	require.NoError(t, err)
	require.True(t, adm.Allowed)
}

func TestRetryAfterIsCappedAtCooldownMax(t *testing.T) {
	cfg := config.DefaultGovernor()
	f := newEstimatorFixture(cfg)
	require.NoError(t, f.reg.Register(EndpointSpec{ID: "rpc", Ceiling: 10}))
	ctx := context.Background()

	f.feed(t, "rpc", ClassRateLimited, 365*24*time.Hour)
	ep, err := f.reg.lookup("rpc")
	require.NoError(t, err)
	ep.mu.Lock()
	require.Equal(t, f.clock.Now().Add(cfg.CooldownMax), ep.backoffUntil)
	ep.mu.Unlock()

	adm, err := f.est.MayProceed(ctx, "rpc")
	require.NoError(t, err)
	require.False(t, adm.Allowed)
	require.Equal(t, cfg.MaxBackoff, adm.Wait)

	f.clock.Advance(cfg.CooldownMax)
	adm, err = f.est.MayProceed(ctx, "rpc")
	require.NoError(t, err)
	require.True(t, adm.Allowed)
}

func TestSuccessStreakGrowsCeilingUpToMax(t *testing.T) {
	cfg := config.DefaultGovernor()
	cfg.GrowthStreak = 5
	cfg.GrowthConfidence = 0.3
	f := newEstimatorFixture(cfg)
	require.NoError(t, f.reg.Register(EndpointSpec{ID: "rpc", Ceiling: 10, MaxCeiling: 11}))

	for i := 0; i < 4; i++ {
		f.feed(t, "rpc", ClassSuccess, 0)
	}
	ep, _ := f.reg.Get("rpc")
	require.InDelta(t, 10.0, ep.Ceiling, 1e-9)

	f.feed(t, "rpc", ClassSuccess, 0)
	ep, _ = f.reg.Get("rpc")
	require.InDelta(t, 10.5, ep.Ceiling, 1e-9)

	for i := 0; i < 50; i++ {
		f.feed(t, "rpc", ClassSuccess, 0)
	}
	ep, _ = f.reg.Get("rpc")
	require.InDelta(t, 11.0, ep.Ceiling, 1e-9)
}

func TestNoGrowthWithoutConfidence(t *testing.T) {
	cfg := config.DefaultGovernor()
	cfg.GrowthStreak = 2
	cfg.GrowthConfidence = 0.99
	f := newEstimatorFixture(cfg)
	require.NoError(t, f.reg.Register(EndpointSpec{ID: "rpc", Ceiling: 10}))

	for i := 0; i < 10; i++ {
		f.feed(t, "rpc", ClassSuccess, 0)
	}
	ep, _ := f.reg.Get("rpc")
	require.InDelta(t, 10.0, ep.Ceiling, 1e-9)
}

func TestCeilingAndConfidenceStayBounded(t *testing.T) {
	cfg := config.DefaultGovernor()
	cfg.GrowthStreak = 3
	cfg.GrowthConfidence = 0.2
	cfg.GrowthStep = 0.5
	f := newEstimatorFixture(cfg)
	require.NoError(t, f.reg.Register(EndpointSpec{ID: "rpc", Ceiling: 5, MaxCeiling: 50}))

	classes := []Class{ClassSuccess, ClassSuccess, ClassSuccess, ClassRateLimited, ClassTransient, ClassFatal}
	rng := rand.New(rand.NewPCG(7, 11))
	ep, _ := f.reg.lookup("rpc")

	for i := 0; i < 5000; i++ {
		f.clock.Advance(time.Duration(rng.IntN(3000)) * time.Millisecond)
		f.feed(t, "rpc", classes[rng.IntN(len(classes))], time.Duration(rng.IntN(5))*time.Second)

		ep.mu.Lock()
		ceiling, confidence := ep.ceiling, ep.confidence
		ep.mu.Unlock()
		if ceiling < 1 || ceiling > 50 {
			t.Fatalf("step %d: ceiling %v out of [1, 50]", i, ceiling)
		}
		if confidence < 0 || confidence > 1 {
			t.Fatalf("step %d: confidence %v out of [0, 1]", i, confidence)
		}
	}
}
