package service

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"request-governor/internal/config"
)

func TestRegistryRegisterAndGet(t *testing.T) {
	reg := NewRegistry(config.DefaultGovernor())
	require.NoError(t, reg.Register(EndpointSpec{
		ID:         "helius",
		Provider:   "solana",
		URL:        "https://rpc.example",
		Capability: "solana-rpc",
		Ceiling:    40,
	}))

	ep, err := reg.Get("helius")
	require.NoError(t, err)
	require.Equal(t, "solana", ep.Provider)
	require.InDelta(t, 40.0, ep.Ceiling, 1e-9)
	require.InDelta(t, 1000.0, ep.MaxCeiling, 1e-9)
	require.InDelta(t, 0.5, ep.Confidence, 1e-9)
	require.Equal(t, HealthHealthy, ep.Health)
	require.True(t, ep.Active)
}

func TestRegistryErrors(t *testing.T) {
	reg := NewRegistry(config.DefaultGovernor())

	_, err := reg.Get("missing")
	require.True(t, errors.Is(err, ErrUnknownEndpoint))

	require.ErrorIs(t, reg.Register(EndpointSpec{ID: "  "}), ErrInvalidEndpoint)
	require.ErrorIs(t, reg.Register(EndpointSpec{ID: "x", Ceiling: -1}), ErrInvalidEndpoint)

	require.NoError(t, reg.Register(EndpointSpec{ID: "x"}))
	require.ErrorIs(t, reg.Register(EndpointSpec{ID: "x"}), ErrDuplicateEndpoint)
}

func TestRegistryClampsCeilings(t *testing.T) {
	cfg := config.DefaultGovernor()
	cfg.HardMaxCeiling = 100
	reg := NewRegistry(cfg)

	require.NoError(t, reg.Register(EndpointSpec{ID: "big", Ceiling: 500, MaxCeiling: 5000}))
	require.NoError(t, reg.Register(EndpointSpec{ID: "tiny", Ceiling: 0.2}))
	require.NoError(t, reg.Register(EndpointSpec{ID: "capped", Ceiling: 30, MaxCeiling: 20}))

	big, _ := reg.Get("big")
	require.InDelta(t, 100.0, big.MaxCeiling, 1e-9)
	require.InDelta(t, 100.0, big.Ceiling, 1e-9)

	tiny, _ := reg.Get("tiny")
	require.InDelta(t, 1.0, tiny.Ceiling, 1e-9)

	capped, _ := reg.Get("capped")
	require.InDelta(t, 20.0, capped.Ceiling, 1e-9)
}

func TestRegistryEnsureColdStart(t *testing.T) {
	cfg := config.DefaultGovernor()
	reg := NewRegistry(cfg)

	ep, created := reg.ensure("fresh")
	require.True(t, created)
	again, created := reg.ensure("fresh")
	require.False(t, created)
	require.Same(t, ep, again)

	snap, err := reg.Get("fresh")
	require.NoError(t, err)
	require.InDelta(t, cfg.DefaultCeiling, snap.Ceiling, 1e-9)
	require.Zero(t, snap.Confidence)
}

func TestRegistryListAndDeactivate(t *testing.T) {
	reg := NewRegistry(config.DefaultGovernor())
	for _, id := range []string{"c", "a", "b"} {
		require.NoError(t, reg.Register(EndpointSpec{ID: id}))
	}

	list := reg.List()
	require.Len(t, list, 3)
	require.Equal(t, "a", list[0].ID)
	require.Equal(t, "c", list[2].ID)

	require.NoError(t, reg.Deactivate("b"))
	b, _ := reg.Get("b")
	require.False(t, b.Active)
	require.NoError(t, reg.Activate("b"))
	b, _ = reg.Get("b")
	require.True(t, b.Active)

	require.ErrorIs(t, reg.Deactivate("zzz"), ErrUnknownEndpoint)
}

func TestRegistryAlternates(t *testing.T) {
	reg := NewRegistry(config.DefaultGovernor())
	require.NoError(t, reg.Register(EndpointSpec{ID: "primary", Capability: "rpc"}))
	require.NoError(t, reg.Register(EndpointSpec{ID: "backup", Capability: "rpc"}))
	require.NoError(t, reg.Register(EndpointSpec{ID: "feeds", Capability: "rss"}))
	require.NoError(t, reg.Register(EndpointSpec{ID: "lonely"}))

	primary, _ := reg.lookup("primary")
	alts := reg.alternates(primary)
	require.Len(t, alts, 1)
	require.Equal(t, "backup", alts[0].id)

	lonely, _ := reg.lookup("lonely")
	require.Empty(t, reg.alternates(lonely))
}

func TestRegistryDeclaresColdStartedEndpoint(t *testing.T) {
	cfg := config.DefaultGovernor()
	reg := NewRegistry(cfg)

	ep, created := reg.ensure("rpc")
	require.True(t, created)
	ep.mu.Lock()
	ep.ceiling = 3
	ep.confidence = 0.4
	ep.mu.Unlock()

	require.NoError(t, reg.Register(EndpointSpec{ID: "rpc", Provider: "solana", URL: "https://rpc.example", Capability: "solana-rpc", MaxCeiling: 50}))
	snap, err := reg.Get("rpc")
	require.NoError(t, err)
	require.Equal(t, "https://rpc.example", snap.URL)
	require.Equal(t, "solana-rpc", snap.Capability)
	require.InDelta(t, 50.0, snap.MaxCeiling, 1e-9)
	require.InDelta(t, 3.0, snap.Ceiling, 1e-9, "learned ceiling is kept without a declared one")
	require.InDelta(t, 0.4, snap.Confidence, 1e-9)

	require.ErrorIs(t, reg.Register(EndpointSpec{ID: "rpc"}), ErrDuplicateEndpoint)

	other, _ := reg.ensure("other")
	require.NoError(t, reg.Register(EndpointSpec{ID: "other", Capability: "solana-rpc"}))
	alts := reg.alternates(ep)
	require.Len(t, alts, 1)
	require.Same(t, other, alts[0])
}
