package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"request-governor/internal/config"
	"request-governor/internal/handler"
	"request-governor/internal/metrics"
	"request-governor/internal/middleware"
	"request-governor/internal/repository"
	"request-governor/internal/service"
	"request-governor/internal/upstream"
)

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the governor HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			log := setupLogger(cfg.Logging)

			store, err := setupStore(cfg.Redis, log)
			if err != nil {
				return fmt.Errorf("failed to setup store: %w", err)
			}
			defer store.Close()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, store, log)
		},
	}
}

// app is everything the HTTP server needs.
type app struct {
	dispatcher *service.Dispatcher
	metrics    *metrics.Registry
	cache      *upstream.ResponseCache
	transport  *upstream.Transport
}

func newApp(cfg *config.Config, store repository.Store, log zerolog.Logger) (*app, error) {
	m := metrics.NewRegistry()
	d := service.NewDispatcher(cfg.Governor, service.NewRegistry(cfg.Governor),
		service.NewTracker(store, cfg.Governor.HistorySize),
		service.WithLogger(log),
		service.WithObserver(m),
	)
	for _, ep := range cfg.Endpoints {
		err := d.Register(service.EndpointSpec{
			ID:         ep.ID,
			Provider:   ep.Provider,
			URL:        ep.URL,
			Capability: ep.Capability,
			Ceiling:    ep.Ceiling,
			MaxCeiling: ep.MaxCeiling,
		})
		if err != nil {
			return nil, fmt.Errorf("register endpoint %q: %w", ep.ID, err)
		}
	}

	cache := upstream.NewResponseCache(cfg.Server.CacheEntries, cfg.Server.CacheMaxEntryBytes, 30*time.Second)
	return &app{
		dispatcher: d,
		metrics:    m,
		cache:      cache,
		transport: upstream.NewTransport(d,
			upstream.WithCache(cache),
			upstream.WithMaxResponseBytes(cfg.Server.MaxResponseSize),
			upstream.WithLogger(log),
		),
	}, nil
}

func (a *app) Close() {
	a.cache.Close()
}

func newRouter(cfg *config.Config, a *app, store repository.Store, log zerolog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logging(log))
	r.Use(middleware.Instrument(a.metrics))
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestSizeLimit(cfg.Server.MaxRequestSize, log))

	health := handler.NewHealthHandler(store, a.dispatcher, version)
	r.Get("/health", health.Liveness)
	r.Get("/ready", health.Readiness)
	r.Get("/status", health.Status)
	r.Handle("/metrics", a.metrics.Handler())
	r.Get("/api/rate-limits/status", handler.NewStatusHandler(a.dispatcher).ServeHTTP)
	r.Handle("/proxy/{endpoint}/*", handler.NewProxyHandler(a.dispatcher.Registry(), a.transport, log))

	admin := handler.NewAdminHandler(a.dispatcher, log)
	r.Route("/admin", func(r chi.Router) {
		if v := verifierFor(cfg.Auth); v != nil {
			r.Use(middleware.RequireJWT(v, log))
			r.Use(middleware.Authorize(middleware.DefaultAdminRules(), log))
			log.Info().Bool("jwks", cfg.Auth.JWKSURL != "").Msg("admin authentication enabled")
		} else {
			log.Warn().Msg("admin routes are not authenticated")
		}
		r.Mount("/", admin.Routes())
	})
	return r
}

func verifierFor(auth config.AuthConfig) *middleware.Verifier {
	switch {
	case auth.JWKSURL != "":
		return middleware.NewJWKSVerifier(middleware.NewJWKSClient(auth.JWKSURL, auth.JWKSTTL), auth.JWTIssuer, auth.JWTAudience)
	case auth.JWTSecret != "":
		return middleware.NewHMACVerifier([]byte(auth.JWTSecret), auth.JWTIssuer, auth.JWTAudience)
	}
	return nil
}

// serve runs the HTTP server until ctx is cancelled, then shuts it down gracefully.
func serve(ctx context.Context, cfg *config.Config, store repository.Store, log zerolog.Logger) error {
	a, err := newApp(cfg, store, log)
	if err != nil {
		return err
	}
	defer a.Close()

	srv := &http.Server{
		Addr:         cfg.Server.ListenAddr,
		Handler:      newRouter(cfg, a, store, log),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().
			Str("version", version).
			Str("addr", cfg.Server.ListenAddr).
			Int("endpoints", len(cfg.Endpoints)).
			Msg("governor is running")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info().Msg("server exited")
	return nil
}
