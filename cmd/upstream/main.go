package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"
)

// Simulated rate-limited provider for exercising the governor locally.
func main() {
	var opts providerOptions
	cmd := &cobra.Command{
		Use:          "upstream",
		Short:        "Run a simulated rate-limited upstream provider",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, opts, log)
		},
	}
	cmd.Flags().StringVar(&opts.addr, "addr", ":8081", "listen address")
	cmd.Flags().Float64Var(&opts.rate, "rate", 5, "requests per second before answering 429")
	cmd.Flags().IntVar(&opts.burst, "burst", 5, "burst size")
	cmd.Flags().Float64Var(&opts.errorRate, "error-rate", 0, "fraction of admitted requests failing with 503")
	cmd.Flags().DurationVar(&opts.latency, "latency", 50*time.Millisecond, "simulated processing time")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

type providerOptions struct {
	addr      string
	rate      float64
	burst     int
	errorRate float64
	latency   time.Duration
}

func run(ctx context.Context, opts providerOptions, log zerolog.Logger) error {
	srv := &http.Server{Addr: opts.addr, Handler: newProvider(opts, log)}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info().
		Str("addr", opts.addr).
		Float64("rate", opts.rate).
		Int("burst", opts.burst).
		Float64("error_rate", opts.errorRate).
		Msg("upstream provider listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

func newProvider(opts providerOptions, log zerolog.Logger) http.Handler {
	limiter := rate.NewLimiter(rate.Limit(opts.rate), opts.burst)

	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"status":"healthy"}`)
	})
	r.Group(func(r chi.Router) {
		r.Use(limit(limiter, log))
		r.Use(flaky(opts.errorRate))
		r.Get("/api/users", delayed(opts.latency, `{"users":[{"id":1,"name":"Alice"},{"id":2,"name":"Bob"}]}`))
		r.Get("/api/orders", delayed(4*opts.latency, `{"orders":[{"id":101,"status":"pending"}]}`))
		r.Post("/rpc", delayed(opts.latency, `{"jsonrpc":"2.0","id":1,"result":{"slot":250000000}}`))
	})
	return r
}

// limit answers 429 with a Retry-After header once the limiter runs dry.
func limit(l *rate.Limiter, log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res := l.Reserve()
			if delay := res.Delay(); delay > 0 {
				res.Cancel()
				secs := int(math.Ceil(delay.Seconds()))
				w.Header().Set("Retry-After", strconv.Itoa(secs))
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				log.Debug().Str("path", r.URL.Path).Int("retry_after", secs).Msg("throttled")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func flaky(errorRate float64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if errorRate > 0 && rand.Float64() < errorRate {
				http.Error(w, "upstream unavailable", http.StatusServiceUnavailable)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func delayed(d time.Duration, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(d):
		case <-r.Context().Done():
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "max-age=5")
		fmt.Fprint(w, body)
	}
}
