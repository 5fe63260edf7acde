package middleware

import (
	"net/http"

	"github.com/rs/zerolog"
)

// RequestSizeLimit enforces maximum request body size.
func RequestSizeLimit(maxBytes int64, log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxBytes {
				log.Warn().
					Int64("content_length", r.ContentLength).
					Int64("max_size", maxBytes).
					Str("request_id", RequestIDFrom(r.Context())).
					Msg("request body too large")
				writeError(w, http.StatusRequestEntityTooLarge, "request_too_large", "request body too large")
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}
