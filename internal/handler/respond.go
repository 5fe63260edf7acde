package handler

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"request-governor/internal/service"
)

// StatusClientClosedRequest is returned when the caller went away while its
// call was still waiting for admission.
const StatusClientClosedRequest = 499

// ErrorResponse is the JSON body of every error reply.
type ErrorResponse struct {
	Error      string  `json:"error"`
	Message    string  `json:"message"`
	RetryAfter float64 `json:"retry_after_seconds,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps a governor error to its HTTP status and writes it.
func writeError(w http.ResponseWriter, log zerolog.Logger, err error) {
	status, code := classifyError(err)

	resp := ErrorResponse{Error: code, Message: err.Error()}
	var ae *service.AdmissionError
	if errors.As(err, &ae) && ae.RetryAfter > 0 {
		secs := int(math.Ceil(ae.RetryAfter.Seconds()))
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		resp.RetryAfter = ae.RetryAfter.Seconds()
	}

	evt := log.Debug()
	if status >= http.StatusInternalServerError {
		evt = log.Warn()
	}
	evt.Err(err).Int("status", status).Str("error_code", code).Msg("request failed")
	writeJSON(w, status, resp)
}

func classifyError(err error) (int, string) {
	var svcErr service.Error
	switch {
	case errors.Is(err, service.ErrUnknownEndpoint):
		return http.StatusNotFound, service.ErrUnknownEndpoint.Code
	case errors.Is(err, service.ErrDuplicateEndpoint):
		return http.StatusConflict, service.ErrDuplicateEndpoint.Code
	case errors.Is(err, service.ErrInvalidEndpoint):
		return http.StatusBadRequest, service.ErrInvalidEndpoint.Code
	}

	switch service.KindOf(err) {
	case service.KindThrottled:
		return http.StatusTooManyRequests, service.ErrThrottleExceeded.Code
	case service.KindUnavailable:
		return http.StatusServiceUnavailable, service.ErrEndpointUnavailable.Code
	case service.KindCanceled:
		if errors.Is(err, context.DeadlineExceeded) {
			return http.StatusGatewayTimeout, "timeout"
		}
		return StatusClientClosedRequest, "canceled"
	}
	if errors.As(err, &svcErr) {
		return http.StatusBadGateway, svcErr.Code
	}
	return http.StatusBadGateway, service.ErrUpstreamRejected.Code
}

func durationSeconds(d time.Duration) float64 {
	return math.Round(d.Seconds()*1000) / 1000
}
