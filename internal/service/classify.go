package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// StatusError lets an operation report the HTTP status it received so the
// dispatcher can tell rate limiting from other failures.
type StatusError struct {
	StatusCode int
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream returned %d %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// Classify maps an operation error to an outcome class. Errors without a
// status (network failures, timeouts) are transient.
func Classify(err error) Class {
	if err == nil {
		return ClassSuccess
	}
	var se *StatusError
	if errors.As(err, &se) {
		switch {
		case se.StatusCode == http.StatusTooManyRequests:
			return ClassRateLimited
		case se.StatusCode == http.StatusRequestTimeout, se.StatusCode >= 500:
			return ClassTransient
		case se.StatusCode >= 400:
			return ClassFatal
		}
	}
	return ClassTransient
}

func retryAfterOf(err error) time.Duration {
	var se *StatusError
	if errors.As(err, &se) {
		return se.RetryAfter
	}
	return 0
}

// ResultKind is the caller-facing shape of a Do result.
type ResultKind string

const (
	KindSuccess     ResultKind = "success"
	KindThrottled   ResultKind = "throttled"
	KindUnavailable ResultKind = "unavailable"
	KindUpstream    ResultKind = "upstream"
	KindCanceled    ResultKind = "canceled"
)

// KindOf tells callers which variant an error returned by Do belongs to.
func KindOf(err error) ResultKind {
	switch {
	case err == nil:
		return KindSuccess
	case errors.Is(err, ErrThrottleExceeded):
		return KindThrottled
	case errors.Is(err, ErrEndpointUnavailable):
		return KindUnavailable
	case errors.Is(err, ErrUpstreamRejected):
		return KindUpstream
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	}
	return KindUpstream
}
