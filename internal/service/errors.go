package service

import (
	"fmt"
	"time"
)

// Error represents a custom error with code and message
type Error struct {
	Code    string
	Message string
}

// Error implements the error interface
func (e Error) Error() string {
	return e.Message
}

// NewError creates a new error
func NewError(code, message string) Error {
	return Error{Code: code, Message: message}
}

var (
	ErrThrottleExceeded    = NewError("throttle_exceeded", "admission retry budget exhausted")
	ErrEndpointUnavailable = NewError("endpoint_unavailable", "endpoint is unavailable")
	ErrUpstreamRejected    = NewError("upstream_rejected", "upstream call failed")
	ErrRateLimited         = NewError("rate_limited", "upstream rate limited the call")
	ErrUnknownEndpoint     = NewError("unknown_endpoint", "endpoint is not registered")
	ErrDuplicateEndpoint   = NewError("duplicate_endpoint", "endpoint is already registered")
	ErrInvalidEndpoint     = NewError("invalid_endpoint", "invalid endpoint definition")
)

// AdmissionError is returned when a call never reached the upstream.
// It unwraps to ErrThrottleExceeded or ErrEndpointUnavailable.
type AdmissionError struct {
	Endpoint   string
	Err        Error
	RetryAfter time.Duration
}

func (e *AdmissionError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s: %s (retry after %s)", e.Endpoint, e.Err.Message, e.RetryAfter)
	}
	return fmt.Sprintf("%s: %s", e.Endpoint, e.Err.Message)
}

func (e *AdmissionError) Unwrap() error {
	return e.Err
}

// UpstreamError wraps the error returned by a dispatched operation after it
// has been recorded. The original error stays reachable through errors.As/Is.
type UpstreamError struct {
	Endpoint string
	Class    Class
	Err      error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Endpoint, e.Class, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// Is matches ErrUpstreamRejected for every upstream failure and ErrRateLimited
// for rate-limit rejections.
func (e *UpstreamError) Is(target error) bool {
	switch target {
	case ErrUpstreamRejected:
		return true
	case ErrRateLimited:
		return e.Class == ClassRateLimited
	}
	return false
}
