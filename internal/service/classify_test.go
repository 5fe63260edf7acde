package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"nil", nil, ClassSuccess},
		{"too many requests", &StatusError{StatusCode: http.StatusTooManyRequests}, ClassRateLimited},
		{"wrapped 429", fmt.Errorf("getSlot: %w", &StatusError{StatusCode: 429}), ClassRateLimited},
		{"server error", &StatusError{StatusCode: http.StatusBadGateway}, ClassTransient},
		{"request timeout", &StatusError{StatusCode: http.StatusRequestTimeout}, ClassTransient},
		{"bad request", &StatusError{StatusCode: http.StatusBadRequest}, ClassFatal},
		{"unauthorized", &StatusError{StatusCode: http.StatusUnauthorized}, ClassFatal},
		{"network", errors.New("dial tcp: connection refused"), ClassTransient},
		{"deadline", context.DeadlineExceeded, ClassTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestRetryAfterOf(t *testing.T) {
	err := fmt.Errorf("call: %w", &StatusError{StatusCode: 429, RetryAfter: 7 * time.Second})
	require.Equal(t, 7*time.Second, retryAfterOf(err))
	require.Zero(t, retryAfterOf(errors.New("x")))
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ResultKind
	}{
		{"nil", nil, KindSuccess},
		{"throttled", &AdmissionError{Endpoint: "rpc", Err: ErrThrottleExceeded}, KindThrottled},
		{"unavailable", &AdmissionError{Endpoint: "rpc", Err: ErrEndpointUnavailable}, KindUnavailable},
		{"upstream", &UpstreamError{Endpoint: "rpc", Class: ClassFatal, Err: errors.New("bad")}, KindUpstream},
		{"canceled", context.Canceled, KindCanceled},
		{"other", errors.New("mystery"), KindUpstream},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestAdmissionErrorMessage(t *testing.T) {
	err := &AdmissionError{Endpoint: "rpc", Err: ErrThrottleExceeded, RetryAfter: 3 * time.Second}
	require.Equal(t, "rpc: admission retry budget exhausted (retry after 3s)", err.Error())
	require.ErrorIs(t, err, ErrThrottleExceeded)
	require.NotErrorIs(t, err, ErrEndpointUnavailable)
}
