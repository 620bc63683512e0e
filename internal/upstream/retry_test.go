package upstream

import (
	"context"
	"errors"
	"net"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	gateway "github.com/eugener/prism/internal"
)

func TestRetryableStatusCodes(t *testing.T) {
	t.Parallel()

	cfg := gateway.ProviderConfig{}
	retryable := []int{http.StatusRequestTimeout, http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout}
	for _, code := range retryable {
		assert.True(t, Retryable(cfg, nil, code), "status %d should be retryable", code)
	}

	notRetryable := []int{http.StatusOK, http.StatusBadRequest, http.StatusUnauthorized, http.StatusTooManyRequests, http.StatusNotFound}
	for _, code := range notRetryable {
		assert.False(t, Retryable(cfg, nil, code), "status %d should not be retryable", code)
	}
}

func TestRetryableNetworkErrors(t *testing.T) {
	t.Parallel()

	cfg := gateway.ProviderConfig{}
	netErr := &net.OpError{Op: "dial", Err: errors.New("connection refused")}
	assert.True(t, Retryable(cfg, netErr, 0))
	assert.True(t, Retryable(cfg, context.DeadlineExceeded, 0))
	assert.False(t, Retryable(cfg, errors.New("some other error"), 0))
}

func TestDoWithRetryRetriesThenSucceeds(t *testing.T) {
	t.Parallel()

	policy := gateway.RetryPolicy{MaxAttempts: 3, InitialBackoff: 0, MaxBackoff: 0, Multiplier: 1}
	calls := 0
	resp, err := DoWithRetry(context.Background(), policy, func(attempt int) (*http.Response, error, bool) {
		calls++
		if attempt < 3 {
			return &http.Response{StatusCode: http.StatusBadGateway, Body: http.NoBody}, nil, true
		}
		return &http.Response{StatusCode: http.StatusOK, Body: http.NoBody}, nil, false
	})
	if err != nil {
		t.Fatalf("DoWithRetry: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDoWithRetryExhausts(t *testing.T) {
	t.Parallel()

	policy := gateway.RetryPolicy{MaxAttempts: 2, InitialBackoff: 0, MaxBackoff: 0, Multiplier: 1}
	calls := 0
	_, err := DoWithRetry(context.Background(), policy, func(attempt int) (*http.Response, error, bool) {
		calls++
		return &http.Response{StatusCode: http.StatusServiceUnavailable, Body: http.NoBody}, nil, true
	})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}
