package upstream

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"

	gateway "github.com/eugener/prism/internal"
)

// Retryable reports whether an upstream failure (network error, or a
// completed response with the given status) should be retried, within the
// same attempt, under the per-attempt backoff policy. This is deliberately
// narrow: network errors, TLS handshake failures, and
// 408/500/502/503/504. A provider's FallbackHTTPCodes (e.g. 429) are a
// separate, selector-level concern handled by the orchestrator's attempt
// loop, not by retrying the same request against the same target.
func Retryable(cfg gateway.ProviderConfig, err error, statusCode int) bool {
	if err != nil {
		var netErr net.Error
		return errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded)
	}
	switch statusCode {
	case http.StatusRequestTimeout, http.StatusInternalServerError,
		http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// DoWithRetry runs op under cfg.Retry's exponential backoff, grounded on
// the same policy shape SPEC_FULL.md's retry section describes (3 attempts,
// 1s initial, 30s max, ×2 multiplier), using cenkalti/backoff/v5 rather
// than a hand-rolled sleep loop.
func DoWithRetry(ctx context.Context, policy gateway.RetryPolicy, op func(attempt int) (*http.Response, error, bool)) (*http.Response, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = policy.InitialBackoff
	eb.MaxInterval = policy.MaxBackoff
	eb.Multiplier = policy.Multiplier

	attempt := 0
	operation := func() (*http.Response, error) {
		attempt++
		resp, err, retry := op(attempt)
		if !retry {
			if err != nil {
				return nil, backoff.Permanent(err)
			}
			return resp, nil
		}
		if resp != nil {
			resp.Body.Close()
		}
		if err == nil {
			err = errRetryableStatus
		}
		return nil, err
	}

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(eb),
		backoff.WithMaxTries(uint(max(policy.MaxAttempts, 1))),
	)
}

var errRetryableStatus = &retryableStatusError{}

type retryableStatusError struct{}

func (*retryableStatusError) Error() string { return "upstream returned a retryable status" }
