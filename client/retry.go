package client

import (
	"context"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"time"
)

// shouldRetry reports whether status is one of the protocol's default
// retryable statuses: 429 and 5xx (excluding 501, which means the server
// genuinely doesn't implement the method, not a transient failure).
func shouldRetry(status int) bool {
	return status == http.StatusTooManyRequests || (status >= 500 && status <= 599 && status != http.StatusNotImplemented)
}

// parseRetryAfter parses a Retry-After header, either as a number of
// seconds or an HTTP-date, capping the result at one hour so a malformed
// or adversarial header cannot wedge the client indefinitely.
func parseRetryAfter(header string) (time.Duration, bool) {
	if header == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(header); err == nil {
		d := time.Duration(secs) * time.Second
		if d > time.Hour {
			d = time.Hour
		}
		return d, true
	}
	if t, err := http.ParseTime(header); err == nil {
		d := time.Until(t)
		if d < 0 {
			d = 0
		}
		if d > time.Hour {
			d = time.Hour
		}
		return d, true
	}
	return 0, false
}

// doWithRetry executes makeRequest with exponential backoff and jitter,
// honoring Retry-After when the server sends one, per the RetryPolicy
// carried on the Client.
func doWithRetry(ctx context.Context, policy RetryPolicy, makeRequest func() (*http.Response, error)) (*http.Response, error) {
	delay := policy.InitialDelay
	var lastErr error
	var lastResp *http.Response

	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		resp, err := makeRequest()
		if err != nil {
			lastErr = err
		} else if !shouldRetry(resp.StatusCode) {
			return resp, nil
		} else {
			lastResp = resp
		}

		if attempt == policy.MaxRetries {
			break
		}

		wait := delay
		if lastResp != nil {
			if ra, ok := parseRetryAfter(lastResp.Header.Get("Retry-After")); ok {
				wait = ra
			}
			lastResp.Body.Close()
			lastResp = nil
		}
		wait += time.Duration(rand.Int63n(int64(wait)/2 + 1))

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		delay = time.Duration(math.Min(float64(delay)*policy.Multiplier, float64(policy.MaxDelay)))
	}

	if lastErr != nil {
		return nil, lastErr
	}
	return lastResp, nil
}
