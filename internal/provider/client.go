package provider

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"

	"subguard/internal/types"

	"github.com/sony/gobreaker/v2"
)

// RetryPolicy configures the transport-level retry behavior of BaseClient.
// This is independent of the gateway's purchase retry loop: the client
// retries individual HTTP calls on 429/5xx, the gateway retries whole
// purchase flows on network-classified provider errors.
type RetryPolicy struct {
	MaxRetries int
	MinWait    time.Duration
	MaxWait    time.Duration
}

// DefaultRetryPolicy returns the defaults for provider API calls.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 2,
		MinWait:    500 * time.Millisecond,
		MaxWait:    5 * time.Second,
	}
}

// BaseClient wraps an *http.Client with a circuit breaker, bounded retries,
// and request-ID propagation. The REST provider client routes every call
// through it so transient provider failures surface as network-classified
// provider errors instead of raw transport errors.
type BaseClient struct {
	client      *http.Client
	breaker     *gobreaker.CircuitBreaker[*http.Response]
	retryPolicy RetryPolicy
	userAgent   string
	sleepFn     func(time.Duration)
}

// BaseClientOption is a functional option for configuring a BaseClient.
type BaseClientOption func(*BaseClient)

// WithSleepFunc overrides the sleep between retries. Intended for tests.
func WithSleepFunc(fn func(time.Duration)) BaseClientOption {
	return func(c *BaseClient) { c.sleepFn = fn }
}

// NewBaseClient creates a BaseClient. The breaker opens after five
// consecutive failures and recovers via a single probe request.
func NewBaseClient(httpClient *http.Client, breakerName string, retryPolicy RetryPolicy, userAgent string, opts ...BaseClientOption) *BaseClient {
	cb := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil
		},
	})

	bc := &BaseClient{
		client:      httpClient,
		breaker:     cb,
		retryPolicy: retryPolicy,
		userAgent:   userAgent,
		sleepFn:     time.Sleep,
	}
	for _, opt := range opts {
		opt(bc)
	}
	return bc
}

// Do executes the request through the breaker, retrying 429 and 5xx
// responses up to the policy limit. Responses with other status codes are
// returned as-is; the caller owns the body. Exhausted retries and an open
// breaker come back as network-classified provider errors.
func (c *BaseClient) Do(req *http.Request) (*http.Response, error) {
	if reqID := types.GetRequestID(req.Context()); reqID != "" {
		req.Header.Set("X-Request-Id", reqID)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	// Snapshot the body so it can be replayed on retries.
	var bodyBytes []byte
	if req.Body != nil {
		var err error
		bodyBytes, err = io.ReadAll(req.Body)
		if err != nil {
			return nil, &Error{Code: CodeUnknown, Message: "reading request body", Err: err}
		}
		req.Body.Close()
	}

	var lastResp *http.Response
	var lastErr error

	maxAttempts := 1 + c.retryPolicy.MaxRetries
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if bodyBytes != nil {
			req.Body = io.NopCloser(bytes.NewReader(bodyBytes))
			req.ContentLength = int64(len(bodyBytes))
		}

		resp, err := c.breaker.Execute(func() (*http.Response, error) {
			r, doErr := c.client.Do(req)
			if doErr != nil {
				return nil, doErr
			}
			// 5xx and 429 count as breaker failures.
			if r.StatusCode >= 500 || r.StatusCode == http.StatusTooManyRequests {
				return r, fmt.Errorf("provider returned %d", r.StatusCode)
			}
			return r, nil
		})

		if err == nil {
			return resp, nil
		}

		lastErr = err
		if resp != nil {
			if attempt < maxAttempts-1 {
				resp.Body.Close()
			} else {
				lastResp = resp
			}
		}

		// An open breaker means the provider is down; retrying locally
		// only delays the cache fallback.
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			break
		}

		if attempt < maxAttempts-1 {
			c.sleepFn(c.computeBackoff(attempt, resp))
		}
	}

	if lastResp != nil {
		lastResp.Body.Close()
	}
	return nil, c.mapTransportError(lastResp, lastErr)
}

// computeBackoff respects a numeric Retry-After header when present,
// otherwise applies exponential backoff with full jitter clamped to
// [MinWait, MaxWait].
func (c *BaseClient) computeBackoff(attempt int, resp *http.Response) time.Duration {
	if resp != nil {
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if seconds, err := strconv.Atoi(ra); err == nil && seconds > 0 {
				wait := time.Duration(seconds) * time.Second
				if wait > c.retryPolicy.MaxWait {
					wait = c.retryPolicy.MaxWait
				}
				return wait
			}
		}
	}

	base := float64(c.retryPolicy.MinWait) * math.Pow(2, float64(attempt))
	maxWait := float64(c.retryPolicy.MaxWait)
	if base > maxWait {
		base = maxWait
	}
	minWait := float64(c.retryPolicy.MinWait)
	if base <= minWait {
		return c.retryPolicy.MinWait
	}
	return time.Duration(minWait + rand.Float64()*(base-minWait))
}

// mapTransportError folds breaker/transport failures into the provider
// error taxonomy. Everything here is network-classified: the gateway and
// status reads recover from it locally.
func (c *BaseClient) mapTransportError(resp *http.Response, err error) error {
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return &Error{Code: CodeNetwork, Message: "provider circuit breaker open", Err: err}
	case resp != nil && resp.StatusCode == http.StatusTooManyRequests:
		return &Error{Code: CodeNetwork, Message: "provider rate limit exceeded", Err: err}
	case resp != nil && resp.StatusCode >= 500:
		return &Error{Code: CodeNetwork, Message: fmt.Sprintf("provider returned %d after retries", resp.StatusCode), Err: err}
	default:
		return &Error{Code: CodeNetwork, Message: "provider request failed", Err: err}
	}
}
