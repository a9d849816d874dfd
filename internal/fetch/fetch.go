// Package fetch implements the outbound HTTP fetch step of workflow
// staging: rate-limited requests with exponential backoff retry, following
// the teacher's retry/backoff shape (infrastructure/resilience/retry.go)
// adapted to wrap an HTTP round trip instead of an arbitrary closure.
package fetch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// RetryConfig configures exponential backoff retry of a fetch attempt.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       float64 // 0-1, adds randomness
}

// DefaultRetryConfig matches the teacher's defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.1,
	}
}

// Fetcher performs rate-limited, retried outbound HTTP GET/POST requests
// for workflow consumer definitions.
type Fetcher struct {
	client  *http.Client
	limiter *rate.Limiter
	retry   RetryConfig
}

// New constructs a Fetcher. ratePerSecond <= 0 disables limiting (an
// infinite-burst limiter).
func New(client *http.Client, ratePerSecond float64, burst int, retry RetryConfig) *Fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	var limiter *rate.Limiter
	if ratePerSecond > 0 {
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(ratePerSecond), burst)
	} else {
		limiter = rate.NewLimiter(rate.Inf, 1)
	}
	if retry.MaxAttempts <= 0 {
		retry = DefaultRetryConfig()
	}
	return &Fetcher{client: client, limiter: limiter, retry: retry}
}

// Fetch performs a single logical fetch with the given HTTP method (body,
// when non-nil, is sent as the request body), retried with backoff on
// transport or 5xx errors. A 4xx
// response is returned without retry since retrying will not change a
// client-error outcome.
func (f *Fetcher) Fetch(ctx context.Context, method, url string, body []byte, headers map[string]string) ([]byte, error) {
	var out []byte
	err := retryWithBackoff(ctx, f.retry, func() error {
		if err := f.limiter.Wait(ctx); err != nil {
			return err
		}
		var reqBody io.Reader
		if body != nil {
			reqBody = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
		if err != nil {
			return permanentError{err}
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := f.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if resp.StatusCode >= 500 {
			return fmt.Errorf("fetch %s: server error %d", url, resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			return permanentError{fmt.Errorf("fetch %s: client error %d", url, resp.StatusCode)}
		}
		out = data
		return nil
	})
	return out, err
}

// permanentError wraps an error that retrying cannot fix.
type permanentError struct{ err error }

func (p permanentError) Error() string { return p.err.Error() }
func (p permanentError) Unwrap() error { return p.err }

func retryWithBackoff(ctx context.Context, cfg RetryConfig, fn func() error) error {
	var lastErr error
	delay := cfg.InitialDelay

	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if _, ok := err.(permanentError); ok {
			return err
		}
		lastErr = err

		if attempt < cfg.MaxAttempts-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(addJitter(delay, cfg.Jitter)):
			}
			delay = nextDelay(delay, cfg)
		}
	}
	return lastErr
}

func nextDelay(current time.Duration, cfg RetryConfig) time.Duration {
	next := time.Duration(float64(current) * cfg.Multiplier)
	if next > cfg.MaxDelay {
		return cfg.MaxDelay
	}
	return next
}

func addJitter(d time.Duration, jitter float64) time.Duration {
	if jitter <= 0 {
		return d
	}
	delta := float64(d) * jitter
	return d + time.Duration(rand.Float64()*delta*2-delta)
}
