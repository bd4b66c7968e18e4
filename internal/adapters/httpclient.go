package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/shritish20/volguard-production/internal/observ"
)

// ClientConfig tunes one collaborator HTTP client.
type ClientConfig struct {
	Name            string
	BaseURL         string
	TimeoutMs       int
	MaxRetries      int
	BackoffBaseMs   int
	RateLimitPerSec float64
}

// client wraps http.Client with rate limiting, a circuit breaker and
// bounded retries. Every collaborator adapter is built on it so a flapping
// collaborator degrades one cycle, not the process.
type client struct {
	name    string
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	retries int
	backoff time.Duration
}

func newClient(cfg ClientConfig) *client {
	if cfg.TimeoutMs <= 0 {
		cfg.TimeoutMs = 2000
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BackoffBaseMs <= 0 {
		cfg.BackoffBaseMs = 100
	}
	if cfg.RateLimitPerSec <= 0 {
		cfg.RateLimitPerSec = 10
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    cfg.Name,
		Timeout: 10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			observ.Warn("breaker_state_change", map[string]any{
				"collaborator": name, "from": from.String(), "to": to.String(),
			})
		},
	})

	return &client{
		name:    cfg.Name,
		baseURL: cfg.BaseURL,
		http:    &http.Client{Timeout: time.Duration(cfg.TimeoutMs) * time.Millisecond},
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimitPerSec), int(cfg.RateLimitPerSec)+1),
		breaker: breaker,
		retries: cfg.MaxRetries,
		backoff: time.Duration(cfg.BackoffBaseMs) * time.Millisecond,
	}
}

// doJSON issues method path with an optional JSON body and decodes the
// JSON response into out (when out is non-nil). Retries on 5xx and
// transport errors; 4xx is the caller's bug and fails immediately.
func (c *client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("%s: encode request: %w", c.name, err)
		}
	}

	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(c.backoff << (attempt - 1)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}

		result, err := c.breaker.Execute(func() (interface{}, error) {
			return c.once(ctx, method, path, payload)
		})
		if err == nil {
			if out == nil {
				return nil
			}
			if err := json.Unmarshal(result.([]byte), out); err != nil {
				return fmt.Errorf("%s: decode response: %w", c.name, err)
			}
			return nil
		}

		lastErr = err
		if !retryable(err) {
			break
		}
	}
	return fmt.Errorf("%s %s %s: %w", c.name, method, path, lastErr)
}

func (c *client) once(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 500 {
		return nil, &httpError{status: resp.StatusCode, body: truncate(data, 200)}
	}
	if resp.StatusCode >= 400 {
		return nil, &httpError{status: resp.StatusCode, body: truncate(data, 200), permanent: true}
	}
	return data, nil
}

type httpError struct {
	status    int
	body      string
	permanent bool
}

func (e *httpError) Error() string {
	return fmt.Sprintf("http %d: %s", e.status, e.body)
}

func retryable(err error) bool {
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return false
	}
	if he, ok := err.(*httpError); ok {
		return !he.permanent
	}
	return true
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
