// Package osm is the typed gateway to the Online Scout Manager API.
package osm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"

	"osmcache/internal/config"
	"osmcache/internal/metrics"
)

// maxBodySize bounds how much of a response is read
const maxBodySize = 32 << 20

// TokenSource supplies the access token and the blocked flag
type TokenSource interface {
	AccessToken() (token, tokenType string, ok bool)
	Blocked() bool
}

// Client is an OSM API client
type Client struct {
	httpClient  *http.Client
	baseURL     string
	tokens      TokenSource
	clock       clock.Clock
	logger      *slog.Logger
	rateLimiter *RateLimiter

	timeout   time.Duration
	attempts  int
	baseDelay time.Duration
	maxDelay  time.Duration
}

// NewClient creates a new OSM API client
func NewClient(cfg *config.Config, tokens TokenSource, clk clock.Clock) *Client {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Client{
		httpClient:  &http.Client{},
		baseURL:     strings.TrimRight(cfg.OSMBaseURL, "/"),
		tokens:      tokens,
		clock:       clk,
		logger:      slog.Default(),
		rateLimiter: NewRateLimiter(),
		timeout:     cfg.RequestTimeout,
		attempts:    cfg.RetryAttempts,
		baseDelay:   cfg.RetryBaseDelay,
		maxDelay:    cfg.RetryMaxDelay,
	}
}

// SetHTTPClient replaces the underlying HTTP client
func (c *Client) SetHTTPClient(hc *http.Client) {
	c.httpClient = hc
}

// RateLimitStatus returns the last reported rate limit
func (c *Client) RateLimitStatus() RateLimitStatus {
	return c.rateLimiter.Status()
}

// get performs a GET with bounded retries on transport failures and decodes
// the JSON body into out. Blocked and missing-token states fail before any
// request is sent unless bypassBlocked is set.
func (c *Client) get(ctx context.Context, op, path string, params url.Values, out any, bypassBlocked bool) error {
	if !bypassBlocked && c.tokens.Blocked() {
		return fmt.Errorf("%s: %w", op, ErrRateBlocked)
	}
	token, tokenType, ok := c.tokens.AccessToken()
	if !ok {
		return fmt.Errorf("%s: no access token: %w", op, ErrAuthExpired)
	}
	if tokenType == "" {
		tokenType = "Bearer"
	}

	target := c.baseURL + path
	if len(params) > 0 {
		target += "?" + params.Encode()
	}

	var body []byte
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			var err error
			body, err = c.attempt(ctx, op, target, tokenType+" "+token)
			return err
		},
		IsFatalError: func(err error) bool {
			return !errors.Is(err, ErrTransport) || ctx.Err() != nil
		},
		NotifyFunc: func(err error, attempt int) {
			if attempt < c.attempts {
				metrics.OSMAPIRetriesTotal.WithLabelValues(op).Inc()
				c.logger.Info("retrying request", "operation", op, "attempt", attempt, "error", err)
			}
		},
		Attempts:    c.attempts,
		Delay:       c.baseDelay,
		MaxDelay:    c.maxDelay,
		BackoffFunc: retry.DoubleDelay,
		Clock:       c.clock,
		Stop:        ctx.Done(),
	})
	if err != nil {
		return c.unwrapRetry(ctx, op, err)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return transportError(op, fmt.Errorf("failed to decode response: %w", err))
	}
	return nil
}

func (c *Client) unwrapRetry(ctx context.Context, op string, err error) error {
	switch {
	case retry.IsAttemptsExceeded(err):
		if last := retry.LastError(err); last != nil {
			return fmt.Errorf("max retries exceeded: %w", last)
		}
		return transportError(op, err)
	case retry.IsRetryStopped(err):
		if ctx.Err() != nil {
			return fmt.Errorf("%s: %w", op, ctx.Err())
		}
		return transportError(op, err)
	case ctx.Err() != nil:
		return fmt.Errorf("%s: %w", op, ctx.Err())
	default:
		return err
	}
}

// attempt performs one request under the per-call timeout and classifies the result
func (c *Client) attempt(ctx context.Context, op, target, authorization string) ([]byte, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to create request: %w", op, err)
	}
	req.Header.Set("Authorization", authorization)
	req.Header.Set("Accept", "application/json")

	start := c.clock.Now()
	resp, err := c.httpClient.Do(req)
	duration := c.clock.Now().Sub(start)

	if err != nil {
		c.observe(op, "error", duration)
		c.logger.Error("request failed", "operation", op, "error", err, "duration_ms", duration.Milliseconds())
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%s: %w", op, ctx.Err())
		}
		return nil, transportError(op, err)
	}
	defer resp.Body.Close()

	c.rateLimiter.Update(resp.Header, c.clock.Now())
	c.observe(op, strconv.Itoa(resp.StatusCode), duration)
	c.logger.Info("osm_api_request", "operation", op, "status", resp.StatusCode, "duration_ms", duration.Milliseconds())

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, transportError(op, fmt.Errorf("failed to read response: %w", err))
	}

	if class := classifyStatus(resp); class != nil {
		return nil, &HTTPError{Operation: op, StatusCode: resp.StatusCode, Message: snippet(body), class: class}
	}

	// OSM reports some failures, blocks included, inside a 200 body
	if msg, ok := bodyError(body); ok {
		class := ErrTransport
		if strings.Contains(strings.ToLower(msg), "block") {
			class = ErrRateBlocked
		}
		return nil, &HTTPError{Operation: op, StatusCode: resp.StatusCode, Message: msg, class: class}
	}

	return body, nil
}

func (c *Client) observe(op, status string, duration time.Duration) {
	metrics.OSMAPIRequestsTotal.WithLabelValues(op, status).Inc()
	metrics.OSMAPIRequestDuration.WithLabelValues(op, status).Observe(duration.Seconds())
}

// classifyStatus maps a response status onto an error class; nil means success
func classifyStatus(resp *http.Response) error {
	if resp.Header.Get("X-Blocked") != "" {
		return ErrRateBlocked
	}
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return ErrRateBlocked
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return ErrAuthExpired
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	default:
		return ErrTransport
	}
}

// bodyError extracts an "error" member from a JSON object body
func bodyError(body []byte) (string, bool) {
	trimmed := strings.TrimSpace(string(body))
	if !strings.HasPrefix(trimmed, "{") {
		return "", false
	}
	var envelope struct {
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil || len(envelope.Error) == 0 {
		return "", false
	}
	raw := strings.TrimSpace(string(envelope.Error))
	if raw == "null" || raw == "false" || raw == `""` {
		return "", false
	}
	var s string
	if err := json.Unmarshal(envelope.Error, &s); err == nil {
		return s, true
	}
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(envelope.Error, &obj); err == nil && obj.Message != "" {
		return obj.Message, true
	}
	return raw, true
}

func snippet(body []byte) string {
	const limit = 200
	s := strings.TrimSpace(string(body))
	if len(s) > limit {
		return s[:limit]
	}
	return s
}
