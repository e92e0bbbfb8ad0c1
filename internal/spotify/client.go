// Package spotify provides a resilient client for the Spotify Web API.
//
// Every outbound call is routed through a per-service circuit breaker and
// a bounded retry that only re-attempts the transient upstream-down error
// class. Responses are classified into the typed errors in errors.go.
package spotify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/justestif/go-spotify-history-sync/internal/breaker"
)

const (
	baseURL   = "https://api.spotify.com"
	userAgent = "spotify-history-sync/1.0"
)

// retryDelays bounds the retry loop at len(retryDelays)+1 = 3 attempts.
var retryDelays = []time.Duration{1 * time.Second, 2 * time.Second}

// Client calls the Spotify Web API with circuit breaking and bounded retry.
type Client struct {
	httpClient *http.Client
	baseURL    string
	breakers   *breaker.Registry
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithBaseURL overrides the API base URL, for tests.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimSuffix(u, "/") }
}

// NewClient creates a Client backed by the given breaker registry.
func NewClient(breakers *breaker.Registry, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    baseURL,
		breakers:   breakers,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ServiceKey maps a request path to the logical upstream service group
// whose breaker guards it, so failures in one grouping don't penalize
// unrelated calls.
func ServiceKey(path string) string {
	path = strings.TrimPrefix(path, "/v1")
	switch {
	case strings.HasPrefix(path, "/me/player"):
		return "player"
	case strings.HasPrefix(path, "/me/top"):
		return "top"
	case strings.HasPrefix(path, "/audio-features"):
		return "features"
	case strings.HasPrefix(path, "/tracks"), strings.HasPrefix(path, "/artists"), strings.HasPrefix(path, "/albums"):
		return "catalog"
	default:
		return "api"
	}
}

// Get performs an authenticated GET against the API path (including query
// string) and returns the response body.
func (c *Client) Get(ctx context.Context, accessToken, path string) ([]byte, error) {
	var body []byte
	err := c.Execute(ctx, ServiceKey(path), func() error {
		var err error
		body, err = c.doSingleRequest(ctx, accessToken, path)
		return err
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

// Execute runs fn behind the breaker for the given service key, retrying
// only transient upstream errors. It is also used directly by the token
// lifecycle manager to guard refresh calls against the token endpoint.
func (c *Client) Execute(ctx context.Context, service string, fn func() error) error {
	br := c.breakers.Get(service)

	var lastErr error
	for attempt := 0; attempt <= len(retryDelays); attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryDelays[attempt-1]):
			}
		}

		err := br.Execute(fn, CountsAsBreakerFailure)
		if err == nil {
			return nil
		}
		if errors.Is(err, breaker.ErrOpen) {
			// Fail fast: the breaker already decided no call should go out.
			return err
		}
		if !IsTransient(err) {
			return err
		}
		lastErr = err
	}
	return lastErr
}

// doSingleRequest performs one HTTP request and classifies the outcome.
func (c *Client) doSingleRequest(ctx context.Context, accessToken, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading response body: %v", ErrUpstreamUnavailable, err)
	}

	return classifyResponse(resp, body)
}

// classifyResponse maps an HTTP response to the typed error taxonomy.
func classifyResponse(resp *http.Response, body []byte) ([]byte, error) {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return body, nil
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, ErrUnauthenticated
	case resp.StatusCode == http.StatusForbidden:
		return nil, ErrForbidden
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &RateLimitError{RetryAfter: retryAfter(resp)}
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: status %d", ErrUpstreamUnavailable, resp.StatusCode)
	default:
		return nil, &APIError{StatusCode: resp.StatusCode, Message: apiErrorMessage(body)}
	}
}

// retryAfter reads the Retry-After wait hint, defaulting to 1s.
func retryAfter(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 1 * time.Second
}

// apiErrorMessage extracts the error message from a Spotify error body.
func apiErrorMessage(body []byte) string {
	var parsed struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return ""
	}
	return parsed.Error.Message
}
