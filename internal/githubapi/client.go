// Package githubapi is a small GitHub REST v3 client covering what the MCP
// tools need: token validation against the identity endpoint, repository
// listing with pagination, and rate limit introspection. Transient upstream
// failures are retried with backoff.
package githubapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const (
	defaultBaseURL = "https://api.github.com"
	acceptHeader   = "application/vnd.github.v3+json"
	userAgent      = "github-mcp/0.1.0"

	defaultPerPage    = 100 // GitHub API maximum
	defaultMaxRetries = 3
	defaultTimeout    = 30 * time.Second
)

// retryStatuses are upstream responses worth another attempt.
var retryStatuses = map[int]bool{
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// APIError is a non-2xx answer from the GitHub API.
type APIError struct {
	StatusCode int
	Message    string

	retryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("github api error: %d", e.StatusCode)
	}
	return fmt.Sprintf("github api error: %d - %s", e.StatusCode, e.Message)
}

// Client talks to one GitHub API base URL with at most one bearer token. In
// insecure mode no Authorization header is sent at all; a downstream gateway
// is trusted to inject credentials.
type Client struct {
	baseURL    string
	token      string
	insecure   bool
	httpClient *http.Client
	log        *slog.Logger
	maxRetries int
	retryDelay time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL points the client at a different API host (GitHub Enterprise,
// test servers).
func WithBaseURL(u string) Option {
	return func(c *Client) {
		if u != "" {
			c.baseURL = u
		}
	}
}

// WithToken sets the bearer token sent on every request.
func WithToken(tok string) Option {
	return func(c *Client) { c.token = tok }
}

// WithInsecure suppresses the Authorization header entirely.
func WithInsecure() Option {
	return func(c *Client) { c.insecure = true }
}

// WithHTTPClient substitutes the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithLogger sets the logger for retry diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// WithMaxRetries caps additional attempts after a retryable failure.
func WithMaxRetries(n int) Option {
	return func(c *Client) {
		if n >= 0 {
			c.maxRetries = n
		}
	}
}

// WithRetryDelay sets the base backoff unit. Tests shrink it.
func WithRetryDelay(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.retryDelay = d
		}
	}
}

// New constructs a Client.
func New(opts ...Option) *Client {
	c := &Client{
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: defaultTimeout},
		log:        slog.Default(),
		maxRetries: defaultMaxRetries,
		retryDelay: 1 * time.Second,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// get performs one GET with retries and decodes the JSON answer into out.
func (c *Client) get(ctx context.Context, path string, q url.Values, out any) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(c.backoff(attempt, lastErr)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Accept", acceptHeader)
		req.Header.Set("User-Agent", userAgent)
		if !c.insecure && c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("request failed: %w", err)
			c.log.Warn("githubapi.request.retry",
				slog.String("path", path),
				slog.Int("attempt", attempt),
				slog.String("err", err.Error()))
			continue
		}

		body, readErr := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		resp.Body.Close()
		if readErr != nil {
			lastErr = fmt.Errorf("read response: %w", readErr)
			continue
		}

		if retryStatuses[resp.StatusCode] {
			apiErr := &APIError{StatusCode: resp.StatusCode, Message: apiMessage(body)}
			withRetryHeaders(apiErr, resp.Header)
			lastErr = apiErr
			c.log.Warn("githubapi.status.retry",
				slog.String("path", path),
				slog.Int("attempt", attempt),
				slog.Int("status", resp.StatusCode))
			continue
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return &APIError{StatusCode: resp.StatusCode, Message: apiMessage(body)}
		}

		if out == nil {
			return nil
		}
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	}
	return lastErr
}

// backoff picks the wait before the given attempt, honoring Retry-After
// captured from the previous rate-limited answer when present.
func (c *Client) backoff(attempt int, lastErr error) time.Duration {
	if apiErr, ok := lastErr.(*APIError); ok && apiErr.retryAfter > 0 {
		return apiErr.retryAfter
	}
	return time.Duration(attempt) * c.retryDelay
}

// withRetryHeaders stamps the upstream's wait hint onto the error so the
// backoff can honor it.
func withRetryHeaders(e *APIError, h http.Header) {
	if s := h.Get("Retry-After"); s != "" {
		if secs, err := strconv.Atoi(s); err == nil && secs > 0 {
			e.retryAfter = time.Duration(secs) * time.Second
		}
	} else if s := h.Get("X-RateLimit-Reset"); s != "" {
		if reset, err := strconv.ParseInt(s, 10, 64); err == nil {
			if d := time.Until(time.Unix(reset, 0)); d > 0 {
				e.retryAfter = d
			}
		}
	}
}

func apiMessage(body []byte) string {
	var payload struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	return payload.Message
}
