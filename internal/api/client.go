package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	// DefaultTimeout bounds a single backend call.
	DefaultTimeout = 10 * time.Second

	maxBodyBytes = 4 << 20
	sessionPath  = "/session"
	loginPath    = "/login"
)

// Client is the single gateway to the tax backend. Every request is sent
// with the cookies held in its jar, which is how the backend session travels.
type Client struct {
	baseURL        string
	http           *http.Client
	logger         *slog.Logger
	onUnauthorized func(*Error)
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.Timeout = d }
}

// WithLogger sets the logger used for failed calls.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithUnauthorizedHook registers fn to run whenever a call other than the
// session and login endpoints comes back 401. The error is still returned to the caller.
func WithUnauthorizedHook(fn func(*Error)) Option {
	return func(c *Client) { c.onUnauthorized = fn }
}

// WithTransport replaces the underlying round tripper.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) { c.http.Transport = rt }
}

// New creates a gateway for baseURL. An empty baseURL is accepted; every call
// then fails with a transport error wrapping ErrNoBaseURL.
func New(baseURL string, jar http.CookieJar, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Jar: jar, Timeout: DefaultTimeout},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the configured backend address.
func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	if c.baseURL == "" {
		return &Error{Kind: KindTransport, Err: ErrNoBaseURL}
	}

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return &Error{Kind: KindTransport, Err: err}
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return &Error{Kind: KindTransport, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() == nil {
			c.logger.Warn("api call failed", "method", method, "path", path, "error", err)
		}
		return &Error{Kind: KindTransport, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return &Error{Kind: KindTransport, Status: resp.StatusCode, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := decodeError(resp.StatusCode, data)
		c.logger.Debug("api call rejected", "method", method, "path", path, "status", resp.StatusCode, "kind", apiErr.Kind.String())
		if apiErr.Kind == KindUnauthorized && c.onUnauthorized != nil && path != sessionPath && path != loginPath {
			c.onUnauthorized(apiErr)
		}
		return apiErr
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		c.logger.Error("undecodable api response", "method", method, "path", path, "error", err)
		return &Error{Kind: KindServer, Status: resp.StatusCode, Err: err}
	}
	return nil
}
