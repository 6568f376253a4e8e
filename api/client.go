// Copyright 2022 Stock Parfait

// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at

//     http://www.apache.org/licenses/LICENSE-2.0

// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package api

import (
	"bytes"
	"context"
	"encoding/json"
	goerrors "errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/stockparfait/ercot/ratelimit"
	"github.com/stockparfait/errors"
	"github.com/stockparfait/logging"
)

type contextKey int

const (
	clientContextKey contextKey = iota
)

// Client for the ERCOT public reports API. It is safe for concurrent use.
type Client struct {
	cfg     Config
	limiter *ratelimit.Limiter // nil when rate limiting is off
	session *session
	metrics *Metrics
}

// NewClient creates a client. The auth may be nil, in which case requests
// carry only the subscription key.
func NewClient(cfg Config, auth Authenticator) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Annotate(err, "invalid client config")
	}
	c := &Client{
		cfg:     cfg,
		metrics: NewMetrics(),
		session: &session{
			auth:      auth,
			key:       cfg.SubscriptionKey,
			timeout:   cfg.Timeout(),
			verifySSL: cfg.VerifySSL,
			now:       time.Now,
		},
	}
	if cfg.RateLimit {
		c.limiter = ratelimit.New(cfg.RequestsPerMinute, 0)
	}
	return c, nil
}

// GetClient extracts the Client from the context, if any.
func GetClient(ctx context.Context) *Client {
	c, ok := ctx.Value(clientContextKey).(*Client)
	if !ok {
		return nil
	}
	return c
}

// UseClient injects the client into the context.
func UseClient(ctx context.Context, c *Client) context.Context {
	return context.WithValue(ctx, clientContextKey, c)
}

// Config of the client.
func (c *Client) Config() Config { return c.cfg }

// Metrics of the client.
func (c *Client) Metrics() *Metrics { return c.metrics }

// Limiter shared by all the requests of the client; nil if disabled.
func (c *Client) Limiter() *ratelimit.Limiter { return c.limiter }

// HTTPClient returns the session's authenticated HTTP client. Requests made
// with it directly bypass the rate limiter; call Throttle first.
func (c *Client) HTTPClient(ctx context.Context) (*http.Client, error) {
	return c.session.httpClient(ctx)
}

// Throttle waits for a rate limiter token.
func (c *Client) Throttle(ctx context.Context) error {
	if err := c.limiter.AcquireContext(ctx); err != nil {
		return errors.Annotate(err, "rate limiter wait aborted")
	}
	return nil
}

// URL resolves an endpoint path against the base URL. Absolute URLs are
// returned as is.
func (c *Client) URL(endpoint string) string {
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return endpoint
	}
	return strings.TrimSuffix(c.cfg.BaseURL, "/") + "/" + strings.TrimPrefix(endpoint, "/")
}

func isTimeout(err error) bool {
	if goerrors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return goerrors.As(err, &ne) && ne.Timeout()
}

func parseRetryAfter(s string) time.Duration {
	if s == "" {
		return 0
	}
	if n, err := strconv.Atoi(strings.TrimSpace(s)); err == nil && n > 0 {
		return time.Duration(n) * time.Second
	}
	if t, err := http.ParseTime(s); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// do executes a single attempt of a request.
func (c *Client) do(ctx context.Context, method, endpoint string, query url.Values, body []byte) ([]byte, error) {
	if err := c.Throttle(ctx); err != nil {
		return nil, err
	}
	hc, err := c.HTTPClient(ctx)
	if err != nil {
		return nil, err
	}
	uri := c.URL(endpoint)
	if len(query) > 0 {
		uri += "?" + query.Encode()
	}
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, uri, r)
	if err != nil {
		return nil, errors.Annotate(err, "failed to create request for %s", endpoint)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, c.TransportError(endpoint, err)
	}
	return c.ReadResponse(resp, endpoint)
}

// TransportError classifies a request that got no response: timeouts become
// *TimeoutError.
func (c *Client) TransportError(endpoint string, err error) error {
	c.metrics.ObserveRequest(0)
	if isTimeout(err) {
		return &TimeoutError{Endpoint: endpoint, Err: err}
	}
	return errors.Annotate(err, "request to %s failed", endpoint)
}

// ReadResponse reads and closes the response body. A 429 status becomes
// *RateLimitError, any other non-2xx status *APIError.
func (c *Client) ReadResponse(resp *http.Response, endpoint string) ([]byte, error) {
	defer resp.Body.Close()
	c.metrics.ObserveRequest(resp.StatusCode)

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		if isTimeout(err) {
			return nil, &TimeoutError{Endpoint: endpoint, Err: err}
		}
		return nil, errors.Annotate(err, "failed to read response from %s", endpoint)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &RateLimitError{
			APIError: APIError{
				StatusCode:   resp.StatusCode,
				ResponseBody: string(data),
				Endpoint:     endpoint,
			},
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{
			StatusCode:   resp.StatusCode,
			ResponseBody: string(data),
			Endpoint:     endpoint,
		}
	}
	return data, nil
}

// RetryPolicy for requests made under ctx, logging and counting retries.
func (c *Client) RetryPolicy(ctx context.Context) RetryPolicy {
	p := c.cfg.RetryPolicy()
	p.OnRetry = func(attempt int, err error, wait time.Duration) {
		c.metrics.ObserveRetry()
		logging.Warningf(ctx, "retry %d/%d in %s: %s", attempt, p.MaxRetries, wait, err.Error())
	}
	return p
}

// Get sends a GET request and returns the response body. Rate limiting and
// retries are applied.
func (c *Client) Get(ctx context.Context, endpoint string, query url.Values) ([]byte, error) {
	return Retry(ctx, c.RetryPolicy(ctx), endpoint, func() ([]byte, error) {
		return c.do(ctx, http.MethodGet, endpoint, query, nil)
	})
}

// GetJSON sends a GET request and decodes the JSON response into v.
func (c *Client) GetJSON(ctx context.Context, endpoint string, query url.Values, v any) error {
	data, err := c.Get(ctx, endpoint, query)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errors.Annotate(err, "failed to parse JSON from %s", endpoint)
	}
	return nil
}

// Post sends body encoded as JSON and returns the response body.
func (c *Client) Post(ctx context.Context, endpoint string, body any) ([]byte, error) {
	js, err := json.Marshal(body)
	if err != nil {
		return nil, errors.Annotate(err, "failed to encode request body for %s", endpoint)
	}
	return Retry(ctx, c.RetryPolicy(ctx), endpoint, func() ([]byte, error) {
		return c.do(ctx, http.MethodPost, endpoint, nil, js)
	})
}
