// Package odata implements the RESO Web API client: OAuth2 client
// credentials authentication with token caching, OData query construction,
// cursor pagination, and quota-aware retry with exponential backoff.
package odata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/openlistings/reso-etl/internal/metrics"
)

// MaxPageSize is the upstream protocol cap on $top. Larger requests are
// clamped, not rejected.
const MaxPageSize = 1000

// defaultTokenLifetime is assumed when the token endpoint omits expires_in.
const defaultTokenLifetime = 28800

// Config configures the OData client.
type Config struct {
	BaseURL      string
	TokenURL     string
	ClientID     string
	ClientSecret string

	// Timeout for individual requests (default: 30s).
	Timeout time.Duration

	// MaxRetries bounds 429 retries; MaxRetries+1 total attempts are made.
	MaxRetries int

	// RetryBase is the backoff base delay (default: 1s).
	RetryBase time.Duration

	// RateLimit / RateBurst pace outbound requests.
	RateLimit float64
	RateBurst int

	// Transport allows injecting a custom HTTP transport (for tests).
	Transport http.RoundTripper
}

// Client is a quota-tracking, retry-capable OData client.
type Client struct {
	cfg        Config
	httpClient *http.Client
	tokens     *TokenCache
	quota      *QuotaSnapshot
	limiter    *rate.Limiter
	log        *slog.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

// NewClient creates a client with the given configuration.
func NewClient(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBase == 0 {
		cfg.RetryBase = time.Second
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = 2.0
	}
	if cfg.RateBurst == 0 {
		cfg.RateBurst = 2
	}

	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: cfg.Transport,
		},
		tokens:  NewTokenCache(),
		quota:   NewQuotaSnapshot(),
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst),
		log:     slog.With("component", "odata"),
		sleep:   sleepCtx,
	}
}

// Quota returns the client's live quota snapshot.
func (c *Client) Quota() *QuotaSnapshot { return c.quota }

// ResetToken drops the cached bearer token, forcing re-authentication on
// the next request.
func (c *Client) ResetToken() { c.tokens.Clear() }

// Authenticate returns a bearer token, performing the OAuth2 client
// credentials exchange only when no valid cached token exists.
// Authentication failures are not retried.
func (c *Client) Authenticate(ctx context.Context) (string, error) {
	token, err := c.authenticate(ctx)
	if err != nil {
		if m := metrics.Get(); m != nil {
			m.AuthFailures.Inc()
		}
	}
	return token, err
}

func (c *Client) authenticate(ctx context.Context) (string, error) {
	if token, ok := c.tokens.Get(); ok {
		return token, nil
	}

	form := url.Values{
		"client_id":     {c.cfg.ClientID},
		"client_secret": {c.cfg.ClientSecret},
		"grant_type":    {"client_credentials"},
		"scope":         {"api"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", &AuthenticationError{Message: "build token request", Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &AuthenticationError{Message: "network error during authentication", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &AuthenticationError{Message: "read token response", Err: err}
	}

	switch resp.StatusCode {
	case http.StatusOK:
		var token struct {
			AccessToken string `json:"access_token"`
			ExpiresIn   int    `json:"expires_in"`
		}
		if err := json.Unmarshal(body, &token); err != nil {
			return "", &AuthenticationError{Message: "invalid JSON response during authentication", Err: err}
		}
		if token.AccessToken == "" {
			return "", &AuthenticationError{Message: "no access token in response"}
		}
		if token.ExpiresIn <= 0 {
			token.ExpiresIn = defaultTokenLifetime
		}
		c.tokens.Set(token.AccessToken, token.ExpiresIn)
		c.log.Debug("authenticated", "expires_in", token.ExpiresIn)
		return token.AccessToken, nil

	case http.StatusUnauthorized:
		return "", &AuthenticationError{Message: "invalid client credentials"}

	case http.StatusBadRequest:
		var detail struct {
			ErrorDescription string `json:"error_description"`
		}
		_ = json.Unmarshal(body, &detail)
		if detail.ErrorDescription == "" {
			detail.ErrorDescription = "bad request"
		}
		return "", &AuthenticationError{Message: fmt.Sprintf("authentication failed: %s", detail.ErrorDescription)}

	default:
		return "", &AuthenticationError{
			Message: fmt.Sprintf("authentication failed with status %d: %s", resp.StatusCode, body),
		}
	}
}

// QueryOptions holds the OData system query options for one request.
// Zero values are omitted from the generated URL.
type QueryOptions struct {
	Filter  string
	Select  []string
	Top     int
	Skip    int
	OrderBy string
}

// BuildQueryURL constructs the query URL for an entity set. Only supplied
// options appear in the query string; $top is clamped to MaxPageSize.
func (c *Client) BuildQueryURL(entitySet string, opts QueryOptions) string {
	base := strings.TrimSuffix(c.cfg.BaseURL, "/") + "/" + entitySet

	params := url.Values{}
	if opts.Filter != "" {
		params.Set("$filter", opts.Filter)
	}
	if len(opts.Select) > 0 {
		params.Set("$select", strings.Join(opts.Select, ","))
	}
	if opts.Top > 0 {
		top := opts.Top
		if top > MaxPageSize {
			top = MaxPageSize
		}
		params.Set("$top", strconv.Itoa(top))
	}
	if opts.Skip > 0 {
		params.Set("$skip", strconv.Itoa(opts.Skip))
	}
	if opts.OrderBy != "" {
		params.Set("$orderby", opts.OrderBy)
	}

	if len(params) == 0 {
		return base
	}
	return base + "?" + params.Encode()
}

// Response wraps one OData response: the parsed body plus the headers and
// status code, so callers can inspect quota counters without re-parsing.
type Response struct {
	Data       map[string]any
	Headers    http.Header
	StatusCode int
}

// Records returns the response's value array as records. A missing or
// malformed value array yields an empty slice, not an error.
func (r *Response) Records() []map[string]any {
	raw, ok := r.Data["value"].([]any)
	if !ok {
		return nil
	}
	records := make([]map[string]any, 0, len(raw))
	for _, item := range raw {
		if m, ok := item.(map[string]any); ok {
			records = append(records, m)
		}
	}
	return records
}

// NextLink returns the server-supplied continuation URL, or "".
func (r *Response) NextLink() string {
	link, _ := r.Data["@odata.nextLink"].(string)
	return link
}

// ExecuteQuery builds and executes a query against an entity set.
func (c *Client) ExecuteQuery(ctx context.Context, entitySet string, opts QueryOptions) (*Response, error) {
	return c.ExecuteURL(ctx, c.BuildQueryURL(entitySet, opts))
}

// ExecuteURL executes an authenticated GET against a complete URL (used
// directly when following pagination links). 429 responses are retried
// with exponential backoff up to MaxRetries times; every other failure
// surfaces immediately.
func (c *Client) ExecuteURL(ctx context.Context, requestURL string) (*Response, error) {
	var lastErr error

	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, &ODataError{Message: "rate limiter wait", Err: err}
		}

		resp, err := c.fetch(ctx, requestURL, true)
		if err == nil {
			return resp, nil
		}
		if !isRateLimited(err) {
			return nil, err
		}

		lastErr = err
		if attempt < c.cfg.MaxRetries {
			if m := metrics.Get(); m != nil {
				m.APIRetries.Inc()
			}
			delay := backoffDelay(attempt, c.cfg.RetryBase)
			c.log.Warn("rate limited, backing off",
				"attempt", attempt+1,
				"max_retries", c.cfg.MaxRetries,
				"delay", delay.String(),
			)
			if err := c.sleep(ctx, delay); err != nil {
				return nil, &ODataError{Message: "backoff interrupted", Err: err}
			}
		}
	}

	return nil, &RateLimitError{Retries: c.cfg.MaxRetries, Err: lastErr}
}

// fetch performs a single authenticated GET and classifies the outcome.
// On a 401 the cached token is cleared and the request is re-issued once
// with a fresh token.
func (c *Client) fetch(ctx context.Context, requestURL string, allowReauth bool) (*Response, error) {
	token, err := c.Authenticate(ctx)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, &ODataError{Message: "build request", Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &ODataError{Message: "network error during request", Err: err}
	}
	defer resp.Body.Close()

	if m := metrics.Get(); m != nil {
		m.APICalls.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ODataError{Message: "read response body", Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		var data map[string]any
		if err := json.Unmarshal(body, &data); err != nil {
			return nil, &ODataError{StatusCode: resp.StatusCode, Message: "invalid JSON response", Err: err}
		}
		c.quota.Update(resp.Header)
		return &Response{Data: data, Headers: resp.Header, StatusCode: resp.StatusCode}, nil

	case resp.StatusCode == http.StatusUnauthorized:
		if allowReauth {
			c.tokens.Clear()
			c.log.Debug("token rejected, re-authenticating")
			return c.fetch(ctx, requestURL, false)
		}
		return nil, &ODataError{
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("authentication failed after retry: %d", resp.StatusCode),
		}

	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &ODataError{
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("rate limited: %d - %s", resp.StatusCode, body),
		}

	default:
		return nil, &ODataError{
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("request failed: %d - %s", resp.StatusCode, body),
		}
	}
}

// ExecutePaginatedQuery fetches every page for a query, following the
// server's next links until exhaustion or the maxPages cap (<= 0 means
// unlimited). Records are concatenated in server-delivered order. The
// page count is returned for API-call accounting.
func (c *Client) ExecutePaginatedQuery(ctx context.Context, entitySet string, opts QueryOptions, maxPages int) ([]map[string]any, int, error) {
	resp, err := c.ExecuteQuery(ctx, entitySet, opts)
	if err != nil {
		return nil, 0, err
	}

	records := resp.Records()
	pages := 1

	for next := resp.NextLink(); next != "" && (maxPages <= 0 || pages < maxPages); next = resp.NextLink() {
		resp, err = c.ExecuteURL(ctx, next)
		if err != nil {
			return nil, pages, err
		}
		records = append(records, resp.Records()...)
		pages++
	}

	c.log.Debug("paginated query complete",
		"entity_set", entitySet,
		"pages", pages,
		"records", len(records),
	)
	return records, pages, nil
}

// backoffDelay computes base * 2^attempt perturbed by up to ±25% uniform
// jitter, floored at zero.
func backoffDelay(attempt int, base time.Duration) time.Duration {
	d := float64(base) * math.Pow(2, float64(attempt))
	jitter := d * 0.25 * (2*rand.Float64() - 1)
	if d += jitter; d < 0 {
		d = 0
	}
	return time.Duration(d)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
