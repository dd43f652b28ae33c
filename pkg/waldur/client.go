package waldur

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/waldur/waldur-site-agent/pkg/log"
)

const (
	// defaultTimeout caps a single marketplace HTTP call.
	defaultTimeout = 600 * time.Second

	// defaultRetries is the retry budget for transient failures.
	defaultRetries = 3

	// defaultRateLimit keeps the agent well under marketplace throttling.
	defaultRateLimit = rate.Limit(10) // requests per second
	defaultRateBurst = 20
)

// Client is a typed, retrying HTTP client over the marketplace API. One
// client exists per offering; it carries the offering's endpoint, token
// and TLS policy.
type Client struct {
	baseURL    string
	token      string
	userAgent  string
	httpClient *http.Client
	limiter    *rate.Limiter
	retries    uint
	logger     zerolog.Logger
}

// Option customizes a Client.
type Option func(*Client)

// WithUserAgent sets the User-Agent header, normally
// waldur-site-agent-{mode}/{version}.
func WithUserAgent(ua string) Option {
	return func(c *Client) { c.userAgent = ua }
}

// WithTimeout overrides the per-call HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithRetries overrides the transient-failure retry budget.
func WithRetries(n uint) Option {
	return func(c *Client) { c.retries = n }
}

// WithInsecureTLS disables certificate verification (verify_ssl: false).
func WithInsecureTLS() Option {
	return func(c *Client) {
		c.httpClient.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, // #nosec G402 -- operator opt-in
		}
	}
}

// NewClient creates a marketplace client for one offering.
func NewClient(apiURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimSuffix(apiURL, "/"),
		token:      token,
		userAgent:  "waldur-site-agent/dev",
		httpClient: &http.Client{Timeout: defaultTimeout},
		limiter:    rate.NewLimiter(defaultRateLimit, defaultRateBurst),
		retries:    defaultRetries,
		logger:     log.WithComponent("waldur-client"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// doRequest performs one HTTP call and classifies the outcome. The
// returned body is fully read and the response closed.
func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, body []byte) ([]byte, http.Header, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, nil, err
	}

	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+c.token)
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")
	// Correlation id, echoed back by the marketplace in error reports.
	req.Header.Set("X-Request-ID", uuid.NewString())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, &TransientError{Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, &TransientError{Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return respBody, resp.Header, classifyStatus(resp.StatusCode, string(respBody), parseRetryAfter(resp.Header))
	}
	return respBody, resp.Header, nil
}

// doWithRetry runs op with the transient-failure retry budget. Permanent
// errors fail fast; rate limits honor Retry-After when present.
func (c *Client) doWithRetry(ctx context.Context, op func() error) error {
	return retry.Do(
		op,
		retry.Attempts(c.retries),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.RetryIf(IsTransient),
		retry.DelayType(func(n uint, err error, config *retry.Config) time.Duration {
			var rl *RateLimitedError
			if errors.As(err, &rl) && rl.RetryAfter > 0 {
				return rl.RetryAfter
			}
			return retry.BackOffDelay(n, err, config)
		}),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Warn().Uint("attempt", n+1).Err(err).Msg("retrying marketplace call")
		}),
	)
}

// get performs a GET and decodes the JSON response into out.
func (c *Client) get(ctx context.Context, path string, query url.Values, out interface{}) error {
	return c.doWithRetry(ctx, func() error {
		body, _, err := c.doRequest(ctx, http.MethodGet, path, query, nil)
		if err != nil {
			return err
		}
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("failed to decode %s response: %w", path, err)
		}
		return nil
	})
}

// post performs a POST with a JSON payload, decoding the response into out
// when out is non-nil.
func (c *Client) post(ctx context.Context, path string, payload, out interface{}) error {
	return c.send(ctx, http.MethodPost, path, payload, out)
}

// patch performs a PATCH with a JSON payload.
func (c *Client) patch(ctx context.Context, path string, payload, out interface{}) error {
	return c.send(ctx, http.MethodPatch, path, payload, out)
}

func (c *Client) send(ctx context.Context, method, path string, payload, out interface{}) error {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to encode %s payload: %w", path, err)
		}
	}
	return c.doWithRetry(ctx, func() error {
		respBody, _, err := c.doRequest(ctx, method, path, nil, body)
		if err != nil {
			return err
		}
		if out == nil {
			return nil
		}
		if len(respBody) == 0 {
			return nil
		}
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("failed to decode %s response: %w", path, err)
		}
		return nil
	})
}

// listPages follows pagination until exhausted, appending each page's raw
// JSON array elements via collect. The marketplace paginates with
// page/page_size params and a Link header carrying rel="next".
func (c *Client) listPages(ctx context.Context, path string, query url.Values, collect func(page []byte) error) error {
	if query == nil {
		query = url.Values{}
	}
	query.Set("page_size", "200")

	page := 1
	for {
		query.Set("page", strconv.Itoa(page))
		var (
			body    []byte
			headers http.Header
		)
		err := c.doWithRetry(ctx, func() error {
			var reqErr error
			body, headers, reqErr = c.doRequest(ctx, http.MethodGet, path, query, nil)
			return reqErr
		})
		if err != nil {
			// Requesting a page past the end returns 404 on some
			// marketplace versions.
			if page > 1 && IsNotFound(err) {
				return nil
			}
			return err
		}
		if err := collect(body); err != nil {
			return err
		}
		if !hasNextPage(headers) {
			return nil
		}
		page++
	}
}

// listInto follows pagination and accumulates decoded pages into out,
// which must be a pointer to a slice.
func listInto[T any](ctx context.Context, c *Client, path string, query url.Values, out *[]T) error {
	return c.listPages(ctx, path, query, func(page []byte) error {
		var items []T
		if err := json.Unmarshal(page, &items); err != nil {
			return fmt.Errorf("failed to decode %s page: %w", path, err)
		}
		*out = append(*out, items...)
		return nil
	})
}

// fieldQuery builds a query requesting only the named field projections.
func fieldQuery(fields ...string) url.Values {
	q := url.Values{}
	for _, f := range fields {
		q.Add("field", f)
	}
	return q
}

func hasNextPage(headers http.Header) bool {
	link := headers.Get("Link")
	return link != "" && strings.Contains(link, `rel="next"`)
}

func parseRetryAfter(headers http.Header) time.Duration {
	v := headers.Get("Retry-After")
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
