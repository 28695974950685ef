// Client implementation for the upstream market-data HTTP API.
//
// The client handles bearer-token auth, outbound rate limiting, request
// timeouts, and bounded exponential-backoff retry with the transient/fatal
// classification the pipeline relies on.
package feed

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

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/tapelab/go-feed-collector/internal/models"
)

const (
	// API endpoints per entity type.
	darkpoolTradesEndpoint = "/api/v1/darkpool/trades"
	newsHeadlinesEndpoint  = "/api/v1/news/headlines"
	statusEndpoint         = "/api/v1/status"

	// Request configuration.
	requestTimeout = 30 * time.Second

	// Default retry configuration, overridable via ClientConfig.
	defaultMaxAttempts = 3
	defaultBackoffBase = 500 * time.Millisecond
	maxRetryDelay      = 30 * time.Second
	retryMultiplier    = 2.0
	retryJitter        = 0.5

	// Outbound rate limiting.
	defaultRequestsPerSecond = 5
	rateLimitBurst           = 1

	healthCheckTimeout = 5 * time.Second
)

// ClientConfig configures the HTTP client.
type ClientConfig struct {
	BaseURL           string
	Token             string
	MaxAttempts       int           // retry attempts per page fetch
	BackoffBase       time.Duration // initial backoff interval
	RequestsPerSecond int
	Logger            *slog.Logger
}

// Client implements Fetcher against the upstream HTTP API.
type Client struct {
	httpClient  *http.Client
	rateLimiter *rate.Limiter
	baseURL     string
	token       string
	maxAttempts int
	backoffBase time.Duration
	logger      *slog.Logger
}

// NewClient creates a new API client with sane transport defaults.
func NewClient(cfg ClientConfig) *Client {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = defaultBackoffBase
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = defaultRequestsPerSecond
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: requestTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		rateLimiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), rateLimitBurst),
		baseURL:     cfg.BaseURL,
		token:       cfg.Token,
		maxAttempts: cfg.MaxAttempts,
		backoffBase: cfg.BackoffBase,
		logger:      cfg.Logger,
	}
}

// FetchPage implements PageFetcher.
func (c *Client) FetchPage(ctx context.Context, req PageRequest) (*Page, error) {
	if err := req.Validate(); err != nil {
		return nil, &FatalError{Operation: "fetch_page", Err: err}
	}

	endpoint, err := endpointFor(req.Entity)
	if err != nil {
		return nil, &FatalError{Operation: "fetch_page", Err: err}
	}

	if err := c.rateLimiter.Wait(ctx); err != nil {
		return nil, &TransientError{Operation: "rate_limit_wait", Err: err}
	}

	params := url.Values{}
	params.Set("since", req.Since.UTC().Format(time.RFC3339Nano))
	params.Set("until", req.Until.UTC().Format(time.RFC3339Nano))
	if req.Cursor != "" {
		params.Set("cursor", req.Cursor)
	}
	if req.Limit > 0 {
		params.Set("limit", strconv.Itoa(req.Limit))
	}
	fullURL := c.baseURL + endpoint + "?" + params.Encode()

	c.logger.Debug("fetching page",
		"entity", req.Entity,
		"since", req.Since,
		"until", req.Until,
		"cursor", req.Cursor)

	body, err := c.getWithRetry(ctx, fullURL)
	if err != nil {
		return nil, err
	}

	var envelope struct {
		Data       []json.RawMessage `json:"data"`
		NextCursor string            `json:"next_cursor"`
		HasMore    bool              `json:"has_more"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, &FatalError{Operation: "decode_page", Err: fmt.Errorf("malformed page envelope: %w", err)}
	}

	c.logger.Debug("fetched page",
		"entity", req.Entity,
		"records", len(envelope.Data),
		"has_more", envelope.HasMore)

	return &Page{
		Records:    envelope.Data,
		NextCursor: envelope.NextCursor,
		HasMore:    envelope.HasMore,
	}, nil
}

// HealthCheck implements HealthChecker.
func (c *Client) HealthCheck(ctx context.Context) error {
	healthCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(healthCtx, http.MethodGet, c.baseURL+statusEndpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed: status %d", resp.StatusCode)
	}
	return nil
}

// getWithRetry performs a GET with exponential-backoff retry. Network
// errors, 5xx, and 429 are retried; other 4xx fail permanently as
// FatalError.
func (c *Client) getWithRetry(ctx context.Context, fullURL string) ([]byte, error) {
	backoffConfig := backoff.NewExponentialBackOff()
	backoffConfig.InitialInterval = c.backoffBase
	backoffConfig.MaxInterval = maxRetryDelay
	backoffConfig.Multiplier = retryMultiplier
	backoffConfig.RandomizationFactor = retryJitter
	backoffConfig.MaxElapsedTime = 0 // bounded by attempt count and context

	policy := backoff.WithContext(backoff.WithMaxRetries(backoffConfig, uint64(c.maxAttempts-1)), ctx)

	var body []byte
	attempt := 0

	operation := func() error {
		attempt++

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
		if err != nil {
			return backoff.Permanent(&FatalError{Operation: "build_request", Err: err})
		}
		c.setHeaders(req)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			c.logger.Warn("request failed, will retry", "attempt", attempt, "error", err)
			return fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusTooManyRequests {
			retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
			if retryAfter > 0 {
				c.logger.Warn("rate limited by upstream, waiting", "retry_after", retryAfter)
				select {
				case <-time.After(retryAfter):
				case <-ctx.Done():
					return backoff.Permanent(ctx.Err())
				}
			}
			return fmt.Errorf("rate limited by upstream")
		}

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read response body: %w", err)
		}

		if resp.StatusCode >= 500 {
			c.logger.Warn("server error, will retry",
				"attempt", attempt,
				"status", resp.StatusCode)
			return fmt.Errorf("server error %d: %s", resp.StatusCode, truncate(respBody, 200))
		}
		if resp.StatusCode >= 400 {
			return backoff.Permanent(&FatalError{
				Operation:  "fetch_page",
				StatusCode: resp.StatusCode,
				Err:        fmt.Errorf("client error: %s", truncate(respBody, 200)),
			})
		}

		body = respBody
		return nil
	}

	if err := backoff.Retry(operation, policy); err != nil {
		if IsFatal(err) {
			return nil, err
		}
		return nil, &TransientError{Operation: "fetch_page", Err: fmt.Errorf("exhausted %d attempts: %w", attempt, err)}
	}

	return body, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "go-feed-collector/1.0")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func endpointFor(entity models.EntityType) (string, error) {
	switch entity {
	case models.EntityDarkpoolTrades:
		return darkpoolTradesEndpoint, nil
	case models.EntityNewsHeadlines:
		return newsHeadlinesEndpoint, nil
	default:
		return "", fmt.Errorf("no endpoint for entity type %q", entity)
	}
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil {
		return time.Duration(seconds) * time.Second
	}
	if t, err := time.Parse(time.RFC1123, header); err == nil {
		return time.Until(t)
	}
	return 0
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
