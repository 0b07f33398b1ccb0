package coinmarketcap

import (
	"log/slog"
	"net/http"
	"time"

	"crypto_live/internal/infra"
)

const (
	// DefaultBaseURL is the CoinMarketCap Pro API root.
	DefaultBaseURL = "https://pro-api.coinmarketcap.com/v1"

	apiKeyHeader = "X-CMC_PRO_API_KEY"
)

// FetchObserver receives the outcome of every FetchPage call.
type FetchObserver interface {
	ObserveFetch(outcome string, elapsed time.Duration)
}

// Client fetches ranked listings from the CoinMarketCap REST API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger

	maxRetries   int
	retryBackoff time.Duration

	limiter  *infra.RateLimiter
	breaker  *infra.CircuitBreaker
	observer FetchObserver
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// NewClient creates a new REST API client.
func NewClient(baseURL, apiKey string, opts ...ClientOption) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger:       slog.Default(),
		maxRetries:   2,
		retryBackoff: time.Second,
	}

	for _, opt := range opts {
		opt(c)
	}

	c.logger = c.logger.With("component", "coinmarketcap")
	return c
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// WithRetries sets how many times a retryable failure is repeated and the
// initial backoff between attempts.
func WithRetries(max int, backoff time.Duration) ClientOption {
	return func(c *Client) {
		c.maxRetries = max
		c.retryBackoff = backoff
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithRateLimiter makes every attempt wait for a token first.
func WithRateLimiter(rl *infra.RateLimiter) ClientOption {
	return func(c *Client) {
		c.limiter = rl
	}
}

// WithCircuitBreaker guards every attempt with cb.
func WithCircuitBreaker(cb *infra.CircuitBreaker) ClientOption {
	return func(c *Client) {
		c.breaker = cb
	}
}

// WithObserver reports fetch outcomes, typically to metrics.
func WithObserver(o FetchObserver) ClientOption {
	return func(c *Client) {
		c.observer = o
	}
}
