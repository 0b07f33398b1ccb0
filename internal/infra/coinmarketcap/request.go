package coinmarketcap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strings"
	"time"

	"crypto_live/internal/domain"
	"crypto_live/internal/infra"
)

// doRequest performs one GET and classifies failures as *domain.FetchError.
func (c *Client) doRequest(ctx context.Context, path string, query url.Values) ([]byte, error) {
	fullURL := strings.TrimRight(c.baseURL, "/") + path
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", infra.GetUserAgent())
	req.Header.Set(apiKeyHeader, c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &domain.FetchError{Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &domain.FetchError{StatusCode: resp.StatusCode, Message: "read response", Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		fe := &domain.FetchError{
			StatusCode: resp.StatusCode,
			Message:    http.StatusText(resp.StatusCode),
		}
		// CMC reports bad keys and plan limits in the body of 4xx responses.
		var envelope struct {
			Status status `json:"status"`
		}
		if json.Unmarshal(body, &envelope) == nil && envelope.Status.ErrorCode != 0 {
			fe.ProviderCode = envelope.Status.ErrorCode
			fe.Message = statusMessage(envelope.Status)
		}
		return nil, fe
	}

	return body, nil
}

// attempt runs one request through the rate limiter and circuit breaker.
func (c *Client) attempt(ctx context.Context, path string, query url.Values) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	if c.breaker == nil {
		return c.doRequest(ctx, path, query)
	}

	var body []byte
	var rejected error
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		b, err := c.doRequest(ctx, path, query)
		var fe *domain.FetchError
		if errors.As(err, &fe) && !fe.Retryable() {
			// the provider answered; a rejected key is not an outage
			rejected = err
			return nil
		}
		body = b
		return err
	})
	if errors.Is(err, infra.ErrCircuitOpen) {
		return nil, &domain.FetchError{Message: "provider unavailable", Err: err}
	}
	if err != nil {
		return nil, err
	}
	if rejected != nil {
		return nil, rejected
	}
	return body, nil
}

// doWithRetry performs a request with exponential backoff and jitter.
func (c *Client) doWithRetry(ctx context.Context, path string, query url.Values) ([]byte, error) {
	var lastErr error
	backoff := c.retryBackoff

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			// backoff * (0.5 to 1.5)
			wait := backoff
			if backoff > 0 {
				wait = backoff/2 + time.Duration(rand.Int64N(int64(backoff)))
			}
			c.logger.Debug("retrying request",
				"attempt", attempt,
				"backoff", wait,
				"path", path,
			)

			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}

			backoff *= 2
		}

		body, err := c.attempt(ctx, path, query)
		if err == nil {
			return body, nil
		}

		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		var fe *domain.FetchError
		if !errors.As(err, &fe) || !fe.Retryable() || errors.Is(err, infra.ErrCircuitOpen) {
			return nil, err
		}
	}

	return nil, lastErr
}
