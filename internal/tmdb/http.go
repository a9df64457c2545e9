package tmdb

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// doGetJSON performs a GET request against the API and unmarshals the
// JSON response. 429 and 5xx responses are retried with exponential
// backoff; a Retry-After header wins over the computed delay.
func doGetJSON[T any](ctx context.Context, c *Client, endpoint ...string) (*T, error) {
	url := c.resolveURL(endpoint...)

	var lastStatus int
	var lastRetryAfter time.Duration
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := c.retryBase << (attempt - 1)
			if lastRetryAfter > 0 {
				delay = lastRetryAfter
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, fmt.Errorf("could not create request: %w", err)
		}

		resp, err := http.DefaultClient.Do(req) //nolint:gosec // URL constructed from validated parsedURL via resolveURL
		if err != nil {
			return nil, fmt.Errorf("could not send request: %w", err)
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			body, err := io.ReadAll(resp.Body)
			resp.Body.Close()
			if err != nil {
				return nil, fmt.Errorf("could not read response body: %w", err)
			}
			var result T
			if err := json.Unmarshal(body, &result); err != nil {
				return nil, fmt.Errorf("could not unmarshal response: %w", err)
			}
			return &result, nil

		case resp.StatusCode == http.StatusNotFound:
			resp.Body.Close()
			return nil, ErrNotFound

		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			lastStatus = resp.StatusCode
			lastRetryAfter = retryAfterHeader(resp.Header.Get("Retry-After"))
			resp.Body.Close()
			continue

		default:
			defer resp.Body.Close()
			return nil, fmt.Errorf("request failed with status %d: %s", resp.StatusCode, readErrorBody(resp.Body))
		}
	}

	if lastStatus == http.StatusTooManyRequests {
		return nil, ErrRateLimited
	}
	return nil, fmt.Errorf("request failed with status %d after %d retries", lastStatus, c.maxRetries)
}

// retryAfterHeader parses a Retry-After header value given in seconds.
func retryAfterHeader(header string) time.Duration {
	if header == "" {
		return 0
	}
	secs, err := strconv.Atoi(header)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// readErrorBody reads the response body for error messages.
// Returns empty string if reading fails (we're already in an error path).
func readErrorBody(r io.Reader) string {
	body, err := io.ReadAll(r)
	if err != nil {
		return "(could not read error body)"
	}
	return string(body)
}
