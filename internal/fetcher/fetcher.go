// Package fetcher provides the HTTP transport used to reach the license
// server.
package fetcher

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultTimeout = 30 * time.Second

// HTTP posts license requests over net/http. Timeouts surface as net.Error
// timeouts, which the key source classifies as retryable.
type HTTP struct {
	client *http.Client
}

// NewHTTP creates an HTTP fetcher with the given request timeout. A zero
// timeout uses the default.
func NewHTTP(timeout time.Duration) *HTTP {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &HTTP{
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

// Fetch POSTs body to serverURL and returns the raw response body.
func (f *HTTP) Fetch(ctx context.Context, serverURL, body string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, serverURL, strings.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create license request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Keyserve/1.0")

	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("send license request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read license response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("license server returned HTTP %d", resp.StatusCode)
	}
	return string(respBody), nil
}
