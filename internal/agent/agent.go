// Package agent implements the Agent Client (L4): the optional fast path
// used when an on-device companion agent is running. Two channels — a
// thin HTTP client for small JSON requests and a raw TCP client for bulk
// file transfer — let the core prefer the agent over shell-based
// transport when available (SPEC_FULL.md §3.8).
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

// HTTPClient is the JSON-request channel: device info, contact/SMS export
// triggers, and other small operations that fit comfortably in a single
// request/response (spec.md §4.8).
type HTTPClient struct {
	baseURL string
	token   string
	client  *http.Client
	logger  logrus.FieldLogger
}

// NewHTTPClient constructs an HTTPClient. token is sent as a bearer
// header on every request.
func NewHTTPClient(baseURL, token string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: timeout},
		logger:  logrus.StandardLogger().WithField("component", "agent-http"),
	}
}

// Get issues a GET against path and decodes the JSON response into out.
// Retried with exponential backoff since GET is idempotent (spec.md §4.8:
// "retried... for idempotent GET-style calls only — never for the TCP
// bulk-transfer channel, which is not idempotent").
func (c *HTTPClient) Get(ctx context.Context, path string, out any) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	return backoff.Retry(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+c.token)

		resp, err := c.client.Do(req)
		if err != nil {
			c.logger.WithError(err).WithField("path", path).Warn("agent HTTP request failed, retrying")
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 500 {
			return fmt.Errorf("agent: server error %d", resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			return backoff.Permanent(fmt.Errorf("agent: request error %d", resp.StatusCode))
		}
		if out == nil {
			return nil
		}
		return json.NewDecoder(resp.Body).Decode(out)
	}, policy)
}

// Post issues a POST with a JSON-encoded body, never retried — most POSTs
// (content-provider exports) are not safely repeatable.
func (c *HTTPClient) Post(ctx context.Context, path string, body any, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return fmt.Errorf("agent: encoding request body: %w", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &buf)
	if err != nil {
		return fmt.Errorf("agent: building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("agent: request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("agent: request error %d: %s", resp.StatusCode, msg)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
