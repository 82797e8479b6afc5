// Package jobsclient implements the external jobs-service collaborator
// of spec.md §4.13 step 6: GET {baseUrl}/jobs/ids, bearer-authenticated,
// retried on transient status codes.
package jobsclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/bken/collabhub/internal/config"
)

// retryableStatus is the set spec.md §4.13 names: 408, 413, 429, 500,
// 502, 503, 504.
var retryableStatus = map[int]bool{
	408: true, 413: true, 429: true,
	500: true, 502: true, 503: true, 504: true,
}

// envelope is the {data, message, statusCode, timestamp} response
// contract.
type envelope struct {
	Data       []string `json:"data"`
	Message    string   `json:"message"`
	StatusCode int      `json:"statusCode"`
	Timestamp  int64    `json:"timestamp"`
}

// Client fetches the room ids a user should auto-join.
type Client struct {
	http *retryablehttp.Client
	cfg  config.JobsConfig
}

// New builds a Client whose retry policy is driven by cfg and limited
// to the status codes named in spec.md §4.13.
func New(cfg config.JobsConfig) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = cfg.MaxRetries
	rc.HTTPClient.Timeout = cfg.RequestTimeout
	rc.Logger = nil
	rc.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if err != nil {
			return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
		}
		if resp != nil && retryableStatus[resp.StatusCode] {
			return true, nil
		}
		return false, nil
	}
	return &Client{http: rc, cfg: cfg}
}

// RoomIDs fetches the auto-join room ids for the user identified by
// token (spec.md §4.13 step 6).
func (c *Client) RoomIDs(ctx context.Context, token string) ([]string, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/jobs/ids", nil)
	if err != nil {
		return nil, fmt.Errorf("jobsclient: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("jobsclient: request failed after retries: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("jobsclient: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		slog.Warn("jobsclient: non-200 response", "status", resp.StatusCode, "body", string(body))
		return nil, fmt.Errorf("jobsclient: unexpected status %d", resp.StatusCode)
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("jobsclient: decode response: %w", err)
	}
	return env.Data, nil
}
