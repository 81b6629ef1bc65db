package peer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kalambet/hypersync/internal/replication"
)

// Client pulls from one peer's HTTP endpoint.
type Client struct {
	deviceID   string
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient returns a Client for the peer deviceID served at baseURL. A nil
// httpClient gets a default with a 60s timeout; per-call deadlines come from
// the context.
func NewClient(deviceID, baseURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &Client{
		deviceID:   deviceID,
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: httpClient,
	}
}

func (c *Client) DeviceID() string { return c.deviceID }

// FetchLog implements replication.Remote.
func (c *Client) FetchLog(ctx context.Context, since int64, limit int) (replication.Batch, error) {
	q := url.Values{}
	q.Set("since", fmt.Sprint(since))
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}

	var b replication.Batch
	if err := c.get(ctx, "/sync/log?"+q.Encode(), &b); err != nil {
		return replication.Batch{}, err
	}
	return b, nil
}

// Clock returns the peer's vector clock.
func (c *Client) Clock(ctx context.Context) (ClockResponse, error) {
	var out ClockResponse
	err := c.get(ctx, "/sync/clock", &out)
	return out, err
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("peer %s not reachable: %w", c.deviceID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response from %s: %w", c.deviceID, err)
	}
	return nil
}

// statusError maps a non-200 response. Client errors other than 429 are
// permanent; everything else may be retried.
func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var apiErr struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	msg := strings.TrimSpace(string(body))
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Error.Message != "" {
		msg = apiErr.Error.Message
	}

	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return fmt.Errorf("%w: HTTP %d: %s", replication.ErrRejected, resp.StatusCode, msg)
	}
	return fmt.Errorf("HTTP %d: %s", resp.StatusCode, msg)
}
