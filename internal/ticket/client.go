// Package ticket fetches issue metadata from the tracker so documentation
// entries can name what a change was for, not just which PR carried it.
package ticket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

var ErrNotFound = errors.New("ticket not found")

// Ticket is the subset of tracker fields the bot uses.
type Ticket struct {
	Key     string `json:"key"`
	Summary string `json:"summary"`
	Status  string `json:"status"`
}

// Client talks to a REST tracker exposing GET {base}/tickets/{key}.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func New(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Get fetches one ticket. A 404 maps to ErrNotFound so callers can treat a
// stale or deleted ticket reference as enrichment-only, not a hard failure.
func (c *Client) Get(ctx context.Context, key string) (*Ticket, error) {
	endpoint := fmt.Sprintf("%s/tickets/%s", c.baseURL, url.PathEscape(key))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build ticket request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch ticket %s: %w", key, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("fetch ticket %s: tracker returned %d", key, resp.StatusCode)
	}

	var t Ticket
	if err := json.NewDecoder(resp.Body).Decode(&t); err != nil {
		return nil, fmt.Errorf("decode ticket %s: %w", key, err)
	}
	return &t, nil
}
