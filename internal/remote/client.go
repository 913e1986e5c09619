// Package remote implements the larder.RemoteSource collaborator against the
// hosted backend: REST for full collection pulls, a WebSocket stream for push
// events, and a cached health probe usable as a larder.NetworkSource. All
// HTTP calls go through a 3-attempt exponential-backoff [Retry] helper.
package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/larderhq/larder"
)

// Client talks to the backend's sync API. Create one with [NewClient]. It
// implements larder.RemoteSource.
type Client struct {
	baseURL string
	token   string
	hc      *http.Client
	log     *slog.Logger
}

// NewClient creates a Client for the backend at baseURL, authenticating every
// request with the bearer token.
func NewClient(baseURL, token string, logger *slog.Logger) (*Client, error) {
	u, err := url.ParseRequestURI(baseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("remote URL %q must be a valid http or https URL", baseURL)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		hc:      &http.Client{Timeout: 30 * time.Second},
		log:     logger,
	}, nil
}

// FetchAll returns the complete current contents of a collection via
// GET /api/v1/collections/{name}.
func (c *Client) FetchAll(ctx context.Context, name larder.CollectionName) ([]larder.Entity, error) {
	endpoint := fmt.Sprintf("%s/api/v1/collections/%s", c.baseURL, url.PathEscape(string(name)))

	var payload collectionResponse
	err := Retry(ctx, defaultMaxAttempts, func() error {
		return c.getJSON(ctx, endpoint, &payload)
	})
	if err != nil {
		return nil, fmt.Errorf("fetching collection %q: %w", name, err)
	}

	entities := make([]larder.Entity, 0, len(payload.Entities))
	for _, we := range payload.Entities {
		entities = append(entities, we.toEntity())
	}
	return entities, nil
}

// getJSON performs an authenticated GET and decodes the JSON body into out.
func (c *Client) getJSON(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("executing request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("backend returned 401 Unauthorized — check remote_token")
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("backend returned unexpected status %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
