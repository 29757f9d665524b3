package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/Martian-dev/inbox-sentinel/internal/integration"
)

// Connection is one live provider connection known to the connection broker.
type Connection struct {
	ID             string `json:"id"`
	Provider       string `json:"provider"`
	ExternalUserID string `json:"external_user_id"`
}

// ConnectionDirectory lists live provider connections from the broker
type ConnectionDirectory struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewConnectionDirectory creates a broker client
func NewConnectionDirectory(baseURL, apiKey string) *ConnectionDirectory {
	return &ConnectionDirectory{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// ListConnections returns every live connection for provider.
func (c *ConnectionDirectory) ListConnections(ctx context.Context, provider integration.Provider) ([]Connection, error) {
	endpoint := fmt.Sprintf("%s/connections?provider=%s", c.baseURL, url.QueryEscape(string(provider)))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("bad status %d: %s", resp.StatusCode, string(body))
	}

	var conns []Connection
	if err := json.NewDecoder(resp.Body).Decode(&conns); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return conns, nil
}
