package conductor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client pushes per-machine stats documents to the fleet conductor.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a Client for the conductor at baseURL.
func New(baseURL string) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("conductor base url is required")
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 15 * time.Second},
	}, nil
}

// SendStats posts a stats document for one machine.
func (c *Client) SendStats(ctx context.Context, machineID string, data map[string]any) error {
	if c == nil {
		return errors.New("nil conductor client")
	}
	if machineID == "" {
		return errors.New("machine id is required")
	}

	body, err := json.Marshal(map[string]any{
		"machineId": machineID,
		"data":      data,
	})
	if err != nil {
		return fmt.Errorf("marshal stats: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/remote", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("post stats: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("stats push unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	return nil
}
