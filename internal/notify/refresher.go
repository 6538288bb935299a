package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"mlsync/internal/library"
)

// MediaServerRefresher asks a media server to rescan the directory of a new link.
type MediaServerRefresher struct {
	url     string
	token   string
	timeout time.Duration
	client  *http.Client
}

var _ library.Refresher = (*MediaServerRefresher)(nil)

// NewMediaServerRefresher creates a refresher posting to url. token may be empty.
func NewMediaServerRefresher(url, token string, timeout time.Duration) *MediaServerRefresher {
	return &MediaServerRefresher{
		url:     url,
		token:   token,
		timeout: timeout,
		client:  http.DefaultClient,
	}
}

type refreshRequest struct {
	Path string `json:"path"`
}

// Refresh implements library.Refresher.
func (r *MediaServerRefresher) Refresh(ctx context.Context, dir string) error {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	body, err := json.Marshal(refreshRequest{Path: dir})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.token != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", r.token))
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send refresh: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("refresh returned status %d: %s", resp.StatusCode, string(raw))
	}
	return nil
}
