// Package media implements the object store client used for run-artifact
// and pronunciation-audio uploads. The backing service is an R2 worker
// exposing a single upload endpoint that returns the stored object's URL.
package media

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"tonguekeeper/internal/types"
)

// Store uploads binary objects and returns their public URLs.
type Store struct {
	endpoint   string
	publicURL  string
	accessKey  string
	httpClient *http.Client
}

var _ types.MediaStore = (*Store)(nil)

// New creates a media store client. publicURL prefixes relative upload
// paths returned by the worker; when empty, the endpoint is used.
func New(endpoint, publicURL, accessKey string, timeout time.Duration) *Store {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if publicURL == "" {
		publicURL = endpoint
	}
	return &Store{
		endpoint:   strings.TrimRight(endpoint, "/"),
		publicURL:  strings.TrimRight(publicURL, "/"),
		accessKey:  accessKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Upload stores data under key and returns the object's public URL.
func (s *Store) Upload(ctx context.Context, key, contentType string, data []byte) (string, error) {
	if s.endpoint == "" {
		return "", fmt.Errorf("media store endpoint not configured")
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint+"/upload", bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-Filename", key)
	if s.accessKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.accessKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("upload HTTP %d: %s", resp.StatusCode, string(body))
	}

	var out struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("failed to parse upload response: %w", err)
	}
	if out.URL == "" {
		return "", fmt.Errorf("upload response missing url")
	}

	// The worker returns a relative path like /audio/key.wav.
	if strings.HasPrefix(out.URL, "/") {
		return s.publicURL + out.URL, nil
	}
	return out.URL, nil
}
