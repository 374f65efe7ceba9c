// Package pronounce generates per-record pronunciation audio through a
// GPU speech endpoint (submit a job, poll until it completes), uploads
// the clip to the media store, and writes the audio URL back onto the
// record. The whole stage is best-effort: it runs detached after a run
// completes and a failure never touches the run's outcome.
package pronounce

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"tonguekeeper/internal/events"
	"tonguekeeper/internal/logging"
	"tonguekeeper/internal/types"
)

const pollInterval = 2 * time.Second

// Generator synthesizes pronunciation clips for vocabulary records.
type Generator struct {
	endpoint   string
	apiKey     string
	maxClips   int
	timeout    time.Duration
	store      types.RecordStore
	media      types.MediaStore
	bus        *events.Bus
	httpClient *http.Client
}

// New creates a pronunciation generator. An empty endpoint disables it.
func New(endpoint, apiKey string, maxClips int, timeout time.Duration, store types.RecordStore, media types.MediaStore, bus *events.Bus) *Generator {
	if maxClips <= 0 {
		maxClips = 20
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Generator{
		endpoint:   strings.TrimRight(endpoint, "/"),
		apiKey:     apiKey,
		maxClips:   maxClips,
		timeout:    timeout,
		store:      store,
		media:      media,
		bus:        bus,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Generate synthesizes audio for up to maxClips records that lack it.
// Returns the number of clips produced. Per-record failures are logged
// and skipped.
func (g *Generator) Generate(ctx context.Context, records []types.VocabularyRecord, languageCode string) int {
	if g.endpoint == "" {
		logging.Get(logging.CategoryAudio).Debug("speech endpoint not configured, skipping pronunciation")
		return 0
	}

	produced := 0
	for _, rec := range records {
		if produced >= g.maxClips {
			break
		}
		if ctx.Err() != nil {
			break
		}
		if rec.AudioURL != "" || strings.TrimSpace(rec.HeadwordNative) == "" {
			continue
		}
		url, err := g.generateOne(ctx, rec, languageCode)
		if err != nil {
			logging.Get(logging.CategoryAudio).Warn("pronunciation for %s skipped: %v", rec.ID, err)
			continue
		}
		produced++
		g.bus.Emit(events.AgentPronunciation, "audio_generated", events.StatusComplete, events.AudioGenerated{
			RecordID: rec.ID,
			AudioURL: url,
		})
	}
	logging.Get(logging.CategoryAudio).Info("generated %d pronunciation clips", produced)
	return produced
}

func (g *Generator) generateOne(ctx context.Context, rec types.VocabularyRecord, languageCode string) (string, error) {
	audio, err := g.synthesize(ctx, rec.HeadwordNative, languageCode)
	if err != nil {
		return "", err
	}

	key := fmt.Sprintf("audio/%s/%s.wav", languageCode, rec.ID)
	url, err := g.media.Upload(ctx, key, "audio/wav", audio)
	if err != nil {
		return "", fmt.Errorf("failed to upload clip: %w", err)
	}

	// The record may have been merged since extraction.
	primaryID, err := g.store.ResolvePrimary(ctx, rec.ID)
	if err != nil {
		return "", fmt.Errorf("failed to resolve record: %w", err)
	}
	stored, err := g.store.GetRecord(ctx, primaryID)
	if err != nil {
		return "", fmt.Errorf("failed to load record: %w", err)
	}
	if stored.AudioURL != "" {
		return stored.AudioURL, nil
	}
	stored.AudioURL = url
	if err := g.store.UpdateRecord(ctx, *stored); err != nil {
		return "", fmt.Errorf("failed to store audio url: %w", err)
	}
	return url, nil
}

// synthesize submits one text-to-speech job and polls it to completion.
func (g *Generator) synthesize(ctx context.Context, text, languageCode string) ([]byte, error) {
	jobID, err := g.submit(ctx, text, languageCode)
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(g.timeout)
	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		status, audio, err := g.poll(ctx, jobID)
		if err != nil {
			return nil, err
		}
		switch status {
		case "COMPLETED":
			return audio, nil
		case "FAILED":
			return nil, fmt.Errorf("synthesis job %s failed", jobID)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
	return nil, fmt.Errorf("synthesis job %s timed out after %s", jobID, g.timeout)
}

func (g *Generator) submit(ctx context.Context, text, languageCode string) (string, error) {
	payload := map[string]any{
		"input": map[string]any{
			"text":     text,
			"language": languageCode,
			"task":     "tts",
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode job: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint+"/run", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.apiKey)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("job submit failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("job submit HTTP %d: %s", resp.StatusCode, string(respBody))
	}

	var out struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", fmt.Errorf("failed to parse submit response: %w", err)
	}
	if out.ID == "" {
		return "", fmt.Errorf("submit response missing job id")
	}
	return out.ID, nil
}

func (g *Generator) poll(ctx context.Context, jobID string) (string, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.endpoint+"/status/"+jobID, nil)
	if err != nil {
		return "", nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+g.apiKey)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return "", nil, fmt.Errorf("job poll failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return "", nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", nil, fmt.Errorf("job poll HTTP %d", resp.StatusCode)
	}

	var out struct {
		Status string `json:"status"`
		Output struct {
			AudioBase64 string `json:"audio_base64"`
			Error       string `json:"error"`
		} `json:"output"`
	}
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", nil, fmt.Errorf("failed to parse status response: %w", err)
	}
	if out.Output.Error != "" {
		return "FAILED", nil, nil
	}
	if out.Status != "COMPLETED" {
		return out.Status, nil, nil
	}

	audio, err := base64.StdEncoding.DecodeString(out.Output.AudioBase64)
	if err != nil {
		return "", nil, fmt.Errorf("failed to decode audio payload: %w", err)
	}
	return "COMPLETED", audio, nil
}
