package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"tonguekeeper/internal/config"
	"tonguekeeper/internal/events"
	"tonguekeeper/internal/store"
	"tonguekeeper/internal/types"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	startErr   error
	injectErr  error
	active     bool
	cancels    int32
	lastReq    types.PreserveRequest
	lastURL    string
	lastTitle  string
	lastType   string
	injectURLs []string
}

func (f *fakeRunner) Start(req types.PreserveRequest) (string, error) {
	f.lastReq = req
	if f.startErr != nil {
		return "", f.startErr
	}
	return "run-1", nil
}

func (f *fakeRunner) InjectSource(url, title, sourceType string) error {
	f.lastURL, f.lastTitle, f.lastType = url, title, sourceType
	f.injectURLs = append(f.injectURLs, url)
	return f.injectErr
}

func (f *fakeRunner) Cancel()      { atomic.AddInt32(&f.cancels, 1) }
func (f *fakeRunner) Active() bool { return f.active }

type harness struct {
	runner *fakeRunner
	store  *store.LocalStore
	bus    *events.Bus
	ts     *httptest.Server
}

func newHarness(t *testing.T, cfg config.ServerConfig) *harness {
	t.Helper()
	s, err := store.NewLocalStore(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	h := &harness{
		runner: &fakeRunner{},
		store:  s,
		bus:    events.NewBus(),
	}
	srv := New("tonguekeeper", cfg, h.runner, h.store, h.bus)
	h.ts = httptest.NewServer(srv.Handler())
	t.Cleanup(h.ts.Close)
	return h
}

func defaultConfig() config.ServerConfig {
	return config.ServerConfig{PreserveRPM: 600, IngestRPM: 600, PollRPM: 600}
}

func (h *harness) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(h.ts.URL+path, "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	return resp
}

func (h *harness) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(h.ts.URL + path)
	require.NoError(t, err)
	return resp
}

func decode(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestPreserveAccepted(t *testing.T) {
	h := newHarness(t, defaultConfig())

	resp := h.post(t, "/preserve", map[string]any{
		"language_code": "jje",
		"language_name": "Jejueo",
		"region":        "Jeju Island",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	body := decode(t, resp)
	assert.Equal(t, "accepted", body["status"])
	assert.Equal(t, "run-1", body["run_id"])
	assert.Equal(t, "jje", h.runner.lastReq.LanguageCode)
	assert.Equal(t, "Jeju Island", h.runner.lastReq.Region)
}

func TestPreserveLegacyLanguageAlias(t *testing.T) {
	h := newHarness(t, defaultConfig())

	resp := h.post(t, "/preserve", map[string]any{
		"language_code": "ain",
		"language":      "Ainu",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp.Body.Close()
	assert.Equal(t, "Ainu", h.runner.lastReq.Name())
}

func TestPreserveValidationListsEveryField(t *testing.T) {
	h := newHarness(t, defaultConfig())

	resp := h.post(t, "/preserve", map[string]any{"max_sources": -1})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	body := decode(t, resp)
	fields, ok := body["fields"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, fields, "language_code")
	assert.Contains(t, fields, "language_name")
	assert.Contains(t, fields, "max_sources")
	assert.Zero(t, h.runner.lastReq.LanguageCode)
}

func TestPreserveConflictWhenRunActive(t *testing.T) {
	h := newHarness(t, defaultConfig())
	h.runner.startErr = types.ErrAlreadyRunning

	resp := h.post(t, "/preserve", map[string]any{
		"language_code": "jje",
		"language_name": "Jejueo",
	})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()
}

func TestInjectSourceDefaultsTitleToHostname(t *testing.T) {
	h := newHarness(t, defaultConfig())

	resp := h.post(t, "/sources", map[string]any{
		"url":  "https://community.example.net/words",
		"type": "community",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp.Body.Close()

	assert.Equal(t, "https://community.example.net/words", h.runner.lastURL)
	assert.Equal(t, "community.example.net", h.runner.lastTitle)
	assert.Equal(t, "community", h.runner.lastType)
}

func TestInjectSourceRejectedWithoutRun(t *testing.T) {
	h := newHarness(t, defaultConfig())
	h.runner.injectErr = types.ErrNoActiveRun

	resp := h.post(t, "/sources", map[string]any{"url": "https://a.example.com"})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()
}

func TestInjectSourceValidatesURL(t *testing.T) {
	h := newHarness(t, defaultConfig())

	for _, bad := range []string{"", "not-a-url", "ftp://files.example.com"} {
		resp := h.post(t, "/sources", map[string]any{"url": bad})
		require.Equal(t, http.StatusBadRequest, resp.StatusCode, "url %q", bad)
		body := decode(t, resp)
		fields, ok := body["fields"].(map[string]any)
		require.True(t, ok)
		assert.Contains(t, fields, "url")
	}
	assert.Empty(t, h.runner.injectURLs)
}

func TestCancelIsIdempotent(t *testing.T) {
	h := newHarness(t, defaultConfig())

	for i := 0; i < 2; i++ {
		resp := h.post(t, "/cancel", map[string]any{})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		resp.Body.Close()
	}
	assert.Equal(t, int32(2), atomic.LoadInt32(&h.runner.cancels))
}

func TestIngestEventValidation(t *testing.T) {
	h := newHarness(t, defaultConfig())

	resp := h.post(t, "/events", map[string]any{"status": "bogus"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	body := decode(t, resp)
	fields, ok := body["fields"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, fields, "agent")
	assert.Contains(t, fields, "action")
	assert.Contains(t, fields, "status")
	assert.Zero(t, h.bus.Len())
}

func TestIngestedEventAppearsInHistory(t *testing.T) {
	h := newHarness(t, defaultConfig())

	resp := h.post(t, "/events", map[string]any{
		"agent":  "discovery",
		"action": "source_discovered",
		"status": "complete",
		"data":   map[string]any{"url": "https://a.example.com"},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	accepted := decode(t, resp)
	assert.NotEmpty(t, accepted["id"])

	listResp := h.get(t, "/events")
	require.Equal(t, http.StatusOK, listResp.StatusCode)
	body := decode(t, listResp)
	list, ok := body["events"].([]any)
	require.True(t, ok)
	require.Len(t, list, 1)
	first := list[0].(map[string]any)
	assert.Equal(t, "discovery", first["agent"])
	assert.Equal(t, "source_discovered", first["action"])
}

func TestHealth(t *testing.T) {
	h := newHarness(t, defaultConfig())
	h.runner.active = true
	h.bus.Emit("pipeline", "run_started", events.StatusRunning, nil)

	resp := h.get(t, "/health")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decode(t, resp)
	assert.Equal(t, "tonguekeeper", body["service"])
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, true, body["run_active"])
	assert.Equal(t, float64(1), body["history_size"])
}

func TestGetRunNotFound(t *testing.T) {
	h := newHarness(t, defaultConfig())

	resp := h.get(t, "/runs/jje/nope")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	body := decode(t, resp)
	assert.Equal(t, "run not found", body["error"])
}

func TestGetRunReturnsArtifact(t *testing.T) {
	h := newHarness(t, defaultConfig())

	run := types.PipelineRun{
		ID:           "run-7",
		LanguageCode: "jje",
		LanguageName: "Jejueo",
		StartedAt:    time.Now().UTC(),
		Status:       types.RunCompleted,
		Stats:        types.RunStats{SourcesDiscovered: 3, EntriesExtracted: 6},
	}
	require.NoError(t, h.store.SaveRun(context.Background(), run))

	resp := h.get(t, "/runs/jje/run-7")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decode(t, resp)
	assert.Equal(t, "run-7", body["id"])
	assert.Equal(t, "completed", body["status"])
}

func TestPreserveRateLimited(t *testing.T) {
	cfg := defaultConfig()
	cfg.PreserveRPM = 1
	h := newHarness(t, cfg)

	resp := h.post(t, "/preserve", map[string]any{"language_code": "jje", "language_name": "Jejueo"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp.Body.Close()

	resp = h.post(t, "/preserve", map[string]any{"language_code": "jje", "language_name": "Jejueo"})
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	resp.Body.Close()
}

func TestWebSocketReplaysHistoryThenStreams(t *testing.T) {
	h := newHarness(t, defaultConfig())
	h.bus.Emit("pipeline", "run_started", events.StatusRunning, map[string]any{"run_id": "r1"})

	wsURL := "ws" + strings.TrimPrefix(h.ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	var replayed events.Event
	require.NoError(t, conn.ReadJSON(&replayed))
	assert.Equal(t, "run_started", replayed.Action)

	h.bus.Emit("crawler", "source_done", events.StatusComplete, nil)

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var live events.Event
	require.NoError(t, conn.ReadJSON(&live))
	assert.Equal(t, "source_done", live.Action)
}
