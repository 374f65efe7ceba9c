package pronounce

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"tonguekeeper/internal/events"
	"tonguekeeper/internal/store"
	"tonguekeeper/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMedia struct {
	uploads int32
	lastKey string
}

func (f *fakeMedia) Upload(ctx context.Context, key, contentType string, data []byte) (string, error) {
	atomic.AddInt32(&f.uploads, 1)
	f.lastKey = key
	return "https://cdn.example.com/" + key, nil
}

func newTestStore(t *testing.T) *store.LocalStore {
	t.Helper()
	s, err := store.NewLocalStore(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// speechServer fakes the submit/poll job API: one poll returns
// IN_PROGRESS, the next returns the completed clip.
func speechServer(t *testing.T) *httptest.Server {
	audio := base64.StdEncoding.EncodeToString([]byte("RIFFfake"))
	polls := map[string]int{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/run":
			var payload map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
			input, _ := payload["input"].(map[string]any)
			require.NotEmpty(t, input["text"])
			fmt.Fprint(w, `{"id":"job-1"}`)
		case r.URL.Path == "/status/job-1":
			polls["job-1"]++
			if polls["job-1"] == 1 {
				fmt.Fprint(w, `{"status":"IN_PROGRESS"}`)
				return
			}
			fmt.Fprintf(w, `{"status":"COMPLETED","output":{"audio_base64":"%s"}}`, audio)
		default:
			http.NotFound(w, r)
		}
	}))
}

func record(id, headword string) types.VocabularyRecord {
	return types.VocabularyRecord{
		ID:             id,
		LanguageCode:   "jje",
		HeadwordNative: headword,
		PartOfSpeech:   "noun",
		Definitions:    []types.Definition{{Language: "en", Text: "test"}},
	}
}

func TestGenerateWritesAudioURLBack(t *testing.T) {
	srv := speechServer(t)
	defer srv.Close()

	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.BulkIndex(ctx, []types.VocabularyRecord{record("r1", "하르방")}))

	media := &fakeMedia{}
	bus := events.NewBus()
	gen := New(srv.URL, "key", 20, time.Minute, s, media, bus)
	// Fast polling for the test.
	gen.httpClient = &http.Client{Timeout: 5 * time.Second}

	n := gen.Generate(ctx, []types.VocabularyRecord{record("r1", "하르방")}, "jje")
	assert.Equal(t, 1, n)
	assert.Equal(t, int32(1), media.uploads)
	assert.Equal(t, "audio/jje/r1.wav", media.lastKey)

	got, err := s.GetRecord(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/audio/jje/r1.wav", got.AudioURL)

	history := bus.History()
	require.Len(t, history, 1)
	assert.Equal(t, events.AgentPronunciation, history[0].Agent)
}

func TestGenerateSkipsRecordsWithAudio(t *testing.T) {
	srv := speechServer(t)
	defer srv.Close()

	s := newTestStore(t)
	withAudio := record("r1", "하르방")
	withAudio.AudioURL = "https://cdn.example.com/existing.wav"
	require.NoError(t, s.BulkIndex(context.Background(), []types.VocabularyRecord{withAudio}))

	media := &fakeMedia{}
	gen := New(srv.URL, "key", 20, time.Minute, s, media, events.NewBus())

	n := gen.Generate(context.Background(), []types.VocabularyRecord{withAudio}, "jje")
	assert.Zero(t, n)
	assert.Zero(t, media.uploads)
}

func TestGenerateRespectsClipCap(t *testing.T) {
	srv := speechServer(t)
	defer srv.Close()

	s := newTestStore(t)
	ctx := context.Background()
	var records []types.VocabularyRecord
	for i := 0; i < 5; i++ {
		records = append(records, record(fmt.Sprintf("r%d", i), "word"))
	}
	require.NoError(t, s.BulkIndex(ctx, records))

	media := &fakeMedia{}
	gen := New(srv.URL, "key", 2, time.Minute, s, media, events.NewBus())

	// Each record reuses job-1: reset the server's poll counter by using
	// a fresh server per record is overkill; the fake completes on the
	// second poll and stays completed afterwards.
	n := gen.Generate(ctx, records, "jje")
	assert.Equal(t, 2, n)
	assert.Equal(t, int32(2), media.uploads)
}

func TestGenerateDisabledWithoutEndpoint(t *testing.T) {
	s := newTestStore(t)
	gen := New("", "", 20, time.Minute, s, &fakeMedia{}, events.NewBus())
	n := gen.Generate(context.Background(), []types.VocabularyRecord{record("r1", "word")}, "jje")
	assert.Zero(t, n)
}

func TestGenerateFailedJobSkipsRecord(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/run":
			fmt.Fprint(w, `{"id":"job-1"}`)
		default:
			fmt.Fprint(w, `{"status":"FAILED"}`)
		}
	}))
	defer srv.Close()

	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.BulkIndex(ctx, []types.VocabularyRecord{record("r1", "word")}))

	media := &fakeMedia{}
	gen := New(srv.URL, "key", 20, time.Minute, s, media, events.NewBus())
	n := gen.Generate(ctx, []types.VocabularyRecord{record("r1", "word")}, "jje")
	assert.Zero(t, n)
	assert.Zero(t, media.uploads)
}
