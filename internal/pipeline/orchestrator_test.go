package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tonguekeeper/internal/config"
	"tonguekeeper/internal/crossref"
	"tonguekeeper/internal/enrich"
	"tonguekeeper/internal/events"
	"tonguekeeper/internal/store"
	"tonguekeeper/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const discoveryJSON = `[
  {"url": "https://dict.example.com/jeju", "title": "Jeju Dictionary", "type": "dictionary"},
  {"url": "https://archive.example.org/jje", "title": "Jeju Archive", "type": "archive"},
  {"url": "https://uni.example.edu/jejueo", "title": "Jejueo Studies", "type": "academic"}
]`

const extractionJSON = `{
  "entries": [
    {
      "headword_native": "하르방",
      "headword_romanized": "hareubang",
      "part_of_speech": "noun",
      "definitions": [{"language": "en", "text": "grandfather"}],
      "semantic_cluster": "kinship"
    },
    {
      "headword_native": "돗",
      "part_of_speech": "noun",
      "definitions": [{"language": "en", "text": "pig"}]
    }
  ],
  "grammar_patterns": [
    {"name": "-ㅂ서", "description": "polite imperative ending"}
  ]
}`

type fakeReasoner struct {
	mu            sync.Mutex
	discovery     string
	extraction    string
	failDiscovery bool
}

func (f *fakeReasoner) Complete(ctx context.Context, prompt string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failDiscovery {
		return "", errors.New("model unavailable")
	}
	return f.discovery, nil
}

func (f *fakeReasoner) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.extraction, nil
}

func (f *fakeReasoner) CompleteWithTools(ctx context.Context, systemPrompt, userPrompt string, tools []types.ToolDefinition) (*types.ToolResponse, error) {
	return &types.ToolResponse{}, nil
}

func (f *fakeReasoner) CompleteConversation(ctx context.Context, systemPrompt string, messages []types.Message, tools []types.ToolDefinition) (*types.ToolResponse, error) {
	return &types.ToolResponse{}, nil
}

type fakeCrawler struct {
	mu        sync.Mutex
	failURLs  map[string]bool
	hash      func(url string) string
	gate      chan struct{} // when set, every crawl blocks until the gate closes
	entered   chan struct{} // closed when the first crawl starts
	enterOnce sync.Once
	crawled   []string
}

func (f *fakeCrawler) Crawl(ctx context.Context, url string, hints types.CrawlHints) (*types.CrawlResult, error) {
	if f.entered != nil {
		f.enterOnce.Do(func() { close(f.entered) })
	}
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.crawled = append(f.crawled, url)
	if f.failURLs[url] {
		return nil, fmt.Errorf("HTTP 503 fetching %s", url)
	}
	hash := "hash-" + url
	if f.hash != nil {
		hash = f.hash(url)
	}
	return &types.CrawlResult{
		URL:         url,
		Title:       "Page at " + url,
		Content:     "하르방 grandfather, 돗 pig",
		ContentHash: hash,
		Strategy:    "http",
	}, nil
}

func (f *fakeCrawler) crawledURLs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.crawled...)
}

type fakeMerger struct{ calls int32 }

func (f *fakeMerger) Merge(ctx context.Context, records []types.VocabularyRecord, sourceTitle, languageName string) (*crossref.Report, error) {
	atomic.AddInt32(&f.calls, 1)
	return &crossref.Report{MergedCount: 0, ProcessedCount: len(records)}, nil
}

type fakeEnricher struct{ calls int32 }

func (f *fakeEnricher) Enrich(ctx context.Context, records []types.VocabularyRecord, sources []types.Source, languageName string) (*enrich.Report, error) {
	atomic.AddInt32(&f.calls, 1)
	return &enrich.Report{}, nil
}

type fakeAudio struct{ calls int32 }

func (f *fakeAudio) Generate(ctx context.Context, records []types.VocabularyRecord, languageCode string) int {
	atomic.AddInt32(&f.calls, 1)
	return 0
}

type fakeMedia struct{ uploads int32 }

func (f *fakeMedia) Upload(ctx context.Context, key, contentType string, data []byte) (string, error) {
	atomic.AddInt32(&f.uploads, 1)
	return "https://cdn.example.com/" + key, nil
}

type fakeNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (f *fakeNotifier) Notify(ctx context.Context, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, message)
	return nil
}

type testHarness struct {
	orch     *Orchestrator
	reasoner *fakeReasoner
	crawler  *fakeCrawler
	merger   *fakeMerger
	enricher *fakeEnricher
	audio    *fakeAudio
	media    *fakeMedia
	notifier *fakeNotifier
	store    *store.LocalStore
	bus      *events.Bus
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	s, err := store.NewLocalStore(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	seeds, err := config.NewSeedCatalog(filepath.Join(t.TempDir(), "seeds.yaml"))
	require.NoError(t, err)

	h := &testHarness{
		reasoner: &fakeReasoner{discovery: discoveryJSON, extraction: extractionJSON},
		crawler:  &fakeCrawler{},
		merger:   &fakeMerger{},
		enricher: &fakeEnricher{},
		audio:    &fakeAudio{},
		media:    &fakeMedia{},
		notifier: &fakeNotifier{},
		store:    s,
		bus:      events.NewBus(),
	}
	h.orch = New(Deps{
		Reasoner: h.reasoner,
		Store:    h.store,
		Crawler:  h.crawler,
		Merger:   h.merger,
		Enricher: h.enricher,
		Audio:    h.audio,
		Media:    h.media,
		Notifier: h.notifier,
		Seeds:    seeds,
		Bus:      h.bus,
		Config:   config.PipelineConfig{MaxSourcesPerRun: 12},
	})
	return h
}

func jejuRequest() types.PreserveRequest {
	return types.PreserveRequest{LanguageCode: "jje", LanguageName: "Jejueo"}
}

func (h *testHarness) runArtifact(t *testing.T, runID string) *types.PipelineRun {
	t.Helper()
	run, err := h.store.GetRun(context.Background(), "jje", runID)
	require.NoError(t, err)
	return run
}

func outcomesByStatus(run *types.PipelineRun) map[types.SourceStatus]int {
	counts := map[types.SourceStatus]int{}
	for _, o := range run.SourceOutcomes {
		counts[o.Status]++
	}
	return counts
}

func TestStartRejectsSecondRun(t *testing.T) {
	h := newHarness(t)
	h.crawler.gate = make(chan struct{})

	_, err := h.orch.Start(jejuRequest())
	require.NoError(t, err)

	_, err = h.orch.Start(types.PreserveRequest{LanguageCode: "ain", LanguageName: "Ainu"})
	require.ErrorIs(t, err, types.ErrAlreadyRunning)

	close(h.crawler.gate)
	h.orch.Wait()

	// The slot frees once the run completes.
	_, err = h.orch.Start(jejuRequest())
	require.NoError(t, err)
	h.orch.Wait()
}

func TestStartRequiresLanguageFields(t *testing.T) {
	h := newHarness(t)
	_, err := h.orch.Start(types.PreserveRequest{LanguageCode: "jje"})
	require.Error(t, err)
	_, err = h.orch.Start(types.PreserveRequest{LanguageName: "Jejueo"})
	require.Error(t, err)

	// The legacy alias satisfies the name requirement.
	_, err = h.orch.Start(types.PreserveRequest{LanguageCode: "jje", Language: "Jejueo"})
	require.NoError(t, err)
	h.orch.Wait()
}

func TestRunCompletesAndPersistsArtifact(t *testing.T) {
	h := newHarness(t)

	runID, err := h.orch.Start(jejuRequest())
	require.NoError(t, err)
	h.orch.Wait()

	run := h.runArtifact(t, runID)
	assert.Equal(t, types.RunCompleted, run.Status)
	assert.Equal(t, 3, run.Stats.SourcesDiscovered)
	assert.Equal(t, 3, run.Stats.SourcesCompleted)
	assert.Equal(t, 6, run.Stats.EntriesExtracted)
	assert.Equal(t, 3, run.Stats.GrammarPatterns)
	assert.Len(t, run.SourceOutcomes, 3)
	assert.False(t, run.CompletedAt.IsZero())

	// Every source batch went through the merge engine.
	assert.Equal(t, int32(3), atomic.LoadInt32(&h.merger.calls))

	// Extracted records landed in the store.
	results, err := h.store.Search(context.Background(), "jje", "grandfather", 10)
	require.NoError(t, err)
	assert.NotEmpty(t, results)
}

func TestAlreadyProcessedURLsSkipAsDuplicates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.MarkProcessed(ctx, "jje", "https://dict.example.com/jeju", "old-hash-1"))
	require.NoError(t, h.store.MarkProcessed(ctx, "jje", "https://archive.example.org/jje", "old-hash-2"))

	runID, err := h.orch.Start(jejuRequest())
	require.NoError(t, err)
	h.orch.Wait()

	run := h.runArtifact(t, runID)
	assert.Equal(t, 3, run.Stats.SourcesDiscovered)
	counts := outcomesByStatus(run)
	assert.Equal(t, 2, counts[types.SourceSkippedDuplicate])
	assert.Equal(t, 1, counts[types.SourceExtracted])

	// The skipped URLs were never crawled.
	assert.Equal(t, []string{"https://uni.example.edu/jejueo"}, h.crawler.crawledURLs())
}

func TestCrawlFailureDoesNotAbortRun(t *testing.T) {
	h := newHarness(t)
	h.crawler.failURLs = map[string]bool{"https://archive.example.org/jje": true}

	runID, err := h.orch.Start(jejuRequest())
	require.NoError(t, err)
	h.orch.Wait()

	run := h.runArtifact(t, runID)
	assert.Equal(t, types.RunCompleted, run.Status)
	counts := outcomesByStatus(run)
	assert.Equal(t, 2, counts[types.SourceExtracted])
	assert.Equal(t, 1, counts[types.SourceFailed])
	assert.Equal(t, 1, run.Stats.SourcesFailed)

	for _, outcome := range run.SourceOutcomes {
		if outcome.Status == types.SourceFailed {
			assert.Contains(t, outcome.Error, "HTTP 503")
		}
	}
}

func TestMirroredContentSkipsByHash(t *testing.T) {
	h := newHarness(t)
	// Every URL serves byte-identical content.
	h.crawler.hash = func(string) string { return "same-hash" }

	runID, err := h.orch.Start(jejuRequest())
	require.NoError(t, err)
	h.orch.Wait()

	run := h.runArtifact(t, runID)
	counts := outcomesByStatus(run)
	assert.Equal(t, 1, counts[types.SourceExtracted])
	assert.Equal(t, 2, counts[types.SourceSkippedContentHash])
}

func TestSourceCapSkipsOverflow(t *testing.T) {
	h := newHarness(t)

	req := jejuRequest()
	req.MaxSources = 1
	runID, err := h.orch.Start(req)
	require.NoError(t, err)
	h.orch.Wait()

	run := h.runArtifact(t, runID)
	counts := outcomesByStatus(run)
	assert.Equal(t, 1, counts[types.SourceExtracted])
	assert.Equal(t, 2, counts[types.SourceSkippedSourceCap])
	assert.Len(t, h.crawler.crawledURLs(), 1)
}

func TestInjectSourceRequiresActiveRun(t *testing.T) {
	h := newHarness(t)

	err := h.orch.InjectSource("https://late.example.com", "Late", "community")
	require.ErrorIs(t, err, types.ErrNoActiveRun)

	_, err = h.orch.Start(jejuRequest())
	require.NoError(t, err)
	h.orch.Wait()

	err = h.orch.InjectSource("https://late.example.com", "Late", "community")
	require.ErrorIs(t, err, types.ErrNoActiveRun)
}

func TestInjectSourceJoinsLiveQueue(t *testing.T) {
	h := newHarness(t)
	h.crawler.gate = make(chan struct{})

	runID, err := h.orch.Start(jejuRequest())
	require.NoError(t, err)

	// The first crawl is blocked, so the run is mid-drain.
	require.NoError(t, h.orch.InjectSource("https://community.example.net/words", "Community Wordlist", "community"))
	close(h.crawler.gate)
	h.orch.Wait()

	run := h.runArtifact(t, runID)
	assert.Equal(t, 4, run.Stats.SourcesDiscovered)
	assert.Len(t, run.SourceOutcomes, 4)

	var found bool
	for _, outcome := range run.SourceOutcomes {
		if outcome.URL == "https://community.example.net/words" {
			found = true
			assert.Equal(t, types.SourceExtracted, outcome.Status)
		}
	}
	assert.True(t, found, "injected source should appear in the outcomes")

	// Injection provenance is distinct from model search suggestions.
	var injected *events.SourceDiscovered
	for _, evt := range h.bus.History() {
		if evt.Action != "source_injected" {
			continue
		}
		payload, ok := evt.Data.(events.SourceDiscovered)
		require.True(t, ok)
		injected = &payload
	}
	require.NotNil(t, injected, "injection should emit a source_injected event")
	assert.Equal(t, types.DiscoveryInjected, injected.Method)
	assert.Equal(t, "https://community.example.net/words", injected.URL)
}

func TestCancelMidRunPersistsCancelledArtifact(t *testing.T) {
	h := newHarness(t)
	h.crawler.gate = make(chan struct{})
	h.crawler.entered = make(chan struct{})

	runID, err := h.orch.Start(jejuRequest())
	require.NoError(t, err)

	<-h.crawler.entered
	h.orch.Cancel()
	h.orch.Cancel() // idempotent
	close(h.crawler.gate)
	h.orch.Wait()

	run := h.runArtifact(t, runID)
	assert.Equal(t, types.RunCancelled, run.Status)
	require.Len(t, run.SourceOutcomes, 3)
	for _, outcome := range run.SourceOutcomes {
		assert.Equal(t, types.SourceCancelled, outcome.Status)
	}

	// Cancelled runs skip the side-effect tails.
	assert.Zero(t, atomic.LoadInt32(&h.enricher.calls))
	assert.Zero(t, atomic.LoadInt32(&h.audio.calls))
	assert.Zero(t, atomic.LoadInt32(&h.media.uploads))
	h.notifier.mu.Lock()
	assert.Empty(t, h.notifier.messages)
	h.notifier.mu.Unlock()
}

func TestCancelWithoutRunIsNoOp(t *testing.T) {
	h := newHarness(t)
	h.orch.Cancel()
	assert.False(t, h.orch.Active())
}

func TestDiscoveryFailureFailsRun(t *testing.T) {
	h := newHarness(t)
	h.reasoner.failDiscovery = true

	runID, err := h.orch.Start(jejuRequest())
	require.NoError(t, err)
	h.orch.Wait()

	run := h.runArtifact(t, runID)
	assert.Equal(t, types.RunFailed, run.Status)
	assert.Empty(t, run.SourceOutcomes)

	// The failure released the run slot.
	assert.False(t, h.orch.Active())
}

func TestCompletedRunSchedulesDetachedTails(t *testing.T) {
	h := newHarness(t)

	_, err := h.orch.Start(jejuRequest())
	require.NoError(t, err)
	h.orch.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&h.enricher.calls))
	assert.Equal(t, int32(1), atomic.LoadInt32(&h.audio.calls))
	assert.Equal(t, int32(1), atomic.LoadInt32(&h.media.uploads))

	h.notifier.mu.Lock()
	defer h.notifier.mu.Unlock()
	require.Len(t, h.notifier.messages, 1)
	assert.Contains(t, h.notifier.messages[0], "Jejueo")
}

func TestSecondRunSkipsProcessedSources(t *testing.T) {
	h := newHarness(t)

	runID, err := h.orch.Start(jejuRequest())
	require.NoError(t, err)
	h.orch.Wait()

	run := h.runArtifact(t, runID)
	assert.Equal(t, types.RunCompleted, run.Status)

	// A second run for the same language accumulates on top.
	runID2, err := h.orch.Start(jejuRequest())
	require.NoError(t, err)
	h.orch.Wait()

	run2 := h.runArtifact(t, runID2)
	counts := outcomesByStatus(run2)
	// Everything was processed in run one.
	assert.Equal(t, 3, counts[types.SourceSkippedDuplicate])
}

func TestRunStoresLanguageMetadata(t *testing.T) {
	h := newHarness(t)

	req := jejuRequest()
	req.Region = "Jeju Island, South Korea"
	_, err := h.orch.Start(req)
	require.NoError(t, err)
	h.orch.Wait()

	lang, err := h.store.GetLanguage(context.Background(), "jje")
	require.NoError(t, err)
	assert.Equal(t, "Jejueo", lang.Name)
	assert.Equal(t, "Jeju Island, South Korea", lang.Region)
}

func TestRunEmitsLifecycleEvents(t *testing.T) {
	h := newHarness(t)

	runID, err := h.orch.Start(jejuRequest())
	require.NoError(t, err)
	h.orch.Wait()

	var runEvents []events.Event
	for _, ev := range h.bus.History() {
		if ev.Agent == events.AgentPipeline {
			runEvents = append(runEvents, ev)
		}
	}
	// Start and finish share an event id, so history holds one entry.
	require.Len(t, runEvents, 1)
	assert.Equal(t, events.StatusComplete, runEvents[0].Status)

	snapshot, ok := runEvents[0].Data.(events.StatsSnapshot)
	require.True(t, ok)
	assert.Equal(t, runID, snapshot.RunID)
	assert.Equal(t, 3, snapshot.Stats.SourcesCompleted)
}

func TestDedupeSourcesKeepsFirst(t *testing.T) {
	sources := dedupeSources([]types.Source{
		{URL: "https://a.example.com/", Method: types.DiscoverySeed},
		{URL: "https://a.example.com", Method: types.DiscoveryModel},
		{URL: "https://b.example.com", Method: types.DiscoveryModel},
	})
	require.Len(t, sources, 2)
	assert.Equal(t, types.DiscoverySeed, sources[0].Method)
}

func TestExtractJSONStripsFences(t *testing.T) {
	cases := []struct{ in, want string }{
		{"```json\n{\"a\":1}\n```", `{"a":1}`},
		{"Here you go:\n[{\"url\":\"x\"}]", `[{"url":"x"}]`},
		{`{"a":1}`, `{"a":1}`},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, extractJSON(tc.in))
	}
}

func TestCancelDuringInFlightCrawl(t *testing.T) {
	h := newHarness(t)
	h.crawler.gate = make(chan struct{})
	h.crawler.entered = make(chan struct{})

	_, err := h.orch.Start(jejuRequest())
	require.NoError(t, err)

	<-h.crawler.entered
	h.orch.Cancel()
	close(h.crawler.gate)

	done := make(chan struct{})
	go func() { h.orch.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("run did not finish after cancellation")
	}

	// The in-flight crawl was allowed to finish.
	assert.NotEmpty(t, h.crawler.crawledURLs())
}
