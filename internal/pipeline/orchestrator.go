// Package pipeline implements the preservation run orchestrator: a
// single-flight, cancellable state machine that sequences discovery,
// crawling, extraction, cross-reference merging, and the detached
// enrichment and pronunciation tails.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"tonguekeeper/internal/config"
	"tonguekeeper/internal/crossref"
	"tonguekeeper/internal/enrich"
	"tonguekeeper/internal/events"
	"tonguekeeper/internal/logging"
	"tonguekeeper/internal/types"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// MergeEngine deduplicates a source batch against the store.
type MergeEngine interface {
	Merge(ctx context.Context, records []types.VocabularyRecord, sourceTitle, languageName string) (*crossref.Report, error)
}

// EnrichmentEngine runs the post-completion enrichment tail.
type EnrichmentEngine interface {
	Enrich(ctx context.Context, records []types.VocabularyRecord, sources []types.Source, languageName string) (*enrich.Report, error)
}

// AudioGenerator runs the post-completion pronunciation tail.
type AudioGenerator interface {
	Generate(ctx context.Context, records []types.VocabularyRecord, languageCode string) int
}

// Deps wires the orchestrator's collaborators.
type Deps struct {
	Reasoner types.ReasoningClient
	Store    types.RecordStore
	Crawler  types.CrawlService
	Merger   MergeEngine
	Enricher EnrichmentEngine
	Audio    AudioGenerator
	Media    types.MediaStore
	Notifier types.Notifier
	Seeds    *config.SeedCatalog
	Bus      *events.Bus
	Config   config.PipelineConfig
}

// Orchestrator owns the single process-wide run slot.
type Orchestrator struct {
	deps Deps

	mu     sync.Mutex
	handle *RunHandle

	wg sync.WaitGroup // run goroutine plus detached tails
}

// New creates an orchestrator.
func New(deps Deps) *Orchestrator {
	return &Orchestrator{deps: deps}
}

// RunHandle represents one active run. It is created by Start, owns the
// run's cancellation signal and injection queue, and is destroyed when
// the run's artifact is persisted. Injection and cancellation address the
// current handle; there is no module-level run state to race on.
type RunHandle struct {
	id           string
	languageCode string

	ctx       context.Context
	cancelCtx context.CancelFunc

	mu        sync.Mutex
	accepting bool
	pending   []types.Source
	cancelled bool
}

func newRunHandle(languageCode string) *RunHandle {
	ctx, cancel := context.WithCancel(context.Background())
	return &RunHandle{
		id:           uuid.NewString(),
		languageCode: languageCode,
		ctx:          ctx,
		cancelCtx:    cancel,
		accepting:    true,
	}
}

// ID returns the run identifier.
func (h *RunHandle) ID() string { return h.id }

func (h *RunHandle) inject(src types.Source) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.accepting {
		return fmt.Errorf("run is finishing: %w", types.ErrNoActiveRun)
	}
	h.pending = append(h.pending, src)
	return nil
}

// drainInjected returns and clears sources injected since the last drain.
func (h *RunHandle) drainInjected() []types.Source {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := h.pending
	h.pending = nil
	return out
}

func (h *RunHandle) stopAccepting() {
	h.mu.Lock()
	h.accepting = false
	h.mu.Unlock()
}

// signalCancel requests cooperative cancellation. The multi-call engines
// see it through the handle context; the source loop checks the flag at
// iteration boundaries. In-flight crawls finish or fail naturally.
func (h *RunHandle) signalCancel() {
	h.mu.Lock()
	h.cancelled = true
	h.mu.Unlock()
	h.cancelCtx()
}

// Cancelled reports whether cancellation was requested.
func (h *RunHandle) Cancelled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancelled
}

// Start begins a preservation run. A second start while one is active is
// rejected with ErrAlreadyRunning, never queued. Returns the run id.
func (o *Orchestrator) Start(req types.PreserveRequest) (string, error) {
	if strings.TrimSpace(req.LanguageCode) == "" || strings.TrimSpace(req.Name()) == "" {
		return "", fmt.Errorf("language_code and language_name are required")
	}

	o.mu.Lock()
	if o.handle != nil {
		o.mu.Unlock()
		return "", types.ErrAlreadyRunning
	}
	handle := newRunHandle(req.LanguageCode)
	o.handle = handle
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.execute(handle, req)
	}()

	logging.Pipeline("run %s started for %s (%s)", handle.id, req.Name(), req.LanguageCode)
	return handle.id, nil
}

// InjectSource adds a source to the current run's discovery queue.
// Rejected when no run is active or the run has stopped accepting input.
func (o *Orchestrator) InjectSource(url, title, sourceType string) error {
	if strings.TrimSpace(url) == "" {
		return fmt.Errorf("url is required")
	}

	o.mu.Lock()
	handle := o.handle
	o.mu.Unlock()
	if handle == nil {
		return types.ErrNoActiveRun
	}
	return handle.inject(types.Source{
		URL:    url,
		Title:  title,
		Type:   sourceType,
		Method: types.DiscoveryInjected,
	})
}

// Cancel requests cooperative cancellation of the current run. Cancelling
// when nothing is running is a no-op.
func (o *Orchestrator) Cancel() {
	o.mu.Lock()
	handle := o.handle
	o.mu.Unlock()
	if handle == nil {
		return
	}
	logging.Pipeline("cancellation requested for run %s", handle.id)
	handle.signalCancel()
}

// Active reports whether a run is currently holding the run slot.
func (o *Orchestrator) Active() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.handle != nil
}

// Wait blocks until the active run and any detached tails have finished.
// Used at shutdown and in tests.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// clearHandle releases the run slot. Called exactly once per run, after
// the artifact is persisted.
func (o *Orchestrator) clearHandle(handle *RunHandle) {
	o.mu.Lock()
	if o.handle == handle {
		o.handle = nil
	}
	o.mu.Unlock()
}

// execute drives one run from discovery to its terminal state.
func (o *Orchestrator) execute(handle *RunHandle, req types.PreserveRequest) {
	run := &types.PipelineRun{
		ID:           handle.id,
		LanguageCode: req.LanguageCode,
		LanguageName: req.Name(),
		StartedAt:    time.Now().UTC(),
	}
	runEvent := o.deps.Bus.Emit(events.AgentPipeline, "run_started", events.StatusRunning, events.StatsSnapshot{RunID: run.ID})

	lang := o.fillLanguage(handle.ctx, req)

	processed, err := o.deps.Store.ProcessedURLs(handle.ctx, req.LanguageCode)
	if err != nil {
		logging.Pipeline("failed to load processed urls, treating all sources as new: %v", err)
		processed = map[string]string{}
	}

	sources, err := o.discover(handle.ctx, lang)
	run.Stats.SourcesDiscovered = len(sources)
	if err != nil || len(sources) == 0 {
		// Total discovery failure is fatal to the run.
		if err == nil {
			err = fmt.Errorf("no sources discovered for %s", lang.Name)
		}
		o.finishFailed(handle, run, runEvent.ID, err)
		return
	}

	maxSources := req.MaxSources
	if maxSources <= 0 {
		maxSources = o.deps.Config.MaxSourcesPerRun
	}
	extracted := o.processSources(handle, run, lang, sources, processed, maxSources)

	if handle.Cancelled() {
		run.Status = types.RunCancelled
	} else {
		run.Status = types.RunCompleted
	}
	run.CompletedAt = time.Now().UTC()
	run.DurationMS = run.CompletedAt.Sub(run.StartedAt).Milliseconds()

	o.persistRun(run)
	o.deps.Bus.EmitWithID(runEvent.ID, events.AgentPipeline, "run_finished",
		statusForRun(run.Status), events.StatsSnapshot{RunID: run.ID, Stats: run.Stats})
	logging.Pipeline("run %s finished: %s (%d extracted, %d failed, %d skipped)",
		run.ID, run.Status, run.Stats.SourcesCompleted, run.Stats.SourcesFailed, run.Stats.SourcesSkipped)

	// Release the run slot before the detached tails: the run is complete
	// as soon as its artifact is persisted.
	o.clearHandle(handle)

	if run.Status != types.RunCancelled {
		o.detachTails(*run, lang, extracted, sources)
	}
}

func statusForRun(s types.RunStatus) events.Status {
	if s == types.RunCompleted {
		return events.StatusComplete
	}
	return events.StatusError
}

// fillLanguage merges stored metadata into the request without
// overwriting caller-supplied fields, then stores the result.
func (o *Orchestrator) fillLanguage(ctx context.Context, req types.PreserveRequest) types.Language {
	lang := types.Language{
		Code:             req.LanguageCode,
		Name:             req.Name(),
		AltNames:         req.AltNames,
		Region:           req.Region,
		ContactLanguages: req.ContactLanguages,
	}

	stored, err := o.deps.Store.GetLanguage(ctx, req.LanguageCode)
	if err == nil {
		if len(lang.AltNames) == 0 {
			lang.AltNames = stored.AltNames
		}
		if lang.Region == "" {
			lang.Region = stored.Region
		}
		if len(lang.ContactLanguages) == 0 {
			lang.ContactLanguages = stored.ContactLanguages
		}
		lang.Family = stored.Family
		if lang.SpeakerCount == 0 {
			lang.SpeakerCount = stored.SpeakerCount
		}
	}

	if err := o.deps.Store.UpsertLanguage(ctx, lang); err != nil {
		logging.Pipeline("failed to store language metadata: %v", err)
	}
	return lang
}

// processSources drains the discovery queue sequentially, classifying one
// SourceOutcome per source. Returns every record extracted this run.
func (o *Orchestrator) processSources(handle *RunHandle, run *types.PipelineRun, lang types.Language, sources []types.Source, processed map[string]string, maxSources int) []types.VocabularyRecord {
	if maxSources <= 0 {
		maxSources = 12
	}

	// Content hashes already stored for this language; a crawl landing on
	// identical content at a different URL is a mirror, not new data.
	knownHashes := make(map[string]struct{}, len(processed))
	for _, h := range processed {
		if h != "" {
			knownHashes[h] = struct{}{}
		}
	}

	seenThisRun := make(map[string]struct{}, len(sources))
	queue := sources
	attempted := 0
	var allExtracted []types.VocabularyRecord

	admit := func(injected types.Source) {
		queue = append(queue, injected)
		run.Stats.SourcesDiscovered++
		o.deps.Bus.Emit(events.AgentDiscovery, "source_injected", events.StatusComplete, events.SourceDiscovered{
			URL: injected.URL, Title: injected.Title, Type: injected.Type, Method: injected.Method,
		})
	}

	for i := 0; ; i++ {
		// Injected sources join the live queue between iterations.
		for _, injected := range handle.drainInjected() {
			admit(injected)
		}
		if i >= len(queue) {
			handle.stopAccepting()
			// An injection that raced the shutdown was already accepted,
			// so it still gets processed.
			rest := handle.drainInjected()
			if len(rest) == 0 {
				break
			}
			for _, injected := range rest {
				admit(injected)
			}
		}

		src := queue[i]
		outcome := types.SourceOutcome{URL: src.URL, Title: src.Title}

		switch {
		case o.isDuplicate(src.URL, seenThisRun, processed):
			outcome.Status = types.SourceSkippedDuplicate
			run.Stats.SourcesSkipped++
		case attempted >= maxSources:
			outcome.Status = types.SourceSkippedSourceCap
			run.Stats.SourcesSkipped++
		case handle.Cancelled():
			outcome.Status = types.SourceCancelled
			run.Stats.SourcesSkipped++
		default:
			seenThisRun[src.URL] = struct{}{}
			attempted++
			records := o.processOne(handle, run, lang, src, &outcome, knownHashes)
			allExtracted = append(allExtracted, records...)
		}

		run.SourceOutcomes = append(run.SourceOutcomes, outcome)
		o.deps.Bus.Emit(events.AgentCrawler, "source_done", sourceStatusEvent(outcome.Status), events.SourceProgress{
			URL: src.URL, Title: outcome.Title, Status: outcome.Status, EntryCount: outcome.EntryCount,
		})
	}

	return allExtracted
}

func (o *Orchestrator) isDuplicate(url string, seenThisRun map[string]struct{}, processed map[string]string) bool {
	if _, ok := seenThisRun[url]; ok {
		return true
	}
	_, ok := processed[url]
	return ok
}

func sourceStatusEvent(s types.SourceStatus) events.Status {
	switch s {
	case types.SourceExtracted:
		return events.StatusComplete
	case types.SourceFailed:
		return events.StatusError
	default:
		return events.StatusComplete
	}
}

// processOne crawls, extracts, indexes, and merges a single source. It
// fills the outcome in place and returns the extracted records. A failure
// here never aborts the run.
func (o *Orchestrator) processOne(handle *RunHandle, run *types.PipelineRun, lang types.Language, src types.Source, outcome *types.SourceOutcome, knownHashes map[string]struct{}) []types.VocabularyRecord {
	// Crawls get their own context: cancellation stops new work, it does
	// not kill a crawl already dispatched.
	crawlCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	result, err := o.deps.Crawler.Crawl(crawlCtx, src.URL, types.CrawlHints{SourceType: src.Type})
	if err != nil {
		outcome.Status = types.SourceFailed
		outcome.Error = err.Error()
		run.Stats.SourcesFailed++
		logging.Crawler("crawl of %s failed: %v", src.URL, err)
		return nil
	}
	if outcome.Title == "" {
		outcome.Title = result.Title
	}

	// Cancellation that arrived while this crawl was in flight takes
	// effect here, before any new reasoning work starts.
	if handle.Cancelled() {
		outcome.Status = types.SourceCancelled
		run.Stats.SourcesSkipped++
		return nil
	}

	if _, ok := knownHashes[result.ContentHash]; ok {
		outcome.Status = types.SourceSkippedContentHash
		run.Stats.SourcesSkipped++
		return nil
	}
	knownHashes[result.ContentHash] = struct{}{}

	records, patterns, err := o.extract(handle.ctx, lang, src, result)
	if err != nil {
		outcome.Status = types.SourceFailed
		outcome.Error = err.Error()
		run.Stats.SourcesFailed++
		return nil
	}

	if err := o.deps.Store.BulkIndex(handle.ctx, records); err != nil {
		outcome.Status = types.SourceFailed
		outcome.Error = err.Error()
		run.Stats.SourcesFailed++
		return nil
	}
	if err := o.deps.Store.MarkProcessed(handle.ctx, lang.Code, src.URL, result.ContentHash); err != nil {
		logging.Pipeline("failed to mark %s processed: %v", src.URL, err)
	}

	outcome.Status = types.SourceExtracted
	outcome.EntryCount = len(records)
	outcome.GrammarCount = len(patterns)
	run.Stats.SourcesCompleted++
	run.Stats.EntriesExtracted += len(records)
	run.Stats.GrammarPatterns += len(patterns)

	// Merge this source's batch against the whole store before moving on.
	if !handle.Cancelled() && len(records) > 0 {
		title := outcome.Title
		if title == "" {
			title = src.URL
		}
		report, err := o.deps.Merger.Merge(handle.ctx, records, title, lang.Name)
		if err != nil {
			logging.CrossRef("merge for %s degraded: %v", src.URL, err)
		} else {
			run.Stats.CrossReferences += report.MergedCount
		}
	}
	return records
}

// persistRun writes the artifact and coverage stats. Every terminal path,
// including cancellation, lands here.
func (o *Orchestrator) persistRun(run *types.PipelineRun) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := o.deps.Store.SaveRun(ctx, *run); err != nil {
		logging.Pipeline("failed to persist run %s: %v", run.ID, err)
	}
	if err := o.deps.Store.UpdateCoverage(ctx, types.LanguageCoverage{
		LanguageCode:    run.LanguageCode,
		TotalEntries:    run.Stats.EntriesExtracted,
		TotalSources:    run.Stats.SourcesCompleted,
		TotalAudioClips: run.Stats.AudioClips,
		LastRunID:       run.ID,
	}); err != nil {
		logging.Pipeline("failed to update coverage for %s: %v", run.LanguageCode, err)
	}
}

func (o *Orchestrator) finishFailed(handle *RunHandle, run *types.PipelineRun, eventID string, cause error) {
	run.Status = types.RunFailed
	run.CompletedAt = time.Now().UTC()
	run.DurationMS = run.CompletedAt.Sub(run.StartedAt).Milliseconds()

	o.persistRun(run)
	o.deps.Bus.EmitWithID(eventID, events.AgentPipeline, "run_failed", events.StatusError, events.ErrorInfo{Message: cause.Error()})
	logging.Pipeline("run %s failed: %v", run.ID, cause)
	o.clearHandle(handle)
}

// detachTails schedules the post-completion side effects: artifact
// upload, notification, enrichment, and pronunciation. Each has its own
// error boundary; none can affect the already-completed run.
func (o *Orchestrator) detachTails(run types.PipelineRun, lang types.Language, extracted []types.VocabularyRecord, sources []types.Source) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Minute)
		defer cancel()

		var g errgroup.Group
		g.Go(func() error {
			if err := o.uploadArtifact(ctx, run); err != nil {
				logging.Pipeline("artifact upload skipped: %v", err)
			}
			return nil
		})
		g.Go(func() error {
			msg := fmt.Sprintf("Preservation run for %s complete: %d entries from %d sources",
				run.LanguageName, run.Stats.EntriesExtracted, run.Stats.SourcesCompleted)
			if err := o.deps.Notifier.Notify(ctx, msg); err != nil {
				logging.Pipeline("completion notification skipped: %v", err)
			}
			return nil
		})
		g.Go(func() error {
			if _, err := o.deps.Enricher.Enrich(ctx, extracted, sources, lang.Name); err != nil {
				logging.Enrich("enrichment tail stopped: %v", err)
			}
			return nil
		})
		g.Go(func() error {
			clips := o.deps.Audio.Generate(ctx, extracted, lang.Code)
			if clips > 0 {
				if err := o.deps.Store.UpdateCoverage(ctx, types.LanguageCoverage{
					LanguageCode:    lang.Code,
					TotalAudioClips: clips,
					LastRunID:       run.ID,
				}); err != nil {
					logging.Pipeline("audio coverage update skipped: %v", err)
				}
			}
			return nil
		})
		_ = g.Wait()
	}()
}

func (o *Orchestrator) uploadArtifact(ctx context.Context, run types.PipelineRun) error {
	doc, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to encode artifact: %w", err)
	}
	key := fmt.Sprintf("runs/%s/%s.json", run.LanguageCode, run.ID)
	url, err := o.deps.Media.Upload(ctx, key, "application/json", doc)
	if err != nil {
		return err
	}
	logging.Pipeline("run artifact uploaded: %s", url)
	return nil
}
