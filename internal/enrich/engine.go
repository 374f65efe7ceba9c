// Package enrich implements the enrichment engine: cultural-context
// generation for a prioritized subset of records and reliability scoring
// for their sources, both under a hard external-call budget. Citation
// markers in generated text are bound to source URLs before storage.
package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"tonguekeeper/internal/citation"
	"tonguekeeper/internal/events"
	"tonguekeeper/internal/logging"
	"tonguekeeper/internal/types"
)

const (
	// DefaultBudget is the hard cap on reasoning calls per Enrich invocation.
	DefaultBudget = 10
	// DefaultCulturalBudget caps the cultural-context phase within the budget.
	DefaultCulturalBudget = 6

	highCulturalPriorityBoost = 10
)

// highCulturalClusters mark semantic domains where cultural context
// matters most for preservation.
var highCulturalClusters = []string{
	"kinship", "ritual", "ceremony", "mythology", "myth", "shamanism",
	"folklore", "tradition", "honorific", "taboo", "religion", "spirits",
}

// Reliability buckets, matched in order against the assessment text.
// First match wins; text matching none scores the default.
var reliabilityBuckets = []struct {
	keywords []string
	score    float64
}{
	{[]string{"peer-review", "peer review", "university", "academic", "scholarly"}, 0.9},
	{[]string{"government", "official"}, 0.75},
	{[]string{"community", "blog", "forum", "personal site"}, 0.5},
	{[]string{"unreliable", "questionable", "dubious"}, 0.25},
}

const defaultReliability = 0.6

// Report summarizes one Enrich invocation.
type Report struct {
	EnrichedCount int
	SourcesScored int
}

// Engine enriches records and scores their sources.
type Engine struct {
	reasoner       types.ReasoningClient
	store          types.RecordStore
	bus            *events.Bus
	budget         int
	culturalBudget int
}

// New creates an enrichment engine. Non-positive budgets fall back to the
// defaults; the cultural budget never exceeds the total budget.
func New(reasoner types.ReasoningClient, store types.RecordStore, bus *events.Bus, budget, culturalBudget int) *Engine {
	if budget <= 0 {
		budget = DefaultBudget
	}
	if culturalBudget <= 0 {
		culturalBudget = DefaultCulturalBudget
	}
	if culturalBudget > budget {
		culturalBudget = budget
	}
	return &Engine{
		reasoner:       reasoner,
		store:          store,
		bus:            bus,
		budget:         budget,
		culturalBudget: culturalBudget,
	}
}

// Enrich runs both phases under the call budget. Reasoning failures are
// recorded and skipped; only context cancellation stops the loop.
func (e *Engine) Enrich(ctx context.Context, records []types.VocabularyRecord, sources []types.Source, languageName string) (*Report, error) {
	report := &Report{}
	opEvent := e.bus.Emit(events.AgentEnrichment, "enrich", events.StatusRunning, events.EnrichmentApplied{})

	callsUsed := 0

	// Phase A: cultural context for the highest-priority records. The
	// dedup key is the surviving record id, so two snapshots merged into
	// the same record since extraction spend one call, not two.
	enriched := make(map[string]struct{})
	for _, rec := range prioritize(records) {
		if callsUsed >= e.culturalBudget || callsUsed >= e.budget {
			break
		}
		if err := ctx.Err(); err != nil {
			return report, err
		}
		primaryID, err := e.store.ResolvePrimary(ctx, rec.ID)
		if err != nil {
			logging.Enrich("cultural enrichment of %s skipped: %v", rec.ID, err)
			continue
		}
		if _, ok := enriched[primaryID]; ok {
			continue
		}
		enriched[primaryID] = struct{}{}
		callsUsed++
		if err := e.enrichRecord(ctx, primaryID, sources, languageName); err != nil {
			logging.Enrich("cultural enrichment of %s skipped: %v", primaryID, err)
			continue
		}
		report.EnrichedCount++
	}

	// Phase B: reliability scoring for distinct source URLs with what
	// remains of the budget.
	for _, src := range distinctSources(sources) {
		if callsUsed >= e.budget {
			break
		}
		if err := ctx.Err(); err != nil {
			return report, err
		}
		callsUsed++
		if err := e.scoreSource(ctx, src, languageName); err != nil {
			logging.Enrich("reliability scoring of %s skipped: %v", src.URL, err)
			continue
		}
		report.SourcesScored++
	}

	e.bus.EmitWithID(opEvent.ID, events.AgentEnrichment, "enrich", events.StatusComplete, events.EnrichmentApplied{
		Enriched:      report.EnrichedCount,
		SourcesScored: report.SourcesScored,
	})
	logging.Enrich("enriched %d records, scored %d sources (%d calls)", report.EnrichedCount, report.SourcesScored, callsUsed)
	return report, nil
}

// prioritize orders records by (high-cultural-domain boost + definition
// count), descending. Each record appears at most once.
func prioritize(records []types.VocabularyRecord) []types.VocabularyRecord {
	type ranked struct {
		record types.VocabularyRecord
		score  int
	}
	seen := make(map[string]struct{}, len(records))
	out := make([]ranked, 0, len(records))
	for _, r := range records {
		if _, ok := seen[r.ID]; ok {
			continue
		}
		seen[r.ID] = struct{}{}
		score := len(r.Definitions)
		if isHighCultural(r) {
			score += highCulturalPriorityBoost
		}
		out = append(out, ranked{record: r, score: score})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].score > out[j].score })

	result := make([]types.VocabularyRecord, len(out))
	for i, r := range out {
		result[i] = r.record
	}
	return result
}

func isHighCultural(r types.VocabularyRecord) bool {
	haystack := strings.ToLower(r.SemanticCluster + " " + r.CulturalContext)
	for _, kw := range highCulturalClusters {
		if strings.Contains(haystack, kw) {
			return true
		}
	}
	return false
}

func (e *Engine) enrichRecord(ctx context.Context, primaryID string, sources []types.Source, languageName string) error {
	stored, err := e.store.GetRecord(ctx, primaryID)
	if err != nil {
		return fmt.Errorf("failed to load record: %w", err)
	}

	urls := make([]string, 0, len(sources))
	titles := make(map[string]string, len(sources))
	var sourceList strings.Builder
	for i, src := range sources {
		urls = append(urls, src.URL)
		titles[src.URL] = src.Title
		fmt.Fprintf(&sourceList, "[%d] %s (%s)\n", i+1, src.Title, src.URL)
	}

	recJSON, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}

	prompt := fmt.Sprintf(`Write 2-4 sentences of cultural context for this %s vocabulary entry: when and by whom the word is used, its social register, and any customs or history it carries. Cite the numbered sources below with bracketed markers like [1] where they support a claim. Respond with the context text only.

Entry:
%s

Sources:
%s`, languageName, recJSON, sourceList.String())

	text, err := e.reasoner.Complete(ctx, prompt)
	if err != nil {
		return fmt.Errorf("reasoning call failed: %w", err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return fmt.Errorf("empty enrichment response")
	}

	resolved := citation.Resolve(text, urls)
	stored.CulturalContext = resolved.CleanedText
	for _, ref := range resolved.References {
		stored.CrossReferences = append(stored.CrossReferences, types.CrossReference{
			SourceTitle: titles[ref.URL],
			SourceURL:   ref.URL,
			Notes:       ref.ClaimText,
		})
	}

	if err := e.store.UpdateRecord(ctx, *stored); err != nil {
		return fmt.Errorf("failed to store enrichment: %w", err)
	}
	return nil
}

func (e *Engine) scoreSource(ctx context.Context, src types.Source, languageName string) error {
	prompt := fmt.Sprintf(`Assess the reliability of this source of %s language data. Consider whether it is peer-reviewed or university-published, a government or official body, a community or blog effort, or of questionable provenance. Answer in one short paragraph.

Title: %s
URL: %s
Type: %s`, languageName, src.Title, src.URL, src.Type)

	assessment, err := e.reasoner.Complete(ctx, prompt)
	if err != nil {
		return fmt.Errorf("reasoning call failed: %w", err)
	}

	score := ScoreReliability(assessment)
	updated, err := e.store.SetSourceReliability(ctx, src.URL, score)
	if err != nil {
		return fmt.Errorf("failed to propagate score: %w", err)
	}
	logging.Enrich("source %s scored %.2f, %d records updated", src.URL, score, updated)
	return nil
}

// ScoreReliability maps an assessment text onto a deterministic score so
// scoring stays cheap and reproducible. First matching bucket wins.
func ScoreReliability(assessment string) float64 {
	lower := strings.ToLower(assessment)
	for _, bucket := range reliabilityBuckets {
		for _, kw := range bucket.keywords {
			if strings.Contains(lower, kw) {
				return bucket.score
			}
		}
	}
	return defaultReliability
}

func distinctSources(sources []types.Source) []types.Source {
	seen := make(map[string]struct{}, len(sources))
	out := make([]types.Source, 0, len(sources))
	for _, src := range sources {
		if src.URL == "" {
			continue
		}
		if _, ok := seen[src.URL]; ok {
			continue
		}
		seen[src.URL] = struct{}{}
		out = append(out, src)
	}
	return out
}
