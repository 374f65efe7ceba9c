// Package crossref implements the cross-reference merge engine: a
// bounded-turn tool-calling loop that deduplicates freshly extracted
// records against the store. The model proposes merges; the engine
// executes every store operation itself and enforces the field-union
// merge policy so no proposal can destroy data.
package crossref

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"tonguekeeper/internal/events"
	"tonguekeeper/internal/logging"
	"tonguekeeper/internal/types"
)

const (
	// DefaultBatchSize bounds prompt size per conversation.
	DefaultBatchSize = 50
	// DefaultMaxTurns is the hard conversation loop bound per batch.
	DefaultMaxTurns = 4

	searchResultLimit = 8
)

// Report summarizes one Merge invocation. Usage is additive across all
// batches and turns.
type Report struct {
	MergedCount    int
	ClustersSeen   int
	ProcessedCount int
	Usage          types.UsageMetadata
}

// Engine deduplicates new records against the store.
type Engine struct {
	reasoner  types.ReasoningClient
	store     types.RecordStore
	bus       *events.Bus
	batchSize int
	maxTurns  int
}

// New creates a merge engine with the given batch size and turn budget.
// Non-positive values fall back to the defaults.
func New(reasoner types.ReasoningClient, store types.RecordStore, bus *events.Bus, batchSize, maxTurns int) *Engine {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}
	return &Engine{
		reasoner:  reasoner,
		store:     store,
		bus:       bus,
		batchSize: batchSize,
		maxTurns:  maxTurns,
	}
}

const mergeSystemPrompt = `You deduplicate vocabulary entries for an endangered-language archive.

You receive a batch of newly extracted entries. For each entry that might
already exist in the archive, call search_existing with the headword or a
definition to see what is stored. When you are confident two entries denote
the same word, call merge_entries with the surviving entry's id as
primary_id, the ids to retire as secondary_ids, and merged_fields
containing the union of both sides.

Merge policy:
- Keep every definition and example sentence from both sides.
- Union related terms, dropping exact duplicates only.
- Keep all cross-references so provenance from every source survives.
- For the semantic cluster, keep the more specific non-empty value.
- When in doubt, do NOT merge. A false merge permanently conflates two
  distinct words and is worse than a missed duplicate.

When nothing more should be merged, respond without calling any tool.`

// Merge deduplicates newRecords against the store in batches. A reasoning
// failure degrades to no merge for that batch; only context cancellation
// stops the loop early.
func (e *Engine) Merge(ctx context.Context, newRecords []types.VocabularyRecord, sourceTitle, languageName string) (*Report, error) {
	report := &Report{ProcessedCount: len(newRecords)}
	if len(newRecords) == 0 {
		return report, nil
	}

	clusters := make(map[string]struct{})
	for _, r := range newRecords {
		if c := strings.TrimSpace(r.SemanticCluster); c != "" {
			clusters[strings.ToLower(c)] = struct{}{}
		}
	}
	report.ClustersSeen = len(clusters)

	opEvent := e.bus.Emit(events.AgentCrossRef, "merge", events.StatusRunning, events.MergeApplied{
		SourceTitle: sourceTitle,
		Processed:   len(newRecords),
	})

	for start := 0; start < len(newRecords); start += e.batchSize {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		end := start + e.batchSize
		if end > len(newRecords) {
			end = len(newRecords)
		}
		if err := e.mergeBatch(ctx, newRecords[start:end], sourceTitle, languageName, report); err != nil {
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			logging.CrossRef("merge batch %d-%d degraded: %v", start, end, err)
		}
	}

	e.bus.EmitWithID(opEvent.ID, events.AgentCrossRef, "merge", events.StatusComplete, events.MergeApplied{
		SourceTitle: sourceTitle,
		Merged:      report.MergedCount,
		Processed:   report.ProcessedCount,
		Clusters:    report.ClustersSeen,
	})
	return report, nil
}

func (e *Engine) mergeBatch(ctx context.Context, batch []types.VocabularyRecord, sourceTitle, languageName string, report *Report) error {
	batchJSON, err := json.MarshalIndent(batch, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode batch: %w", err)
	}

	languageCode := batch[0].LanguageCode
	userPrompt := fmt.Sprintf(
		"Language: %s\nSource just processed: %s\n\nNewly extracted entries:\n%s",
		languageName, sourceTitle, batchJSON)

	messages := []types.Message{{Role: types.RoleUser, Text: userPrompt}}
	tools := e.toolDefinitions()

	for turn := 0; turn < e.maxTurns; turn++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		resp, err := e.reasoner.CompleteConversation(ctx, mergeSystemPrompt, messages, tools)
		if err != nil {
			return fmt.Errorf("reasoning call failed on turn %d: %w", turn+1, err)
		}
		report.Usage.Add(resp.Usage)

		if len(resp.ToolCalls) == 0 {
			logging.CrossRefDebug("batch done after %d turn(s), nothing more to merge", turn+1)
			return nil
		}

		messages = append(messages, types.Message{
			Role:      types.RoleModel,
			Text:      resp.Text,
			ToolCalls: resp.ToolCalls,
		})

		// Execute every proposed call; failures are fed back so the model
		// can recover within the same batch.
		results := make([]types.ToolResult, 0, len(resp.ToolCalls))
		for _, call := range resp.ToolCalls {
			content, callErr := e.executeTool(ctx, languageCode, call, report)
			result := types.ToolResult{ToolUseID: call.ID, Name: call.Name, Content: content}
			if callErr != nil {
				result.Content = callErr.Error()
				result.IsError = true
				logging.CrossRef("tool %s failed: %v", call.Name, callErr)
			}
			results = append(results, result)
		}
		messages = append(messages, types.Message{Role: types.RoleTool, ToolResults: results})
	}
	logging.CrossRefDebug("batch turn budget exhausted")
	return nil
}

func (e *Engine) toolDefinitions() []types.ToolDefinition {
	return []types.ToolDefinition{
		{
			Name:        "search_existing",
			Description: "Search the archive for stored entries matching a headword, romanization, or definition. Returns ranked candidates.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{"type": "string", "description": "Headword or definition text to search for"},
				},
				"required": []string{"query"},
			},
		},
		{
			Name:        "merge_entries",
			Description: "Merge duplicate entries. secondary_ids are retired into primary_id; merged_fields must contain the union of both sides.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"primary_id":    map[string]any{"type": "string"},
					"secondary_ids": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
					"merged_fields": map[string]any{"type": "object", "description": "The full merged entry"},
				},
				"required": []string{"primary_id", "secondary_ids", "merged_fields"},
			},
		},
	}
}

func (e *Engine) executeTool(ctx context.Context, languageCode string, call types.ToolCall, report *Report) (string, error) {
	switch call.Name {
	case "search_existing":
		return e.runSearch(ctx, languageCode, call.Input)
	case "merge_entries":
		return e.runMerge(ctx, call.Input, report)
	default:
		return "", fmt.Errorf("unknown tool %q", call.Name)
	}
}

func (e *Engine) runSearch(ctx context.Context, languageCode string, input map[string]any) (string, error) {
	query, _ := input["query"].(string)
	if strings.TrimSpace(query) == "" {
		return "", fmt.Errorf("search_existing requires a non-empty query")
	}

	results, err := e.store.Search(ctx, languageCode, query, searchResultLimit)
	if err != nil {
		return "", fmt.Errorf("search failed: %w", err)
	}
	if len(results) == 0 {
		return "no matching entries in the archive", nil
	}

	out, err := json.Marshal(results)
	if err != nil {
		return "", fmt.Errorf("failed to encode results: %w", err)
	}
	return string(out), nil
}

type mergeArgs struct {
	PrimaryID    string                 `json:"primary_id"`
	SecondaryIDs []string               `json:"secondary_ids"`
	MergedFields types.VocabularyRecord `json:"merged_fields"`
}

func (e *Engine) runMerge(ctx context.Context, input map[string]any, report *Report) (string, error) {
	raw, err := json.Marshal(input)
	if err != nil {
		return "", fmt.Errorf("failed to decode merge proposal: %w", err)
	}
	var args mergeArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return "", fmt.Errorf("malformed merge proposal: %w", err)
	}
	if args.PrimaryID == "" || len(args.SecondaryIDs) == 0 {
		return "", fmt.Errorf("merge_entries requires primary_id and at least one secondary id")
	}

	// Ids from earlier search results may have been retired by a previous
	// merge in this batch; re-resolve before mutating.
	primaryID, err := e.store.ResolvePrimary(ctx, args.PrimaryID)
	if err != nil {
		return "", fmt.Errorf("failed to resolve primary %s: %w", args.PrimaryID, err)
	}
	secondaryIDs := make([]string, 0, len(args.SecondaryIDs))
	for _, sid := range args.SecondaryIDs {
		resolved, err := e.store.ResolvePrimary(ctx, sid)
		if err != nil {
			return "", fmt.Errorf("failed to resolve secondary %s: %w", sid, err)
		}
		if resolved != primaryID {
			secondaryIDs = append(secondaryIDs, resolved)
		}
	}
	if len(secondaryIDs) == 0 {
		return "entries already merged, nothing to do", nil
	}

	primary, err := e.store.GetRecord(ctx, primaryID)
	if err != nil {
		return "", fmt.Errorf("primary entry %s not found: %w", primaryID, err)
	}
	secondaries := make([]types.VocabularyRecord, 0, len(secondaryIDs))
	for _, sid := range secondaryIDs {
		rec, err := e.store.GetRecord(ctx, sid)
		if err != nil {
			return "", fmt.Errorf("secondary entry %s not found: %w", sid, err)
		}
		secondaries = append(secondaries, *rec)
	}

	merged := unionMerge(*primary, secondaries, args.MergedFields)
	if err := e.store.MergeRecords(ctx, primaryID, secondaryIDs, merged); err != nil {
		return "", fmt.Errorf("merge failed: %w", err)
	}

	report.MergedCount += len(secondaryIDs)
	logging.CrossRef("merged %d entries into %s (%s)", len(secondaryIDs), primaryID, merged.HeadwordNative)
	return fmt.Sprintf("merged %d entries into %s", len(secondaryIDs), primaryID), nil
}

// unionMerge applies the field-union merge policy on top of the model's
// proposal: nothing present on any input side may be lost, regardless of
// what the proposal contains.
func unionMerge(primary types.VocabularyRecord, secondaries []types.VocabularyRecord, proposed types.VocabularyRecord) types.VocabularyRecord {
	merged := proposed
	merged.ID = primary.ID
	merged.LanguageCode = primary.LanguageCode

	if strings.TrimSpace(merged.HeadwordNative) == "" {
		merged.HeadwordNative = primary.HeadwordNative
	}
	if merged.HeadwordRomanized == "" {
		merged.HeadwordRomanized = primary.HeadwordRomanized
	}
	if merged.PartOfSpeech == "" {
		merged.PartOfSpeech = primary.PartOfSpeech
	}

	inputs := append([]types.VocabularyRecord{primary}, secondaries...)

	merged.Definitions = unionDefinitions(merged.Definitions, inputs)
	merged.ExampleSentences = unionStrings(merged.ExampleSentences, inputs, func(r types.VocabularyRecord) []string { return r.ExampleSentences })
	merged.RelatedTerms = unionStrings(merged.RelatedTerms, inputs, func(r types.VocabularyRecord) []string { return r.RelatedTerms })
	merged.CrossReferences = unionCrossReferences(merged.CrossReferences, inputs)
	merged.SemanticCluster = moreSpecific(merged.SemanticCluster, inputs)

	if merged.CulturalContext == "" {
		for _, r := range inputs {
			if len(r.CulturalContext) > len(merged.CulturalContext) {
				merged.CulturalContext = r.CulturalContext
			}
		}
	}
	if merged.AudioURL == "" {
		for _, r := range inputs {
			if r.AudioURL != "" {
				merged.AudioURL = r.AudioURL
				break
			}
		}
	}
	return merged
}

func unionDefinitions(proposed []types.Definition, inputs []types.VocabularyRecord) []types.Definition {
	seen := make(map[string]struct{}, len(proposed))
	key := func(d types.Definition) string {
		return strings.ToLower(d.Language) + "\x00" + strings.ToLower(strings.TrimSpace(d.Text))
	}
	out := make([]types.Definition, 0, len(proposed))
	for _, d := range proposed {
		if _, ok := seen[key(d)]; !ok {
			seen[key(d)] = struct{}{}
			out = append(out, d)
		}
	}
	for _, r := range inputs {
		for _, d := range r.Definitions {
			if _, ok := seen[key(d)]; !ok {
				seen[key(d)] = struct{}{}
				out = append(out, d)
			}
		}
	}
	return out
}

func unionStrings(proposed []string, inputs []types.VocabularyRecord, field func(types.VocabularyRecord) []string) []string {
	seen := make(map[string]struct{}, len(proposed))
	out := make([]string, 0, len(proposed))
	add := func(s string) {
		k := strings.ToLower(strings.TrimSpace(s))
		if k == "" {
			return
		}
		if _, ok := seen[k]; !ok {
			seen[k] = struct{}{}
			out = append(out, s)
		}
	}
	for _, s := range proposed {
		add(s)
	}
	for _, r := range inputs {
		for _, s := range field(r) {
			add(s)
		}
	}
	return out
}

func unionCrossReferences(proposed []types.CrossReference, inputs []types.VocabularyRecord) []types.CrossReference {
	seen := make(map[string]struct{}, len(proposed))
	key := func(c types.CrossReference) string {
		return strings.ToLower(c.SourceURL) + "\x00" + strings.ToLower(c.SourceTitle)
	}
	out := make([]types.CrossReference, 0, len(proposed))
	add := func(c types.CrossReference) {
		if _, ok := seen[key(c)]; !ok {
			seen[key(c)] = struct{}{}
			out = append(out, c)
		}
	}
	for _, c := range proposed {
		add(c)
	}
	for _, r := range inputs {
		for _, c := range r.CrossReferences {
			add(c)
		}
	}
	return out
}

// moreSpecific picks the longest non-empty cluster value: a longer label
// is treated as the more specific category.
func moreSpecific(proposed string, inputs []types.VocabularyRecord) string {
	best := strings.TrimSpace(proposed)
	for _, r := range inputs {
		if c := strings.TrimSpace(r.SemanticCluster); len(c) > len(best) {
			best = c
		}
	}
	return best
}
