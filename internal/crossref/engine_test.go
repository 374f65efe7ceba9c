package crossref

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"tonguekeeper/internal/events"
	"tonguekeeper/internal/store"
	"tonguekeeper/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeReasoner replays a scripted sequence of responses and records every
// conversation it was handed.
type fakeReasoner struct {
	responses []*types.ToolResponse
	err       error
	calls     int
	convs     [][]types.Message
}

func (f *fakeReasoner) Complete(ctx context.Context, prompt string) (string, error) {
	resp, err := f.CompleteWithTools(ctx, "", prompt, nil)
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

func (f *fakeReasoner) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	resp, err := f.CompleteWithTools(ctx, systemPrompt, userPrompt, nil)
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

func (f *fakeReasoner) CompleteWithTools(ctx context.Context, systemPrompt, userPrompt string, tools []types.ToolDefinition) (*types.ToolResponse, error) {
	return f.CompleteConversation(ctx, systemPrompt, []types.Message{{Role: types.RoleUser, Text: userPrompt}}, tools)
}

func (f *fakeReasoner) CompleteConversation(ctx context.Context, systemPrompt string, messages []types.Message, tools []types.ToolDefinition) (*types.ToolResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	snapshot := make([]types.Message, len(messages))
	copy(snapshot, messages)
	f.convs = append(f.convs, snapshot)

	if f.calls >= len(f.responses) {
		return &types.ToolResponse{StopReason: "end_turn"}, nil
	}
	resp := f.responses[f.calls]
	f.calls++
	return resp, nil
}

func newTestStore(t *testing.T) *store.LocalStore {
	t.Helper()
	s, err := store.NewLocalStore(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func record(id, headword string, defs ...string) types.VocabularyRecord {
	r := types.VocabularyRecord{
		ID:             id,
		LanguageCode:   "jje",
		HeadwordNative: headword,
		PartOfSpeech:   "noun",
	}
	for _, d := range defs {
		r.Definitions = append(r.Definitions, types.Definition{Language: "en", Text: d})
	}
	return r
}

func toolUse(name string, input map[string]any) *types.ToolResponse {
	return &types.ToolResponse{
		StopReason: "tool_use",
		ToolCalls:  []types.ToolCall{{ID: "call_0", Name: name, Input: input}},
		Usage:      types.UsageMetadata{InputTokens: 100, OutputTokens: 20},
	}
}

func TestMergeNothingToMerge(t *testing.T) {
	s := newTestStore(t)
	reasoner := &fakeReasoner{responses: []*types.ToolResponse{
		{Text: "No duplicates found.", StopReason: "end_turn", Usage: types.UsageMetadata{InputTokens: 50, OutputTokens: 10}},
	}}
	engine := New(reasoner, s, events.NewBus(), 0, 0)

	batch := []types.VocabularyRecord{
		record("n1", "바당", "sea"),
		record("n2", "오름", "volcanic cone"),
	}
	report, err := engine.Merge(context.Background(), batch, "Jeju Dictionary", "Jeju")
	require.NoError(t, err)

	assert.Zero(t, report.MergedCount)
	assert.Equal(t, 2, report.ProcessedCount)
	assert.Equal(t, 50, report.Usage.InputTokens)
	assert.Equal(t, 1, reasoner.calls)
}

func TestMergeSearchThenMerge(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	existing := record("a", "돗", "pig")
	existing.ExampleSentences = []string{"돗을 키운다"}
	existing.CrossReferences = []types.CrossReference{{SourceTitle: "Old Dictionary", SourceURL: "https://old.example.com"}}
	incoming := record("n1", "돗", "pig, swine")
	incoming.CrossReferences = []types.CrossReference{{SourceTitle: "New Source", SourceURL: "https://new.example.com"}}
	require.NoError(t, s.BulkIndex(ctx, []types.VocabularyRecord{existing, incoming}))

	// Proposal deliberately drops the existing definition and examples;
	// the engine's union policy must restore them.
	reasoner := &fakeReasoner{responses: []*types.ToolResponse{
		toolUse("search_existing", map[string]any{"query": "pig"}),
		toolUse("merge_entries", map[string]any{
			"primary_id":    "a",
			"secondary_ids": []any{"n1"},
			"merged_fields": map[string]any{
				"headword_native": "돗",
				"part_of_speech":  "noun",
				"definitions":     []any{map[string]any{"language": "en", "text": "pig, swine"}},
			},
		}),
		{Text: "Done.", StopReason: "end_turn"},
	}}
	engine := New(reasoner, s, events.NewBus(), 0, 0)

	report, err := engine.Merge(ctx, []types.VocabularyRecord{incoming}, "New Source", "Jeju")
	require.NoError(t, err)
	assert.Equal(t, 1, report.MergedCount)

	// The search result was executed by the engine and fed back.
	require.GreaterOrEqual(t, len(reasoner.convs), 2)
	secondTurn := reasoner.convs[1]
	last := secondTurn[len(secondTurn)-1]
	assert.Equal(t, types.RoleTool, last.Role)
	require.Len(t, last.ToolResults, 1)
	assert.False(t, last.ToolResults[0].IsError)
	assert.Contains(t, last.ToolResults[0].Content, "돗")

	// Retired id resolves to the survivor; union kept both sides.
	merged, err := s.GetRecord(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, "a", merged.ID)
	assert.Len(t, merged.Definitions, 2)
	assert.Contains(t, merged.ExampleSentences, "돗을 키운다")
	assert.Len(t, merged.CrossReferences, 2)
}

func TestMergeUnionNeverShrinks(t *testing.T) {
	primary := record("a", "물", "water", "fresh water")
	primary.ExampleSentences = []string{"물을 마신다", "물이 맑다"}
	secondary := record("b", "물", "water (drinking)", "liquid")
	secondary.ExampleSentences = []string{"물이 차갑다"}

	// Worst-case proposal: empty merged fields.
	merged := unionMerge(primary, []types.VocabularyRecord{secondary}, types.VocabularyRecord{})

	assert.GreaterOrEqual(t, len(merged.Definitions), len(primary.Definitions))
	assert.GreaterOrEqual(t, len(merged.Definitions), len(secondary.Definitions))
	assert.Len(t, merged.Definitions, 4)
	assert.Len(t, merged.ExampleSentences, 3)
	assert.Equal(t, "a", merged.ID)
	assert.Equal(t, "물", merged.HeadwordNative)
}

func TestMergeSemanticClusterMoreSpecific(t *testing.T) {
	primary := record("a", "곶자왈", "forest")
	primary.SemanticCluster = "nature"
	secondary := record("b", "곶자왈", "lava forest")
	secondary.SemanticCluster = "nature/volcanic terrain"

	merged := unionMerge(primary, []types.VocabularyRecord{secondary}, types.VocabularyRecord{})
	assert.Equal(t, "nature/volcanic terrain", merged.SemanticCluster)
}

func TestMergeToolFailureFedBack(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.BulkIndex(ctx, []types.VocabularyRecord{record("n1", "바당", "sea")}))

	reasoner := &fakeReasoner{responses: []*types.ToolResponse{
		toolUse("merge_entries", map[string]any{
			"primary_id":    "ghost",
			"secondary_ids": []any{"n1"},
			"merged_fields": map[string]any{},
		}),
		{Text: "Understood, skipping.", StopReason: "end_turn"},
	}}
	engine := New(reasoner, s, events.NewBus(), 0, 0)

	report, err := engine.Merge(ctx, []types.VocabularyRecord{record("n1", "바당", "sea")}, "Source", "Jeju")
	require.NoError(t, err)
	assert.Zero(t, report.MergedCount)

	// The failure reached the model as an error tool result.
	require.Len(t, reasoner.convs, 2)
	secondTurn := reasoner.convs[1]
	last := secondTurn[len(secondTurn)-1]
	require.Len(t, last.ToolResults, 1)
	assert.True(t, last.ToolResults[0].IsError)

	// The record survived the failed proposal.
	_, err = s.GetRecord(ctx, "n1")
	require.NoError(t, err)
}

func TestMergeReasoningFailureDegrades(t *testing.T) {
	s := newTestStore(t)
	reasoner := &fakeReasoner{err: errors.New("model unavailable")}
	engine := New(reasoner, s, events.NewBus(), 0, 0)

	report, err := engine.Merge(context.Background(), []types.VocabularyRecord{record("n1", "바당", "sea")}, "Source", "Jeju")
	require.NoError(t, err)
	assert.Zero(t, report.MergedCount)
	assert.Equal(t, 1, report.ProcessedCount)
}

func TestMergeTurnBudgetEnforced(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.BulkIndex(ctx, []types.VocabularyRecord{record("n1", "바당", "sea")}))

	// A model that never stops calling tools must be cut off at the cap.
	endless := make([]*types.ToolResponse, 10)
	for i := range endless {
		endless[i] = toolUse("search_existing", map[string]any{"query": "sea"})
	}
	reasoner := &fakeReasoner{responses: endless}
	engine := New(reasoner, s, events.NewBus(), 50, 3)

	report, err := engine.Merge(ctx, []types.VocabularyRecord{record("n1", "바당", "sea")}, "Source", "Jeju")
	require.NoError(t, err)
	assert.Equal(t, 3, reasoner.calls)
	assert.Equal(t, 300, report.Usage.InputTokens)
}

func TestMergeStaleIDsReResolved(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.BulkIndex(ctx, []types.VocabularyRecord{
		record("a", "물", "water"),
		record("b", "물", "fresh water"),
		record("c", "물", "drinking water"),
	}))
	// b already retired into a by an earlier batch.
	require.NoError(t, s.MergeRecords(ctx, "a", []string{"b"}, record("a", "물", "water", "fresh water")))

	// Proposal still references the stale id b.
	reasoner := &fakeReasoner{responses: []*types.ToolResponse{
		toolUse("merge_entries", map[string]any{
			"primary_id":    "b",
			"secondary_ids": []any{"c"},
			"merged_fields": map[string]any{"headword_native": "물"},
		}),
		{Text: "Done.", StopReason: "end_turn"},
	}}
	engine := New(reasoner, s, events.NewBus(), 0, 0)

	report, err := engine.Merge(ctx, []types.VocabularyRecord{record("c", "물", "drinking water")}, "Source", "Jeju")
	require.NoError(t, err)
	assert.Equal(t, 1, report.MergedCount)

	primary, err := s.ResolvePrimary(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, "a", primary)
}

func TestMergeBatchingAndClusterCount(t *testing.T) {
	s := newTestStore(t)
	reasoner := &fakeReasoner{responses: []*types.ToolResponse{
		{Text: "nothing", StopReason: "end_turn", Usage: types.UsageMetadata{InputTokens: 10}},
		{Text: "nothing", StopReason: "end_turn", Usage: types.UsageMetadata{InputTokens: 10}},
		{Text: "nothing", StopReason: "end_turn", Usage: types.UsageMetadata{InputTokens: 10}},
	}}
	engine := New(reasoner, s, events.NewBus(), 2, 4)

	batch := make([]types.VocabularyRecord, 5)
	for i := range batch {
		batch[i] = record(string(rune('a'+i)), "word", "def")
		batch[i].SemanticCluster = []string{"nature", "nature", "kinship", "", "Nature"}[i]
	}
	report, err := engine.Merge(context.Background(), batch, "Source", "Jeju")
	require.NoError(t, err)

	// 5 records at batch size 2 means 3 conversations.
	assert.Equal(t, 3, reasoner.calls)
	assert.Equal(t, 30, report.Usage.InputTokens)
	assert.Equal(t, 5, report.ProcessedCount)
	// nature/Nature fold together; empty cluster ignored.
	assert.Equal(t, 2, report.ClustersSeen)
}

func TestMergeEmitsEvents(t *testing.T) {
	s := newTestStore(t)
	bus := events.NewBus()
	reasoner := &fakeReasoner{responses: []*types.ToolResponse{{Text: "done", StopReason: "end_turn"}}}
	engine := New(reasoner, s, bus, 0, 0)

	_, err := engine.Merge(context.Background(), []types.VocabularyRecord{record("n1", "바당", "sea")}, "Source", "Jeju")
	require.NoError(t, err)

	history := bus.History()
	require.Len(t, history, 1) // running replaced by complete under one id
	assert.Equal(t, events.AgentCrossRef, history[0].Agent)
	assert.Equal(t, events.StatusComplete, history[0].Status)
}
