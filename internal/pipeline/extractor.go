package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"tonguekeeper/internal/events"
	"tonguekeeper/internal/logging"
	"tonguekeeper/internal/types"

	"github.com/google/uuid"
)

// maxPromptContent bounds how much crawled text goes into one
// extraction prompt.
const maxPromptContent = 12000

const extractionSystemPrompt = `You are a field linguist documenting an endangered language.
Extract vocabulary entries and grammar patterns from the source text you are given.
Only record words and constructions the text actually attests; never invent entries.
Keep definitions faithful to the source, including cultural usage notes when present.`

// extract turns one crawled page into vocabulary records and grammar
// patterns attributed to the source.
func (o *Orchestrator) extract(ctx context.Context, lang types.Language, src types.Source, crawl *types.CrawlResult) ([]types.VocabularyRecord, []types.GrammarPattern, error) {
	content := crawl.Content
	if len(content) > maxPromptContent {
		content = content[:maxPromptContent]
	}

	prompt := fmt.Sprintf(`The text below comes from %q (%s) and documents the language %s (ISO code %s).

Extract every vocabulary entry and grammar pattern it attests. Respond with ONLY this JSON shape, no prose:
{
  "entries": [
    {
      "headword_native": "the word in its native script",
      "headword_romanized": "romanization if given",
      "part_of_speech": "noun|verb|adjective|adverb|particle|phrase|other",
      "definitions": [{"language": "en", "text": "..."}],
      "example_sentences": ["..."],
      "semantic_cluster": "a short topical label such as kinship, nature, food",
      "cultural_context": "usage notes the source gives, if any",
      "related_terms": ["..."]
    }
  ],
  "grammar_patterns": [
    {"name": "...", "description": "...", "examples": ["..."]}
  ]
}

SOURCE TEXT:
%s`, displayTitle(src, crawl), crawl.URL, lang.Name, lang.Code, content)

	event := o.deps.Bus.Emit(events.AgentExtractor, "extracting", events.StatusRunning, events.SourceProgress{
		URL:   crawl.URL,
		Title: displayTitle(src, crawl),
	})

	text, err := o.deps.Reasoner.CompleteWithSystem(ctx, extractionSystemPrompt, prompt)
	if err != nil {
		o.deps.Bus.EmitWithID(event.ID, events.AgentExtractor, "extracting", events.StatusError, events.ErrorInfo{Message: err.Error()})
		return nil, nil, fmt.Errorf("extraction failed for %s: %w", crawl.URL, err)
	}

	var parsed struct {
		Entries         []types.VocabularyRecord `json:"entries"`
		GrammarPatterns []types.GrammarPattern   `json:"grammar_patterns"`
	}
	if err := json.Unmarshal([]byte(extractJSON(text)), &parsed); err != nil {
		o.deps.Bus.EmitWithID(event.ID, events.AgentExtractor, "extracting", events.StatusError, events.ErrorInfo{Message: err.Error()})
		return nil, nil, fmt.Errorf("failed to parse extraction for %s: %w", crawl.URL, err)
	}

	reference := types.CrossReference{
		SourceTitle: displayTitle(src, crawl),
		SourceURL:   crawl.URL,
		SourceType:  src.Type,
	}
	records := make([]types.VocabularyRecord, 0, len(parsed.Entries))
	for _, entry := range parsed.Entries {
		if strings.TrimSpace(entry.HeadwordNative) == "" || len(entry.Definitions) == 0 {
			continue
		}
		entry.ID = uuid.NewString()
		entry.LanguageCode = lang.Code
		entry.CrossReferences = []types.CrossReference{reference}
		records = append(records, entry)
	}

	o.deps.Bus.EmitWithID(event.ID, events.AgentExtractor, "extracting", events.StatusComplete, events.SourceProgress{
		URL:        crawl.URL,
		Title:      displayTitle(src, crawl),
		Status:     types.SourceExtracted,
		EntryCount: len(records),
	})
	logging.Pipeline("extracted %d entries, %d grammar patterns from %s", len(records), len(parsed.GrammarPatterns), crawl.URL)
	return records, parsed.GrammarPatterns, nil
}

func displayTitle(src types.Source, crawl *types.CrawlResult) string {
	if src.Title != "" {
		return src.Title
	}
	if crawl.Title != "" {
		return crawl.Title
	}
	return src.URL
}

// extractJSON strips markdown code fences and surrounding prose, leaving
// the first JSON array or object in the text.
func extractJSON(text string) string {
	text = strings.TrimSpace(text)
	if idx := strings.Index(text, "```"); idx >= 0 {
		text = text[idx+3:]
		text = strings.TrimPrefix(text, "json")
		if end := strings.Index(text, "```"); end >= 0 {
			text = text[:end]
		}
	}
	text = strings.TrimSpace(text)

	objStart := strings.IndexAny(text, "{[")
	if objStart < 0 {
		return text
	}
	closing := byte('}')
	if text[objStart] == '[' {
		closing = ']'
	}
	if objEnd := strings.LastIndexByte(text, closing); objEnd > objStart {
		return text[objStart : objEnd+1]
	}
	return text[objStart:]
}
