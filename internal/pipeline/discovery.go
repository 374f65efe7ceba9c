package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"tonguekeeper/internal/events"
	"tonguekeeper/internal/logging"
	"tonguekeeper/internal/types"
)

const maxSuggestedSources = 8

// discover assembles the run's candidate source list: curated seeds
// first, then model-suggested archives, then search-style suggestions.
// Individual channels may fail as long as at least one source is found.
func (o *Orchestrator) discover(ctx context.Context, lang types.Language) ([]types.Source, error) {
	var sources []types.Source

	if o.deps.Seeds != nil {
		for _, seed := range o.deps.Seeds.SeedsFor(lang.Code) {
			sources = append(sources, types.Source{
				URL:    seed.URL,
				Title:  seed.Title,
				Type:   seed.Type,
				Method: types.DiscoverySeed,
			})
		}
	}

	suggested, err := o.suggestSources(ctx, lang, types.DiscoveryModel)
	if err != nil {
		logging.Get(logging.CategoryDiscovery).Warn("model discovery failed: %v", err)
	}
	sources = append(sources, suggested...)

	searched, err := o.suggestSources(ctx, lang, types.DiscoverySearch)
	if err != nil {
		logging.Get(logging.CategoryDiscovery).Warn("search discovery failed: %v", err)
	}
	sources = append(sources, searched...)

	sources = dedupeSources(sources)
	if len(sources) == 0 {
		return nil, fmt.Errorf("discovery produced no sources for %s", lang.Name)
	}

	for _, src := range sources {
		o.deps.Bus.Emit(events.AgentDiscovery, "source_discovered", events.StatusComplete, events.SourceDiscovered{
			URL:    src.URL,
			Title:  src.Title,
			Type:   src.Type,
			Method: src.Method,
		})
	}
	logging.Get(logging.CategoryDiscovery).Info("discovered %d sources for %s", len(sources), lang.Code)
	return sources, nil
}

// suggestSources asks the reasoning model for candidate URLs. The model
// channel asks for archives it knows outright; the search channel asks
// it to act on likely search results for the language.
func (o *Orchestrator) suggestSources(ctx context.Context, lang types.Language, method types.DiscoveryMethod) ([]types.Source, error) {
	subject := lang.Name
	if len(lang.AltNames) > 0 {
		subject = fmt.Sprintf("%s (also known as %s)", lang.Name, strings.Join(lang.AltNames, ", "))
	}

	var prompt string
	switch method {
	case types.DiscoverySearch:
		prompt = fmt.Sprintf(`You are helping locate web sources for the endangered language %s (ISO code %s).
Imagine the top results of web searches like "%s dictionary", "%s vocabulary list", and "%s language archive".
Return up to %d real, publicly accessible URLs you are confident exist.

Respond with ONLY a JSON array, no prose:
[{"url": "...", "title": "...", "type": "dictionary|archive|academic|community"}]`,
			subject, lang.Code, lang.Name, lang.Name, lang.Name, maxSuggestedSources)
	default:
		prompt = fmt.Sprintf(`List online dictionaries, lexical databases, academic archives, and community
resources that document the endangered language %s (ISO code %s). Prefer
resources with actual vocabulary entries over general descriptions.
Return up to %d real, publicly accessible URLs.

Respond with ONLY a JSON array, no prose:
[{"url": "...", "title": "...", "type": "dictionary|archive|academic|community"}]`,
			subject, lang.Code, maxSuggestedSources)
	}

	text, err := o.deps.Reasoner.Complete(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("failed to get source suggestions: %w", err)
	}

	var suggestions []struct {
		URL   string `json:"url"`
		Title string `json:"title"`
		Type  string `json:"type"`
	}
	if err := json.Unmarshal([]byte(extractJSON(text)), &suggestions); err != nil {
		return nil, fmt.Errorf("failed to parse source suggestions: %w", err)
	}

	var sources []types.Source
	for _, s := range suggestions {
		if len(sources) >= maxSuggestedSources {
			break
		}
		url := strings.TrimSpace(s.URL)
		if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
			continue
		}
		sources = append(sources, types.Source{
			URL:    url,
			Title:  strings.TrimSpace(s.Title),
			Type:   strings.TrimSpace(s.Type),
			Method: method,
		})
	}
	return sources, nil
}

// dedupeSources keeps the first occurrence of each URL, so seeds win
// over model suggestions for the same resource.
func dedupeSources(sources []types.Source) []types.Source {
	seen := make(map[string]struct{}, len(sources))
	out := sources[:0]
	for _, src := range sources {
		key := strings.TrimRight(src.URL, "/")
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, src)
	}
	return out
}
