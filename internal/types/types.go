// Package types holds the TongueKeeper domain model and the interfaces
// shared across packages. It has no dependencies beyond the standard
// library so any package can import it without cycles.
package types

import "time"

// Language describes the subject of a preservation run.
type Language struct {
	Code             string   `json:"code"`
	Name             string   `json:"name"`
	AltNames         []string `json:"alt_names,omitempty"`
	Region           string   `json:"region,omitempty"`
	Family           string   `json:"family,omitempty"`
	SpeakerCount     int      `json:"speaker_count,omitempty"`
	ContactLanguages []string `json:"contact_languages,omitempty"`
}

// Definition is one gloss of a vocabulary record in a given language.
type Definition struct {
	Language string `json:"language"`
	Text     string `json:"text"`
}

// CrossReference links a record to one of the sources that contributed to it.
type CrossReference struct {
	SourceTitle      string   `json:"source_title"`
	SourceURL        string   `json:"source_url"`
	SourceType       string   `json:"source_type,omitempty"`
	ReliabilityScore *float64 `json:"reliability_score,omitempty"`
	Notes            string   `json:"notes,omitempty"`
}

// VocabularyRecord is one vocabulary item with provenance.
// Records are created by extraction and mutated by merge, enrichment, and
// pronunciation stages. A merge collapses several ids into one survivor;
// retired ids are only addressable through the survivor afterwards.
type VocabularyRecord struct {
	ID                    string           `json:"id"`
	LanguageCode          string           `json:"language_code"`
	HeadwordNative        string           `json:"headword_native"`
	HeadwordRomanized     string           `json:"headword_romanized,omitempty"`
	PartOfSpeech          string           `json:"part_of_speech"`
	Definitions           []Definition     `json:"definitions"`
	ExampleSentences      []string         `json:"example_sentences,omitempty"`
	SemanticCluster       string           `json:"semantic_cluster,omitempty"`
	CulturalContext       string           `json:"cultural_context,omitempty"`
	CrossReferences       []CrossReference `json:"cross_references,omitempty"`
	RelatedTerms          []string         `json:"related_terms,omitempty"`
	AudioURL              string           `json:"audio_url,omitempty"`
	PronunciationVideoURL string           `json:"pronunciation_video_url,omitempty"`
}

// GrammarPattern is a grammatical construction captured during extraction.
type GrammarPattern struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Examples    []string `json:"examples,omitempty"`
}

// DiscoveryMethod tags how a candidate source was found.
type DiscoveryMethod string

const (
	DiscoverySeed     DiscoveryMethod = "seed"
	DiscoveryModel    DiscoveryMethod = "model"
	DiscoverySearch   DiscoveryMethod = "search"
	DiscoveryInjected DiscoveryMethod = "injected"
)

// Source is one discovered URL considered for crawling.
type Source struct {
	URL    string          `json:"url"`
	Title  string          `json:"title,omitempty"`
	Type   string          `json:"type,omitempty"`
	Method DiscoveryMethod `json:"method,omitempty"`
}

// SourceStatus classifies the outcome of visiting one source.
type SourceStatus string

const (
	SourceExtracted          SourceStatus = "extracted"
	SourceFailed             SourceStatus = "failed"
	SourceSkippedDuplicate   SourceStatus = "skipped_duplicate"
	SourceSkippedContentHash SourceStatus = "skipped_content_hash"
	SourceSkippedSourceCap   SourceStatus = "skipped_source_cap"
	SourceCancelled          SourceStatus = "cancelled"
)

// SourceOutcome records what happened to one source within a run.
type SourceOutcome struct {
	URL          string       `json:"url"`
	Title        string       `json:"title,omitempty"`
	Status       SourceStatus `json:"status"`
	EntryCount   int          `json:"entry_count,omitempty"`
	GrammarCount int          `json:"grammar_count,omitempty"`
	AudioCount   int          `json:"audio_count,omitempty"`
	Error        string       `json:"error,omitempty"`
}

// RunStatus is the terminal state of a pipeline run.
type RunStatus string

const (
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunTimeout   RunStatus = "timeout"
	RunCancelled RunStatus = "cancelled"
)

// RunStats aggregates counters across one run.
type RunStats struct {
	SourcesDiscovered int `json:"sources_discovered"`
	SourcesCompleted  int `json:"sources_completed"`
	SourcesFailed     int `json:"sources_failed"`
	SourcesSkipped    int `json:"sources_skipped"`
	EntriesExtracted  int `json:"entries_extracted"`
	GrammarPatterns   int `json:"grammar_patterns"`
	AudioClips        int `json:"audio_clips"`
	CrossReferences   int `json:"cross_references"`
}

// PipelineRun is the durable artifact of one pipeline execution.
// It is mutated throughout the run, persisted once at run end (or
// cancellation), and immutable afterwards.
type PipelineRun struct {
	ID             string          `json:"id"`
	LanguageCode   string          `json:"language_code"`
	LanguageName   string          `json:"language_name"`
	StartedAt      time.Time       `json:"started_at"`
	CompletedAt    time.Time       `json:"completed_at,omitempty"`
	DurationMS     int64           `json:"duration_ms"`
	Status         RunStatus       `json:"status"`
	Stats          RunStats        `json:"stats"`
	SourceOutcomes []SourceOutcome `json:"source_outcomes"`
}

// PreserveRequest is the validated payload that starts a run.
// Language is the legacy alias for LanguageName kept for older callers.
type PreserveRequest struct {
	LanguageCode     string   `json:"language_code"`
	LanguageName     string   `json:"language_name,omitempty"`
	Language         string   `json:"language,omitempty"`
	AltNames         []string `json:"alt_names,omitempty"`
	Region           string   `json:"region,omitempty"`
	ContactLanguages []string `json:"contact_languages,omitempty"`
	MaxSources       int      `json:"max_sources,omitempty"`
}

// Name returns the language name, resolving the legacy alias.
func (r PreserveRequest) Name() string {
	if r.LanguageName != "" {
		return r.LanguageName
	}
	return r.Language
}

// CrawlHints carries optional guidance for the crawl service.
type CrawlHints struct {
	SourceType string `json:"source_type,omitempty"`
	RenderJS   bool   `json:"render_js,omitempty"`
	MaxBytes   int    `json:"max_bytes,omitempty"`
}

// CrawlResult is the content and metadata returned for one URL.
type CrawlResult struct {
	URL         string            `json:"url"`
	Title       string            `json:"title,omitempty"`
	Content     string            `json:"content"`
	ContentHash string            `json:"content_hash"`
	Strategy    string            `json:"strategy"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// LanguageCoverage is the per-language aggregate updated at run end.
type LanguageCoverage struct {
	LanguageCode    string    `json:"language_code"`
	TotalEntries    int       `json:"total_entries"`
	TotalSources    int       `json:"total_sources"`
	TotalAudioClips int       `json:"total_audio_clips"`
	LastRunID       string    `json:"last_run_id"`
	UpdatedAt       time.Time `json:"updated_at"`
}
