// Package events implements the in-process pipeline event bus: a bounded
// replay history plus fan-out broadcast to live observers. The bus is not
// durable across restarts; late joiners reconstruct current state from the
// history snapshot.
package events

import (
	"time"

	"tonguekeeper/internal/types"
)

// Status is the lifecycle state of the operation an event reports on.
type Status string

const (
	StatusRunning  Status = "running"
	StatusComplete Status = "complete"
	StatusError    Status = "error"
)

// Event is the generic envelope broadcast to observers. Events sharing an
// ID are successive states of one logical operation and replace each other
// in history rather than appending.
//
// The wire field names (agent, action, status, data, timestamp) are part
// of the public event contract consumed by existing observers.
type Event struct {
	ID        string    `json:"id"`
	Agent     string    `json:"agent"`
	Action    string    `json:"action"`
	Status    Status    `json:"status"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Agent kinds emitted by the core stages.
const (
	AgentDiscovery     string = "discovery"
	AgentCrawler       string = "crawler"
	AgentExtractor     string = "extractor"
	AgentCrossRef      string = "crossref"
	AgentEnrichment    string = "enrichment"
	AgentPronunciation string = "pronunciation"
	AgentPipeline      string = "pipeline"
)

// Tagged payloads carried inside the envelope. Consumers type-switch on
// these instead of probing optional map fields.

// SourceDiscovered reports one candidate source found during discovery.
type SourceDiscovered struct {
	URL     string                `json:"url"`
	Title   string                `json:"title,omitempty"`
	Type    string                `json:"type,omitempty"`
	Method  types.DiscoveryMethod `json:"method,omitempty"`
	Message string                `json:"message,omitempty"`
}

// SourceProgress reports the outcome of one source visit.
type SourceProgress struct {
	URL        string             `json:"url"`
	Title      string             `json:"title,omitempty"`
	Status     types.SourceStatus `json:"status,omitempty"`
	EntryCount int                `json:"entry_count,omitempty"`
	Message    string             `json:"message,omitempty"`
}

// MergeApplied reports a cross-reference merge batch result.
type MergeApplied struct {
	SourceTitle string `json:"source_title,omitempty"`
	Merged      int    `json:"merged"`
	Processed   int    `json:"processed"`
	Clusters    int    `json:"clusters,omitempty"`
}

// EnrichmentApplied reports enrichment progress.
type EnrichmentApplied struct {
	Enriched      int `json:"enriched"`
	SourcesScored int `json:"sources_scored"`
}

// AudioGenerated reports one pronunciation clip upload.
type AudioGenerated struct {
	RecordID string `json:"record_id"`
	AudioURL string `json:"audio_url"`
}

// StatsSnapshot reports the run's aggregate counters.
type StatsSnapshot struct {
	RunID string         `json:"run_id"`
	Stats types.RunStats `json:"stats"`
}

// ErrorInfo carries a failure description.
type ErrorInfo struct {
	Message string `json:"message"`
}
