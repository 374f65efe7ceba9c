package types

import (
	"context"
	"errors"
)

// Sentinel errors shared across packages.
var (
	// ErrNotFound reports that a requested entity does not exist. It is
	// distinct from transport or storage failures.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyRunning reports a single-flight violation.
	ErrAlreadyRunning = errors.New("a preservation run is already active")
	// ErrNoActiveRun reports that an operation addressed the current run
	// but none is active (or it is past the point of accepting input).
	ErrNoActiveRun = errors.New("no active preservation run")
)

// ReasoningClient defines the interface for LLM interactions.
type ReasoningClient interface {
	Complete(ctx context.Context, prompt string) (string, error)
	CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error)
	// CompleteWithTools sends a prompt with tool definitions and returns a
	// response that may contain tool calls.
	CompleteWithTools(ctx context.Context, systemPrompt, userPrompt string, tools []ToolDefinition) (*ToolResponse, error)
	// CompleteConversation continues a multi-turn exchange. Messages carry
	// prior model turns and tool results so the model can recover from a
	// failed tool invocation within the same conversation.
	CompleteConversation(ctx context.Context, systemPrompt string, messages []Message, tools []ToolDefinition) (*ToolResponse, error)
}

// ToolDefinition describes a tool the model may invoke.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input"`
}

// ToolResult is the engine-produced result of executing a tool call.
type ToolResult struct {
	ToolUseID string `json:"tool_use_id"`
	Name      string `json:"name"`
	Content   string `json:"content"`
	IsError   bool   `json:"is_error"`
}

// MessageRole identifies the author of a conversation message.
type MessageRole string

const (
	RoleUser  MessageRole = "user"
	RoleModel MessageRole = "model"
	RoleTool  MessageRole = "tool"
)

// Message is one turn in a reasoning conversation.
type Message struct {
	Role        MessageRole  `json:"role"`
	Text        string       `json:"text,omitempty"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`
}

// UsageMetadata captures token usage for one reasoning call.
type UsageMetadata struct {
	InputTokens      int `json:"input_tokens"`
	OutputTokens     int `json:"output_tokens"`
	CacheReadTokens  int `json:"cache_read_tokens,omitempty"`
	CacheWriteTokens int `json:"cache_write_tokens,omitempty"`
}

// Add accumulates another call's usage. Accumulation is additive and
// monotonic within a run.
func (u *UsageMetadata) Add(other UsageMetadata) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CacheReadTokens += other.CacheReadTokens
	u.CacheWriteTokens += other.CacheWriteTokens
}

// ToolResponse contains the model's text and any requested tool calls.
type ToolResponse struct {
	Text       string        `json:"text"`
	ToolCalls  []ToolCall    `json:"tool_calls"`
	StopReason string        `json:"stop_reason"`
	Usage      UsageMetadata `json:"usage"`
}

// CrawlService fetches one URL and returns its content and metadata.
type CrawlService interface {
	Crawl(ctx context.Context, url string, hints CrawlHints) (*CrawlResult, error)
}

// RecordStore is the persistent vocabulary and run-artifact store.
type RecordStore interface {
	// GetLanguage returns stored metadata for a language code, or
	// ErrNotFound when the language has never been seen.
	GetLanguage(ctx context.Context, code string) (*Language, error)
	UpsertLanguage(ctx context.Context, lang Language) error

	// ProcessedURLs returns every URL already processed for the language,
	// keyed by URL with the stored content hash as value.
	ProcessedURLs(ctx context.Context, code string) (map[string]string, error)
	MarkProcessed(ctx context.Context, code, url, contentHash string) error

	// BulkIndex upserts freshly extracted records.
	BulkIndex(ctx context.Context, records []VocabularyRecord) error
	GetRecord(ctx context.Context, id string) (*VocabularyRecord, error)
	UpdateRecord(ctx context.Context, record VocabularyRecord) error

	// Search ranks stored records for the language against a free-text
	// query, combining keyword and semantic similarity.
	Search(ctx context.Context, code, query string, limit int) ([]VocabularyRecord, error)

	// MergeRecords retires the secondary ids into the primary, replacing
	// the primary's fields with the merged record. Retired ids resolve to
	// the survivor afterwards.
	MergeRecords(ctx context.Context, primaryID string, secondaryIDs []string, merged VocabularyRecord) error
	// ResolvePrimary follows the retirement chain from id to the current
	// surviving record id.
	ResolvePrimary(ctx context.Context, id string) (string, error)

	// SetSourceReliability propagates a reliability score to every record
	// whose cross-references cite the URL. Returns records updated.
	SetSourceReliability(ctx context.Context, sourceURL string, score float64) (int, error)

	SaveRun(ctx context.Context, run PipelineRun) error
	GetRun(ctx context.Context, code, runID string) (*PipelineRun, error)

	UpdateCoverage(ctx context.Context, cov LanguageCoverage) error
}

// MediaStore uploads a binary object and returns its public URL.
type MediaStore interface {
	Upload(ctx context.Context, key, contentType string, data []byte) (string, error)
}

// Notifier delivers a fire-and-forget message to operators.
type Notifier interface {
	Notify(ctx context.Context, message string) error
}
