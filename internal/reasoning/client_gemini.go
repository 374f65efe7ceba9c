package reasoning

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"tonguekeeper/internal/logging"
	"tonguekeeper/internal/types"
)

// GeminiClient implements types.ReasoningClient against the Gemini API.
type GeminiClient struct {
	apiKey          string
	baseURL         string
	model           string
	maxOutputTokens int
	httpClient      *http.Client
}

var _ types.ReasoningClient = (*GeminiClient)(nil)

// DefaultGeminiConfig returns sensible defaults.
func DefaultGeminiConfig(apiKey string) GeminiConfig {
	return GeminiConfig{
		APIKey:          apiKey,
		BaseURL:         "https://generativelanguage.googleapis.com/v1beta",
		Model:           "gemini-2.5-flash",
		Timeout:         2 * time.Minute,
		MaxOutputTokens: 8192,
	}
}

// NewGeminiClient creates a client with default configuration.
func NewGeminiClient(apiKey string) *GeminiClient {
	return NewGeminiClientWithConfig(DefaultGeminiConfig(apiKey))
}

// NewGeminiClientWithConfig creates a client with custom configuration.
func NewGeminiClientWithConfig(config GeminiConfig) *GeminiClient {
	model := strings.TrimSpace(config.Model)
	if model == "" {
		model = "gemini-2.5-flash"
	}
	baseURL := config.BaseURL
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com/v1beta"
	}
	maxOutputTokens := config.MaxOutputTokens
	if maxOutputTokens <= 0 {
		maxOutputTokens = 8192
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &GeminiClient{
		apiKey:          config.APIKey,
		baseURL:         baseURL,
		model:           model,
		maxOutputTokens: maxOutputTokens,
		httpClient:      &http.Client{Timeout: timeout},
	}
}

// Complete sends a bare prompt and returns the text response.
func (c *GeminiClient) Complete(ctx context.Context, prompt string) (string, error) {
	return c.CompleteWithSystem(ctx, "", prompt)
}

// CompleteWithSystem sends a prompt with a system instruction.
func (c *GeminiClient) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	resp, err := c.CompleteWithTools(ctx, systemPrompt, userPrompt, nil)
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

// CompleteWithTools sends a single user turn with tool definitions.
func (c *GeminiClient) CompleteWithTools(ctx context.Context, systemPrompt, userPrompt string, tools []ToolDefinition) (*ToolResponse, error) {
	messages := []Message{{Role: types.RoleUser, Text: userPrompt}}
	return c.CompleteConversation(ctx, systemPrompt, messages, tools)
}

// CompleteConversation continues a multi-turn exchange. Tool results in a
// RoleTool message are sent back as functionResponse parts so the model
// can react to execution outcomes, including failures.
func (c *GeminiClient) CompleteConversation(ctx context.Context, systemPrompt string, messages []Message, tools []ToolDefinition) (*ToolResponse, error) {
	req := geminiRequest{
		Contents: buildContents(messages),
		GenerationConfig: geminiGenerationConfig{
			MaxOutputTokens: c.maxOutputTokens,
		},
	}
	if systemPrompt != "" {
		req.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: systemPrompt}}}
	}
	if len(tools) > 0 {
		decls := make([]geminiFunctionDeclaration, 0, len(tools))
		for _, t := range tools {
			decls = append(decls, geminiFunctionDeclaration{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.InputSchema,
			})
		}
		req.Tools = []geminiTool{{FunctionDeclarations: decls}}
	}

	resp, err := c.do(ctx, req)
	if err != nil {
		return nil, err
	}
	return parseResponse(resp), nil
}

func buildContents(messages []Message) []geminiContent {
	contents := make([]geminiContent, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case types.RoleModel:
			parts := make([]geminiPart, 0, 1+len(m.ToolCalls))
			if m.Text != "" {
				parts = append(parts, geminiPart{Text: m.Text})
			}
			for _, tc := range m.ToolCalls {
				parts = append(parts, geminiPart{FunctionCall: &geminiFunctionCall{
					Name: tc.Name,
					Args: tc.Input,
				}})
			}
			contents = append(contents, geminiContent{Role: "model", Parts: parts})
		case types.RoleTool:
			parts := make([]geminiPart, 0, len(m.ToolResults))
			for _, tr := range m.ToolResults {
				response := map[string]any{"content": tr.Content}
				if tr.IsError {
					response["error"] = true
				}
				parts = append(parts, geminiPart{FunctionResponse: &geminiFunctionResponse{
					Name:     tr.Name,
					Response: response,
				}})
			}
			contents = append(contents, geminiContent{Role: "user", Parts: parts})
		default:
			contents = append(contents, geminiContent{Role: "user", Parts: []geminiPart{{Text: m.Text}}})
		}
	}
	return contents
}

func (c *GeminiClient) do(ctx context.Context, req geminiRequest) (*geminiResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", c.baseURL, c.model, c.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("gemini request failed: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var resp geminiResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response (HTTP %d): %w", httpResp.StatusCode, err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("gemini API error %d (%s): %s", resp.Error.Code, resp.Error.Status, resp.Error.Message)
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gemini HTTP %d: %s", httpResp.StatusCode, string(respBody))
	}

	logging.Get(logging.CategoryReasoning).Debug("generateContent model=%s in=%d out=%d cached=%d elapsed=%s",
		c.model,
		resp.UsageMetadata.PromptTokenCount,
		resp.UsageMetadata.CandidatesTokenCount,
		resp.UsageMetadata.CachedContentTokenCount,
		time.Since(start))
	return &resp, nil
}

func parseResponse(resp *geminiResponse) *ToolResponse {
	out := &ToolResponse{
		StopReason: "end_turn",
		Usage: types.UsageMetadata{
			InputTokens:     resp.UsageMetadata.PromptTokenCount,
			OutputTokens:    resp.UsageMetadata.CandidatesTokenCount,
			CacheReadTokens: resp.UsageMetadata.CachedContentTokenCount,
		},
	}
	if len(resp.Candidates) == 0 {
		return out
	}

	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part.Text != "" {
			text.WriteString(part.Text)
		}
		if part.FunctionCall != nil {
			out.ToolCalls = append(out.ToolCalls, ToolCall{
				ID:    fmt.Sprintf("call_%d", len(out.ToolCalls)),
				Name:  part.FunctionCall.Name,
				Input: part.FunctionCall.Args,
			})
		}
	}
	out.Text = text.String()
	if len(out.ToolCalls) > 0 {
		out.StopReason = "tool_use"
	}
	return out
}
