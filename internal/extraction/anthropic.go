package extraction

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/JuliusGruber/ViennaTalksBout/internal/topics"
	"github.com/JuliusGruber/ViennaTalksBout/pkg/logging"
)

const (
	defaultAnthropicURL   = "https://api.anthropic.com"
	defaultAnthropicModel = "claude-haiku-4-5-20251001"
	anthropicVersion      = "2023-06-01"
)

// AnthropicExtractor extracts topics via the Anthropic Messages API, using
// tool use for structured output.
type AnthropicExtractor struct {
	client *http.Client
	apiKey string
	apiURL string
	model  string
	logger logging.Logger
}

// NewAnthropicExtractor creates an Anthropic-backed extractor.
func NewAnthropicExtractor(cfg Config, logger logging.Logger) *AnthropicExtractor {
	apiURL := strings.TrimRight(cfg.APIURL, "/")
	if apiURL == "" {
		apiURL = defaultAnthropicURL
	}
	model := cfg.Model
	if model == "" {
		model = defaultAnthropicModel
	}
	return &AnthropicExtractor{
		client: &http.Client{Timeout: 60 * time.Second},
		apiKey: cfg.APIKey,
		apiURL: apiURL,
		model:  model,
		logger: logger,
	}
}

type anthropicRequest struct {
	Model      string             `json:"model"`
	MaxTokens  int                `json:"max_tokens"`
	System     string             `json:"system"`
	Messages   []anthropicMessage `json:"messages"`
	Tools      []anthropicTool    `json:"tools"`
	ToolChoice anthropicChoice    `json:"tool_choice"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicTool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

type anthropicChoice struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

type anthropicResponse struct {
	Content []struct {
		Type  string          `json:"type"`
		Name  string          `json:"name"`
		Input json.RawMessage `json:"input"`
	} `json:"content"`
}

// Extract implements Extractor.
func (e *AnthropicExtractor) Extract(ctx context.Context, batch topics.Batch) ([]topics.Candidate, error) {
	reqBody := anthropicRequest{
		Model:     e.model,
		MaxTokens: 1024,
		System:    systemPrompt,
		Messages: []anthropicMessage{
			{Role: "user", Content: buildUserMessage(batch)},
		},
		Tools: []anthropicTool{{
			Name:        "record_topics",
			Description: "Record the trending topics extracted from the posts.",
			InputSchema: recordTopicsSchema,
		}},
		ToolChoice: anthropicChoice{Type: "tool", Name: "record_topics"},
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("anthropic: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.apiURL+"/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("anthropic: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("anthropic-version", anthropicVersion)
	if e.apiKey != "" {
		req.Header.Set("x-api-key", e.apiKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, fmt.Errorf("anthropic: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, ErrRateLimited
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("%w: status %s: %s", ErrInvalidResponse, resp.Status, strings.TrimSpace(string(body)))
	}

	var parsed anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("%w: decode body: %v", ErrInvalidResponse, err)
	}

	for _, block := range parsed.Content {
		if block.Type != "tool_use" || block.Name != "record_topics" {
			continue
		}
		var list rawTopicList
		if err := json.Unmarshal(block.Input, &list); err != nil {
			return nil, fmt.Errorf("%w: decode tool input: %v", ErrInvalidResponse, err)
		}
		return sanitizeCandidates(list.Topics, e.logger), nil
	}

	return nil, fmt.Errorf("%w: no record_topics tool call in response", ErrInvalidResponse)
}
