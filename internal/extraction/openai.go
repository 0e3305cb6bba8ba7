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

const defaultOpenAIURL = "https://api.openai.com/v1"

// OpenAIExtractor extracts topics via the OpenAI chat completions API,
// forcing a record_topics function call for structured output.
type OpenAIExtractor struct {
	client *http.Client
	apiKey string
	apiURL string
	model  string
	logger logging.Logger
}

// NewOpenAIExtractor creates an OpenAI-backed extractor.
func NewOpenAIExtractor(cfg Config, logger logging.Logger) *OpenAIExtractor {
	apiURL := strings.TrimRight(cfg.APIURL, "/")
	if apiURL == "" {
		apiURL = defaultOpenAIURL
	}
	return &OpenAIExtractor{
		client: &http.Client{Timeout: 60 * time.Second},
		apiKey: cfg.APIKey,
		apiURL: apiURL,
		model:  cfg.Model,
		logger: logger,
	}
}

type openAIRequest struct {
	Model      string          `json:"model"`
	Messages   []openAIMessage `json:"messages"`
	Tools      []openAITool    `json:"tools"`
	ToolChoice interface{}     `json:"tool_choice"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAITool struct {
	Type     string         `json:"type"`
	Function openAIFunction `json:"function"`
}

type openAIFunction struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			ToolCalls []struct {
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"message"`
	} `json:"choices"`
}

// Extract implements Extractor.
func (e *OpenAIExtractor) Extract(ctx context.Context, batch topics.Batch) ([]topics.Candidate, error) {
	if e.model == "" {
		return nil, errors.New("openai model is required")
	}

	reqBody := openAIRequest{
		Model: e.model,
		Messages: []openAIMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: buildUserMessage(batch)},
		},
		Tools: []openAITool{{
			Type: "function",
			Function: openAIFunction{
				Name:        "record_topics",
				Description: "Record the trending topics extracted from the posts.",
				Parameters:  recordTopicsSchema,
			},
		}},
		ToolChoice: map[string]interface{}{
			"type":     "function",
			"function": map[string]string{"name": "record_topics"},
		},
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("openai: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.apiURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("openai: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, fmt.Errorf("openai: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, ErrRateLimited
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("%w: status %s: %s", ErrInvalidResponse, resp.Status, strings.TrimSpace(string(body)))
	}

	var parsed openAIResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("%w: decode body: %v", ErrInvalidResponse, err)
	}

	if len(parsed.Choices) == 0 || len(parsed.Choices[0].Message.ToolCalls) == 0 {
		return nil, fmt.Errorf("%w: no record_topics tool call in response", ErrInvalidResponse)
	}

	call := parsed.Choices[0].Message.ToolCalls[0].Function
	if call.Name != "record_topics" {
		return nil, fmt.Errorf("%w: unexpected tool call %q", ErrInvalidResponse, call.Name)
	}

	var list rawTopicList
	if err := json.Unmarshal([]byte(call.Arguments), &list); err != nil {
		return nil, fmt.Errorf("%w: decode tool arguments: %v", ErrInvalidResponse, err)
	}

	return sanitizeCandidates(list.Topics, e.logger), nil
}
