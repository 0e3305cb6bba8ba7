// Package extraction is the boundary to the external text-understanding
// service that turns a batch of post text into scored topic candidates.
package extraction

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/JuliusGruber/ViennaTalksBout/internal/topics"
	"github.com/JuliusGruber/ViennaTalksBout/pkg/config"
	"github.com/JuliusGruber/ViennaTalksBout/pkg/logging"
)

// Typed extraction failures. The merge engine treats them all the same way
// (drop the batch, bump a counter), but callers and metrics distinguish them.
var (
	ErrTimeout         = errors.New("extraction timed out")
	ErrRateLimited     = errors.New("extraction rate limited")
	ErrInvalidResponse = errors.New("extraction returned an invalid response")
)

// Extractor turns one sealed batch into scored topic candidates.
type Extractor interface {
	Extract(ctx context.Context, batch topics.Batch) ([]topics.Candidate, error)
}

// Config holds provider settings, loaded from LLM_* env vars.
type Config struct {
	Provider string
	Model    string
	APIKey   string
	APIURL   string
}

// LoadConfig loads extraction configuration from the environment.
func LoadConfig() Config {
	return Config{
		Provider: config.GetEnv("LLM_PROVIDER", "anthropic"),
		Model:    config.GetEnv("LLM_MODEL", ""),
		APIKey:   config.GetEnv("LLM_API_KEY", ""),
		APIURL:   config.GetEnv("LLM_API_URL", ""),
	}
}

// NewExtractor creates a provider-backed extractor from configuration.
func NewExtractor(cfg Config, logger logging.Logger) (Extractor, error) {
	switch strings.ToLower(cfg.Provider) {
	case "anthropic":
		return NewAnthropicExtractor(cfg, logger), nil
	case "openai":
		return NewOpenAIExtractor(cfg, logger), nil
	default:
		return nil, fmt.Errorf("unknown extraction provider %q", cfg.Provider)
	}
}

const systemPrompt = "You are analyzing posts about Vienna, Austria from multiple sources " +
	"(social media, news headlines, press releases). The posts are primarily in German.\n\n" +
	"Extract the specific topics that people are discussing or that are being reported on. " +
	"Return concrete, specific topic terms (e.g. \"Donauinselfest\", \"U2 Störung\", " +
	"\"Wiener Linien\") — NOT broad categories like \"politics\" or \"weather\".\n\n" +
	"Rules:\n" +
	"- Only extract topics actually discussed in the posts. Do not invent topics.\n" +
	"- Each topic should be a short noun phrase (1-4 words).\n" +
	"- Score reflects how prominently the topic features across the batch " +
	"(0.0 = barely mentioned, 1.0 = dominant topic).\n" +
	"- Count is the number of posts that discuss this topic.\n" +
	"- If the posts contain no meaningful or extractable topics, return an empty list."

// recordTopicsSchema forces structured output via tool use: the model must
// call record_topics with a validated topic list.
var recordTopicsSchema = map[string]interface{}{
	"type": "object",
	"properties": map[string]interface{}{
		"topics": map[string]interface{}{
			"type": "array",
			"items": map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"topic": map[string]interface{}{
						"type":        "string",
						"description": "The specific topic term (short noun phrase, 1-4 words)",
					},
					"score": map[string]interface{}{
						"type":        "number",
						"description": "Relevance score from 0.0 (barely mentioned) to 1.0 (dominant topic)",
					},
					"count": map[string]interface{}{
						"type":        "integer",
						"description": "Number of posts discussing this topic",
					},
				},
				"required": []string{"topic", "score", "count"},
			},
		},
	},
	"required": []string{"topics"},
}

// buildUserMessage formats a batch's post texts as numbered entries.
func buildUserMessage(batch topics.Batch) string {
	var b strings.Builder
	for i, text := range batch.Texts {
		fmt.Fprintf(&b, "[%d] %s\n", i+1, text)
	}
	return strings.TrimRight(b.String(), "\n")
}

// rawCandidate mirrors the tool-call payload shape.
type rawCandidate struct {
	Topic string  `json:"topic"`
	Score float64 `json:"score"`
	Count int     `json:"count"`
}

type rawTopicList struct {
	Topics []rawCandidate `json:"topics"`
}

// sanitizeCandidates validates candidates item-by-item: empty names are
// dropped, scores clamped to [0,1], counts to >= 0. A malformed entry never
// fails the whole batch.
func sanitizeCandidates(raw []rawCandidate, logger logging.Logger) []topics.Candidate {
	out := make([]topics.Candidate, 0, len(raw))
	for i, rc := range raw {
		name := strings.TrimSpace(rc.Topic)
		if name == "" {
			logger.WithField("index", i).Warn("Skipping candidate with empty name")
			continue
		}
		score := rc.Score
		if score < 0 {
			score = 0
		}
		if score > 1 {
			score = 1
		}
		count := rc.Count
		if count < 0 {
			count = 0
		}
		out = append(out, topics.Candidate{
			RawName:        name,
			RelevanceScore: score,
			MentionCount:   count,
		})
	}
	return out
}
