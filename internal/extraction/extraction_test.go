package extraction

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/JuliusGruber/ViennaTalksBout/internal/topics"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func testBatch() topics.Batch {
	return topics.Batch{
		ID:        "batch-1",
		SourceID:  "mastodon",
		Texts:     []string{"U2 steht schon wieder", "Donauinselfest war super"},
		PostCount: 2,
	}
}

func TestBuildUserMessageNumbersPosts(t *testing.T) {
	msg := buildUserMessage(testBatch())
	want := "[1] U2 steht schon wieder\n[2] Donauinselfest war super"
	if msg != want {
		t.Errorf("buildUserMessage = %q, want %q", msg, want)
	}
}

func TestSanitizeCandidates(t *testing.T) {
	raw := []rawCandidate{
		{Topic: " U2 Störung ", Score: 0.8, Count: 3},
		{Topic: "", Score: 0.5, Count: 1},          // dropped
		{Topic: "Donauinselfest", Score: 1.7, Count: 2}, // clamped
		{Topic: "Wien Energie", Score: -0.2, Count: -5}, // clamped to zero
	}

	out := sanitizeCandidates(raw, testLogger())
	if len(out) != 3 {
		t.Fatalf("len = %d, want 3 (empty name dropped)", len(out))
	}
	if out[0].RawName != "U2 Störung" {
		t.Errorf("RawName = %q, want trimmed", out[0].RawName)
	}
	if out[1].RelevanceScore != 1.0 {
		t.Errorf("score = %g, want clamped to 1.0", out[1].RelevanceScore)
	}
	if out[2].RelevanceScore != 0 || out[2].MentionCount != 0 {
		t.Errorf("negative values not clamped: %+v", out[2])
	}
}

func TestNewExtractorUnknownProvider(t *testing.T) {
	if _, err := NewExtractor(Config{Provider: "oracle"}, testLogger()); err == nil {
		t.Error("expected error for unknown provider")
	}
}

func anthropicToolResponse(t *testing.T, list rawTopicList) []byte {
	t.Helper()
	input, err := json.Marshal(list)
	if err != nil {
		t.Fatal(err)
	}
	body, err := json.Marshal(map[string]interface{}{
		"content": []map[string]interface{}{
			{"type": "tool_use", "name": "record_topics", "input": json.RawMessage(input)},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	return body
}

func TestAnthropicExtractParsesToolUse(t *testing.T) {
	var gotPath, gotVersion string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotVersion = r.Header.Get("anthropic-version")

		var req anthropicRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.ToolChoice.Name != "record_topics" {
			t.Errorf("tool_choice = %q, want record_topics", req.ToolChoice.Name)
		}

		w.Write(anthropicToolResponse(t, rawTopicList{Topics: []rawCandidate{
			{Topic: "U2 Störung", Score: 0.8, Count: 3},
		}}))
	}))
	defer srv.Close()

	e := NewAnthropicExtractor(Config{APIURL: srv.URL, APIKey: "test"}, testLogger())
	candidates, err := e.Extract(context.Background(), testBatch())
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if gotPath != "/v1/messages" {
		t.Errorf("path = %q, want /v1/messages", gotPath)
	}
	if gotVersion == "" {
		t.Error("anthropic-version header missing")
	}
	if len(candidates) != 1 || candidates[0].RawName != "U2 Störung" {
		t.Errorf("candidates = %+v", candidates)
	}
}

func TestAnthropicExtractRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	e := NewAnthropicExtractor(Config{APIURL: srv.URL}, testLogger())
	if _, err := e.Extract(context.Background(), testBatch()); !errors.Is(err, ErrRateLimited) {
		t.Errorf("err = %v, want ErrRateLimited", err)
	}
}

func TestAnthropicExtractServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	e := NewAnthropicExtractor(Config{APIURL: srv.URL}, testLogger())
	if _, err := e.Extract(context.Background(), testBatch()); !errors.Is(err, ErrInvalidResponse) {
		t.Errorf("err = %v, want ErrInvalidResponse", err)
	}
}

func TestAnthropicExtractMissingToolCall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"content":[{"type":"text","text":"no tools here"}]}`))
	}))
	defer srv.Close()

	e := NewAnthropicExtractor(Config{APIURL: srv.URL}, testLogger())
	if _, err := e.Extract(context.Background(), testBatch()); !errors.Is(err, ErrInvalidResponse) {
		t.Errorf("err = %v, want ErrInvalidResponse", err)
	}
}

func TestOpenAIExtractParsesToolCall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %q", r.URL.Path)
		}
		args, _ := json.Marshal(rawTopicList{Topics: []rawCandidate{
			{Topic: "Donauinselfest", Score: 0.9, Count: 5},
		}})
		resp := map[string]interface{}{
			"choices": []map[string]interface{}{{
				"message": map[string]interface{}{
					"tool_calls": []map[string]interface{}{{
						"function": map[string]interface{}{
							"name":      "record_topics",
							"arguments": string(args),
						},
					}},
				},
			}},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	e := NewOpenAIExtractor(Config{APIURL: srv.URL, Model: "gpt-4o-mini"}, testLogger())
	candidates, err := e.Extract(context.Background(), testBatch())
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(candidates) != 1 || candidates[0].RawName != "Donauinselfest" {
		t.Errorf("candidates = %+v", candidates)
	}
}

func TestOpenAIExtractRequiresModel(t *testing.T) {
	e := NewOpenAIExtractor(Config{}, testLogger())
	if _, err := e.Extract(context.Background(), testBatch()); err == nil {
		t.Error("expected error without model")
	}
}
