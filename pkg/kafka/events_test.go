package kafka

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func TestPostEventValidate(t *testing.T) {
	valid := PostEvent{SourceID: "mastodon", ExternalID: "42", Text: "hallo wien"}
	if err := valid.Validate(); err != nil {
		t.Errorf("valid event rejected: %v", err)
	}

	tests := []struct {
		name  string
		event PostEvent
	}{
		{"missing source", PostEvent{ExternalID: "42", Text: "x"}},
		{"missing external id", PostEvent{SourceID: "mastodon", Text: "x"}},
		{"missing text", PostEvent{SourceID: "mastodon", ExternalID: "42"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.event.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestHandleMessageIngestsValidEvent(t *testing.T) {
	var got PostEvent
	handler := NewPostEventHandler(func(ctx context.Context, event PostEvent) error {
		got = event
		return nil
	}, testLogger())

	msg := Message{
		Topic: "posts",
		Value: []byte(`{"event_id":"e1","source_id":"mastodon","external_id":"42","text":"U2 steht","observed_at":"2026-08-30T12:00:00Z"}`),
	}
	if err := handler.HandleMessage(context.Background(), msg); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if got.SourceID != "mastodon" || got.ExternalID != "42" || got.Text != "U2 steht" {
		t.Errorf("event = %+v", got)
	}
}

func TestHandleMessageDropsUndecodable(t *testing.T) {
	called := false
	handler := NewPostEventHandler(func(ctx context.Context, event PostEvent) error {
		called = true
		return nil
	}, testLogger())

	// Undecodable events commit rather than block the partition.
	err := handler.HandleMessage(context.Background(), Message{Value: []byte("not json")})
	if err != nil {
		t.Errorf("HandleMessage = %v, want nil for undecodable event", err)
	}
	if called {
		t.Error("ingest must not run for undecodable events")
	}
}

func TestHandleMessageDropsInvalid(t *testing.T) {
	called := false
	handler := NewPostEventHandler(func(ctx context.Context, event PostEvent) error {
		called = true
		return nil
	}, testLogger())

	err := handler.HandleMessage(context.Background(), Message{Value: []byte(`{"text":"no ids"}`)})
	if err != nil {
		t.Errorf("HandleMessage = %v, want nil for invalid event", err)
	}
	if called {
		t.Error("ingest must not run for invalid events")
	}
}

func TestHandleMessageDefaultsObservedAt(t *testing.T) {
	var got PostEvent
	handler := NewPostEventHandler(func(ctx context.Context, event PostEvent) error {
		got = event
		return nil
	}, testLogger())

	ts := time.Date(2026, 8, 30, 12, 30, 0, 0, time.UTC)
	msg := Message{
		Timestamp: ts,
		Value:     []byte(`{"source_id":"mastodon","external_id":"42","text":"ohne zeit"}`),
	}
	if err := handler.HandleMessage(context.Background(), msg); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if !got.ObservedAt.Equal(ts) {
		t.Errorf("ObservedAt = %v, want record timestamp %v", got.ObservedAt, ts)
	}
}
