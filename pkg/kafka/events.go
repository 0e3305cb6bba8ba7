package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// PostEvent is the wire format source connectors use to deliver posts.
// Connectors own connection management and normalization; by the time an
// event lands here it is expected to be a well-formed post.
type PostEvent struct {
	EventID    string    `json:"event_id"`
	SourceID   string    `json:"source_id"`
	ExternalID string    `json:"external_id"`
	Text       string    `json:"text"`
	ObservedAt time.Time `json:"observed_at"`
	Language   string    `json:"language,omitempty"`
}

// Validate reports whether the event carries the fields ingestion requires.
func (e PostEvent) Validate() error {
	if e.SourceID == "" {
		return fmt.Errorf("post event missing source_id")
	}
	if e.ExternalID == "" {
		return fmt.Errorf("post event missing external_id")
	}
	if e.Text == "" {
		return fmt.Errorf("post event missing text")
	}
	return nil
}

// PostEventHandler decodes post events and forwards them to an ingest function
type PostEventHandler struct {
	ingest func(ctx context.Context, event PostEvent) error
	logger *logrus.Logger
}

// NewPostEventHandler creates a new handler for post events
func NewPostEventHandler(ingest func(ctx context.Context, event PostEvent) error, logger *logrus.Logger) *PostEventHandler {
	return &PostEventHandler{
		ingest: ingest,
		logger: logger,
	}
}

// HandleMessage decodes a Kafka message into a PostEvent and ingests it.
// Malformed events are dropped (logged and committed), never retried: a
// message that cannot decode will not decode on the next attempt either.
func (h *PostEventHandler) HandleMessage(ctx context.Context, msg Message) error {
	var event PostEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		h.logger.WithError(err).WithFields(logrus.Fields{
			"topic":  msg.Topic,
			"offset": msg.Offset,
		}).Warn("Dropping undecodable post event")
		return nil
	}

	if err := event.Validate(); err != nil {
		h.logger.WithError(err).WithField("event_id", event.EventID).Warn("Dropping invalid post event")
		return nil
	}

	if event.ObservedAt.IsZero() {
		event.ObservedAt = msg.Timestamp
	}

	return h.ingest(ctx, event)
}
