// Package handlers implements the HTTP API: the live topic view, the
// snapshot history for the time slider, and the post ingest endpoint.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/JuliusGruber/ViennaTalksBout/internal/snapshot"
	"github.com/JuliusGruber/ViennaTalksBout/internal/topics"
	"github.com/JuliusGruber/ViennaTalksBout/pkg/logging"
)

// TopicReader serves the live tracked set. Satisfied by the engine.
type TopicReader interface {
	Current() []topics.Topic
}

// SnapshotReader serves persisted history. Satisfied by the snapshot store.
type SnapshotReader interface {
	At(ctx context.Context, t time.Time) (snapshot.Snapshot, error)
	List(ctx context.Context, from, to time.Time) ([]snapshot.Meta, error)
}

// Ingestor accepts posts. Satisfied by the pipeline.
type Ingestor interface {
	Ingest(ctx context.Context, post topics.Post) error
}

// Handlers holds the API dependencies.
type Handlers struct {
	topics    TopicReader
	snapshots SnapshotReader
	ingestor  Ingestor
	logger    logging.Logger
}

// NewHandlers creates the API handlers.
func NewHandlers(reader TopicReader, snapshots SnapshotReader, ingestor Ingestor, logger logging.Logger) *Handlers {
	return &Handlers{
		topics:    reader,
		snapshots: snapshots,
		ingestor:  ingestor,
		logger:    logger,
	}
}

// Register mounts the API routes.
func (h *Handlers) Register(router gin.IRouter) {
	api := router.Group("/api")
	api.GET("/topics", h.GetTopics)
	api.GET("/snapshots", h.ListSnapshots)
	api.POST("/posts", h.IngestPost)
}

// GetTopics serves the current topic set, or a historical one when the
// "at" query parameter names a point in time.
func (h *Handlers) GetTopics(c *gin.Context) {
	atParam := c.Query("at")
	if atParam == "" {
		current := h.topics.Current()
		c.JSON(http.StatusOK, gin.H{
			"topics":       topics.Views(current),
			"generated_at": time.Now().UTC().Format(time.RFC3339),
			"live":         true,
		})
		return
	}

	at, err := time.Parse(time.RFC3339, atParam)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid 'at' parameter, expected RFC 3339 timestamp"})
		return
	}

	snap, err := h.snapshots.At(c.Request.Context(), at)
	if err != nil {
		if errors.Is(err, snapshot.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no snapshot at or before the requested time"})
			return
		}
		h.logger.WithError(err).Error("Failed to load snapshot")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load snapshot"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"topics":   topics.Views(sortedByScore(snap.Topics)),
		"taken_at": snap.TakenAt.Format(time.RFC3339),
		"live":     false,
	})
}

// ListSnapshots serves snapshot metadata for the time slider. Defaults to
// the full retention window ending now.
func (h *Handlers) ListSnapshots(c *gin.Context) {
	now := time.Now().UTC()
	from := now.Add(-snapshot.DefaultRetention)
	to := now

	var err error
	if v := c.Query("from"); v != "" {
		if from, err = time.Parse(time.RFC3339, v); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid 'from' parameter, expected RFC 3339 timestamp"})
			return
		}
	}
	if v := c.Query("to"); v != "" {
		if to, err = time.Parse(time.RFC3339, v); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid 'to' parameter, expected RFC 3339 timestamp"})
			return
		}
	}

	metas, err := h.snapshots.List(c.Request.Context(), from, to)
	if err != nil {
		h.logger.WithError(err).Error("Failed to list snapshots")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list snapshots"})
		return
	}
	if metas == nil {
		metas = []snapshot.Meta{}
	}

	c.JSON(http.StatusOK, gin.H{"snapshots": metas})
}

type ingestRequest struct {
	SourceID   string    `json:"source_id" binding:"required"`
	ExternalID string    `json:"external_id"`
	Text       string    `json:"text" binding:"required"`
	ObservedAt time.Time `json:"observed_at"`
	Language   string    `json:"language"`
}

// IngestPost accepts one post for windowing. Returns 202: acceptance means
// buffered, not yet reflected in any topic.
func (h *Handlers) IngestPost(c *gin.Context) {
	var req ingestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "source_id and text are required"})
		return
	}

	err := h.ingestor.Ingest(c.Request.Context(), topics.Post{
		SourceID:   req.SourceID,
		ExternalID: req.ExternalID,
		Text:       req.Text,
		ObservedAt: req.ObservedAt,
		Language:   req.Language,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

func sortedByScore(ts []topics.Topic) []topics.Topic {
	out := make([]topics.Topic, len(ts))
	copy(out, ts)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Key < out[j].Key
	})
	return out
}
