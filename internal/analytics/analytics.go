// Package analytics writes per-batch extraction statistics to ClickHouse for
// offline analysis. The sink is optional and strictly best effort: the
// pipeline never blocks or fails on it.
package analytics

import (
	"context"
	"time"

	"github.com/JuliusGruber/ViennaTalksBout/internal/topics"
	"github.com/JuliusGruber/ViennaTalksBout/pkg/database"
	"github.com/JuliusGruber/ViennaTalksBout/pkg/logging"
)

// BatchSink records one row per processed batch.
type BatchSink struct {
	conn   database.ClickHouseConn
	logger logging.Logger
}

// NewBatchSink creates a sink. conn may be nil to disable analytics.
func NewBatchSink(conn database.ClickHouseConn, logger logging.Logger) *BatchSink {
	return &BatchSink{conn: conn, logger: logger}
}

// Enabled reports whether the sink has a backing connection.
func (s *BatchSink) Enabled() bool {
	return s != nil && s.conn != nil
}

// EnsureSchema creates the batch_events table if it does not exist.
func (s *BatchSink) EnsureSchema(ctx context.Context) error {
	if !s.Enabled() {
		return nil
	}
	return s.conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS batch_events (
			batch_id        String,
			source_id       String,
			window_start    DateTime64(3),
			window_end      DateTime64(3),
			post_count      UInt32,
			candidate_count UInt32,
			status          String,
			processed_at    DateTime64(3)
		) ENGINE = MergeTree()
		ORDER BY (source_id, window_start)
		TTL toDateTime(window_start) + INTERVAL 30 DAY`)
}

// RecordBatch writes one batch event. Failures are logged and swallowed.
func (s *BatchSink) RecordBatch(ctx context.Context, batch topics.Batch, candidateCount int, status string) {
	if !s.Enabled() {
		return
	}

	err := s.conn.Exec(ctx, `
		INSERT INTO batch_events
			(batch_id, source_id, window_start, window_end, post_count, candidate_count, status, processed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		batch.ID, batch.SourceID,
		batch.WindowStart, batch.WindowEnd,
		uint32(batch.PostCount), uint32(candidateCount),
		status, time.Now().UTC())
	if err != nil {
		s.logger.WithError(err).Warn("Failed to record batch event")
	}
}
