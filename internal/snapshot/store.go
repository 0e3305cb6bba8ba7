// Package snapshot persists hourly point-in-time copies of the tracked topic
// set and serves them back for the history slider and for warm starts.
package snapshot

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/JuliusGruber/ViennaTalksBout/internal/topics"
	"github.com/JuliusGruber/ViennaTalksBout/pkg/database"
	"github.com/JuliusGruber/ViennaTalksBout/pkg/logging"
)

// ErrNotFound is returned when no snapshot covers the requested time.
var ErrNotFound = errors.New("snapshot not found")

// Snapshot is one persisted copy of the topic set.
type Snapshot struct {
	TakenAt    time.Time      `json:"taken_at"`
	TopicCount int            `json:"topic_count"`
	Topics     []topics.Topic `json:"topics"`
}

// Meta is a snapshot listing entry without the topic payload.
type Meta struct {
	TakenAt    time.Time `json:"taken_at"`
	TopicCount int       `json:"topic_count"`
}

// Store reads and writes snapshots in PostgreSQL.
type Store struct {
	db     database.PostgresConn
	logger logging.Logger
}

// NewStore creates a snapshot store on an existing connection.
func NewStore(db database.PostgresConn, logger logging.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// EnsureSchema creates the snapshots table if it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS snapshots (
			taken_at    TIMESTAMPTZ PRIMARY KEY,
			topic_count INTEGER NOT NULL,
			topics      JSONB NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("failed to create snapshots table: %w", err)
	}
	return nil
}

// Write persists one snapshot. A snapshot already present at the same
// timestamp wins; the write is a no-op then, so boundary races between the
// scheduler and a shutdown flush cannot corrupt history.
func (s *Store) Write(ctx context.Context, takenAt time.Time, set []topics.Topic) error {
	payload, err := json.Marshal(set)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO snapshots (taken_at, topic_count, topics)
		VALUES ($1, $2, $3)
		ON CONFLICT (taken_at) DO NOTHING`,
		takenAt.UTC(), len(set), payload)
	if err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	return nil
}

// At returns the nearest snapshot taken at or before t.
func (s *Store) At(ctx context.Context, t time.Time) (Snapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT taken_at, topic_count, topics
		FROM snapshots
		WHERE taken_at <= $1
		ORDER BY taken_at DESC
		LIMIT 1`, t.UTC())
	return scanSnapshot(row)
}

// Latest returns the most recent snapshot.
func (s *Store) Latest(ctx context.Context) (Snapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT taken_at, topic_count, topics
		FROM snapshots
		ORDER BY taken_at DESC
		LIMIT 1`)
	return scanSnapshot(row)
}

func scanSnapshot(row *sql.Row) (Snapshot, error) {
	var (
		snap    Snapshot
		payload []byte
	)
	if err := row.Scan(&snap.TakenAt, &snap.TopicCount, &payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Snapshot{}, ErrNotFound
		}
		return Snapshot{}, fmt.Errorf("failed to read snapshot: %w", err)
	}
	if err := json.Unmarshal(payload, &snap.Topics); err != nil {
		return Snapshot{}, fmt.Errorf("failed to decode snapshot payload: %w", err)
	}
	snap.TakenAt = snap.TakenAt.UTC()
	return snap, nil
}

// List returns snapshot metadata in [from, to], oldest first.
func (s *Store) List(ctx context.Context, from, to time.Time) ([]Meta, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT taken_at, topic_count
		FROM snapshots
		WHERE taken_at >= $1 AND taken_at <= $2
		ORDER BY taken_at ASC`, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	defer rows.Close()

	var out []Meta
	for rows.Next() {
		var m Meta
		if err := rows.Scan(&m.TakenAt, &m.TopicCount); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot row: %w", err)
		}
		m.TakenAt = m.TakenAt.UTC()
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate snapshot rows: %w", err)
	}
	return out, nil
}

// Purge deletes snapshots older than the cutoff and returns how many went.
func (s *Store) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE taken_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to purge snapshots: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return deleted, nil
}
