// Package dedup filters re-delivered posts by external ID so a replayed
// feed page or a redelivered Kafka record is counted once.
package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"

	"github.com/JuliusGruber/ViennaTalksBout/pkg/logging"
)

// DefaultTTL bounds how long an external ID is remembered. Feeds do not
// redeliver posts older than a day.
const DefaultTTL = 24 * time.Hour

// Deduper remembers (source, external ID) pairs in Redis. Without a client
// it passes everything through, and on Redis errors it fails open so an
// unavailable cache degrades to occasional double counting instead of
// dropped posts.
type Deduper struct {
	client  goredis.UniversalClient
	ttl     time.Duration
	skipped *prometheus.CounterVec // labels: source
	logger  logging.Logger
}

// New creates a deduper. client may be nil to disable deduplication.
func New(client goredis.UniversalClient, ttl time.Duration, skipped *prometheus.CounterVec, logger logging.Logger) *Deduper {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Deduper{client: client, ttl: ttl, skipped: skipped, logger: logger}
}

// Seen records the post and reports whether it was already known. Posts
// without an external ID are never considered duplicates.
func (d *Deduper) Seen(ctx context.Context, sourceID, externalID string) bool {
	if d.client == nil || externalID == "" {
		return false
	}

	key := fmt.Sprintf("post:seen:%s:%s", sourceID, externalID)
	fresh, err := d.client.SetNX(ctx, key, 1, d.ttl).Result()
	if err != nil {
		d.logger.WithError(err).Warn("Dedup check failed, accepting post")
		return false
	}
	if !fresh {
		if d.skipped != nil {
			d.skipped.WithLabelValues(sourceID).Inc()
		}
		return true
	}
	return false
}
