// Package aggregator buffers one source's posts into fixed-duration windows
// and emits a sealed batch when each window elapses.
package aggregator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JuliusGruber/ViennaTalksBout/internal/topics"
	"github.com/JuliusGruber/ViennaTalksBout/pkg/logging"
)

const (
	DefaultWindow   = 10 * time.Minute
	DefaultMaxPosts = 100
)

// Config holds aggregator settings for one source.
type Config struct {
	SourceID string
	Window   time.Duration
	MaxPosts int
}

// Counters receives drop/flush observations. Nil-safe via the Aggregator.
type Counters interface {
	PostDropped(sourceID, reason string)
	BatchFlushed(sourceID string, postCount int)
}

// Aggregator accumulates posts for a single source. Accept is safe to call
// from any goroutine concurrently with the timer flush; flushes are emitted
// from the Run goroutine only, so batches leave in window order.
type Aggregator struct {
	cfg      Config
	logger   logging.Logger
	out      chan<- topics.Batch
	counters Counters

	mu          sync.Mutex
	posts       []topics.Post
	windowStart time.Time
	now         func() time.Time
}

// New creates an aggregator that emits sealed batches on out.
func New(cfg Config, out chan<- topics.Batch, counters Counters, logger logging.Logger) *Aggregator {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.MaxPosts <= 0 {
		cfg.MaxPosts = DefaultMaxPosts
	}
	a := &Aggregator{
		cfg:      cfg,
		logger:   logger,
		out:      out,
		counters: counters,
		now:      time.Now,
	}
	a.windowStart = a.now()
	return a
}

// Accept appends a post to the current window. Constant-time, never blocks
// on downstream work. Malformed posts are dropped and counted, never
// propagated as errors.
func (a *Aggregator) Accept(post topics.Post) {
	if post.Text == "" || post.SourceID == "" {
		if a.counters != nil {
			a.counters.PostDropped(a.cfg.SourceID, "malformed")
		}
		a.logger.WithField("source", a.cfg.SourceID).Debug("Dropping malformed post")
		return
	}

	a.mu.Lock()
	if len(a.posts) >= a.cfg.MaxPosts {
		// A full window beats an empty one: shed the oldest post in the
		// window rather than truncating the whole buffer.
		copy(a.posts, a.posts[1:])
		a.posts = a.posts[:len(a.posts)-1]
		if a.counters != nil {
			a.counters.PostDropped(a.cfg.SourceID, "window_cap")
		}
	}
	a.posts = append(a.posts, post)
	a.mu.Unlock()
}

// Run drives the flush timer until ctx is cancelled, then flushes the final
// partial window before returning. The out channel is closed on return so
// downstream consumers drain naturally.
func (a *Aggregator) Run(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.Window)
	defer ticker.Stop()
	defer close(a.out)

	for {
		select {
		case <-ticker.C:
			a.flush(ctx)
		case <-ctx.Done():
			a.finalFlush()
			return
		}
	}
}

// flush seals the current window and emits it. Empty windows emit nothing:
// no batch, no extraction call, no merge cycle.
func (a *Aggregator) flush(ctx context.Context) {
	batch, ok := a.seal()
	if !ok {
		a.logger.WithField("source", a.cfg.SourceID).Debug("Empty window, skipping batch emission")
		return
	}

	a.logger.WithFields(logging.Fields{
		"source":       a.cfg.SourceID,
		"post_count":   batch.PostCount,
		"window_start": batch.WindowStart,
		"window_end":   batch.WindowEnd,
	}).Info("Flushing batch")

	if a.counters != nil {
		a.counters.BatchFlushed(a.cfg.SourceID, batch.PostCount)
	}

	select {
	case a.out <- batch:
	case <-ctx.Done():
	}
}

// finalFlush emits the last partial window during shutdown.
func (a *Aggregator) finalFlush() {
	batch, ok := a.seal()
	if !ok {
		return
	}
	if a.counters != nil {
		a.counters.BatchFlushed(a.cfg.SourceID, batch.PostCount)
	}
	a.logger.WithFields(logging.Fields{
		"source":     a.cfg.SourceID,
		"post_count": batch.PostCount,
	}).Info("Flushing final partial window")
	a.out <- batch
}

// seal atomically swaps the buffer for a fresh one and builds the batch.
func (a *Aggregator) seal() (topics.Batch, bool) {
	end := a.now()

	a.mu.Lock()
	posts := a.posts
	start := a.windowStart
	a.posts = nil
	a.windowStart = end
	a.mu.Unlock()

	if len(posts) == 0 {
		return topics.Batch{}, false
	}

	texts := make([]string, 0, len(posts))
	for _, p := range posts {
		texts = append(texts, p.Text)
	}

	return topics.Batch{
		ID:          uuid.New().String(),
		SourceID:    a.cfg.SourceID,
		WindowStart: start,
		WindowEnd:   end,
		Texts:       texts,
		PostCount:   len(posts),
	}, true
}
